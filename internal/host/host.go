package host

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Processor consumes real-time blocks of per-channel samples
type Processor interface {
	Process(block [][]float32)
}

// Source delivers audio blocks to a Host until its context is cancelled or
// it runs out of audio
type Source interface {
	Run(ctx context.Context) error
	SampleRate() float64
	Channels() int
}

// Host sits between audio sources and the capture engine. Every block goes
// through Callback, which is where suspension is enforced: while suspended,
// no Process call is running and new blocks are dropped.
type Host struct {
	processor Processor

	suspended atomic.Bool
	inflight  atomic.Int32

	// mu is held from Suspend to Resume and is never touched by Callback
	mu sync.Mutex

	callbacks   atomic.Uint64
	dropped     atomic.Uint64
	suspensions atomic.Uint64
}

// Stats holds host counters
type Stats struct {
	Callbacks   uint64 `json:"callbacks"`
	Dropped     uint64 `json:"dropped"`
	Suspensions uint64 `json:"suspensions"`
	Suspended   bool   `json:"suspended"`
}

// New creates a host delivering blocks to processor
func New(processor Processor) *Host {
	return &Host{processor: processor}
}

// Callback is the real-time entry point for sources. It never blocks.
func (h *Host) Callback(block [][]float32) {
	h.inflight.Add(1)
	if h.suspended.Load() {
		h.inflight.Add(-1)
		h.dropped.Add(1)
		return
	}

	h.processor.Process(block)
	h.inflight.Add(-1)
	h.callbacks.Add(1)
}

// Suspend stops delivery and returns once no Callback is inside Process.
// Suspensions from different goroutines are serialized.
func (h *Host) Suspend() {
	h.mu.Lock()
	h.suspended.Store(true)
	for h.inflight.Load() != 0 {
		runtime.Gosched()
	}
	h.suspensions.Add(1)
}

// Resume restarts delivery after Suspend
func (h *Host) Resume() {
	h.suspended.Store(false)
	h.mu.Unlock()
}

// IsSuspended reports whether delivery is currently stopped
func (h *Host) IsSuspended() bool {
	return h.suspended.Load()
}

// Stats returns the host counters
func (h *Host) Stats() Stats {
	return Stats{
		Callbacks:   h.callbacks.Load(),
		Dropped:     h.dropped.Load(),
		Suspensions: h.suspensions.Load(),
		Suspended:   h.suspended.Load(),
	}
}
