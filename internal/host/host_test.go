package host

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingProcessor records delivered blocks
type countingProcessor struct {
	mu     sync.Mutex
	blocks int
	frames int
	first  []float32 // copy of channel 0 of every block, in order
}

func (p *countingProcessor) Process(block [][]float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks++
	if len(block) > 0 {
		p.frames += len(block[0])
		p.first = append(p.first, block[0]...)
	}
}

func (p *countingProcessor) snapshot() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks, p.frames
}

// blockingProcessor parks inside Process until released
type blockingProcessor struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(block [][]float32) {
	p.entered <- struct{}{}
	<-p.release
}

func TestHostCallbackDelivers(t *testing.T) {
	proc := &countingProcessor{}
	h := New(proc)

	h.Callback([][]float32{make([]float32, 256)})
	h.Callback([][]float32{make([]float32, 256)})

	blocks, frames := proc.snapshot()
	if blocks != 2 || frames != 512 {
		t.Errorf("Expected 2 blocks of 512 frames total, got %d blocks %d frames", blocks, frames)
	}
	if h.Stats().Callbacks != 2 {
		t.Errorf("Expected 2 callbacks, got %d", h.Stats().Callbacks)
	}
}

func TestHostDropsWhileSuspended(t *testing.T) {
	proc := &countingProcessor{}
	h := New(proc)

	h.Suspend()
	if !h.IsSuspended() {
		t.Fatal("Expected host to be suspended")
	}
	h.Callback([][]float32{make([]float32, 64)})
	h.Resume()
	h.Callback([][]float32{make([]float32, 64)})

	blocks, _ := proc.snapshot()
	if blocks != 1 {
		t.Errorf("Expected only the block after resume, got %d", blocks)
	}

	stats := h.Stats()
	if stats.Dropped != 1 || stats.Suspensions != 1 || stats.Suspended {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHostSuspendWaitsForInflightCallback(t *testing.T) {
	proc := &blockingProcessor{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := New(proc)

	go h.Callback([][]float32{make([]float32, 64)})
	<-proc.entered

	var suspended atomic.Bool
	done := make(chan struct{})
	go func() {
		h.Suspend()
		suspended.Store(true)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if suspended.Load() {
		t.Fatal("Suspend returned while a callback was still processing")
	}

	close(proc.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Suspend did not return after the callback finished")
	}
	h.Resume()
}

func TestHostSuspensionsAreSerialized(t *testing.T) {
	h := New(&countingProcessor{})

	h.Suspend()
	second := make(chan struct{})
	go func() {
		h.Suspend()
		close(second)
		h.Resume()
	}()

	select {
	case <-second:
		t.Fatal("Second suspension started before the first resumed")
	case <-time.After(20 * time.Millisecond):
	}

	h.Resume()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("Second suspension never ran")
	}
}
