package silence

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// DefaultThreshold is the peak magnitude below which a block counts as
	// near-digital silence (fraction of full scale)
	DefaultThreshold = 0.0002

	// DefaultHold is how long silence must last before capture pauses
	DefaultHold = 3 * time.Second
)

// Config holds silence gate parameters
type Config struct {
	Enabled   bool
	Threshold float32
	Hold      time.Duration
}

// DefaultConfig returns an enabled gate with the stock threshold and hold time
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Threshold: DefaultThreshold,
		Hold:      DefaultHold,
	}
}

// Validate checks the gate parameters
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", c.Threshold)
	}
	if c.Hold <= 0 {
		return fmt.Errorf("hold time must be positive, got %s", c.Hold)
	}
	return nil
}

// Gate pauses capture after sustained silence and releases the instant a
// loud block arrives. Classify and Reset belong to the real-time goroutine;
// the getters may be called from anywhere.
type Gate struct {
	enabled   bool
	threshold float32
	hold      time.Duration

	silence atomic.Int64 // accumulated silence in nanoseconds
	paused  atomic.Bool
	pauses  atomic.Uint64 // number of engagements
}

// Stats is a point-in-time view of the gate
type Stats struct {
	Enabled        bool    `json:"enabled"`
	Paused         bool    `json:"paused"`
	SilenceSeconds float64 `json:"silence_seconds"`
	Threshold      float32 `json:"threshold"`
	HoldSeconds    float64 `json:"hold_seconds"`
	Pauses         uint64  `json:"pauses"`
}

// NewGate creates a silence gate
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Gate{
		enabled:   cfg.Enabled,
		threshold: cfg.Threshold,
		hold:      cfg.Hold,
	}, nil
}

// Classify accounts one block and reports whether capture is paused.
// Quiet blocks add their duration to the silence total and engage the pause
// once the total reaches the hold time. A block at or above the threshold
// clears the total and the pause immediately.
func (g *Gate) Classify(peak float32, block time.Duration) bool {
	if !g.enabled {
		return false
	}

	if peak >= g.threshold {
		g.silence.Store(0)
		g.paused.Store(false)
		return false
	}

	silent := g.silence.Load() + int64(block)
	g.silence.Store(silent)

	if silent >= int64(g.hold) && !g.paused.Load() {
		g.paused.Store(true)
		g.pauses.Add(1)
	}
	return g.paused.Load()
}

// Reset clears the silence total and the pause
func (g *Gate) Reset() {
	g.silence.Store(0)
	g.paused.Store(false)
}

// IsPaused reports whether capture is currently paused by silence
func (g *Gate) IsPaused() bool {
	return g.paused.Load()
}

// Silence returns the accumulated silence
func (g *Gate) Silence() time.Duration {
	return time.Duration(g.silence.Load())
}

// Pauses returns how many times the gate has engaged
func (g *Gate) Pauses() uint64 {
	return g.pauses.Load()
}

// Stats returns the gate's current state
func (g *Gate) Stats() Stats {
	return Stats{
		Enabled:        g.enabled,
		Paused:         g.paused.Load(),
		SilenceSeconds: g.Silence().Seconds(),
		Threshold:      g.threshold,
		HoldSeconds:    g.hold.Seconds(),
		Pauses:         g.pauses.Load(),
	}
}

// BlockDuration converts a block of n samples at sampleRate into a duration
// rounded to the nanosecond, so that equal blocks always add up exactly.
func BlockDuration(n int, sampleRate float64) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(n)/sampleRate*float64(time.Second) + 0.5)
}

// Peak returns the largest absolute sample among the first n samples of every
// channel in block. Channels shorter than n are scanned to their end.
func Peak(block [][]float32, n int) float32 {
	var peak float32
	for _, ch := range block {
		if len(ch) > n {
			ch = ch[:n]
		}
		for _, v := range ch {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}
