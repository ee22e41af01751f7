package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ummshsh/Recall-Sampler/internal/audio"
	"github.com/ummshsh/Recall-Sampler/internal/silence"
)

const (
	// DefaultInitialDuration is the history length used when nothing else is requested
	DefaultInitialDuration = 30.0

	// DefaultMinDuration and DefaultMaxDuration bound the requested duration
	DefaultMinDuration = 1.0
	DefaultMaxDuration = 300.0
)

var (
	// ErrNotPrepared is returned when an operation needs a prepared engine
	ErrNotPrepared = errors.New("capture engine not prepared")

	// ErrInvalidDuration is returned for non-finite, non-positive or sub-sample durations
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrInvalidSampleRate is returned for non-finite or non-positive sample rates
	ErrInvalidSampleRate = errors.New("invalid sample rate")

	// ErrCapacityTooLarge is returned when a duration needs more storage than allowed
	ErrCapacityTooLarge = audio.ErrCapacityTooLarge

	// ErrInvalidChannels is returned when preparing with no channels
	ErrInvalidChannels = audio.ErrInvalidChannels
)

// Config holds capture engine settings
type Config struct {
	Silence         silence.Config
	InitialDuration float64 // seconds
	MinDuration     float64 // seconds
	MaxDuration     float64 // seconds
	MaxCapacity     int     // samples per channel, 0 selects audio.DefaultMaxCapacity
}

// DefaultConfig returns the stock capture settings
func DefaultConfig() Config {
	return Config{
		Silence:         silence.DefaultConfig(),
		InitialDuration: DefaultInitialDuration,
		MinDuration:     DefaultMinDuration,
		MaxDuration:     DefaultMaxDuration,
		MaxCapacity:     audio.DefaultMaxCapacity,
	}
}

// Validate checks the engine settings
func (c Config) Validate() error {
	if err := c.Silence.Validate(); err != nil {
		return fmt.Errorf("silence: %w", err)
	}
	if !isPositiveFinite(c.MinDuration) {
		return fmt.Errorf("min duration must be positive, got %f", c.MinDuration)
	}
	if !isPositiveFinite(c.MaxDuration) || c.MaxDuration < c.MinDuration {
		return fmt.Errorf("max duration must be at least min duration %f, got %f", c.MinDuration, c.MaxDuration)
	}
	if c.InitialDuration < c.MinDuration || c.InitialDuration > c.MaxDuration {
		return fmt.Errorf("initial duration must be between %f and %f, got %f", c.MinDuration, c.MaxDuration, c.InitialDuration)
	}
	if c.MaxCapacity < 0 {
		return fmt.Errorf("max capacity cannot be negative, got %d", c.MaxCapacity)
	}
	return nil
}

// prepared is everything Process needs, published as one pointer
type prepared struct {
	ring       *audio.Ring
	sampleRate float64
}

// Engine is the always-on capture core. Process runs on the real-time
// goroutine; everything else is control side.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	state  atomic.Pointer[prepared]
	gate   *silence.Gate
	freeze *FreezeControl

	requested atomic.Uint64 // float64 bits of the requested duration in seconds

	// ctl serializes Prepare, Release and duration changes
	ctl sync.Mutex

	blocksProcessed atomic.Uint64
	blocksFrozen    atomic.Uint64
	blocksSilenced  atomic.Uint64
	blocksWritten   atomic.Uint64
	samplesWritten  atomic.Uint64
	resizes         atomic.Uint64
}

// NewEngine creates an unprepared capture engine
func NewEngine(logger *slog.Logger, cfg Config) (*Engine, error) {
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = audio.DefaultMaxCapacity
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}

	gate, err := silence.NewGate(cfg.Silence)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence gate: %w", err)
	}

	e := &Engine{
		logger: logger,
		cfg:    cfg,
		gate:   gate,
		freeze: NewFreezeControl(),
	}
	e.requested.Store(math.Float64bits(cfg.InitialDuration))
	return e, nil
}

// Prepare builds a ring holding initialDuration seconds of audio at
// sampleRate and makes the engine ready for Process. The host must not be
// running. On error the previous prepared state is kept.
func (e *Engine) Prepare(sampleRate float64, channels int, initialDuration float64) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	if !isPositiveFinite(sampleRate) {
		return fmt.Errorf("%w: %f", ErrInvalidSampleRate, sampleRate)
	}
	capacity, err := RequiredSamples(initialDuration, sampleRate)
	if err != nil {
		return err
	}

	ring, err := audio.NewRing(channels, capacity, e.cfg.MaxCapacity)
	if err != nil {
		return fmt.Errorf("failed to create ring: %w", err)
	}

	e.gate.Reset()
	e.state.Store(&prepared{ring: ring, sampleRate: sampleRate})

	e.logger.Info("Capture engine prepared",
		slog.Float64("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Float64("duration_seconds", initialDuration),
		slog.Int("capacity_samples", capacity))
	return nil
}

// Release drops the ring. Later Process calls are no-ops until the next Prepare.
func (e *Engine) Release() {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	if e.state.Swap(nil) != nil {
		e.logger.Info("Capture engine released")
	}
}

// Process captures one block of per-channel samples. It is the real-time
// entry point: it never allocates, blocks or logs, and malformed input is
// ignored.
func (e *Engine) Process(block [][]float32) {
	st := e.state.Load()
	if st == nil || st.sampleRate <= 0 {
		return
	}
	capacity := st.ring.Capacity()
	if capacity == 0 {
		return
	}
	e.blocksProcessed.Add(1)

	if e.freeze.IsFrozen() {
		e.blocksFrozen.Add(1)
		return
	}

	n := blockFrames(block, st.ring.Channels())
	if n == 0 {
		return
	}

	if e.gate.Classify(silence.Peak(block, n), silence.BlockDuration(n, st.sampleRate)) {
		e.blocksSilenced.Add(1)
		return
	}

	st.ring.Write(block, n)
	e.blocksWritten.Add(1)
	e.samplesWritten.Add(uint64(n))
}

// SetFrozen freezes or thaws capture
func (e *Engine) SetFrozen(frozen bool) {
	e.freeze.SetFrozen(frozen)
}

// IsFrozen reports whether capture is frozen
func (e *Engine) IsFrozen() bool {
	return e.freeze.IsFrozen()
}

// IsPaused reports whether the silence gate is holding capture
func (e *Engine) IsPaused() bool {
	return e.gate.IsPaused()
}

// SetRequestedDuration stores seconds clamped to the configured range and
// returns the stored value. Non-finite input leaves the request unchanged.
// Nothing is resized until the request is applied.
func (e *Engine) SetRequestedDuration(seconds float64) float64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return e.RequestedDuration()
	}
	seconds = math.Max(e.cfg.MinDuration, math.Min(seconds, e.cfg.MaxDuration))
	e.requested.Store(math.Float64bits(seconds))
	return seconds
}

// RequestedDuration returns the requested history length in seconds
func (e *Engine) RequestedDuration() float64 {
	return math.Float64frombits(e.requested.Load())
}

// WritePosition returns the ring's write cursor, or 0 when unprepared
func (e *Engine) WritePosition() int {
	if st := e.state.Load(); st != nil {
		return st.ring.Cursor()
	}
	return 0
}

// SampleRate returns the prepared sample rate, or 0 when unprepared
func (e *Engine) SampleRate() float64 {
	if st := e.state.Load(); st != nil {
		return st.sampleRate
	}
	return 0
}

// Capacity returns the ring capacity in samples per channel
func (e *Engine) Capacity() int {
	if st := e.state.Load(); st != nil {
		return st.ring.Capacity()
	}
	return 0
}

// Channels returns the prepared channel count
func (e *Engine) Channels() int {
	if st := e.state.Load(); st != nil {
		return st.ring.Channels()
	}
	return 0
}

// Config returns the settings the engine was built with
func (e *Engine) Config() Config {
	return e.cfg
}

// blockFrames returns the number of frames every one of the first channels
// spans can supply, or 0 when the block has too few spans.
func blockFrames(block [][]float32, channels int) int {
	if len(block) < channels || channels == 0 {
		return 0
	}
	n := len(block[0])
	for c := 1; c < channels; c++ {
		n = min(n, len(block[c]))
	}
	return n
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
