package capture

import (
	"fmt"
	"log/slog"
	"math"
)

// Suspender halts the real-time path around control-side work. Between
// Suspend and Resume no call to Engine.Process may be running or start.
type Suspender interface {
	Suspend()
	Resume()
}

// noSuspend is used when the caller guarantees the host is stopped
type noSuspend struct{}

func (noSuspend) Suspend() {}
func (noSuspend) Resume()  {}

// RequiredSamples returns floor(seconds * sampleRate), the per-channel
// capacity a duration needs.
func RequiredSamples(seconds, sampleRate float64) (int, error) {
	if !isPositiveFinite(sampleRate) {
		return 0, fmt.Errorf("%w: %f", ErrInvalidSampleRate, sampleRate)
	}
	if !isPositiveFinite(seconds) {
		return 0, fmt.Errorf("%w: %f seconds", ErrInvalidDuration, seconds)
	}

	required := math.Floor(seconds * sampleRate)
	if required < 1 {
		return 0, fmt.Errorf("%w: %f seconds is less than one sample at %f Hz", ErrInvalidDuration, seconds, sampleRate)
	}
	if required > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %.0f samples", ErrCapacityTooLarge, required)
	}
	return int(required), nil
}

// ApplyDuration resizes the ring to hold seconds of audio at sampleRate,
// which becomes the engine's sample rate. When the capacity already matches
// the ring is kept and the host is not suspended. Otherwise the host is suspended for the resize, which discards
// all captured audio and rewinds the cursor. A nil host means the caller
// guarantees Process is not running. On error the engine is unchanged.
func (e *Engine) ApplyDuration(host Suspender, seconds, sampleRate float64) (bool, error) {
	e.ctl.Lock()
	defer e.ctl.Unlock()

	st := e.state.Load()
	if st == nil {
		return false, ErrNotPrepared
	}

	required, err := RequiredSamples(seconds, sampleRate)
	if err != nil {
		return false, err
	}

	previous := st.ring.Capacity()
	if required == previous {
		if sampleRate != st.sampleRate {
			e.state.Store(&prepared{ring: st.ring, sampleRate: sampleRate})
		}
		return false, nil
	}
	if required > st.ring.MaxCapacity() {
		return false, fmt.Errorf("%w: %d samples requested, limit is %d", ErrCapacityTooLarge, required, st.ring.MaxCapacity())
	}

	if host == nil {
		host = noSuspend{}
	}
	host.Suspend()
	err = st.ring.Resize(required)
	if err == nil {
		e.state.Store(&prepared{ring: st.ring, sampleRate: sampleRate})
	}
	host.Resume()
	if err != nil {
		return false, fmt.Errorf("failed to resize ring: %w", err)
	}

	e.resizes.Add(1)
	e.logger.Info("Recording duration applied",
		slog.Float64("duration_seconds", seconds),
		slog.Int("previous_capacity", previous),
		slog.Int("capacity_samples", required))
	return true, nil
}

// ApplyRequestedDurationChange applies the requested duration at the
// prepared sample rate.
func (e *Engine) ApplyRequestedDurationChange(host Suspender) (bool, error) {
	st := e.state.Load()
	if st == nil {
		return false, ErrNotPrepared
	}
	return e.ApplyDuration(host, e.RequestedDuration(), st.sampleRate)
}
