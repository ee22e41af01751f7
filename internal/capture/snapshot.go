package capture

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyRecording is returned when there is no ring to copy from
	ErrEmptyRecording = errors.New("recording is empty")

	// ErrInvalidRange is returned for ranges outside [0, capacity] or with start >= end
	ErrInvalidRange = errors.New("invalid sample range")
)

// Snapshot is a copied range of the captured history
type Snapshot struct {
	SampleRate float64
	Channels   [][]float32
	Start      int // logical index of the first sample
	End        int // logical index one past the last sample
	Capacity   int // ring capacity when the copy was taken
}

// Frames returns the number of samples per channel
func (s *Snapshot) Frames() int {
	if len(s.Channels) == 0 {
		return 0
	}
	return len(s.Channels[0])
}

// Seconds returns the snapshot length in seconds
func (s *Snapshot) Seconds() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Frames()) / s.SampleRate
}

// Overview is a min/max reduction of the ring in storage order plus the
// write cursor, enough to draw a waveform with a playhead.
type Overview struct {
	Buckets      int       `json:"buckets"`
	Min          []float32 `json:"min"`
	Max          []float32 `json:"max"`
	Cursor       int       `json:"cursor"`
	CursorBucket int       `json:"cursor_bucket"`
	Capacity     int       `json:"capacity"`
	SampleRate   float64   `json:"sample_rate"`
}

// Snapshot copies the whole ring, oldest sample first.
// The host must be suspended for a consistent copy.
func (e *Engine) Snapshot() (*Snapshot, error) {
	return e.SnapshotRange(0, e.Capacity())
}

// SnapshotRange copies the logical range [start, end), where logical index 0
// is the oldest retained sample. The host must be suspended for a consistent
// copy.
func (e *Engine) SnapshotRange(start, end int) (*Snapshot, error) {
	st := e.state.Load()
	if st == nil {
		return nil, ErrEmptyRecording
	}

	capacity := st.ring.Capacity()
	if capacity == 0 {
		return nil, ErrEmptyRecording
	}
	if start < 0 || end > capacity || start >= end {
		return nil, fmt.Errorf("%w: [%d, %d) with capacity %d", ErrInvalidRange, start, end, capacity)
	}

	return &Snapshot{
		SampleRate: st.sampleRate,
		Channels:   st.ring.ReadRange(start, end),
		Start:      start,
		End:        end,
		Capacity:   capacity,
	}, nil
}

// SuspendedSnapshot suspends host around SnapshotRange
func (e *Engine) SuspendedSnapshot(host Suspender, start, end int) (*Snapshot, error) {
	if host == nil {
		host = noSuspend{}
	}
	host.Suspend()
	defer host.Resume()
	return e.SnapshotRange(start, end)
}

// PeekSnapshot copies a range while capture keeps running. The result may
// mix samples from either side of a concurrent write and is only fit for
// display.
func (e *Engine) PeekSnapshot(start, end int) (*Snapshot, error) {
	return e.SnapshotRange(start, end)
}

// LastRange returns the logical range holding the newest seconds of
// history, clamped to the whole ring.
func (e *Engine) LastRange(seconds float64) (int, int, error) {
	st := e.state.Load()
	if st == nil {
		return 0, 0, ErrEmptyRecording
	}
	if !isPositiveFinite(seconds) {
		return 0, 0, fmt.Errorf("%w: %f seconds", ErrInvalidDuration, seconds)
	}

	capacity := st.ring.Capacity()
	if capacity == 0 {
		return 0, 0, ErrEmptyRecording
	}

	n := capacity
	if want := math.Floor(seconds * st.sampleRate); want < float64(capacity) {
		n = int(want)
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: %f seconds is less than one sample", ErrInvalidRange, seconds)
	}
	return capacity - n, capacity, nil
}

// Overview reduces the ring to buckets min/max pairs in storage order. It
// reads without suspension. buckets is clamped to [1, capacity].
func (e *Engine) Overview(buckets int) (*Overview, error) {
	st := e.state.Load()
	if st == nil {
		return nil, ErrEmptyRecording
	}

	capacity := st.ring.Capacity()
	if capacity == 0 {
		return nil, ErrEmptyRecording
	}
	buckets = max(1, min(buckets, capacity))

	ov := &Overview{
		Buckets:    buckets,
		Min:        make([]float32, buckets),
		Max:        make([]float32, buckets),
		Cursor:     st.ring.Cursor(),
		Capacity:   capacity,
		SampleRate: st.sampleRate,
	}
	st.ring.Peaks(ov.Min, ov.Max)
	ov.CursorBucket = min(buckets-1, ov.Cursor*buckets/capacity)
	return ov, nil
}
