package audio

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultMaxCapacity caps a single channel at ten minutes of 192 kHz audio
const DefaultMaxCapacity = 192000 * 600

var (
	// ErrInvalidChannels is returned when a ring is built with no channels
	ErrInvalidChannels = errors.New("channel count must be positive")

	// ErrInvalidCapacity is returned for negative capacities
	ErrInvalidCapacity = errors.New("capacity cannot be negative")

	// ErrCapacityTooLarge is returned when a capacity exceeds the ring's limit
	ErrCapacityTooLarge = errors.New("capacity exceeds limit")
)

// ringStorage is replaced wholesale on resize so readers never see a
// half-built set of channels.
type ringStorage struct {
	data     [][]float32 // per-channel samples, all of length capacity
	capacity int
}

// Ring is a fixed-capacity multi-channel circular sample store with a single
// write cursor. It has exactly one writer. Write never allocates or blocks.
//
// Resize, Clear and the Read methods must only be called while the writer is
// suspended, unless the caller only needs a visual approximation.
type Ring struct {
	storage     atomic.Pointer[ringStorage]
	cursor      atomic.Int64 // next physical index to write
	channels    int
	maxCapacity int
}

// NewRing creates a ring with channelCount channels of capacity samples each.
// A maxCapacity of zero or less selects DefaultMaxCapacity.
func NewRing(channelCount, capacity, maxCapacity int) (*Ring, error) {
	if channelCount <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidChannels, channelCount)
	}
	if maxCapacity <= 0 {
		maxCapacity = DefaultMaxCapacity
	}

	r := &Ring{
		channels:    channelCount,
		maxCapacity: maxCapacity,
	}
	if err := r.Resize(capacity); err != nil {
		return nil, err
	}
	return r, nil
}

// Write copies n samples from each of the ring's channels in block, starting
// at the write cursor and wrapping to index 0, then advances the cursor by n
// modulo capacity.
//
// A zero-length write, an empty ring, too few channel spans or a span shorter
// than n make Write a no-op. Blocks larger than the whole ring keep only their
// newest capacity samples, which is what writing them sample by sample would
// have left behind.
func (r *Ring) Write(block [][]float32, n int) {
	s := r.storage.Load()
	if s == nil || n <= 0 || s.capacity == 0 || len(block) < len(s.data) {
		return
	}
	for c := range s.data {
		if len(block[c]) < n {
			return
		}
	}

	capacity := s.capacity
	cursor := r.cursorWithin(capacity)

	offset, count := 0, n
	if n > capacity {
		offset = n - capacity
		count = capacity
	}

	start := (cursor + offset) % capacity
	tail := min(count, capacity-start)
	for c, dst := range s.data {
		src := block[c][offset : offset+count]
		copy(dst[start:], src[:tail])
		if count > tail {
			copy(dst, src[tail:])
		}
	}

	r.cursor.Store(int64((cursor + n) % capacity))
}

// Resize replaces the storage with newCapacity zeroed samples per channel and
// resets the cursor. On error the ring is left untouched.
func (r *Ring) Resize(newCapacity int) error {
	if newCapacity < 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidCapacity, newCapacity)
	}
	if newCapacity > r.maxCapacity {
		return fmt.Errorf("%w: %d samples requested, limit is %d", ErrCapacityTooLarge, newCapacity, r.maxCapacity)
	}

	data := make([][]float32, r.channels)
	for c := range data {
		data[c] = make([]float32, newCapacity)
	}

	r.storage.Store(&ringStorage{data: data, capacity: newCapacity})
	r.cursor.Store(0)
	return nil
}

// Clear silences every sample and rewinds the cursor without reallocating
func (r *Ring) Clear() {
	if s := r.storage.Load(); s != nil {
		for _, ch := range s.data {
			clear(ch)
		}
	}
	r.cursor.Store(0)
}

// ReadRange returns a copy of the logical range [start, end). Logical index 0
// is the oldest retained sample and capacity-1 the newest. Bounds are clamped
// to the ring; an empty range yields zero-length channels.
func (r *Ring) ReadRange(start, end int) [][]float32 {
	start, end = clampRange(r.Capacity(), start, end)

	out := make([][]float32, r.channels)
	for c := range out {
		out[c] = make([]float32, end-start)
	}
	r.ReadRangeInto(out, start, end)
	return out
}

// ReadRangeInto copies the logical range [start, end) into dst without
// allocating and returns the number of samples copied per channel. The count
// is limited by the shortest destination channel.
func (r *Ring) ReadRangeInto(dst [][]float32, start, end int) int {
	s := r.storage.Load()
	if s == nil || s.capacity == 0 || len(dst) < len(s.data) {
		return 0
	}

	start, end = clampRange(s.capacity, start, end)
	n := end - start
	for c := range s.data {
		n = min(n, len(dst[c]))
	}
	if n <= 0 {
		return 0
	}

	phys := (r.cursorWithin(s.capacity) + start) % s.capacity
	tail := min(n, s.capacity-phys)
	for c, src := range s.data {
		copy(dst[c], src[phys:phys+tail])
		if n > tail {
			copy(dst[c][tail:], src[:n-tail])
		}
	}
	return n
}

// Peaks fills mins and maxs with the smallest and largest sample across all
// channels for each of len(mins) equal buckets of the ring in physical order.
// Buckets that cover no samples report zero.
func (r *Ring) Peaks(mins, maxs []float32) {
	buckets := min(len(mins), len(maxs))
	s := r.storage.Load()
	if s == nil || buckets == 0 {
		return
	}

	for b := 0; b < buckets; b++ {
		lo := b * s.capacity / buckets
		hi := (b + 1) * s.capacity / buckets

		var mn, mx float32
		if lo < hi {
			mn, mx = s.data[0][lo], s.data[0][lo]
			for _, ch := range s.data {
				for _, v := range ch[lo:hi] {
					if v < mn {
						mn = v
					}
					if v > mx {
						mx = v
					}
				}
			}
		}
		mins[b], maxs[b] = mn, mx
	}
}

// PhysicalIndex maps a logical index to its storage index
func (r *Ring) PhysicalIndex(logical int) int {
	capacity := r.Capacity()
	if capacity == 0 {
		return 0
	}
	return ((r.cursorWithin(capacity)+logical)%capacity + capacity) % capacity
}

// LogicalIndex maps a storage index to its position on the logical timeline
func (r *Ring) LogicalIndex(physical int) int {
	capacity := r.Capacity()
	if capacity == 0 {
		return 0
	}
	return ((physical-r.cursorWithin(capacity))%capacity + capacity) % capacity
}

// Capacity returns the number of samples held per channel
func (r *Ring) Capacity() int {
	if s := r.storage.Load(); s != nil {
		return s.capacity
	}
	return 0
}

// Channels returns the channel count fixed at construction
func (r *Ring) Channels() int {
	return r.channels
}

// MaxCapacity returns the largest capacity Resize accepts
func (r *Ring) MaxCapacity() int {
	return r.maxCapacity
}

// Cursor returns the next physical index to be written
func (r *Ring) Cursor() int {
	return r.cursorWithin(r.Capacity())
}

// cursorWithin reads the cursor, treating a value left over from a larger
// capacity as 0.
func (r *Ring) cursorWithin(capacity int) int {
	cursor := int(r.cursor.Load())
	if capacity == 0 || cursor < 0 || cursor >= capacity {
		return 0
	}
	return cursor
}

func clampRange(capacity, start, end int) (int, int) {
	start = max(0, min(start, capacity))
	end = max(start, min(end, capacity))
	return start, end
}
