package capture

import "sync/atomic"

// FreezeControl is the user switch that turns capture into a pure
// pass-through. It is read once per block by the engine and may be flipped
// from any goroutine; a change is seen no later than the next block.
type FreezeControl struct {
	frozen atomic.Bool
}

// NewFreezeControl returns an unfrozen control
func NewFreezeControl() *FreezeControl {
	return &FreezeControl{}
}

// SetFrozen freezes or thaws capture
func (f *FreezeControl) SetFrozen(frozen bool) {
	f.frozen.Store(frozen)
}

// IsFrozen reports whether capture is frozen
func (f *FreezeControl) IsFrozen() bool {
	return f.frozen.Load()
}
