package pmm

import "github.com/yaram/operating-system-sub000/kernel/mem"

// Frame describes a physical memory frame number. Frames are page-sized and
// identified by a 40-bit index, matching the frame field of a page table
// entry.
type Frame uintptr

const (
	// InvalidFrame is returned by allocation requests that cannot be
	// satisfied.
	InvalidFrame = Frame(^uintptr(0))
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address where this frame begins.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the frame that contains the given physical
// address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
