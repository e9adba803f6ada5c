package pmm

import (
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
	ksync "github.com/yaram/operating-system-sub000/kernel/sync"
)

var (
	// FrameAllocator is the bitmap allocator instance that tracks ownership
	// for every physical frame in the machine.
	FrameAllocator BitmapAllocator

	// ErrOutOfMemory is returned by allocation requests that no run of free
	// frames can satisfy.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// AllocCursor remembers the bitmap position where a frame scan should resume.
// Callers performing a series of allocations thread the same cursor through
// each call so the scan does not restart from frame zero every time.
type AllocCursor struct {
	ByteIndex uint64
	BitIndex  uint64
}

// BitmapAllocator tracks physical frame ownership with one bit per frame.
// A set bit marks an owned frame, a clear bit a free one. The allocator and
// the paging engine share a single lock; the allocation, release and
// range-marking methods each have a ...Locked variant for callers that
// already hold it.
type BitmapAllocator struct {
	lock ksync.Spinlock

	bitmap []uint8

	totalFrames    uint64
	reservedFrames uint64
}

// Init points the allocator at its backing bitmap storage. The storage must
// be zeroed by the caller; its frames (and everything else already in use)
// are reserved through MarkRange afterwards.
func (alloc *BitmapAllocator) Init(bitmap []uint8) {
	alloc.bitmap = bitmap
	alloc.totalFrames = uint64(len(bitmap)) * 8
	alloc.reservedFrames = 0
}

// Lock acquires the combined frame/paging lock.
func (alloc *BitmapAllocator) Lock() {
	alloc.lock.Acquire()
}

// Unlock releases the combined frame/paging lock.
func (alloc *BitmapAllocator) Unlock() {
	alloc.lock.Release()
}

// AllocFrame reserves the first free frame at or after the cursor position
// and advances the cursor past it.
func (alloc *BitmapAllocator) AllocFrame(cursor *AllocCursor) (Frame, *kernel.Error) {
	alloc.lock.Acquire()
	frame, err := alloc.AllocFrameLocked(cursor)
	alloc.lock.Release()

	return frame, err
}

// AllocFrameLocked implements AllocFrame for callers already holding the
// combined lock.
func (alloc *BitmapAllocator) AllocFrameLocked(cursor *AllocCursor) (Frame, *kernel.Error) {
	// Finish scanning the byte the cursor points into before advancing
	// byte-wise.
	if cursor.ByteIndex < uint64(len(alloc.bitmap)) && alloc.bitmap[cursor.ByteIndex] != 0xff {
		for ; cursor.BitIndex < 8; cursor.BitIndex++ {
			mask := uint8(1) << cursor.BitIndex
			if alloc.bitmap[cursor.ByteIndex]&mask == 0 {
				alloc.bitmap[cursor.ByteIndex] |= mask
				alloc.reservedFrames++
				return Frame(cursor.ByteIndex*8 + cursor.BitIndex), nil
			}
		}
	}

	for cursor.ByteIndex++; cursor.ByteIndex < uint64(len(alloc.bitmap)); cursor.ByteIndex++ {
		if alloc.bitmap[cursor.ByteIndex] == 0xff {
			continue
		}

		for cursor.BitIndex = 0; cursor.BitIndex < 8; cursor.BitIndex++ {
			mask := uint8(1) << cursor.BitIndex
			if alloc.bitmap[cursor.ByteIndex]&mask == 0 {
				alloc.bitmap[cursor.ByteIndex] |= mask
				alloc.reservedFrames++
				return Frame(cursor.ByteIndex*8 + cursor.BitIndex), nil
			}
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// AllocConsecutive reserves the first run of count consecutive free frames
// and returns the first frame of the run.
func (alloc *BitmapAllocator) AllocConsecutive(count uint64) (Frame, *kernel.Error) {
	alloc.lock.Acquire()
	frame, err := alloc.AllocConsecutiveLocked(count)
	alloc.lock.Release()

	return frame, err
}

// AllocConsecutiveLocked implements AllocConsecutive for callers already
// holding the combined lock.
func (alloc *BitmapAllocator) AllocConsecutiveLocked(count uint64) (Frame, *kernel.Error) {
	if count == 0 {
		return 0, nil
	}

	var (
		runStart  uint64
		inRun     bool
		frameNum  uint64
		frameEnd  = alloc.totalFrames
		remaining = count
	)

	for frameNum = 0; frameNum < frameEnd; frameNum++ {
		if alloc.bitmap[frameNum/8]&(1<<(frameNum%8)) != 0 {
			inRun = false
			remaining = count
			continue
		}

		if !inRun {
			runStart = frameNum
			inRun = true
		}

		remaining--
		if remaining == 0 {
			alloc.MarkRangeLocked(Frame(runStart), count)
			return Frame(runStart), nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a single owned frame back to the allocator.
func (alloc *BitmapAllocator) FreeFrame(frame Frame) {
	alloc.lock.Acquire()
	alloc.FreeFrameLocked(frame)
	alloc.lock.Release()
}

// FreeFrameLocked implements FreeFrame for callers already holding the
// combined lock.
func (alloc *BitmapAllocator) FreeFrameLocked(frame Frame) {
	alloc.bitmap[frame/8] &^= 1 << (frame % 8)
	alloc.reservedFrames--
}

// MarkRange flags count frames starting at start as owned.
func (alloc *BitmapAllocator) MarkRange(start Frame, count uint64) {
	alloc.lock.Acquire()
	alloc.MarkRangeLocked(start, count)
	alloc.lock.Release()
}

// MarkRangeLocked implements MarkRange for callers already holding the
// combined lock. The range is split into a sub-byte prefix, a run of whole
// bytes and a sub-byte suffix so the middle can be stored byte-wise.
func (alloc *BitmapAllocator) MarkRangeLocked(start Frame, count uint64) {
	alloc.applyRange(uint64(start), count, true)
	alloc.reservedFrames += count
}

// ClearRange flags count frames starting at start as free.
func (alloc *BitmapAllocator) ClearRange(start Frame, count uint64) {
	alloc.lock.Acquire()
	alloc.ClearRangeLocked(start, count)
	alloc.lock.Release()
}

// ClearRangeLocked implements ClearRange for callers already holding the
// combined lock.
func (alloc *BitmapAllocator) ClearRangeLocked(start Frame, count uint64) {
	alloc.applyRange(uint64(start), count, false)
	alloc.reservedFrames -= count
}

func (alloc *BitmapAllocator) applyRange(startBit, count uint64, set bool) {
	if count == 0 {
		return
	}

	endBit := startBit + count

	startByte := startBit / 8
	endByte := (endBit + 7) / 8

	subStartBit := startBit % 8
	subEndBit := endBit % 8
	if subEndBit == 0 {
		subEndBit = 8
	}

	if endByte-startByte == 1 {
		alloc.applyBits(startByte, subStartBit, subEndBit, set)
		return
	}

	alloc.applyBits(startByte, subStartBit, 8, set)

	for byteIndex := startByte + 1; byteIndex < endByte-1; byteIndex++ {
		if set {
			alloc.bitmap[byteIndex] = 0xff
		} else {
			alloc.bitmap[byteIndex] = 0
		}
	}

	alloc.applyBits(endByte-1, 0, subEndBit, set)
}

func (alloc *BitmapAllocator) applyBits(byteIndex, fromBit, toBit uint64, set bool) {
	for bit := fromBit; bit < toBit; bit++ {
		if set {
			alloc.bitmap[byteIndex] |= 1 << bit
		} else {
			alloc.bitmap[byteIndex] &^= 1 << bit
		}
	}
}

// IsAllocated returns true if the supplied frame is currently owned.
func (alloc *BitmapAllocator) IsAllocated(frame Frame) bool {
	return alloc.bitmap[frame/8]&(1<<(frame%8)) != 0
}

// ReservedFrames returns the number of frames currently owned.
func (alloc *BitmapAllocator) ReservedFrames() uint64 {
	return alloc.reservedFrames
}

// PrintStats writes a frame usage summary to the active console.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf(
		"[pmm] frame stats: free: %d/%d (%d reserved)\n",
		alloc.totalFrames-alloc.reservedFrames,
		alloc.totalFrames,
		alloc.reservedFrames,
	)
}
