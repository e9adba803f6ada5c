package vmm

import (
	"testing"

	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
)

// fakeMachine emulates enough physical memory for the paging engine to run
// against: every frame the engine touches is backed by a Go-allocated table
// and tablePtrFn resolves both recursively synthesized addresses and
// regular kernel-mapped addresses by software-walking the fake tables.
type fakeMachine struct {
	t *testing.T

	frames map[pmm.Frame]*pageTable

	// root is the frame of the PML4 of the fake active address space.
	root pmm.Frame
}

// newFakeMachine installs a fake machine with frameCount frames of physical
// memory and a fresh active address space whose last PML4 slot is the
// recursive self-mapping. The returned teardown must run via defer.
func newFakeMachine(t *testing.T, frameCount uint64) (*fakeMachine, func()) {
	t.Helper()

	m := &fakeMachine{
		t:      t,
		frames: make(map[pmm.Frame]*pageTable),
	}

	pmm.FrameAllocator.Init(make([]uint8, frameCount/8))

	// Reserve frame 0 for the active PML4 and install the recursive slot.
	m.root = 0
	pmm.FrameAllocator.MarkRange(m.root, 1)
	root := m.table(m.root)
	root[recursiveIndex] = 0
	root[recursiveIndex].SetFrame(m.root)
	root[recursiveIndex].SetFlags(FlagPresent | FlagRW)

	prevTablePtrFn := tablePtrFn
	tablePtrFn = m.resolve
	flushTLBEntryFn = func(uintptr) {}
	haltFn = func() {
		panic("fatal paging invariant violation")
	}

	teardown := func() {
		tablePtrFn = prevTablePtrFn
		flushTLBEntryFn = cpu.FlushTLBEntry
		haltFn = cpu.Halt
	}

	return m, teardown
}

// table returns the fake contents of the supplied frame, creating a zeroed
// page on first access.
func (m *fakeMachine) table(frame pmm.Frame) *pageTable {
	if existing := m.frames[frame]; existing != nil {
		return existing
	}

	table := new(pageTable)
	m.frames[frame] = table
	return table
}

// newUserPML4 allocates a frame for a foreign address space root.
func (m *fakeMachine) newUserPML4() pmm.Frame {
	var cursor pmm.AllocCursor
	frame, err := pmm.FrameAllocator.AllocFrame(&cursor)
	if err != nil {
		m.t.Fatal(err)
	}

	return frame
}

// resolve implements tablePtrFn on top of the fake physical memory.
func (m *fakeMachine) resolve(addr uintptr) *pageTable {
	masked := addr & ((1 << 48) - 1)
	indices := [4]uintptr{
		(masked >> 39) & (tableEntryCount - 1),
		(masked >> 30) & (tableEntryCount - 1),
		(masked >> 21) & (tableEntryCount - 1),
		(masked >> 12) & (tableEntryCount - 1),
	}

	// Count recursive prefixes: each one strips a level of indirection.
	prefixes := 0
	for prefixes < 4 && indices[prefixes] == recursiveIndex {
		prefixes++
	}

	// A lone 511 in the PML4 slot of a regular address cannot occur: the
	// engine never hands out mappings inside the recursive region.
	table := m.table(m.root)
	steps := 4 - prefixes

	for step := 0; step < steps; step++ {
		entry := table[indices[prefixes+step]]
		if !entry.HasFlags(FlagPresent) {
			m.t.Fatalf("translation of address %x walked into an absent entry (level %d)", addr, step)
		}

		table = m.table(entry.Frame())
	}

	return table
}

// countMappedPages returns the number of present leaf mappings in the fake
// active address space, excluding the recursive slot.
func (m *fakeMachine) countMappedPages() int {
	var count int

	root := m.table(m.root)
	for pml4Index := uintptr(0); pml4Index < tableEntryCount; pml4Index++ {
		if pml4Index == recursiveIndex || !root[pml4Index].HasFlags(FlagPresent) {
			continue
		}

		pdpt := m.table(root[pml4Index].Frame())
		for pdptIndex := uintptr(0); pdptIndex < tableEntryCount; pdptIndex++ {
			if !pdpt[pdptIndex].HasFlags(FlagPresent) {
				continue
			}

			pd := m.table(pdpt[pdptIndex].Frame())
			for pdIndex := uintptr(0); pdIndex < tableEntryCount; pdIndex++ {
				if !pd[pdIndex].HasFlags(FlagPresent) {
					continue
				}

				pt := m.table(pd[pdIndex].Frame())
				for ptIndex := uintptr(0); ptIndex < tableEntryCount; ptIndex++ {
					if pt[ptIndex].HasFlags(FlagPresent) {
						count++
					}
				}
			}
		}
	}

	return count
}
