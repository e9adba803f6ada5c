package vmm

import (
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
)

// Walker is a cursor over the page tables of a foreign address space. The
// visited PML4 and the currently traversed PDPT, PD and PT are temporarily
// mapped into the active (kernel) address space; advancing the cursor by one
// page keeps the current intermediate mappings as long as their table
// indices do not change, so a linear traversal remaps each level only every
// 512, 512^2 or 512^3 pages.
//
// A read-only walker never mutates the foreign tables and fails with
// ErrInvalidMapping when it reaches an absent intermediate. A mutable walker
// allocates, zeroes and installs missing intermediates from the frame
// allocator instead.
//
// Walkers operate with the combined paging lock held and must be released
// with Close on every exit path.
type Walker struct {
	pml4Table *pageTable
	pml4Page  Page

	pdptTable *pageTable
	pdptPage  Page
	pml4Index uintptr

	pdTable   *pageTable
	pdPage    Page
	pdptIndex uintptr

	ptTable *pageTable
	ptPage  Page
	pdIndex uintptr

	ptIndex uintptr

	// absolutePageIndex is the next page the walker will visit.
	absolutePageIndex Page

	cursor   pmm.AllocCursor
	readOnly bool
}

// newWalkerLocked maps the supplied foreign PML4 into the active address
// space and positions the cursor just before startPage.
func newWalkerLocked(pml4Frame pmm.Frame, startPage Page, readOnly bool) (*Walker, *kernel.Error) {
	pml4Page, err := mapPagesLocked(pml4Frame, 1)
	if err != nil {
		return nil, err
	}

	return &Walker{
		pml4Table:         tableAtPage(pml4Page),
		pml4Page:          pml4Page,
		pml4Index:         tableEntryCount,
		pdptIndex:         tableEntryCount,
		pdIndex:           tableEntryCount,
		absolutePageIndex: startPage,
		readOnly:          readOnly,
	}, nil
}

// Step advances the walker to the next page, mapping (and for mutable
// walkers allocating) the intermediate tables that lead to its leaf entry.
func (w *Walker) Step() *kernel.Error {
	pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(w.absolutePageIndex)

	if err := w.visitTable(&w.pdptTable, &w.pdptPage, &w.pml4Index, w.pml4Table, pml4Index); err != nil {
		return err
	}

	if err := w.visitTable(&w.pdTable, &w.pdPage, &w.pdptIndex, w.pdptTable, pdptIndex); err != nil {
		return err
	}

	if err := w.visitTable(&w.ptTable, &w.ptPage, &w.pdIndex, w.pdTable, pdIndex); err != nil {
		return err
	}

	w.ptIndex = ptIndex
	w.absolutePageIndex++

	return nil
}

// visitTable ensures the child table behind parent[parentIndex] is mapped
// into the active address space, reusing the existing mapping when the
// parent index has not changed since the last step.
func (w *Walker) visitTable(table **pageTable, tablePage *Page, lastParentIndex *uintptr, parent *pageTable, parentIndex uintptr) *kernel.Error {
	if parent[parentIndex].HasFlags(FlagPresent) {
		if *table != nil && parentIndex == *lastParentIndex {
			return nil
		}

		if *table != nil {
			unmapPagesLocked(*tablePage, 1)
			*table = nil
		}

		childPage, err := mapPagesLocked(parent[parentIndex].Frame(), 1)
		if err != nil {
			return err
		}

		*table = tableAtPage(childPage)
		*tablePage = childPage
		*lastParentIndex = parentIndex

		return nil
	}

	if w.readOnly {
		return ErrInvalidMapping
	}

	if *table != nil {
		unmapPagesLocked(*tablePage, 1)
		*table = nil
	}

	childFrame, err := allocFrameFn(&w.cursor)
	if err != nil {
		return err
	}

	childPage, err := mapPagesLocked(childFrame, 1)
	if err != nil {
		freeFrameFn(childFrame)
		return err
	}

	*table = tableAtPage(childPage)
	*tablePage = childPage
	*lastParentIndex = parentIndex

	**table = pageTable{}

	if parent[parentIndex].HasFlags(FlagPresent) {
		fatalf("[vmm] table entry %x is already mapped\n", parentIndex)
	}

	parent[parentIndex] = 0
	parent[parentIndex].SetFrame(childFrame)
	parent[parentIndex].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

	return nil
}

// Entry returns a pointer to the leaf entry of the page the walker currently
// points at. It must only be called after a successful Step.
func (w *Walker) Entry() *pageTableEntry {
	return &w.ptTable[w.ptIndex]
}

// Close releases every transient mapping the walker holds. It is safe to
// call multiple times and must run on every exit path, including failed
// walks.
func (w *Walker) Close() {
	if w.pml4Table != nil {
		unmapPagesLocked(w.pml4Page, 1)
		w.pml4Table = nil
	}

	if w.pdptTable != nil {
		unmapPagesLocked(w.pdptPage, 1)
		w.pdptTable = nil
	}

	if w.pdTable != nil {
		unmapPagesLocked(w.pdPage, 1)
		w.pdTable = nil
	}

	if w.ptTable != nil {
		unmapPagesLocked(w.ptPage, 1)
		w.ptTable = nil
	}
}
