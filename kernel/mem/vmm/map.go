package vmm

import (
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
)

var (
	// The following functions are used by tests to intercept hardware and
	// allocator accesses. The kernel build inlines the real versions.
	flushTLBEntryFn = cpu.FlushTLBEntry
	haltFn          = cpu.Halt

	allocFrameFn = func(cursor *pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
		return pmm.FrameAllocator.AllocFrameLocked(cursor)
	}
	allocConsecutiveFn = func(count uint64) (pmm.Frame, *kernel.Error) {
		return pmm.FrameAllocator.AllocConsecutiveLocked(count)
	}
	freeFrameFn = func(frame pmm.Frame) {
		pmm.FrameAllocator.FreeFrameLocked(frame)
	}

	lockFn   = func() { pmm.FrameAllocator.Lock() }
	unlockFn = func() { pmm.FrameAllocator.Unlock() }
)

// fatalf reports an unrecoverable paging invariant violation and halts the
// CPU.
func fatalf(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
	haltFn()
}

// findFreePages locates the first run of count unmapped pages in the active
// address space. An absent intermediate table contributes its entire subtree
// to the current run, so sparse regions are skipped at 512-page, 512^2-page
// or 512^3-page strides instead of being visited leaf by leaf.
func findFreePages(count uint64) (Page, *kernel.Error) {
	if count == 0 {
		return 0, nil
	}

	var (
		runStart  Page
		inRun     bool
		totalPage Page
	)

	pml4 := activePML4()

	for pml4Index := uintptr(0); pml4Index < tableEntryCount; pml4Index++ {
		// The recursive slot addresses the page tables themselves and can
		// never hold ordinary mappings.
		if pml4Index == recursiveIndex {
			inRun = false
			totalPage += tableEntryCount * tableEntryCount * tableEntryCount
			continue
		}

		if !pml4[pml4Index].HasFlags(FlagPresent) {
			if !inRun {
				runStart = totalPage
				inRun = true
			}

			totalPage += tableEntryCount * tableEntryCount * tableEntryCount
			if uint64(totalPage-runStart) >= count {
				return runStart, nil
			}
			continue
		}

		pdpt := activePDPT(pml4Index)
		for pdptIndex := uintptr(0); pdptIndex < tableEntryCount; pdptIndex++ {
			if !pdpt[pdptIndex].HasFlags(FlagPresent) {
				if !inRun {
					runStart = totalPage
					inRun = true
				}

				totalPage += tableEntryCount * tableEntryCount
				if uint64(totalPage-runStart) >= count {
					return runStart, nil
				}
				continue
			}

			pd := activePD(pml4Index, pdptIndex)
			for pdIndex := uintptr(0); pdIndex < tableEntryCount; pdIndex++ {
				if !pd[pdIndex].HasFlags(FlagPresent) {
					if !inRun {
						runStart = totalPage
						inRun = true
					}

					totalPage += tableEntryCount
					if uint64(totalPage-runStart) >= count {
						return runStart, nil
					}
					continue
				}

				pt := activePT(pml4Index, pdptIndex, pdIndex)
				for ptIndex := uintptr(0); ptIndex < tableEntryCount; ptIndex++ {
					if pt[ptIndex].HasFlags(FlagPresent) {
						inRun = false
						totalPage++
						continue
					}

					if !inRun {
						runStart = totalPage
						inRun = true
					}

					totalPage++
					if uint64(totalPage-runStart) >= count {
						return runStart, nil
					}
				}
			}
		}
	}

	return 0, pmm.ErrOutOfMemory
}

// maybeAllocateKernelTables ensures the intermediate tables needed to map
// the supplied page into the active address space exist, allocating, zeroing
// and installing any that are missing. Newly installed tables are announced
// to the other CPUs once they are up, since every process address space
// shares the kernel region's intermediate tables.
func maybeAllocateKernelTables(page Page, cursor *pmm.AllocCursor) *kernel.Error {
	pml4Index, pdptIndex, pdIndex, _ := splitPageIndex(page)

	pml4 := activePML4()
	pdptAddr := activePDPTAddr(pml4Index)

	if !pml4[pml4Index].HasFlags(FlagPresent) {
		frame, err := allocFrameFn(cursor)
		if err != nil {
			return err
		}

		pml4[pml4Index] = 0
		pml4[pml4Index].SetFrame(frame)
		pml4[pml4Index].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

		flushTLBEntryFn(pdptAddr)
		*tablePtrFn(pdptAddr) = pageTable{}

		announceKernelTableChange(PageFromAddress(pdptAddr))
	}

	pdpt := tablePtrFn(pdptAddr)
	pdAddr := activePDAddr(pml4Index, pdptIndex)

	if !pdpt[pdptIndex].HasFlags(FlagPresent) {
		frame, err := allocFrameFn(cursor)
		if err != nil {
			return err
		}

		pdpt[pdptIndex] = 0
		pdpt[pdptIndex].SetFrame(frame)
		pdpt[pdptIndex].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

		flushTLBEntryFn(pdAddr)
		*tablePtrFn(pdAddr) = pageTable{}

		announceKernelTableChange(PageFromAddress(pdAddr))
	}

	pd := tablePtrFn(pdAddr)
	ptAddr := activePTAddr(pml4Index, pdptIndex, pdIndex)

	if !pd[pdIndex].HasFlags(FlagPresent) {
		frame, err := allocFrameFn(cursor)
		if err != nil {
			return err
		}

		pd[pdIndex] = 0
		pd[pdIndex].SetFrame(frame)
		pd[pdIndex].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

		flushTLBEntryFn(ptAddr)
		*tablePtrFn(ptAddr) = pageTable{}

		announceKernelTableChange(PageFromAddress(ptAddr))
	}

	return nil
}

// CountTablesNeeded returns the number of intermediate tables that would
// have to be allocated to map the supplied page range into the active
// address space.
func CountTablesNeeded(pagesStart Page, count uint64) uint64 {
	lockFn()
	needed := countTablesNeededLocked(pagesStart, count)
	unlockFn()

	return needed
}

func countTablesNeededLocked(pagesStart Page, count uint64) uint64 {
	if count == 0 {
		return 0
	}

	var (
		needed   uint64
		lastPage = pagesStart + Page(count) - 1
		pml4     = activePML4()
	)

	firstPML4, firstPDPT, firstPD, _ := splitPageIndex(pagesStart)
	lastPML4, lastPDPT, lastPD, _ := splitPageIndex(lastPage)

	for pml4Index := firstPML4; pml4Index <= lastPML4; pml4Index++ {
		pdptPresent := pml4[pml4Index].HasFlags(FlagPresent)
		if !pdptPresent {
			needed++
		}

		pdptFrom, pdptTo := uintptr(0), uintptr(tableEntryCount-1)
		if pml4Index == firstPML4 {
			pdptFrom = firstPDPT
		}
		if pml4Index == lastPML4 {
			pdptTo = lastPDPT
		}

		for pdptIndex := pdptFrom; pdptIndex <= pdptTo; pdptIndex++ {
			pdPresent := pdptPresent && activePDPT(pml4Index)[pdptIndex].HasFlags(FlagPresent)
			if !pdPresent {
				needed++
			}

			pdFrom, pdTo := uintptr(0), uintptr(tableEntryCount-1)
			if pml4Index == firstPML4 && pdptIndex == firstPDPT {
				pdFrom = firstPD
			}
			if pml4Index == lastPML4 && pdptIndex == lastPDPT {
				pdTo = lastPD
			}

			for pdIndex := pdFrom; pdIndex <= pdTo; pdIndex++ {
				if !(pdPresent && activePD(pml4Index, pdptIndex)[pdIndex].HasFlags(FlagPresent)) {
					needed++
				}
			}
		}
	}

	return needed
}

// MapPages maps count frames starting at frameStart to a fresh virtual page
// range in the active address space and returns the first page of the range.
func MapPages(frameStart pmm.Frame, count uint64) (Page, *kernel.Error) {
	lockFn()
	page, err := mapPagesLocked(frameStart, count)
	unlockFn()

	return page, err
}

func mapPagesLocked(frameStart pmm.Frame, count uint64) (Page, *kernel.Error) {
	pagesStart, err := findFreePages(count)
	if err != nil {
		return 0, err
	}

	var cursor pmm.AllocCursor
	for relPage := uint64(0); relPage < count; relPage++ {
		page := pagesStart + Page(relPage)

		if err = maybeAllocateKernelTables(page, &cursor); err != nil {
			unmapPagesLocked(pagesStart, relPage)
			return 0, err
		}

		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(page)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		if pt[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(page))
		}

		pt[ptIndex] = 0
		pt[ptIndex].SetFrame(frameStart + pmm.Frame(relPage))
		pt[ptIndex].SetFlags(FlagPresent | FlagRW)

		flushTLBEntryFn(page.Address())
	}

	return pagesStart, nil
}

// UnmapPages removes count page mappings starting at pagesStart from the
// active address space, leaving the backing frames untouched.
func UnmapPages(pagesStart Page, count uint64) {
	lockFn()
	unmapPagesLocked(pagesStart, count)
	unlockFn()
}

func unmapPagesLocked(pagesStart Page, count uint64) {
	for relPage := uint64(0); relPage < count; relPage++ {
		page := pagesStart + Page(relPage)

		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(page)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		if !pt[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already unmapped\n", uintptr(page))
		}

		pt[ptIndex].ClearFlags(FlagPresent)

		flushTLBEntryFn(page.Address())
	}
}

// MapAndAllocatePages reserves count fresh frames, maps them to a fresh
// virtual page range in the active address space and returns the first page.
func MapAndAllocatePages(count uint64) (Page, *kernel.Error) {
	lockFn()
	page, err := mapAndAllocatePagesLocked(count)
	unlockFn()

	return page, err
}

func mapAndAllocatePagesLocked(count uint64) (Page, *kernel.Error) {
	pagesStart, err := findFreePages(count)
	if err != nil {
		return 0, err
	}

	var cursor pmm.AllocCursor
	for relPage := uint64(0); relPage < count; relPage++ {
		page := pagesStart + Page(relPage)

		if err = maybeAllocateKernelTables(page, &cursor); err != nil {
			unmapAndFreePagesLocked(pagesStart, relPage)
			return 0, err
		}

		frame, err := allocFrameFn(&cursor)
		if err != nil {
			unmapAndFreePagesLocked(pagesStart, relPage)
			return 0, err
		}

		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(page)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		if pt[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(page))
		}

		pt[ptIndex] = 0
		pt[ptIndex].SetFrame(frame)
		pt[ptIndex].SetFlags(FlagPresent | FlagRW)

		flushTLBEntryFn(page.Address())
	}

	return pagesStart, nil
}

// MapAndAllocateConsecutivePages behaves like MapAndAllocatePages but backs
// the range with physically consecutive frames and also returns the first
// frame.
func MapAndAllocateConsecutivePages(count uint64) (Page, pmm.Frame, *kernel.Error) {
	lockFn()
	defer unlockFn()

	frameStart, err := allocConsecutiveFn(count)
	if err != nil {
		return 0, pmm.InvalidFrame, err
	}

	pagesStart, err := mapPagesLocked(frameStart, count)
	if err != nil {
		pmm.FrameAllocator.ClearRangeLocked(frameStart, count)
		return 0, pmm.InvalidFrame, err
	}

	return pagesStart, frameStart, nil
}

// UnmapAndFreePages removes count page mappings starting at pagesStart and
// releases their backing frames to the frame allocator.
func UnmapAndFreePages(pagesStart Page, count uint64) {
	lockFn()
	unmapAndFreePagesLocked(pagesStart, count)
	unlockFn()
}

func unmapAndFreePagesLocked(pagesStart Page, count uint64) {
	for relPage := uint64(0); relPage < count; relPage++ {
		page := pagesStart + Page(relPage)

		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(page)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		if !pt[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already unmapped\n", uintptr(page))
		}

		freeFrameFn(pt[ptIndex].Frame())
		pt[ptIndex].ClearFlags(FlagPresent)

		flushTLBEntryFn(page.Address())
	}
}

// MapMemory maps the physical byte region [physStart, physStart+size) into
// the active address space and returns the virtual address of physStart.
func MapMemory(physStart uintptr, size mem.Size) (uintptr, *kernel.Error) {
	lockFn()
	addr, err := mapMemoryLocked(physStart, size)
	unlockFn()

	return addr, err
}

func mapMemoryLocked(physStart uintptr, size mem.Size) (uintptr, *kernel.Error) {
	frameStart := pmm.FrameFromAddress(physStart)
	offset := physStart - frameStart.Address()
	pageCount := mem.PagesForSize(mem.Size(offset) + size)

	pagesStart, err := mapPagesLocked(frameStart, pageCount)
	if err != nil {
		return 0, err
	}

	return pagesStart.Address() + offset, nil
}

// UnmapMemory removes the mapping established by a MapMemory call with the
// same size.
func UnmapMemory(virtAddr uintptr, size mem.Size) {
	lockFn()
	unmapMemoryLocked(virtAddr, size)
	unlockFn()
}

func unmapMemoryLocked(virtAddr uintptr, size mem.Size) {
	pagesStart := PageFromAddress(virtAddr)
	offset := virtAddr - pagesStart.Address()
	unmapPagesLocked(pagesStart, mem.PagesForSize(mem.Size(offset)+size))
}

// MapAndAllocateMemory reserves enough frames for size bytes, maps them into
// the active address space and returns the virtual address of the region.
func MapAndAllocateMemory(size mem.Size) (uintptr, *kernel.Error) {
	lockFn()
	defer unlockFn()

	pagesStart, err := mapAndAllocatePagesLocked(mem.PagesForSize(size))
	if err != nil {
		return 0, err
	}

	return pagesStart.Address(), nil
}

// UnmapAndFreeMemory removes the mapping established by MapAndAllocateMemory
// and releases its frames.
func UnmapAndFreeMemory(virtAddr uintptr, size mem.Size) {
	lockFn()
	unmapAndFreePagesLocked(PageFromAddress(virtAddr), mem.PagesForSize(size))
	unlockFn()
}
