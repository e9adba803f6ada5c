package vmm

import (
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
)

// findFreePagesInLocked locates the first run of count unmapped pages in the
// foreign address space rooted at pml4Frame. The same breadth-greedy scan as
// findFreePages is used, but every visited table has to be temporarily
// mapped into the active address space first.
func findFreePagesInLocked(pml4Frame pmm.Frame, count uint64) (Page, *kernel.Error) {
	if count == 0 {
		return 0, nil
	}

	pml4Page, err := mapPagesLocked(pml4Frame, 1)
	if err != nil {
		return 0, err
	}
	defer unmapPagesLocked(pml4Page, 1)

	var (
		runStart  Page
		inRun     bool
		totalPage Page
		found     bool
	)

	pml4 := tableAtPage(pml4Page)

	for pml4Index := uintptr(0); pml4Index < tableEntryCount && !found; pml4Index++ {
		if !pml4[pml4Index].HasFlags(FlagPresent) {
			if !inRun {
				runStart = totalPage
				inRun = true
			}

			totalPage += tableEntryCount * tableEntryCount * tableEntryCount
			found = uint64(totalPage-runStart) >= count
			continue
		}

		pdptPage, err := mapPagesLocked(pml4[pml4Index].Frame(), 1)
		if err != nil {
			return 0, err
		}

		pdpt := tableAtPage(pdptPage)

		for pdptIndex := uintptr(0); pdptIndex < tableEntryCount && !found; pdptIndex++ {
			if !pdpt[pdptIndex].HasFlags(FlagPresent) {
				if !inRun {
					runStart = totalPage
					inRun = true
				}

				totalPage += tableEntryCount * tableEntryCount
				found = uint64(totalPage-runStart) >= count
				continue
			}

			pdPage, err := mapPagesLocked(pdpt[pdptIndex].Frame(), 1)
			if err != nil {
				unmapPagesLocked(pdptPage, 1)
				return 0, err
			}

			pd := tableAtPage(pdPage)

			for pdIndex := uintptr(0); pdIndex < tableEntryCount && !found; pdIndex++ {
				if !pd[pdIndex].HasFlags(FlagPresent) {
					if !inRun {
						runStart = totalPage
						inRun = true
					}

					totalPage += tableEntryCount
					found = uint64(totalPage-runStart) >= count
					continue
				}

				ptPage, err := mapPagesLocked(pd[pdIndex].Frame(), 1)
				if err != nil {
					unmapPagesLocked(pdptPage, 1)
					unmapPagesLocked(pdPage, 1)
					return 0, err
				}

				pt := tableAtPage(ptPage)

				for ptIndex := uintptr(0); ptIndex < tableEntryCount && !found; ptIndex++ {
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
					found = uint64(totalPage-runStart) >= count
				}

				unmapPagesLocked(ptPage, 1)
			}

			unmapPagesLocked(pdPage, 1)
		}

		unmapPagesLocked(pdptPage, 1)
	}

	if !found {
		return 0, pmm.ErrOutOfMemory
	}

	return runStart, nil
}

// MapPagesInto maps count frames starting at frameStart to a fresh virtual
// page range of the address space rooted at pml4Frame with the requested
// user permissions, returning the first page of the range.
func MapPagesInto(frameStart pmm.Frame, count uint64, perms PagePermissions, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	lockFn()
	page, err := mapPagesIntoLocked(frameStart, count, perms, pml4Frame)
	unlockFn()

	return page, err
}

func mapPagesIntoLocked(frameStart pmm.Frame, count uint64, perms PagePermissions, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	pagesStart, err := findFreePagesInLocked(pml4Frame, count)
	if err != nil {
		return 0, err
	}

	walker, err := newWalkerLocked(pml4Frame, pagesStart, false)
	if err != nil {
		return 0, err
	}
	defer walker.Close()

	for relPage := uint64(0); relPage < count; relPage++ {
		if err = walker.Step(); err != nil {
			return 0, err
		}

		entry := walker.Entry()
		if entry.HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(pagesStart)+uintptr(relPage))
		}

		*entry = 0
		entry.SetFrame(frameStart + pmm.Frame(relPage))
		entry.SetFlags(userEntryFlags(perms))
	}

	return pagesStart, nil
}

// MapPagesFromKernel mirrors count pages of the active kernel address space
// starting at kernelPagesStart into the address space rooted at pml4Frame
// with the requested user permissions, returning the first user page.
func MapPagesFromKernel(kernelPagesStart Page, count uint64, perms PagePermissions, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	lockFn()
	page, err := mapPagesFromKernelLocked(kernelPagesStart, count, perms, pml4Frame)
	unlockFn()

	return page, err
}

func mapPagesFromKernelLocked(kernelPagesStart Page, count uint64, perms PagePermissions, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	userPagesStart, err := findFreePagesInLocked(pml4Frame, count)
	if err != nil {
		return 0, err
	}

	walker, err := newWalkerLocked(pml4Frame, userPagesStart, false)
	if err != nil {
		return 0, err
	}
	defer walker.Close()

	for relPage := uint64(0); relPage < count; relPage++ {
		if err = walker.Step(); err != nil {
			return 0, err
		}

		kernelPage := kernelPagesStart + Page(relPage)
		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(kernelPage)
		kernelPT := activePT(pml4Index, pdptIndex, pdIndex)

		if !kernelPT[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] kernel page %x is not mapped\n", uintptr(kernelPage))
		}

		entry := walker.Entry()
		if entry.HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(userPagesStart)+uintptr(relPage))
		}

		*entry = 0
		entry.SetFrame(kernelPT[ptIndex].Frame())
		entry.SetFlags(userEntryFlags(perms))
	}

	return userPagesStart, nil
}

// MapPagesFromUser imports count pages of the address space rooted at
// pml4Frame starting at userPagesStart into the active kernel address space
// so syscall handlers can access user memory, returning the first kernel
// page.
func MapPagesFromUser(userPagesStart Page, count uint64, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	lockFn()
	page, err := mapPagesFromUserLocked(userPagesStart, count, pml4Frame)
	unlockFn()

	return page, err
}

func mapPagesFromUserLocked(userPagesStart Page, count uint64, pml4Frame pmm.Frame) (Page, *kernel.Error) {
	kernelPagesStart, err := findFreePages(count)
	if err != nil {
		return 0, err
	}

	// Reserve the kernel leaf entries up front: the walker below maps the
	// foreign tables through mapPagesLocked, whose free-range search must
	// not hand out the pages just selected.
	var cursor pmm.AllocCursor
	for relPage := uint64(0); relPage < count; relPage++ {
		kernelPage := kernelPagesStart + Page(relPage)

		if err = maybeAllocateKernelTables(kernelPage, &cursor); err != nil {
			clearReservedKernelEntries(kernelPagesStart, relPage)
			return 0, err
		}

		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(kernelPage)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		if pt[ptIndex].HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(kernelPage))
		}

		pt[ptIndex] = 0
		pt[ptIndex].SetFlags(FlagPresent)
	}

	walker, err := newWalkerLocked(pml4Frame, userPagesStart, true)
	if err != nil {
		clearReservedKernelEntries(kernelPagesStart, count)
		return 0, err
	}
	defer walker.Close()

	for relPage := uint64(0); relPage < count; relPage++ {
		if err = walker.Step(); err != nil {
			clearReservedKernelEntries(kernelPagesStart, count)
			return 0, err
		}

		entry := walker.Entry()
		if !entry.HasFlags(FlagPresent) {
			fatalf("[vmm] user page %x is not mapped\n", uintptr(userPagesStart)+uintptr(relPage))
		}

		kernelPage := kernelPagesStart + Page(relPage)
		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(kernelPage)
		pt := activePT(pml4Index, pdptIndex, pdIndex)

		pt[ptIndex].SetFrame(entry.Frame())
		pt[ptIndex].SetFlags(FlagRW)
		pt[ptIndex].ClearFlags(FlagUserAccessible)

		flushTLBEntryFn(kernelPage.Address())
	}

	return kernelPagesStart, nil
}

// clearReservedKernelEntries rolls back the leaf reservations made by
// mapPagesFromUserLocked when the import fails part-way.
func clearReservedKernelEntries(pagesStart Page, count uint64) {
	for relPage := uint64(0); relPage < count; relPage++ {
		pml4Index, pdptIndex, pdIndex, ptIndex := splitPageIndex(pagesStart + Page(relPage))
		activePT(pml4Index, pdptIndex, pdIndex)[ptIndex].ClearFlags(FlagPresent)
	}
}

// MapPagesBetweenUser maps count pages starting at fromPagesStart of the
// address space rooted at fromPML4Frame into a fresh range of the address
// space rooted at toPML4Frame, returning the first page of the target range.
// The frames become shared between the two address spaces.
func MapPagesBetweenUser(fromPagesStart Page, count uint64, perms PagePermissions, fromPML4Frame, toPML4Frame pmm.Frame) (Page, *kernel.Error) {
	lockFn()
	page, err := mapPagesBetweenUserLocked(fromPagesStart, count, perms, fromPML4Frame, toPML4Frame)
	unlockFn()

	return page, err
}

func mapPagesBetweenUserLocked(fromPagesStart Page, count uint64, perms PagePermissions, fromPML4Frame, toPML4Frame pmm.Frame) (Page, *kernel.Error) {
	toPagesStart, err := findFreePagesInLocked(toPML4Frame, count)
	if err != nil {
		return 0, err
	}

	fromWalker, err := newWalkerLocked(fromPML4Frame, fromPagesStart, true)
	if err != nil {
		return 0, err
	}
	defer fromWalker.Close()

	toWalker, err := newWalkerLocked(toPML4Frame, toPagesStart, false)
	if err != nil {
		return 0, err
	}
	defer toWalker.Close()

	for relPage := uint64(0); relPage < count; relPage++ {
		if err = fromWalker.Step(); err != nil {
			return 0, err
		}
		if err = toWalker.Step(); err != nil {
			return 0, err
		}

		fromEntry := fromWalker.Entry()
		if !fromEntry.HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is not mapped\n", uintptr(fromPagesStart)+uintptr(relPage))
		}

		toEntry := toWalker.Entry()
		if toEntry.HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already mapped\n", uintptr(toPagesStart)+uintptr(relPage))
		}

		*toEntry = 0
		toEntry.SetFrame(fromEntry.Frame())
		toEntry.SetFlags(userEntryFlags(perms))
	}

	return toPagesStart, nil
}

// UnmapPagesIn removes count page mappings starting at pagesStart from the
// address space rooted at pml4Frame. When releaseFrames is set the backing
// frames are returned to the frame allocator.
func UnmapPagesIn(pagesStart Page, count uint64, pml4Frame pmm.Frame, releaseFrames bool) *kernel.Error {
	lockFn()
	err := unmapPagesInLocked(pagesStart, count, pml4Frame, releaseFrames)
	unlockFn()

	return err
}

func unmapPagesInLocked(pagesStart Page, count uint64, pml4Frame pmm.Frame, releaseFrames bool) *kernel.Error {
	walker, err := newWalkerLocked(pml4Frame, pagesStart, false)
	if err != nil {
		return err
	}
	defer walker.Close()

	for relPage := uint64(0); relPage < count; relPage++ {
		if err = walker.Step(); err != nil {
			return err
		}

		entry := walker.Entry()
		if !entry.HasFlags(FlagPresent) {
			fatalf("[vmm] page %x is already unmapped\n", uintptr(pagesStart)+uintptr(relPage))
		}

		entry.ClearFlags(FlagPresent)

		if releaseFrames {
			freeFrameFn(entry.Frame())
		}
	}

	return nil
}
