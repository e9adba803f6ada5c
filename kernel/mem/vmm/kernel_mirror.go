package vmm

import (
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
)

// MapKernelSpaceInto initializes a fresh address space root: the PML4 is
// zeroed, the kernel image region is replicated with its identity layout and
// the per-CPU area block is mapped at its fixed user-space location. Every
// entry installed here denies user-mode access; the mappings exist so the
// interrupt, syscall and scheduler entry paths stay reachable while the
// process address space is active.
func MapKernelSpaceInto(pml4Frame pmm.Frame, perCPUFrame pmm.Frame, perCPUPageCount uint64) *kernel.Error {
	lockFn()
	defer unlockFn()

	pml4Page, err := mapPagesLocked(pml4Frame, 1)
	if err != nil {
		return err
	}

	*tableAtPage(pml4Page) = pageTable{}
	unmapPagesLocked(pml4Page, 1)

	if err = mirrorFramesLocked(pml4Frame, KernelPagesStart, pmm.Frame(KernelPagesStart), uint64(KernelPagesEnd-KernelPagesStart)); err != nil {
		return err
	}

	return mirrorFramesLocked(pml4Frame, UserPerCPUPagesStart, perCPUFrame, perCPUPageCount)
}

// mirrorFramesLocked installs count identity-style leaf entries starting at
// pagesStart of the foreign address space, pointing at consecutive frames
// beginning with frameStart. The entries allow kernel writes and deny user
// access.
func mirrorFramesLocked(pml4Frame pmm.Frame, pagesStart Page, frameStart pmm.Frame, count uint64) *kernel.Error {
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
		*entry = 0
		entry.SetFrame(frameStart + pmm.Frame(relPage))
		entry.SetFlags(FlagPresent | FlagRW)
	}

	return nil
}
