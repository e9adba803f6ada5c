package proc

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/collection"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

var (
	// The following functions are used by tests to mock calls into the
	// paging engine and frame allocator.
	mapKernelSpaceIntoFn = vmm.MapKernelSpaceInto
	unmapPagesInFn       = vmm.UnmapPagesIn
	mapMemoryFn          = vmm.MapMemory
	unmapMemoryFn        = vmm.UnmapMemory

	allocFrameFn = func(cursor *pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
		return pmm.FrameAllocator.AllocFrame(cursor)
	}
	freeFrameFn = func(frame pmm.Frame) {
		pmm.FrameAllocator.FreeFrame(frame)
	}
)

// tableSize is the byte size of one page table at any level.
const tableSize = mem.Size(4096)

// InitAddressSpace gives the process a fresh root table that replicates the
// kernel layout and the per-CPU area block; user mappings are layered on top
// of it afterwards by the loader and the memory syscalls.
func (p *Process) InitAddressSpace(perCPUFrame pmm.Frame, perCPUPageCount uint64) *kernel.Error {
	var cursor pmm.AllocCursor

	pml4Frame, err := allocFrameFn(&cursor)
	if err != nil {
		return err
	}

	p.PML4Frame = pml4Frame

	return mapKernelSpaceIntoFn(pml4Frame, perCPUFrame, perCPUPageCount)
}

// Destroy tears a process down completely:
//
//  0. the process is marked not ready so schedulers and lookups skip it
//  1. every mapping is unmapped, releasing backing frames for owned regions
//  2. the collection buckets become unreachable with the process entry
//  3. the page table tree is walked top-down and every intermediate and
//     leaf table frame owned by the process is released
//  4. the root table frame itself is released and the slot cleared
//
// After Destroy returns no frame previously owned exclusively by the
// process remains allocated.
func Destroy(it Iterator) *kernel.Error {
	process := it.Item()

	// Schedulers and lookups skip the process from here on; its slot stays
	// reserved until the teardown below has finished reading the entry.
	process.Ready = false
	defer collection.Remove(it)

	// A process that never received an address space has nothing else to
	// release.
	if !process.PML4Frame.Valid() {
		return nil
	}

	for mappingIt := process.Mappings.First(); mappingIt.Valid(); mappingIt.Next() {
		mapping := mappingIt.Item()

		if err := unmapPagesInFn(mapping.PagesStart, mapping.PageCount, process.PML4Frame, mapping.IsOwned); err != nil {
			return err
		}
	}

	if err := freeTableTree(process.PML4Frame); err != nil {
		return err
	}

	freeFrameFn(process.PML4Frame)

	return nil
}

// freeTableTree walks the root table top-down and releases every PDPT, PD
// and PT frame reachable from it. The frames behind leaf entries are left
// alone: owned data frames were already released through the mapping list
// and everything else (kernel image, per-CPU areas, shared or MMIO frames)
// is not the process's to free.
func freeTableTree(pml4Frame pmm.Frame) *kernel.Error {
	pml4Addr, err := mapMemoryFn(pml4Frame.Address(), tableSize)
	if err != nil {
		return err
	}
	defer unmapMemoryFn(pml4Addr, tableSize)

	for pml4Index := 0; pml4Index < 512; pml4Index++ {
		pdptFrame, present := tableEntryAt(pml4Addr, pml4Index)
		if !present {
			continue
		}

		pdptAddr, err := mapMemoryFn(pdptFrame.Address(), tableSize)
		if err != nil {
			return err
		}

		for pdptIndex := 0; pdptIndex < 512; pdptIndex++ {
			pdFrame, present := tableEntryAt(pdptAddr, pdptIndex)
			if !present {
				continue
			}

			pdAddr, err := mapMemoryFn(pdFrame.Address(), tableSize)
			if err != nil {
				unmapMemoryFn(pdptAddr, tableSize)
				return err
			}

			for pdIndex := 0; pdIndex < 512; pdIndex++ {
				if ptFrame, present := tableEntryAt(pdAddr, pdIndex); present {
					freeFrameFn(ptFrame)
				}
			}

			unmapMemoryFn(pdAddr, tableSize)
			freeFrameFn(pdFrame)
		}

		unmapMemoryFn(pdptAddr, tableSize)
		freeFrameFn(pdptFrame)
	}

	return nil
}

// tableEntryAt reads the table entry at the given index of a mapped table,
// returning its frame and present flag.
func tableEntryAt(tableAddr uintptr, index int) (pmm.Frame, bool) {
	entry := *(*uint64)(unsafe.Pointer(tableAddr + uintptr(index)*8))

	return pmm.Frame((entry & 0x000ffffffffff000) >> mem.PageShift), entry&1 != 0
}
