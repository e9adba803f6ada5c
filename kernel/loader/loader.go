// Package loader builds a ready process out of a relocatable object file.
// Sections are allocated page-rounded in the new address space, mirrored
// into the kernel for filling, relocated through a per-process global offset
// table and finally sealed behind the user mappings only.
package loader

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

var (
	// The following functions are used by tests to mock the paging engine
	// and the process registry.
	mapAndAllocatePagesFn = vmm.MapAndAllocatePages
	mapPagesFromKernelFn  = vmm.MapPagesFromKernel
	unmapPagesFn          = vmm.UnmapPages
	unmapAndFreePagesFn   = vmm.UnmapAndFreePages
	allocProcessFn        = proc.Alloc
	destroyProcessFn      = proc.Destroy
	initAddressSpaceFn    = (*proc.Process).InitAddressSpace

	// kernelBytesFn overlays a byte slice on a kernel page range so
	// section contents can be written through the kernel mirror.
	kernelBytesFn = func(pagesStart vmm.Page, pageCount uint64) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(pagesStart.Address())), pageCount<<mem.PageShift)
	}
)

const (
	// gotSize bounds the per-process global offset table to a single page.
	// Programs with more GOT-relocated symbols than fit fail to load with
	// an out-of-memory result; growing the table on demand remains an
	// open TODO inherited from the current allocation strategy.
	gotSize = 4096

	// stackSize is the fixed user stack of the initial thread.
	stackSize = 16 * 1024
)

// sectionAllocation records where an allocated section landed.
type sectionAllocation struct {
	userPagesStart   vmm.Page
	kernelPagesStart vmm.Page
	pageCount        uint64
}

// CreateProcess builds a new ready process from a relocatable object image
// and an optional argument blob that becomes visible to the entry function.
// The initial thread is positioned at the symbol named "entry" and receives
// (process id, data address, data size) as its arguments.
//
// On any failure after the process slot was reserved, the partially built
// process is destroyed and no resources remain allocated.
func CreateProcess(image []byte, data []byte, perCPUFrame pmm.Frame, perCPUPageCount uint64) (*proc.Process, proc.Iterator, *kernel.Error) {
	obj, err := parseObject(image)
	if err != nil {
		return nil, proc.Iterator{}, err
	}

	process, processIt := allocProcessFn()

	if err = initAddressSpaceFn(process, perCPUFrame, perCPUPageCount); err != nil {
		destroyProcessFn(processIt)
		return nil, proc.Iterator{}, err
	}

	// Allocate every section with the alloc flag, mirroring each one into
	// the kernel so its contents can be filled in.
	var (
		allocations   = make(map[int]sectionAllocation)
		gotAllocation sectionAllocation
		gotPageCount  = mem.PagesForSize(gotSize)
		gotMapped     bool
		mirrorsLive   = true
	)

	// abort rolls the partial build back: any live kernel mirrors are
	// dropped and the half-constructed process is destroyed.
	abort := func(failure *kernel.Error) *kernel.Error {
		if mirrorsLive {
			if gotMapped {
				unmapPagesFn(gotAllocation.kernelPagesStart, gotPageCount)
			}
			for _, allocation := range allocations {
				unmapPagesFn(allocation.kernelPagesStart, allocation.pageCount)
			}
		}

		destroyProcessFn(processIt)
		return failure
	}

	for sectionIndex := range obj.sections {
		section := &obj.sections[sectionIndex]
		if section.flags&sectionFlagAlloc == 0 {
			continue
		}

		var perms vmm.PagePermissions
		if section.flags&sectionFlagWrite != 0 {
			perms |= vmm.PermWrite
		}
		if section.flags&sectionFlagExecutable != 0 {
			perms |= vmm.PermExecute
		}

		pageCount := mem.PagesForSize(mem.Size(section.size))

		allocation, err := allocInProcessAndKernel(process, pageCount, perms)
		if err != nil {
			return nil, proc.Iterator{}, abort(err)
		}

		allocations[sectionIndex] = allocation

		if section.flags&sectionFlagExecutable != 0 {
			process.RegisterDebugSection(
				allocation.userPagesStart.Address(),
				pageCount<<mem.PageShift,
				obj.sectionName(section),
			)
		}
	}

	// Copy the file-backed section contents through the kernel mirrors;
	// no-bits sections stay zeroed.
	for sectionIndex := range obj.sections {
		section := &obj.sections[sectionIndex]
		if section.flags&sectionFlagAlloc == 0 || section.sectionType == sectionTypeNoBits {
			continue
		}

		allocation := allocations[sectionIndex]
		copy(
			kernelBytesFn(allocation.kernelPagesStart, allocation.pageCount),
			image[section.fileOffset:section.fileOffset+section.size],
		)
	}

	// The global offset table.
	gotAllocation, err = allocInProcessAndKernel(process, gotPageCount, 0)
	if err != nil {
		return nil, proc.Iterator{}, abort(err)
	}
	gotMapped = true

	gotUserAddr := uint64(gotAllocation.userPagesStart.Address())
	gotBytes := kernelBytesFn(gotAllocation.kernelPagesStart, gotPageCount)
	nextGOTIndex := uint64(0)

	allocGOTEntry := func(value uint64) (uint64, bool) {
		index := nextGOTIndex
		nextGOTIndex++

		if index == gotSize/8 {
			return 0, false
		}

		for i := uintptr(0); i < 8; i++ {
			gotBytes[uintptr(index*8)+i] = byte(value >> (8 * i))
		}

		return index * 8, true
	}

	// Process every relocation section targeting an allocated section.
	for sectionIndex := range obj.sections {
		section := &obj.sections[sectionIndex]
		if section.sectionType != sectionTypeRela {
			continue
		}

		targetIndex := int(section.info)
		target := &obj.sections[targetIndex]
		if target.flags&sectionFlagAlloc == 0 {
			continue
		}

		targetAllocation := allocations[targetIndex]
		targetBytes := kernelBytesFn(targetAllocation.kernelPagesStart, targetAllocation.pageCount)
		targetUserAddr := uint64(targetAllocation.userPagesStart.Address())

		for _, rel := range obj.relocationsOf(section) {
			sym := &obj.symbols[rel.symbolIndex]

			symbolAddr := sym.value
			if sym.sectionIndex != 0 {
				symbolAddr += uint64(allocations[int(sym.sectionIndex)].userPagesStart.Address())
			}

			slotOffset := uintptr(rel.offset)
			slotUserAddr := targetUserAddr + rel.offset
			addend := uint64(rel.addend)

			writeU32 := func(value uint64) {
				for i := uintptr(0); i < 4; i++ {
					targetBytes[slotOffset+i] = byte(value >> (8 * i))
				}
			}
			writeU64 := func(value uint64) {
				for i := uintptr(0); i < 8; i++ {
					targetBytes[slotOffset+i] = byte(value >> (8 * i))
				}
			}

			switch rel.kind {
			case relNone:

			case relAbs64:
				writeU64(symbolAddr + addend)

			case relPC32, relPLT32:
				writeU32(symbolAddr + addend - slotUserAddr)

			case relAbs32:
				writeU32(symbolAddr + addend)

			case relPC64:
				writeU64(symbolAddr + addend - slotUserAddr)

			case relGOT32:
				gotOffset, ok := allocGOTEntry(symbolAddr)
				if !ok {
					return nil, proc.Iterator{}, abort(pmm.ErrOutOfMemory)
				}

				writeU32(gotOffset + addend)

			case relGOT64:
				gotOffset, ok := allocGOTEntry(symbolAddr)
				if !ok {
					return nil, proc.Iterator{}, abort(pmm.ErrOutOfMemory)
				}

				writeU64(gotOffset + addend)

			case relGOTPCRel, relGOTPCRelX, relGOTPCRelXRe:
				gotOffset, ok := allocGOTEntry(symbolAddr)
				if !ok {
					return nil, proc.Iterator{}, abort(pmm.ErrOutOfMemory)
				}

				writeU32(gotOffset + gotUserAddr + addend - slotUserAddr)

			case relGOTOff64:
				writeU64(symbolAddr + addend - gotUserAddr)

			case relGOTPC32:
				writeU32(gotUserAddr + addend - slotUserAddr)

			case relGOTPC64:
				writeU64(gotUserAddr + addend - slotUserAddr)

			default:
				return nil, proc.Iterator{}, abort(ErrInvalidELF)
			}
		}
	}

	// Drop the kernel mirrors; only the user mappings survive.
	unmapPagesFn(gotAllocation.kernelPagesStart, gotPageCount)
	for _, allocation := range allocations {
		unmapPagesFn(allocation.kernelPagesStart, allocation.pageCount)
	}
	mirrorsLive = false

	// The initial thread's stack.
	stackPageCount := mem.PagesForSize(stackSize)

	stackAllocation, err := allocInProcessAndKernel(process, stackPageCount, vmm.PermWrite)
	if err != nil {
		return nil, proc.Iterator{}, abort(err)
	}

	unmapPagesFn(stackAllocation.kernelPagesStart, stackPageCount)

	stackTop := stackAllocation.userPagesStart.Address() + stackSize

	// The optional argument blob, copied into a user-visible region.
	var dataUserAddr uintptr
	if len(data) > 0 {
		dataPageCount := mem.PagesForSize(mem.Size(len(data)))

		dataAllocation, err := allocInProcessAndKernel(process, dataPageCount, vmm.PermWrite)
		if err != nil {
			return nil, proc.Iterator{}, abort(err)
		}

		copy(kernelBytesFn(dataAllocation.kernelPagesStart, dataPageCount), data)

		unmapPagesFn(dataAllocation.kernelPagesStart, dataPageCount)

		dataUserAddr = dataAllocation.userPagesStart.Address()
	}

	// Position the initial thread at the entry symbol.
	entryAllocation, ok := allocations[int(obj.entrySymbol.sectionIndex)]
	if !ok {
		return nil, proc.Iterator{}, abort(ErrInvalidELF)
	}

	entryAddr := entryAllocation.userPagesStart.Address() + uintptr(obj.entrySymbol.value)

	thread, _ := process.AllocThread()
	thread.Frame.InitUserEntry(entryAddr, stackTop)
	thread.Frame.SetEntryArgs(process.ID, uint64(dataUserAddr), uint64(len(data)))
	thread.Ready = true

	process.Ready = true

	return process, processIt, nil
}

// allocInProcessAndKernel allocates page-rounded user memory in the process
// address space together with a kernel mirror for filling it, registers the
// user region as an owned mapping and zeroes it.
func allocInProcessAndKernel(process *proc.Process, pageCount uint64, perms vmm.PagePermissions) (sectionAllocation, *kernel.Error) {
	kernelPagesStart, err := mapAndAllocatePagesFn(pageCount)
	if err != nil {
		return sectionAllocation{}, err
	}

	userPagesStart, err := mapPagesFromKernelFn(kernelPagesStart, pageCount, perms, process.PML4Frame)
	if err != nil {
		unmapAndFreePagesFn(kernelPagesStart, pageCount)
		return sectionAllocation{}, err
	}

	process.RegisterMapping(userPagesStart, pageCount, false, true)

	bytes := kernelBytesFn(kernelPagesStart, pageCount)
	for i := range bytes {
		bytes[i] = 0
	}

	return sectionAllocation{
		userPagesStart:   userPagesStart,
		kernelPagesStart: kernelPagesStart,
		pageCount:        pageCount,
	}, nil
}
