package syscall

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/acpi/table"
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
	"github.com/yaram/operating-system-sub000/kernel/loader"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
	"github.com/yaram/operating-system-sub000/kernel/sched"
)

var (
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts

	currentCPUFn     = sched.Current
	enterNextFn      = sched.EnterNext
	destroyProcessFn = proc.Destroy
	findReadyFn      = proc.FindReady

	mapAndAllocatePagesFn            = vmm.MapAndAllocatePages
	mapAndAllocateConsecutivePagesFn = vmm.MapAndAllocateConsecutivePages
	unmapPagesFn                     = vmm.UnmapPages
	unmapAndFreePagesFn              = vmm.UnmapAndFreePages
	mapPagesFromKernelFn             = vmm.MapPagesFromKernel
	mapPagesFromUserFn               = vmm.MapPagesFromUser
	mapPagesBetweenUserFn            = vmm.MapPagesBetweenUser
	mapPagesIntoFn                   = vmm.MapPagesInto
	unmapPagesInFn                   = vmm.UnmapPagesIn
	mapMemoryFn                      = vmm.MapMemory
	unmapMemoryFn                    = vmm.UnmapMemory

	createProcessFn = loader.CreateProcess

	// acpiTables resolves the MCFG table for the PCI-Express syscalls; the
	// boot path installs the firmware-backed resolver.
	acpiTables table.Resolver

	// debugWriteFn emits one byte to the kernel console.
	debugWriteFn = func(b byte) {
		kfmt.Printf("%s", []byte{b})
	}

	// perCPUAreasFrameFn and perCPUAreasPageCountFn describe the per-CPU
	// block handed to new processes.
	perCPUAreasFrameFn     = sched.AreasFrame
	perCPUAreasPageCountFn = func() uint64 {
		return sched.AreasPageCount(processorCount)
	}

	processorCount uint32 = 1
)

// SetACPITables installs the resolver used to locate the MCFG table.
func SetACPITables(resolver table.Resolver) {
	acpiTables = resolver
}

// SetProcessorCount records the CPU count used to size the per-CPU block of
// new processes.
func SetProcessorCount(count uint32) {
	processorCount = count
}

// memoryRangeResult classifies a user pointer import.
type memoryRangeResult int

const (
	memoryRangeOK memoryRangeResult = iota
	memoryRangeOutOfMemory
	memoryRangeInvalid
)

// importUserMemory maps a user byte range of the calling process into the
// kernel. The range must lie fully inside one of the caller's mappings.
// Every successful import is balanced by a releaseUserMemory before the
// handler returns.
func importUserMemory(process *proc.Process, userAddr, size uint64) (uintptr, memoryRangeResult) {
	if size == 0 {
		return 0, memoryRangeInvalid
	}

	userPagesStart := vmm.PageFromAddress(uintptr(userAddr))
	offset := uintptr(userAddr) - userPagesStart.Address()
	pageCount := mem.PagesForSize(mem.Size(offset) + mem.Size(size))

	if process.MappingCovering(userPagesStart, pageCount) == nil {
		return 0, memoryRangeInvalid
	}

	kernelPagesStart, err := mapPagesFromUserFn(userPagesStart, pageCount, process.PML4Frame)
	if err != nil {
		return 0, memoryRangeOutOfMemory
	}

	return kernelPagesStart.Address() + offset, memoryRangeOK
}

// releaseUserMemory drops an import established by importUserMemory.
func releaseUserMemory(kernelAddr uintptr, size uint64) {
	pagesStart := vmm.PageFromAddress(kernelAddr)
	offset := kernelAddr - pagesStart.Address()
	unmapPagesFn(pagesStart, mem.PagesForSize(mem.Size(offset)+mem.Size(size)))
}

// dispatch executes one system call with the kernel address space active.
// It returns to user mode unless the call ends the process or relinquishes
// the CPU; a preemption that arrived mid-call is honored on the way out.
func dispatch(frame *proc.Frame) {
	c := currentCPUFn()

	c.InSyscallOrUserException = true

	enableInterruptsFn()

	process := c.ProcessIt.Item()
	thread := c.ThreadIt.Item()

	var (
		number = Number(frame.RBX)
		arg1   = frame.RDX

		ret1 = &frame.RBX
		ret2 = &frame.RDX
	)

	switch number {
	case NumExit:
		destroyProcessFn(c.ProcessIt)
		enterNextFn(c)
		return

	case NumRelinquishTime:
		thread.Frame = *frame
		thread.ClearResident()
		enterNextFn(c)
		return

	case NumDebugPrint:
		debugWriteFn(byte(arg1))

	case NumMapFreeMemory:
		*ret1 = 0
		if addr, ok := mapFreeMemory(process, arg1, false); ok {
			*ret1 = uint64(addr)
		}

	case NumMapFreeConsecutiveMemory:
		mapFreeConsecutiveMemory(process, arg1, ret1, ret2)

	case NumCreateSharedMemory:
		*ret1 = 0
		if addr, ok := mapFreeMemory(process, arg1, true); ok {
			*ret1 = uint64(addr)
		}

	case NumMapSharedMemory:
		mapSharedMemory(process, arg1, ret1, ret2)

	case NumUnmapMemory:
		unmapUserMemory(process, arg1)

	case NumCreateProcess:
		createUserProcess(process, arg1, ret1, ret2)

	case NumDoesProcessExist:
		*ret1 = 0
		if findReadyFn(arg1) != nil {
			*ret1 = 1
		}

	case NumFindPCIEDevice:
		findPCIEDevice(process, arg1, ret1, ret2)

	case NumMapPCIEConfiguration:
		mapPCIEConfiguration(process, arg1, ret1)

	case NumMapPCIEBar:
		mapPCIEBar(process, arg1, ret1)

	default:
		kfmt.Printf("Unknown syscall %d from process %d at %x\n",
			uint64(number), process.ID, frame.InterruptFrame.InstructionPointer)

		c.APICRegs.MaskTimer()
		enableInterruptsFn()

		c.InSyscallOrUserException = false
		c.PreemptDeferred = false

		destroyProcessFn(c.ProcessIt)
		enterNextFn(c)
		return
	}

	// Honor a preemption that landed while the handler ran.
	disableInterruptsFn()

	if c.PreemptDeferred {
		enableInterruptsFn()

		c.InSyscallOrUserException = false
		c.PreemptDeferred = false

		thread.Frame = *frame
		thread.ClearResident()

		enterNextFn(c)
		return
	}

	c.InSyscallOrUserException = false
}

// mapFreeMemory backs the MapFreeMemory and CreateSharedMemory calls:
// allocate page-rounded memory, map it writable into the caller, zero it
// and register it as an owned mapping.
func mapFreeMemory(process *proc.Process, size uint64, shared bool) (uintptr, bool) {
	pageCount := mem.PagesForSize(mem.Size(size))

	kernelPages, err := mapAndAllocatePagesFn(pageCount)
	if err != nil {
		return 0, false
	}

	userPages, err := mapPagesFromKernelFn(kernelPages, pageCount, vmm.PermWrite, process.PML4Frame)
	if err != nil {
		unmapAndFreePagesFn(kernelPages, pageCount)
		return 0, false
	}

	process.RegisterMapping(userPages, pageCount, shared, true)

	clearPages(kernelPages, pageCount)
	unmapPagesFn(kernelPages, pageCount)

	return userPages.Address(), true
}

// mapFreeConsecutiveMemory additionally guarantees physical contiguity and
// returns the physical base as the second result.
func mapFreeConsecutiveMemory(process *proc.Process, size uint64, ret1, ret2 *uint64) {
	*ret1 = 0

	pageCount := mem.PagesForSize(mem.Size(size))

	kernelPages, frameStart, err := mapAndAllocateConsecutivePagesFn(pageCount)
	if err != nil {
		return
	}

	userPages, err := mapPagesIntoFn(frameStart, pageCount, vmm.PermWrite, process.PML4Frame)
	if err != nil {
		unmapAndFreePagesFn(kernelPages, pageCount)
		return
	}

	process.RegisterMapping(userPages, pageCount, false, true)

	clearPages(kernelPages, pageCount)
	unmapPagesFn(kernelPages, pageCount)

	*ret1 = uint64(userPages.Address())
	*ret2 = uint64(frameStart.Address())
}

// clearPages zeroes a kernel page range through its mapping.
var clearPages = func(pagesStart vmm.Page, pageCount uint64) {
	mem.Memset(pagesStart.Address(), 0, mem.Size(pageCount)<<mem.PageShift)
}

// mapSharedMemory imports a shared mapping of another process whose virtual
// range matches the request exactly.
func mapSharedMemory(process *proc.Process, paramsAddr uint64, ret1, ret2 *uint64) {
	paramsKernelAddr, rangeResult := importUserMemory(process, paramsAddr, uint64(unsafe.Sizeof(mapSharedMemoryParams{})))
	switch rangeResult {
	case memoryRangeOutOfMemory:
		*ret1 = uint64(MapSharedMemoryOutOfMemory)
		return
	case memoryRangeInvalid:
		*ret1 = uint64(MapSharedMemoryInvalidMemoryRange)
		return
	}
	defer releaseUserMemory(paramsKernelAddr, uint64(unsafe.Sizeof(mapSharedMemoryParams{})))

	params := *(*mapSharedMemoryParams)(unsafe.Pointer(paramsKernelAddr))

	targetPagesStart := vmm.PageFromAddress(uintptr(params.Address))
	targetPagesEnd := vmm.PageFromAddress(uintptr(params.Address + params.Size + uint64(mem.PageSize) - 1))
	pageCount := uint64(targetPagesEnd - targetPagesStart)

	target := findReadyFn(params.ProcessID)
	if target == nil {
		*ret1 = uint64(MapSharedMemoryInvalidProcessID)
		return
	}

	*ret1 = uint64(MapSharedMemoryInvalidMemoryRange)

	for it := target.Mappings.First(); it.Valid(); it.Next() {
		mapping := it.Item()

		if mapping.PagesStart != targetPagesStart || mapping.PageCount != pageCount || !mapping.IsShared {
			continue
		}

		pages, err := mapPagesBetweenUserFn(targetPagesStart, pageCount, vmm.PermWrite, target.PML4Frame, process.PML4Frame)
		if err != nil {
			*ret1 = uint64(MapSharedMemoryOutOfMemory)
			return
		}

		process.RegisterMapping(pages, pageCount, true, false)

		*ret1 = uint64(MapSharedMemorySuccess)
		*ret2 = uint64(pages.Address())
		return
	}
}

// unmapUserMemory removes the caller mapping whose virtual start equals
// addr, releasing frames only for owned mappings.
func unmapUserMemory(process *proc.Process, addr uint64) {
	pagesStart := vmm.PageFromAddress(uintptr(addr))

	for it := process.Mappings.First(); it.Valid(); it.Next() {
		mapping := it.Item()
		if mapping.PagesStart != pagesStart {
			continue
		}

		removed := *mapping
		process.RemoveMapping(it)

		unmapPagesInFn(removed.PagesStart, removed.PageCount, process.PML4Frame, removed.IsOwned)
		return
	}
}

// createUserProcess loads a new process from a caller-supplied object image
// and optional argument blob.
func createUserProcess(process *proc.Process, paramsAddr uint64, ret1, ret2 *uint64) {
	paramsKernelAddr, rangeResult := importUserMemory(process, paramsAddr, uint64(unsafe.Sizeof(createProcessParams{})))
	switch rangeResult {
	case memoryRangeOutOfMemory:
		*ret1 = uint64(CreateProcessOutOfMemory)
		return
	case memoryRangeInvalid:
		*ret1 = uint64(CreateProcessInvalidMemoryRange)
		return
	}
	defer releaseUserMemory(paramsKernelAddr, uint64(unsafe.Sizeof(createProcessParams{})))

	params := *(*createProcessParams)(unsafe.Pointer(paramsKernelAddr))

	imageKernelAddr, rangeResult := importUserMemory(process, params.ELFBinary, params.ELFBinarySize)
	switch rangeResult {
	case memoryRangeOutOfMemory:
		*ret1 = uint64(CreateProcessOutOfMemory)
		return
	case memoryRangeInvalid:
		*ret1 = uint64(CreateProcessInvalidMemoryRange)
		return
	}
	defer releaseUserMemory(imageKernelAddr, params.ELFBinarySize)

	image := unsafe.Slice((*byte)(unsafe.Pointer(imageKernelAddr)), params.ELFBinarySize)

	var data []byte
	if params.Data != 0 && params.DataSize != 0 {
		dataKernelAddr, rangeResult := importUserMemory(process, params.Data, params.DataSize)
		switch rangeResult {
		case memoryRangeOutOfMemory:
			*ret1 = uint64(CreateProcessOutOfMemory)
			return
		case memoryRangeInvalid:
			*ret1 = uint64(CreateProcessInvalidMemoryRange)
			return
		}
		defer releaseUserMemory(dataKernelAddr, params.DataSize)

		data = unsafe.Slice((*byte)(unsafe.Pointer(dataKernelAddr)), params.DataSize)
	}

	newProcess, _, err := createProcessFn(image, data, perCPUAreasFrameFn(), perCPUAreasPageCountFn())
	switch err {
	case nil:
		*ret1 = uint64(CreateProcessSuccess)
		*ret2 = newProcess.ID
	case loader.ErrInvalidELF:
		*ret1 = uint64(CreateProcessInvalidELF)
	default:
		*ret1 = uint64(CreateProcessOutOfMemory)
	}
}
