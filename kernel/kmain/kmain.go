// Package kmain contains the kernel bootstrap sequence: everything between
// the UEFI stub's jump and the first entry into the scheduler.
package kmain

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/acpi/table"
	"github.com/yaram/operating-system-sub000/device/apic"
	"github.com/yaram/operating-system-sub000/device/console"
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/hal/bootstrap"
	"github.com/yaram/operating-system-sub000/kernel/irq"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
	"github.com/yaram/operating-system-sub000/kernel/loader"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/sched"
	"github.com/yaram/operating-system-sub000/kernel/syscall"
	ksync "github.com/yaram/operating-system-sub000/kernel/sync"
)

// embeddedInitImage is the relocatable object of the init process; the
// image is linked into the kernel binary by the build.
var embeddedInitImage []byte

var (
	acpiTables table.SystemTables

	// secondaryUp is raised by each secondary CPU once its per-CPU area is
	// live; the bootstrap CPU waits on it between STARTUP IPIs.
	secondaryUp ksync.Spinlock

	processorCount uint32
)

// Main is the kernel entry point. The UEFI stub calls it once on the
// bootstrap CPU with isFirstEntry set and once on every secondary CPU with
// it clear. It never returns.
//
// Initialization order matters and is never torn down: CPU features,
// console, interrupt plumbing, kernel page tables, the frame bitmap, ACPI,
// the per-CPU areas and finally the first process.
func Main(isFirstEntry bool) {
	if !isFirstEntry {
		secondaryMain()
	}

	cpu.EnableSSE()

	var serial console.Serial
	serial.Init()

	kfmt.Printf("kernel starting\n")

	irq.RemapLegacyPIC()
	irq.InitIDT()

	bootstrap.SetInfoPtr(bootstrap.SpacePhysAddr)

	setupKernelPageTables()
	setupFrameBitmap()

	if err := acpiTables.Init(bootstrap.ACPITableAddress()); err != nil {
		kfmt.Printf("Error: %s\n", err.Error())
		cpu.Halt()
	}
	syscall.SetACPITables(&acpiTables)

	madt := (*table.MADT)(unsafe.Pointer(acpiTables.LookupTable("APIC")))
	if madt == nil {
		kfmt.Printf("Error: no MADT present\n")
		cpu.Halt()
	}

	setupPerCPUAreas(madt)

	mapIOAPIC(madt)

	bootCPU := setupThisProcessor(madt)

	syscall.Install()

	startSecondaryProcessors(madt, bootCPU)

	vmm.SetProcessorCount(processorCount)
	vmm.SetAllProcessorsInitialized()
	vmm.SetShootdownIPISender(func() {
		sched.Current().APICRegs.SendIPIAllExcludingSelf(irq.KernelTablesUpdateVector)
	})
	syscall.SetProcessorCount(processorCount)

	// Reload the TLB so this CPU observes every table built so far.
	cpu.SwitchPML4(vmm.KernelPML4Address())

	if len(embeddedInitImage) > 0 {
		kfmt.Printf("Loading init process...\n")

		if _, _, err := loader.CreateProcess(
			embeddedInitImage,
			nil,
			sched.AreasFrame(),
			sched.AreasPageCount(processorCount),
		); err != nil {
			kfmt.Printf("Error: init process: %s\n", err.Error())
			cpu.Halt()
		}

		kfmt.Printf("Entering init process\n")
	}

	sched.EnterNext(bootCPU)
}

// setupKernelPageTables builds the kernel's identity mapping for the kernel
// image region out of bootstrap-found frames, installs the recursive slot
// and switches to the new root. The UEFI stub leaves the low memory
// identity-mapped, so the new tables can be written at their physical
// addresses.
func setupKernelPageTables() {
	kernelPageCount := uint64(vmm.KernelPagesEnd - vmm.KernelPagesStart)

	// PML4 + PDPT + PD + the page tables for the kernel region.
	ptCount := (kernelPageCount + 511) / 512
	tableCount := 3 + ptCount

	tablesStart, found := bootstrap.FindFreePages(tableCount, 0, kernelPageCount, 0, 0)
	if !found {
		kfmt.Printf("Error: no frames for the kernel page tables\n")
		cpu.Halt()
	}

	tableAt := func(index uint64) *[512]uint64 {
		return (*[512]uint64)(unsafe.Pointer(uintptr(tablesStart+index) << mem.PageShift))
	}

	const tableFlags = uint64(0x7) // present | writable | user tables

	pml4 := tableAt(0)
	pdpt := tableAt(1)
	pd := tableAt(2)

	*pml4 = [512]uint64{}
	*pdpt = [512]uint64{}
	*pd = [512]uint64{}

	pml4[0] = uint64(tablesStart+1)<<mem.PageShift | tableFlags
	pdpt[0] = uint64(tablesStart+2)<<mem.PageShift | tableFlags

	for pt := uint64(0); pt < ptCount; pt++ {
		ptFrame := tablesStart + 3 + pt
		pd[pt] = uint64(ptFrame)<<mem.PageShift | tableFlags

		entries := tableAt(3 + pt)
		for i := uint64(0); i < 512; i++ {
			page := pt*512 + i
			if page < kernelPageCount {
				entries[i] = page<<mem.PageShift | 0x3 // present | writable
			} else {
				entries[i] = 0
			}
		}
	}

	// The recursive slot makes the tables addressable within the new
	// address space.
	pml4[511] = uint64(tablesStart)<<mem.PageShift | 0x3

	vmm.SetKernelPML4(pmm.Frame(tablesStart))
	cpu.SwitchPML4(uintptr(tablesStart) << mem.PageShift)

	// The table frames themselves must be marked once the bitmap exists.
	kernelTableFrames = pmm.Frame(tablesStart)
	kernelTableCount = tableCount
}

var (
	kernelTableFrames pmm.Frame
	kernelTableCount  uint64
)

// setupFrameBitmap sizes the bitmap over every frame below the highest
// available address, places it in bootstrap-found frames and reserves
// everything already in use.
func setupFrameBitmap() {
	highestFrame := (bootstrap.HighestAvailableAddress() + uint64(mem.PageSize) - 1) >> mem.PageShift

	bitmapBytes := (highestFrame + 7) / 8
	bitmapPageCount := mem.PagesForSize(mem.Size(bitmapBytes))

	bitmapStart, found := bootstrap.FindFreePages(
		bitmapPageCount,
		uint64(vmm.KernelPagesStart), uint64(vmm.KernelPagesEnd-vmm.KernelPagesStart),
		uint64(kernelTableFrames), kernelTableCount,
	)
	if !found {
		kfmt.Printf("Error: no frames for the frame bitmap\n")
		cpu.Halt()
	}

	bitmap := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(bitmapStart)<<mem.PageShift)), bitmapBytes)
	for i := range bitmap {
		bitmap[i] = 0
	}

	pmm.FrameAllocator.Init(bitmap)

	// Mark every region the firmware did not hand over, plus everything
	// the kernel already occupies.
	markUnavailableRegions(highestFrame)

	pmm.FrameAllocator.MarkRange(pmm.Frame(vmm.KernelPagesStart), uint64(vmm.KernelPagesEnd-vmm.KernelPagesStart))
	pmm.FrameAllocator.MarkRange(kernelTableFrames, kernelTableCount)
	pmm.FrameAllocator.MarkRange(pmm.Frame(bitmapStart), bitmapPageCount)
	pmm.FrameAllocator.MarkRange(pmm.FrameFromAddress(bootstrap.SpacePhysAddr), 5)

	pmm.FrameAllocator.PrintStats()
}

// markUnavailableRegions reserves every frame outside the firmware's
// available regions.
func markUnavailableRegions(highestFrame uint64) {
	nextFree := uint64(0)

	bootstrap.VisitMemRegions(func(region *bootstrap.MemoryMapEntry) bool {
		if !region.Available {
			return true
		}

		regionStart := (region.PhysAddress + uint64(mem.PageSize) - 1) >> mem.PageShift
		regionEnd := (region.PhysAddress + region.Length) >> mem.PageShift

		if regionStart > nextFree {
			pmm.FrameAllocator.MarkRange(pmm.Frame(nextFree), regionStart-nextFree)
		}

		if regionEnd > nextFree {
			nextFree = regionEnd
		}

		return true
	})

	if highestFrame > nextFree {
		pmm.FrameAllocator.MarkRange(pmm.Frame(nextFree), highestFrame-nextFree)
	}
}

// setupPerCPUAreas counts the CPUs in the MADT, allocates the physically
// contiguous per-CPU block and maps it at its kernel address.
func setupPerCPUAreas(madt *table.MADT) {
	processorCount = 0
	table.VisitMADTEntries(madt, func(entry *table.MADTEntryHeader) bool {
		if entry.Type == table.MADTEntryTypeLocalAPIC {
			processorCount++
		}
		return true
	})

	if processorCount == 0 {
		processorCount = 1
	}

	pageCount := sched.AreasPageCount(processorCount)

	pages, frame, err := vmm.MapAndAllocateConsecutivePages(pageCount)
	if err != nil {
		kfmt.Printf("Error: %s\n", err.Error())
		cpu.Halt()
	}

	mem.Memset(pages.Address(), 0, mem.Size(pageCount)<<mem.PageShift)

	block := unsafe.Slice((*sched.PerCPU)(unsafe.Pointer(pages.Address())), processorCount)
	sched.SetAreas(block, frame)
}

// ioAPICRegs is the mapped IO-APIC register window; interrupt routing to
// user-space drivers will attach here.
var ioAPICRegs uintptr

// mapIOAPIC locates the IO-APIC in the MADT and maps its register window.
func mapIOAPIC(madt *table.MADT) {
	var ioAPICAddr uintptr

	table.VisitMADTEntries(madt, func(entry *table.MADTEntryHeader) bool {
		if entry.Type == table.MADTEntryTypeIOAPIC {
			ioAPICAddr = uintptr((*table.MADTEntryIOAPIC)(unsafe.Pointer(entry)).Address)
			return false
		}
		return true
	})

	if ioAPICAddr == 0 {
		kfmt.Printf("Error: no IO APIC found\n")
		cpu.Halt()
	}

	addr, err := vmm.MapMemory(ioAPICAddr, 32)
	if err != nil {
		kfmt.Printf("Error: %s\n", err.Error())
		cpu.Halt()
	}

	ioAPICRegs = addr
}

// setupThisProcessor brings the executing CPU's area live: APIC mapping and
// initialization, GDT, TSS, syscall MSRs and interrupt table.
func setupThisProcessor(madt *table.MADT) *sched.PerCPU {
	apicAddr, err := vmm.MapMemory(table.LocalAPICAddress(madt), mem.Size(unsafe.Sizeof(apic.Registers{})))
	if err != nil {
		kfmt.Printf("Error: %s\n", err.Error())
		cpu.Halt()
	}

	regs := (*apic.Registers)(unsafe.Pointer(apicAddr))
	regs.InitLocal(irq.PreemptTimerVector, irq.SpuriousVector)

	id := cpu.ProcessorID()
	c := sched.ByID(id)
	c.InitArea(id, regs)

	irq.InstallSyscall()

	return c
}

// startSecondaryProcessors INIT-SIPIs every CPU the MADT lists except the
// bootstrap one and waits for each to raise the up flag before starting the
// next.
func startSecondaryProcessors(madt *table.MADT, bootCPU *sched.PerCPU) {
	bootID := bootCPU.ID

	cpu.EnableInterrupts()

	table.VisitMADTEntries(madt, func(entry *table.MADTEntryHeader) bool {
		if entry.Type != table.MADTEntryTypeLocalAPIC {
			return true
		}

		lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(entry))
		if lapic.APICID == bootID {
			return true
		}

		secondaryUp.Acquire()

		cpu.MemoryFence()
		bootCPU.APICRegs.SendInit(lapic.APICID)

		// The real-mode trampoline at physical page 1 was placed there by
		// the UEFI stub; it long-jumps into Main with isFirstEntry clear.
		bootCPU.APICRegs.SendStartup(lapic.APICID, 1)

		// The secondary releases the lock once its area is live.
		secondaryUp.Acquire()
		secondaryUp.Release()

		return true
	})
}

// secondaryMain runs on every secondary CPU: it shares the kernel root
// table and IDT, sets up its own per-CPU area and idles until the timer
// hands it a thread.
func secondaryMain() {
	cpu.EnableSSE()
	cpu.SwitchPML4(vmm.KernelPML4Address())

	irq.LoadIDT()

	madt := (*table.MADT)(unsafe.Pointer(acpiTables.LookupTable("APIC")))

	c := setupThisProcessor(madt)

	secondaryUp.Release()

	sched.EnterNext(c)
}
