package syscall

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/acpi/table"
	"github.com/yaram/operating-system-sub000/device/pci"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

// lookupMCFG returns the MCFG table, or nil when the firmware does not
// publish one. The lookup is allowed to fail: the PCI-Express calls then
// report NotFound instead of faulting the kernel.
func lookupMCFG() *table.MCFG {
	if acpiTables == nil {
		return nil
	}

	header := acpiTables.LookupTable("MCFG")
	if header == nil {
		return nil
	}

	return (*table.MCFG)(unsafe.Pointer(header))
}

// busWindowSize is the configuration space decoded by one bus.
const busWindowSize = pci.DevicesPerBus * pci.FunctionsPerDevice * pci.ConfigAreaSize

// findPCIEDevice walks every configuration region enumerating functions and
// returns the index'th one matching the caller's filters, encoded as
// function|device|bus|segment.
func findPCIEDevice(process *proc.Process, paramsAddr uint64, ret1, ret2 *uint64) {
	paramsKernelAddr, rangeResult := importUserMemory(process, paramsAddr, uint64(unsafe.Sizeof(findPCIEDeviceParams{})))
	switch rangeResult {
	case memoryRangeOutOfMemory:
		*ret1 = uint64(FindPCIEDeviceOutOfMemory)
		return
	case memoryRangeInvalid:
		*ret1 = uint64(FindPCIEDeviceInvalidMemoryRange)
		return
	}
	defer releaseUserMemory(paramsKernelAddr, uint64(unsafe.Sizeof(findPCIEDeviceParams{})))

	params := *(*findPCIEDeviceParams)(unsafe.Pointer(paramsKernelAddr))

	filters := pci.Filters{
		VendorID:         params.VendorID,
		DeviceID:         params.DeviceID,
		ClassCode:        params.ClassCode,
		Subclass:         params.Subclass,
		Interface:        params.Interface,
		RequireVendorID:  params.RequireVendorID,
		RequireDeviceID:  params.RequireDeviceID,
		RequireClassCode: params.RequireClassCode,
		RequireSubclass:  params.RequireSubclass,
		RequireInterface: params.RequireInterface,
	}

	*ret1 = uint64(FindPCIEDeviceNotFound)

	mcfg := lookupMCFG()
	if mcfg == nil {
		return
	}

	var currentIndex uint64

	table.VisitMCFGAllocations(mcfg, func(alloc *table.MCFGAllocation) bool {
		busCount := uint64(alloc.EndBus-alloc.StartBus) + 1

		for bus := uint64(0); bus < busCount; bus++ {
			windowAddr, err := mapMemoryFn(uintptr(alloc.Address)+uintptr(bus)*busWindowSize, busWindowSize)
			if err != nil {
				return false
			}

			for device := uint8(0); device < pci.DevicesPerBus; device++ {
				for function := uint8(0); function < pci.FunctionsPerDevice; function++ {
					header := (*pci.ConfigHeader)(unsafe.Pointer(windowAddr + pci.ConfigOffset(0, device, function)))

					if header.VendorID == pci.InvalidVendorID || !filters.Match(header) {
						continue
					}

					if currentIndex != params.Index {
						currentIndex++
						continue
					}

					*ret1 = uint64(FindPCIEDeviceSuccess)
					*ret2 = pci.Address{
						Segment:  alloc.PCISegment,
						Bus:      alloc.StartBus + uint8(bus),
						Device:   device,
						Function: function,
					}.Encode()

					unmapMemoryFn(windowAddr, busWindowSize)
					return false
				}
			}

			unmapMemoryFn(windowAddr, busWindowSize)
		}

		return true
	})
}

// mapPCIEConfiguration maps one function's configuration page writable into
// the caller.
func mapPCIEConfiguration(process *proc.Process, encoded uint64, ret1 *uint64) {
	addr := pci.DecodeAddress(encoded)

	*ret1 = 0

	mcfg := lookupMCFG()
	if mcfg == nil {
		return
	}

	table.VisitMCFGAllocations(mcfg, func(alloc *table.MCFGAllocation) bool {
		if alloc.PCISegment != addr.Segment {
			return true
		}

		configFrame := pmm.FrameFromAddress(uintptr(alloc.Address)) +
			pmm.Frame(uint64(addr.Bus)*pci.DevicesPerBus*pci.FunctionsPerDevice+
				uint64(addr.Device)*pci.FunctionsPerDevice+
				uint64(addr.Function))

		pages, err := mapPagesIntoFn(configFrame, 1, vmm.PermWrite, process.PML4Frame)
		if err != nil {
			return false
		}

		process.RegisterMapping(pages, 1, false, false)

		*ret1 = uint64(pages.Address())
		return false
	})
}

// mapPCIEBar sizes a function's memory BAR with the write-all-ones protocol
// and maps the decoded MMIO range writable into the caller.
func mapPCIEBar(process *proc.Process, encoded uint64, ret1 *uint64) {
	barIndex, addr := pci.DecodeBarAddress(encoded)

	*ret1 = 0

	mcfg := lookupMCFG()
	if mcfg == nil {
		return
	}

	table.VisitMCFGAllocations(mcfg, func(alloc *table.MCFGAllocation) bool {
		if alloc.PCISegment != addr.Segment {
			return true
		}

		configPhys := uintptr(alloc.Address) + pci.ConfigOffset(addr.Bus, addr.Device, addr.Function)

		configAddr, err := mapMemoryFn(configPhys, pci.ConfigAreaSize)
		if err != nil {
			return false
		}

		header := (*pci.ConfigHeader)(unsafe.Pointer(configAddr))

		barPhys, barSize, ok := header.SizeBar(barIndex)

		unmapMemoryFn(configAddr, pci.ConfigAreaSize)

		if !ok {
			return false
		}

		framesStart := pmm.FrameFromAddress(barPhys)
		frameCount := mem.PagesForSize(mem.Size(barPhys&uintptr(mem.PageSize-1)) + mem.Size(barSize))

		pages, err := mapPagesIntoFn(framesStart, frameCount, vmm.PermWrite, process.PML4Frame)
		if err != nil {
			return false
		}

		process.RegisterMapping(pages, frameCount, false, false)

		*ret1 = uint64(pages.Address())
		return false
	})
}
