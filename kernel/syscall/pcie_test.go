package syscall

import (
	"testing"
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/acpi/table"
	"github.com/yaram/operating-system-sub000/device/pci"
	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

// fakeResolver serves a single hand-built MCFG table.
type fakeResolver struct {
	mcfg []byte
}

func (r *fakeResolver) LookupTable(signature string) *table.SDTHeader {
	if signature != "MCFG" || r.mcfg == nil {
		return nil
	}
	return (*table.SDTHeader)(unsafe.Pointer(&r.mcfg[0]))
}

// makeMCFG builds an MCFG with one allocation: segment, buses 0-0, base.
func makeMCFG(base uint64, segment uint16) []byte {
	size := int(unsafe.Sizeof(table.MCFG{})) + int(unsafe.Sizeof(table.MCFGAllocation{}))
	blob := make([]byte, size)

	copy(blob, "MCFG")
	for i := 0; i < 4; i++ {
		blob[4+i] = byte(uint32(size) >> (8 * i))
	}

	allocOff := int(unsafe.Sizeof(table.MCFG{}))
	for i := 0; i < 8; i++ {
		blob[allocOff+i] = byte(base >> (8 * i))
	}
	blob[allocOff+8] = byte(segment)
	blob[allocOff+9] = byte(segment >> 8)
	// start and end bus both zero: a single bus.

	return blob
}

func TestFindPCIEDevice(t *testing.T) {
	f, teardown := newFixture(t)
	defer teardown()

	acpiTables = &fakeResolver{mcfg: makeMCFG(0xb0000000, 0)}

	// One bus window with absent functions everywhere except device 1
	// function 0 and device 2 function 0.
	window := make([]byte, busWindowSize)
	for i := range window {
		window[i] = 0xff
	}

	installDevice := func(device, function uint8, vendor, deviceID uint16, class uint8) {
		header := (*pci.ConfigHeader)(unsafe.Pointer(&window[pci.ConfigOffset(0, device, function)]))
		*header = pci.ConfigHeader{VendorID: vendor, DeviceID: deviceID, ClassCode: class}
	}
	installDevice(1, 0, 0x1af4, 0x1050, 3)
	installDevice(2, 0, 0x1af4, 0x1052, 9)

	mapMemoryFn = func(physAddr uintptr, size mem.Size) (uintptr, *kernel.Error) {
		if physAddr != 0xb0000000 {
			t.Fatalf("expected the bus window at %#x; got %#x", 0xb0000000, physAddr)
		}
		return uintptr(unsafe.Pointer(&window[0])), nil
	}
	unmapMemoryFn = func(uintptr, mem.Size) {}

	// Stage the filter parameters: match on vendor only, index 1 selects
	// the second virtio function.
	paramsAddr := f.stageUserBuffer(0x40, 1)
	*(*findPCIEDeviceParams)(unsafe.Pointer(paramsAddr)) = findPCIEDeviceParams{
		VendorID:        0x1af4,
		RequireVendorID: true,
		Index:           1,
	}

	frame := f.run(NumFindPCIEDevice, uint64(vmm.Page(0x40).Address()), 0)

	if FindPCIEDeviceResult(frame.RBX) != FindPCIEDeviceSuccess {
		t.Fatalf("expected success; got %d", frame.RBX)
	}

	exp := pci.Address{Segment: 0, Bus: 0, Device: 2, Function: 0}.Encode()
	if frame.RDX != exp {
		t.Fatalf("expected encoded address %#x; got %#x", exp, frame.RDX)
	}
}

func TestFindPCIEDeviceNoMCFG(t *testing.T) {
	f, teardown := newFixture(t)
	defer teardown()

	// No MCFG present: the lookup misses and the call reports NotFound
	// instead of faulting.
	acpiTables = &fakeResolver{}

	paramsAddr := f.stageUserBuffer(0x40, 1)
	*(*findPCIEDeviceParams)(unsafe.Pointer(paramsAddr)) = findPCIEDeviceParams{}

	frame := f.run(NumFindPCIEDevice, uint64(vmm.Page(0x40).Address()), 0)

	if FindPCIEDeviceResult(frame.RBX) != FindPCIEDeviceNotFound {
		t.Fatalf("expected NotFound; got %d", frame.RBX)
	}
}

func TestFindPCIEDeviceNoMatch(t *testing.T) {
	f, teardown := newFixture(t)
	defer teardown()

	acpiTables = &fakeResolver{mcfg: makeMCFG(0xb0000000, 0)}

	window := make([]byte, busWindowSize)
	for i := range window {
		window[i] = 0xff
	}

	mapMemoryFn = func(uintptr, mem.Size) (uintptr, *kernel.Error) {
		return uintptr(unsafe.Pointer(&window[0])), nil
	}
	unmapMemoryFn = func(uintptr, mem.Size) {}

	paramsAddr := f.stageUserBuffer(0x40, 1)
	*(*findPCIEDeviceParams)(unsafe.Pointer(paramsAddr)) = findPCIEDeviceParams{
		VendorID:        0x8086,
		RequireVendorID: true,
	}

	frame := f.run(NumFindPCIEDevice, uint64(vmm.Page(0x40).Address()), 0)

	if FindPCIEDeviceResult(frame.RBX) != FindPCIEDeviceNotFound {
		t.Fatalf("expected NotFound; got %d", frame.RBX)
	}
}

func TestMapPCIEConfiguration(t *testing.T) {
	f, teardown := newFixture(t)
	defer teardown()

	acpiTables = &fakeResolver{mcfg: makeMCFG(0xb0000000, 2)}

	var mappedFrame pmm.Frame
	mapPagesIntoFn = func(frameStart pmm.Frame, pageCount uint64, perms vmm.PagePermissions, pml4 pmm.Frame) (vmm.Page, *kernel.Error) {
		if pageCount != 1 || perms != vmm.PermWrite || pml4 != f.process.PML4Frame {
			t.Fatal("expected one writable user page in the caller's space")
		}
		mappedFrame = frameStart
		return 0x7000, nil
	}

	encoded := pci.Address{Segment: 2, Bus: 0, Device: 3, Function: 1}.Encode()
	frame := f.run(NumMapPCIEConfiguration, encoded, 0)

	// Frame = region base frame + device*8 + function.
	exp := pmm.FrameFromAddress(0xb0000000) + pmm.Frame(3*8+1)
	if mappedFrame != exp {
		t.Fatalf("expected config frame %#x; got %#x", uintptr(exp), uintptr(mappedFrame))
	}

	if exp := uint64(vmm.Page(0x7000).Address()); frame.RBX != exp {
		t.Fatalf("expected user address %#x; got %#x", exp, frame.RBX)
	}

	mapping := f.process.MappingCovering(0x7000, 1)
	if mapping == nil || mapping.IsOwned {
		t.Fatal("expected a non-owned MMIO mapping")
	}
}

func TestMapPCIEBar(t *testing.T) {
	f, teardown := newFixture(t)
	defer teardown()

	acpiTables = &fakeResolver{mcfg: makeMCFG(0xb0000000, 0)}

	// A config area whose BAR0 is a 32-bit memory BAR at 0xfebf0000.
	config := make([]byte, pci.ConfigAreaSize)
	header := (*pci.ConfigHeader)(unsafe.Pointer(&config[0]))
	header.VendorID = 0x1af4
	header.Bars[0] = 0xfebf0000

	mapMemoryFn = func(physAddr uintptr, size mem.Size) (uintptr, *kernel.Error) {
		expPhys := uintptr(0xb0000000) + pci.ConfigOffset(0, 4, 0)
		if physAddr != expPhys {
			t.Fatalf("expected the function's config space at %#x; got %#x", expPhys, physAddr)
		}
		return uintptr(unsafe.Pointer(&config[0])), nil
	}
	unmapMemoryFn = func(uintptr, mem.Size) {}

	var mappedFrame pmm.Frame
	mapPagesIntoFn = func(frameStart pmm.Frame, pageCount uint64, perms vmm.PagePermissions, _ pmm.Frame) (vmm.Page, *kernel.Error) {
		mappedFrame = frameStart
		if pageCount != 1 {
			t.Fatalf("expected a single MMIO page; got %d", pageCount)
		}
		return 0x8000, nil
	}

	encoded := pci.Address{Segment: 0, Bus: 0, Device: 4, Function: 0}.Encode()<<3 | 0
	frame := f.run(NumMapPCIEBar, encoded, 0)

	if exp := pmm.FrameFromAddress(0xfebf0000); mappedFrame != exp {
		t.Fatalf("expected BAR frame %#x; got %#x", uintptr(exp), uintptr(mappedFrame))
	}

	if exp := uint64(vmm.Page(0x8000).Address()); frame.RBX != exp {
		t.Fatalf("expected user address %#x; got %#x", exp, frame.RBX)
	}

	// The probe restored the original BAR value.
	if header.Bars[0] != 0xfebf0000 {
		t.Fatal("expected the BAR register to be restored after sizing")
	}
}
