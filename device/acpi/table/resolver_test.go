package table

import (
	"testing"
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

// identityMapped redirects physical memory accesses at the test's own
// address space; the fixtures below pass Go pointers as physical addresses.
func identityMapped() func() {
	mapMemoryFn = func(physAddr uintptr, _ mem.Size) (uintptr, *kernel.Error) {
		return physAddr, nil
	}
	unmapMemoryFn = func(uintptr, mem.Size) {}

	return func() {
		mapMemoryFn = vmm.MapMemory
		unmapMemoryFn = vmm.UnmapMemory
	}
}

// fixTableChecksum recomputes the checksum byte of a table blob in place.
func fixTableChecksum(blob []byte, checksumIndex int) {
	blob[checksumIndex] = 0

	var sum uint8
	for _, b := range blob {
		sum += b
	}

	blob[checksumIndex] = uint8(-sum)
}

func makeSDT(signature string, payload []byte) []byte {
	blob := make([]byte, int(unsafe.Sizeof(SDTHeader{}))+len(payload))
	copy(blob, signature)

	length := uint32(len(blob))
	blob[4] = byte(length)
	blob[5] = byte(length >> 8)
	blob[6] = byte(length >> 16)
	blob[7] = byte(length >> 24)

	copy(blob[unsafe.Sizeof(SDTHeader{}):], payload)
	fixTableChecksum(blob, 9)

	return blob
}

func makeRSDP(xsdtAddr uintptr) []byte {
	blob := make([]byte, unsafe.Sizeof(ExtRSDPDescriptor{}))
	copy(blob, "RSD PTR ")
	blob[15] = 2 // revision

	for i := 0; i < 8; i++ {
		blob[24+i] = byte(uint64(xsdtAddr) >> (8 * i))
	}

	fixTableChecksum(blob[:20], 8)

	return blob
}

func TestSystemTablesInit(t *testing.T) {
	defer identityMapped()()

	madt := makeSDT("APIC", make([]byte, 8))
	mcfg := makeSDT("MCFG", make([]byte, 8+16))

	xsdtPayload := make([]byte, 16)
	for i := 0; i < 8; i++ {
		xsdtPayload[i] = byte(uint64(uintptr(unsafe.Pointer(&madt[0]))) >> (8 * i))
		xsdtPayload[8+i] = byte(uint64(uintptr(unsafe.Pointer(&mcfg[0]))) >> (8 * i))
	}
	xsdt := makeSDT("XSDT", xsdtPayload)

	rsdp := makeRSDP(uintptr(unsafe.Pointer(&xsdt[0])))

	var st SystemTables
	if err := st.Init(uintptr(unsafe.Pointer(&rsdp[0]))); err != nil {
		t.Fatal(err)
	}

	if st.LookupTable("APIC") == nil {
		t.Fatal("expected MADT to be discovered")
	}

	if st.LookupTable("MCFG") == nil {
		t.Fatal("expected MCFG to be discovered")
	}

	if st.LookupTable("FACP") != nil {
		t.Fatal("expected missing table lookup to return nil")
	}
}

func TestSystemTablesInitErrors(t *testing.T) {
	defer identityMapped()()

	t.Run("bad RSDP signature", func(t *testing.T) {
		rsdp := makeRSDP(0)
		rsdp[0] = 'X'

		var st SystemTables
		if err := st.Init(uintptr(unsafe.Pointer(&rsdp[0]))); err != ErrMissingRSDP {
			t.Fatalf("expected ErrMissingRSDP; got %v", err)
		}
	})

	t.Run("table checksum mismatch", func(t *testing.T) {
		madt := makeSDT("APIC", make([]byte, 8))
		madt[10] ^= 0xff

		xsdtPayload := make([]byte, 8)
		for i := 0; i < 8; i++ {
			xsdtPayload[i] = byte(uint64(uintptr(unsafe.Pointer(&madt[0]))) >> (8 * i))
		}
		xsdt := makeSDT("XSDT", xsdtPayload)
		rsdp := makeRSDP(uintptr(unsafe.Pointer(&xsdt[0])))

		var st SystemTables
		if err := st.Init(uintptr(unsafe.Pointer(&rsdp[0]))); err != ErrTableChecksumMismatch {
			t.Fatalf("expected ErrTableChecksumMismatch; got %v", err)
		}
	})
}

func TestVisitMADTEntries(t *testing.T) {
	// MADT with one local APIC (8 bytes), one IO APIC (12 bytes) and one
	// local APIC override (12 bytes).
	payload := []byte{
		0, 0, 0, 0, // local controller address
		0, 0, 0, 0, // flags

		0, 8, 1, 5, 1, 0, 0, 0, // local APIC: processor 1, APIC id 5
		1, 12, 2, 0, 0, 0, 0xc0, 0xfe, 0, 0, 0, 0, // IO APIC at 0xfec00000
		5, 12, 0, 0, 0, 0, 0, 0xfe, 0, 0, 0, 0, // override: 0xfe000000
	}

	blob := makeSDT("APIC", payload)
	madt := (*MADT)(unsafe.Pointer(&blob[0]))

	var types []MADTEntryType
	VisitMADTEntries(madt, func(entry *MADTEntryHeader) bool {
		types = append(types, entry.Type)

		switch entry.Type {
		case MADTEntryTypeLocalAPIC:
			lapic := (*MADTEntryLocalAPIC)(unsafe.Pointer(entry))
			if lapic.ProcessorID != 1 || lapic.APICID != 5 {
				t.Errorf("unexpected local APIC entry: %+v", lapic)
			}
		case MADTEntryTypeIOAPIC:
			ioapic := (*MADTEntryIOAPIC)(unsafe.Pointer(entry))
			if exp := uint32(0xfec00000); ioapic.Address != exp {
				t.Errorf("expected IO APIC address %#x; got %#x", exp, ioapic.Address)
			}
		}

		return true
	})

	if len(types) != 3 {
		t.Fatalf("expected to visit 3 entries; got %d", len(types))
	}

	// The override entry takes precedence over the 32-bit address.
	if exp, got := uintptr(0xfe000000), LocalAPICAddress(madt); got != exp {
		t.Fatalf("expected local APIC address %#x; got %#x", exp, got)
	}
}

func TestVisitMCFGAllocations(t *testing.T) {
	payload := make([]byte, 8+2*16)

	// Allocation 0: base 0xb0000000, segment 0, buses 0-255.
	base := uint64(0xb0000000)
	for i := 0; i < 8; i++ {
		payload[8+i] = byte(base >> (8 * i))
	}
	payload[8+11] = 255 // end bus

	// Allocation 1: base 0xc0000000, segment 1.
	base = 0xc0000000
	for i := 0; i < 8; i++ {
		payload[24+i] = byte(base >> (8 * i))
	}
	payload[24+8] = 1 // segment

	blob := makeSDT("MCFG", payload)
	mcfg := (*MCFG)(unsafe.Pointer(&blob[0]))

	var allocations []MCFGAllocation
	VisitMCFGAllocations(mcfg, func(alloc *MCFGAllocation) bool {
		allocations = append(allocations, *alloc)
		return true
	})

	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations; got %d", len(allocations))
	}

	if allocations[0].Address != 0xb0000000 || allocations[0].EndBus != 255 {
		t.Fatalf("unexpected first allocation: %+v", allocations[0])
	}

	if allocations[1].Address != 0xc0000000 || allocations[1].PCISegment != 1 {
		t.Fatalf("unexpected second allocation: %+v", allocations[1])
	}
}
