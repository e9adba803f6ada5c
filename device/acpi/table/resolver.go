package table

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

var (
	// ErrMissingRSDP is returned when the firmware-provided root pointer
	// does not reference a valid RSDP.
	ErrMissingRSDP = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}

	// ErrTableChecksumMismatch is returned when a table fails checksum
	// validation.
	ErrTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "checksum mismatch while parsing ACPI table"}

	// The following functions are used by tests to redirect physical
	// memory accesses at captured table payloads.
	mapMemoryFn   = vmm.MapMemory
	unmapMemoryFn = vmm.UnmapMemory
)

// SystemTables locates ACPI tables starting from the RSDP handed over by the
// bootstrap. All discovered tables stay mapped for the kernel's lifetime.
type SystemTables struct {
	tables map[string]*SDTHeader
}

// LookupTable returns the header of the table with the given signature or
// nil if no such table exists. SystemTables implements Resolver.
func (st *SystemTables) LookupTable(signature string) *SDTHeader {
	return st.tables[signature]
}

// Init discovers all tables reachable from the RSDP at the supplied physical
// address.
func (st *SystemTables) Init(rsdpPhysAddr uintptr) *kernel.Error {
	st.tables = make(map[string]*SDTHeader)

	rsdpAddr, err := mapMemoryFn(rsdpPhysAddr, mem.Size(unsafe.Sizeof(ExtRSDPDescriptor{})))
	if err != nil {
		return err
	}
	defer unmapMemoryFn(rsdpAddr, mem.Size(unsafe.Sizeof(ExtRSDPDescriptor{})))

	rsdp := (*ExtRSDPDescriptor)(unsafe.Pointer(rsdpAddr))
	if rsdp.Signature != [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '} {
		return ErrMissingRSDP
	}

	if !checksumValid(rsdpAddr, uint32(unsafe.Sizeof(RSDPDescriptor{}))) {
		return ErrMissingRSDP
	}

	// Prefer the XSDT and its 64-bit pointers on ACPI 2.0+ systems.
	var (
		rootPhysAddr uintptr
		wideEntries  bool
	)

	if rsdp.Revision >= 2 {
		rootPhysAddr = uintptr(rsdp.XSDTAddr)
		wideEntries = true
	} else {
		rootPhysAddr = uintptr(rsdp.RSDTAddr)
	}

	root, err := st.mapTable(rootPhysAddr)
	if err != nil {
		return err
	}

	sizeofHeader := uint32(unsafe.Sizeof(SDTHeader{}))
	entriesAddr := uintptr(unsafe.Pointer(root)) + uintptr(sizeofHeader)
	payloadLen := root.Length - sizeofHeader

	entrySize := uintptr(4)
	if wideEntries {
		entrySize = 8
	}

	for offset := uintptr(0); offset < uintptr(payloadLen); offset += entrySize {
		var tablePhysAddr uintptr
		if wideEntries {
			tablePhysAddr = uintptr(*(*uint64)(unsafe.Pointer(entriesAddr + offset)))
		} else {
			tablePhysAddr = uintptr(*(*uint32)(unsafe.Pointer(entriesAddr + offset)))
		}

		header, err := st.mapTable(tablePhysAddr)
		if err != nil {
			return err
		}

		st.tables[string(header.Signature[:])] = header
	}

	return nil
}

// mapTable maps a full ACPI table given the physical address of its header
// and validates its checksum.
func (st *SystemTables) mapTable(physAddr uintptr) (*SDTHeader, *kernel.Error) {
	sizeofHeader := mem.Size(unsafe.Sizeof(SDTHeader{}))

	headerAddr, err := mapMemoryFn(physAddr, sizeofHeader)
	if err != nil {
		return nil, err
	}

	length := (*SDTHeader)(unsafe.Pointer(headerAddr)).Length

	// Remap with the full length now that it is known.
	unmapMemoryFn(headerAddr, sizeofHeader)

	tableAddr, err := mapMemoryFn(physAddr, mem.Size(length))
	if err != nil {
		return nil, err
	}

	if !checksumValid(tableAddr, length) {
		unmapMemoryFn(tableAddr, mem.Size(length))
		return nil, ErrTableChecksumMismatch
	}

	return (*SDTHeader)(unsafe.Pointer(tableAddr)), nil
}

// checksumValid sums length bytes starting at addr; a valid table sums to 0
// mod 256.
func checksumValid(addr uintptr, length uint32) bool {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(addr + uintptr(i)))
	}

	return sum == 0
}

// VisitMADTEntries walks the variable-sized records that follow a MADT
// header, invoking the visitor with each record's header. The visitor can
// cast the header to the concrete entry type after checking Type. Returning
// false stops the walk.
func VisitMADTEntries(madt *MADT, visitor func(*MADTEntryHeader) bool) {
	var (
		base   = uintptr(unsafe.Pointer(madt))
		offset = unsafe.Sizeof(MADT{})
	)

	for offset < uintptr(madt.Length) {
		entry := (*MADTEntryHeader)(unsafe.Pointer(base + offset))
		if !visitor(entry) {
			return
		}

		offset += uintptr(entry.Length)
	}
}

// LocalAPICAddress returns the physical address of the local APIC register
// block described by the MADT, honoring a 64-bit override record when one is
// present.
func LocalAPICAddress(madt *MADT) uintptr {
	addr := uintptr(madt.LocalControllerAddress)

	VisitMADTEntries(madt, func(entry *MADTEntryHeader) bool {
		if entry.Type == MADTEntryTypeLocalAPICOverride {
			addr = uintptr((*MADTEntryLocalAPICOverride)(unsafe.Pointer(entry)).Address())
			return false
		}
		return true
	})

	return addr
}

// VisitMCFGAllocations walks the configuration region records of an MCFG
// table. Returning false stops the walk.
func VisitMCFGAllocations(mcfg *MCFG, visitor func(*MCFGAllocation) bool) {
	var (
		base   = uintptr(unsafe.Pointer(mcfg))
		offset = unsafe.Sizeof(MCFG{})
	)

	for offset+unsafe.Sizeof(MCFGAllocation{}) <= uintptr(mcfg.Length) {
		if !visitor((*MCFGAllocation)(unsafe.Pointer(base + offset))) {
			return
		}

		offset += unsafe.Sizeof(MCFGAllocation{})
	}
}
