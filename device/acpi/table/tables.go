// Package table defines the ACPI table structures the kernel consumes and a
// resolver that locates them in firmware-provided memory. Only table lookup
// is implemented here; interpreting AML or any other executable ACPI content
// is firmware-library territory and out of scope for the kernel core.
package table

// Resolver is an interface implemented by objects that can look up an ACPI
// table by its signature.
//
// LookupTable attempts to locate a table returning a pointer to its standard
// header or nil if the table could not be found. The resolver must make sure
// that the entire table contents are mapped so they can be accessed by the
// caller.
type Resolver interface {
	LookupTable(string) *SDTHeader
}

// RSDPDescriptor defines the root system descriptor pointer for ACPI 1.0.
// This is the entry point for locating all other tables.
type RSDPDescriptor struct {
	// The signature must contain "RSD PTR " (last byte is a space).
	Signature [8]byte

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	Checksum uint8

	OEMID [6]byte

	// ACPI revision number. It is 0 for ACPI1.0 and 2 for versions 2.0+.
	Revision uint8

	// Physical address of the 32-bit root system descriptor table.
	RSDTAddr uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with the 64-bit fields used when
// RSDPDescriptor.Revision > 1.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	// The size of the 64-bit root system descriptor table.
	Length uint32

	// Physical address of the 64-bit root system descriptor table.
	XSDTAddr uint64

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader defines the common header for all ACPI-related tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// The length of the table including this header.
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the table
	// should result in the value 0.
	Checksum uint8

	// OEM specific information
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the compiler that generated this table
	CreatorID       uint32
	CreatorRevision uint32
}

// MADT (Multiple APIC Description Table) describes the interrupt controllers
// and installed CPUs. The table header is followed by a series of variable
// sized records.
type MADT struct {
	SDTHeader

	LocalControllerAddress uint32
	Flags                  uint32
}

// MADTEntryHeader precedes every MADT record.
type MADTEntryHeader struct {
	Type   MADTEntryType
	Length uint8
}

// MADTEntryType describes the type of a MADT record.
type MADTEntryType uint8

// The MADT entry types consumed by the kernel.
const (
	MADTEntryTypeLocalAPIC MADTEntryType = iota
	MADTEntryTypeIOAPIC
	MADTEntryTypeIntSrcOverride
	_
	_
	MADTEntryTypeLocalAPICOverride
)

// MADTEntryLocalAPIC describes a single physical processor and its local
// interrupt controller.
type MADTEntryLocalAPIC struct {
	MADTEntryHeader

	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// MADTEntryIOAPIC describes an I/O Advanced Programmable Interrupt
// Controller.
type MADTEntryIOAPIC struct {
	MADTEntryHeader

	APICID   uint8
	reserved uint8

	// Address contains the physical address of the controller.
	Address uint32

	// SysInterruptBase defines the first interrupt number that this
	// controller handles.
	SysInterruptBase uint32
}

// MADTEntryLocalAPICOverride supplies the 64-bit physical address of the
// local APIC register block, overriding MADT.LocalControllerAddress. The
// address is split into two 32-bit halves so the struct layout matches the
// packed on-disk record.
type MADTEntryLocalAPICOverride struct {
	MADTEntryHeader

	reserved    uint16
	AddressLow  uint32
	AddressHigh uint32
}

// Address assembles the 64-bit register block address.
func (e *MADTEntryLocalAPICOverride) Address() uint64 {
	return uint64(e.AddressLow) | uint64(e.AddressHigh)<<32
}

// MCFG maps PCI-Express configuration space. The header is followed by a
// series of MCFGAllocation records.
type MCFG struct {
	SDTHeader

	reserved [8]byte
}

// MCFGAllocation describes the enhanced configuration region of one PCI
// segment group.
type MCFGAllocation struct {
	// Address is the physical base of the configuration region.
	Address uint64

	// PCISegment is the segment group number served by this region.
	PCISegment uint16

	// StartBus and EndBus delimit the bus range decoded by this region.
	StartBus uint8
	EndBus   uint8

	reserved [4]byte
}
