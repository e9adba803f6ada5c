// Package pci provides the PCI-Express configuration space structures and
// helpers the kernel needs to enumerate devices and hand their resources to
// user-space drivers. The kernel itself never drives a device.
package pci

// Geometry of the enhanced configuration mechanism.
const (
	// ConfigAreaSize is the configuration space of a single function.
	ConfigAreaSize = 4096

	// DevicesPerBus is the number of device slots on each bus.
	DevicesPerBus = 32

	// FunctionsPerDevice is the number of functions per device slot.
	FunctionsPerDevice = 8

	// BarCount is the number of base address registers in a type-0 header.
	BarCount = 6

	functionBits = 3
	deviceBits   = 5
	busBits      = 8
	barIndexBits = 3
)

// ConfigHeader mirrors the layout of a type-0 configuration space header.
// Instances of this struct always overlay device-owned memory.
type ConfigHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	Revision      uint8
	Interface     uint8
	Subclass      uint8
	ClassCode     uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8

	Bars [BarCount]uint32

	CardbusCISPointer  uint32
	SubsystemVendorID  uint16
	SubsystemID        uint16
	ExpansionROMAddr   uint32
	CapabilitiesOffset uint8
	reserved           [7]uint8
	InterruptLine      uint8
	InterruptPin       uint8
	MinimumGrant       uint8
	MaximumLatency     uint8
}

// InvalidVendorID reads back from the vendor register of an absent function.
const InvalidVendorID = uint16(0xffff)

// Address identifies a function by segment, bus, device and function number.
type Address struct {
	Segment  uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// Encode packs the address into the ABI representation: function in the low
// bits, then device, bus and segment.
func (a Address) Encode() uint64 {
	return uint64(a.Function) |
		uint64(a.Device)<<functionBits |
		uint64(a.Bus)<<(functionBits+deviceBits) |
		uint64(a.Segment)<<(functionBits+deviceBits+busBits)
}

// DecodeAddress unpacks an ABI-encoded function address.
func DecodeAddress(encoded uint64) Address {
	return Address{
		Function: uint8(encoded & (1<<functionBits - 1)),
		Device:   uint8(encoded >> functionBits & (1<<deviceBits - 1)),
		Bus:      uint8(encoded >> (functionBits + deviceBits) & (1<<busBits - 1)),
		Segment:  uint16(encoded >> (functionBits + deviceBits + busBits)),
	}
}

// DecodeBarAddress unpacks an ABI-encoded BAR reference: the BAR index sits
// below the function address.
func DecodeBarAddress(encoded uint64) (uint8, Address) {
	barIndex := uint8(encoded & (1<<barIndexBits - 1))
	return barIndex, DecodeAddress(encoded >> barIndexBits)
}

// ConfigOffset returns the byte offset of a function's configuration area
// within its segment's enhanced configuration region.
func ConfigOffset(bus, device, function uint8) uintptr {
	return (uintptr(bus)*DevicesPerBus*FunctionsPerDevice +
		uintptr(device)*FunctionsPerDevice +
		uintptr(function)) * ConfigAreaSize
}

// Filters selects devices during enumeration. Each criterion participates
// only when its Require flag is set.
type Filters struct {
	VendorID uint16
	DeviceID uint16

	ClassCode uint8
	Subclass  uint8
	Interface uint8

	RequireVendorID bool
	RequireDeviceID bool

	RequireClassCode bool
	RequireSubclass  bool
	RequireInterface bool
}

// Match reports whether the header satisfies every required criterion.
func (f *Filters) Match(header *ConfigHeader) bool {
	if f.RequireVendorID && header.VendorID != f.VendorID {
		return false
	}
	if f.RequireDeviceID && header.DeviceID != f.DeviceID {
		return false
	}
	if f.RequireClassCode && header.ClassCode != f.ClassCode {
		return false
	}
	if f.RequireSubclass && header.Subclass != f.Subclass {
		return false
	}
	if f.RequireInterface && header.Interface != f.Interface {
		return false
	}

	return true
}

const (
	barTypeBits            = 1
	memoryBarTypeBits      = 2
	memoryBarPrefetchBits  = 1
	memoryBarInfoBits      = barTypeBits + memoryBarTypeBits + memoryBarPrefetchBits
	memoryBarType32        = 0b00
	memoryBarType64        = 0b10
)

// SizeBar determines the physical base address and size of a memory BAR
// using the write-all-ones protocol, restoring the original register values
// afterwards. IO BARs and reserved memory BAR types are rejected.
func (h *ConfigHeader) SizeBar(barIndex uint8) (physAddr uintptr, size uint64, ok bool) {
	barValue := h.Bars[barIndex]

	if barValue&(1<<barTypeBits-1) != 0 {
		// IO BARs carry legacy port ranges which the kernel does not hand
		// out.
		return 0, 0, false
	}

	infoMask := uint32(1<<memoryBarInfoBits - 1)

	switch barValue >> barTypeBits & (1<<memoryBarTypeBits - 1) {
	case memoryBarType32:
		physAddr = uintptr(barValue &^ infoMask)

		h.Bars[barIndex] = ^uint32(0)
		probed := h.Bars[barIndex] &^ infoMask
		size = uint64(^probed + 1)
		h.Bars[barIndex] = barValue

		return physAddr, size, true

	case memoryBarType64:
		secondValue := h.Bars[barIndex+1]
		physAddr = uintptr(uint64(barValue&^infoMask) | uint64(secondValue)<<32)

		h.Bars[barIndex] = ^uint32(0)
		h.Bars[barIndex+1] = ^uint32(0)

		probed := uint64(h.Bars[barIndex]&^infoMask) | uint64(h.Bars[barIndex+1])<<32
		size = ^probed + 1

		h.Bars[barIndex] = barValue
		h.Bars[barIndex+1] = secondValue

		return physAddr, size, true

	default:
		return 0, 0, false
	}
}
