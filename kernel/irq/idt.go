// Package irq owns the kernel's trap surface: the IDT, the exception,
// preemption-timer and TLB-shootdown handlers, the fast-syscall entry and
// the address-space transition that moves an executing stack between the
// user and kernel views of the per-CPU area.
package irq

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/sched"
)

// Interrupt vector assignments.
const (
	// idtLength covers the architectural exceptions plus the kernel's
	// fixed vectors.
	idtLength = 48

	// PreemptTimerVector receives the local APIC timer.
	PreemptTimerVector = uint8(32)

	// KernelTablesUpdateVector receives the TLB-shootdown IPI.
	KernelTablesUpdateVector = uint8(33)

	// legacyPICVectorsStart is where the remapped legacy PIC lines land;
	// they are masked and merely acknowledged if they fire at all.
	legacyPICVectorsStart = uint8(34)

	// SpuriousVector is the APIC spurious-interrupt vector.
	SpuriousVector = uint8(0x2f)
)

// Gate types for IDT entries.
const (
	gateTypeInterrupt = 0xe
	gateTypeTrap      = 0xf
)

// idtEntry is one 16-byte interrupt descriptor.
type idtEntry struct {
	offsetLow   uint16
	selector    uint16
	ist         uint8
	typeAttr    uint8
	offsetMid   uint16
	offsetHigh  uint32
	reservedTop uint32
}

// idtDescriptor is the pseudo-descriptor loaded into the IDT register: a
// 16-bit limit immediately followed by a 64-bit base, kept as raw bytes
// because the lidt layout is packed.
type idtDescriptor [10]byte

func newIDTDescriptor(limit uint16, base uint64) idtDescriptor {
	var d idtDescriptor

	d[0] = byte(limit)
	d[1] = byte(limit >> 8)
	for i := uintptr(0); i < 8; i++ {
		d[2+i] = byte(base >> (8 * i))
	}

	return d
}

var (
	idtEntries [idtLength]idtEntry

	loadIDTFn = cpu.LoadIDT
)

// setGate points a vector at an entry thunk.
func setGate(vector uint8, thunk func(), gateType uint8) {
	addr := funcAddr(thunk)

	idtEntries[vector] = idtEntry{
		offsetLow:  uint16(addr),
		selector:   uint16(sched.SelectorKernelCode),
		typeAttr:   1<<7 | gateType,
		offsetMid:  uint16(addr >> 16),
		offsetHigh: uint32(addr >> 32),
	}
}

// funcAddr extracts the code address of a func value so it can be planted
// in an interrupt descriptor.
func funcAddr(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// exceptionVectors lists the architectural exception vectors the kernel
// installs handlers for. Vector 9 is reserved on long-mode CPUs and 21-29
// plus 31 have no assigned meaning.
var exceptionVectors = []uint8{
	0, 1, 2, 3, 4, 5, 6, 7, 8,
	10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	30,
}

// InitIDT builds the interrupt descriptor table and loads it on the calling
// CPU. Secondary CPUs reuse the same table.
func InitIDT() {
	for _, vector := range exceptionVectors {
		setGate(vector, exceptionThunks[vector], gateTypeTrap)
	}

	setGate(PreemptTimerVector, preemptTimerThunk, gateTypeInterrupt)
	setGate(KernelTablesUpdateVector, kernelTablesUpdateThunk, gateTypeInterrupt)

	for vector := legacyPICVectorsStart; vector < legacyPICVectorsStart+8; vector++ {
		setGate(vector, legacyPICThunk, gateTypeInterrupt)
	}

	setGate(SpuriousVector, spuriousThunk, gateTypeInterrupt)

	LoadIDT()
}

// LoadIDT loads the shared descriptor table on the calling CPU.
func LoadIDT() {
	descriptor := newIDTDescriptor(idtLength*16-1, uint64(uintptr(unsafe.Pointer(&idtEntries))))

	loadIDTFn(uintptr(unsafe.Pointer(&descriptor)))
}

// RemapLegacyPIC reprograms the two legacy interrupt controllers so their
// vectors land in the dumping-ground range, then masks every line. Spurious
// bursts from uninitialized hardware would otherwise alias the exception
// vectors.
func RemapLegacyPIC() {
	portWriteFn(0xa0, 1<<4|1<<0)
	portWriteFn(0x20, 1<<4|1<<0)
	portWriteFn(0xa1, legacyPICVectorsStart)
	portWriteFn(0x21, legacyPICVectorsStart)
	portWriteFn(0xa1, 1<<2)
	portWriteFn(0x21, 1<<1)
	portWriteFn(0xa1, 1<<0)
	portWriteFn(0x21, 1<<0)
	portWriteFn(0xa1, 0xff)
	portWriteFn(0x21, 0xff)
}

var portWriteFn = cpu.PortWriteByte
