// Package sched multiplexes ready threads over the machine's CPUs. Each CPU
// owns a cursor into the process table and picks the next ready thread on
// every preemption or voluntary yield; an atomic residency flag keeps two
// CPUs from running the same thread.
package sched

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/apic"
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

// StackSize is the per-CPU interrupt stack size.
const StackSize = 16 * 1024

// PerCPU is the per-processor control block. One instance per CPU lives in
// a physically contiguous block that is mapped twice: at its kernel address
// and at a fixed virtual base in every process address space, so the entry
// paths can locate it regardless of the active root table.
//
// The field offsets of UserAddress and Stack are relied on by the syscall
// entry thunk; keep them in sync with entry_amd64.s.
type PerCPU struct {
	// UserAddress points back at this structure through its process-space
	// alias. The syscall entry loads it from GS before any stack exists.
	UserAddress uintptr

	_ [8]byte // keeps Stack 16-byte aligned

	// Stack is the interrupt and scheduler stack of this CPU.
	Stack [StackSize]byte

	// GDT carries the CPU's segment descriptors, including the TSS pair.
	GDT [gdtSize]uint64

	// TSS points RSP0 at the user-space alias of Stack.
	TSS TSS

	// ID is the CPU's local APIC id.
	ID uint8

	// APICRegs is the CPU's mapped local APIC register block.
	APICRegs *apic.Registers

	// The scheduler cursor.
	ProcessIt proc.Iterator
	ThreadIt  proc.ThreadIterator

	// InSyscallOrUserException marks that this CPU is executing a syscall
	// or user exception handler; the preempt IPI defers to its exit path
	// by raising PreemptDeferred instead of rescheduling immediately.
	InSyscallOrUserException bool
	PreemptDeferred          bool
}

var (
	// areas is the per-CPU block, one entry per CPU.
	areas []PerCPU

	// areasFrame is the first physical frame of the block; every process
	// maps it at vmm.UserPerCPUPagesStart.
	areasFrame pmm.Frame

	processorIDFn = cpu.ProcessorID
)

// AreasPageCount returns the page count of the per-CPU block for count CPUs.
func AreasPageCount(count uint32) uint64 {
	return mem.PagesForSize(mem.Size(uintptr(count) * unsafe.Sizeof(PerCPU{})))
}

// AreasFrame returns the first physical frame of the per-CPU block.
func AreasFrame() pmm.Frame {
	return areasFrame
}

// SetAreas installs the per-CPU block. The slice must overlay the kernel
// mapping of the physically contiguous block starting at frame.
func SetAreas(block []PerCPU, frame pmm.Frame) {
	areas = block
	areasFrame = frame
}

// Current returns the executing CPU's control block.
func Current() *PerCPU {
	return &areas[processorIDFn()]
}

// ByID returns the control block of the CPU with the given APIC id.
func ByID(id uint8) *PerCPU {
	return &areas[id]
}

// UserAreaAddress returns the process-space alias of the CPU area with the
// given index.
func UserAreaAddress(id uint8) uintptr {
	return vmm.UserPerCPUPagesStart.Address() + uintptr(id)*unsafe.Sizeof(PerCPU{})
}

// InitArea prepares the executing CPU's control block: the GDT and TSS are
// built around the user-space alias of the CPU stack, the APIC register
// block is recorded and the segment and task registers are loaded.
func (c *PerCPU) InitArea(id uint8, apicRegs *apic.Registers) {
	c.ID = id
	c.APICRegs = apicRegs
	c.UserAddress = UserAreaAddress(id)

	stackUserAddr := c.UserAddress + unsafe.Offsetof(c.Stack)
	tssUserAddr := c.UserAddress + unsafe.Offsetof(c.TSS)

	c.TSS.SetRSP0(uint64(stackUserAddr) + StackSize)
	c.TSS.SetIOPBOffset(tssSize)

	c.GDT[0] = 0
	c.GDT[1] = codeSegment(0)
	c.GDT[2] = dataSegment(0)
	c.GDT[3] = dataSegment(3)
	c.GDT[4] = codeSegment(3)
	c.GDT[5], c.GDT[6] = tssDescriptor(tssUserAddr, tssSize-1)

	descriptor := NewGDTDescriptor(gdtSize*8-1, uint64(uintptr(unsafe.Pointer(&c.GDT))))

	loadGDTFn(uintptr(unsafe.Pointer(&descriptor)))
	loadTaskRegisterFn(SelectorTSS)

	// The syscall entry finds the user-space alias through the kernel GS
	// base after its swapgs.
	writeMSRFn(cpu.IA32KernelGSBase, uint64(c.UserAddress))
}

// StackDelta returns the offset that rewrites a user-alias stack address
// into its kernel-space equivalent.
func (c *PerCPU) StackDelta() uintptr {
	return uintptr(unsafe.Pointer(c)) - c.UserAddress
}

var (
	loadGDTFn          = cpu.LoadGDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
	writeMSRFn         = cpu.WriteMSR
)
