package irq

import (
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/kfmt"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
	"github.com/yaram/operating-system-sub000/kernel/sched"
)

const pageFaultVector = 14

var (
	enableInterruptsFn = cpu.EnableInterrupts
	haltFn             = cpu.Halt
	readCR2Fn          = cpu.ReadCR2

	currentCPUFn     = sched.Current
	enterNextFn      = sched.EnterNext
	vacateFn         = sched.Vacate
	destroyProcessFn = proc.Destroy

	handleTablesUpdateFn = vmm.HandleKernelTablesUpdate
)

// exceptionDispatch handles every architectural exception. Kernel-mode
// exceptions are unrecoverable: the diagnostic is printed and the CPU
// halts. User-mode exceptions destroy the offending process and hand the
// CPU back to the scheduler.
func exceptionDispatch(vector uint64, frame *proc.Frame) {
	kfmt.Printf("EXCEPTION %x(%x) AT %x", vector, frame.ErrorCode, frame.InterruptFrame.InstructionPointer)

	if vector == pageFaultVector {
		kfmt.Printf(" ACCESSING %x", readCR2Fn())
	}

	if !frame.FromUserMode() {
		kfmt.Printf(" in kernel (processor %d)\n", currentCPUFn().ID)
		haltFn()
		return
	}

	c := currentCPUFn()

	// Keep the preempt IPI from rescheduling the CPU mid-teardown, drop
	// the timer and let further interrupts through while the diagnostics
	// print.
	c.InSyscallOrUserException = true
	c.APICRegs.MaskTimer()
	enableInterruptsFn()

	continueInKernel(frame, userExceptionContinued)
}

// userExceptionContinued runs with the kernel address space active: it
// names the faulting process and code section, destroys the process and
// re-enters the scheduler.
func userExceptionContinued(frame *proc.Frame) {
	c := currentCPUFn()

	if !c.ProcessIt.Valid() {
		kfmt.Printf(" in kernel (processor %d)\n", c.ID)
		haltFn()
		return
	}

	process := c.ProcessIt.Item()
	kfmt.Printf(" in process %d (processor %d)\n", process.ID, c.ID)

	rip := uintptr(frame.InterruptFrame.InstructionPointer)
	if section := process.DebugSectionFor(rip); section != nil {
		kfmt.Printf("Section %s, offset %x\n", section.Name(), rip-section.MemoryStart)
	}

	destroyProcessFn(c.ProcessIt)

	enterNextFn(c)
}

// preemptTimerDispatch handles the APIC timer. An interrupt that lands in
// kernel mode while a syscall or user exception is executing only records
// the preemption request; the handler's exit path honors it. Every other
// case (user mode, or the idle loop) vacates the current thread and
// reschedules.
func preemptTimerDispatch(frame *proc.Frame) {
	c := currentCPUFn()

	if !frame.FromUserMode() && c.InSyscallOrUserException {
		c.PreemptDeferred = true
		c.APICRegs.EOI()
		return
	}

	enableInterruptsFn()

	continueInKernel(frame, preemptTimerContinued)
}

// preemptTimerContinued runs with the kernel address space active.
func preemptTimerContinued(frame *proc.Frame) {
	c := currentCPUFn()

	c.APICRegs.EOI()

	vacateFn(c, frame)

	enableInterruptsFn()

	enterNextFn(c)
}

// kernelTablesUpdateDispatch handles the TLB-shootdown IPI: flush the
// published range if the kernel address space is active, acknowledge
// progress, then EOI from kernel space.
func kernelTablesUpdateDispatch(frame *proc.Frame) {
	handleTablesUpdateFn(activePML4Fn() == vmm.KernelPML4Address())

	continueInKernel(frame, kernelTablesUpdateContinued)
}

func kernelTablesUpdateContinued(*proc.Frame) {
	currentCPUFn().APICRegs.EOI()
}

// spuriousDispatch logs stray interrupts; no EOI is owed for the spurious
// vector.
func spuriousDispatch(frame *proc.Frame) {
	kfmt.Printf("Spurious interrupt at %x\n", frame.InterruptFrame.InstructionPointer)
}
