package sched

import (
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

// Quantum is the APIC timer initial count armed before every thread entry
// and on the idle path. With the divider fixed at 16 this yields preemption
// roughly a hundred times a second on common core clocks.
const Quantum = 1000000

var (
	disableInterruptsFn = cpu.DisableInterrupts

	// enterThreadFn performs the final, non-returning drop to user mode:
	// copy the thread frame onto the CPU stack, load the user-alias GDT,
	// switch CR3 to the process root and restore the frame. It is
	// implemented in assembly and overridden by scheduler tests.
	enterThreadFn = archEnterThread

	// idleFn resets the CPU stack to its top, re-enables interrupts and
	// halts until the next timer tick. It is implemented in assembly and
	// overridden by scheduler tests.
	idleFn = archIdle
)

// selectNext advances the CPU cursor to the next ready, non-resident thread
// and claims it. The scan order is: remaining threads of the current
// process, then following processes, then one restart from the head of the
// process table. Claiming uses the thread residency flag so concurrent CPUs
// never pick the same thread.
func selectNext(c *PerCPU) bool {
	if c.ProcessIt.Valid() {
		c.ThreadIt.Next()

		if c.ProcessIt.Item().Ready {
			if claimThread(c) {
				return true
			}
		} else {
			c.ThreadIt = proc.ThreadIterator{}
		}
	}

	if !c.ThreadIt.Valid() {
		if c.ProcessIt.Valid() {
			c.ProcessIt.Next()
		}

		for ; c.ProcessIt.Valid(); c.ProcessIt.Next() {
			process := c.ProcessIt.Item()
			c.ThreadIt = process.Threads.First()

			if process.Ready && claimThread(c) {
				return true
			}
		}
	}

	// One restart from the head of the process table.
	if !c.ProcessIt.Valid() {
		for c.ProcessIt = proc.Processes.First(); c.ProcessIt.Valid(); c.ProcessIt.Next() {
			process := c.ProcessIt.Item()
			c.ThreadIt = process.Threads.First()

			if process.Ready && claimThread(c) {
				return true
			}
		}
	}

	return false
}

// claimThread scans forward from the current thread cursor for a ready
// thread whose residency CAS succeeds.
func claimThread(c *PerCPU) bool {
	for ; c.ThreadIt.Valid(); c.ThreadIt.Next() {
		thread := c.ThreadIt.Item()

		if thread.Ready && thread.MakeResident() {
			return true
		}
	}

	return false
}

// EnterNext hands the CPU to the next ready thread, or idles until the next
// timer tick when nothing is runnable. In the kernel build this function
// never returns; the assembly tails either drop to user mode or halt.
//
// The APIC timer must be masked or expired with no pending timer interrupt
// when this is called.
func EnterNext(c *PerCPU) {
	if !selectNext(c) {
		// Interrupts stay disabled until the idle path has reset the
		// stack; the flags may not have been cleared on every route here.
		disableInterruptsFn()

		c.InSyscallOrUserException = false
		c.PreemptDeferred = false

		c.APICRegs.ArmTimer(Quantum)

		idleFn(c)
		return
	}

	thread := c.ThreadIt.Item()
	thread.LastCPU = c.ID

	disableInterruptsFn()

	c.InSyscallOrUserException = false
	c.PreemptDeferred = false

	c.APICRegs.ArmTimer(Quantum)

	enterThreadFn(c, c.ProcessIt.Item(), thread)
}

// Vacate records the supplied frame on the thread the CPU was running and
// releases its residency claim, making it selectable by any CPU.
func Vacate(c *PerCPU, frame *proc.Frame) {
	if !c.ProcessIt.Valid() || !c.ThreadIt.Valid() {
		return
	}

	thread := c.ThreadIt.Item()
	thread.Frame = *frame
	thread.ClearResident()
}

// archEnterThread and archIdle are implemented in entry assembly.
func archEnterThread(c *PerCPU, process *proc.Process, thread *proc.Thread)

func archIdle(c *PerCPU)
