package irq

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
	"github.com/yaram/operating-system-sub000/kernel/proc"
	"github.com/yaram/operating-system-sub000/kernel/sched"
)

var (
	activePML4Fn = cpu.ActivePML4

	// transitionFn is the assembly half of the address-space switch; tests
	// replace it to observe the parameters.
	transitionFn = archContinueInKernel
)

// ContinueInKernel invokes fn with the kernel address space active. It is
// the entry point other packages (the syscall dispatcher) use to suspend
// into kernel space.
func ContinueInKernel(frame *proc.Frame, fn func(*proc.Frame)) {
	continueInKernel(frame, fn)
}

// continueInKernel invokes fn with the kernel address space active.
//
// When the caller already runs on the kernel root table this is a plain
// call. Otherwise the executing stack lies inside the per-CPU area, which
// is mapped at a different virtual address in the kernel space, so the
// switch must atomically rewrite RSP by the distance between the two
// aliases while swapping CR3 and the GDT. That dance — and its exact
// reversal once fn returns — lives in archContinueInKernel.
func continueInKernel(frame *proc.Frame, fn func(*proc.Frame)) {
	if activePML4Fn() == vmm.KernelPML4Address() {
		fn(frame)
		return
	}

	c := currentCPUFn()

	transitionFn(
		uintptr(unsafe.Pointer(frame)),
		c,
		c.StackDelta(),
		vmm.KernelPML4Address(),
		transitionTarget(fn),
	)
}

// transitionTarget extracts the code address of a continuation so the
// assembly half can call it after the stack rewrite.
func transitionTarget(fn func(*proc.Frame)) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// archContinueInKernel switches the executing stack from the user alias of
// the per-CPU area to its kernel address, loads the kernel GDT and CR3,
// calls the continuation with the relocated frame pointer and then reverses
// the entire transition. Interrupts are disabled around both stack
// rewrites. Implemented in entry assembly.
func archContinueInKernel(frameAddr uintptr, c *sched.PerCPU, stackDelta uintptr, kernelPML4 uintptr, target uintptr)
