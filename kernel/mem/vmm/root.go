package vmm

import "github.com/yaram/operating-system-sub000/kernel/mem/pmm"

// kernelPML4Frame is the root table of the kernel address space, recorded at
// boot. Entry paths compare CR3 against it to decide whether an address
// space transition is needed.
var kernelPML4Frame pmm.Frame

// SetKernelPML4 records the kernel root table frame.
func SetKernelPML4(frame pmm.Frame) {
	kernelPML4Frame = frame
}

// KernelPML4Address returns the physical address of the kernel root table.
func KernelPML4Address() uintptr {
	return kernelPML4Frame.Address()
}
