//go:build amd64

package vmm

const (
	// pageLevels defines the number of page table levels for this
	// architecture (PML4, PDPT, PD and PT from top to bottom).
	pageLevels = 4

	// tableEntryCount defines the number of entries in a page table at any
	// level.
	tableEntryCount = 512

	// recursiveIndex is the PML4 slot that points back at the PML4 itself.
	// Through this slot the tables of the active address space become
	// addressable at fixed virtual locations without any extra mappings.
	recursiveIndex = uintptr(tableEntryCount - 1)

	// canonicalShift is the amount the 48 implemented address bits must be
	// shifted left and (arithmetically) right to sign-extend an address
	// into canonical form.
	canonicalShift = 64 - 48

	// KernelPagesStart and KernelPagesEnd delimit the virtual page range
	// occupied by the kernel image and its statically allocated tables.
	// The region is identity-mapped and mirrored (user-inaccessible) into
	// every process address space.
	KernelPagesStart = Page(0)
	KernelPagesEnd   = Page(0x800000 >> 12)

	// UserPerCPUPagesStart is the virtual page where the per-CPU area
	// block is mapped in every process address space. Keeping this at a
	// single well-known location lets the syscall and interrupt entry
	// paths locate CPU state before the kernel address space is active.
	UserPerCPUPagesStart = KernelPagesEnd

	// lastCanonicalLowerPage is the last virtual page of the canonical
	// lower half.
	lastCanonicalLowerPage = Page(1<<(48-12-1)) - 1
)

// makeCanonical sign-extends bit 47 of an address into the 16 architecturally
// unused upper bits.
func makeCanonical(addr uintptr) uintptr {
	return uintptr(int64(addr<<canonicalShift) >> canonicalShift)
}
