package vmm

import (
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel/mem"
)

var (
	// tablePtrFn returns a table pointer for the supplied virtual address.
	// It is used by tests to redirect table accesses at fake page tables;
	// the kernel build inlines the raw pointer conversion.
	tablePtrFn = func(tableAddr uintptr) *pageTable {
		return (*pageTable)(unsafe.Pointer(tableAddr))
	}
)

// splitPageIndex decomposes an absolute page number into the four table
// indices that locate its leaf entry.
func splitPageIndex(page Page) (pml4Index, pdptIndex, pdIndex, ptIndex uintptr) {
	ptIndex = uintptr(page) % tableEntryCount
	pdIndex = (uintptr(page) / tableEntryCount) % tableEntryCount
	pdptIndex = (uintptr(page) / (tableEntryCount * tableEntryCount)) % tableEntryCount
	pml4Index = (uintptr(page) / (tableEntryCount * tableEntryCount * tableEntryCount)) % tableEntryCount
	return
}

// The addresses synthesized below exploit the recursive slot: prefixing a
// lookup with N copies of recursiveIndex strips N levels of indirection, so
// the tables of the active address space appear at fixed virtual locations
// without any extra mappings.

// activePML4Addr returns the virtual address of the active PML4.
func activePML4Addr() uintptr {
	return makeCanonical(
		recursiveIndex<<39 | recursiveIndex<<30 | recursiveIndex<<21 | recursiveIndex<<mem.PageShift,
	)
}

// activePDPTAddr returns the virtual address of the PDPT reached through the
// given PML4 slot of the active address space.
func activePDPTAddr(pml4Index uintptr) uintptr {
	return makeCanonical(
		recursiveIndex<<39 | recursiveIndex<<30 | recursiveIndex<<21 | pml4Index<<mem.PageShift,
	)
}

// activePDAddr returns the virtual address of the PD reached through the
// given PML4 and PDPT slots of the active address space.
func activePDAddr(pml4Index, pdptIndex uintptr) uintptr {
	return makeCanonical(
		recursiveIndex<<39 | recursiveIndex<<30 | pml4Index<<21 | pdptIndex<<mem.PageShift,
	)
}

// activePTAddr returns the virtual address of the page table reached through
// the given PML4, PDPT and PD slots of the active address space.
func activePTAddr(pml4Index, pdptIndex, pdIndex uintptr) uintptr {
	return makeCanonical(
		recursiveIndex<<39 | pml4Index<<30 | pdptIndex<<21 | pdIndex<<mem.PageShift,
	)
}

// activePML4 returns the PML4 of the active address space.
func activePML4() *pageTable {
	return tablePtrFn(activePML4Addr())
}

// activePDPT returns the PDPT reached through the given PML4 slot of the
// active address space.
func activePDPT(pml4Index uintptr) *pageTable {
	return tablePtrFn(activePDPTAddr(pml4Index))
}

// activePD returns the PD reached through the given PML4 and PDPT slots of
// the active address space.
func activePD(pml4Index, pdptIndex uintptr) *pageTable {
	return tablePtrFn(activePDAddr(pml4Index, pdptIndex))
}

// activePT returns the page table reached through the given PML4, PDPT and
// PD slots of the active address space.
func activePT(pml4Index, pdptIndex, pdIndex uintptr) *pageTable {
	return tablePtrFn(activePTAddr(pml4Index, pdptIndex, pdIndex))
}

// tableAtPage returns the table stored in a kernel-mapped page.
func tableAtPage(page Page) *pageTable {
	return tablePtrFn(page.Address())
}
