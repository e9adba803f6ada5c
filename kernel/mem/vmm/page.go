package vmm

import (
	"github.com/yaram/operating-system-sub000/kernel/mem"
)

// Page describes a virtual memory page number.
type Page uintptr

// Address returns a canonical pointer to the virtual memory address pointed
// to by this page.
func (p Page) Address() uintptr {
	return makeCanonical(uintptr(p) << mem.PageShift)
}

// PageFromAddress returns the page that corresponds to the given virtual
// address.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ((1 << 48) - 1)) >> mem.PageShift)
}

// PagePermissions selects the access rights applied to a user mapping.
// The zero value maps pages read-only and non-executable.
type PagePermissions uint8

const (
	// PermWrite maps pages writable.
	PermWrite = PagePermissions(1 << 0)

	// PermExecute maps pages executable.
	PermExecute = PagePermissions(1 << 1)
)
