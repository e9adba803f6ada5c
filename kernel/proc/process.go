// Package proc owns the kernel's process and thread model: identity,
// address space roots, memory mapping descriptors and thread register
// state. Everything lives in bucket arrays so any CPU can create, iterate
// and destroy entries without a lock.
package proc

import (
	"sync/atomic"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/collection"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

// ErrNoProcessSlot is returned when the process table cannot grow.
var ErrNoProcessSlot = &kernel.Error{Module: "proc", Message: "unable to reserve a process slot"}

// Mapping describes one logical memory region of a process.
type Mapping struct {
	// PagesStart is the first virtual page of the region.
	PagesStart vmm.Page

	// PageCount is the region length in pages.
	PageCount uint64

	// IsShared marks regions other processes may import via shared-memory
	// syscalls.
	IsShared bool

	// IsOwned controls whether unmapping the region releases its backing
	// frames to the frame allocator.
	IsOwned bool
}

// Covers returns true if the supplied page range lies fully inside the
// mapping.
func (m *Mapping) Covers(pagesStart vmm.Page, pageCount uint64) bool {
	return pagesStart >= m.PagesStart &&
		uint64(pagesStart)+pageCount <= uint64(m.PagesStart)+m.PageCount
}

// debugSectionNameLen bounds the stored section name.
const debugSectionNameLen = 60

// DebugSection records where an executable section was loaded so fault
// diagnostics can name the code a faulting instruction pointer belongs to.
type DebugSection struct {
	MemoryStart uintptr
	Size        uint64

	nameBuffer [debugSectionNameLen]byte
	nameLength int
}

// SetName stores the section name, truncating it to the buffer size.
func (s *DebugSection) SetName(name string) {
	s.nameLength = copy(s.nameBuffer[:], name)
}

// Name returns the recorded section name.
func (s *DebugSection) Name() string {
	return string(s.nameBuffer[:s.nameLength])
}

// Contains returns true if addr falls inside the section.
func (s *DebugSection) Contains(addr uintptr) bool {
	return addr >= s.MemoryStart && addr < s.MemoryStart+uintptr(s.Size)
}

// Thread carries the register snapshot and scheduling state of one thread.
type Thread struct {
	Frame Frame

	// Ready marks the thread runnable.
	Ready bool

	// resident is set while some CPU executes this thread.
	resident uint32

	// LastCPU records the CPU that most recently made the thread resident.
	LastCPU uint8
}

// MakeResident attempts to claim the thread for the executing CPU. Exactly
// one CPU can win this race.
func (t *Thread) MakeResident() bool {
	return atomic.CompareAndSwapUint32(&t.resident, 0, 1)
}

// ClearResident releases a claimed thread.
func (t *Thread) ClearResident() {
	atomic.StoreUint32(&t.resident, 0)
}

// IsResident returns true while some CPU executes the thread.
func (t *Thread) IsResident() bool {
	return atomic.LoadUint32(&t.resident) != 0
}

// Process owns an address space and at least one thread.
type Process struct {
	// PML4Frame identifies the root page table of the address space.
	PML4Frame pmm.Frame

	// ID is unique across the kernel's lifetime.
	ID uint64

	Mappings      collection.Array[Mapping]
	DebugSections collection.Array[DebugSection]
	Threads       collection.Array[Thread]

	// Ready flips once construction finishes; a process mid-construction
	// is not observable through lookups.
	Ready bool
}

// Processes is the global process table.
var Processes collection.Array[Process]

var nextProcessID uint64

// Iterator aliases the bucket-array iterator over processes; it is the
// currency the scheduler cursor and destruction use.
type Iterator = collection.Iterator[Process]

// ThreadIterator aliases the bucket-array iterator over a process's
// threads.
type ThreadIterator = collection.Iterator[Thread]

// Alloc reserves a process slot and assigns the next process id. The root
// table is marked invalid until InitAddressSpace installs one.
func Alloc() (*Process, Iterator) {
	process, it := Processes.Acquire()
	process.ID = atomic.AddUint64(&nextProcessID, 1) - 1
	process.PML4Frame = pmm.InvalidFrame

	return process, it
}

// FindReady returns the ready process with the given id or nil.
func FindReady(id uint64) *Process {
	for it := Processes.First(); it.Valid(); it.Next() {
		if process := it.Item(); process.ID == id && process.Ready {
			return process
		}
	}

	return nil
}

// RegisterMapping records a logical memory region on the process.
func (p *Process) RegisterMapping(pagesStart vmm.Page, pageCount uint64, isShared, isOwned bool) {
	mapping, _ := p.Mappings.Acquire()
	*mapping = Mapping{
		PagesStart: pagesStart,
		PageCount:  pageCount,
		IsShared:   isShared,
		IsOwned:    isOwned,
	}
}

// MappingIterator aliases the bucket-array iterator over a process's
// mappings.
type MappingIterator = collection.Iterator[Mapping]

// RemoveMapping drops a mapping from the process's list.
func (p *Process) RemoveMapping(it MappingIterator) {
	collection.Remove(it)
}

// MappingCovering returns the mapping that fully contains the supplied page
// range, or nil.
func (p *Process) MappingCovering(pagesStart vmm.Page, pageCount uint64) *Mapping {
	for it := p.Mappings.First(); it.Valid(); it.Next() {
		if mapping := it.Item(); mapping.Covers(pagesStart, pageCount) {
			return mapping
		}
	}

	return nil
}

// RegisterDebugSection records an executable section for fault diagnostics.
func (p *Process) RegisterDebugSection(memoryStart uintptr, size uint64, name string) {
	section, _ := p.DebugSections.Acquire()
	section.MemoryStart = memoryStart
	section.Size = size
	section.SetName(name)
}

// DebugSectionFor returns the executable section containing addr, or nil.
func (p *Process) DebugSectionFor(addr uintptr) *DebugSection {
	for it := p.DebugSections.First(); it.Valid(); it.Next() {
		if section := it.Item(); section.Contains(addr) {
			return section
		}
	}

	return nil
}

// AllocThread reserves a thread slot on the process.
func (p *Process) AllocThread() (*Thread, collection.Iterator[Thread]) {
	return p.Threads.Acquire()
}
