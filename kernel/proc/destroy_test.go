package proc

import (
	"testing"
	"unsafe"

	"github.com/yaram/operating-system-sub000/kernel"
	"github.com/yaram/operating-system-sub000/kernel/mem"
	"github.com/yaram/operating-system-sub000/kernel/mem/pmm"
	"github.com/yaram/operating-system-sub000/kernel/mem/vmm"
)

// fakePhysMem backs the destroy-path table walk with Go-allocated tables.
type fakePhysMem struct {
	tables map[pmm.Frame]*[512]uint64
	freed  []pmm.Frame
}

func installFakePhysMem(t *testing.T) (*fakePhysMem, func()) {
	t.Helper()

	m := &fakePhysMem{tables: make(map[pmm.Frame]*[512]uint64)}

	mapMemoryFn = func(physAddr uintptr, _ mem.Size) (uintptr, *kernel.Error) {
		table, ok := m.tables[pmm.FrameFromAddress(physAddr)]
		if !ok {
			t.Fatalf("table walk touched unknown frame %#x", physAddr)
		}
		return uintptr(unsafe.Pointer(&table[0])), nil
	}
	unmapMemoryFn = func(uintptr, mem.Size) {}
	freeFrameFn = func(frame pmm.Frame) {
		m.freed = append(m.freed, frame)
	}

	teardown := func() {
		mapMemoryFn = vmm.MapMemory
		unmapMemoryFn = vmm.UnmapMemory
		freeFrameFn = func(frame pmm.Frame) {
			pmm.FrameAllocator.FreeFrame(frame)
		}
	}

	return m, teardown
}

// addTable installs a fake table frame whose entries point at childFrames.
func (m *fakePhysMem) addTable(frame pmm.Frame, children map[int]pmm.Frame) {
	table := new([512]uint64)
	for index, child := range children {
		table[index] = uint64(child.Address()) | 1
	}

	m.tables[frame] = table
}

func TestDestroyReleasesEverything(t *testing.T) {
	m, teardown := installFakePhysMem(t)
	defer teardown()

	var released []struct {
		pagesStart vmm.Page
		pageCount  uint64
		free       bool
	}

	unmapPagesInFn = func(pagesStart vmm.Page, pageCount uint64, pml4Frame pmm.Frame, releaseFrames bool) *kernel.Error {
		released = append(released, struct {
			pagesStart vmm.Page
			pageCount  uint64
			free       bool
		}{pagesStart, pageCount, releaseFrames})
		return nil
	}
	defer func() {
		unmapPagesInFn = vmm.UnmapPagesIn
	}()

	// Table tree: root 100 -> PDPT 101 -> PD 102 -> PTs 103, 104.
	m.addTable(100, map[int]pmm.Frame{0: 101})
	m.addTable(101, map[int]pmm.Frame{0: 102})
	m.addTable(102, map[int]pmm.Frame{0: 103, 1: 104})
	m.addTable(103, nil)
	m.addTable(104, nil)

	process, it := Alloc()
	process.PML4Frame = 100
	process.RegisterMapping(0x1000, 4, false, true)
	process.RegisterMapping(0x2000, 2, true, false)
	process.Ready = true

	if err := Destroy(it); err != nil {
		t.Fatal(err)
	}

	// Owned mappings release their frames, non-owned ones do not.
	if len(released) != 2 {
		t.Fatalf("expected 2 unmapped regions; got %d", len(released))
	}

	if released[0].pagesStart != 0x1000 || !released[0].free {
		t.Fatalf("expected owned region to be unmapped with frame release; got %+v", released[0])
	}

	if released[1].pagesStart != 0x2000 || released[1].free {
		t.Fatalf("expected shared region to be unmapped without frame release; got %+v", released[1])
	}

	// Every table frame including the root is released exactly once.
	expFreed := map[pmm.Frame]bool{100: true, 101: true, 102: true, 103: true, 104: true}
	if len(m.freed) != len(expFreed) {
		t.Fatalf("expected %d freed table frames; got %d (%v)", len(expFreed), len(m.freed), m.freed)
	}

	for _, frame := range m.freed {
		if !expFreed[frame] {
			t.Fatalf("unexpected freed frame %d", frame)
		}
		delete(expFreed, frame)
	}

	// The slot is gone from the process table.
	if FindReady(process.ID) != nil {
		t.Fatal("expected destroyed process to be unobservable")
	}
}

func TestInitAddressSpace(t *testing.T) {
	defer func() {
		mapKernelSpaceIntoFn = vmm.MapKernelSpaceInto
		allocFrameFn = func(cursor *pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
			return pmm.FrameAllocator.AllocFrame(cursor)
		}
	}()

	allocFrameFn = func(*pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
		return 77, nil
	}

	var gotPML4, gotPerCPU pmm.Frame
	var gotPageCount uint64
	mapKernelSpaceIntoFn = func(pml4Frame, perCPUFrame pmm.Frame, perCPUPageCount uint64) *kernel.Error {
		gotPML4, gotPerCPU, gotPageCount = pml4Frame, perCPUFrame, perCPUPageCount
		return nil
	}

	process, _ := Alloc()

	if err := process.InitAddressSpace(500, 3); err != nil {
		t.Fatal(err)
	}

	if process.PML4Frame != 77 {
		t.Fatalf("expected root frame 77; got %d", process.PML4Frame)
	}

	if gotPML4 != 77 || gotPerCPU != 500 || gotPageCount != 3 {
		t.Fatalf("expected kernel mirror of (77, 500, 3); got (%d, %d, %d)", gotPML4, gotPerCPU, gotPageCount)
	}
}

func TestInitAddressSpaceAllocFailure(t *testing.T) {
	defer func() {
		allocFrameFn = func(cursor *pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
			return pmm.FrameAllocator.AllocFrame(cursor)
		}
	}()

	allocFrameFn = func(*pmm.AllocCursor) (pmm.Frame, *kernel.Error) {
		return pmm.InvalidFrame, pmm.ErrOutOfMemory
	}

	process, _ := Alloc()

	if err := process.InitAddressSpace(0, 0); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}
