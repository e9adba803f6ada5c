package sched

import (
	"testing"
	"unsafe"

	"github.com/yaram/operating-system-sub000/device/apic"
	"github.com/yaram/operating-system-sub000/kernel/collection"
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

// makeProcess allocates a ready process with threadCount ready threads and
// returns a cleanup that removes it from the process table.
func makeProcess(t *testing.T, threadCount int) (*proc.Process, proc.Iterator, func()) {
	t.Helper()

	process, it := proc.Alloc()
	for i := 0; i < threadCount; i++ {
		thread, _ := process.AllocThread()
		thread.Ready = true
	}
	process.Ready = true

	return process, it, func() {
		collection.Remove(it)
	}
}

func freshCPU() *PerCPU {
	c := new(PerCPU)
	c.APICRegs = new(apic.Registers)
	return c
}

func TestSelectNextRoundRobin(t *testing.T) {
	pA, _, cleanupA := makeProcess(t, 1)
	defer cleanupA()
	pB, _, cleanupB := makeProcess(t, 1)
	defer cleanupB()

	c := freshCPU()

	var order []uint64
	for i := 0; i < 4; i++ {
		if !selectNext(c) {
			t.Fatalf("[round %d] expected a thread to be selected", i)
		}

		order = append(order, c.ProcessIt.Item().ID)

		// Release the claim so the next round can pick the thread again.
		c.ThreadIt.Item().ClearResident()
	}

	// Strict forward iteration with wraparound: A, B, A, B.
	exp := []uint64{pA.ID, pB.ID, pA.ID, pB.ID}
	for i := range exp {
		if order[i] != exp[i] {
			t.Fatalf("expected selection order %v; got %v", exp, order)
		}
	}
}

func TestSelectNextAdvancesWithinProcess(t *testing.T) {
	process, _, cleanup := makeProcess(t, 3)
	defer cleanup()

	c := freshCPU()

	seen := make(map[*proc.Thread]bool)
	for i := 0; i < 3; i++ {
		if !selectNext(c) {
			t.Fatalf("[round %d] expected a thread", i)
		}

		if c.ProcessIt.Item() != process {
			t.Fatal("expected all selections from the same process")
		}

		thread := c.ThreadIt.Item()
		if seen[thread] {
			t.Fatal("expected each thread to be visited once before wrapping")
		}
		seen[thread] = true

		thread.ClearResident()
	}
}

func TestSelectNextSkipsResidentThreads(t *testing.T) {
	process, _, cleanup := makeProcess(t, 2)
	defer cleanup()

	// Another CPU holds the first thread.
	first := process.Threads.First().Item()
	if !first.MakeResident() {
		t.Fatal("setup: claim failed")
	}

	c := freshCPU()

	if !selectNext(c) {
		t.Fatal("expected the second thread to be selected")
	}

	if c.ThreadIt.Item() == first {
		t.Fatal("expected the resident thread to be skipped")
	}
}

func TestSelectNextSkipsNotReady(t *testing.T) {
	process, _, cleanup := makeProcess(t, 1)
	defer cleanup()
	process.Ready = false

	c := freshCPU()

	if selectNext(c) {
		t.Fatal("expected no selection from a non-ready process")
	}
}

func TestEnterNextIdlesWhenNothingReady(t *testing.T) {
	defer func() {
		disableInterruptsFn = cpu.DisableInterrupts
		idleFn = archIdle
		enterThreadFn = archEnterThread
	}()

	c := freshCPU()
	c.InSyscallOrUserException = true
	c.PreemptDeferred = true

	disableInterruptsFn = func() {}

	idled := false
	idleFn = func(got *PerCPU) {
		idled = true
	}
	enterThreadFn = func(*PerCPU, *proc.Process, *proc.Thread) {
		t.Fatal("unexpected thread entry with an empty process table")
	}

	EnterNext(c)

	if !idled {
		t.Fatal("expected the CPU to take the idle path")
	}

	// The idle path resets the deferred-preempt protocol flags and re-arms
	// the timer.
	if c.InSyscallOrUserException || c.PreemptDeferred {
		t.Fatal("expected protocol flags to be reset on the idle path")
	}

	if c.APICRegs.TimerInitialCount.Value != Quantum {
		t.Fatal("expected the timer to be re-armed on the idle path")
	}
}

func TestEnterNextRunsSelectedThread(t *testing.T) {
	defer func() {
		disableInterruptsFn = cpu.DisableInterrupts
		idleFn = archIdle
		enterThreadFn = archEnterThread
	}()

	process, _, cleanup := makeProcess(t, 1)
	defer cleanup()

	c := freshCPU()
	c.ID = 3

	disableInterruptsFn = func() {}

	var entered *proc.Thread
	enterThreadFn = func(_ *PerCPU, p *proc.Process, thread *proc.Thread) {
		if p != process {
			t.Fatal("expected entry into the ready process")
		}
		entered = thread
	}
	idleFn = func(*PerCPU) {
		t.Fatal("unexpected idle with a ready thread")
	}

	EnterNext(c)

	if entered == nil {
		t.Fatal("expected a thread to be entered")
	}

	if !entered.IsResident() {
		t.Fatal("expected the entered thread to be resident")
	}

	if entered.LastCPU != 3 {
		t.Fatalf("expected LastCPU to record the executing CPU; got %d", entered.LastCPU)
	}

	if c.APICRegs.TimerInitialCount.Value != Quantum {
		t.Fatal("expected the timer to be re-armed before entry")
	}
}

func TestVacate(t *testing.T) {
	_, _, cleanup := makeProcess(t, 1)
	defer cleanup()

	c := freshCPU()
	if !selectNext(c) {
		t.Fatal("expected a thread")
	}

	thread := c.ThreadIt.Item()

	var frame proc.Frame
	frame.RAX = 0x1234

	Vacate(c, &frame)

	if thread.IsResident() {
		t.Fatal("expected the vacated thread to drop residency")
	}

	if thread.Frame.RAX != 0x1234 {
		t.Fatal("expected the vacated thread to capture the frame")
	}
}

func TestPerCPULayout(t *testing.T) {
	var c PerCPU

	if off := unsafe.Offsetof(c.UserAddress); off != 0 {
		t.Fatalf("expected UserAddress at offset 0; got %d", off)
	}

	if off := unsafe.Offsetof(c.Stack); off != 16 {
		t.Fatalf("expected Stack at offset 16; got %d", off)
	}

	if off := unsafe.Offsetof(c.GDT); off != 16+StackSize {
		t.Fatalf("expected GDT at offset %d; got %d", 16+StackSize, off)
	}
}

func TestInitArea(t *testing.T) {
	defer func() {
		loadGDTFn = cpu.LoadGDT
		loadTaskRegisterFn = cpu.LoadTaskRegister
		writeMSRFn = cpu.WriteMSR
	}()

	var (
		gdtLoaded  bool
		trSelector uint16
		msr        cpu.MSR
		msrValue   uint64
	)

	loadGDTFn = func(uintptr) { gdtLoaded = true }
	loadTaskRegisterFn = func(selector uint16) { trSelector = selector }
	writeMSRFn = func(m cpu.MSR, v uint64) { msr, msrValue = m, v }

	block := make([]PerCPU, 2)
	SetAreas(block, 0x100)

	regs := new(apic.Registers)
	c := &block[1]
	c.InitArea(1, regs)

	if c.UserAddress != UserAreaAddress(1) {
		t.Fatalf("expected user alias %#x; got %#x", UserAreaAddress(1), c.UserAddress)
	}

	// RSP0 points at the top of the user-alias stack.
	expRSP0 := uint64(c.UserAddress) + 16 + StackSize
	if got := c.TSS.RSP0(); got != expRSP0 {
		t.Fatalf("expected RSP0 %#x; got %#x", expRSP0, got)
	}

	// Ring-0 and ring-3 segments plus the TSS pair.
	if c.GDT[0] != 0 || c.GDT[1] == 0 || c.GDT[4] == 0 || c.GDT[5] == 0 {
		t.Fatal("expected the GDT slots to be populated")
	}

	if c.GDT[1]&(1<<43) == 0 {
		t.Fatal("expected slot 1 to be a code segment")
	}

	if c.GDT[4]>>45&3 != 3 {
		t.Fatal("expected slot 4 to be ring-3")
	}

	if !gdtLoaded || trSelector != SelectorTSS {
		t.Fatal("expected the GDT and task register to be loaded")
	}

	if msr != cpu.IA32KernelGSBase || msrValue != uint64(c.UserAddress) {
		t.Fatal("expected the kernel GS base to hold the user alias")
	}

	if c.APICRegs != regs {
		t.Fatal("expected the APIC register block to be recorded")
	}
}

func TestSelectorValues(t *testing.T) {
	// The numeric selector values are ABI: user code must match the
	// selectors the loader plants in new thread frames.
	if uint64(SelectorUserCode) != proc.UserCodeSelector {
		t.Fatalf("user code selector mismatch: %#x vs %#x", SelectorUserCode, proc.UserCodeSelector)
	}

	if uint64(SelectorUserData) != proc.UserDataSelector {
		t.Fatalf("user data selector mismatch: %#x vs %#x", SelectorUserData, proc.UserDataSelector)
	}

	if uint64(SelectorKernelCode) != proc.KernelCodeSelector {
		t.Fatalf("kernel code selector mismatch: %#x vs %#x", SelectorKernelCode, proc.KernelCodeSelector)
	}
}
