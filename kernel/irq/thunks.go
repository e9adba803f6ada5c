package irq

import (
	"github.com/yaram/operating-system-sub000/kernel/cpu"
	"github.com/yaram/operating-system-sub000/kernel/proc"
	"github.com/yaram/operating-system-sub000/kernel/sched"
)

// The entry thunks are implemented in entry_amd64.s. Each one captures the
// full register state into a proc.Frame on the interrupt stack and calls
// the matching Go entry point below.
func exceptionThunk0()
func exceptionThunk1()
func exceptionThunk2()
func exceptionThunk3()
func exceptionThunk4()
func exceptionThunk5()
func exceptionThunk6()
func exceptionThunk7()
func exceptionThunk8()
func exceptionThunk10()
func exceptionThunk11()
func exceptionThunk12()
func exceptionThunk13()
func exceptionThunk14()
func exceptionThunk15()
func exceptionThunk16()
func exceptionThunk17()
func exceptionThunk18()
func exceptionThunk19()
func exceptionThunk20()
func exceptionThunk30()

func preemptTimerThunk()
func kernelTablesUpdateThunk()
func legacyPICThunk()
func spuriousThunk()
func syscallThunk()

// exceptionThunks maps vectors to their entry thunks.
var exceptionThunks = [idtLength]func(){
	0:  exceptionThunk0,
	1:  exceptionThunk1,
	2:  exceptionThunk2,
	3:  exceptionThunk3,
	4:  exceptionThunk4,
	5:  exceptionThunk5,
	6:  exceptionThunk6,
	7:  exceptionThunk7,
	8:  exceptionThunk8,
	10: exceptionThunk10,
	11: exceptionThunk11,
	12: exceptionThunk12,
	13: exceptionThunk13,
	14: exceptionThunk14,
	15: exceptionThunk15,
	16: exceptionThunk16,
	17: exceptionThunk17,
	18: exceptionThunk18,
	19: exceptionThunk19,
	20: exceptionThunk20,
	30: exceptionThunk30,
}

// syscallHandlerFn dispatches syscalls; the syscall package installs it
// during boot to keep the dependency direction one-way.
var syscallHandlerFn func(*proc.Frame)

// SetSyscallHandler installs the syscall dispatcher.
func SetSyscallHandler(fn func(*proc.Frame)) {
	syscallHandlerFn = fn
}

// InstallSyscall programs the fast-syscall MSRs on the calling CPU: the
// SCE bit, the entry point, the STAR segment bases and a full RFLAGS mask.
// SYSRET derives its ring-3 selectors by adding 16 to the STAR upper base,
// which is why the kernel data selector is programmed there.
func InstallSyscall() {
	writeMSRFn(cpu.IA32EFER, readMSRFn(cpu.IA32EFER)|1)
	writeMSRFn(cpu.IA32FMask, 0xffffffff)
	writeMSRFn(cpu.IA32LStar, uint64(funcAddr(syscallThunk)))
	writeMSRFn(cpu.IA32Star, uint64(sched.SelectorKernelData)<<48|uint64(sched.SelectorKernelCode)<<32)
}

var (
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR
)

// The Go entry points called from the assembly thunks.

func exceptionEntry(vector uint64, frame *proc.Frame) {
	exceptionDispatch(vector, frame)
}

func preemptTimerEntry(frame *proc.Frame) {
	preemptTimerDispatch(frame)
}

func kernelTablesUpdateEntry(frame *proc.Frame) {
	kernelTablesUpdateDispatch(frame)
}

func spuriousEntry(frame *proc.Frame) {
	spuriousDispatch(frame)
}

func syscallEntry(frame *proc.Frame) {
	syscallHandlerFn(frame)
}
