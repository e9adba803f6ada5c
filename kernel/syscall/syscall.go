// Package syscall implements the kernel's system call surface. The numeric
// values of syscall numbers, result codes and parameter structures are ABI
// shared with user programs and must not change.
package syscall

import (
	"github.com/yaram/operating-system-sub000/kernel/irq"
	"github.com/yaram/operating-system-sub000/kernel/proc"
)

// Number identifies a system call. The number is passed in RBX, the first
// parameter in RDX and the second in RSI; results return in RBX and RDX.
type Number uint64

// The system call numbers.
const (
	NumExit Number = iota
	NumRelinquishTime
	NumDebugPrint
	NumMapFreeMemory
	NumMapFreeConsecutiveMemory
	NumCreateSharedMemory
	NumMapSharedMemory
	NumUnmapMemory
	NumCreateProcess
	NumDoesProcessExist
	NumFindPCIEDevice
	NumMapPCIEConfiguration
	NumMapPCIEBar
)

// MapSharedMemoryResult is the primary result of NumMapSharedMemory.
type MapSharedMemoryResult uint64

// MapSharedMemoryResult values.
const (
	MapSharedMemorySuccess MapSharedMemoryResult = iota
	MapSharedMemoryOutOfMemory
	MapSharedMemoryInvalidProcessID
	MapSharedMemoryInvalidMemoryRange
)

// CreateProcessResult is the primary result of NumCreateProcess.
type CreateProcessResult uint64

// CreateProcessResult values.
const (
	CreateProcessSuccess CreateProcessResult = iota
	CreateProcessOutOfMemory
	CreateProcessInvalidELF
	CreateProcessInvalidMemoryRange
)

// FindPCIEDeviceResult is the primary result of NumFindPCIEDevice.
type FindPCIEDeviceResult uint64

// FindPCIEDeviceResult values.
const (
	FindPCIEDeviceSuccess FindPCIEDeviceResult = iota
	FindPCIEDeviceNotFound
	FindPCIEDeviceOutOfMemory
	FindPCIEDeviceInvalidMemoryRange
)

// mapSharedMemoryParams is the user-supplied parameter block of
// NumMapSharedMemory.
type mapSharedMemoryParams struct {
	ProcessID uint64
	Address   uint64
	Size      uint64
}

// createProcessParams is the user-supplied parameter block of
// NumCreateProcess.
type createProcessParams struct {
	ELFBinary     uint64
	ELFBinarySize uint64
	Data          uint64
	DataSize      uint64
}

// findPCIEDeviceParams is the user-supplied parameter block of
// NumFindPCIEDevice. Each criterion participates only when its Require flag
// is set; Index selects among multiple matches.
type findPCIEDeviceParams struct {
	VendorID uint16
	DeviceID uint16

	ClassCode uint8
	Subclass  uint8
	Interface uint8

	RequireVendorID  bool
	RequireDeviceID  bool
	RequireClassCode bool
	RequireSubclass  bool
	RequireInterface bool

	Index uint64
}

// Install wires the dispatcher into the fast-syscall entry path.
func Install() {
	irq.SetSyscallHandler(entry)
}

// entry runs on the raw syscall entry; the dispatcher itself executes with
// the kernel address space active.
func entry(frame *proc.Frame) {
	irq.ContinueInKernel(frame, dispatch)
}
