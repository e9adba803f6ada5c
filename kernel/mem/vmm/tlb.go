package vmm

import (
	"sync/atomic"

	"github.com/yaram/operating-system-sub000/kernel/cpu"
	ksync "github.com/yaram/operating-system-sub000/kernel/sync"
)

var (
	// shootdownLock serializes kernel table update broadcasts; the shared
	// progress words below belong to exactly one originator at a time.
	shootdownLock ksync.Spinlock

	shootdownPagesStart Page
	shootdownPageCount  uint64
	shootdownProgress   uint64

	// processorCount is the number of CPUs participating in shootdowns.
	processorCount uint32 = 1

	// allProcessorsInitialized flips to true once the secondary CPUs run
	// and must therefore observe kernel table changes.
	allProcessorsInitialized uint32

	memoryFenceFn = cpu.MemoryFence
	shootdownPause = cpu.Pause

	// sendShootdownIPIFn delivers the update vector to every CPU except
	// the originator. It is wired up by the interrupt layer during boot.
	sendShootdownIPIFn = func() {}
)

// SetProcessorCount records the number of CPUs that acknowledge kernel table
// updates.
func SetProcessorCount(count uint32) {
	processorCount = count
}

// SetAllProcessorsInitialized marks the point after which kernel table
// changes must be broadcast to the other CPUs.
func SetAllProcessorsInitialized() {
	atomic.StoreUint32(&allProcessorsInitialized, 1)
}

// SetShootdownIPISender installs the function that delivers the kernel table
// update vector to all other CPUs.
func SetShootdownIPISender(send func()) {
	sendShootdownIPIFn = send
}

// announceKernelTableChange broadcasts a newly installed kernel table page
// to the other CPUs once they are up.
func announceKernelTableChange(page Page) {
	if atomic.LoadUint32(&allProcessorsInitialized) == 0 {
		return
	}

	SendKernelTablesUpdate(page, 1)
}

// SendKernelTablesUpdate makes a kernel page table change visible on every
// CPU. The originator publishes the affected range, fences so the writes are
// globally visible, delivers the update IPI to all other CPUs and then waits
// until each of them has acknowledged by bumping the progress counter. A
// partial shootdown is never accepted.
func SendKernelTablesUpdate(pagesStart Page, pageCount uint64) {
	shootdownLock.Acquire()

	shootdownPagesStart = pagesStart
	shootdownPageCount = pageCount
	atomic.StoreUint64(&shootdownProgress, 0)

	memoryFenceFn()

	sendShootdownIPIFn()

	for atomic.LoadUint64(&shootdownProgress) != uint64(processorCount-1) {
		shootdownPause()
	}

	shootdownLock.Release()
}

// HandleKernelTablesUpdate runs on every CPU that receives the update
// vector. The published range only needs flushing when the kernel address
// space is active; a CPU running user code reloads CR3 on its next kernel
// entry anyway.
func HandleKernelTablesUpdate(kernelSpaceActive bool) {
	if kernelSpaceActive {
		for relPage := uint64(0); relPage < shootdownPageCount; relPage++ {
			flushTLBEntryFn((shootdownPagesStart + Page(relPage)).Address())
		}
	}

	atomic.AddUint64(&shootdownProgress, 1)
}
