// Package sync provides the synchronization primitives available to kernel
// code: a spin-based exclusive lock and compare-and-swap helpers. The Go
// runtime scheduler is not available so blocking mutexes cannot be used.
package sync

import "sync/atomic"

// Spinlock implements a lock where each CPU trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the executing CPU. Any
// attempt to re-acquire a lock already held by this CPU will cause a
// deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		pauseFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other CPUs to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// pauseFn is overridable by tests; the kernel build always backs off with
// the architectural spin-loop hint.
var pauseFn = archPause

// archPause is an arch-specific spin back-off hint.
func archPause()
