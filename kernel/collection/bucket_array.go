// Package collection provides the bucket array, the kernel's core container
// for processes, threads and memory mappings. A bucket array is a linked
// list of fixed-size buckets whose slots are claimed lock-free, never move
// in memory, and can be iterated while other CPUs add and remove entries.
package collection

import (
	"sync/atomic"
)

// EntriesPerBucket defines the number of slots in each bucket.
const EntriesPerBucket = 8

// Bucket holds a fixed group of slots. Each slot carries two flags:
// unavailable is set atomically to reserve the slot and occupied is set once
// the entry behind it has been initialized. Iteration only visits occupied
// slots, so a half-constructed entry is never observable.
type Bucket[T any] struct {
	entries [EntriesPerBucket]T

	unavailable [EntriesPerBucket]uint32
	occupied    [EntriesPerBucket]uint32

	next atomic.Pointer[Bucket[T]]
}

// Array is a chain of buckets rooted at an embedded first bucket.
type Array[T any] struct {
	first Bucket[T]
}

// Iterator addresses a single slot. The zero value is an exhausted iterator.
type Iterator[T any] struct {
	bucket *Bucket[T]
	index  int
}

// Valid returns true while the iterator addresses a slot.
func (it Iterator[T]) Valid() bool {
	return it.bucket != nil
}

// Item returns the entry the iterator addresses.
func (it Iterator[T]) Item() *T {
	return &it.bucket.entries[it.index]
}

// Next advances the iterator to the next occupied slot, leaving it invalid
// when the chain is exhausted.
func (it *Iterator[T]) Next() {
	if it.bucket == nil {
		return
	}

	for {
		if it.index == EntriesPerBucket-1 {
			it.bucket = it.bucket.next.Load()
			it.index = 0

			if it.bucket == nil {
				return
			}
		} else {
			it.index++
		}

		if atomic.LoadUint32(&it.bucket.occupied[it.index]) != 0 {
			return
		}
	}
}

// First returns an iterator addressing the first occupied slot of the array.
func (arr *Array[T]) First() Iterator[T] {
	it := Iterator[T]{bucket: &arr.first}

	if atomic.LoadUint32(&it.bucket.occupied[it.index]) != 0 {
		return it
	}

	it.Next()
	return it
}

// Acquire claims a free slot, zeroes its entry, marks it occupied and
// returns it together with an iterator addressing it. When every slot of
// every bucket is taken a new bucket is appended to the chain with a
// compare-and-swap on the tail pointer.
func (arr *Array[T]) Acquire() (*T, Iterator[T]) {
	for {
		it := arr.findAvailableSlot()

		if it.bucket == nil {
			newBucket := new(Bucket[T])

			for {
				tail := &arr.first
				for next := tail.next.Load(); next != nil; next = tail.next.Load() {
					tail = next
				}

				if tail.next.CompareAndSwap(nil, newBucket) {
					break
				}
			}

			it = Iterator[T]{bucket: newBucket}
		}

		if !atomic.CompareAndSwapUint32(&it.bucket.unavailable[it.index], 0, 1) {
			continue
		}

		var zero T
		it.bucket.entries[it.index] = zero

		atomic.StoreUint32(&it.bucket.occupied[it.index], 1)

		return &it.bucket.entries[it.index], it
	}
}

// findAvailableSlot locates the first slot whose unavailable flag is clear,
// returning an invalid iterator when the chain is full.
func (arr *Array[T]) findAvailableSlot() Iterator[T] {
	it := Iterator[T]{bucket: &arr.first}

	for {
		if atomic.LoadUint32(&it.bucket.unavailable[it.index]) == 0 {
			return it
		}

		if it.index == EntriesPerBucket-1 {
			it.bucket = it.bucket.next.Load()
			it.index = 0

			if it.bucket == nil {
				return it
			}
		} else {
			it.index++
		}
	}
}

// Remove releases the slot the iterator addresses. The occupied flag drops
// first so concurrent iteration stops observing the entry before the slot
// becomes claimable again.
func Remove[T any](it Iterator[T]) {
	atomic.StoreUint32(&it.bucket.occupied[it.index], 0)
	atomic.StoreUint32(&it.bucket.unavailable[it.index], 0)
}
