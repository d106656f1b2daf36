package queue

import (
	"sync/atomic"
)

type cell[T any] struct {
	seq   atomic.Uint64
	value T
}

// Ring is a bounded multi-producer single-consumer queue over a
// preallocated array. Producers fill slots in place, so neither side
// allocates once the ring exists.
type Ring[T any] struct {
	cells []cell[T]
	mask  uint64
	head  atomic.Uint64 // next producer ticket
	tail  uint64        // consumer position
	len   atomic.Int64
}

// NewRing creates a ring holding at least size elements. The capacity is
// rounded up to a power of two.
func NewRing[T any](size int) *Ring[T] {
	n := 1
	for n < size {
		n <<= 1
	}
	r := &Ring[T]{cells: make([]cell[T], n), mask: uint64(n - 1)}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Reserve claims a free slot for the caller to fill. The slot becomes
// visible to the consumer with Commit(ticket). Reserve reports false when
// the ring is full. Safe for concurrent use.
func (r *Ring[T]) Reserve() (*T, uint64, bool) {
	pos := r.head.Load()
	for {
		c := &r.cells[pos&r.mask]
		diff := int64(c.seq.Load() - pos)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				return &c.value, pos, true
			}
			pos = r.head.Load()
		case diff < 0:
			return nil, 0, false
		default:
			pos = r.head.Load()
		}
	}
}

// Commit publishes a slot obtained from Reserve.
func (r *Ring[T]) Commit(ticket uint64) {
	r.cells[ticket&r.mask].seq.Store(ticket + 1)
	r.len.Add(1)
}

// Peek returns the oldest committed slot without removing it. Only the
// consumer may call Peek and Release.
func (r *Ring[T]) Peek() (*T, bool) {
	c := &r.cells[r.tail&r.mask]
	if c.seq.Load() != r.tail+1 {
		return nil, false
	}
	return &c.value, true
}

// Release hands the slot returned by the last Peek back to producers. The
// consumer must not touch it afterwards.
func (r *Ring[T]) Release() {
	c := &r.cells[r.tail&r.mask]
	c.seq.Store(r.tail + uint64(len(r.cells)))
	r.tail++
	r.len.Add(-1)
}

// Len returns the number of committed slots not yet released.
func (r *Ring[T]) Len() int {
	n := r.len.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
