// Package queue provides lock-free multi-producer single-consumer FIFOs:
// an unbounded linked MPSC and a bounded, preallocated Ring.
//
// Producers may run on any number of goroutines, including real-time
// audio threads: they never block and never take a lock. Ring producers
// do not allocate either. The consumer side must only be used by one
// goroutine at a time.
package queue

import (
	"sync/atomic"
)

type node[T any] struct {
	next  atomic.Pointer[node[T]]
	value T
}

// MPSC is an intrusive multi-producer single-consumer queue. The zero value
// is not usable; create queues with New.
type MPSC[T any] struct {
	head atomic.Pointer[node[T]] // producers swap here
	tail *node[T]                // consumer side, sentinel
	len  atomic.Int64
}

// New creates an empty queue.
func New[T any]() *MPSC[T] {
	q := &MPSC[T]{}
	stub := &node[T]{}
	q.head.Store(stub)
	q.tail = stub
	return q
}

// Push appends v. Safe for concurrent use.
func (q *MPSC[T]) Push(v T) {
	n := &node[T]{value: v}
	prev := q.head.Swap(n)
	// Between the swap and this store the list is briefly disconnected; the
	// consumer sees an empty queue until the link is published.
	prev.next.Store(n)
	q.len.Add(1)
}

// Pop removes the oldest element. It reports false when the queue is empty
// or the next element is still being linked by a producer.
func (q *MPSC[T]) Pop() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	v := next.value
	next.value = zero
	q.tail = next
	q.len.Add(-1)
	return v, true
}

// Len returns the number of pushed elements not yet popped. It may briefly
// lag behind Push and is safe to call from any goroutine.
func (q *MPSC[T]) Len() int {
	n := q.len.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Drain pops up to max elements and passes them to fn in FIFO order. A
// negative max drains until the queue appears empty. It returns the number
// of elements handed to fn.
func (q *MPSC[T]) Drain(max int, fn func(T)) int {
	count := 0
	for max < 0 || count < max {
		v, ok := q.Pop()
		if !ok {
			break
		}
		fn(v)
		count++
	}
	return count
}
