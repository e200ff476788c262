// Package queueing provides the FIFO queues that connect pipeline stages.
package queueing

import (
	"context"
	"errors"
	"sync"

	"github.com/printhost/dcs/hooking"
)

// HookPosQueuePush marks when an element is pushed into the queue.
var HookPosQueuePush = &hooking.HookPos{Name: "Queue Push"}

// HookPosQueuePop marks when an element is popped from the queue.
var HookPosQueuePop = &hooking.HookPos{Name: "Queue Pop"}

// ErrClosed is returned when writing to, or reading from an empty, closed
// queue.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO with many writers and one reader. A bounded queue makes
// writers wait while it is full.
type Queue[T any] struct {
	hooking.HookableBase

	name     string
	capacity int

	mu       sync.Mutex
	elements []T
	closed   bool
	changed  chan struct{}
}

// Builder is a builder for Queue.
type Builder[T any] struct {
	capacity int
}

// MakeBuilder creates a builder for an unbounded queue.
func MakeBuilder[T any]() Builder[T] {
	return Builder[T]{}
}

// WithCapacity bounds the queue. A capacity of zero means unbounded.
func (b Builder[T]) WithCapacity(capacity int) Builder[T] {
	b.capacity = capacity
	return b
}

// Build creates the queue.
func (b Builder[T]) Build(name string) *Queue[T] {
	if b.capacity < 0 {
		panic("negative queue capacity")
	}

	return &Queue[T]{
		name:     name,
		capacity: b.capacity,
		changed:  make(chan struct{}),
	}
}

// Name returns the name of the queue.
func (q *Queue[T]) Name() string {
	return q.name
}

// Capacity returns the bound of the queue, or 0 if unbounded.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.elements)
}

func (q *Queue[T]) full() bool {
	return q.capacity > 0 && len(q.elements) >= q.capacity
}

// notify must be called with the lock held.
func (q *Queue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Write appends an element, waiting for space if the queue is bounded.
func (q *Queue[T]) Write(ctx context.Context, e T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if !q.full() {
			q.elements = append(q.elements, e)
			q.notify()
			q.mu.Unlock()

			q.invoke(HookPosQueuePush, e)

			return nil
		}

		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryWrite appends an element if there is space.
func (q *Queue[T]) TryWrite(e T) bool {
	q.mu.Lock()
	if q.closed || q.full() {
		q.mu.Unlock()
		return false
	}

	q.elements = append(q.elements, e)
	q.notify()
	q.mu.Unlock()

	q.invoke(HookPosQueuePush, e)

	return true
}

// Read removes the oldest element, waiting while the queue is empty. A closed
// queue still hands out what it holds before reporting ErrClosed.
func (q *Queue[T]) Read(ctx context.Context) (T, error) {
	var zero T

	for {
		e, ok, closed, changed := q.tryRead()
		if ok {
			return e, nil
		}

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryRead removes the oldest element if there is one.
func (q *Queue[T]) TryRead() (T, bool) {
	e, ok, _, _ := q.tryRead()
	return e, ok
}

func (q *Queue[T]) tryRead() (e T, ok, closed bool, changed <-chan struct{}) {
	q.mu.Lock()
	if len(q.elements) == 0 {
		closed, changed = q.closed, q.changed
		q.mu.Unlock()

		return e, false, closed, changed
	}

	e = q.elements[0]
	var zero T
	q.elements[0] = zero
	q.elements = q.elements[1:]
	q.notify()
	q.mu.Unlock()

	q.invoke(HookPosQueuePop, e)

	return e, true, false, nil
}

// TryPeek returns the oldest element without removing it.
func (q *Queue[T]) TryPeek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	return q.elements[0], true
}

// Snapshot returns a copy of the queued elements in order.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := make([]T, len(q.elements))
	copy(s, q.elements)

	return s
}

// Drain removes and returns everything in the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	drained := q.elements
	q.elements = nil
	q.notify()
	q.mu.Unlock()

	for _, e := range drained {
		q.invoke(HookPosQueuePop, e)
	}

	return drained
}

// Close rejects all further writes and wakes all waiters.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.notify()
	}
}

// IsClosed tells if the queue is closed.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

func (q *Queue[T]) invoke(pos *hooking.HookPos, e T) {
	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    pos,
			Item:   e,
		})
	}
}
