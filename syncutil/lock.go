package syncutil

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is an exclusive lock that can be awaited with a context or tried
// without blocking.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock creates an unlocked lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Lock acquires the lock or fails when the context is done first.
func (l *Lock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.sem.Release(1)
}
