// Package syncutil provides the waitable primitives shared by the pipeline,
// the firmware link and the macro and job runners. Every wait takes a
// context so that cancellation reaches all suspended callers.
package syncutil

import (
	"context"
	"sync"
)

// Event is a manual-reset event. Waiters are released while it is set.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent creates an event in the given state.
func NewEvent(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		e.Set()
	}

	return e
}

// Set releases all current and future waiters.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Reset makes future waiters block again.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet returns the state of the event.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.set
}

// C returns a channel that is closed once the event is set.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ch
}

// Wait blocks until the event is set or the context is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Countdown is released whenever its count drops to zero.
type Countdown struct {
	mu    sync.Mutex
	count int
	zero  *Event
}

// NewCountdown creates a countdown at zero.
func NewCountdown() *Countdown {
	return &Countdown{zero: NewEvent(true)}
}

// Add increments the count.
func (c *Countdown) Add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count += n
	if c.count < 0 {
		panic("negative countdown")
	}

	if c.count == 0 {
		c.zero.Set()
	} else {
		c.zero.Reset()
	}
}

// Done decrements the count.
func (c *Countdown) Done() {
	c.Add(-1)
}

// Count returns the current count.
func (c *Countdown) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// C returns a channel that is closed while the count is zero.
func (c *Countdown) C() <-chan struct{} {
	return c.zero.C()
}

// Wait blocks until the count is zero.
func (c *Countdown) Wait(ctx context.Context) error {
	return c.zero.Wait(ctx)
}

// Signal wakes everyone who is waiting at the moment it is broadcast.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// C returns a channel that is closed at the next broadcast.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch
}

// Broadcast wakes all current waiters.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()

	close(s.ch)
	s.ch = make(chan struct{})
}

// Wait blocks until the next broadcast.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
