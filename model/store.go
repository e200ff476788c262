package model

import (
	"context"
	"sync"
	"time"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/syncutil"
)

// maxMessages bounds the message log kept in the model.
const maxMessages = 100

// Store guards the model. It is created once per daemon and handed to every
// component that needs the model.
type Store struct {
	mu    sync.RWMutex
	model Model

	updated    *syncutil.Signal
	fullUpdate *syncutil.Signal
}

// NewStore creates a store with all channels idle.
func NewStore() *Store {
	s := &Store{
		updated:    syncutil.NewSignal(),
		fullUpdate: syncutil.NewSignal(),
	}

	for _, ch := range code.Channels() {
		s.model.Inputs[ch].Name = ch.String()
	}

	s.model.State.StartTime = time.Now()

	return s
}

// Read runs f with a read lock held. f must not keep m.
func (s *Store) Read(f func(m *Model)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f(&s.model)
}

// Update runs f with the write lock held and wakes everyone waiting for an
// update.
func (s *Store) Update(f func(m *Model)) {
	s.mu.Lock()
	f(&s.model)
	s.mu.Unlock()

	s.updated.Broadcast()
}

// Snapshot returns a copy of the model.
func (s *Store) Snapshot() Model {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.model.Clone()
}

// Updated returns a channel that is closed at the next update.
func (s *Store) Updated() <-chan struct{} {
	return s.updated.C()
}

// NotifyFullUpdate is called whenever the model was refreshed from the
// firmware as a whole.
func (s *Store) NotifyFullUpdate() {
	s.updated.Broadcast()
	s.fullUpdate.Broadcast()
}

// WaitForFullUpdate blocks until the next full refresh.
func (s *Store) WaitForFullUpdate(ctx context.Context) error {
	return s.fullUpdate.Wait(ctx)
}

// AddMessage appends a message to the model's message log.
func (s *Store) AddMessage(msg code.Message) {
	s.Update(func(m *Model) {
		m.Messages = append(m.Messages, msg)
		if len(m.Messages) > maxMessages {
			m.Messages = m.Messages[len(m.Messages)-maxMessages:]
		}
	})
}

// SetRunningConfig sets or clears the startup file flag.
func (s *Store) SetRunningConfig(running bool) {
	s.Update(func(m *Model) {
		m.State.RunningConfig = running
	})
}

// IsRunningConfig tells if the startup file is executing.
func (s *Store) IsRunningConfig() (running bool) {
	s.Read(func(m *Model) {
		running = m.State.RunningConfig
	})

	return running
}

// IsMotionSystemActive tells if a channel currently owns the motion system.
func (s *Store) IsMotionSystemActive(ch code.Channel) (active bool) {
	s.Read(func(m *Model) {
		active = m.Inputs[ch].MotionSystemActive
	})

	return active
}

// SetMotionSystemActive records whether a channel owns the motion system.
func (s *Store) SetMotionSystemActive(ch code.Channel, active bool) {
	s.Update(func(m *Model) {
		m.Inputs[ch].MotionSystemActive = active
	})
}

// LastDuration returns the duration of the last job, if known.
func (s *Store) LastDuration() (d *int64) {
	s.Read(func(m *Model) {
		if m.Job.LastDuration != nil {
			v := *m.Job.LastDuration
			d = &v
		}
	})

	return d
}

// InputState returns what a channel is doing.
func (s *Store) InputState(ch code.Channel) (state InputState) {
	s.Read(func(m *Model) {
		state = m.Inputs[ch].State
	})

	return state
}

// SetInputState records what a channel is doing.
func (s *Store) SetInputState(ch code.Channel, state InputState) {
	s.Update(func(m *Model) {
		m.Inputs[ch].State = state
	})
}
