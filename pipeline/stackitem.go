package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/queueing"
	"github.com/printhost/dcs/syncutil"
)

// A StackItem is one frame of a stage: the codes of one execution context
// (the channel itself, a macro or a prompt) waiting for that stage.
//
// Every stage except Firmware drains its frames with a dedicated goroutine.
// Firmware frames are drained by the firmware link, which also decides when
// such a frame is idle.
type StackItem struct {
	pipeline *Pipeline
	macro    code.Macro
	queue    *queueing.Queue[*code.Code]
	idle     *syncutil.Event
	gate     *syncutil.Countdown

	mu          sync.Mutex
	outstanding int
	current     *code.Code

	cancel context.CancelFunc
	done   chan struct{}
}

func newStackItem(p *Pipeline, macro code.Macro, depth int) *StackItem {
	name := fmt.Sprintf("%s.%s[%d]", p.channel.channel, p.stage, depth)

	b := queueing.MakeBuilder[*code.Code]()
	if p.stage != code.StageExecuted {
		b = b.WithCapacity(p.processor.maxCodesPerInput)
	}

	item := &StackItem{
		pipeline: p,
		macro:    macro,
		queue:    b.Build(name),
		idle:     syncutil.NewEvent(true),
		gate:     syncutil.NewCountdown(),
	}

	return item
}

func (s *StackItem) start(ctx context.Context) {
	if s.pipeline.stage == code.StageFirmware {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.pipeline.processor.wg.Add(1)
	go s.run(ctx)
}

func (s *StackItem) run(ctx context.Context) {
	defer s.pipeline.processor.wg.Done()
	defer close(s.done)
	defer s.cancelRemaining()

	for {
		c, err := s.queue.Read(ctx)
		if err != nil {
			return
		}

		s.setCurrent(c)
		s.pipeline.process(ctx, s, c)
		s.setCurrent(nil)
		s.end(1)
	}
}

func (s *StackItem) cancelRemaining() {
	remaining := s.queue.Drain()
	for _, c := range remaining {
		if s.pipeline.stage == code.StageExecuted {
			s.pipeline.processor.drop(c)
		} else {
			s.pipeline.processor.CancelCode(c, nil)
		}
	}

	s.end(len(remaining))
}

// stop ends the frame. Stages other than Executed abandon their queued codes;
// Executed still delivers what it holds.
func (s *StackItem) stop() {
	s.queue.Close()

	if s.pipeline.stage != code.StageExecuted && s.cancel != nil {
		s.cancel()
	}

	if s.pipeline.stage == code.StageFirmware {
		s.SetIdle()
	}
}

func (s *StackItem) setCurrent(c *code.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = c
}

func (s *StackItem) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outstanding++
	s.idle.Reset()
}

func (s *StackItem) end(n int) {
	if n == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.outstanding -= n
	if s.outstanding == 0 && s.pipeline.stage != code.StageFirmware {
		s.idle.Set()
	}
}

// Macro returns the macro that owns the frame, or nil.
func (s *StackItem) Macro() code.Macro {
	return s.macro
}

// Len returns the number of queued codes.
func (s *StackItem) Len() int {
	return s.queue.Len()
}

// IsIdle tells if the frame has nothing queued or in progress.
func (s *StackItem) IsIdle() bool {
	return s.idle.IsSet()
}

// WaitIdle blocks until the frame is idle.
func (s *StackItem) WaitIdle(ctx context.Context) error {
	return s.idle.Wait(ctx)
}

// Peek returns the oldest queued code without taking it.
func (s *StackItem) Peek() (*code.Code, bool) {
	return s.queue.TryPeek()
}

// Take removes the oldest queued code.
func (s *StackItem) Take() (*code.Code, bool) {
	c, ok := s.queue.TryRead()
	if ok {
		s.end(1)
	}

	return c, ok
}

// Drain removes all queued codes.
func (s *StackItem) Drain() []*code.Code {
	codes := s.queue.Drain()
	s.end(len(codes))

	return codes
}

// TrySetIdle marks the frame idle unless codes are still on their way in.
func (s *StackItem) TrySetIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding != 0 {
		return false
	}

	s.idle.Set()

	return true
}

// SetIdle marks the frame idle.
func (s *StackItem) SetIdle() {
	s.idle.Set()
}

func (s *StackItem) describe() string {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	owner := "-"
	if s.macro != nil {
		owner = s.macro.FileName()
	}

	desc := fmt.Sprintf("%s: %d queued", owner, s.queue.Len())
	if current != nil {
		desc += ", executing " + current.String()
	}

	if !s.IsIdle() {
		desc += ", busy"
	}

	return desc
}
