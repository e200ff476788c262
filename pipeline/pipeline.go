// Package pipeline moves codes through the stages of their channel: Start,
// Pre, Internal, Post, Firmware and Executed. Each stage keeps a stack of
// frames so that macros and prompts can run nested on top of the codes that
// started them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/logging"
	"github.com/printhost/dcs/queueing"
)

// A Pipeline is one stage of one channel.
type Pipeline struct {
	stage     code.Stage
	channel   *ChannelProcessor
	processor *Processor
	log       *zap.Logger

	mu    sync.RWMutex
	stack []*StackItem
}

func newPipeline(ch *ChannelProcessor, stage code.Stage) *Pipeline {
	p := &Pipeline{
		stage:     stage,
		channel:   ch,
		processor: ch.processor,
		log:       ch.log.With(zap.Stringer("stage", stage)),
	}

	base := newStackItem(p, nil, 0)
	p.stack = []*StackItem{base}
	base.start(ch.processor.ctx)

	return p
}

// Stage returns the stage served by the pipeline.
func (p *Pipeline) Stage() code.Stage {
	return p.stage
}

// Depth returns the number of frames, including the base frame.
func (p *Pipeline) Depth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.stack)
}

// Top returns the innermost frame.
func (p *Pipeline) Top() *StackItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.stack[len(p.stack)-1]
}

// Base returns the frame of the channel itself.
func (p *Pipeline) Base() *StackItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.stack[0]
}

func (p *Pipeline) push(macro code.Macro) *StackItem {
	p.mu.Lock()
	item := newStackItem(p, macro, len(p.stack))
	p.stack = append(p.stack, item)
	p.mu.Unlock()

	item.start(p.processor.ctx)

	return item
}

func (p *Pipeline) pop() *StackItem {
	p.mu.Lock()
	if len(p.stack) == 1 {
		p.mu.Unlock()
		panic(fmt.Sprintf("%s.%s: cannot pop the base frame", p.channel.channel, p.stage))
	}

	item := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.mu.Unlock()

	item.stop()

	return item
}

// find returns the innermost frame that belongs to the macro, or nil.
func (p *Pipeline) find(macro code.Macro) *StackItem {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].macro == macro {
			return p.stack[i]
		}
	}

	return nil
}

// Write queues a code in the frame of its macro. A code whose frame is gone
// is cancelled. Write only fails if ctx is done while waiting for space.
func (p *Pipeline) Write(ctx context.Context, c *code.Code) error {
	item := p.find(c.Macro)
	if item == nil {
		p.log.Debug("no frame for code", logging.Code(c))
		p.processor.drop(c)

		return nil
	}

	c.Stage = p.stage
	item.begin()

	var err error
	if p.stage == code.StageExecuted {
		if !item.queue.TryWrite(c) {
			err = queueing.ErrClosed
		}
	} else {
		err = item.queue.Write(ctx, c)
	}

	if err == nil {
		return nil
	}

	item.end(1)

	if errors.Is(err, queueing.ErrClosed) {
		p.processor.drop(c)
		return nil
	}

	return err
}

// Flush waits until the frame owning c, or the base frame if c is nil, has
// nothing queued or in progress. If no frame owns c the innermost frame is
// used.
func (p *Pipeline) Flush(ctx context.Context, c *code.Code) error {
	return p.frameFor(c).WaitIdle(ctx)
}

// IsIdle tells if the frame owning c is idle.
func (p *Pipeline) IsIdle(c *code.Code) bool {
	return p.frameFor(c).IsIdle()
}

func (p *Pipeline) frameFor(c *code.Code) *StackItem {
	if c == nil {
		return p.Base()
	}

	if item := p.find(c.Macro); item != nil {
		return item
	}

	p.log.Warn("no frame owns the code, using the innermost frame", logging.Code(c))

	return p.Top()
}

func (p *Pipeline) process(ctx context.Context, item *StackItem, c *code.Code) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s stage: %v", p.stage, r)
			p.log.Error("stage failed", logging.Code(c), zap.Error(err))

			if p.stage == code.StageExecuted {
				if !c.IsResolved() {
					c.SetError(err)
				}

				return
			}

			p.processor.CancelCode(c, err)
		}
	}()

	if p.stage != code.StageExecuted && c.IsCancelled() {
		p.processor.CancelCode(c, nil)
		return
	}

	err := stageFuncs[p.stage](ctx, p, item, c)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.processor.CancelCode(c, nil)
		return
	}

	p.log.Warn("stage failed", logging.Code(c), zap.Error(err))
	p.processor.CancelCode(c, err)
}

func (p *Pipeline) diagnostics(b *strings.Builder) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i, item := range p.stack {
		if i == 0 && len(p.stack) == 1 && item.IsIdle() {
			continue
		}

		fmt.Fprintf(b, "  %s[%d] %s\n", p.stage, i, item.describe())
	}
}
