package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/logging"
)

// ChannelProcessor owns the pipelines of one channel.
type ChannelProcessor struct {
	channel   code.Channel
	processor *Processor
	log       *zap.Logger
	pipelines [code.NumStages]*Pipeline
	emulation atomic.Int32

	mu sync.Mutex
}

func newChannelProcessor(p *Processor, ch code.Channel) *ChannelProcessor {
	cp := &ChannelProcessor{
		channel:   ch,
		processor: p,
		log:       logging.ForChannel(p.log, ch),
	}

	for stage := range cp.pipelines {
		cp.pipelines[stage] = newPipeline(cp, code.Stage(stage))
	}

	return cp
}

// Channel returns the channel served.
func (cp *ChannelProcessor) Channel() code.Channel {
	return cp.channel
}

// Pipeline returns the pipeline of a stage.
func (cp *ChannelProcessor) Pipeline(stage code.Stage) *Pipeline {
	return cp.pipelines[stage]
}

// Emulation returns the result format of the channel.
func (cp *ChannelProcessor) Emulation() Emulation {
	return Emulation(cp.emulation.Load())
}

// Write queues a code for a stage.
func (cp *ChannelProcessor) Write(ctx context.Context, c *code.Code, stage code.Stage) error {
	if err := cp.pipelines[stage].Write(ctx, c); err != nil {
		return err
	}

	if stage == code.StageFirmware && cp.processor.NumHooks() > 0 {
		cp.processor.InvokeHook(hooking.HookCtx{
			Domain: cp.processor,
			Pos:    HookPosFirmwareQueued,
			Item:   c,
		})
	}

	return nil
}

// Push opens a frame for a macro, or for a prompt if macro is nil, in every
// stage. It returns the new Firmware frame.
func (cp *ChannelProcessor) Push(macro code.Macro) *StackItem {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var firmware *StackItem
	for _, p := range cp.pipelines {
		item := p.push(macro)
		if p.stage == code.StageFirmware {
			firmware = item
		}
	}

	return firmware
}

// Pop closes the innermost frame of every stage. Codes still waiting in the
// closed stages are cancelled, codes that reached Executed are delivered. The
// codes that were waiting for the firmware are handed back to the caller.
func (cp *ChannelProcessor) Pop() []*code.Code {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var pending []*code.Code
	for _, p := range cp.pipelines {
		item := p.pop()
		if p.stage == code.StageFirmware {
			pending = item.Drain()
		}
	}

	return pending
}

// Depth returns the number of frames of the channel.
func (cp *ChannelProcessor) Depth() int {
	return cp.pipelines[code.StageStart].Depth()
}

// Firmware returns the innermost Firmware frame.
func (cp *ChannelProcessor) Firmware() *StackItem {
	return cp.pipelines[code.StageFirmware].Top()
}

// Flush waits until every code that entered the channel before c has been
// executed. Without a code the whole channel is flushed. It returns false if
// the firmware link gave up on the frame.
func (cp *ChannelProcessor) Flush(ctx context.Context, c *code.Code) (bool, error) {
	first := code.StageStart
	if c != nil {
		first = c.Stage + 1
	}

	for stage := first; int(stage) < code.NumStages; stage++ {
		if stage == code.StageFirmware {
			if link := cp.processor.firmwareLink(); link != nil {
				ok, err := link.Flush(ctx, cp.channel, c)
				if err != nil || !ok {
					return ok, err
				}

				continue
			}
		}

		if err := cp.pipelines[stage].Flush(ctx, c); err != nil {
			return false, err
		}
	}

	return true, nil
}

// IsIdle tells if no stage holds work for the frame owning c.
func (cp *ChannelProcessor) IsIdle(c *code.Code) bool {
	for _, p := range cp.pipelines {
		if !p.IsIdle(c) {
			return false
		}
	}

	return true
}

func (cp *ChannelProcessor) diagnostics(b *strings.Builder) {
	var inner strings.Builder
	for _, p := range cp.pipelines {
		p.diagnostics(&inner)
	}

	if inner.Len() == 0 {
		return
	}

	fmt.Fprintf(b, "%s (depth %d):\n%s", cp.channel, cp.Depth(), inner.String())
}
