package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
)

// HookPosCodeStarted marks when a code enters its channel.
var HookPosCodeStarted = &hooking.HookPos{Name: "Code Started"}

// HookPosFirmwareQueued marks when a code waits for the firmware link.
var HookPosFirmwareQueued = &hooking.HookPos{Name: "Firmware Queued"}

// HookPosCodeResolved marks when a code has been resolved. The detail is the
// error the code was resolved with, if any.
var HookPosCodeResolved = &hooking.HookPos{Name: "Code Resolved"}

// Processor owns the pipelines of all channels.
type Processor struct {
	hooking.HookableBase

	channels         [code.NumChannels]*ChannelProcessor
	interceptor      Interceptor
	local            LocalProcessor
	maxCodesPerInput int
	log              *zap.Logger

	linkMu sync.RWMutex
	link   FirmwareLink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Builder builds processors.
type Builder struct {
	interceptor      Interceptor
	local            LocalProcessor
	maxCodesPerInput int
	log              *zap.Logger
}

// MakeBuilder creates a builder with no-op collaborators.
func MakeBuilder() Builder {
	return Builder{
		interceptor:      NopInterceptor{},
		local:            NopProcessor{},
		maxCodesPerInput: 32,
		log:              zap.NewNop(),
	}
}

// WithInterceptor sets the plugin hook called in Pre, Post and Executed.
func (b Builder) WithInterceptor(i Interceptor) Builder {
	b.interceptor = i
	return b
}

// WithLocalProcessor sets the handler of the Internal stage.
func (b Builder) WithLocalProcessor(l LocalProcessor) Builder {
	b.local = l
	return b
}

// WithMaxCodesPerInput bounds each stage queue.
func (b Builder) WithMaxCodesPerInput(n int) Builder {
	b.maxCodesPerInput = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *zap.Logger) Builder {
	b.log = log
	return b
}

// Build creates the processor and starts its stage goroutines. They stop when
// ctx is done or Shutdown is called.
func (b Builder) Build(ctx context.Context) *Processor {
	if b.maxCodesPerInput < 1 {
		panic("max codes per input must be at least 1")
	}

	p := &Processor{
		interceptor:      b.interceptor,
		local:            b.local,
		maxCodesPerInput: b.maxCodesPerInput,
		log:              b.log,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for _, ch := range code.Channels() {
		p.channels[ch] = newChannelProcessor(p, ch)
	}

	return p
}

// SetFirmwareLink connects the firmware link used for flushing.
func (p *Processor) SetFirmwareLink(link FirmwareLink) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()

	p.link = link
}

func (p *Processor) firmwareLink() FirmwareLink {
	p.linkMu.RLock()
	defer p.linkMu.RUnlock()

	return p.link
}

// Channel returns the processor of a channel.
func (p *Processor) Channel(ch code.Channel) *ChannelProcessor {
	return p.channels[ch]
}

// SetEmulation selects the result format of a channel.
func (p *Processor) SetEmulation(ch code.Channel, e Emulation) {
	p.channels[ch].emulation.Store(int32(e))
}

// Start hands a code to the Start stage of its channel. It waits while the
// channel is full. Once Start returns nil, the code will be resolved.
func (p *Processor) Start(ctx context.Context, c *code.Code) error {
	if !c.Channel.IsValid() {
		return fmt.Errorf("invalid channel %d", c.Channel)
	}

	if p.ctx.Err() != nil {
		return fmt.Errorf("processor stopped: %w", p.ctx.Err())
	}

	if p.NumHooks() > 0 {
		p.InvokeHook(hooking.HookCtx{Domain: p, Pos: HookPosCodeStarted, Item: c})
	}

	return p.channels[c.Channel].Write(ctx, c, code.StageStart)
}

// Execute starts a code and waits for its result.
func (p *Processor) Execute(ctx context.Context, c *code.Code) (*code.Message, error) {
	if err := p.Start(ctx, c); err != nil {
		return nil, err
	}

	return c.Wait(ctx)
}

// CancelCode sends a code straight to Executed without a result. If err is
// not nil the code is resolved with that error instead of being cancelled.
func (p *Processor) CancelCode(c *code.Code, err error) {
	if c.IsResolved() {
		return
	}

	c.Result = nil
	c.Fault = err
	p.CodeCompleted(c)
}

// CodeCompleted sends a code that has its result to Executed. It never
// blocks.
func (p *Processor) CodeCompleted(c *code.Code) {
	if p.ctx.Err() != nil {
		p.drop(c)
		return
	}

	_ = p.channels[c.Channel].Write(p.ctx, c, code.StageExecuted)
}

// drop resolves a code that cannot reach Executed.
func (p *Processor) drop(c *code.Code) {
	if c.IsResolved() {
		return
	}

	if c.Fault != nil {
		c.Result = nil
		p.resolve(c)

		return
	}

	c.SetCancelled()
	p.resolved(c)
}

func (p *Processor) resolve(c *code.Code) {
	switch {
	case c.Fault != nil:
		c.SetError(c.Fault)
	case c.Result == nil:
		c.SetCancelled()
	default:
		c.SetFinished()
	}

	p.resolved(c)
}

func (p *Processor) resolved(c *code.Code) {
	if p.NumHooks() > 0 {
		p.InvokeHook(hooking.HookCtx{
			Domain: p,
			Pos:    HookPosCodeResolved,
			Item:   c,
			Detail: c.Err(),
		})
	}
}

// Push opens a frame on a channel. See ChannelProcessor.Push.
func (p *Processor) Push(ch code.Channel, macro code.Macro) *StackItem {
	return p.channels[ch].Push(macro)
}

// Pop closes a frame on a channel. See ChannelProcessor.Pop.
func (p *Processor) Pop(ch code.Channel) []*code.Code {
	return p.channels[ch].Pop()
}

// Flush waits for everything queued before c on its channel.
func (p *Processor) Flush(ctx context.Context, c *code.Code) (bool, error) {
	return p.channels[c.Channel].Flush(ctx, c)
}

// FlushChannel waits until a channel has nothing left in its base frame.
func (p *Processor) FlushChannel(ctx context.Context, ch code.Channel) (bool, error) {
	return p.channels[ch].Flush(ctx, nil)
}

// Diagnostics writes the state of every busy channel.
func (p *Processor) Diagnostics(w io.Writer) error {
	var b strings.Builder

	b.WriteString("=== Code pipeline ===\n")

	for _, cp := range p.channels {
		cp.diagnostics(&b)
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// Shutdown stops all stage goroutines and cancels every code that is still
// waiting.
func (p *Processor) Shutdown() {
	p.cancel()
	p.wg.Wait()

	for _, cp := range p.channels {
		for _, pl := range cp.pipelines {
			pl.mu.RLock()
			stack := append([]*StackItem(nil), pl.stack...)
			pl.mu.RUnlock()

			for _, item := range stack {
				for _, c := range item.Drain() {
					p.drop(c)
				}
			}
		}
	}
}
