package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/logging"
	"github.com/printhost/dcs/model"
)

// ErrStackUnderrun is the panic value when the base frame of a channel would
// be popped.
var ErrStackUnderrun = errors.New("stack underrun")

// maxStashedReplies bounds the out-of-order replies kept for later.
const maxStashedReplies = 16

// HookPosCodeBuffered marks when a code has been sent to the firmware. The
// detail is the number of bytes buffered for the channel afterwards.
var HookPosCodeBuffered = &hooking.HookPos{Name: "Code Buffered"}

// HookPosCodeReplied marks when the firmware has replied to a code. The
// detail is the number of bytes buffered for the channel afterwards.
var HookPosCodeReplied = &hooking.HookPos{Name: "Code Replied"}

type bufferedCode struct {
	code *code.Code

	// local codes are comments that never leave the daemon. They complete
	// as soon as they reach the head of the buffer.
	local  bool
	result *code.Message

	// partial is set while the last reply had the push flag.
	partial bool
}

func (b *bufferedCode) append(flags ReplyFlags, text string) {
	t := flags.MessageType()

	switch {
	case b.result == nil:
		b.result = code.NewMessage(t, text)
	case b.partial:
		b.result.Content += text
	default:
		b.result.Append(text)
	}

	if t > b.result.Type {
		b.result.Type = t
	}

	b.partial = flags.Has(PushFlag)
}

// appendMessage adds the output of a macro the code started.
func (b *bufferedCode) appendMessage(msg code.Message) {
	if msg.IsEmpty() {
		return
	}

	if b.result == nil {
		b.result = code.NewMessage(msg.Type, msg.Content)
	} else {
		b.result.Append(msg.Content)
		if msg.Type > b.result.Type {
			b.result.Type = msg.Type
		}
	}

	b.partial = false
}

type reply struct {
	flags ReplyFlags
	text  string
}

// Processor feeds the Firmware stage of one channel into the transport and
// matches the replies with the codes that were sent.
type Processor struct {
	channel code.Channel
	m       *Manager
	log     *zap.Logger

	mu         sync.Mutex
	stack      []*State
	buffered   []*bufferedCode
	bytes      int
	stash      []reply
	invalidate bool
}

func newProcessor(m *Manager, ch code.Channel) *Processor {
	p := &Processor{
		channel: ch,
		m:       m,
		log:     logging.ForChannel(m.log, ch),
	}

	base := m.pipeline.Channel(ch).Pipeline(code.StageFirmware).Base()
	p.stack = []*State{newState(FrameBase, nil, base)}

	return p
}

// Channel returns the channel served.
func (p *Processor) Channel() code.Channel {
	return p.channel
}

// Depth returns the number of frames, including the base frame.
func (p *Processor) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.stack)
}

// BytesBuffered returns the bytes the firmware holds for the channel.
func (p *Processor) BytesBuffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.bytes
}

// NumBuffered returns the number of codes waiting for a reply.
func (p *Processor) NumBuffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.buffered)
}

func (p *Processor) top() *State {
	return p.stack[len(p.stack)-1]
}

func (p *Processor) cancel(c *code.Code) {
	p.m.pipeline.CancelCode(c, nil)
}

func (p *Processor) invoke(pos *hooking.HookPos, c *code.Code) {
	if p.m.NumHooks() == 0 {
		return
	}

	p.m.InvokeHook(hooking.HookCtx{
		Domain: p.m,
		Pos:    pos,
		Item:   c,
		Detail: p.bytes,
	})
}

// push opens a frame. The codes the firmware holds for the current frame are
// suspended and sent again once the current frame is on top again.
func (p *Processor) push(kind FrameKind, macro Macro) *State {
	top := p.top()

	if len(p.buffered) > 0 {
		suspended := make([]*code.Code, 0, len(p.buffered)+len(top.suspended))
		for _, b := range p.buffered {
			p.log.Debug("suspending code", logging.Code(b.code))
			suspended = append(suspended, b.code)
		}

		top.suspended = append(suspended, top.suspended...)
		p.buffered = nil
		p.bytes = 0
	}

	var owner code.Macro
	if macro != nil {
		owner = macro
	}

	item := p.m.pipeline.Push(p.channel, owner)

	state := newState(kind, macro, item)
	state.motionActive = p.m.store.IsMotionSystemActive(p.channel)
	p.stack = append(p.stack, state)
	p.updateInput()

	return state
}

// pop closes the innermost frame and resolves everything still waiting in it.
func (p *Processor) pop() {
	if len(p.stack) == 1 {
		log.Panicf("%s: %v", p.channel, ErrStackUnderrun)
	}

	old := p.top()
	p.stack = p.stack[:len(p.stack)-1]

	pending := p.m.pipeline.Pop(p.channel)

	for _, r := range old.lockRequests {
		r.resolve(false)
	}
	old.lockRequests = nil

	for _, c := range old.suspended {
		p.cancel(c)
	}
	old.suspended = nil

	if old.Macro != nil {
		if old.Macro.IsExecuting() && !old.Macro.IsAborted() {
			p.log.Info("aborting macro", zap.String("file", old.Macro.FileName()))
			old.Macro.Abort()
		} else {
			p.log.Debug("finished macro", zap.String("file", old.Macro.FileName()))
			old.Macro.Dispose()
		}
	}

	if old.startCode != nil {
		p.log.Warn("cancelling unfinished start code", logging.Code(old.startCode.code))
		p.cancel(old.startCode.code)
		old.startCode = nil
	}

	for _, c := range pending {
		p.cancel(c)
	}

	for _, f := range old.flushRequests {
		f <- false
	}
	old.flushRequests = nil

	old.item.SetIdle()
	p.m.store.SetMotionSystemActive(p.channel, old.motionActive)
	p.updateInput()
}

func (p *Processor) updateInput() {
	depth := len(p.stack)
	waiting := p.top().Kind == FramePrompt

	p.m.store.Update(func(m *model.Model) {
		in := &m.Inputs[p.channel]
		in.StackDepth = depth

		switch {
		case waiting:
			in.State = model.InputWaiting
		case in.State == model.InputWaiting:
			in.State = model.InputIdle
		}
	})
}

// finishMacro pops a completed macro frame and hands the code that started
// the macro back to the frame beneath. The firmware replies to that code
// next.
func (p *Processor) finishMacro() {
	start := takeStartCode(p.top())

	p.pop()
	p.resumeStartCode(start)
}

// takeStartCode detaches the start code from a macro frame and adds the
// output of the macro to it.
func takeStartCode(s *State) *bufferedCode {
	start := s.startCode
	s.startCode = nil

	if start != nil && s.Macro != nil {
		start.appendMessage(s.Macro.Result())
	}

	return start
}

// resumeStartCode puts a start code back at the head of the buffer. The next
// reply of the firmware completes it.
func (p *Processor) resumeStartCode(start *bufferedCode) {
	if start == nil {
		return
	}

	p.log.Debug("resuming start code", logging.Code(start.code))
	p.buffered = append([]*bufferedCode{start}, p.buffered...)
	p.bytes += start.code.BinarySize
}

// BufferCode sends a code to the firmware if it fits into the byte budget of
// the channel. It returns false if the code has to wait. Cancelled codes and
// codes that can never fit are resolved instead of being sent.
func (p *Processor) BufferCode(c *code.Code) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.bufferCode(c)
}

func (p *Processor) bufferCode(c *code.Code) bool {
	if c.IsCancelled() {
		p.cancel(c)
		return true
	}

	if c.IsComment() {
		p.buffered = append(p.buffered, &bufferedCode{code: c, local: true})
		return true
	}

	if c.BinarySize == 0 {
		c.BinarySize = p.m.headerSize + p.m.transport.Encode(c)
	}

	if c.BinarySize > p.m.budget {
		p.log.Error("code does not fit into the firmware buffer",
			logging.Code(c), zap.Int("size", c.BinarySize), zap.Int("budget", p.m.budget))
		p.m.pipeline.CancelCode(c, code.ErrCodeTooLarge)

		return true
	}

	if p.bytes+c.BinarySize > p.m.budget {
		return false
	}

	if !p.m.transport.SendCode(c, c.BinarySize) {
		return false
	}

	p.buffered = append(p.buffered, &bufferedCode{code: c})
	p.bytes += c.BinarySize
	p.log.Debug("sent code", logging.Code(c), zap.Int("remaining", p.m.budget-p.bytes))
	p.invoke(HookPosCodeBuffered, c)

	return true
}

func (p *Processor) completeHead() {
	head := p.buffered[0]
	p.buffered = p.buffered[1:]

	if !head.local {
		p.bytes -= head.code.BinarySize
	}

	if head.result == nil {
		head.result = code.NewMessage(code.Success, "")
	}

	head.result.Content = strings.TrimRight(head.result.Content, " \t\r\n")
	head.code.Result = head.result

	p.invoke(HookPosCodeReplied, head.code)
	p.m.pipeline.CodeCompleted(head.code)
}

func (p *Processor) resolveLocalHead() bool {
	progress := false
	for len(p.buffered) > 0 && p.buffered[0].local {
		p.completeHead()
		progress = true
	}

	return progress
}

// Tick does whatever the channel can do without waiting and reports whether
// anything was done.
func (p *Processor) Tick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	progress := p.resolveLocalHead()

	if len(p.stash) > 0 && len(p.buffered) > 0 {
		stash := p.stash
		p.stash = nil

		for _, r := range stash {
			p.handleReply(r.flags, r.text)
		}

		progress = true
	}

	top := p.top()

	if top.Kind == FramePrompt && p.m.store.InputState(p.channel) != model.InputWaiting {
		p.log.Debug("prompt closed")
		p.pop()

		top = p.top()
		progress = true
	}

	if len(top.lockRequests) > 0 {
		r := top.lockRequests[0]
		if r.lock {
			if !r.sent && p.m.transport.SendControl(p.channel, ControlLock) {
				r.sent = true
				progress = true
			}
		} else if p.m.transport.SendControl(p.channel, ControlUnlock) {
			top.lockRequests = top.lockRequests[1:]
			r.resolve(true)
			progress = true
		}

		return progress
	}

	if p.invalidate {
		if !p.m.transport.SendControl(p.channel, ControlInvalidate) {
			return progress
		}

		p.invalidate = false
		progress = true
	}

	if top.Kind == FrameMacro {
		if !top.MacroStarted {
			if !p.m.transport.SendControl(p.channel, ControlMacroStarted) {
				return progress
			}

			top.MacroStarted = true
			progress = true
		}

		if !top.MacroCompleted && len(p.buffered) == 0 && top.item.Len() == 0 &&
			len(top.suspended) == 0 && top.Macro.TryLock() {
			finished := !top.Macro.IsExecuting()
			failed := top.Macro.HadError()
			top.Macro.Unlock()

			if finished {
				ctl := ControlMacroCompleted
				if failed {
					ctl = ControlMacroFailed
				}

				if !p.m.transport.SendControl(p.channel, ctl) {
					return progress
				}

				top.MacroCompleted = true

				if p.m.transport.ProtocolVersion() >= 2 {
					p.finishMacro()
				}

				return true
			}
		}

		if top.MacroCompleted {
			return progress
		}
	}

	for len(top.suspended) > 0 {
		if !p.bufferCode(top.suspended[0]) {
			return progress
		}

		top.suspended = top.suspended[1:]
		progress = true
	}

	for {
		c, ok := top.item.Peek()
		if !ok {
			break
		}

		if !p.bufferCode(c) {
			return progress
		}

		top.item.Take()
		progress = true
	}

	if p.resolveLocalHead() {
		progress = true
	}

	if len(p.buffered) == 0 {
		if len(top.flushRequests) > 0 {
			f := top.flushRequests[0]
			top.flushRequests = top.flushRequests[1:]
			f <- true

			return true
		}

		top.item.TrySetIdle()
	}

	return progress
}

// HandleReply matches a reply with the oldest code sent. A reply with the
// push flag is continued by the next one.
func (p *Processor) HandleReply(flags ReplyFlags, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.handleReply(flags, text)
}

func (p *Processor) handleReply(flags ReplyFlags, text string) bool {
	p.resolveLocalHead()

	if len(p.buffered) > 0 {
		p.buffered[0].append(flags, text)
		if flags.Has(PushFlag) {
			return true
		}

		p.completeHead()
		p.resolveLocalHead()

		return true
	}

	top := p.top()

	if top.Kind == FrameMacro && top.MacroCompleted {
		resumed := top.startCode != nil
		p.finishMacro()

		if resumed {
			return p.handleReply(flags, text)
		}

		if text != "" {
			p.log.Warn("unexpected reply to a completed macro", zap.String("reply", text))
		}

		return true
	}

	if top.Kind == FramePrompt && text == "" && !flags.Has(PushFlag) {
		p.messageAcknowledged()
		return true
	}

	if text == "" {
		p.log.Debug("empty reply without a code")
		return false
	}

	if p.channel.IsQueue() {
		p.log.Debug("out-of-order reply", zap.String("reply", text))
	} else {
		p.log.Warn("out-of-order reply", zap.String("reply", text))
	}

	if len(p.stash) == maxStashedReplies {
		p.log.Warn("dropping out-of-order reply", zap.String("reply", p.stash[0].text))
		p.stash = p.stash[1:]
	}

	p.stash = append(p.stash, reply{flags: flags, text: text})

	return false
}

// DoMacroFile opens a frame for a macro the firmware asked for. If the macro
// was requested by a code, that code is held back until the macro is done.
func (p *Processor) DoMacroFile(fileName string, fromCode bool) {
	p.mu.Lock()

	var start *bufferedCode
	if fromCode {
		top := p.top()
		if top.Kind == FrameMacro && top.MacroCompleted {
			p.log.Info("finished intermediate macro", zap.String("file", top.Macro.FileName()))

			start = takeStartCode(top)
			p.pop()
		} else {
			p.resolveLocalHead()

			if len(p.buffered) > 0 {
				start = p.buffered[0]
				p.buffered = p.buffered[1:]
				p.bytes -= start.code.BinarySize
			}
		}
	}

	var startCode *code.Code
	if start != nil {
		startCode = start.code
	}

	macro := p.m.macros.Open(fileName, p.channel, fromCode, startCode)
	state := p.push(FrameMacro, macro)
	state.startCode = start

	p.mu.Unlock()

	p.log.Info("starting macro", zap.String("file", fileName), zap.Bool("fromCode", fromCode))
	macro.Start()
	p.m.Wake()
}

// WaitForAcknowledgment blocks the channel until a message box is closed.
func (p *Processor) WaitForAcknowledgment() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.top().Kind != FramePrompt {
		p.log.Debug("waiting for acknowledgment")
		p.push(FramePrompt, nil)
	}
}

// MessageAcknowledged resumes the channel after a message box was closed.
func (p *Processor) MessageAcknowledged() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messageAcknowledged()
}

func (p *Processor) messageAcknowledged() {
	if p.top().Kind == FramePrompt {
		p.log.Debug("message acknowledged")
		p.pop()
	}
}

// IsWaitingForAcknowledgment tells if a message box blocks the channel.
func (p *Processor) IsWaitingForAcknowledgment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.top().WaitingForAcknowledgment
}

// LockMovementAndWaitForStandstill asks the firmware to give the channel the
// motion system. It returns false if the frame was closed first.
func (p *Processor) LockMovementAndWaitForStandstill(ctx context.Context) (bool, error) {
	return p.request(ctx, true)
}

// Unlock releases every resource the channel holds.
func (p *Processor) Unlock(ctx context.Context) error {
	_, err := p.request(ctx, false)
	return err
}

func (p *Processor) request(ctx context.Context, lock bool) (bool, error) {
	r := newLockRequest(lock)

	p.mu.Lock()
	top := p.top()
	top.lockRequests = append(top.lockRequests, r)
	p.mu.Unlock()

	p.m.Wake()

	select {
	case ok := <-r.result:
		return ok, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.dropRequest(r)
	p.mu.Unlock()

	select {
	case ok := <-r.result:
		return ok, nil
	default:
		return false, ctx.Err()
	}
}

func (p *Processor) dropRequest(r *lockRequest) {
	for _, s := range p.stack {
		for i, other := range s.lockRequests {
			if other == r {
				s.lockRequests = append(s.lockRequests[:i], s.lockRequests[i+1:]...)
				return
			}
		}
	}
}

// ResourceLocked is called when the firmware granted a lock.
func (p *Processor) ResourceLocked() {
	p.mu.Lock()
	defer p.mu.Unlock()

	top := p.top()
	if len(top.lockRequests) == 0 || !top.lockRequests[0].lock {
		p.log.Warn("resource locked without a lock request")
		return
	}

	r := top.lockRequests[0]
	top.lockRequests = top.lockRequests[1:]
	r.resolve(true)
}

// Flush waits until the frame owning c has nothing left for the firmware. If
// c is nil the base frame is used. It returns false if the frame was closed
// first.
func (p *Processor) Flush(ctx context.Context, c *code.Code) (bool, error) {
	req := make(chan bool, 1)

	p.mu.Lock()
	state := p.stateFor(c)
	state.flushRequests = append(state.flushRequests, req)
	p.mu.Unlock()

	p.m.Wake()

	select {
	case ok := <-req:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (p *Processor) stateFor(c *code.Code) *State {
	if c == nil {
		return p.stack[0]
	}

	for i := len(p.stack) - 1; i >= 0; i-- {
		if p.stack[i].owns(c.Macro) {
			return p.stack[i]
		}
	}

	p.log.Warn("no frame owns the code, using the innermost frame", logging.Code(c))

	return p.top()
}

// FilesAborted unwinds the channel after the firmware aborted the last file,
// or all files if abortAll is set. A print job on the File channel is aborted
// when the frame that runs it is torn down.
func (p *Processor) FilesAborted(abortAll bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.top().Kind == FramePrompt {
		p.pop()
	}

	if p.channel.IsFile() && (abortAll || p.top().Macro == nil) {
		if job := p.m.jobController(); job != nil {
			job.Abort()
		}
	}

	if abortAll {
		for len(p.stack) > 1 {
			p.pop()
		}

		p.invalidateRegular()

		return
	}

	if top := p.top(); top.Kind == FrameMacro {
		start := takeStartCode(top)
		p.pop()
		p.resumeStartCode(start)
	}

	p.resolveLocalHead()

	// The head is either the start code of the aborted macro or the code the
	// firmware is still executing. Both get a reply.
	if len(p.buffered) > 1 {
		for _, b := range p.buffered[1:] {
			if !b.local {
				p.bytes -= b.code.BinarySize
			}

			p.cancel(b.code)
		}

		p.buffered = p.buffered[:1]
	}
}

// invalidateRegular cancels everything of the base frame and every code the
// firmware holds. It expects all other frames to be gone.
func (p *Processor) invalidateRegular() {
	for _, b := range p.buffered {
		p.cancel(b.code)
	}

	p.buffered = nil
	p.bytes = 0

	base := p.stack[0]

	for _, r := range base.lockRequests {
		r.resolve(false)
	}
	base.lockRequests = nil

	for _, c := range base.suspended {
		p.cancel(c)
	}
	base.suspended = nil

	for _, c := range base.item.Drain() {
		p.cancel(c)
	}

	for _, f := range base.flushRequests {
		f <- false
	}
	base.flushRequests = nil
}

// Invalidate drops every frame and code of the channel and tells the firmware
// to do the same.
func (p *Processor) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.stack) > 1 {
		p.pop()
	}

	p.invalidateRegular()
	p.stash = nil
	p.invalidate = true
}

func (p *Processor) diagnostics(b *strings.Builder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.stack) == 1 && len(p.buffered) == 0 && p.stack[0].item.Len() == 0 &&
		len(p.stash) == 0 {
		return
	}

	fmt.Fprintf(b, "%s: %d of %d bytes buffered\n", p.channel, p.bytes, p.m.budget)

	for _, bc := range p.buffered {
		fmt.Fprintf(b, "  > %s\n", bc.code)
	}

	for i, s := range p.stack {
		s.describe(b, i)
	}

	if len(p.stash) > 0 {
		fmt.Fprintf(b, "  %d out-of-order replies\n", len(p.stash))
	}
}
