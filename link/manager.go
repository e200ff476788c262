package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/config"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/pipeline"
)

// Manager owns the link processors of all channels and schedules them.
type Manager struct {
	hooking.HookableBase

	transport        Transport
	pipeline         *pipeline.Processor
	store            *model.Store
	macros           MacroFactory
	log              *zap.Logger
	budget           int
	headerSize       int
	maxMessageLength int
	tickInterval     time.Duration

	ctx      context.Context
	channels [code.NumChannels]*Processor
	wake     chan struct{}

	mu     sync.Mutex
	job    JobController
	outbox []func() bool
}

// Builder builds managers.
type Builder struct {
	transport Transport
	pipeline  *pipeline.Processor
	store     *model.Store
	macros    MacroFactory
	log       *zap.Logger
	settings  config.Settings
}

// MakeBuilder creates a builder with the default settings.
func MakeBuilder() Builder {
	return Builder{
		log:      zap.NewNop(),
		settings: config.Default(),
	}
}

// WithTransport sets the driver of the firmware link.
func (b Builder) WithTransport(t Transport) Builder {
	b.transport = t
	return b
}

// WithPipeline sets the pipeline whose Firmware stage the manager serves.
func (b Builder) WithPipeline(p *pipeline.Processor) Builder {
	b.pipeline = p
	return b
}

// WithStore sets the object model.
func (b Builder) WithStore(s *model.Store) Builder {
	b.store = s
	return b
}

// WithMacroFactory sets how macro files are opened.
func (b Builder) WithMacroFactory(f MacroFactory) Builder {
	b.macros = f
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *zap.Logger) Builder {
	b.log = log
	return b
}

// WithSettings sets the buffer sizes and the tick interval.
func (b Builder) WithSettings(s config.Settings) Builder {
	b.settings = s
	return b
}

// Build creates the manager and connects it to the pipeline. ctx bounds the
// codes the firmware asks the daemon to run.
func (b Builder) Build(ctx context.Context) *Manager {
	if b.transport == nil || b.pipeline == nil || b.macros == nil {
		log.Panic("a link manager needs a transport, a pipeline and a macro factory")
	}

	if b.store == nil {
		b.store = model.NewStore()
	}

	m := &Manager{
		transport:        b.transport,
		pipeline:         b.pipeline,
		store:            b.store,
		macros:           b.macros,
		log:              b.log,
		budget:           b.settings.MaxBufferSpacePerChannel,
		headerSize:       b.settings.CodeHeaderSize,
		maxMessageLength: b.settings.MaxMessageLength,
		tickInterval:     b.settings.TickInterval,
		ctx:              ctx,
		wake:             make(chan struct{}, 1),
	}

	for _, ch := range code.Channels() {
		m.channels[ch] = newProcessor(m, ch)
	}

	b.pipeline.SetFirmwareLink(m)
	b.pipeline.AcceptHook(hooking.At(pipeline.HookPosFirmwareQueued, func(hooking.HookCtx) {
		m.Wake()
	}))

	return m
}

// Channel returns the link processor of a channel.
func (m *Manager) Channel(ch code.Channel) *Processor {
	return m.channels[ch]
}

// SetJobController connects the job runner that is aborted together with
// the File channel.
func (m *Manager) SetJobController(j JobController) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.job = j
}

func (m *Manager) jobController() JobController {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.job
}

// Wake makes Run tick without waiting for the next interval.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Tick visits every channel in turn until none of them can make progress. It
// never blocks on the firmware.
func (m *Manager) Tick() bool {
	progress := m.sendNotifications()

	for {
		round := false
		for _, p := range m.channels {
			if p.Tick() {
				round = true
			}
		}

		if !round {
			return progress
		}

		progress = true
	}
}

// Run ticks whenever there is work and at least once per tick interval until
// ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		m.Tick()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

func (m *Manager) notify(send func() bool) {
	m.mu.Lock()
	m.outbox = append(m.outbox, send)
	m.mu.Unlock()

	m.Wake()
}

func (m *Manager) sendNotifications() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := false
	for len(m.outbox) > 0 && m.outbox[0]() {
		m.outbox = m.outbox[1:]
		progress = true
	}

	return progress
}

// SetPrintFileInfo tells the firmware which file is about to be printed.
func (m *Manager) SetPrintFileInfo(info model.FileInfo) {
	m.notify(func() bool {
		return m.transport.SendPrintFileInfo(info)
	})
}

// StopPrint tells the firmware that the print has ended.
func (m *Manager) StopPrint(reason model.StopReason) {
	m.notify(func() bool {
		return m.transport.SendPrintStopped(reason)
	})
}

// SendMessage sends text to the firmware, split into fragments the firmware
// can take. All fragments but the last carry the push flag.
func (m *Manager) SendMessage(flags ReplyFlags, text string) {
	chunks := splitMessage(text, m.maxMessageLength)

	m.mu.Lock()
	for i, chunk := range chunks {
		f := flags
		if i < len(chunks)-1 {
			f |= PushFlag
		}

		m.outbox = append(m.outbox, func() bool {
			return m.transport.SendMessage(f, chunk)
		})
	}
	m.mu.Unlock()

	m.Wake()
}

func splitMessage(text string, n int) []string {
	if len(text) <= n {
		return []string{text}
	}

	var chunks []string
	for len(text) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}

		if cut == 0 {
			cut = n
		}

		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}

	if text != "" {
		chunks = append(chunks, text)
	}

	return chunks
}

// ExecuteFirmwareCode runs a code the firmware asked for and sends the result
// back as a message.
func (m *Manager) ExecuteFirmwareCode(ch code.Channel, text string) {
	c, err := gcode.Parse(text, ch)
	if err != nil {
		m.SendMessage(FlagsFor(ch, code.Error), "Failed to parse firmware code: "+err.Error())
		return
	}

	c.SetFlags(code.IsFromFirmware)
	c.SetContext(m.ctx)

	m.log.Info("running code from firmware", zap.Stringer("channel", ch), zap.String("code", text))

	go func() {
		msg, err := m.pipeline.Execute(m.ctx, c)

		switch {
		case errors.Is(err, code.ErrCancelled) || m.ctx.Err() != nil:
			return
		case err != nil:
			m.store.AddMessage(code.Message{
				Type:    code.Error,
				Content: fmt.Sprintf("Failed to execute %s from firmware: %v", text, err),
			})

			return
		case msg.IsEmpty():
			return
		}

		m.SendMessage(FlagsFor(ch, msg.Type), msg.Content)
	}()
}

// HandleReply routes a reply to the channel it is meant for.
func (m *Manager) HandleReply(flags ReplyFlags, text string) bool {
	defer m.Wake()

	for _, p := range m.channels {
		if flags.Has(ChannelFlag(p.channel)) {
			return p.HandleReply(flags, text)
		}
	}

	m.log.Warn("reply for no channel", zap.Uint32("flags", uint32(flags)), zap.String("reply", text))

	return false
}

// ResourceLocked is called when the firmware granted a lock to a channel.
func (m *Manager) ResourceLocked(ch code.Channel) {
	m.channels[ch].ResourceLocked()
	m.Wake()
}

// MacroRequested is called when the firmware wants a macro file to be run.
func (m *Manager) MacroRequested(ch code.Channel, fileName string, fromCode bool) {
	m.channels[ch].DoMacroFile(fileName, fromCode)
}

// AcknowledgmentRequested is called when the firmware opened a blocking
// message box.
func (m *Manager) AcknowledgmentRequested(ch code.Channel) {
	m.channels[ch].WaitForAcknowledgment()
}

// MessageAcknowledged is called when a blocking message box was closed.
func (m *Manager) MessageAcknowledged(ch code.Channel) {
	m.channels[ch].MessageAcknowledged()
	m.Wake()
}

// FilesAborted is called when the firmware aborted the last or all files of
// a channel.
func (m *Manager) FilesAborted(ch code.Channel, abortAll bool) {
	m.channels[ch].FilesAborted(abortAll)
	m.Wake()
}

// InvalidateAll drops the work of every channel, e.g. after the firmware was
// reset.
func (m *Manager) InvalidateAll() {
	for _, p := range m.channels {
		p.Invalidate()
	}

	m.Wake()
}

// Flush waits until the link has completed everything queued before c on a
// channel.
func (m *Manager) Flush(ctx context.Context, ch code.Channel, c *code.Code) (bool, error) {
	return m.channels[ch].Flush(ctx, c)
}

// GetIdleChannel returns a channel with no codes in the firmware.
func (m *Manager) GetIdleChannel() code.Channel {
	for _, p := range m.channels {
		if p.NumBuffered() == 0 {
			return p.channel
		}
	}

	m.log.Warn("no idle channel, using the fallback", zap.Stringer("channel", code.Trigger))

	return code.Trigger
}

// Diagnostics writes the state of every busy channel.
func (m *Manager) Diagnostics(w io.Writer) error {
	var b strings.Builder

	b.WriteString("=== Firmware link ===\n")

	for _, p := range m.channels {
		p.diagnostics(&b)
	}

	m.mu.Lock()
	if len(m.outbox) > 0 {
		fmt.Fprintf(&b, "%d notifications waiting\n", len(m.outbox))
	}
	m.mu.Unlock()

	_, err := io.WriteString(w, b.String())

	return err
}
