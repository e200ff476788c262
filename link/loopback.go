package link

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/queueing"
)

// modelRefreshInterval is how often the loopback reports a full refresh of
// the object model.
const modelRefreshInterval = 250 * time.Millisecond

// Loopback stands in for the firmware. It replies to every code at once,
// asks for the macros that M98 and G28 run, grants locks immediately and
// accepts every notification. Its events are delivered by Run.
type Loopback struct {
	log             *zap.Logger
	protocolVersion int
	events          *queueing.Queue[func(Callbacks)]

	mu       sync.Mutex
	cb       Callbacks
	levels   [code.NumChannels][]*code.Code
	fileInfo *model.FileInfo
	messages []string
	store    *model.Store
	started  time.Time
}

// NewLoopback creates a loopback that speaks the given protocol version.
func NewLoopback(protocolVersion int, log *zap.Logger) *Loopback {
	return &Loopback{
		log:             log.Named("loopback"),
		protocolVersion: protocolVersion,
		events:          queueing.MakeBuilder[func(Callbacks)]().Build("loopback"),
	}
}

// UpdateModel makes the loopback keep the object model up to date, as the
// firmware does. It writes the duration of every stopped print and, while
// Run is active, reports a full refresh of the model periodically.
func (l *Loopback) UpdateModel(s *model.Store) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store = s
}

// Bind sets the receiver of the events.
func (l *Loopback) Bind(cb Callbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cb = cb
}

// Run delivers events and refreshes the object model until ctx is done.
func (l *Loopback) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.deliver(ctx) })
	g.Go(func() error { return l.refresh(ctx) })

	return g.Wait()
}

func (l *Loopback) deliver(ctx context.Context) error {
	for {
		ev, err := l.events.Read(ctx)
		if err != nil {
			return err
		}

		l.mu.Lock()
		cb := l.cb
		l.mu.Unlock()

		if cb != nil {
			ev(cb)
		}
	}
}

func (l *Loopback) refresh(ctx context.Context) error {
	ticker := time.NewTicker(modelRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		l.mu.Lock()
		store := l.store
		l.mu.Unlock()

		if store != nil {
			store.NotifyFullUpdate()
		}
	}
}

func (l *Loopback) post(ev func(Callbacks)) {
	l.events.TryWrite(ev)
}

func (l *Loopback) reply(ch code.Channel, flags ReplyFlags, text string) {
	l.post(func(cb Callbacks) {
		cb.HandleReply(ChannelFlag(ch)|flags, text)
	})
}

// Encode implements Transport.
func (l *Loopback) Encode(c *code.Code) int {
	return len(c.String())
}

// SendCode implements Transport. While a macro is open on a channel only the
// codes of macros are executed, like the firmware does.
func (l *Loopback) SendCode(c *code.Code, _ int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := c.Channel
	if len(l.levels[ch]) > 0 && !c.Flags.Has(code.IsFromMacro) {
		l.log.Debug("discarding code while a macro is open", zap.String("code", c.String()))
		return true
	}

	if file, ok := requestedMacro(c); ok {
		l.levels[ch] = append(l.levels[ch], c)
		l.post(func(cb Callbacks) {
			cb.MacroRequested(ch, file, true)
		})

		return true
	}

	l.reply(ch, 0, replyTo(c))

	if c.Is(code.M, 291) {
		if s, ok := c.Param('S'); ok {
			if mode, err := s.Int(); err == nil && mode >= 2 {
				l.post(func(cb Callbacks) {
					cb.AcknowledgmentRequested(ch)
				})
			}
		}
	}

	return true
}

func requestedMacro(c *code.Code) (string, bool) {
	switch {
	case c.Is(code.M, 98):
		if p, ok := c.Param('P'); ok {
			return p.Value, true
		}
	case c.Is(code.G, 28) && len(c.Parameters) == 0:
		return "homeall.g", true
	}

	return "", false
}

func replyTo(c *code.Code) string {
	if c.Is(code.M, 115) {
		return "FIRMWARE_NAME: loopback FIRMWARE_VERSION: 1.0"
	}

	return ""
}

// SendControl implements Transport.
func (l *Loopback) SendControl(ch code.Channel, ctl Control) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ctl {
	case ControlLock:
		l.post(func(cb Callbacks) {
			cb.ResourceLocked(ch)
		})
	case ControlMacroCompleted, ControlMacroFailed:
		levels := l.levels[ch]
		if len(levels) == 0 {
			l.log.Warn("macro completed without a request", zap.Stringer("channel", ch))
			return true
		}

		startCode := levels[len(levels)-1]
		l.levels[ch] = levels[:len(levels)-1]

		switch {
		case startCode != nil && ctl == ControlMacroFailed:
			l.reply(ch, ErrorFlag, "macro failed")
		case startCode != nil || l.protocolVersion < 2:
			l.reply(ch, 0, "")
		}
	case ControlInvalidate:
		l.levels[ch] = nil
	}

	return true
}

// SendPrintFileInfo implements Transport.
func (l *Loopback) SendPrintFileInfo(info model.FileInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fileInfo = &info
	l.started = time.Now()
	l.log.Info("printing file", zap.String("file", info.FileName))

	return true
}

// SendPrintStopped implements Transport.
func (l *Loopback) SendPrintStopped(reason model.StopReason) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileInfo != nil && l.store != nil {
		seconds := int64(math.Ceil(time.Since(l.started).Seconds()))
		l.store.Update(func(m *model.Model) {
			m.Job.LastDuration = &seconds
		})
	}

	l.fileInfo = nil
	l.log.Info("print stopped", zap.Stringer("reason", reason))

	return true
}

// SendMessage implements Transport.
func (l *Loopback) SendMessage(flags ReplyFlags, text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.messages = append(l.messages, text)
	l.log.Debug("message", zap.Stringer("type", flags.MessageType()),
		zap.Bool("push", flags.Has(PushFlag)), zap.String("text", text))

	return true
}

// ProtocolVersion implements Transport.
func (l *Loopback) ProtocolVersion() int {
	return l.protocolVersion
}

// PrintFile returns the file the firmware was told about, if any.
func (l *Loopback) PrintFile() (model.FileInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileInfo == nil {
		return model.FileInfo{}, false
	}

	return *l.fileInfo, true
}

// Messages returns the message fragments received so far.
func (l *Loopback) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.messages...)
}

// RequestMacro asks the daemon to run a macro on its own, as the firmware
// does for the startup file or a trigger.
func (l *Loopback) RequestMacro(ch code.Channel, fileName string) {
	l.mu.Lock()
	l.levels[ch] = append(l.levels[ch], nil)
	l.mu.Unlock()

	l.post(func(cb Callbacks) {
		cb.MacroRequested(ch, fileName, false)
	})
}

// AbortFiles reports that the firmware aborted the last or all files of a
// channel.
func (l *Loopback) AbortFiles(ch code.Channel, abortAll bool) {
	var startCode *code.Code

	l.mu.Lock()
	switch {
	case abortAll:
		l.levels[ch] = nil
	case len(l.levels[ch]) > 0:
		levels := l.levels[ch]
		startCode = levels[len(levels)-1]
		l.levels[ch] = levels[:len(levels)-1]
	}
	l.mu.Unlock()

	l.post(func(cb Callbacks) {
		cb.FilesAborted(ch, abortAll)
	})

	if startCode != nil {
		l.reply(ch, 0, "")
	}
}

// RequestCode asks the daemon to run a code for the firmware.
func (l *Loopback) RequestCode(ch code.Channel, text string) {
	l.post(func(cb Callbacks) {
		cb.ExecuteFirmwareCode(ch, text)
	})
}
