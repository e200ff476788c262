// Package macro runs macro files. A macro reads its file one code at a time,
// keeps a few codes in flight and awaits them in the order they were read.
package macro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/syncutil"
)

// Executor starts codes. It is implemented by the pipeline processor.
type Executor interface {
	Start(ctx context.Context, c *code.Code) error
}

// Macro is a macro file executed in its own frame of a channel.
type Macro struct {
	fileName         string
	path             string
	channel          code.Channel
	fromCode         bool
	startCode        *code.Code
	isConfig         bool
	isConfigOverride bool

	executor  Executor
	store     *model.Store
	log       *zap.Logger
	lookAhead int
	onDispose func(m *Macro)

	file   *os.File
	reader *gcode.Reader
	extra  []*code.Code

	lock     *syncutil.Lock
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	finished *syncutil.Event

	started   atomic.Bool
	executing atomic.Bool
	aborted   atomic.Bool
	hadError  atomic.Bool

	closeOnce   sync.Once
	disposeOnce sync.Once

	resultMu sync.Mutex
	result   *code.Message
}

// FileName returns the name the macro was requested with.
func (m *Macro) FileName() string {
	return m.fileName
}

// Path returns the file that is executed.
func (m *Macro) Path() string {
	return m.path
}

// Channel returns the channel the macro runs on.
func (m *Macro) Channel() code.Channel {
	return m.channel
}

// IsNested tells if the macro was started by a code.
func (m *Macro) IsNested() bool {
	return m.fromCode
}

// IsConfig tells if the macro is the startup file.
func (m *Macro) IsConfig() bool {
	return m.isConfig
}

// StartCode returns the code that requested the macro, if any.
func (m *Macro) StartCode() *code.Code {
	return m.startCode
}

// Lock waits until the macro is not reading its file.
func (m *Macro) Lock(ctx context.Context) error {
	return m.lock.Lock(ctx)
}

// TryLock locks the macro if it is not reading its file.
func (m *Macro) TryLock() bool {
	return m.lock.TryLock()
}

// Unlock releases the lock.
func (m *Macro) Unlock() {
	m.lock.Unlock()
}

// IsExecuting tells if codes of the macro may still be started.
func (m *Macro) IsExecuting() bool {
	return m.executing.Load()
}

// IsAborted tells if the macro was aborted.
func (m *Macro) IsAborted() bool {
	return m.aborted.Load()
}

// HadError tells if the macro could not be run to its end.
func (m *Macro) HadError() bool {
	return m.hadError.Load()
}

// Result returns the output of the codes of the macro.
func (m *Macro) Result() code.Message {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()

	if m.result == nil {
		return code.Message{}
	}

	return *m.result
}

// Start begins reading the file. Calling Start again has no effect.
func (m *Macro) Start() {
	if m.started.Swap(true) {
		return
	}

	if !m.executing.Load() {
		m.closeFile()
		m.finished.Set()

		return
	}

	go m.run()
}

// WaitForFinish blocks until the macro has stopped reading its file.
func (m *Macro) WaitForFinish(ctx context.Context) error {
	return m.finished.Wait(ctx)
}

// Abort stops the macro. The codes in flight are cancelled.
func (m *Macro) Abort() {
	if m.aborted.Swap(true) {
		return
	}

	m.hadError.Store(true)
	m.executing.Store(false)
	m.cancel()

	m.log.Info("aborted macro file")
}

// Dispose releases the file and the cancellation source of the macro.
func (m *Macro) Dispose() {
	m.disposeOnce.Do(func() {
		m.executing.Store(false)
		m.cancel()

		if !m.started.Load() {
			m.closeFile()
			m.finished.Set()
		}

		if m.isConfig || m.isConfigOverride {
			go m.finishConfig()
		}

		if m.onDispose != nil {
			m.onDispose(m)
		}
	})
}

// finishConfig clears the startup flag once the object model has been
// refreshed after the startup file.
func (m *Macro) finishConfig() {
	if err := m.store.WaitForFullUpdate(m.parent); err != nil {
		return
	}

	m.store.SetRunningConfig(false)
	m.log.Debug("configuration applied")
}

func (m *Macro) closeFile() {
	m.closeOnce.Do(func() {
		if m.file != nil {
			_ = m.file.Close()
		}
	})
}

func (m *Macro) run() {
	defer m.finished.Set()
	defer m.closeFile()

	var inFlight []*code.Code

	for {
		if err := m.lock.Lock(m.ctx); err != nil {
			break
		}

		for len(inFlight) < m.lookAhead && !m.aborted.Load() {
			c := m.readCode()
			if c == nil {
				break
			}

			if err := m.executor.Start(m.ctx, c); err != nil {
				if m.ctx.Err() == nil {
					m.output(code.Error, fmt.Sprintf("Failed to start %s: %v", c.ShortString(), err))
				}

				m.Abort()

				break
			}

			inFlight = append(inFlight, c)
		}

		if len(inFlight) == 0 {
			if !m.aborted.Load() {
				m.log.Debug("finished codes of macro file")
			}

			m.executing.Store(false)
			m.lock.Unlock()

			break
		}

		m.lock.Unlock()

		c := inFlight[0]
		inFlight = inFlight[1:]

		if !m.await(c) {
			break
		}
	}

	if m.aborted.Load() {
		m.Dispose()
	}
}

func (m *Macro) await(c *code.Code) bool {
	msg, err := c.Wait(m.ctx)

	switch {
	case err == nil:
		if msg != nil && !msg.IsEmpty() {
			m.addResult(msg)

			if !m.fromCode {
				m.store.AddMessage(*msg)
			}
		}

		return true
	case errors.Is(err, code.ErrCancelled) || m.ctx.Err() != nil:
		m.log.Debug("code cancelled, aborting macro", zap.String("code", c.ShortString()))
	default:
		m.output(code.Error, fmt.Sprintf("Failed to execute %s: %v", c.ShortString(), err))
	}

	m.Abort()

	return false
}

func (m *Macro) addResult(msg *code.Message) {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()

	if m.result == nil {
		m.result = code.NewMessage(msg.Type, msg.Content)
		return
	}

	m.result.Append(msg.Content)
	if msg.Type > m.result.Type {
		m.result.Type = msg.Type
	}
}

func (m *Macro) output(t code.MessageType, text string) {
	switch t {
	case code.Error:
		m.log.Error(text)
	case code.Warning:
		m.log.Warn(text)
	default:
		m.log.Info(text)
	}

	msg := code.Message{Type: t, Content: text}
	m.store.AddMessage(msg)

	if m.fromCode {
		m.addResult(&msg)
	}
}

// readCode returns the next code to start, or nil at the end of the file.
func (m *Macro) readCode() *code.Code {
	var c *code.Code
	if len(m.extra) > 0 {
		c, m.extra = m.extra[0], m.extra[1:]
	} else if c = m.next(); c == nil {
		return nil
	}

	c.FilePosition = -1
	c.SetFlags(code.IsFromMacro)

	if m.isConfig {
		c.SetFlags(code.IsFromConfig)
	}

	if m.isConfigOverride {
		c.SetFlags(code.IsFromConfigOverride)
	}

	if m.fromCode {
		c.SetFlags(code.IsNestedMacro)
	}

	c.Macro = m
	c.SetContext(m.ctx)

	return c
}

func (m *Macro) next() *code.Code {
	if m.reader == nil {
		return nil
	}

	for !m.aborted.Load() {
		c, err := m.reader.Next()

		var parseErr *gcode.ParseError

		switch {
		case err == nil:
			return c
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &parseErr):
			m.output(code.Error, fmt.Sprintf("Failed to parse %s, %v", m.fileName, err))
		default:
			m.output(code.Error, fmt.Sprintf("Failed to read %s: %v", m.fileName, err))
			m.Abort()

			return nil
		}
	}

	return nil
}
