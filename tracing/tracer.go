// Package tracing records the life of codes into a database so that slow
// stages and channels can be found after the fact.
package tracing

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/pipeline"
)

// Table names.
const (
	EventTable = "code_event"
	CodeTable  = "code"
)

// Event is one hook position a code passed.
type Event struct {
	CodeID   string
	Channel  string
	Code     string
	Position string
	Time     int64
	Detail   string
}

// Span is the whole life of a code, from Start to resolution.
type Span struct {
	CodeID     string
	Channel    string
	Code       string
	Macro      string
	StartTime  int64
	EndTime    int64
	DurationMs float64
	Status     string
}

// CodeTracer is a hook that writes every event it sees and one span per
// code once the code is resolved.
type CodeTracer struct {
	rec   Recorder
	log   *zap.Logger
	clock func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// NewCodeTracer creates the tables of the tracer.
func NewCodeTracer(rec Recorder, log *zap.Logger) (*CodeTracer, error) {
	if err := rec.CreateTable(EventTable, Event{}); err != nil {
		return nil, err
	}

	if err := rec.CreateTable(CodeTable, Span{}); err != nil {
		return nil, err
	}

	return &CodeTracer{
		rec:     rec,
		log:     log,
		clock:   time.Now,
		started: make(map[string]time.Time),
	}, nil
}

// Collect registers the tracer with a domain.
func Collect(domain hooking.Hookable, t *CodeTracer) {
	for _, h := range domain.Hooks() {
		if h == t {
			log.Panicf("domain %s already has tracer %s",
				reflect.TypeOf(domain), reflect.TypeOf(t))
		}
	}

	domain.AcceptHook(t)
}

// InFlight returns the number of codes started but not yet resolved.
func (t *CodeTracer) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.started)
}

// Func implements hooking.Hook.
func (t *CodeTracer) Func(ctx hooking.HookCtx) {
	c, ok := ctx.Item.(*code.Code)
	if !ok || c == nil {
		return
	}

	now := t.clock()

	ev := Event{
		CodeID:   c.ID,
		Channel:  c.Channel.String(),
		Code:     c.String(),
		Position: ctx.Pos.Name,
		Time:     now.UnixNano(),
	}
	if ctx.Detail != nil {
		ev.Detail = fmt.Sprint(ctx.Detail)
	}

	t.record(EventTable, ev)

	switch ctx.Pos {
	case pipeline.HookPosCodeStarted:
		t.mu.Lock()
		t.started[c.ID] = now
		t.mu.Unlock()
	case pipeline.HookPosCodeResolved:
		t.mu.Lock()
		start, ok := t.started[c.ID]
		delete(t.started, c.ID)
		t.mu.Unlock()

		if !ok {
			start = now
		}

		t.record(CodeTable, Span{
			CodeID:     c.ID,
			Channel:    ev.Channel,
			Code:       ev.Code,
			Macro:      macroName(c),
			StartTime:  start.UnixNano(),
			EndTime:    now.UnixNano(),
			DurationMs: float64(now.Sub(start)) / float64(time.Millisecond),
			Status:     status(ctx.Detail),
		})
	}
}

func (t *CodeTracer) record(table string, entry any) {
	if err := t.rec.Insert(table, entry); err != nil {
		t.log.Warn("failed to record trace", zap.String("table", table), zap.Error(err))
	}
}

func macroName(c *code.Code) string {
	if c.Macro == nil {
		return ""
	}

	return c.Macro.FileName()
}

func status(detail any) string {
	err, _ := detail.(error)

	switch {
	case err == nil:
		return "done"
	case errors.Is(err, code.ErrCancelled):
		return "cancelled"
	default:
		return err.Error()
	}
}
