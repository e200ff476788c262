// Package code defines the Code, the unit of work that flows through every
// stage of the daemon.
package code

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/printhost/dcs/id"
)

// ErrCancelled is reported by Wait when a code was cancelled instead of being
// executed.
var ErrCancelled = errors.New("code cancelled")

// ErrCodeTooLarge cancels a code whose encoding can never fit into the
// firmware buffer of its channel.
var ErrCodeTooLarge = errors.New("code too large for the firmware buffer")

// Macro identifies the macro file that owns a code. Codes are routed into the
// execution frame opened for their macro.
type Macro interface {
	FileName() string
}

// Parameter is a letter and the value that follows it.
type Parameter struct {
	Letter   byte
	Value    string
	IsString bool
}

// Int returns the parameter as an integer.
func (p Parameter) Int() (int, error) {
	f, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %c: %w", p.Letter, err)
	}

	return int(f), nil
}

// Float returns the parameter as a float.
func (p Parameter) Float() (float64, error) {
	f, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %c: %w", p.Letter, err)
	}

	return f, nil
}

func (p Parameter) String() string {
	if p.IsString {
		return fmt.Sprintf("%c\"%s\"", p.Letter, strings.ReplaceAll(p.Value, "\"", "\"\""))
	}

	return string(p.Letter) + p.Value
}

// A Code is one parsed G/M/T-code together with its execution state.
//
// A code is owned by exactly one stage at a time, so its exported fields are
// only mutated by the current owner. Resolution is synchronised and happens
// exactly once; resolving a code twice panics.
type Code struct {
	ID         string
	Channel    Channel
	Kind       Kind
	Major      int
	Minor      int
	Parameters []Parameter
	Comment    string
	Flags      Flags
	Stage      Stage

	// Result is nil until a stage produces one. A nil result at the end of
	// the pipeline means the code was cancelled.
	Result *Message

	// Fault is set when a stage failed with an unexpected error. The code is
	// then resolved with this error.
	Fault error

	LineNumber   int64
	FilePosition int64
	Length       int

	Macro      Macro
	BinarySize int

	ctx context.Context

	mu           sync.Mutex
	done         chan struct{}
	resolved     bool
	err          error
	afterResolve []func()
}

// New creates an empty code on a channel.
func New(ch Channel) *Code {
	c := &Code{}
	c.init(ch)

	return c
}

func (c *Code) init(ch Channel) {
	c.ID = id.New()
	c.Channel = ch
	c.Kind = Comment
	c.Major = -1
	c.Minor = -1
	c.FilePosition = -1
	c.done = make(chan struct{})
}

// Reset clears the code so that it can be reused from a pool. It must not be
// called while the code is in flight.
func (c *Code) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Parameters = c.Parameters[:0]
	c.Comment = ""
	c.Flags = 0
	c.Stage = StageStart
	c.Result = nil
	c.Fault = nil
	c.LineNumber = 0
	c.Length = 0
	c.Macro = nil
	c.BinarySize = 0
	c.ctx = nil
	c.resolved = false
	c.err = nil
	c.afterResolve = nil
	c.init(c.Channel)
}

// Context returns the cancellation handle of the code.
func (c *Code) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}

	return c.ctx
}

// SetContext replaces the cancellation handle of the code.
func (c *Code) SetContext(ctx context.Context) {
	c.ctx = ctx
}

// IsCancelled tells if the cancellation handle of the code has fired.
func (c *Code) IsCancelled() bool {
	return c.Context().Err() != nil
}

// SetFlags adds flags to the code. Flags are never cleared until Reset.
func (c *Code) SetFlags(f Flags) {
	c.Flags |= f
}

// IsComment tells if the code is a whole-line comment.
func (c *Code) IsComment() bool {
	return c.Kind == Comment
}

// Is tells if the code has the given letter and major number.
func (c *Code) Is(kind Kind, major int) bool {
	return c.Kind == kind && c.Major == major
}

// Param looks up a parameter by letter.
func (c *Code) Param(letter byte) (Parameter, bool) {
	for _, p := range c.Parameters {
		if p.Letter == letter {
			return p, true
		}
	}

	return Parameter{}, false
}

// SetFinished resolves the code with its current result.
func (c *Code) SetFinished() {
	c.resolve(nil)
}

// SetCancelled resolves the code as cancelled.
func (c *Code) SetCancelled() {
	c.Result = nil
	c.resolve(ErrCancelled)
}

// SetError resolves the code with a fault.
func (c *Code) SetError(err error) {
	if err == nil {
		log.Panic("resolving a code with a nil error")
	}

	c.resolve(err)
}

func (c *Code) resolve(err error) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		log.Panicf("code %s (%s) resolved twice", c.ID, c.ShortString())
	}

	c.resolved = true
	c.err = err
	callbacks := c.afterResolve
	c.afterResolve = nil
	close(c.done)
	c.mu.Unlock()

	for _, f := range callbacks {
		f()
	}
}

// AfterResolve registers a function that runs once the code is resolved. If
// the code is already resolved, f runs immediately.
func (c *Code) AfterResolve(f func()) {
	c.mu.Lock()
	if !c.resolved {
		c.afterResolve = append(c.afterResolve, f)
		c.mu.Unlock()

		return
	}
	c.mu.Unlock()

	f()
}

// IsResolved tells if the code has been resolved.
func (c *Code) IsResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.resolved
}

// Done returns a channel that is closed when the code is resolved.
func (c *Code) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.done
}

// Err returns ErrCancelled, the fault, or nil once the code is resolved.
func (c *Code) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Wait blocks until the code is resolved and returns its result.
func (c *Code) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-c.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.Err(); err != nil {
		return nil, err
	}

	return c.Result, nil
}

// ShortString returns the letter and number of the code, e.g. "M98.1".
func (c *Code) ShortString() string {
	if c.Kind == Comment {
		return "(comment)"
	}

	s := c.Kind.String()
	if c.Major >= 0 {
		s += strconv.Itoa(c.Major)
	}

	if c.Minor >= 0 {
		s += "." + strconv.Itoa(c.Minor)
	}

	return s
}

func (c *Code) String() string {
	var b strings.Builder

	if c.Kind != Comment {
		b.WriteString(c.ShortString())

		for _, p := range c.Parameters {
			b.WriteByte(' ')
			b.WriteString(p.String())
		}
	}

	if c.Comment != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		b.WriteString(";" + c.Comment)
	}

	return b.String()
}
