package link

import (
	"fmt"
	"strings"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/pipeline"
)

// FrameKind tells what opened a frame.
type FrameKind int

// Frame kinds.
const (
	FrameBase FrameKind = iota
	FrameMacro
	FramePrompt
)

func (k FrameKind) String() string {
	switch k {
	case FrameMacro:
		return "macro"
	case FramePrompt:
		return "prompt"
	default:
		return "base"
	}
}

type lockRequest struct {
	lock   bool
	sent   bool
	result chan bool
}

func newLockRequest(lock bool) *lockRequest {
	return &lockRequest{lock: lock, result: make(chan bool, 1)}
}

func (r *lockRequest) resolve(ok bool) {
	r.result <- ok
}

// State is one frame of a channel as seen by the link.
type State struct {
	Kind  FrameKind
	Macro Macro

	// item is the Firmware frame of the pipeline that holds the codes not
	// sent yet.
	item *pipeline.StackItem

	// startCode is the code that requested the macro, with the output it has
	// collected so far. It is handed back to the frame beneath once the
	// macro is done.
	startCode *bufferedCode

	suspended     []*code.Code
	lockRequests  []*lockRequest
	flushRequests []chan bool

	WaitingForAcknowledgment bool
	MacroStarted             bool
	MacroCompleted           bool

	motionActive bool
}

func newState(kind FrameKind, macro Macro, item *pipeline.StackItem) *State {
	return &State{
		Kind:                     kind,
		Macro:                    macro,
		item:                     item,
		WaitingForAcknowledgment: kind == FramePrompt,
	}
}

// owns tells if codes of the given macro belong to the frame.
func (s *State) owns(macro code.Macro) bool {
	if s.Macro == nil {
		return macro == nil
	}

	return macro != nil && code.Macro(s.Macro) == macro
}

func (s *State) describe(b *strings.Builder, depth int) {
	fmt.Fprintf(b, "  [%d] %s", depth, s.Kind)

	if s.Macro != nil {
		fmt.Fprintf(b, " %s", s.Macro.FileName())
	}

	if s.startCode != nil {
		fmt.Fprintf(b, ", started by %s", s.startCode.code)
	}

	fmt.Fprintf(b, ", %d pending", s.item.Len())

	if len(s.suspended) > 0 {
		fmt.Fprintf(b, ", %d suspended", len(s.suspended))
	}

	if len(s.lockRequests) > 0 {
		fmt.Fprintf(b, ", %d lock requests", len(s.lockRequests))
	}

	if len(s.flushRequests) > 0 {
		fmt.Fprintf(b, ", %d flush requests", len(s.flushRequests))
	}

	if s.MacroCompleted {
		b.WriteString(", completed")
	} else if s.MacroStarted {
		b.WriteString(", started")
	}

	b.WriteByte('\n')
}
