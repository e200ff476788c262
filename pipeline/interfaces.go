package pipeline

import (
	"context"

	"github.com/printhost/dcs/code"
)

// InterceptionMode tells an Interceptor at which point it is called.
type InterceptionMode int

// Interception modes.
const (
	InterceptPre InterceptionMode = iota
	InterceptPost
	InterceptExecuted
)

func (m InterceptionMode) String() string {
	switch m {
	case InterceptPre:
		return "Pre"
	case InterceptPost:
		return "Post"
	default:
		return "Executed"
	}
}

// Interceptor gives plugins a chance to handle codes. It returns true if it
// resolved the code, in which case it has set the code's result. In Executed
// mode the return value is ignored.
type Interceptor interface {
	Intercept(ctx context.Context, c *code.Code, mode InterceptionMode) (bool, error)
}

// LocalProcessor executes codes that the daemon handles itself.
type LocalProcessor interface {
	Process(ctx context.Context, c *code.Code) (bool, error)
}

// FirmwareLink is the part of the firmware link the pipeline needs. Flush
// waits until the link has sent and completed everything queued before c on
// the channel, or everything on the channel if c is nil. It returns false if
// the frame owning the code went away first.
type FirmwareLink interface {
	Flush(ctx context.Context, ch code.Channel, c *code.Code) (bool, error)
}

// NopInterceptor never resolves a code.
type NopInterceptor struct{}

// Intercept implements Interceptor.
func (NopInterceptor) Intercept(context.Context, *code.Code, InterceptionMode) (bool, error) {
	return false, nil
}

// NopProcessor never resolves a code.
type NopProcessor struct{}

// Process implements LocalProcessor.
func (NopProcessor) Process(context.Context, *code.Code) (bool, error) {
	return false, nil
}

// Emulation selects how results are formatted for a channel.
type Emulation int32

// Emulation modes.
const (
	EmulationNone Emulation = iota
	EmulationMarlin
)
