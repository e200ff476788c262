package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/logging"
)

type stageFunc func(ctx context.Context, p *Pipeline, item *StackItem, c *code.Code) error

// Firmware frames are serviced by the firmware link and have no stage logic.
var stageFuncs = [code.NumStages]stageFunc{
	code.StageStart:    processStart,
	code.StagePre:      processPre,
	code.StageInternal: processInternal,
	code.StagePost:     processPost,
	code.StageExecuted: processExecuted,
}

// processStart holds codes back while an unbuffered code of the same frame is
// still being executed. Prioritized codes pass.
func processStart(ctx context.Context, p *Pipeline, item *StackItem, c *code.Code) error {
	if !c.Flags.Has(code.IsPrioritized) {
		select {
		case <-item.gate.C():
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Context().Done():
			return c.Context().Err()
		}
	}

	if c.Flags.Has(code.Unbuffered) {
		item.gate.Add(1)
		c.AfterResolve(item.gate.Done)
	}

	return p.channel.Write(ctx, c, code.StagePre)
}

func processPre(ctx context.Context, p *Pipeline, _ *StackItem, c *code.Code) error {
	return intercept(ctx, p, c, InterceptPre, code.IsPreProcessed, code.StageInternal)
}

func processPost(ctx context.Context, p *Pipeline, _ *StackItem, c *code.Code) error {
	return intercept(ctx, p, c, InterceptPost, code.IsPostProcessed, code.StageFirmware)
}

func intercept(
	ctx context.Context,
	p *Pipeline,
	c *code.Code,
	mode InterceptionMode,
	flag code.Flags,
	next code.Stage,
) error {
	if !c.Flags.Has(flag) {
		resolved, err := p.processor.interceptor.Intercept(ctx, c, mode)
		if err != nil {
			return err
		}

		c.SetFlags(flag)

		if resolved {
			return p.channel.Write(ctx, c, code.StageExecuted)
		}
	}

	return p.channel.Write(ctx, c, next)
}

func processInternal(ctx context.Context, p *Pipeline, _ *StackItem, c *code.Code) error {
	if !c.Flags.Has(code.IsInternallyProcessed) {
		resolved, err := p.processor.local.Process(ctx, c)
		if err != nil {
			return err
		}

		c.SetFlags(code.IsInternallyProcessed)

		if resolved {
			return p.channel.Write(ctx, c, code.StageExecuted)
		}
	}

	return p.channel.Write(ctx, c, code.StagePost)
}

func processExecuted(ctx context.Context, p *Pipeline, _ *StackItem, c *code.Code) error {
	if c.IsResolved() {
		return nil
	}

	log := p.log.With(logging.Code(c))

	if c.Fault == nil && c.Result != nil {
		if c.Result.Type != code.Success && !c.Flags.Has(code.IsPostProcessed) &&
			!strings.HasPrefix(c.Result.Content, c.ShortString()) {
			c.Result.Content = c.ShortString() + ": " + c.Result.Content
		}

		if p.channel.Emulation() == EmulationMarlin && !c.Flags.Has(code.IsFromMacro) {
			if c.Result.IsEmpty() {
				c.Result.Content = "ok\n"
			} else {
				c.Result.Content += "\nok\n"
			}
		}

		logResult(log, c)
	}

	if _, err := p.processor.interceptor.Intercept(ctx, c, InterceptExecuted); err != nil {
		log.Warn("interceptor failed on executed code", zap.Error(err))
	}

	p.processor.resolve(c)

	return nil
}

func logResult(log *zap.Logger, c *code.Code) {
	switch {
	case c.Result.Type == code.Error:
		log.Error(c.Result.Content)
	case c.Result.Type == code.Warning:
		log.Warn(c.Result.Content)
	case !c.Result.IsEmpty():
		log.Debug(c.Result.Content)
	}
}
