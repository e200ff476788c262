// Package logging builds the zap loggers used across the daemon.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/printhost/dcs/code"
)

// New builds the process logger. Console output is meant for a terminal,
// otherwise logs are JSON lines.
func New(level string, console bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if console {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = !console

	return cfg.Build()
}

// ForChannel returns a child logger named after a channel.
func ForChannel(log *zap.Logger, ch code.Channel) *zap.Logger {
	return log.Named(ch.String())
}

// Code returns the fields that identify a code in a log entry.
func Code(c *code.Code) zap.Field {
	return zap.Object("code", codeMarshaler{c})
}

type codeMarshaler struct {
	c *code.Code
}

func (m codeMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", m.c.ID)
	enc.AddString("channel", m.c.Channel.String())
	enc.AddString("text", m.c.String())

	if m.c.Macro != nil {
		enc.AddString("macro", m.c.Macro.FileName())
	}

	if m.c.FilePosition >= 0 {
		enc.AddInt64("position", m.c.FilePosition)
	}

	return nil
}
