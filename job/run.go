package job

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/logging"
	"github.com/printhost/dcs/model"
)

// Run processes the selected files until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	for {
		if err := j.waitForStart(ctx); err != nil {
			return err
		}

		if err := j.process(ctx); err != nil {
			j.finish()
			return err
		}

		j.finish()
	}
}

// waitForStart blocks until a selected file was resumed or stopped.
func (j *Job) waitForStart(ctx context.Context) error {
	for {
		j.mu.Lock()
		if j.file != nil && j.started {
			j.processing = !j.closed
			j.mu.Unlock()

			return nil
		}

		wake := j.changed.C()
		j.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *Job) process(ctx context.Context) error {
	if !j.IsProcessing() {
		return nil
	}

	j.log.Info("starting file print")
	j.store.Update(func(m *model.Model) {
		m.Job.Processing = true
	})

	var (
		free     = make([]*code.Code, 0, j.poolSize)
		inFlight = make([]*code.Code, 0, j.poolSize)
		next     int64
	)

	for i := 0; i < j.poolSize; i++ {
		free = append(free, code.New(j.channel))
	}

	for ctx.Err() == nil {
		for len(free) > 0 {
			c := free[len(free)-1]
			if !j.read(c) {
				break
			}

			free = free[:len(free)-1]

			jobCtx := c.Context()
			if err := j.executor.Start(jobCtx, c); err != nil {
				if jobCtx.Err() == nil {
					j.output(code.Error, fmt.Sprintf("Failed to start %s: %v", c.ShortString(), err))
				}

				c.Reset()
				free = append(free, c)

				break
			}

			inFlight = append(inFlight, c)
		}

		if len(inFlight) > 0 {
			c := inFlight[0]
			inFlight = inFlight[1:]

			if err := j.await(ctx, c, &next); err != nil {
				return err
			}

			c.Reset()
			free = append(free, c)

			continue
		}

		if !j.waitWhilePaused(ctx, next) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	j.complete(ctx)

	return nil
}

// read fills c with the next code of the file. It returns false when no
// code may be read now.
func (j *Job) read(c *code.Code) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for !j.closed && !j.paused {
		err := j.reader.ReadInto(c)

		var parseErr *gcode.ParseError

		switch {
		case err == nil:
			c.SetContext(j.jobCtx)
			return true
		case errors.Is(err, io.EOF):
			return false
		case errors.As(err, &parseErr):
			j.outputLocked(code.Error, fmt.Sprintf("Failed to parse %s, %v", j.fileName, err))
			c.Reset()
		default:
			j.closed = true
			j.outputLocked(code.Error, fmt.Sprintf("Failed to read code from job file: %v", err))
		}
	}

	return false
}

func (j *Job) await(ctx context.Context, c *code.Code, next *int64) error {
	msg, err := c.Wait(ctx)

	switch {
	case err == nil:
		*next = c.FilePosition + int64(c.Length)
		j.store.Update(func(m *model.Model) {
			m.Job.FilePosition = *next
		})

		if !msg.IsEmpty() {
			j.output(msg.Type, msg.Content)
		}
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, code.ErrCancelled):
		j.log.Debug("code cancelled", logging.Code(c))
	default:
		j.output(code.Error, fmt.Sprintf("%s has thrown an exception: %v", c.ShortString(), err))
	}

	return nil
}

// waitWhilePaused moves the file to the pause position and blocks until the
// job is resumed. It returns false when the job has ended.
func (j *Job) waitWhilePaused(ctx context.Context, next int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.paused || j.closed {
		return false
	}

	pos := next
	if j.pausePosition != nil {
		pos = *j.pausePosition
	}

	if err := j.reader.Seek(pos); err != nil {
		j.closed = true
		j.outputLocked(code.Error, fmt.Sprintf("Failed to move to byte %d of the job file: %v", pos, err))

		return false
	}

	j.pausePosition = nil
	j.processing = false
	j.log.Info("job paused", zap.Int64("position", pos), zap.Stringer("reason", j.pauseReason))
	j.store.Update(func(m *model.Model) {
		m.Job.FilePosition = pos
		m.Job.Processing = false
	})

	for j.paused && !j.closed {
		wake := j.changed.C()
		j.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
		}

		j.mu.Lock()

		if ctx.Err() != nil {
			return false
		}
	}

	j.processing = !j.closed
	if j.processing {
		j.log.Info("job resumed", zap.Int64("position", j.reader.Position()))
		j.store.Update(func(m *model.Model) {
			m.Job.Processing = true
		})
	}

	return j.processing
}

// complete tells the firmware and the object model how the job ended.
func (j *Job) complete(ctx context.Context) {
	j.mu.Lock()
	cancelled, aborted, simulating := j.cancelled, j.aborted, j.simulating
	fileName, path := j.fileName, j.path
	j.mu.Unlock()

	switch {
	case cancelled:
		j.log.Info("cancelled job file")
	case aborted:
		j.link.StopPrint(model.StopAbort)
		j.log.Info("aborted job file")
	default:
		j.link.StopPrint(model.StopNormal)
		j.log.Info("finished job file")
	}

	j.store.Update(func(m *model.Model) {
		m.Job.LastFileName = fileName
		m.Job.LastFileAborted = aborted
		m.Job.LastFileCancelled = cancelled
		m.Job.LastFileSimulated = simulating
	})

	if simulating && !cancelled && !aborted {
		j.persistSimulatedTime(ctx, path)
	}
}

// persistSimulatedTime waits until the firmware has reported the duration
// of the simulation and writes it into the file.
func (j *Job) persistSimulatedTime(ctx context.Context, path string) {
	for {
		updated := j.store.Updated()

		if d := j.store.LastDuration(); d != nil {
			if *d <= 0 {
				j.log.Warn("simulation time not set in the object model")
				return
			}

			if err := j.parser.UpdateSimulatedTime(path, *d); err != nil {
				j.log.Warn("failed to update simulation time", zap.Error(err))
				return
			}

			seconds := *d
			j.store.Update(func(m *model.Model) {
				if m.Job.File != nil {
					m.Job.File.SimulatedTime = &seconds
				}
			})
			j.log.Info("updated simulation time", zap.Int64("seconds", seconds))

			return
		}

		select {
		case <-updated:
		case <-ctx.Done():
			return
		}
	}
}

// finish releases the file so that the next one can be selected.
func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		_ = j.file.Close()
	}

	j.file = nil
	j.reader = nil
	j.closed = true
	j.processing = false
	j.paused = false
	j.simulating = false
	j.pausePosition = nil
	j.renewLocked()

	j.store.Update(func(m *model.Model) {
		m.Job.Processing = false
		m.Job.Paused = false
		m.Job.Simulating = false
	})

	j.finished.Set()
	j.changed.Broadcast()
}

func (j *Job) output(t code.MessageType, text string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.outputLocked(t, text)
}

func (j *Job) outputLocked(t code.MessageType, text string) {
	switch t {
	case code.Error:
		j.log.Error(text)
	case code.Warning:
		j.log.Warn(text)
	default:
		j.log.Info(text)
	}

	j.store.AddMessage(code.Message{Type: t, Content: text})
}
