// Package job drives the file that is printed or simulated on the File
// channel.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/config"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/link"
	"github.com/printhost/dcs/logging"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/sd"
	"github.com/printhost/dcs/syncutil"
)

// ErrNoFileSelected is returned when an operation needs a selected file.
var ErrNoFileSelected = errors.New("no file selected")

// Executor starts codes. It is implemented by the pipeline processor.
type Executor interface {
	Start(ctx context.Context, c *code.Code) error
}

// PrintLink is the part of the firmware link that learns about prints.
type PrintLink interface {
	SetPrintFileInfo(info model.FileInfo)
	StopPrint(reason model.StopReason)
}

var _ link.JobController = (*Job)(nil)

// Job is the job runner. A file is selected with SelectFile and started with
// Resume. Run processes one file after another until its context is done.
type Job struct {
	executor Executor
	link     PrintLink
	parser   InfoParser
	store    *model.Store
	log      *zap.Logger
	base     string
	poolSize int
	channel  code.Channel

	ctx context.Context

	mu            sync.Mutex
	file          *os.File
	reader        *gcode.Reader
	fileName      string
	path          string
	closed        bool
	started       bool
	processing    bool
	paused        bool
	simulating    bool
	cancelled     bool
	aborted       bool
	pausePosition *int64
	pauseReason   model.PauseReason
	jobCtx        context.Context
	jobCancel     context.CancelFunc

	changed  *syncutil.Signal
	finished *syncutil.Event
}

// Builder builds job runners.
type Builder struct {
	executor Executor
	link     PrintLink
	parser   InfoParser
	store    *model.Store
	log      *zap.Logger
	base     string
	poolSize int
	channel  code.Channel
}

// MakeBuilder creates a builder with default settings.
func MakeBuilder() Builder {
	s := config.Default()

	return Builder{
		parser:   StatParser{},
		log:      zap.NewNop(),
		base:     s.BaseDirectory,
		poolSize: s.PrintCodePoolSize(),
		channel:  code.File,
	}
}

// WithExecutor sets where the codes of the file are started.
func (b Builder) WithExecutor(e Executor) Builder {
	b.executor = e
	return b
}

// WithPrintLink sets the firmware link that is told about prints.
func (b Builder) WithPrintLink(l PrintLink) Builder {
	b.link = l
	return b
}

// WithInfoParser sets the parser of file metadata.
func (b Builder) WithInfoParser(p InfoParser) Builder {
	b.parser = p
	return b
}

// WithStore sets the object model.
func (b Builder) WithStore(s *model.Store) Builder {
	b.store = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log *zap.Logger) Builder {
	b.log = log
	return b
}

// WithSettings takes the base directory and the code pool size from the
// settings.
func (b Builder) WithSettings(s config.Settings) Builder {
	b.base = s.BaseDirectory
	b.poolSize = s.PrintCodePoolSize()

	return b
}

// WithPoolSize sets how many codes of the file may be in flight.
func (b Builder) WithPoolSize(n int) Builder {
	b.poolSize = n
	return b
}

// WithBaseDirectory sets the directory the virtual SD card is mapped to.
func (b Builder) WithBaseDirectory(dir string) Builder {
	b.base = dir
	return b
}

// Build creates the job runner. Codes of a job are cancelled when ctx is
// done.
func (b Builder) Build(ctx context.Context) *Job {
	if b.executor == nil {
		log.Panic("job runner needs an executor")
	}

	if b.link == nil {
		log.Panic("job runner needs a print link")
	}

	store := b.store
	if store == nil {
		store = model.NewStore()
	}

	poolSize := b.poolSize
	if poolSize < 1 {
		poolSize = 1
	}

	j := &Job{
		executor: b.executor,
		link:     b.link,
		parser:   b.parser,
		store:    store,
		log:      logging.ForChannel(b.log, b.channel).Named("job"),
		base:     b.base,
		poolSize: poolSize,
		channel:  b.channel,
		ctx:      ctx,
		changed:  syncutil.NewSignal(),
		finished: syncutil.NewEvent(true),
	}
	j.jobCtx, j.jobCancel = context.WithCancel(ctx)

	return j
}

// renewLocked cancels the codes of the job and gives the job a fresh
// cancellation source.
func (j *Job) renewLocked() {
	j.jobCancel()
	j.jobCtx, j.jobCancel = context.WithCancel(j.ctx)
}

func (j *Job) codeContext() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.jobCtx
}

// IsFileSelected tells if a file is selected.
func (j *Job) IsFileSelected() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.file != nil
}

// IsProcessing tells if codes of the file are being executed.
func (j *Job) IsProcessing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.processing
}

// IsPaused tells if the job is paused.
func (j *Job) IsPaused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.paused
}

// IsSimulating tells if the file is simulated instead of printed.
func (j *Job) IsSimulating() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.simulating
}

// IsCancelled tells if the job was cancelled.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.cancelled
}

// IsAborted tells if the job was aborted.
func (j *Job) IsAborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.aborted
}

// SelectFile selects a file for printing or simulation. A job that is still
// selected is cancelled first and SelectFile waits until it has ended.
func (j *Job) SelectFile(ctx context.Context, fileName string, simulating bool) error {
	path := sd.ToPhysical(j.base, fileName, sd.GCodes)

	info, err := j.parser.Parse(path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", fileName, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", fileName, err)
	}

	info.FileName = sd.ToVirtual(j.base, path)

	j.mu.Lock()
	for j.file != nil {
		j.stopLocked(false)
		j.mu.Unlock()

		if err := j.finished.Wait(ctx); err != nil {
			f.Close()
			return err
		}

		j.mu.Lock()
	}

	j.file = f
	j.reader = gcode.NewReader(f, j.channel)
	j.fileName = info.FileName
	j.path = path
	j.closed = false
	j.started = false
	j.processing = false
	j.paused = false
	j.cancelled = false
	j.aborted = false
	j.simulating = simulating
	j.pausePosition = nil
	j.renewLocked()
	j.finished.Reset()
	j.mu.Unlock()

	j.store.Update(func(m *model.Model) {
		file := info
		m.Job.File = &file
		m.Job.FilePosition = 0
		m.Job.Paused = false
		m.Job.Simulating = simulating

		if simulating {
			m.Job.LastDuration = nil
		}
	})

	j.link.SetPrintFileInfo(info)
	j.log.Info("selected file", zap.String("file", info.FileName), zap.Bool("simulating", simulating))

	return nil
}

// Pause stops reading the file and cancels the codes in flight. The job
// resumes at pos if given, otherwise after the last code that completed.
func (j *Job) Pause(pos *int64, reason model.PauseReason) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return
	}

	j.renewLocked()
	j.paused = true
	j.pauseReason = reason
	j.pausePosition = nil

	if pos != nil {
		p := *pos
		j.pausePosition = &p
	}

	j.changed.Broadcast()

	j.store.Update(func(m *model.Model) {
		m.Job.Paused = true
		m.Job.PauseReason = reason
	})
}

// Resume starts a selected file or continues a paused one.
func (j *Job) Resume() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil || (j.started && !j.paused) {
		return
	}

	j.renewLocked()
	j.started = true
	j.paused = false
	j.changed.Broadcast()

	j.store.Update(func(m *model.Model) {
		m.Job.Paused = false
	})
}

// Cancel ends the job. The firmware is not told because cancellation comes
// from the firmware.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stopLocked(false)
}

// Abort ends the job because it cannot complete.
func (j *Job) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stopLocked(true)
}

func (j *Job) stopLocked(abort bool) {
	if j.file == nil {
		return
	}

	if abort {
		j.aborted = true
	} else {
		j.cancelled = true
	}

	j.closed = true
	j.started = true
	j.paused = false
	j.renewLocked()
	j.changed.Broadcast()
}

// FilePosition returns the offset the job will continue at.
func (j *Job) FilePosition() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.reader == nil {
		return 0
	}

	if j.paused && j.pausePosition != nil {
		return *j.pausePosition
	}

	return j.reader.Position()
}

// SetFilePosition moves the job to an offset.
func (j *Job) SetFilePosition(pos int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.reader == nil {
		return ErrNoFileSelected
	}

	if j.pausePosition != nil {
		j.pausePosition = &pos
	}

	return j.reader.Seek(pos)
}

// WaitForFinish blocks until no file is selected.
func (j *Job) WaitForFinish(ctx context.Context) error {
	return j.finished.Wait(ctx)
}

// Diagnostics writes the state of the job.
func (j *Job) Diagnostics(w io.Writer) error {
	j.mu.Lock()
	if j.file == nil {
		j.mu.Unlock()
		return nil
	}

	var b strings.Builder

	fmt.Fprintf(&b, "File %s is selected", j.fileName)

	for _, s := range []struct {
		set  bool
		text string
	}{
		{j.processing, "processing"},
		{j.simulating, "simulating"},
		{j.paused, "paused"},
		{j.cancelled, "cancelled"},
		{j.aborted, "aborted"},
	} {
		if s.set {
			b.WriteString(", " + s.text)
		}
	}
	j.mu.Unlock()

	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())

	return err
}
