// Package daemon assembles the code pipeline, the firmware link, the macro
// and job runners and the optional tracer and monitor into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/config"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/job"
	"github.com/printhost/dcs/link"
	"github.com/printhost/dcs/macro"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/monitoring"
	"github.com/printhost/dcs/pipeline"
	"github.com/printhost/dcs/tracing"
)

// traceBatchSize is the number of trace rows written per transaction.
const traceBatchSize = 1000

// binder is a transport that reports events to the link.
type binder interface {
	Bind(cb link.Callbacks)
}

// runner is a transport that needs a goroutine of its own.
type runner interface {
	Run(ctx context.Context) error
}

// Daemon is a control daemon ready to run.
type Daemon struct {
	settings  config.Settings
	log       *zap.Logger
	store     *model.Store
	transport link.Transport

	// loopback is set when the daemon emulates the firmware itself.
	loopback *link.Loopback

	Pipeline *pipeline.Processor
	Link     *link.Manager
	Macros   *macro.Factory
	Job      *job.Job
	Metrics  *monitoring.Metrics

	// Monitor is nil unless a monitor port is configured.
	Monitor *monitoring.Monitor

	// Recorder is nil unless a trace database is configured.
	Recorder *tracing.SQLiteRecorder

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Builder builds daemons.
type Builder struct {
	settings    config.Settings
	log         *zap.Logger
	store       *model.Store
	transport   link.Transport
	interceptor pipeline.Interceptor
	local       pipeline.LocalProcessor
}

// MakeBuilder creates a builder with the default settings and the loopback
// firmware emulator.
func MakeBuilder() Builder {
	return Builder{
		settings:    config.Default(),
		log:         zap.NewNop(),
		interceptor: pipeline.NopInterceptor{},
		local:       pipeline.NopProcessor{},
	}
}

// WithSettings sets the settings of every component.
func (b Builder) WithSettings(s config.Settings) Builder {
	b.settings = s
	return b
}

// WithLogger sets the process logger.
func (b Builder) WithLogger(log *zap.Logger) Builder {
	b.log = log
	return b
}

// WithStore sets the object model.
func (b Builder) WithStore(s *model.Store) Builder {
	b.store = s
	return b
}

// WithTransport sets the firmware link driver.
func (b Builder) WithTransport(t link.Transport) Builder {
	b.transport = t
	return b
}

// WithInterceptor sets the plugin hook of the pipeline.
func (b Builder) WithInterceptor(i pipeline.Interceptor) Builder {
	b.interceptor = i
	return b
}

// WithLocalProcessor sets the handler of codes the daemon runs itself.
func (b Builder) WithLocalProcessor(l pipeline.LocalProcessor) Builder {
	b.local = l
	return b
}

// Build creates and connects all components. The components stop when ctx is
// done or Stop is called.
func (b Builder) Build(ctx context.Context) (*Daemon, error) {
	if err := b.settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	store := b.store
	if store == nil {
		store = model.NewStore()
	}

	var loopback *link.Loopback

	transport := b.transport
	if transport == nil {
		loopback = link.NewLoopback(b.settings.ProtocolVersion, b.log)
		loopback.UpdateModel(store)
		transport = loopback
	}

	ctx, cancel := context.WithCancel(ctx)

	d := &Daemon{
		settings:  b.settings,
		log:       b.log,
		store:     store,
		transport: transport,
		loopback:  loopback,
		Metrics:   monitoring.NewMetrics(),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.Pipeline = pipeline.MakeBuilder().
		WithInterceptor(b.interceptor).
		WithLocalProcessor(b.local).
		WithMaxCodesPerInput(b.settings.MaxCodesPerInput).
		WithLogger(b.log).
		Build(ctx)

	d.Macros = macro.NewFactory(ctx, macro.MakeBuilder().
		WithExecutor(d.Pipeline).
		WithStore(store).
		WithLogger(b.log).
		WithSettings(b.settings))

	d.Link = link.MakeBuilder().
		WithTransport(transport).
		WithPipeline(d.Pipeline).
		WithStore(store).
		WithMacroFactory(d.Macros).
		WithLogger(b.log).
		WithSettings(b.settings).
		Build(ctx)

	if t, ok := transport.(binder); ok {
		t.Bind(d.Link)
	}

	d.Job = job.MakeBuilder().
		WithExecutor(d.Pipeline).
		WithPrintLink(d.Link).
		WithStore(store).
		WithLogger(b.log).
		WithSettings(b.settings).
		Build(ctx)
	d.Link.SetJobController(d.Job)

	d.Pipeline.AcceptHook(d.Metrics)
	d.Link.AcceptHook(d.Metrics)

	if err := d.setupTracing(); err != nil {
		d.Stop()
		return nil, err
	}

	if b.settings.MonitorPort > 0 {
		d.setupMonitor()
	}

	return d, nil
}

func (d *Daemon) setupTracing() error {
	if d.settings.TraceDB == "" {
		return nil
	}

	rec, err := tracing.NewSQLiteRecorder(d.settings.TraceDB, traceBatchSize)
	if err != nil {
		return fmt.Errorf("trace database: %w", err)
	}

	tracer, err := tracing.NewCodeTracer(rec, d.log)
	if err != nil {
		_ = rec.Close()
		return fmt.Errorf("trace database: %w", err)
	}

	tracing.Collect(d.Pipeline, tracer)
	tracing.Collect(d.Link, tracer)
	d.Recorder = rec

	return nil
}

func (d *Daemon) setupMonitor() {
	d.Monitor = monitoring.NewMonitor().
		WithLogger(d.log).
		WithPortNumber(d.settings.MonitorPort)

	d.Monitor.RegisterStore(d.store)
	d.Monitor.RegisterMetrics(d.Metrics)
	d.Monitor.RegisterDiagnoser("", d.Pipeline)
	d.Monitor.RegisterDiagnoser("", d.Link)
	d.Monitor.RegisterDiagnoser("Macro files", d.Macros)
	d.Monitor.RegisterDiagnoser("Job", d.Job)
}

// Store returns the object model.
func (d *Daemon) Store() *model.Store {
	return d.store
}

// Transport returns the firmware link driver.
func (d *Daemon) Transport() link.Transport {
	return d.transport
}

// Run runs the scheduler, the job runner, the transport and the monitor
// until ctx is done, Stop is called or one of them fails. The daemon is
// stopped when Run returns. Without a transport of its own the daemon runs
// the startup file first.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Stop()

	if d.Monitor != nil {
		if _, err := d.Monitor.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.Link.Run(ctx) })
	g.Go(func() error { return d.Job.Run(ctx) })

	if t, ok := d.transport.(runner); ok {
		g.Go(func() error { return t.Run(ctx) })
	}

	if d.Monitor != nil {
		g.Go(func() error { return d.Monitor.Serve(ctx) })
	}

	d.log.Info("daemon started",
		zap.Int("maxCodesPerInput", d.settings.MaxCodesPerInput),
		zap.Int("bufferSpacePerChannel", d.settings.MaxBufferSpacePerChannel),
		zap.Int("protocolVersion", d.transport.ProtocolVersion()))

	// Real firmware asks for the startup file when it boots.
	if d.loopback != nil {
		d.loopback.RequestMacro(code.Trigger, d.settings.ConfigFile)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

// Stop cancels every code that is still waiting and closes the trace
// database. Stopping twice has no effect.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()

		if d.Pipeline != nil {
			d.Pipeline.Shutdown()
		}

		if d.Recorder != nil {
			if err := d.Recorder.Close(); err != nil {
				d.log.Warn("failed to close trace database", zap.Error(err))
			}
		}

		d.log.Info("daemon stopped")
	})
}

// Execute parses a line and runs it on a channel.
func (d *Daemon) Execute(ctx context.Context, ch code.Channel, line string) (*code.Message, error) {
	c, err := gcode.Parse(line, ch)
	if err != nil {
		return nil, err
	}

	return d.Pipeline.Execute(ctx, c)
}

// Print selects a file and starts it.
func (d *Daemon) Print(ctx context.Context, fileName string, simulate bool) error {
	if err := d.Job.SelectFile(ctx, fileName, simulate); err != nil {
		return err
	}

	d.Job.Resume()

	return nil
}
