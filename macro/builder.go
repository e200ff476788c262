package macro

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

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

const configOverrideFile = "config-override.g"

var probeMacro = regexp.MustCompile(`^(deployprobe|retractprobe)\d+\.g$`)

// Builder builds macros.
type Builder struct {
	executor   Executor
	store      *model.Store
	log        *zap.Logger
	lookAhead  int
	base       string
	configFile string
	hostname   func() (string, error)
	clock      func() time.Time
}

// MakeBuilder creates a builder with default settings.
func MakeBuilder() Builder {
	s := config.Default()

	return Builder{
		log:        zap.NewNop(),
		lookAhead:  s.BufferedMacroCodes,
		base:       s.BaseDirectory,
		configFile: s.ConfigFile,
		hostname:   os.Hostname,
		clock:      time.Now,
	}
}

// WithExecutor sets where the codes of macros are started.
func (b Builder) WithExecutor(e Executor) Builder {
	b.executor = e
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

// WithSettings takes the look-ahead, the base directory and the name of the
// startup file from the settings.
func (b Builder) WithSettings(s config.Settings) Builder {
	b.lookAhead = s.BufferedMacroCodes
	b.base = s.BaseDirectory
	b.configFile = s.ConfigFile

	return b
}

// WithLookAhead sets how many codes of a macro may be in flight.
func (b Builder) WithLookAhead(n int) Builder {
	b.lookAhead = n
	return b
}

// WithBaseDirectory sets the directory the virtual SD card is mapped to.
func (b Builder) WithBaseDirectory(dir string) Builder {
	b.base = dir
	return b
}

// WithHostname sets the function that names the machine in M550.
func (b Builder) WithHostname(f func() (string, error)) Builder {
	b.hostname = f
	return b
}

// WithClock sets the clock used for M905.
func (b Builder) WithClock(f func() time.Time) Builder {
	b.clock = f
	return b
}

// Build opens a macro file. A macro is returned even if the file cannot be
// found; it then reports an error and executes nothing.
func (b Builder) Build(
	ctx context.Context,
	fileName string,
	ch code.Channel,
	fromCode bool,
	startCode *code.Code,
) *Macro {
	if b.executor == nil {
		log.Panic("macro builder needs an executor")
	}

	if b.lookAhead < 1 {
		log.Panicf("macro look-ahead must be at least 1, got %d", b.lookAhead)
	}

	store := b.store
	if store == nil {
		store = model.NewStore()
	}

	base := filepath.Base(filepath.FromSlash(fileName))

	m := &Macro{
		fileName:         fileName,
		channel:          ch,
		fromCode:         fromCode,
		startCode:        startCode,
		isConfig:         !fromCode && (base == b.configFile || base == b.configFile+".bak"),
		isConfigOverride: fromCode && base == configOverrideFile,
		executor:         b.executor,
		store:            store,
		lookAhead:        b.lookAhead,
		lock:             syncutil.NewLock(),
		parent:           ctx,
		finished:         syncutil.NewEvent(false),
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log = logging.ForChannel(b.log, ch).With(zap.String("macro", fileName))

	m.path = b.locate(m)
	if m.path == "" {
		m.hadError.Store(true)
		return m
	}

	f, err := os.Open(m.path)
	if err != nil {
		m.output(code.Error, fmt.Sprintf("Failed to open macro file %s: %v", fileName, err))
		m.hadError.Store(true)

		return m
	}

	m.file = f
	m.reader = gcode.NewReader(f, ch)

	if m.isConfig {
		store.SetRunningConfig(true)
		m.extra = b.bootstrapCodes(ch)
	}

	m.executing.Store(true)
	m.log.Info("executing macro file", zap.String("path", m.path))

	return m
}

// locate finds the file of a macro and falls back to the alternatives the
// firmware accepts. It returns an empty string when nothing was found.
func (b Builder) locate(m *Macro) string {
	path := sd.ToPhysical(b.base, m.fileName, sd.System)
	if exists(path) {
		return path
	}

	if m.isConfig {
		backup := sd.ToPhysical(b.base, b.configFile+".bak", sd.System)
		if exists(backup) {
			m.output(code.Warning, fmt.Sprintf("Macro file %s not found, using %s.bak instead",
				b.configFile, b.configFile))
			return backup
		}

		m.output(code.Error, fmt.Sprintf("Macro files %s and %s.bak not found", b.configFile, b.configFile))

		return ""
	}

	if match := probeMacro.FindStringSubmatch(filepath.Base(path)); match != nil {
		generic := filepath.Join(filepath.Dir(path), match[1]+".g")
		if exists(generic) {
			return generic
		}
	}

	if m.fromCode && m.startCode != nil && m.startCode.Kind == code.G {
		m.output(code.Error, fmt.Sprintf("Macro file %s not found", m.fileName))
	} else {
		m.log.Info("optional macro file not found")
	}

	return ""
}

// bootstrapCodes are run before the startup file to tell the firmware the
// name of the machine and the time of day.
func (b Builder) bootstrapCodes(ch code.Channel) []*code.Code {
	var codes []*code.Code

	if name, err := b.hostname(); err == nil && name != "" {
		codes = append(codes, internalCode(ch, code.M, 550, code.Parameter{Letter: 'P', Value: name, IsString: true}))
	}

	now := b.clock()
	codes = append(codes, internalCode(ch, code.M, 905,
		code.Parameter{Letter: 'P', Value: now.Format("2006-01-02"), IsString: true},
		code.Parameter{Letter: 'S', Value: now.Format("15:04:05"), IsString: true},
	))

	return codes
}

func internalCode(ch code.Channel, kind code.Kind, major int, params ...code.Parameter) *code.Code {
	c := code.New(ch)
	c.Kind = kind
	c.Major = major
	c.Parameters = params
	c.SetFlags(code.IsInternallyProcessed)

	return c
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var (
	_ link.Macro        = (*Macro)(nil)
	_ link.MacroFactory = (*Factory)(nil)
)

// Factory opens macros for the firmware link and keeps track of the ones
// that are still open.
type Factory struct {
	ctx     context.Context
	builder Builder

	mu      sync.Mutex
	running []*Macro
}

// NewFactory creates a factory. Macros opened by it are cancelled when ctx
// is done.
func NewFactory(ctx context.Context, b Builder) *Factory {
	return &Factory{ctx: ctx, builder: b}
}

// Open implements link.MacroFactory.
func (f *Factory) Open(fileName string, ch code.Channel, fromCode bool, startCode *code.Code) link.Macro {
	m := f.builder.Build(f.ctx, fileName, ch, fromCode, startCode)
	m.onDispose = f.untrack

	f.mu.Lock()
	f.running = append(f.running, m)
	f.mu.Unlock()

	return m
}

func (f *Factory) untrack(m *Macro) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, r := range f.running {
		if r == m {
			f.running = append(f.running[:i], f.running[i+1:]...)
			return
		}
	}
}

// Running returns the macros that have not been disposed yet.
func (f *Factory) Running() []*Macro {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Macro(nil), f.running...)
}

// Diagnostics writes the macros that are still open, grouped by channel.
func (f *Factory) Diagnostics(w io.Writer) error {
	running := f.Running()
	sort.SliceStable(running, func(i, j int) bool {
		return running[i].channel < running[j].channel
	})

	var b strings.Builder
	for _, m := range running {
		kind := "system"
		if m.fromCode {
			kind = "nested"
		}

		fmt.Fprintf(&b, "Executing %s macro file '%s' on channel %s\n", kind, m.fileName, m.channel)
	}

	_, err := io.WriteString(w, b.String())

	return err
}
