// Package monitoring serves the state of a running daemon over HTTP:
// diagnostics, the object model, job progress, resource usage, CPU profiles
// and Prometheus metrics.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"go.uber.org/zap"

	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/monitoring/web"
)

// maxProfileDuration bounds the CPU profile a client may ask for.
const maxProfileDuration = 30 * time.Second

// A Diagnoser writes a human readable dump of its state.
type Diagnoser interface {
	Diagnostics(w io.Writer) error
}

type namedDiagnoser struct {
	name string
	d    Diagnoser
}

// Monitor turns the daemon into a server that allows external monitoring.
type Monitor struct {
	log        *zap.Logger
	portNumber int
	store      *model.Store
	metrics    *Metrics

	mu         sync.Mutex
	diagnosers []namedDiagnoser
	listener   net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{log: zap.NewNop()}
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(log *zap.Logger) *Monitor {
	m.log = log.Named("monitor")
	return m
}

// WithPortNumber sets the port number of the monitor. Zero selects a free
// port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.Warn("port number not allowed for the monitoring server, using a random port instead",
			zap.Int("port", portNumber))

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterStore sets the object model served at /api/model.
func (m *Monitor) RegisterStore(s *model.Store) {
	m.store = s
}

// RegisterMetrics sets the metrics served at /metrics.
func (m *Monitor) RegisterMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// RegisterDiagnoser adds a section to /api/diagnostics. Sections are written
// in the order they are registered. The name is left out if it is empty.
func (m *Monitor) RegisterDiagnoser(name string, d Diagnoser) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.diagnosers = append(m.diagnosers, namedDiagnoser{name: name, d: d})
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/diagnostics", m.diagnostics)
	r.HandleFunc("/api/model", m.model)
	r.HandleFunc("/api/model/{path}", m.model)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	if m.metrics != nil {
		r.Handle("/metrics", m.metrics.Handler())
	}

	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// Listen binds the server socket. Serve calls it if needed.
func (m *Monitor) Listen() (net.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener != nil {
		return m.listener.Addr(), nil
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	m.listener = listener
	m.log.Info(fmt.Sprintf("Monitoring daemon with http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port))

	return listener.Addr(), nil
}

// Serve answers requests until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	if _, err := m.Listen(); err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(m.listener)
	<-done

	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}

	return err
}

func (m *Monitor) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		m.log.Warn("monitoring request failed", zap.Error(err))
	}

	w.WriteHeader(status)
	fmt.Fprintf(w, "Error: %s", err)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (m *Monitor) diagnostics(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	diagnosers := append([]namedDiagnoser(nil), m.diagnosers...)
	m.mu.Unlock()

	buf := bytes.NewBuffer(nil)
	for _, d := range diagnosers {
		if d.name != "" {
			fmt.Fprintf(buf, "=== %s ===\n", d.name)
		}

		if err := d.d.Diagnostics(buf); err != nil {
			m.fail(w, http.StatusInternalServerError, fmt.Errorf("%s: %w", d.name, err))
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// model serializes a snapshot of the object model. The optional path selects
// a field with dot-separated Go field names, e.g. Job.File.
func (m *Monitor) model(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		m.fail(w, http.StatusNotFound, errors.New("no object model"))
		return
	}

	depth := 8
	if s := r.URL.Query().Get("depth"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			m.fail(w, http.StatusBadRequest, fmt.Errorf("invalid depth %q", s))
			return
		}

		depth = n
	}

	snapshot := m.store.Snapshot()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&snapshot)
	serializer.SetMaxDepth(depth)

	if path := mux.Vars(r)["path"]; path != "" {
		if err := serializer.SetEntryPoint(strings.Split(path, ".")); err != nil {
			m.fail(w, http.StatusBadRequest, err)
			return
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := serializer.Serialize(buf); err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	bars := []*ProgressBar{}

	if m.store != nil {
		if bar := jobProgress(m.store.Snapshot().Job); bar != nil {
			bars = append(bars, bar)
		}
	}

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
	Threads    int32   `json:"threads,omitempty"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := process.CPUPercent()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	memorySize, err := process.MemoryInfo()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	if n, err := process.NumThreads(); err == nil {
		rsp.Threads = n
	}

	m.writeJSON(w, rsp)
}

// collectProfile samples the CPU for the number of seconds given by the
// seconds parameter, one by default.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second
	if s := r.URL.Query().Get("seconds"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs <= 0 {
			m.fail(w, http.StatusBadRequest, fmt.Errorf("invalid duration %q", s))
			return
		}

		duration = min(time.Duration(secs*float64(time.Second)), maxProfileDuration)
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.fail(w, http.StatusConflict, err)
		return
	}

	select {
	case <-time.After(duration):
	case <-r.Context().Done():
	}

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, prof)
}
