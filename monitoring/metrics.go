package monitoring

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/link"
	"github.com/printhost/dcs/pipeline"
)

// Metrics is a hook that exports the flow of codes as Prometheus metrics. It
// is registered with the pipeline processor and the link manager.
type Metrics struct {
	registry *prometheus.Registry

	Codes         *prometheus.CounterVec
	CodesInFlight *prometheus.GaugeVec
	Resolved      *prometheus.CounterVec
	BytesBuffered *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a registry of their own.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Codes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcs_codes_total",
				Help: "Number of codes that reached a position",
			},
			[]string{"channel", "position"},
		),

		CodesInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcs_codes_in_flight",
				Help: "Codes started but not resolved",
			},
			[]string{"channel"},
		),

		Resolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcs_codes_resolved_total",
				Help: "Resolved codes by outcome",
			},
			[]string{"channel", "status"},
		),

		BytesBuffered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcs_link_bytes_buffered",
				Help: "Bytes of codes the firmware holds for a channel",
			},
			[]string{"channel"},
		),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Func implements hooking.Hook.
func (m *Metrics) Func(ctx hooking.HookCtx) {
	c, ok := ctx.Item.(*code.Code)
	if !ok || c == nil {
		return
	}

	ch := c.Channel.String()
	m.Codes.WithLabelValues(ch, ctx.Pos.Name).Inc()

	switch ctx.Pos {
	case pipeline.HookPosCodeStarted:
		m.CodesInFlight.WithLabelValues(ch).Inc()
	case pipeline.HookPosCodeResolved:
		m.CodesInFlight.WithLabelValues(ch).Dec()
		m.Resolved.WithLabelValues(ch, outcome(ctx.Detail)).Inc()
	case link.HookPosCodeBuffered, link.HookPosCodeReplied:
		if n, ok := ctx.Detail.(int); ok {
			m.BytesBuffered.WithLabelValues(ch).Set(float64(n))
		}
	}
}

func outcome(detail any) string {
	err, _ := detail.(error)

	switch {
	case err == nil:
		return "finished"
	case errors.Is(err, code.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
