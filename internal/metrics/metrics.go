package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sandbox runtime and host.
// Recording methods are safe on a nil *Metrics so callers never need to check.
type Metrics struct {
	registry *prometheus.Registry

	// Route metrics
	RouteInvocationsTotal *prometheus.CounterVec
	RouteDuration         *prometheus.HistogramVec

	// Hook metrics
	HookFailuresTotal *prometheus.CounterVec

	// Bridge metrics
	BridgeCallsTotal *prometheus.CounterVec
	PendingCalls     *prometheus.GaugeVec

	// Cron metrics
	CronTicksTotal *prometheus.CounterVec

	// Host metrics
	SandboxesActive            prometheus.Gauge
	AnnouncementsRejectedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RouteInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_route_invocations_total",
				Help: "Total number of route invocations handled by sandboxes",
			},
			[]string{"plugin", "status"},
		),
		RouteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_route_duration_seconds",
				Help:    "Duration of route handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),

		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_hook_failures_total",
				Help: "Total number of hook handler failures",
			},
			[]string{"plugin", "hook"},
		),

		BridgeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_bridge_calls_total",
				Help: "Total number of sandbox to host calls by kind and outcome",
			},
			[]string{"plugin", "kind", "outcome"},
		),
		PendingCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sandbox_pending_calls",
				Help: "Number of outstanding sandbox to host calls",
			},
			[]string{"plugin"},
		),

		CronTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_cron_ticks_total",
				Help: "Total number of scheduled job runs by outcome",
			},
			[]string{"plugin", "outcome"},
		),

		SandboxesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "host_sandboxes_active",
				Help: "Number of running sandboxes",
			},
		),
		AnnouncementsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "host_announcements_rejected_total",
				Help: "Total number of registrations rejected for missing permissions",
			},
			[]string{"plugin", "kind"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RouteInvocationsTotal)
	m.registry.MustRegister(m.RouteDuration)
	m.registry.MustRegister(m.HookFailuresTotal)
	m.registry.MustRegister(m.BridgeCallsTotal)
	m.registry.MustRegister(m.PendingCalls)
	m.registry.MustRegister(m.CronTicksTotal)
	m.registry.MustRegister(m.SandboxesActive)
	m.registry.MustRegister(m.AnnouncementsRejectedTotal)
}

// RecordRoute records one route invocation
func (m *Metrics) RecordRoute(plugin string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RouteInvocationsTotal.WithLabelValues(plugin, strconv.Itoa(status)).Inc()
	m.RouteDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordHookFailure records one failing hook handler
func (m *Metrics) RecordHookFailure(plugin, hook string) {
	if m == nil {
		return
	}
	m.HookFailuresTotal.WithLabelValues(plugin, hook).Inc()
}

// RecordBridgeCall records the outcome of a db, fetch or fs call
func (m *Metrics) RecordBridgeCall(plugin, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BridgeCallsTotal.WithLabelValues(plugin, kind, outcome).Inc()
}

// SetPending sets the outstanding call count for a plugin
func (m *Metrics) SetPending(plugin string, n int) {
	if m == nil {
		return
	}
	m.PendingCalls.WithLabelValues(plugin).Set(float64(n))
}

// RecordCronTick records one scheduled job run
func (m *Metrics) RecordCronTick(plugin string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.CronTicksTotal.WithLabelValues(plugin, outcome).Inc()
}

// SandboxStarted increments the running sandbox gauge
func (m *Metrics) SandboxStarted() {
	if m == nil {
		return
	}
	m.SandboxesActive.Inc()
}

// SandboxStopped decrements the running sandbox gauge
func (m *Metrics) SandboxStopped() {
	if m == nil {
		return
	}
	m.SandboxesActive.Dec()
}

// RecordRejected records an announcement refused by the host
func (m *Metrics) RecordRejected(plugin, kind string) {
	if m == nil {
		return
	}
	m.AnnouncementsRejectedTotal.WithLabelValues(plugin, kind).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
