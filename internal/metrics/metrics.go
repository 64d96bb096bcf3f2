// Package metrics exposes Prometheus metrics for sessions, connections and
// history persistence.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termhub"

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionExits    *prometheus.CounterVec
	HardClears      prometheus.Counter
	OutputBytes     prometheus.Counter

	// Connection metrics
	ConnectionsActive prometheus.Gauge

	// History metrics
	HistoryFailures *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live PTY sessions",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of PTY sessions spawned",
		}),
		SessionExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_exits_total",
			Help:      "Total number of sessions torn down, by reason",
		}, []string{"reason"}),
		HardClears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_clears_total",
			Help:      "Total number of hard clears triggered by the clear command",
		}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Total bytes of PTY output broadcast to clients",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connected WebSocket clients",
		}),
		HistoryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_failures_total",
			Help:      "Total number of failed history persistence operations",
		}, []string{"op"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsCreated,
		m.SessionExits,
		m.HardClears,
		m.OutputBytes,
		m.ConnectionsActive,
		m.HistoryFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// HistoryFailed counts a failed history operation. It matches the
// history.Options OnFailure hook.
func (m *Metrics) HistoryFailed(op string) {
	m.HistoryFailures.WithLabelValues(op).Inc()
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
