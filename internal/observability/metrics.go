package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	OpenConnections  prometheus.Gauge
	BoundSessions    prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProvisionLatency prometheus.Histogram
	AudioBytes       prometheus.Counter

	gatherer prometheus.Gatherer
	window   *latencyWindow
}

// NewMetrics registers instruments on reg. A nil reg uses a fresh private
// registry so repeated construction in tests never collides.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of open widget websocket connections.",
		}),
		BoundSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bound_sessions",
			Help:      "Number of sessions bound to a live connection.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Create-call failures by code.",
		}, []string{"code"}),
		ProvisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_latency_ms",
			Help:      "Create-call round trip in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000, 10000},
		}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes accepted from widget clients.",
		}),
		gatherer: reg,
		window:   newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveProvisionLatency(d time.Duration) {
	m.ProvisionLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageProvisionCall, d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.window.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.window.ObserveIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
