package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	SignalingMessages  *prometheus.CounterVec
	TransportStates    *prometheus.CounterVec
	ToolCallLatency    prometheus.Histogram
	ToolCallResults    *prometheus.CounterVec
	FillerEmissions    prometheus.Counter
	CredentialRefresh  *prometheus.CounterVec
	PersistFlushes     *prometheus.CounterVec
	PersistDroppedTurn prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active bridge sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		SignalingMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages by direction and type.",
		}, []string{"direction", "type"}),
		TransportStates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_state_changes_total",
			Help:      "Media transport state transitions by state.",
		}, []string{"state"}),
		ToolCallLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_ms",
			Help:      "Tool call round-trip latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 400, 700, 1200, 2500, 5000, 10000},
		}),
		ToolCallResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_call_results_total",
			Help:      "Tool call outcomes by kind.",
		}, []string{"kind"}),
		FillerEmissions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filler_emissions_total",
			Help:      "Filler phrases spoken while waiting on tool calls.",
		}),
		CredentialRefresh: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Relay credential refresh attempts by outcome.",
		}, []string{"outcome"}),
		PersistFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_flushes_total",
			Help:      "Persistence batch flushes by outcome.",
		}, []string{"outcome"}),
		PersistDroppedTurn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_turns_total",
			Help:      "Turns dropped after exhausting persistence retries.",
		}),
	}
}

func (m *Metrics) ObserveToolCallLatency(d time.Duration) {
	m.ToolCallLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
