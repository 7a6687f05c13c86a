package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stages recorded per turn.
const (
	StageFirstToken    = "query_to_first_token"
	StageFirstSpeech   = "query_to_first_speech"
	StageTurnTotal     = "turn_total"
	StageReconnectLive = "degraded_to_live"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	MonitorTransitions *prometheus.CounterVec
	ReconnectAttempts  prometheus.Counter
	WSMessages         *prometheus.CounterVec
	StreamAnomalies    *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	SpokenItems        *prometheus.CounterVec
	FirstTokenLatency  prometheus.Histogram
	FirstSpeechLatency prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active avatar chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		MonitorTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_transitions_total",
			Help:      "Avatar session state transitions by target state and reason.",
		}, []string{"to", "reason"}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_reconnect_attempts_total",
			Help:      "Avatar reconnection attempts.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StreamAnomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_stream_anomalies_total",
			Help:      "Skipped or malformed chat stream records by kind.",
		}, []string{"kind"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by source and code.",
		}, []string{"source", "code"}),
		SpokenItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spoken_items_total",
			Help:      "Utterances finished by outcome and replay flag.",
		}, []string{"outcome", "replay"}),
		FirstTokenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency from user query to first assistant token in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		FirstSpeechLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_speech_latency_ms",
			Help:      "Latency from user query to first dispatched utterance in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2000, 3000, 5000},
		}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstToken(d time.Duration) {
	m.FirstTokenLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageFirstToken, durationMS(d))
}

func (m *Metrics) ObserveFirstSpeech(d time.Duration) {
	m.FirstSpeechLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageFirstSpeech, durationMS(d))
}

// ObserveStage records a latency sample for the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.window.Observe(stage, durationMS(d))
}

// ObserveIndicator counts a notable turn event such as a barge-in.
func (m *Metrics) ObserveIndicator(name string) {
	m.window.ObserveIndicator(name)
}

func (m *Metrics) ObserveSpoken(outcome string, replay bool) {
	r := "false"
	if replay {
		r = "true"
	}
	m.SpokenItems.WithLabelValues(outcome, r).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) ResetLatency() {
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
