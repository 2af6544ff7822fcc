package assistant

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Function call outcomes.
const (
	CallStatusOK      = "ok"
	CallStatusUnknown = "unknown"
	CallStatusFailed  = "failed"
)

// UnknownFunctionLabel replaces the name label of calls to unregistered
// functions, which the agent chooses freely.
const UnknownFunctionLabel = "unknown"

// Metrics holds the Prometheus metrics of one session controller.
type Metrics struct {
	registry *prometheus.Registry

	AudioChunksTotal   *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec
	FunctionCallsTotal *prometheus.CounterVec
	DecodeErrorsTotal  prometheus.Counter
	SendErrorsTotal    prometheus.Counter
	CaptureWorkers     prometheus.Gauge
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "assistant"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		AudioChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_chunks_total",
				Help:      "Audio chunks moved through the session",
			},
			[]string{"direction"},
		),
		AudioBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_bytes_total",
				Help:      "Raw audio bytes moved through the session",
			},
			[]string{"direction"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Protocol events by direction and type",
			},
			[]string{"direction", "type"},
		),
		FunctionCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_calls_total",
				Help:      "Dispatched function calls by name and outcome",
			},
			[]string{"name", "status"},
		),
		DecodeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_decode_errors_total",
				Help:      "Inbound audio deltas dropped for malformed base64",
			},
		),
		SendErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Outbound events the transport refused",
			},
		),
		CaptureWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capture_workers",
				Help:      "Running capture workers",
			},
		),
	}

	registry.MustRegister(
		m.AudioChunksTotal,
		m.AudioBytesTotal,
		m.EventsTotal,
		m.FunctionCallsTotal,
		m.DecodeErrorsTotal,
		m.SendErrorsTotal,
		m.CaptureWorkers,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordAudio(direction string, n int) {
	m.AudioChunksTotal.WithLabelValues(direction).Inc()
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) recordEvent(direction string, t EventType) {
	m.EventsTotal.WithLabelValues(direction, string(t)).Inc()
}

func (m *Metrics) recordCall(name, status string) {
	m.FunctionCallsTotal.WithLabelValues(name, status).Inc()
}
