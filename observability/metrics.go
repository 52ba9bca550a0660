// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics cover the streaming chat pipeline end to end:
//   - Request counters (by endpoint and status)
//   - Latency histograms (time to first token, total stream duration)
//   - Active stream gauges
//   - Retrieval fan-out (sources returned per request)
//   - Error counters by category
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "pdftochat"

// Subsystem for chat streaming metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for streaming chat operations.
// Initialize once at startup via InitMetrics().
type ChatMetrics struct {
	// RequestsTotal counts chat requests by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first answer fragment.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// SourcesReturned measures the number of manifest entries per request.
	// Labels: endpoint
	SourcesReturned *prometheus.HistogramVec

	// ErrorsTotal counts errors by category and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics(). Handlers nil-check it so tests can run
// without a registry.
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup; panics on duplicate registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first answer fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		SourcesReturned: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "sources_returned",
				Help:      "Number of source manifest entries per request",
				Buckets:   []float64{0, 1, 2, 4, 8, 16},
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by category and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates a model backend failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeRetrieval indicates a vector store failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeSerialization indicates a source manifest encoding failure.
	ErrorCodeSerialization ErrorCode = "serialization"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

// EndpointChat is the conversational document chat endpoint.
const EndpointChat Endpoint = "chat"

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed chat request.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a categorized error.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first fragment latency.
func (m *ChatMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordSourcesReturned records the manifest size for one request.
func (m *ChatMetrics) RecordSourcesReturned(endpoint Endpoint, count int) {
	m.SourcesReturned.WithLabelValues(string(endpoint)).Observe(float64(count))
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
