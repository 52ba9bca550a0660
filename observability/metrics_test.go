package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a ChatMetrics instance with unregistered collectors.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *ChatMetrics {
	t.Helper()

	return &ChatMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
			},
			[]string{"endpoint", "status"},
		),
		TimeToFirstTokenSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Buckets:   []float64{0.1, 1.0, 10.0},
			},
			[]string{"endpoint"},
		),
		StreamDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Buckets:   []float64{1, 10, 60},
			},
			[]string{"endpoint", "status"},
		),
		ActiveStreams: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
			},
			[]string{"endpoint"},
		),
		SourcesReturned: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "sources_returned",
				Buckets:   []float64{0, 1, 4, 16},
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
			},
			[]string{"endpoint", "error_code"},
		),
		ClientDisconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
			},
			[]string{"endpoint"},
		),
	}
}

// ============================================================================
// Tests
// ============================================================================

// TestRecordRequest verifies status labeling for success and failure.
func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChat, true)
	m.RecordRequest(EndpointChat, true)
	m.RecordRequest(EndpointChat, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "error")))
}

// TestStreamGauge verifies the active stream gauge pairs up and down.
func TestStreamGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChat)
	m.StreamStarted(EndpointChat)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")))

	m.StreamEnded(EndpointChat)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")))
}

// TestRecordError verifies the error code labels.
func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(EndpointChat, ErrorCodeRetrieval)
	m.RecordError(EndpointChat, ErrorCodeRetrieval)
	m.RecordError(EndpointChat, ErrorCodeLLMError)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat", "retrieval_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat", "llm_error")))
}

// TestRecordClientDisconnect verifies the disconnect counter.
func TestRecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointChat)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat")))
}
