package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the companion gateway.
type Metrics struct {
	RequestTotal       *prometheus.CounterVec
	RequestDurationMs  *prometheus.HistogramVec
	UpstreamDurationMs *prometheus.HistogramVec
	TokensTotal        *prometheus.CounterVec
	AuthFailureTotal   *prometheus.CounterVec
}

// NewMetrics creates the metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_request_total",
			Help: "Total number of chat requests answered by the gateway.",
		}, []string{"status", "model"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "companion_request_duration_ms",
			Help:    "Total chat request duration in milliseconds (including upstream latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model"}),

		UpstreamDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "companion_upstream_duration_ms",
			Help:    "Chat-completion provider latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"status"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_tokens_total",
			Help: "Total tokens reported by the provider.",
		}, []string{"model", "direction"}),

		AuthFailureTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "companion_auth_failure_total",
			Help: "Requests rejected at the authentication gate.",
		}, []string{"reason"}),
	}
}

// RecordRequest records metrics for a finished chat request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Status, labels.Model).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Model).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordUpstream records one provider round trip. status is "2xx" on success,
// the provider's HTTP status on rejection, and "error" or "timeout" otherwise.
func (m *Metrics) RecordUpstream(status string, durationMs float64) {
	m.UpstreamDurationMs.WithLabelValues(status).Observe(durationMs)
}

// RecordAuthFailure counts a request rejected at the authentication gate.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailureTotal.WithLabelValues(reason).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Status           string
	Model            string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}
