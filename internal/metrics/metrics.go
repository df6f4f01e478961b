// Package metrics exposes Prometheus collectors for the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the Prometheus collectors for proxied traffic.
type Metrics struct {
	registry *prometheus.Registry

	// Completed inbound requests by final outcome.
	requests *prometheus.CounterVec

	// Individual upstream attempts, including retried ones.
	attempts *prometheus.CounterVec

	// Upstream attempt latency.
	attemptDuration *prometheus.HistogramVec

	// Tokens accounted per model.
	tokens *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of inbound proxy requests by final outcome",
			},
			[]string{"model", "outcome"},
		),

		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Total number of upstream attempts by result",
			},
			[]string{"model", "result"},
		),

		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Duration of individual upstream attempts in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"model"},
		),

		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_tokens_total",
				Help: "Total tokens accounted per model and kind",
			},
			[]string{"model", "kind"},
		),
	}
}

// RecordRequest records a completed inbound request.
func (m *Metrics) RecordRequest(model, outcome string) {
	m.requests.WithLabelValues(model, outcome).Inc()
}

// RecordAttempt records one upstream attempt and its latency.
func (m *Metrics) RecordAttempt(model, result string, seconds float64) {
	m.attempts.WithLabelValues(model, result).Inc()
	m.attemptDuration.WithLabelValues(model).Observe(seconds)
}

// RecordTokens records accounted token counts for a model.
func (m *Metrics) RecordTokens(model string, prompt, completion int64) {
	if prompt > 0 {
		m.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokens.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
