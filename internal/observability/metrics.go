// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the runtime.
//
// Metrics cover the request path (HTTP, rate limiting), the model path
// (backend requests, cluster generation), and the tool path. Tracing is
// optional: with no collector endpoint configured the tracer is a no-op
// and costs nothing on the hot path.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide metric set.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordHTTPRequest("POST", "/v1/chat", "200", time.Since(start).Seconds())
type Metrics struct {
	// HTTPRequestCounter counts API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// RateLimitedCounter counts requests rejected by the rate limiter.
	// Labels: path
	RateLimitedCounter *prometheus.CounterVec

	// LLMRequestCounter counts backend completions.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures backend completion latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// ActiveStreams tracks open streaming responses.
	// Labels: kind (chat|generate)
	ActiveStreams *prometheus.GaugeVec

	// ClusterTokens counts tokens produced by distributed generation.
	// Labels: model
	ClusterTokens *prometheus.CounterVec

	// ClusterGenerateDuration measures distributed generation wall time.
	// Labels: model
	ClusterGenerateDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the metric set and registers it with reg. Passing nil
// leaves the collectors unregistered, which tests use for isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		RateLimitedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"path"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_llm_requests_total",
				Help: "Total number of LLM backend requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_llm_request_duration_seconds",
				Help:    "Duration of LLM backend requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_tool_calls_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"tool"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_active_streams",
				Help: "Current number of open streaming responses",
			},
			[]string{"kind"},
		),

		ClusterTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_cluster_tokens_total",
				Help: "Total tokens produced by distributed generation",
			},
			[]string{"model"},
		),

		ClusterGenerateDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_cluster_generate_duration_seconds",
				Help:    "Wall time of distributed generation requests in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"model"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_errors_total",
				Help: "Total number of errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// RecordHTTPRequest records one finished API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordRateLimited records one rejected request.
func (m *Metrics) RecordRateLimited(path string) {
	m.RateLimitedCounter.WithLabelValues(path).Inc()
}

// RecordLLMRequest records one backend completion.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// StreamStarted marks a streaming response as open.
func (m *Metrics) StreamStarted(kind string) {
	m.ActiveStreams.WithLabelValues(kind).Inc()
}

// StreamEnded marks a streaming response as closed.
func (m *Metrics) StreamEnded(kind string) {
	m.ActiveStreams.WithLabelValues(kind).Dec()
}

// RecordClusterGenerate records one distributed generation result.
func (m *Metrics) RecordClusterGenerate(model string, tokens int, durationSeconds float64) {
	if tokens > 0 {
		m.ClusterTokens.WithLabelValues(model).Add(float64(tokens))
	}
	m.ClusterGenerateDuration.WithLabelValues(model).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and kind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}
