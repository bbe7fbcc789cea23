package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordHTTPRequest("GET", "/health", "200", 0.002)
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)
	m.RecordHTTPRequest("POST", "/v1/chat", "429", 0.0005)

	expected := `
		# HELP lattice_http_requests_total Total number of HTTP requests
		# TYPE lattice_http_requests_total counter
		lattice_http_requests_total{method="GET",path="/health",status_code="200"} 2
		lattice_http_requests_total{method="POST",path="/v1/chat",status_code="429"} 1
	`
	if err := testutil.CollectAndCompare(m.HTTPRequestCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected counter state: %v", err)
	}
}

func TestRecordToolCall(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordToolCall("math_calculate", "success", 0.01)
	m.RecordToolCall("math_calculate", "error", 0.02)

	if count := testutil.CollectAndCount(m.ToolCallCounter); count != 2 {
		t.Errorf("label combinations = %d, want 2", count)
	}
	got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("math_calculate", "success"))
	if got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	m := NewMetrics(nil)

	m.StreamStarted("chat")
	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")); got != 1 {
		t.Errorf("open streams = %v, want 1", got)
	}
	m.StreamEnded("chat")
	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")); got != 0 {
		t.Errorf("open streams = %v, want 0", got)
	}
}

func TestRecordClusterGenerate(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordClusterGenerate("llama-7b", 128, 3.5)
	if got := testutil.ToFloat64(m.ClusterTokens.WithLabelValues("llama-7b")); got != 128 {
		t.Errorf("token count = %v, want 128", got)
	}

	// A zero-token result records duration only.
	fresh := NewMetrics(nil)
	fresh.RecordClusterGenerate("llama-7b", 0, 1.0)
	if count := testutil.CollectAndCount(fresh.ClusterTokens); count != 0 {
		t.Errorf("token series = %d, want none", count)
	}
}

func TestRateLimitedAndErrors(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordRateLimited("/v1/chat")
	m.RecordRateLimited("/v1/chat")
	m.RecordError("server", "backend_unavailable")

	if got := testutil.ToFloat64(m.RateLimitedCounter.WithLabelValues("/v1/chat")); got != 2 {
		t.Errorf("rate limited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("server", "backend_unavailable")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}
