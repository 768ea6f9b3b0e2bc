package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/sherlog/agentevents"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveRun("log_ai", "complete")
	m.ObserveRun("log_ai", "complete")
	m.IncToolEvent("cluster_logs", "tool_success")
	m.ObserveAttempt("schema_mismatch")
	m.ProviderStarted()
	m.ProviderStarted()
	m.ProviderStopped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("log_ai", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolEvents.WithLabelValues("cluster_logs", "tool_success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("schema_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providersActive))
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.ObserveRun("log_ai", "protocol")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.runs.WithLabelValues("log_ai", "protocol")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("a", "b")
		m.IncToolEvent("a", "b")
		m.ObserveAttempt("a")
		m.ProviderStarted()
		m.ProviderStopped()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg).ObserveAttempt("success")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sherlog_structgen_attempts_total{outcome="success"} 1`)
}

func TestSpanHelpersWithNoopProvider(t *testing.T) {
	ctx, span := StartRun(context.Background(), "test.run", agentevents.RunContext{AgentType: agentevents.AgentLogAI})
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, "general", errors.New("boom")) })
}
