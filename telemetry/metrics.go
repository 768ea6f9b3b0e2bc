package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus collectors for agent runs. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runs            *prometheus.CounterVec
	toolEvents      *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	providersActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the metrics registered with the global Prometheus registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sherlog",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by agent type and outcome.",
		},
		[]string{"agent_type", "outcome"},
	)
	toolEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sherlog",
			Subsystem: "agent",
			Name:      "tool_events_total",
			Help:      "Tool call events by tool and status.",
		},
		[]string{"tool", "status"},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sherlog",
			Subsystem: "structgen",
			Name:      "attempts_total",
			Help:      "Structured generation attempts by outcome.",
		},
		[]string{"outcome"},
	)
	providersActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sherlog",
			Name:      "tool_providers_active",
			Help:      "Tool provider subprocesses currently running.",
		},
	)

	runs = register(reg, runs).(*prometheus.CounterVec)
	toolEvents = register(reg, toolEvents).(*prometheus.CounterVec)
	attempts = register(reg, attempts).(*prometheus.CounterVec)
	providersActive = register(reg, providersActive).(prometheus.Gauge)

	return &Metrics{
		runs:            runs,
		toolEvents:      toolEvents,
		attempts:        attempts,
		providersActive: providersActive,
	}
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(agentType, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(agentType, outcome).Inc()
}

// IncToolEvent counts a tool_call_requested, tool_success or tool_error event.
func (m *Metrics) IncToolEvent(tool, status string) {
	if m == nil {
		return
	}
	m.toolEvents.WithLabelValues(tool, status).Inc()
}

// ObserveAttempt counts one structured generation attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// ProviderStarted counts a tool provider subprocess as running.
func (m *Metrics) ProviderStarted() {
	if m == nil {
		return
	}
	m.providersActive.Inc()
}

// ProviderStopped balances a ProviderStarted.
func (m *Metrics) ProviderStopped() {
	if m == nil {
		return
	}
	m.providersActive.Dec()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
