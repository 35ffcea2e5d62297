// Package metrics collects Prometheus metrics for the agent runtime.
//
// Collectors live on a private registry so that tests and multiple
// runtimes in one process never collide on the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zier"

// Metrics holds every collector the runtime updates.
type Metrics struct {
	registry *prometheus.Registry

	// IngressMessages counts messages taken off the bus.
	// Labels: trust (owner|trusted|untrusted)
	IngressMessages *prometheus.CounterVec

	// Turns counts finished turns.
	// Labels: trust, outcome (ok|error|skipped)
	Turns *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: trust
	TurnDuration *prometheus.HistogramVec

	// ToolCalls counts tool calls.
	// Labels: tool, outcome (ok or an error kind)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Approvals counts approval requests by final state.
	// Labels: tool, state (approved|denied|timed_out|cancelled)
	Approvals *prometheus.CounterVec

	// ScriptOps counts host ops issued by scripts.
	// Labels: session, op, outcome (ok|error)
	ScriptOps *prometheus.CounterVec

	// LLMRequests counts provider round trips.
	// Labels: model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures provider latency in seconds.
	// Labels: model
	LLMDuration *prometheus.HistogramVec

	// PendingApprovals is the number of requests awaiting a decision.
	PendingApprovals prometheus.Gauge
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		IngressMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_messages_total",
			Help:      "Messages taken off the ingress bus by trust level",
		}, []string{"trust"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by trust level and outcome",
		}, []string{"trust", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of agent turns in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"trust"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds, approval wait included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by tool and final state",
		}, []string{"tool", "state"}),
		ScriptOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_ops_total",
			Help:      "Host operations issued by scripts",
		}, []string{"session", "op", "outcome"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model requests by model and status",
		}, []string{"model", "status"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of model requests in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		PendingApprovals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval requests awaiting a decision",
		}),
	}
	reg.MustRegister(
		m.IngressMessages, m.Turns, m.TurnDuration,
		m.ToolCalls, m.ToolDuration, m.Approvals, m.ScriptOps,
		m.LLMRequests, m.LLMDuration, m.PendingApprovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTool records a tool call. An empty kind means success.
func (m *Metrics) ObserveTool(tool, kind string, elapsed time.Duration) {
	if kind == "" {
		kind = "ok"
	}
	m.ToolCalls.WithLabelValues(tool, kind).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveApproval records the final state of an approval request.
func (m *Metrics) ObserveApproval(tool, state string) {
	m.Approvals.WithLabelValues(tool, state).Inc()
}

// ObserveScriptOp records one script host op.
func (m *Metrics) ObserveScriptOp(session, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ScriptOps.WithLabelValues(session, op, outcome).Inc()
}

// ObserveIngress records a message taken off the bus.
func (m *Metrics) ObserveIngress(trust string) {
	m.IngressMessages.WithLabelValues(trust).Inc()
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(trust, outcome string, elapsed time.Duration) {
	m.Turns.WithLabelValues(trust, outcome).Inc()
	if outcome != "skipped" {
		m.TurnDuration.WithLabelValues(trust).Observe(elapsed.Seconds())
	}
}

// ObserveLLM records a model request.
func (m *Metrics) ObserveLLM(model string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequests.WithLabelValues(model, status).Inc()
	m.LLMDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

// SetPendingApprovals updates the pending-approval gauge.
func (m *Metrics) SetPendingApprovals(n int) {
	m.PendingApprovals.Set(float64(n))
}
