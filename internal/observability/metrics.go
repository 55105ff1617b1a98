package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series published by the kernel.
//
// Tracked surfaces:
//   - Tool invocations routed to upstream servers
//   - Workflow executions and their step counts
//   - Webhook delivery outcomes
//   - Circuit breaker transitions per server
//   - HTTP API traffic
type Metrics struct {
	// ToolInvocations counts routed tool calls.
	// Labels: server, tool, status (success|error)
	ToolInvocations *prometheus.CounterVec

	// ToolInvocationDuration measures upstream tool call latency in seconds.
	// Labels: server, tool
	ToolInvocationDuration *prometheus.HistogramVec

	// RateLimitRejections counts admissions denied by the rate limiter.
	// Labels: server
	RateLimitRejections *prometheus.CounterVec

	// CircuitTransitions counts breaker state changes.
	// Labels: server, to (open|half_open|closed)
	CircuitTransitions *prometheus.CounterVec

	// WorkflowExecutions counts workflow runs by terminal status.
	// Labels: workflow, status (completed|failed|cancelled)
	WorkflowExecutions *prometheus.CounterVec

	// WorkflowDuration measures end-to-end workflow runtime in seconds.
	// Labels: workflow
	WorkflowDuration *prometheus.HistogramVec

	// WebhookDeliveries counts delivery attempts by outcome.
	// Labels: status (success|failed)
	WebhookDeliveries *prometheus.CounterVec

	// BudgetSpend accumulates credits charged against budgets.
	// Labels: scope
	BudgetSpend *prometheus.CounterVec

	// ConnectedServers gauges pool connections by state.
	// Labels: state
	ConnectedServers *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry to avoid duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_invocations_total",
				Help: "Total number of routed tool invocations by server, tool, and status",
			},
			[]string{"server", "tool", "status"},
		),

		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_invocation_duration_seconds",
				Help:    "Duration of upstream tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server", "tool"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_rate_limit_rejections_total",
				Help: "Total number of invocations rejected by the rate limiter",
			},
			[]string{"server"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_circuit_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"server", "to"},
		),

		WorkflowExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_workflow_executions_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"workflow", "status"},
		),

		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_workflow_duration_seconds",
				Help:    "End-to-end workflow execution time in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"workflow"},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"status"},
		),

		BudgetSpend: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_budget_spend_credits_total",
				Help: "Credits charged against budgets by scope",
			},
			[]string{"scope"},
		),

		ConnectedServers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_connected_servers",
				Help: "Current number of pooled connections by state",
			},
			[]string{"state"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
