package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - HTTP request rates and latencies
//   - Agent runs by termination reason
//   - SQL tool executions and warehouse latency
//   - LLM requests and token consumption
//   - Rate limit and usage gate decisions
//
// All recording methods are safe to call on a nil *Metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordAgentRun("completed", time.Since(start).Seconds())
type Metrics struct {
	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec

	// AgentRunCounter counts orchestrator runs.
	// Labels: reason (completed|max_tool_calls|timeout|model_error|validation_error|tool_error|aborted)
	AgentRunCounter *prometheus.CounterVec

	// AgentRunDuration measures orchestrator run wall time in seconds.
	AgentRunDuration prometheus.Histogram

	// ToolCallCounter counts tool invocations.
	// Labels: tool, outcome (ok|rejected|query_error|db_error)
	ToolCallCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RateLimitDecisions counts rate limiter outcomes.
	// Labels: outcome (allowed|limited|degraded)
	RateLimitDecisions *prometheus.CounterVec

	// RateLimitDegraded counts checks that ran without a healthy store.
	RateLimitDegraded prometheus.Counter

	// UsageChecks counts usage limiter outcomes.
	// Labels: outcome (allowed|exceeded|degraded)
	UsageChecks *prometheus.CounterVec

	// DatabaseQueryDuration measures warehouse query latency.
	// Labels: status (success|error)
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlagent_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		),

		AgentRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_agent_runs_total",
				Help: "Total number of agent runs by termination reason",
			},
			[]string{"reason"},
		),

		AgentRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlagent_agent_run_duration_seconds",
				Help:    "Wall time of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_agent_tool_calls_total",
				Help: "Total number of tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlagent_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_ratelimit_decisions_total",
				Help: "Rate limiter decisions by outcome",
			},
			[]string{"outcome"},
		),

		RateLimitDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlagent_ratelimit_degraded_total",
				Help: "Rate limit checks performed while the counter store was unavailable",
			},
		),

		UsageChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlagent_usage_checks_total",
				Help: "Usage limit checks by outcome",
			},
			[]string{"outcome"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlagent_db_query_duration_seconds",
				Help:    "Duration of tenant-scoped warehouse queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"status"},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// RecordAgentRun records a finished orchestrator run.
func (m *Metrics) RecordAgentRun(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AgentRunCounter.WithLabelValues(reason).Inc()
	m.AgentRunDuration.Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
//
// Example:
//
//	metrics.RecordToolExecution("execute_sql", "ok", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(tool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRateLimit records a rate limiter decision.
func (m *Metrics) RecordRateLimit(outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(outcome).Inc()
	if outcome == "degraded" {
		m.RateLimitDegraded.Inc()
	}
}

// RecordUsageCheck records a usage limiter outcome.
func (m *Metrics) RecordUsageCheck(outcome string) {
	if m == nil {
		return
	}
	m.UsageChecks.WithLabelValues(outcome).Inc()
}

// RecordDatabaseQuery records warehouse query latency.
func (m *Metrics) RecordDatabaseQuery(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(status).Observe(durationSeconds)
}
