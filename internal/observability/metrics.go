package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters, gauges, and histograms for the
// surfaces that carry load: agent turns, model calls, tool executions,
// routing, knowledge, jobs, workflows, callbacks, and the HTTP gateway.
type Metrics struct {
	// TurnCounter counts agent turns by terminal status
	// (completed|error|limit_exceeded|cancelled).
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn wall time in seconds.
	TurnDuration prometheus.Histogram

	// LLMRequestCounter counts model calls by provider, model, and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency by provider and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by provider, model, and
	// type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// RoutingDecisions counts router outcomes by tier and source
	// (classifier|default|disabled).
	RoutingDecisions *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time by tool name.
	ToolExecutionDuration *prometheus.HistogramVec

	// ConfirmationCounter counts confirmation round-trips by outcome
	// (approved|denied|expired).
	ConfirmationCounter *prometheus.CounterVec

	// KnowledgeSearchDuration measures retrieval latency in seconds.
	KnowledgeSearchDuration prometheus.Histogram

	// ChunksIndexed counts chunks written to the vector store.
	ChunksIndexed prometheus.Counter

	// JobCounter counts background jobs by type and terminal status.
	JobCounter *prometheus.CounterVec

	// JobDuration measures job run time by type.
	JobDuration *prometheus.HistogramVec

	// WorkflowStepCounter counts executed workflow steps by step type
	// and status.
	WorkflowStepCounter *prometheus.CounterVec

	// CallbackDeliveries counts outbound callback attempts by event type
	// and status (delivered|failed).
	CallbackDeliveries *prometheus.CounterVec

	// HTTPRequestCounter counts gateway requests.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures gateway request latency.
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers every metric with reg. Pass
// prometheus.DefaultRegisterer in the server; tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_turns_total",
				Help: "Total agent turns by terminal status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flydesk_turn_duration_seconds",
				Help:    "Wall time of full agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_llm_requests_total",
				Help: "Total model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flydesk_llm_request_duration_seconds",
				Help:    "Model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_routing_decisions_total",
				Help: "Model routing outcomes by tier and decision source",
			},
			[]string{"tier", "source"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flydesk_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ConfirmationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_tool_confirmations_total",
				Help: "Confirmation round-trips for risky tools by outcome",
			},
			[]string{"outcome"},
		),

		KnowledgeSearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flydesk_knowledge_search_duration_seconds",
				Help:    "Knowledge retrieval latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),

		ChunksIndexed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flydesk_knowledge_chunks_indexed_total",
				Help: "Chunks embedded and written to the vector store",
			},
		),

		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_jobs_total",
				Help: "Background jobs by type and terminal status",
			},
			[]string{"type", "status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flydesk_job_duration_seconds",
				Help:    "Background job run time in seconds",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"type"},
		),

		WorkflowStepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_workflow_steps_total",
				Help: "Executed workflow steps by step type and status",
			},
			[]string{"step_type", "status"},
		),

		CallbackDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_callback_deliveries_total",
				Help: "Outbound callback attempts by event type and status",
			},
			[]string{"event", "status"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_http_requests_total",
				Help: "Gateway HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flydesk_http_request_duration_seconds",
				Help:    "Gateway HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flydesk_errors_total",
				Help: "Errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordTurn records a finished agent turn.
func (m *Metrics) RecordTurn(status string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordLLMRequest records one model call with its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRoutingDecision records which tier the router picked and why.
func (m *Metrics) RecordRoutingDecision(tier, source string) {
	m.RoutingDecisions.WithLabelValues(tier, source).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordConfirmation records the outcome of a confirmation round-trip.
func (m *Metrics) RecordConfirmation(outcome string) {
	m.ConfirmationCounter.WithLabelValues(outcome).Inc()
}

// RecordKnowledgeSearch records one retrieval pass.
func (m *Metrics) RecordKnowledgeSearch(durationSeconds float64) {
	m.KnowledgeSearchDuration.Observe(durationSeconds)
}

// RecordChunksIndexed adds to the indexed-chunk counter.
func (m *Metrics) RecordChunksIndexed(n int) {
	if n > 0 {
		m.ChunksIndexed.Add(float64(n))
	}
}

// RecordJob records a job reaching a terminal status.
func (m *Metrics) RecordJob(jobType, status string, durationSeconds float64) {
	m.JobCounter.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordWorkflowStep records one executed workflow step.
func (m *Metrics) RecordWorkflowStep(stepType, status string) {
	m.WorkflowStepCounter.WithLabelValues(stepType, status).Inc()
}

// RecordCallbackDelivery records one outbound callback attempt.
func (m *Metrics) RecordCallbackDelivery(event, status string) {
	m.CallbackDeliveries.WithLabelValues(event, status).Inc()
}

// RecordHTTPRequest records one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
