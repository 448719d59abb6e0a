package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordTurn(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTurn("completed", 1.5)
	m.RecordTurn("completed", 2.0)
	m.RecordTurn("limit_exceeded", 0.3)

	expected := `
		# HELP flydesk_turns_total Total agent turns by terminal status
		# TYPE flydesk_turns_total counter
		flydesk_turns_total{status="completed"} 2
		flydesk_turns_total{status="limit_exceeded"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected turn counter state: %v", err)
	}
}

func TestRecordLLMRequestTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLMRequest("openai", "gpt-4o", "success", 0.8, 120, 45)
	m.RecordLLMRequest("openai", "gpt-4o", "success", 1.1, 80, 0)

	prompt := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt"))
	if prompt != 200 {
		t.Errorf("prompt tokens = %v, want 200", prompt)
	}
	completion := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "completion"))
	if completion != 45 {
		t.Errorf("completion tokens = %v, want 45", completion)
	}
	requests := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "success"))
	if requests != 2 {
		t.Errorf("request count = %v, want 2", requests)
	}
}

func TestRecordRoutingDecision(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRoutingDecision("fast", "classifier")
	m.RecordRoutingDecision("fast", "classifier")
	m.RecordRoutingDecision("balanced", "default")

	if got := testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("fast", "classifier")); got != 2 {
		t.Errorf("classifier fast decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("balanced", "default")); got != 1 {
		t.Errorf("default balanced decisions = %v, want 1", got)
	}
}

func TestRecordChunksIndexedIgnoresNonPositive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordChunksIndexed(3)
	m.RecordChunksIndexed(0)
	m.RecordChunksIndexed(-5)

	if got := testutil.ToFloat64(m.ChunksIndexed); got != 3 {
		t.Errorf("indexed chunks = %v, want 3", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("jira_create_issue", "success", 0.4)
	m.RecordToolExecution("jira_create_issue", "error", 0.2)

	if got := testutil.CollectAndCount(m.ToolExecutionCounter); got != 2 {
		t.Errorf("tool label combinations = %d, want 2", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest("POST", "/api/chat/messages", "200", 0.05)

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/api/chat/messages", "200")); got != 1 {
		t.Errorf("http request count = %v, want 1", got)
	}
}

func TestIsolatedRegistriesDoNotCollide(t *testing.T) {
	// Two constructions must coexist when given separate registries.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordError("agent", "timeout")
	b.RecordError("agent", "timeout")

	if got := testutil.ToFloat64(a.ErrorCounter.WithLabelValues("agent", "timeout")); got != 1 {
		t.Errorf("registry a error count = %v, want 1", got)
	}
}
