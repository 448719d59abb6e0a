package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "flydesk-test"})

	ctx, span := tracer.Start(context.Background(), "operation")
	if span == nil {
		t.Fatal("expected a span even without an exporter")
	}
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Errorf("no-op shutdown returned error: %v", err)
	}
}

func TestNilTracerIsUsable(t *testing.T) {
	var tracer *Tracer

	ctx, span := tracer.TraceTurn(context.Background(), "conv-1", "u-1")
	if span == nil {
		t.Fatal("nil tracer must still hand out spans")
	}
	tracer.SetAttributes(span, "tool", "jira_create_issue")
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	if ctx == nil {
		t.Fatal("nil tracer returned nil context")
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID on bare context = %q, want empty", id)
	}
}

func TestRecordErrorNil(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	// Must be a no-op, not a panic.
	tracer.RecordError(span, nil)
}

func TestWithSpanPropagatesError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	sentinel := errors.New("boom")
	err := WithSpan(context.Background(), tracer, "failing", func(ctx context.Context, span trace.Span) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("WithSpan error = %v, want %v", err, sentinel)
	}

	err = WithSpan(context.Background(), tracer, "passing", func(ctx context.Context, span trace.Span) error {
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan on success = %v, want nil", err)
	}
}

func TestSetAttributesSkipsNonStringKeys(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	// Odd pairs and non-string keys must not panic.
	tracer.SetAttributes(span, 42, "dropped", "tool", "jira_create_issue", "dangling")
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want attribute.Type
	}{
		{"string", "x", attribute.STRING},
		{"int", 7, attribute.INT64},
		{"int64", int64(7), attribute.INT64},
		{"float", 1.5, attribute.FLOAT64},
		{"bool", true, attribute.BOOL},
		{"string slice", []string{"a"}, attribute.STRINGSLICE},
		{"fallback", struct{ X int }{1}, attribute.STRING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := attributeFromValue("k", tt.val)
			if kv.Value.Type() != tt.want {
				t.Errorf("attributeFromValue(%v) type = %v, want %v", tt.val, kv.Value.Type(), tt.want)
			}
		})
	}
}

func TestDomainSpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx := context.Background()

	_, span := tracer.TraceTurn(ctx, "conv-1", "u-1")
	span.End()
	_, span = tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet")
	span.End()
	_, span = tracer.TraceToolExecution(ctx, "jira_create_issue")
	span.End()
	_, span = tracer.TraceWorkflowStep(ctx, "wf-1", "wait_webhook")
	span.End()
	_, span = tracer.TraceHTTPRequest(ctx, "GET", "/api/llm/status")
	span.End()
}
