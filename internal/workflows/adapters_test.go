package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/tools"
)

type staticTool struct {
	name   string
	result *tools.ToolResult
	err    error

	gotParams json.RawMessage
}

func (s *staticTool) Name() string                 { return s.name }
func (s *staticTool) Description() string          { return "test tool" }
func (s *staticTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (s *staticTool) RiskLevel() models.RiskLevel  { return models.RiskRead }
func (s *staticTool) Execute(_ context.Context, params json.RawMessage) (*tools.ToolResult, error) {
	s.gotParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type staticSource struct {
	tools []tools.Tool
	err   error
}

func (s staticSource) ToolsFor(_ context.Context, _ *auth.Session) ([]tools.Tool, error) {
	return s.tools, s.err
}

func TestRegistryExecutorDecodesObjectOutput(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&staticTool{
		name:   "lookup_vendor",
		result: &tools.ToolResult{Content: `{"vendor_id":"v-1","active":true}`},
	})

	out, err := RegistryExecutor{Registry: reg}.ExecuteStep(context.Background(), "lookup_vendor", map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	want := map[string]any{"vendor_id": "v-1", "active": true}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("output = %v, want %v", out, want)
	}
}

func TestRegistryExecutorWrapsPlainText(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&staticTool{
		name:   "ping",
		result: &tools.ToolResult{Content: "pong"},
	})

	out, err := RegistryExecutor{Registry: reg}.ExecuteStep(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out["content"] != "pong" {
		t.Errorf(`out["content"] = %v, want "pong"`, out["content"])
	}
}

func TestRegistryExecutorFailsOnErrorResult(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&staticTool{
		name:   "create_vendor",
		result: &tools.ToolResult{Content: "duplicate vendor", IsError: true},
	})

	_, err := RegistryExecutor{Registry: reg}.ExecuteStep(context.Background(), "create_vendor", nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate vendor") {
		t.Fatalf("expected error carrying tool output, got %v", err)
	}
}

func TestSourceExecutorFindsToolAcrossSources(t *testing.T) {
	tool := &staticTool{
		name:   "jira_create_issue",
		result: &tools.ToolResult{Content: `{"key":"OPS-7"}`},
	}
	exec := SourceExecutor{
		Sources: []ToolLister{
			staticSource{tools: []tools.Tool{&staticTool{name: "other", result: &tools.ToolResult{Content: "{}"}}}},
			staticSource{tools: []tools.Tool{tool}},
		},
		Session: &auth.Session{UserID: "workflow-engine", Permissions: []string{auth.WildcardPermission}},
	}

	out, err := exec.ExecuteStep(context.Background(), "jira_create_issue", map[string]any{"summary": "printer on fire"})
	if err != nil {
		t.Fatalf("ExecuteStep: %v", err)
	}
	if out["key"] != "OPS-7" {
		t.Errorf(`out["key"] = %v, want "OPS-7"`, out["key"])
	}

	var args map[string]any
	if err := json.Unmarshal(tool.gotParams, &args); err != nil {
		t.Fatalf("decode forwarded params: %v", err)
	}
	if args["summary"] != "printer on fire" {
		t.Errorf("forwarded args = %v", args)
	}
}

func TestSourceExecutorUnknownTool(t *testing.T) {
	exec := SourceExecutor{Sources: []ToolLister{staticSource{}}}

	_, err := exec.ExecuteStep(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "tool not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestSourceExecutorPropagatesListError(t *testing.T) {
	boom := errors.New("catalog down")
	exec := SourceExecutor{Sources: []ToolLister{staticSource{err: boom}}}

	_, err := exec.ExecuteStep(context.Background(), "anything", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped list error, got %v", err)
	}
}
