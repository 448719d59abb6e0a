package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/tools"
)

// RegistryExecutor adapts the tool registry to the engine's ToolExecutor.
// Tool errors that come back as error-flagged results fail the step: a
// workflow has no model in the loop to recover from them.
type RegistryExecutor struct {
	Registry *tools.Registry
}

func (r RegistryExecutor) ExecuteStep(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	result, err := r.Registry.Execute(ctx, name, raw)
	if err != nil {
		return nil, err
	}
	return stepOutput(name, result)
}

// ToolLister yields the tools visible to a session. The prompt package's
// tool sources satisfy it.
type ToolLister interface {
	ToolsFor(ctx context.Context, sess *auth.Session) ([]tools.Tool, error)
}

// SourceExecutor resolves step tools against live tool sources on every
// call, so custom tools and catalog endpoints registered after startup
// are reachable without a restart. Steps run under the fixed session;
// access was checked when the workflow was created.
type SourceExecutor struct {
	Sources []ToolLister
	Session *auth.Session
}

func (s SourceExecutor) ExecuteStep(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	for _, src := range s.Sources {
		list, err := src.ToolsFor(ctx, s.Session)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, tool := range list {
			if tool.Name() != name {
				continue
			}
			result, err := tool.Execute(ctx, raw)
			if err != nil {
				return nil, err
			}
			return stepOutput(name, result)
		}
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

// stepOutput maps a tool result onto step output. JSON object content
// becomes the output as-is; anything else is wrapped under "content".
func stepOutput(name string, result *tools.ToolResult) (map[string]any, error) {
	if result.IsError {
		return nil, fmt.Errorf("tool %s: %s", name, result.Content)
	}
	var out map[string]any
	if json.Unmarshal([]byte(result.Content), &out) == nil && out != nil {
		return out, nil
	}
	return map[string]any{"content": result.Content}, nil
}

// RegistryCompleter adapts the provider registry to the engine's
// StepCompleter. The model spec uses the same provider:model form the
// router emits; empty picks the default provider.
type RegistryCompleter struct {
	Registry *llm.Registry
}

func (c RegistryCompleter) Complete(ctx context.Context, model, prompt string) (string, error) {
	provider, bare, err := c.Registry.Resolve(model)
	if err != nil {
		return "", err
	}
	resp, err := llm.Collect(ctx, provider, &llm.Request{
		Model:    bare,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
