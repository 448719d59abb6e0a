package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/tools/sandbox"
)

// SandboxRunner executes custom tool code. *sandbox.Runner satisfies it.
type SandboxRunner interface {
	Run(ctx context.Context, tool *models.CustomTool, params json.RawMessage) (*sandbox.Result, error)
}

// CustomTool adapts a user-defined catalog tool to the Tool interface.
// Arguments are validated against the tool's parameter schema before the
// sandbox ever sees them.
type CustomTool struct {
	def    *models.CustomTool
	runner SandboxRunner
}

// NewCustomTool wraps a stored tool definition.
func NewCustomTool(def *models.CustomTool, runner SandboxRunner) *CustomTool {
	return &CustomTool{def: def, runner: runner}
}

// CustomTools wraps every enabled user-defined tool in the catalog.
func CustomTools(ctx context.Context, store storage.CatalogStore, runner SandboxRunner) ([]Tool, error) {
	defs, err := store.ListCustomTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list custom tools: %w", err)
	}
	var out []Tool
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		out = append(out, NewCustomTool(def, runner))
	}
	return out, nil
}

func (t *CustomTool) Name() string { return t.def.Name }

func (t *CustomTool) Description() string {
	if t.def.Description != "" {
		return t.def.Description
	}
	return "User-defined tool."
}

func (t *CustomTool) Schema() json.RawMessage {
	if len(t.def.ParamsSchema) > 0 {
		return t.def.ParamsSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

// RiskLevel for custom tools is fixed at low write: the code is
// admin-authored and the sandbox bounds what it can touch.
func (t *CustomTool) RiskLevel() models.RiskLevel { return models.RiskLowWrite }

func (t *CustomTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := t.validateParams(params); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}

	result, err := t.runner.Run(ctx, t.def, params)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", t.def.Name, err)
	}
	if !result.Success {
		return &ToolResult{Content: result.Error, IsError: true}, nil
	}
	return &ToolResult{Content: string(result.Output)}, nil
}

func (t *CustomTool) validateParams(params json.RawMessage) error {
	if len(t.def.ParamsSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(t.def.ParamsSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

var schemaCache sync.Map

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("params.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
