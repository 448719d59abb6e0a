// Package tools defines the tool abstraction the agent calls into, a
// thread-safe registry, the built-in tools, and execution of user-defined
// tools in a subprocess sandbox.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fireflydesk/flydesk/internal/models"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does. This helps the LLM decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// RiskLevel grades the call; high_write and destructive tools require
	// user confirmation before execution.
	RiskLevel() models.RiskLevel

	// Execute runs the tool with the given JSON parameters. Failures the
	// model can recover from come back as a ToolResult with IsError set;
	// the error return is reserved for infrastructure problems.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution. Errors are also
// communicated via ToolResult with IsError=true, letting the LLM handle
// failures gracefully.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and
// lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A tool with the same name is replaced.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Execute runs a tool by name. An unknown tool or oversized input is an
// error result, not an error: the model sees it and can correct course.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength), nil
	}
	if len(params) > MaxToolParamsSize {
		return Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Errorf("tool not found: %s", name), nil
	}
	return tool.Execute(ctx, params)
}
