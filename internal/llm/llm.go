// Package llm abstracts the model backends behind a single streaming
// interface. Providers convert between the platform's message shapes and
// each vendor SDK, handle retries for transient failures, and surface
// token usage in the final chunk of every stream.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/fireflydesk/flydesk/internal/models"
)

var (
	// ErrNoProviders is returned when no model backend is configured.
	ErrNoProviders = errors.New("llm: no providers configured")

	// ErrUnknownProvider is returned when a named backend is not registered.
	ErrUnknownProvider = errors.New("llm: unknown provider")
)

// Provider is a streaming model backend.
//
// Implementations must be safe for concurrent use; each Complete call
// owns an independent stream and goroutine.
type Provider interface {
	// Complete sends a completion request and returns a channel of
	// response chunks. The channel is closed after the terminal chunk
	// (Done or Error).
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider handles tool calling.
	SupportsTools() bool
}

// Request carries everything a provider needs for one completion.
type Request struct {
	// Model is the backend model id. Empty selects the provider default.
	Model string `json:"model"`

	// System is the system prompt, kept separate from messages because
	// the vendor APIs disagree on where it belongs.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []Message `json:"messages"`

	// Tools are the definitions the model may call.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Message is one turn of model-visible conversation.
// Role is "user", "assistant", or "tool".
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes a callable tool to the model. It carries no execution
// logic; the agent layer owns dispatch.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Chunk is one element of a streaming response. Exactly one terminal
// chunk arrives per stream: Done=true on success, Error set on failure.
type Chunk struct {
	// Text is a partial response fragment.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool invocation request. Providers
	// accumulate vendor-side fragments and emit whole calls only.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the Done chunk when
	// the backend reports usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one servable model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Response is a fully drained completion, for callers that need the whole
// answer rather than a stream (the complexity classifier, workflow steps).
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Collect drains a streaming completion into a single Response. Both
// providers close the chunk channel immediately after a terminal chunk,
// so returning on the first error cannot strand the producer.
func Collect(ctx context.Context, p Provider, req *Request) (*Response, error) {
	chunks, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
		}
	}
	resp.Text = text.String()
	return resp, nil
}
