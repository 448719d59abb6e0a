package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/agent/prompt"
	"github.com/fireflydesk/flydesk/internal/agent/routing"
	"github.com/fireflydesk/flydesk/internal/audit"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

const (
	// DefaultMaxToolsPerTurn caps tool executions in one turn.
	DefaultMaxToolsPerTurn = 10

	// DefaultHistoryLimit is how many prior messages enter the context.
	DefaultHistoryLimit = 50

	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 4096

	// DefaultConfirmTimeout is how long a turn waits for the user to
	// approve or deny a risky tool call.
	DefaultConfirmTimeout = 5 * time.Minute

	// rawContentKey is the message metadata key holding the assistant
	// text before widget directives were stripped.
	rawContentKey = "raw_content"
)

// Turn failure kinds, carried on the error event and in TurnError.
const (
	ErrKindLLMTransport  = "llm_transport"
	ErrKindLimitExceeded = "limit_exceeded"
	ErrKindUnknownTool   = "unknown_tool"
	ErrKindCancelled     = "cancelled"
	ErrKindTimeout       = "timeout"
	ErrKindPersistence   = "persistence"
	ErrKindToolExecution = "tool_execution"
)

// TurnError is a turn-level failure with its taxonomy kind.
type TurnError struct {
	Kind    string
	Message string
	Cause   error
}

func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn failed (%s): %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("turn failed (%s): %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// TurnRequest carries one user turn.
type TurnRequest struct {
	ConversationID string
	Session        *auth.Session
	Content        string
	Attachments    []prompt.Attachment
	// ModelOverride pins the model for this turn, bypassing routing.
	ModelOverride string
	// TurnID is generated when empty.
	TurnID string
	Sink   EventSink
}

// Executor runs conversation turns. Turns on the same conversation are
// serialized; turns on different conversations run in parallel.
type Executor struct {
	convs    storage.ConversationStore
	registry *llm.Registry
	enricher *prompt.Enricher
	router   *routing.Router
	broker   *ConfirmationBroker
	recorder *audit.Recorder
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	locks    *KeyedLocks
	logger   *slog.Logger

	defaultModel    string
	maxToolsPerTurn int
	historyLimit    int
	maxTokens       int
	turnTimeout     time.Duration
	confirmTimeout  time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRouter enables model routing for turns without an override.
func WithRouter(r *routing.Router) ExecutorOption {
	return func(e *Executor) { e.router = r }
}

// WithAudit records chat and tool audit events.
func WithAudit(rec *audit.Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = rec }
}

// WithMetrics records turn, model, and tool metrics.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer emits spans for turns, model calls, and tool executions.
func WithTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithDefaultModel sets the model used when neither the request nor
// routing picks one.
func WithDefaultModel(model string) ExecutorOption {
	return func(e *Executor) { e.defaultModel = model }
}

// WithMaxToolsPerTurn overrides the tool cap.
func WithMaxToolsPerTurn(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxToolsPerTurn = n
		}
	}
}

// WithHistoryLimit overrides how much history enters the context.
func WithHistoryLimit(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithTurnTimeout caps total turn duration. Zero means no cap.
func WithTurnTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.turnTimeout = d }
}

// WithConfirmTimeout overrides how long risky tool calls wait for the
// user's decision.
func WithConfirmTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor wires a turn executor over the conversation store, the
// provider registry, and the prompt enricher.
func NewExecutor(convs storage.ConversationStore, registry *llm.Registry, enricher *prompt.Enricher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		convs:           convs,
		registry:        registry,
		enricher:        enricher,
		broker:          NewConfirmationBroker(),
		locks:           NewKeyedLocks(),
		logger:          slog.Default(),
		maxToolsPerTurn: DefaultMaxToolsPerTurn,
		historyLimit:    DefaultHistoryLimit,
		maxTokens:       DefaultMaxTokens,
		confirmTimeout:  DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker exposes the confirmation broker so the confirm endpoint can
// resolve pending widgets.
func (e *Executor) Broker() *ConfirmationBroker { return e.broker }

// Run executes one turn. Events stream to req.Sink in order: routing
// first when a decision was made, then interleaved token, tool_start,
// tool_end, confirmation, widget, and error events, with done always
// last. The returned error mirrors the terminal error event, if any.
func (e *Executor) Run(ctx context.Context, req TurnRequest) (err error) {
	sink := req.Sink
	if sink == nil {
		sink = NopSink{}
	}
	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	// done must outlive every other emission, including error paths.
	defer sink.Emit(ctx, Event{Type: EventDone, Data: map[string]any{"turn_id": turnID}})

	if req.Session == nil {
		return e.fail(ctx, sink, ErrKindPersistence, "no session", nil)
	}

	ctx, span := e.tracer.TraceTurn(ctx, req.ConversationID, req.Session.UserID)
	defer func() {
		e.tracer.RecordError(span, err)
		span.End()
	}()

	release := e.locks.Acquire(req.ConversationID)
	defer release()

	if e.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.turnTimeout)
		defer cancel()
	}

	started := time.Now()
	status := "error"
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordTurn(status, time.Since(started).Seconds())
		}
	}()

	conv, err := e.ensureConversation(ctx, req)
	if err != nil {
		return e.fail(ctx, sink, ErrKindPersistence, "loading conversation", err)
	}
	e.tracer.SetAttributes(span, "conversation_id", conv.ID)

	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Content,
		TurnID:         turnID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.convs.AppendMessage(ctx, userMsg); err != nil {
		return e.fail(ctx, sink, ErrKindPersistence, "persisting user message", err)
	}
	if e.recorder != nil {
		e.recorder.RecordChatMessage(req.Session.UserID, conv.ID, models.RoleUser, turnID)
	}

	history, err := e.convs.Messages(ctx, conv.ID, e.historyLimit)
	if err != nil {
		return e.fail(ctx, sink, ErrKindPersistence, "loading history", err)
	}

	tc, err := e.enricher.Enrich(ctx, prompt.EnrichInput{
		Session:     req.Session,
		Message:     req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		return e.fail(ctx, sink, ErrKindPersistence, "enriching context", err)
	}

	model := e.selectModel(ctx, req, conv, tc, history, sink)

	provider, bareModel, err := e.registry.Resolve(model)
	if err != nil {
		return e.fail(ctx, sink, ErrKindLLMTransport, "resolving model", err)
	}

	msgs := historyToLLM(history)

	var (
		fullText  strings.Builder
		toolsUsed int
		outTokens int
		inTokens  int
	)

	for {
		iterText, toolCalls, usage, err := e.streamOnce(ctx, sink, provider, &llm.Request{
			Model:     bareModel,
			System:    tc.SystemPrompt,
			Messages:  msgs,
			Tools:     tc.Defs,
			MaxTokens: e.maxTokens,
		})
		if err != nil {
			kind := ErrKindLLMTransport
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				kind = ErrKindTimeout
			case errors.Is(err, context.Canceled):
				kind = ErrKindCancelled
			}
			status = kind
			return e.fail(ctx, sink, kind, "model stream failed", err)
		}
		inTokens += usage.InputTokens
		outTokens += usage.OutputTokens

		if iterText != "" {
			if fullText.Len() > 0 {
				fullText.WriteString("\n\n")
			}
			fullText.WriteString(iterText)
		}

		if len(toolCalls) == 0 {
			break
		}

		if toolsUsed+len(toolCalls) > e.maxToolsPerTurn {
			status = ErrKindLimitExceeded
			return e.fail(ctx, sink, ErrKindLimitExceeded,
				fmt.Sprintf("turn exceeded %d tool calls", e.maxToolsPerTurn), nil)
		}

		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			toolsUsed++
			result, err := e.executeToolCall(ctx, sink, req, conv.ID, call, tc)
			if err != nil {
				var te *TurnError
				if errors.As(err, &te) {
					status = te.Kind
				}
				return err
			}
			results = append(results, result)
		}

		msgs = append(msgs,
			llm.Message{Role: "assistant", Content: iterText, ToolCalls: toolCalls},
			llm.Message{Role: "tool", ToolResults: results},
		)
	}

	widgets, stripped := ParseWidgets(fullText.String())
	for _, w := range widgets {
		sink.Emit(ctx, Event{Type: EventWidget, Data: map[string]any{
			"type":       w.Type,
			"attributes": w.Attributes,
			"props":      w.Props,
		}})
	}

	assistantMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        stripped,
		TurnID:         turnID,
		TokenCount:     outTokens,
		CreatedAt:      time.Now().UTC(),
	}
	if raw := fullText.String(); raw != stripped {
		assistantMsg.Metadata = map[string]any{rawContentKey: raw}
	}
	if err := e.convs.AppendMessage(ctx, assistantMsg); err != nil {
		return e.fail(ctx, sink, ErrKindPersistence, "persisting assistant message", err)
	}
	if e.recorder != nil {
		e.recorder.RecordChatMessage(req.Session.UserID, conv.ID, models.RoleAssistant, turnID)
	}
	if e.metrics != nil && (inTokens > 0 || outTokens > 0) {
		e.metrics.RecordLLMRequest(provider.Name(), bareModel, "ok", 0, inTokens, outTokens)
	}

	status = "completed"
	return nil
}

// ensureConversation loads the conversation, creating it on the first
// message. A conversation owned by another user is reported as not
// found.
func (e *Executor) ensureConversation(ctx context.Context, req TurnRequest) (*models.Conversation, error) {
	conv, err := e.convs.Get(ctx, req.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		conv = &models.Conversation{
			ID:        req.ConversationID,
			UserID:    req.Session.UserID,
			Channel:   "chat",
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if conv.ID == "" {
			conv.ID = uuid.NewString()
		}
		if err := e.convs.Create(ctx, conv); err != nil {
			return nil, err
		}
		return conv, nil
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.Session.UserID && !req.Session.HasPermission("chat:admin") {
		return nil, storage.ErrNotFound
	}
	return conv, nil
}

// selectModel picks the turn's model: explicit override, then routing,
// then the conversation's pinned model, then the executor default. The
// routing event is emitted here, before any token.
func (e *Executor) selectModel(ctx context.Context, req TurnRequest, conv *models.Conversation, tc *prompt.TurnContext, history []*models.Message, sink EventSink) string {
	if req.ModelOverride != "" {
		return req.ModelOverride
	}

	if e.router != nil {
		names := make([]string, 0, len(tc.Tools))
		for _, t := range tc.Tools {
			names = append(names, t.Name())
		}
		decision := e.router.Route(ctx, routing.Input{
			Message:   req.Content,
			ToolCount: len(tc.Tools),
			ToolNames: names,
			TurnCount: countUserTurns(history),
		})
		if decision != nil {
			sink.Emit(ctx, Event{Type: EventRouting, Data: map[string]any{
				"tier":                  string(decision.Tier),
				"model":                 decision.Model,
				"confidence":            decision.Confidence,
				"reasoning":             decision.Reasoning,
				"classifier_latency_ms": decision.ClassifierLatencyMs,
			}})
			return decision.Model
		}
	}

	if conv.ModelID != "" {
		return conv.ModelID
	}
	return e.defaultModel
}

// streamOnce drains one completion, emitting a token event per text
// chunk and collecting tool calls.
func (e *Executor) streamOnce(ctx context.Context, sink EventSink, provider llm.Provider, req *llm.Request) (string, []models.ToolCall, llm.Chunk, error) {
	var usage llm.Chunk

	ctx, span := e.tracer.TraceLLMRequest(ctx, provider.Name(), req.Model)
	defer span.End()

	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		e.tracer.RecordError(span, err)
		return "", nil, usage, err
	}

	var text strings.Builder
	var calls []models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			e.tracer.RecordError(span, chunk.Error)
			return "", nil, usage, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			sink.Emit(ctx, Event{Type: EventToken, Data: map[string]any{"text": chunk.Text}})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage = *chunk
		}
	}
	e.tracer.SetAttributes(span,
		"llm.input_tokens", usage.InputTokens,
		"llm.output_tokens", usage.OutputTokens,
	)
	return text.String(), calls, usage, nil
}

// executeToolCall runs one tool call through the confirmation gate and
// the tool itself, emitting tool_start/tool_end and audit records. The
// returned error aborts the turn; tool failures the model can recover
// from come back as an error-flagged result instead.
func (e *Executor) executeToolCall(ctx context.Context, sink EventSink, req TurnRequest, convID string, call models.ToolCall, tc *prompt.TurnContext) (models.ToolResult, error) {
	tool, ok := tc.Tool(call.Name)
	if !ok {
		return models.ToolResult{}, e.fail(ctx, sink, ErrKindUnknownTool, "unknown tool "+call.Name, nil)
	}

	if tool.RiskLevel().RequiresConfirmation() {
		approved, err := e.confirm(ctx, sink, req, convID, call, tool.RiskLevel())
		if err != nil {
			kind := ErrKindCancelled
			if errors.Is(err, context.DeadlineExceeded) {
				kind = ErrKindTimeout
			}
			return models.ToolResult{}, e.fail(ctx, sink, kind, "waiting for confirmation", err)
		}
		if !approved {
			result := models.ToolResult{ToolCallID: call.ID, Content: "denied by user", IsError: true}
			sink.Emit(ctx, Event{Type: EventToolEnd, Data: map[string]any{
				"tool_call_id": call.ID,
				"name":         call.Name,
				"result":       result.Content,
				"is_error":     true,
			}})
			return result, nil
		}
	}

	sink.Emit(ctx, Event{Type: EventToolStart, Data: map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"args":         json.RawMessage(call.Input),
	}})

	execCtx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	started := time.Now()
	res, err := tool.Execute(execCtx, call.Input)
	elapsed := time.Since(started)
	e.tracer.RecordError(span, err)
	span.End()

	var result models.ToolResult
	if err != nil {
		// Infrastructure failure: surface it on the stream and feed a
		// structured error back so the model can adapt within the cap.
		result = models.ToolResult{ToolCallID: call.ID, Content: "tool failed: " + err.Error(), IsError: true}
		sink.Emit(ctx, Event{Type: EventError, Data: map[string]any{
			"kind":         ErrKindToolExecution,
			"message":      err.Error(),
			"tool_call_id": call.ID,
		}})
	} else {
		result = models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
	}

	if e.recorder != nil {
		e.recorder.RecordToolInvocation(req.Session.UserID, convID, call.Name, call.Input, tool.RiskLevel(), !result.IsError, elapsed)
	}
	if e.metrics != nil {
		toolStatus := "ok"
		if result.IsError {
			toolStatus = "error"
		}
		e.metrics.RecordToolExecution(call.Name, toolStatus, elapsed.Seconds())
	}

	sink.Emit(ctx, Event{Type: EventToolEnd, Data: map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"result":       result.Content,
		"is_error":     result.IsError,
		"duration_ms":  elapsed.Milliseconds(),
	}})
	return result, nil
}

// confirm suspends the turn on a confirmation widget until the user
// decides, the wait times out, or the turn is cancelled.
func (e *Executor) confirm(ctx context.Context, sink EventSink, req TurnRequest, convID string, call models.ToolCall, risk models.RiskLevel) (bool, error) {
	widgetID := uuid.NewString()
	ch := e.broker.Expect(widgetID)
	defer e.broker.Forget(widgetID)

	sink.Emit(ctx, Event{Type: EventConfirmation, Data: map[string]any{
		"widget_id":    widgetID,
		"action":       call.Name,
		"args":         json.RawMessage(call.Input),
		"risk_level":   string(risk),
		"tool_call_id": call.ID,
	}})

	timer := time.NewTimer(e.confirmTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if e.recorder != nil && !reply.Approved {
			e.recorder.RecordToolDenied(req.Session.UserID, convID, call.Name, "denied by user")
		}
		if e.metrics != nil {
			outcome := "approved"
			if !reply.Approved {
				outcome = "denied"
			}
			e.metrics.RecordConfirmation(outcome)
		}
		return reply.Approved, nil
	case <-timer.C:
		if e.metrics != nil {
			e.metrics.RecordConfirmation("timeout")
		}
		return false, context.DeadlineExceeded
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// fail emits the error event and returns the matching TurnError.
func (e *Executor) fail(ctx context.Context, sink EventSink, kind, message string, cause error) error {
	data := map[string]any{"kind": kind, "message": message}
	if cause != nil {
		data["message"] = message + ": " + cause.Error()
	}
	sink.Emit(ctx, Event{Type: EventError, Data: data})
	e.logger.Error("turn failed", "kind", kind, "message", message, "error", cause)
	if e.metrics != nil {
		e.metrics.RecordError("agent", kind)
	}
	return &TurnError{Kind: kind, Message: message, Cause: cause}
}

// historyToLLM converts persisted history into model messages. Only
// user and assistant text enters the context; tool traffic is not
// persisted as messages.
func historyToLLM(history []*models.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
			content := m.Content
			if raw, ok := m.Metadata[rawContentKey].(string); ok && raw != "" {
				content = raw
			}
			msgs = append(msgs, llm.Message{Role: string(m.Role), Content: content})
		}
	}
	return msgs
}

func countUserTurns(history []*models.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == models.RoleUser {
			n++
		}
	}
	return n
}
