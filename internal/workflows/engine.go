// Package workflows runs durable multi-step workflows whose lifetime
// exceeds a single request. State lives in the workflow store; the engine
// advances steps on triggers and parks on wait steps, so a restart loses
// nothing but in-flight step work.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/audit"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

const (
	// DefaultWebhookTTL bounds how long a wait_webhook registration stays
	// consumable.
	DefaultWebhookTTL = 24 * time.Hour

	// WebhookPathPrefix is where inbound webhook tokens are posted.
	WebhookPathPrefix = "/api/webhooks/"
)

// ErrNoSteps is returned by Start for an empty step list.
var ErrNoSteps = errors.New("workflows: at least one step is required")

// StepSpec describes one step when starting a workflow.
type StepSpec struct {
	Type  models.StepType `json:"type"`
	Input map[string]any  `json:"input,omitempty"`
}

// Status is the externally visible shape of a workflow.
type Status struct {
	WorkflowID  string                `json:"workflow_id"`
	Type        string                `json:"type"`
	Status      models.WorkflowStatus `json:"status"`
	CurrentStep int                   `json:"current_step"`
	TotalSteps  int                   `json:"total_steps"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// ToolExecutor runs tool_call steps. *tools.Registry satisfies it via
// the ExecuteRaw adapter in this package.
type ToolExecutor interface {
	ExecuteStep(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// StepCompleter runs one blocking model completion for agent_run steps.
type StepCompleter interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// Notifier sends outbound callbacks for notify steps.
// *callbacks.Dispatcher satisfies it.
type Notifier interface {
	DispatchAsync(ctx context.Context, callbackID, event, url, secret string, data map[string]any)
}

// Engine owns workflow state transitions. All mutation paths serialize
// per workflow id, so concurrent triggers for the same workflow apply in
// sequence.
type Engine struct {
	store          storage.WorkflowStore
	toolExec       ToolExecutor
	completer      StepCompleter
	notifier       Notifier
	recorder       *audit.Recorder
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	locks          *agent.KeyedLocks
	webhookTTL     time.Duration
	callbackSecret string
	baseURL        string
	now            func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithToolExecutor wires tool_call step execution.
func WithToolExecutor(t ToolExecutor) EngineOption {
	return func(e *Engine) { e.toolExec = t }
}

// WithCompleter wires agent_run step execution.
func WithCompleter(c StepCompleter) EngineOption {
	return func(e *Engine) { e.completer = c }
}

// WithNotifier wires notify step delivery.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithEngineAudit sets the audit recorder.
func WithEngineAudit(r *audit.Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "workflows")
		}
	}
}

// WithEngineMetrics sets the metrics collector.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineTracer emits spans for resumes and step executions.
func WithEngineTracer(t *observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithWebhookTTL sets how long wait_webhook registrations stay active.
func WithWebhookTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.webhookTTL = ttl
		}
	}
}

// WithCallbackSecret sets the HMAC secret for notify steps.
func WithCallbackSecret(secret string) EngineOption {
	return func(e *Engine) { e.callbackSecret = secret }
}

// WithBaseURL sets the public URL prefix reported in webhook step output.
func WithBaseURL(u string) EngineOption {
	return func(e *Engine) { e.baseURL = u }
}

// WithEngineNow overrides the clock.
func WithEngineNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine over the workflow store.
func NewEngine(store storage.WorkflowStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		logger:     slog.Default().With("component", "workflows"),
		locks:      agent.NewKeyedLocks(),
		webhookTTL: DefaultWebhookTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start persists a new workflow with dense pending steps. It does not
// advance: callers kick execution with a STEP_COMPLETED resume.
func (e *Engine) Start(ctx context.Context, userID, conversationID, wfType string, params map[string]any, specs []StepSpec) (*models.Workflow, error) {
	if len(specs) == 0 {
		return nil, ErrNoSteps
	}
	for i, spec := range specs {
		if !validStepType(spec.Type) {
			return nil, fmt.Errorf("step %d: unknown step type %q", i, spec.Type)
		}
	}

	now := e.now().UTC()
	wf := &models.Workflow{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Type:           wfType,
		Status:         models.WorkflowPending,
		State:          cloneState(params),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	steps := make([]*models.WorkflowStep, len(specs))
	for i, spec := range specs {
		steps[i] = &models.WorkflowStep{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			StepIndex:  i,
			Type:       spec.Type,
			Status:     models.StepPending,
			Input:      cloneState(spec.Input),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := e.store.Create(ctx, wf, steps); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	e.recorder.RecordWorkflowEvent(userID, wf.ID, "workflow_started", map[string]any{
		"workflow_type": wfType,
		"total_steps":   len(steps),
	})
	e.logger.Info("workflow created", "workflow_id", wf.ID, "workflow_type", wfType, "steps", len(steps))
	return wf, nil
}

// Resume applies a trigger. Non-resumable statuses are a no-op, which
// makes duplicate triggers harmless. On resume the trigger payload is
// merged into state under trigger_<current_step>, the workflow is
// checkpointed, and the step executor advances until the next wait step
// or the end.
func (e *Engine) Resume(ctx context.Context, workflowID string, trigger models.Trigger) (err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.resume")
	e.tracer.SetAttributes(span, "workflow_id", workflowID, "trigger", string(trigger.Type))
	defer func() {
		e.tracer.RecordError(span, err)
		span.End()
	}()

	release := e.locks.Acquire(workflowID)
	defer release()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	if !wf.Status.Resumable() {
		e.logger.Debug("resume ignored", "workflow_id", workflowID,
			"status", string(wf.Status), "trigger", string(trigger.Type))
		return nil
	}

	wf.Status = models.WorkflowRunning
	if trigger.Payload != nil {
		if wf.State == nil {
			wf.State = map[string]any{}
		}
		wf.State[fmt.Sprintf("trigger_%d", wf.CurrentStep)] = trigger.Payload
	}
	wf.NextCheckAt = nil
	wf.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("checkpoint workflow: %w", err)
	}

	return e.advance(ctx, wf, trigger)
}

// Cancel terminates a workflow. Terminal workflows are a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	release := e.locks.Acquire(workflowID)
	defer release()

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	now := e.now().UTC()
	wf.Status = models.WorkflowCancelled
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("cancel workflow: %w", err)
	}

	steps, err := e.store.GetSteps(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get steps: %w", err)
	}
	for _, step := range steps {
		if step.Status == models.StepCompleted || step.Status == models.StepFailed {
			continue
		}
		step.Status = models.StepCancelled
		step.UpdatedAt = now
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("cancel step %d: %w", step.StepIndex, err)
		}
	}

	e.recorder.RecordWorkflowEvent(wf.UserID, wf.ID, "workflow_cancelled", nil)
	e.logger.Info("workflow cancelled", "workflow_id", wf.ID)
	return nil
}

// GetStatus reports the workflow's progress, or storage.ErrNotFound.
func (e *Engine) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.GetSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &Status{
		WorkflowID:  wf.ID,
		Type:        wf.Type,
		Status:      wf.Status,
		CurrentStep: wf.CurrentStep,
		TotalSteps:  len(steps),
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
		CompletedAt: wf.CompletedAt,
		Error:       wf.Error,
	}, nil
}

// List returns the user's workflows, newest first.
func (e *Engine) List(ctx context.Context, userID string, limit, offset int) ([]*models.Workflow, int, error) {
	return e.store.List(ctx, userID, limit, offset)
}

// HandleWebhook consumes an inbound webhook token and resumes the owning
// workflow. The consume is exactly-once: the first delivery wins and any
// replay gets storage.ErrNotFound, which the gateway maps to 404.
func (e *Engine) HandleWebhook(ctx context.Context, token string, payload map[string]any) (string, error) {
	reg, err := e.store.ConsumeWebhook(ctx, token)
	if err != nil {
		return "", err
	}
	e.logger.Info("webhook consumed", "workflow_id", reg.WorkflowID, "step_index", reg.StepIndex)

	if err := e.Resume(ctx, reg.WorkflowID, models.Trigger{
		Type:      models.TriggerWebhook,
		StepIndex: reg.StepIndex,
		Payload:   payload,
	}); err != nil {
		return reg.WorkflowID, fmt.Errorf("resume workflow %s: %w", reg.WorkflowID, err)
	}
	return reg.WorkflowID, nil
}

func validStepType(t models.StepType) bool {
	switch t {
	case models.StepAgentRun, models.StepToolCall, models.StepNotify,
		models.StepWaitWebhook, models.StepWaitPoll, models.StepWaitHuman:
		return true
	}
	return false
}

func cloneState(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
