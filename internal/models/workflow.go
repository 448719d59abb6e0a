package models

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a durable workflow.
// Transitions: pending -> running <-> waiting -> (completed|failed|cancelled).
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowWaiting   WorkflowStatus = "waiting"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Resumable reports whether a trigger may move the workflow back to running.
func (s WorkflowStatus) Resumable() bool {
	return s == WorkflowPending || s == WorkflowWaiting
}

// StepType selects how a workflow step is executed.
type StepType string

const (
	StepAgentRun    StepType = "agent_run"
	StepToolCall    StepType = "tool_call"
	StepWaitWebhook StepType = "wait_webhook"
	StepWaitPoll    StepType = "wait_poll"
	StepWaitHuman   StepType = "wait_human"
	StepNotify      StepType = "notify"
)

// IsWait reports whether the step parks the workflow until a trigger.
func (t StepType) IsWait() bool {
	return t == StepWaitWebhook || t == StepWaitPoll || t == StepWaitHuman
}

// StepStatus mirrors WorkflowStatus scoped to one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepWaiting   StepStatus = "waiting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// TriggerType identifies what resumed a workflow.
type TriggerType string

const (
	TriggerStepCompleted TriggerType = "STEP_COMPLETED"
	TriggerWebhook       TriggerType = "WEBHOOK"
	TriggerPoll          TriggerType = "POLL"
	TriggerHuman         TriggerType = "HUMAN"
	TriggerTimer         TriggerType = "TIMER"
)

// Trigger is the event that resumes a waiting workflow.
type Trigger struct {
	Type      TriggerType    `json:"type"`
	StepIndex int            `json:"step_index"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Workflow is a persisted multi-step state machine whose lifetime exceeds a
// single request.
type Workflow struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Type           string         `json:"type"`
	Status         WorkflowStatus `json:"status"`
	CurrentStep    int            `json:"current_step"`
	State          map[string]any `json:"state,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	NextCheckAt    *time.Time     `json:"next_check_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowStep is one unit of work inside a workflow. step_index is dense
// and contiguous per workflow, starting at 0.
type WorkflowStep struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepIndex  int            `json:"step_index"`
	Type       StepType       `json:"step_type"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// WebhookStatus is the consumption state of an inbound webhook token.
// active -> consumed on first delivery, or active -> expired.
type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "active"
	WebhookConsumed WebhookStatus = "consumed"
	WebhookExpired  WebhookStatus = "expired"
)

// WebhookRegistration maps a high-entropy token to a waiting workflow step.
// Resolving a token is the only inbound access path to a workflow.
type WebhookRegistration struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	StepIndex  int           `json:"step_index"`
	Token      string        `json:"webhook_token"`
	Status     WebhookStatus `json:"status"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
