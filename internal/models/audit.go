package models

import (
	"time"
)

// AuditEventType classifies an audit trail entry.
type AuditEventType string

const (
	AuditChatMessage     AuditEventType = "chat_message"
	AuditToolInvocation  AuditEventType = "tool_invocation"
	AuditToolDenied      AuditEventType = "tool_denied"
	AuditWorkflowEvent   AuditEventType = "workflow_event"
	AuditCredentialWrite AuditEventType = "credential_write"
	AuditConfigChange    AuditEventType = "config_change"
	AuditAccessDenied    AuditEventType = "access_denied"
)

// AuditEvent is an append-only record of a security-relevant action.
// Events are never mutated; retention is by time-based purge only.
type AuditEvent struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           AuditEventType `json:"type"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Action         string         `json:"action"`
	Detail         map[string]any `json:"detail,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level,omitempty"`
}
