// Package audit records the append-only audit trail for agent actions,
// tool invocations and configuration changes.
//
// Events are buffered and written asynchronously so the hot path of a turn
// never blocks on the audit store. A full buffer degrades to a synchronous
// write instead of dropping the event.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = 5 * time.Second
	writeTimeout         = 5 * time.Second
)

// Recorder buffers audit events and persists them to the audit store.
type Recorder struct {
	store         storage.AuditStore
	logger        *slog.Logger
	buffer        chan *models.AuditEvent
	done          chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time
	flushInterval time.Duration

	closeOnce sync.Once
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger.With("component", "audit")
		}
	}
}

// WithBufferSize sets the event buffer capacity.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = make(chan *models.AuditEvent, n)
		}
	}
}

// WithFlushInterval sets how often the writer drains the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder builds a recorder and starts its writer.
func NewRecorder(store storage.AuditStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:         store,
		logger:        slog.Default().With("component", "audit"),
		buffer:        make(chan *models.AuditEvent, defaultBufferSize),
		done:          make(chan struct{}),
		now:           time.Now,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// Close drains the buffer and stops the writer.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

// Record enqueues an event, filling in id and timestamp when absent.
func (r *Recorder) Record(event *models.AuditEvent) {
	if r == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	select {
	case r.buffer <- event:
	default:
		// Buffer full: write synchronously rather than drop.
		r.write(event)
	}
}

// RecordChatMessage records a persisted chat message.
func (r *Recorder) RecordChatMessage(userID, conversationID string, role models.Role, turnID string) {
	r.Record(&models.AuditEvent{
		Type:           models.AuditChatMessage,
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "message_persisted",
		Detail: map[string]any{
			"role":    string(role),
			"turn_id": turnID,
		},
	})
}

// RecordToolInvocation records a tool call. Arguments are hashed, not stored.
func (r *Recorder) RecordToolInvocation(userID, conversationID, toolName string, args []byte, risk models.RiskLevel, success bool, duration time.Duration) {
	r.Record(&models.AuditEvent{
		Type:           models.AuditToolInvocation,
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "tool_invoked",
		RiskLevel:      risk,
		Detail: map[string]any{
			"tool_name":   toolName,
			"args_hash":   hashBytes(args),
			"success":     success,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// RecordToolDenied records a blocked tool call.
func (r *Recorder) RecordToolDenied(userID, conversationID, toolName, reason string) {
	r.Record(&models.AuditEvent{
		Type:           models.AuditToolDenied,
		UserID:         userID,
		ConversationID: conversationID,
		Action:         "tool_denied",
		Detail: map[string]any{
			"tool_name": toolName,
			"reason":    reason,
		},
	})
}

// RecordWorkflowEvent records a workflow lifecycle transition.
func (r *Recorder) RecordWorkflowEvent(userID, workflowID, action string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["workflow_id"] = workflowID
	r.Record(&models.AuditEvent{
		Type:   models.AuditWorkflowEvent,
		UserID: userID,
		Action: action,
		Detail: detail,
	})
}

// RecordCredentialWrite records a credential create or update. The secret
// itself never reaches the trail.
func (r *Recorder) RecordCredentialWrite(userID, systemID string) {
	r.Record(&models.AuditEvent{
		Type:   models.AuditCredentialWrite,
		UserID: userID,
		Action: "credential_written",
		Detail: map[string]any{
			"system_id": systemID,
		},
	})
}

// RecordConfigChange records an admin configuration update.
func (r *Recorder) RecordConfigChange(userID, what string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["changed"] = what
	r.Record(&models.AuditEvent{
		Type:   models.AuditConfigChange,
		UserID: userID,
		Action: "config_changed",
		Detail: detail,
	})
}

// RecordAccessDenied records a rejected request.
func (r *Recorder) RecordAccessDenied(userID, resource, reason string) {
	r.Record(&models.AuditEvent{
		Type:   models.AuditAccessDenied,
		UserID: userID,
		Action: "access_denied",
		Detail: map[string]any{
			"resource": resource,
			"reason":   reason,
		},
	})
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-r.buffer:
			r.write(event)
		case <-ticker.C:
			r.flush()
		case <-r.done:
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case event := <-r.buffer:
			r.write(event)
		default:
			return
		}
	}
}

func (r *Recorder) write(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, event); err != nil {
		r.logger.Error("audit append failed", "error", err, "audit_type", event.Type, "action", event.Action)
	}
}

// hashBytes returns a short SHA-256 prefix for correlating without storing
// the raw payload.
func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])[:16]
}
