// Package storage defines the repository interfaces for all persisted
// entities, with in-memory and Postgres implementations.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict indicates a conditional write lost a race, e.g. a webhook
	// token consumed by a concurrent delivery.
	ErrConflict = errors.New("conflict")
)

// ConversationStore persists conversations and their append-only messages.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error)
	Update(ctx context.Context, conv *models.Conversation) error
	SoftDelete(ctx context.Context, id string) error
	// AppendMessage is the only write path for messages. It increments the
	// conversation's message_count and bumps updated_at in the same operation.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// Messages returns the conversation log ordered by created_at then id.
	// limit <= 0 returns everything.
	Messages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// AuditQuery filters audit event reads. Limit is clamped to 500.
type AuditQuery struct {
	UserID         string
	ConversationID string
	Type           models.AuditEventType
	Since          time.Time
	Limit          int
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, q AuditQuery) ([]*models.AuditEvent, error)
	// PurgeOlderThan deletes events with timestamp before cutoff and returns
	// the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// UserMemoryStore persists per-user remembered facts. Every operation is
// scoped by user id; a memory is never visible outside its owner.
type UserMemoryStore interface {
	Create(ctx context.Context, mem *models.UserMemory) error
	Get(ctx context.Context, userID, id string) (*models.UserMemory, error)
	List(ctx context.Context, userID string, category models.MemoryCategory) ([]*models.UserMemory, error)
	Update(ctx context.Context, mem *models.UserMemory) error
	Delete(ctx context.Context, userID, id string) error
}

// DocumentFilter narrows document listings.
type DocumentFilter struct {
	Status models.DocumentStatus
	Tags   []string
	Limit  int
	Offset int
}

// KnowledgeStore persists knowledge documents and workspaces. Chunk rows
// live behind the vector store; deleting a document must delete its chunks
// in the same logical operation (the indexer coordinates both).
type KnowledgeStore interface {
	CreateDocument(ctx context.Context, doc *models.KnowledgeDocument) error
	GetDocument(ctx context.Context, id string) (*models.KnowledgeDocument, error)
	ListDocuments(ctx context.Context, f DocumentFilter) ([]*models.KnowledgeDocument, int, error)
	UpdateDocument(ctx context.Context, doc *models.KnowledgeDocument) error
	DeleteDocument(ctx context.Context, id string) error
	// SetDocumentStatus records a lifecycle transition with an optional detail
	// message (set on error states).
	SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error

	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
}

// CatalogStore persists external systems, their endpoints, credentials and
// user-defined custom tools.
type CatalogStore interface {
	CreateSystem(ctx context.Context, sys *models.ExternalSystem) error
	GetSystem(ctx context.Context, id string) (*models.ExternalSystem, error)
	ListSystems(ctx context.Context) ([]*models.ExternalSystem, error)
	UpdateSystem(ctx context.Context, sys *models.ExternalSystem) error
	// DeleteSystem removes the system with its endpoints and credentials.
	DeleteSystem(ctx context.Context, id string) error

	CreateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.ServiceEndpoint, error)
	ListEndpoints(ctx context.Context, systemID string) ([]*models.ServiceEndpoint, error)
	// ListEnabledEndpoints returns every enabled endpoint across active systems.
	ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error)
	UpdateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	// PutCredential inserts or replaces the credential for a system.
	PutCredential(ctx context.Context, cred *models.Credential) error
	GetCredentialBySystem(ctx context.Context, systemID string) (*models.Credential, error)
	DeleteCredential(ctx context.Context, id string) error

	CreateCustomTool(ctx context.Context, tool *models.CustomTool) error
	GetCustomToolByName(ctx context.Context, name string) (*models.CustomTool, error)
	ListCustomTools(ctx context.Context) ([]*models.CustomTool, error)
	UpdateCustomTool(ctx context.Context, tool *models.CustomTool) error
	DeleteCustomTool(ctx context.Context, id string) error
}

// WorkflowStore persists durable workflows, their steps and webhook
// registrations.
type WorkflowStore interface {
	// Create persists the workflow and its steps atomically.
	Create(ctx context.Context, wf *models.Workflow, steps []*models.WorkflowStep) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	GetSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error)
	Update(ctx context.Context, wf *models.Workflow) error
	UpdateStep(ctx context.Context, step *models.WorkflowStep) error
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Workflow, int, error)
	// ListDuePolls returns waiting workflows whose next_check_at is at or
	// before now.
	ListDuePolls(ctx context.Context, now time.Time) ([]*models.Workflow, error)

	CreateWebhook(ctx context.Context, reg *models.WebhookRegistration) error
	GetWebhookByToken(ctx context.Context, token string) (*models.WebhookRegistration, error)
	// ConsumeWebhook atomically flips an active registration to consumed and
	// returns it. The first caller wins; later callers get ErrNotFound.
	ConsumeWebhook(ctx context.Context, token string) (*models.WebhookRegistration, error)
	// ExpireWebhooks marks active registrations past their expiry and returns
	// the number expired.
	ExpireWebhooks(ctx context.Context, now time.Time) (int, error)
}

// JobStore persists background jobs. Terminal statuses are sticky and
// progress is monotonically non-decreasing; violating updates are dropped.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, jobType string, limit, offset int) ([]*models.Job, int, error)
	SetRunning(ctx context.Context, id string) error
	// SetProgress ignores decreases and updates after a terminal status.
	SetProgress(ctx context.Context, id string, pct int, message string) error
	SetCompleted(ctx context.Context, id string, result map[string]any) error
	SetFailed(ctx context.Context, id string, errMsg string) error
	SetCancelled(ctx context.Context, id string) error
}

// CallbackStore records outbound callback delivery attempts, one row each.
type CallbackStore interface {
	Record(ctx context.Context, d *models.CallbackDelivery) error
	ListByCallback(ctx context.Context, callbackID string) ([]*models.CallbackDelivery, error)
}

// RoutingStore persists the singleton model-routing configuration.
type RoutingStore interface {
	Get(ctx context.Context) (*models.RoutingConfig, error)
	Put(ctx context.Context, cfg *models.RoutingConfig) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Conversations ConversationStore
	Audit         AuditStore
	Memories      UserMemoryStore
	Knowledge     KnowledgeStore
	Catalog       CatalogStore
	Workflows     WorkflowStore
	Jobs          JobStore
	Callbacks     CallbackStore
	Routing       RoutingStore
	db            *sql.DB
	closer        func() error
}

// DB returns the underlying connection pool, or nil for the in-memory
// backend. The pgvector store borrows it so both share one pool.
func (s StoreSet) DB() *sql.DB { return s.db }

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
