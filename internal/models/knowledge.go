package models

import (
	"time"
)

// DocumentStatus tracks a knowledge document through its indexing lifecycle.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentIndexing  DocumentStatus = "indexing"
	DocumentPublished DocumentStatus = "published"
	DocumentError     DocumentStatus = "error"
	DocumentArchived  DocumentStatus = "archived"
)

// DocumentType identifies the origin format of a knowledge document.
type DocumentType string

const (
	DocumentTypeText     DocumentType = "text"
	DocumentTypeMarkdown DocumentType = "markdown"
	DocumentTypeUpload   DocumentType = "upload"
	DocumentTypeURL      DocumentType = "url"
)

// KnowledgeDocument is a shared document indexed for retrieval.
// Deleting a document deletes its chunks in the same transaction.
type KnowledgeDocument struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Type         DocumentType   `json:"type"`
	Status       DocumentStatus `json:"status"`
	StatusDetail string         `json:"status_detail,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	WorkspaceIDs []string       `json:"workspace_ids,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DocumentChunk is one embedded slice of a document. Chunks exist iff the
// parent document exists; chunk_index is dense starting at 0.
type DocumentChunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	ChunkIndex int            `json:"chunk_index"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Workspace groups documents for access partitioning.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
