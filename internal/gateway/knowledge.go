package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

type documentRequest struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Type         string   `json:"type,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	WorkspaceIDs []string `json:"workspace_ids,omitempty"`
}

func (req *documentRequest) validate() string {
	if strings.TrimSpace(req.Title) == "" {
		return "title is required"
	}
	if strings.TrimSpace(req.Content) == "" {
		return "content is required"
	}
	switch models.DocumentType(req.Type) {
	case "", models.DocumentTypeText, models.DocumentTypeMarkdown,
		models.DocumentTypeUpload, models.DocumentTypeURL:
		return ""
	default:
		return "unknown document type"
	}
}

// handleDocumentCreate stores a document as draft and enqueues indexing.
func (s *Server) handleDocumentCreate(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	docType := models.DocumentType(req.Type)
	if docType == "" {
		docType = models.DocumentTypeText
	}
	now := time.Now().UTC()
	doc := &models.KnowledgeDocument{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Content:      req.Content,
		Type:         docType,
		Status:       models.DocumentDraft,
		Tags:         req.Tags,
		WorkspaceIDs: req.WorkspaceIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.cfg.Stores.Knowledge.CreateDocument(r.Context(), doc); err != nil {
		s.storeError(w, "create document", err)
		return
	}

	jobID := s.enqueueIndexing(r, doc.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"document":        doc,
		"indexing_job_id": jobID,
	})
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := storage.DocumentFilter{
		Status: models.DocumentStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	docs, total, err := s.cfg.Stores.Knowledge.ListDocuments(r.Context(), filter)
	if err != nil {
		s.storeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     total,
	})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Stores.Knowledge.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDocumentUpdate replaces the editable fields and re-indexes.
func (s *Server) handleDocumentUpdate(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Stores.Knowledge.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get document", err)
		return
	}

	var req documentRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}

	doc.Title = req.Title
	doc.Content = req.Content
	if req.Type != "" {
		doc.Type = models.DocumentType(req.Type)
	}
	doc.Tags = req.Tags
	doc.WorkspaceIDs = req.WorkspaceIDs
	doc.UpdatedAt = time.Now().UTC()
	if err := s.cfg.Stores.Knowledge.UpdateDocument(r.Context(), doc); err != nil {
		s.storeError(w, "update document", err)
		return
	}

	jobID := s.enqueueIndexing(r, doc.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"document":        doc,
		"indexing_job_id": jobID,
	})
}

// handleDocumentDelete removes the document and its indexed chunks.
func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Index != nil {
		if err := s.cfg.Index.DeleteDocument(r.Context(), id); err != nil {
			s.storeError(w, "delete document", err)
			return
		}
	} else if err := s.cfg.Stores.Knowledge.DeleteDocument(r.Context(), id); err != nil {
		s.storeError(w, "delete document", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// enqueueIndexing schedules the embedding job; document CRUD succeeds
// even when the runner is saturated, the document just stays draft.
func (s *Server) enqueueIndexing(r *http.Request, docID string) string {
	if s.cfg.Runner == nil {
		return ""
	}
	job, err := s.cfg.Runner.Enqueue(r.Context(), "indexing", map[string]any{"document_id": docID})
	if err != nil {
		s.logger.Warn("indexing enqueue failed", "document_id", docID, "error", err)
		return ""
	}
	return job.ID
}

type workspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleWorkspaceCreate(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	ws := &models.Workspace{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.cfg.Stores.Knowledge.CreateWorkspace(r.Context(), ws); err != nil {
		s.storeError(w, "create workspace", err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleWorkspaceList(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Stores.Knowledge.ListWorkspaces(r.Context())
	if err != nil {
		s.storeError(w, "list workspaces", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": list})
}

func (s *Server) handleWorkspaceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Stores.Knowledge.DeleteWorkspace(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, "delete workspace", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
