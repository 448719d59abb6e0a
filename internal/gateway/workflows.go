package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
	"github.com/fireflydesk/flydesk/internal/workflows"
)

type workflowStartRequest struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Params         map[string]any      `json:"params,omitempty"`
	Steps          []workflows.StepSpec `json:"steps"`
}

// handleWorkflowStart creates a workflow and runs it until its first wait.
func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	sess, _ := auth.SessionFromContext(r.Context())

	var req workflowStartRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		jsonError(w, "type is required", http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		jsonError(w, "at least one step is required", http.StatusBadRequest)
		return
	}
	for i, step := range req.Steps {
		switch step.Type {
		case models.StepAgentRun, models.StepToolCall, models.StepNotify,
			models.StepWaitWebhook, models.StepWaitPoll, models.StepWaitHuman:
		default:
			jsonError(w, fmt.Sprintf("unsupported step type %q at index %d", step.Type, i), http.StatusBadRequest)
			return
		}
	}

	wf, err := s.cfg.Engine.Start(r.Context(), sess.UserID, req.ConversationID, req.Type, req.Params, req.Steps)
	if err != nil {
		s.storeError(w, "start workflow", err)
		return
	}

	// Kick the new workflow so it advances to its first wait step (or
	// the end) before we answer. Webhook registrations for wait_webhook
	// steps exist once this returns.
	if err := s.cfg.Engine.Resume(r.Context(), wf.ID, models.Trigger{Type: models.TriggerStepCompleted}); err != nil {
		s.storeError(w, "run workflow", err)
		return
	}

	status, err := s.cfg.Engine.GetStatus(r.Context(), wf.ID)
	if err != nil {
		s.storeError(w, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	sess, _ := auth.SessionFromContext(r.Context())
	limit, offset := pageParams(r)

	list, total, err := s.cfg.Engine.List(r.Context(), sess.UserID, limit, offset)
	if err != nil {
		s.storeError(w, "list workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": list,
		"total":     total,
	})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.checkWorkflowOwner(r, id); err != nil {
		s.storeError(w, "get workflow", err)
		return
	}

	status, err := s.cfg.Engine.GetStatus(r.Context(), id)
	if err != nil {
		s.storeError(w, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWorkflowCancel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.checkWorkflowOwner(r, id); err != nil {
		s.storeError(w, "get workflow", err)
		return
	}

	if err := s.cfg.Engine.Cancel(r.Context(), id); err != nil {
		s.storeError(w, "cancel workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleWorkflowInput resumes a workflow parked on wait_human.
func (s *Server) handleWorkflowInput(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if err := s.checkWorkflowOwner(r, id); err != nil {
		s.storeError(w, "get workflow", err)
		return
	}

	payload, err := readPayload(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.cfg.Engine.Resume(r.Context(), id, models.Trigger{
		Type:    models.TriggerHuman,
		Payload: payload,
	}); err != nil {
		s.storeError(w, "resume workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleWorkflowWebhook consumes a one-shot webhook token. Unknown and
// already consumed tokens both answer 404 so callers cannot probe.
func (s *Server) handleWorkflowWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Engine == nil {
		jsonError(w, "workflows not configured", http.StatusServiceUnavailable)
		return
	}
	token := r.PathValue("token")

	payload, err := readPayload(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	workflowID, err := s.cfg.Engine.HandleWebhook(r.Context(), token, payload)
	if err != nil {
		s.storeError(w, "handle webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "accepted",
		"workflow_id": workflowID,
	})
}

// checkWorkflowOwner hides other users' workflows behind 404.
func (s *Server) checkWorkflowOwner(r *http.Request, id string) error {
	sess, _ := auth.SessionFromContext(r.Context())
	wf, err := s.cfg.Stores.Workflows.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if wf.UserID != sess.UserID && !isAdmin(sess) {
		return storage.ErrNotFound
	}
	return nil
}

// readPayload decodes an optional JSON object body. Empty bodies are an
// empty payload, not an error.
func readPayload(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	jobType := r.URL.Query().Get("type")

	list, total, err := s.cfg.Stores.Jobs.List(r.Context(), jobType, limit, offset)
	if err != nil {
		s.storeError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"total": total,
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Stores.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runner == nil {
		jsonError(w, "jobs not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Runner.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
