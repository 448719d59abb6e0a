package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/agent/prompt"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// turnEventBuffer sizes the bridge between the executor and a transport.
// The sink blocks when it fills, so slow clients throttle the turn
// instead of dropping frames.
const turnEventBuffer = 64

type chatMessageRequest struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Content        string            `json:"content"`
	Model          string            `json:"model,omitempty"`
	Attachments    []attachmentInput `json:"attachments,omitempty"`
}

type attachmentInput struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (req *chatMessageRequest) attachments() []prompt.Attachment {
	if len(req.Attachments) == 0 {
		return nil
	}
	out := make([]prompt.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		out = append(out, prompt.Attachment{Name: a.Name, Content: a.Content})
	}
	return out
}

// validateAttachments enforces the configured per-attachment size cap.
func (req *chatMessageRequest) validateAttachments(maxMB int) error {
	if maxMB <= 0 {
		return nil
	}
	limit := maxMB << 20
	for _, a := range req.Attachments {
		if len(a.Content) > limit {
			return fmt.Errorf("attachment %q exceeds the %d MB limit", a.Name, maxMB)
		}
	}
	return nil
}

// chatBodyLimit sizes chat request bodies. Attachments ride inline, so
// the configured file cap widens the default JSON budget.
func (s *Server) chatBodyLimit() int64 {
	limit := int64(maxBodyBytes)
	if s.cfg.MaxAttachmentMB > 0 {
		limit += int64(s.cfg.MaxAttachmentMB) << 20
	}
	return limit
}

// handleChatMessage appends a user message and streams the turn as SSE.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	var req chatMessageRequest
	if err := decodeJSONLimit(r, &req, s.chatBodyLimit()); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	if err := req.validateAttachments(s.cfg.MaxAttachmentMB); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	events := make(chan agent.Event, turnEventBuffer)
	go func() {
		// The turn reports failures through the event stream; the
		// returned error mirrors the error event already forwarded.
		_ = s.cfg.Executor.Run(r.Context(), agent.TurnRequest{
			ConversationID: req.ConversationID,
			Session:        sess,
			Content:        req.Content,
			Attachments:    req.attachments(),
			ModelOverride:  req.Model,
			Sink:           agent.NewChanSink(events),
		})
	}()

	s.streamSSE(w, r, events)
}

type confirmRequest struct {
	WidgetID string `json:"widget_id"`
	Approved bool   `json:"approved"`
}

// handleChatConfirm resolves a pending tool confirmation.
func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.WidgetID == "" {
		jsonError(w, "widget_id is required", http.StatusBadRequest)
		return
	}

	resolved := s.cfg.Executor.Broker().Resolve(req.WidgetID, agent.ConfirmationReply{
		Approved:  req.Approved,
		DecidedBy: sess.UserID,
	})
	if !resolved {
		jsonError(w, "no pending confirmation for widget", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"widget_id": req.WidgetID,
		"approved":  req.Approved,
	})
}

// handleConversationList returns the caller's conversations, newest first.
func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	limit, offset := pageParams(r)

	convs, total, err := s.cfg.Stores.Conversations.List(r.Context(), sess.UserID, limit, offset)
	if err != nil {
		s.storeError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         total,
	})
}

// handleConversationGet hydrates one conversation with its messages.
func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id := r.PathValue("id")

	conv, err := s.loadOwnedConversation(r, sess, id)
	if err != nil {
		s.storeError(w, "get conversation", err)
		return
	}

	limit := parseIntParam(r, "limit", 0)
	messages, err := s.cfg.Stores.Conversations.Messages(r.Context(), id, limit)
	if err != nil {
		s.storeError(w, "load messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	id := r.PathValue("id")

	if _, err := s.loadOwnedConversation(r, sess, id); err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	if err := s.cfg.Stores.Conversations.SoftDelete(r.Context(), id); err != nil {
		s.storeError(w, "delete conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// loadOwnedConversation fetches a conversation, reporting not-found for
// other users' threads unless the caller holds chat:admin.
func (s *Server) loadOwnedConversation(r *http.Request, sess *auth.Session, id string) (*models.Conversation, error) {
	conv, err := s.cfg.Stores.Conversations.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != sess.UserID && !sess.HasPermission("chat:admin") {
		// Mask other users' threads as missing rather than forbidden.
		return nil, storage.ErrNotFound
	}
	return conv, nil
}
