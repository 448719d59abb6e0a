package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// handleAuditQuery reads the audit trail. Non-admin callers only see
// their own events; admins may filter by any user.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	q := storage.AuditQuery{
		UserID:         r.URL.Query().Get("user_id"),
		ConversationID: r.URL.Query().Get("conversation_id"),
		Type:           models.AuditEventType(r.URL.Query().Get("type")),
	}
	if !isAdmin(sess) {
		q.UserID = sess.UserID
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			jsonError(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		q.Since = ts
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}

	events, err := s.cfg.Stores.Audit.Query(r.Context(), q)
	if err != nil {
		s.storeError(w, "query audit events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func isAdmin(sess *auth.Session) bool {
	if sess == nil {
		return false
	}
	return sess.HasRole("admin") || sess.HasPermission(auth.WildcardPermission)
}
