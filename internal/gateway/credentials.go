package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// credentialInfo is the read shape: everything except the secret.
// Plaintext values are write-only and never leave the store decrypted.
type credentialInfo struct {
	ID         string     `json:"id"`
	SystemID   string     `json:"system_id"`
	SystemName string     `json:"system_name,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	systems, err := s.cfg.Stores.Catalog.ListSystems(r.Context())
	if err != nil {
		s.storeError(w, "list systems", err)
		return
	}

	infos := make([]credentialInfo, 0, len(systems))
	for _, sys := range systems {
		cred, err := s.cfg.Stores.Catalog.GetCredentialBySystem(r.Context(), sys.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.storeError(w, "get credential", err)
			return
		}
		infos = append(infos, credentialInfo{
			ID:         cred.ID,
			SystemID:   cred.SystemID,
			SystemName: sys.Name,
			ExpiresAt:  cred.ExpiresAt,
			CreatedAt:  cred.CreatedAt,
			UpdatedAt:  cred.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": infos})
}

type credentialPutRequest struct {
	SystemID  string     `json:"system_id"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleCredentialPut seals the plaintext and upserts the system's
// credential. One credential per system; a second write replaces it.
func (s *Server) handleCredentialPut(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cipher == nil {
		jsonError(w, "credential encryption is not configured", http.StatusServiceUnavailable)
		return
	}

	var req credentialPutRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SystemID == "" || req.Value == "" {
		jsonError(w, "system_id and value are required", http.StatusBadRequest)
		return
	}

	// The system must exist; a credential without one is unreachable.
	sys, err := s.cfg.Stores.Catalog.GetSystem(r.Context(), req.SystemID)
	if err != nil {
		s.storeError(w, "get system", err)
		return
	}

	sealed, err := s.cfg.Cipher.Seal(req.Value)
	if err != nil {
		s.logger.Error("credential seal failed", "system_id", req.SystemID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	cred := &models.Credential{
		ID:             uuid.NewString(),
		SystemID:       sys.ID,
		EncryptedValue: sealed,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.cfg.Stores.Catalog.PutCredential(r.Context(), cred); err != nil {
		s.storeError(w, "put credential", err)
		return
	}

	if s.cfg.Recorder != nil {
		sess, _ := auth.SessionFromContext(r.Context())
		s.cfg.Recorder.RecordCredentialWrite(sessionUserID(sess), sys.ID)
	}
	writeJSON(w, http.StatusCreated, credentialInfo{
		ID:        cred.ID,
		SystemID:  cred.SystemID,
		ExpiresAt: cred.ExpiresAt,
		CreatedAt: cred.CreatedAt,
		UpdatedAt: cred.UpdatedAt,
	})
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Stores.Catalog.DeleteCredential(r.Context(), r.PathValue("id")); err != nil {
		s.storeError(w, "delete credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func sessionUserID(sess *auth.Session) string {
	if sess == nil {
		return ""
	}
	return sess.UserID
}
