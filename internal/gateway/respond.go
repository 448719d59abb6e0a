package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fireflydesk/flydesk/internal/storage"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// storeError maps repository errors onto status codes. Unexpected errors
// become an opaque 500 so internals never leak to clients.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrAlreadyExists):
		jsonError(w, "already exists", http.StatusConflict)
	case errors.Is(err, storage.ErrConflict):
		jsonError(w, "conflict", http.StatusConflict)
	default:
		s.logger.Error("request failed", "op", op, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a single JSON document, rejecting unknown fields and
// trailing garbage.
func decodeJSON(r *http.Request, v any) error {
	return decodeJSONLimit(r, v, maxBodyBytes)
}

// decodeJSONLimit is decodeJSON with a custom body cap, for the chat
// endpoints whose attachments ride inline.
func decodeJSONLimit(r *http.Request, v any, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON body: trailing data")
	}
	return nil
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// pageParams reads limit/offset with sane bounds.
func pageParams(r *http.Request) (limit, offset int) {
	limit = parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset = parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
