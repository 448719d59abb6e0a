package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fireflydesk/flydesk/internal/agent"
)

// sseHeartbeatInterval paces comment frames that keep idle streams alive
// through proxies.
const sseHeartbeatInterval = 15 * time.Second

// writeSSEEvent writes one event frame. The event name is the agent event
// type and the data line carries the payload JSON.
func writeSSEEvent(w io.Writer, ev agent.Event) error {
	payload := ev.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// streamSSE forwards agent events to the client as SSE frames, flushing
// per frame. It returns when the done event has been written, the events
// channel closes, or the client goes away.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan agent.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				s.logger.Debug("sse write failed", "error", err)
				return
			}
			flusher.Flush()
			if ev.Type == agent.EventDone {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
