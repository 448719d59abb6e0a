package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/auth"
)

// Inbound websocket frame types. Outbound frames carry the agent event
// vocabulary plus confirm_result acks.
const (
	wsFrameMessage = "message"
	wsFrameConfirm = "confirm"
)

// wsFrame is the wire shape in both directions.
type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsSession serializes writes; turn events and confirm acks come from
// different goroutines.
type wsSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (ws *wsSession) write(frameType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn.WriteJSON(wsFrame{Type: frameType, Data: payload})
}

func (s *Server) wsUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range s.cfg.CORSOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return s.cfg.DevMode
		},
	}
}

// handleChatWS streams turns over a websocket: the client sends message
// frames, the server answers with the same event vocabulary as SSE. The
// read loop stays live during a turn so confirm frames can resolve
// pending tool confirmations mid-stream.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())

	upgrader := s.wsUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Same budget as the SSE endpoint: base JSON plus the attachment cap.
	conn.SetReadLimit(s.chatBodyLimit())

	ws := &wsSession{conn: conn}
	var turnActive atomic.Bool

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case wsFrameMessage:
			var req chatMessageRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				s.wsError(ws, "validation", "bad message frame")
				continue
			}
			if strings.TrimSpace(req.Content) == "" {
				s.wsError(ws, "validation", "content is required")
				continue
			}
			if err := req.validateAttachments(s.cfg.MaxAttachmentMB); err != nil {
				s.wsError(ws, "validation", err.Error())
				continue
			}
			if !turnActive.CompareAndSwap(false, true) {
				s.wsError(ws, "busy", "a turn is already streaming")
				continue
			}
			go func() {
				defer turnActive.Store(false)
				s.runTurnToWS(r.Context(), ws, sess, req)
			}()

		case wsFrameConfirm:
			var req confirmRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil || req.WidgetID == "" {
				s.wsError(ws, "validation", "bad confirm frame")
				continue
			}
			resolved := s.cfg.Executor.Broker().Resolve(req.WidgetID, agent.ConfirmationReply{
				Approved:  req.Approved,
				DecidedBy: sess.UserID,
			})
			_ = ws.write("confirm_result", map[string]any{
				"widget_id": req.WidgetID,
				"resolved":  resolved,
			})

		default:
			s.wsError(ws, "validation", "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) wsError(ws *wsSession, kind, message string) {
	_ = ws.write(string(agent.EventError), map[string]any{
		"kind":    kind,
		"message": message,
	})
}

// runTurnToWS executes one turn and forwards its events as frames.
func (s *Server) runTurnToWS(ctx context.Context, ws *wsSession, sess *auth.Session, req chatMessageRequest) {
	events := make(chan agent.Event, turnEventBuffer)
	go func() {
		_ = s.cfg.Executor.Run(ctx, agent.TurnRequest{
			ConversationID: req.ConversationID,
			Session:        sess,
			Content:        req.Content,
			Attachments:    req.attachments(),
			ModelOverride:  req.Model,
			Sink:           agent.NewChanSink(events),
		})
	}()

	for {
		select {
		case ev := <-events:
			data := ev.Data
			if data == nil {
				data = map[string]any{}
			}
			if err := ws.write(string(ev.Type), data); err != nil {
				return
			}
			if ev.Type == agent.EventDone {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
