package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/llm"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/tools"
)

func TestChatMessageStreamsSSE(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]any{
		"conversation_id": "conv-1",
		"content":         "hello",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !rec.Flushed {
		t.Error("stream was never flushed")
	}

	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}
	if frames[0].Event != "token" || frames[0].Data["text"] != "Hello " {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Event != "token" || frames[1].Data["text"] != "there." {
		t.Errorf("frame 1 = %+v", frames[1])
	}
	if frames[2].Event != "done" {
		t.Errorf("last frame = %+v, want done", frames[2])
	}

	msgs, err := env.stores.Conversations.Messages(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[1].Content != "Hello there." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
}

func TestChatMessageEmptyContent(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]any{
		"content": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatMessageMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]any{
		"content": "ok",
		"bogus":   true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestChatToolTurnStreamsToolEvents(t *testing.T) {
	tool := &recordingTool{name: "lookup_order", risk: models.RiskRead}
	env := newTestEnv(t, []tools.Tool{tool})
	env.provider.scripts = [][]llm.Chunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "lookup_order", Input: []byte(`{"order_id":"1042"}`)}},
			{Done: true},
		},
		{
			{Text: "Order 1042 has shipped."},
			{Done: true},
		},
	}
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/chat/messages", token, map[string]any{
		"conversation_id": "conv-1",
		"content":         "where is order 1042?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	frames := parseSSE(t, rec.Body.String())
	order := make([]string, len(frames))
	for i, f := range frames {
		order[i] = f.Event
	}
	want := []string{"tool_start", "tool_end", "token", "done"}
	if len(order) != len(want) {
		t.Fatalf("frames = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("frame %d = %s, want %s (all: %v)", i, order[i], want[i], order)
		}
	}
	if tool.callCount() != 1 {
		t.Errorf("tool ran %d times, want 1", tool.callCount())
	}
}

func TestChatConfirmUnknownWidget(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/chat/confirm", token, map[string]any{
		"widget_id": "w-unknown",
		"approved":  true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChatConfirmResolvesPendingTurn(t *testing.T) {
	tool := &recordingTool{name: "refund_order", risk: models.RiskHighWrite}
	env := newTestEnv(t, []tools.Tool{tool})
	env.provider.scripts = [][]llm.Chunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc-1", Name: "refund_order", Input: []byte(`{}`)}},
			{Done: true},
		},
		{
			{Text: "Refund issued."},
			{Done: true},
		},
	}
	token := env.token(t, memberSession())

	// The streaming request blocks on the confirmation, so it runs on the
	// executor directly here and the HTTP confirm endpoint resolves it.
	events := make(chan agent.Event, 64)
	turnDone := make(chan error, 1)
	go func() {
		turnDone <- env.executor.Run(context.Background(), agent.TurnRequest{
			ConversationID: "conv-1",
			Session:        memberSession(),
			Content:        "refund order 1042",
			Sink:           agent.NewChanSink(events),
		})
	}()

	widgetID := ""
	deadline := time.After(5 * time.Second)
	for widgetID == "" {
		select {
		case ev := <-events:
			if ev.Type == agent.EventConfirmation {
				widgetID, _ = ev.Data["widget_id"].(string)
			}
		case <-deadline:
			t.Fatal("no confirmation event")
		}
	}

	rec := env.do(t, http.MethodPost, "/api/chat/confirm", token, map[string]any{
		"widget_id": widgetID,
		"approved":  true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
	}

	if err := <-turnDone; err != nil {
		t.Fatalf("turn failed after approval: %v", err)
	}
	if tool.callCount() != 1 {
		t.Errorf("tool ran %d times, want 1", tool.callCount())
	}

	// The widget id is single-use.
	rec = env.do(t, http.MethodPost, "/api/chat/confirm", token, map[string]any{
		"widget_id": widgetID,
		"approved":  true,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second confirm status = %d, want 404", rec.Code)
	}
}

func TestConversationListScopedToCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	seedConversation(t, env, "conv-mine", "user-1")
	seedConversation(t, env, "conv-theirs", "user-2")

	rec := env.do(t, http.MethodGet, "/api/chat/conversations", env.token(t, memberSession()), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Conversations []models.Conversation `json:"conversations"`
		Total         int                   `json:"total"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 1 || len(body.Conversations) != 1 {
		t.Fatalf("total = %d, len = %d, want 1", body.Total, len(body.Conversations))
	}
	if body.Conversations[0].ID != "conv-mine" {
		t.Errorf("listed conversation = %s", body.Conversations[0].ID)
	}
}

func TestConversationGetMasksForeign(t *testing.T) {
	env := newTestEnv(t, nil)
	seedConversation(t, env, "conv-theirs", "user-2")

	rec := env.do(t, http.MethodGet, "/api/chat/conversations/conv-theirs", env.token(t, memberSession()), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 not 403", rec.Code)
	}
}

func TestConversationGetChatAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	seedConversation(t, env, "conv-theirs", "user-2")

	sess := &auth.Session{UserID: "support-lead", Permissions: []string{"chat:send", "chat:admin"}}
	rec := env.do(t, http.MethodGet, "/api/chat/conversations/conv-theirs", env.token(t, sess), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for chat:admin", rec.Code)
	}
}

func TestConversationDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	seedConversation(t, env, "conv-mine", "user-1")
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodDelete, "/api/chat/conversations/conv-mine", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/conversations/conv-mine", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func seedConversation(t *testing.T, env *testEnv, id, userID string) {
	t.Helper()
	if err := env.stores.Conversations.Create(context.Background(), &models.Conversation{
		ID:        id,
		UserID:    userID,
		Channel:   "chat",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Create conversation: %v", err)
	}
}
