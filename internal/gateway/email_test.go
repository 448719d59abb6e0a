package gateway

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/channels"
	"github.com/fireflydesk/flydesk/internal/llm"
)

type capturePort struct {
	mu   sync.Mutex
	sent []channels.Outbound
}

func (p *capturePort) Name() string { return channels.ChannelEmail }

func (p *capturePort) Deliver(ctx context.Context, out channels.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, out)
	return nil
}

func (p *capturePort) deliveries() []channels.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]channels.Outbound, len(p.sent))
	copy(out, p.sent)
	return out
}

func waitForDeliveries(t *testing.T, port *capturePort, n int) []channels.Outbound {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := port.deliveries(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no delivery after 5s, have %d want %d", len(port.deliveries()), n)
	return nil
}

func resendPayload(subject, text string) map[string]any {
	return map[string]any{
		"type": "email.received",
		"data": map[string]any{
			"email_id": "msg-1",
			"from":     "Pat Doe <customer@example.com>",
			"to":       []string{"desk@fireflydesk.io"},
			"subject":  subject,
			"text":     text,
		},
	}
}

func TestEmailInboundUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/email/inbound/gmail", "", resendPayload("Hi", "hello"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEmailInboundEmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/email/inbound/resend", "", resendPayload("Hi", "   "))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEmailInboundRunsTurnAndReplies(t *testing.T) {
	port := &capturePort{}
	env := newTestEnv(t, nil, func(cfg *Config) {
		router := channels.NewRouter(channels.WithRouterLogger(testLogger()))
		router.Register(port)
		cfg.Channels = router
	})

	rec := env.do(t, http.MethodPost, "/api/email/inbound/resend", "", resendPayload("Order 1042", "Where is my order?"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	sent := waitForDeliveries(t, port, 1)
	out := sent[0]
	if out.Recipient != "customer@example.com" {
		t.Errorf("recipient = %q", out.Recipient)
	}
	if out.Subject != "Re: Order 1042" {
		t.Errorf("subject = %q", out.Subject)
	}
	if out.Text != "Hello there." {
		t.Errorf("reply text = %q", out.Text)
	}
	if out.Metadata["provider"] != "resend" {
		t.Errorf("provider metadata = %v", out.Metadata["provider"])
	}

	// The turn ran under the sender's pseudo-identity on the email channel.
	convs, total, err := env.stores.Conversations.List(context.Background(), "email:customer@example.com", 10, 0)
	if err != nil {
		t.Fatalf("List conversations: %v", err)
	}
	if total != 1 {
		t.Fatalf("conversations = %d, want 1", total)
	}
	if convs[0].Channel != channels.ChannelEmail {
		t.Errorf("channel = %q", convs[0].Channel)
	}
	if convs[0].Title != "Order 1042" {
		t.Errorf("title = %q", convs[0].Title)
	}
}

func TestEmailInboundThreadsBySubject(t *testing.T) {
	port := &capturePort{}
	env := newTestEnv(t, nil, func(cfg *Config) {
		router := channels.NewRouter(channels.WithRouterLogger(testLogger()))
		router.Register(port)
		cfg.Channels = router
	})
	env.provider.scripts = [][]llm.Chunk{
		{{Text: "It ships Friday."}, {Done: true}},
		{{Text: "Tracking attached."}, {Done: true}},
	}

	first := env.do(t, http.MethodPost, "/api/email/inbound/resend", "", resendPayload("Order 1042", "Where is it?"))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	waitForDeliveries(t, port, 1)

	// The reply prefix must land in the same thread.
	second := env.do(t, http.MethodPost, "/api/email/inbound/resend", "", resendPayload("Re: Order 1042", "Any update?"))
	if second.Code != http.StatusAccepted {
		t.Fatalf("second status = %d", second.Code)
	}
	sent := waitForDeliveries(t, port, 2)

	if sent[0].ConversationID != sent[1].ConversationID {
		t.Errorf("replies landed in different conversations: %q vs %q",
			sent[0].ConversationID, sent[1].ConversationID)
	}

	_, total, err := env.stores.Conversations.List(context.Background(), "email:customer@example.com", 10, 0)
	if err != nil {
		t.Fatalf("List conversations: %v", err)
	}
	if total != 1 {
		t.Errorf("conversations = %d, want a single thread", total)
	}
}
