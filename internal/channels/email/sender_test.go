package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fireflydesk/flydesk/internal/channels"
)

func TestHTTPSenderDeliver(t *testing.T) {
	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "key-123", "desk@firefly.example")
	err := s.Deliver(context.Background(), channels.Outbound{
		ConversationID: "conv-1",
		Recipient:      "jordan@example.com",
		Subject:        "Re: Refund",
		Text:           "Refund issued.",
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if auth != "Bearer key-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.From != "desk@firefly.example" {
		t.Errorf("from = %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "jordan@example.com" {
		t.Errorf("to = %v", got.To)
	}
	if got.Subject != "Re: Refund" {
		t.Errorf("subject = %q", got.Subject)
	}
	if got.Text != "Refund issued." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestHTTPSenderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid from address", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "key", "desk@firefly.example")
	err := s.Deliver(context.Background(), channels.Outbound{Recipient: "a@b.c", Text: "hi"})
	if err == nil {
		t.Fatal("Deliver succeeded, want error on 422")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error = %v, want status code in message", err)
	}
}

func TestHTTPSenderUnconfigured(t *testing.T) {
	s := NewHTTPSender("", "", "desk@firefly.example")
	if err := s.Deliver(context.Background(), channels.Outbound{Recipient: "a@b.c"}); err == nil {
		t.Fatal("Deliver with empty API URL succeeded, want error")
	}
}

func TestHTTPSenderMissingRecipient(t *testing.T) {
	s := NewHTTPSender("http://mail.invalid", "key", "desk@firefly.example")
	if err := s.Deliver(context.Background(), channels.Outbound{}); err == nil {
		t.Fatal("Deliver without recipient succeeded, want error")
	}
}
