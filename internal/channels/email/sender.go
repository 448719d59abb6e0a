package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fireflydesk/flydesk/internal/channels"
)

// HTTPSender delivers replies through a JSON mail API (Resend-shaped:
// POST {from,to,subject,text} with a bearer key). It implements
// channels.Port for the email channel.
type HTTPSender struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
	logger *slog.Logger
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithSenderClient overrides the HTTP client, for tests.
func WithSenderClient(client *http.Client) SenderOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *HTTPSender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPSender builds a sender posting to apiURL as from.
func NewHTTPSender(apiURL, apiKey, from string, opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		apiURL: apiURL,
		apiKey: apiKey,
		from:   from,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the channel this port serves.
func (s *HTTPSender) Name() string { return channels.ChannelEmail }

// sendRequest is the mail API body.
type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Deliver posts the reply to the mail API.
func (s *HTTPSender) Deliver(ctx context.Context, out channels.Outbound) error {
	if s.apiURL == "" {
		return fmt.Errorf("email: sender not configured")
	}
	if out.Recipient == "" {
		return fmt.Errorf("email: missing recipient")
	}

	body, err := json.Marshal(sendRequest{
		From:    s.from,
		To:      []string{out.Recipient},
		Subject: out.Subject,
		Text:    out.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if err != nil {
			detail = []byte("(failed to read response body)")
		}
		return fmt.Errorf("mail API error %d: %s", resp.StatusCode, detail)
	}

	s.logger.Debug("email reply sent",
		"to", out.Recipient,
		"conversation_id", out.ConversationID)
	return nil
}
