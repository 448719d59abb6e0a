package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/agent"
	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/channels"
	"github.com/fireflydesk/flydesk/internal/channels/email"
	"github.com/fireflydesk/flydesk/internal/models"
)

const (
	// emailMaxBody caps inbound provider payloads; mail bodies run larger
	// than API requests.
	emailMaxBody = 5 << 20
	// emailTurnTimeout bounds the background turn an inbound mail starts.
	emailTurnTimeout = 2 * time.Minute
)

// handleEmailInbound accepts a provider webhook, answers 202, and runs
// the agent turn in the background. The reply goes back out through the
// email channel port once the turn completes.
func (s *Server) handleEmailInbound(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, emailMaxBody))
	if err != nil {
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	in, err := email.Normalize(provider, r.Header.Get("Content-Type"), body)
	if errors.Is(err, email.ErrUnknownProvider) {
		jsonError(w, "unknown provider", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	go s.processInboundEmail(in)
}

// emailSession is the pseudo-identity an inbound mail runs under. It can
// chat but holds no catalog permissions, so only open tools are offered.
func emailSession(address string) *auth.Session {
	return &auth.Session{
		UserID:      "email:" + address,
		DisplayName: address,
		Email:       address,
		Permissions: []string{"chat:send"},
	}
}

func (s *Server) processInboundEmail(in *email.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), emailTurnTimeout)
	defer cancel()

	sess := emailSession(in.From)
	conv, err := s.emailConversation(ctx, sess.UserID, in)
	if err != nil {
		s.logger.Error("email conversation lookup failed", "from", in.From, "error", err)
		return
	}

	turnID := uuid.NewString()
	if err := s.cfg.Executor.Run(ctx, agent.TurnRequest{
		ConversationID: conv.ID,
		Session:        sess,
		Content:        in.Text,
		TurnID:         turnID,
		Sink:           agent.NopSink{},
	}); err != nil {
		s.logger.Error("email turn failed", "conversation_id", conv.ID, "error", err)
		return
	}

	reply, err := s.lookupTurnReply(ctx, conv.ID, turnID)
	if err != nil || reply == "" {
		s.logger.Error("email reply missing", "conversation_id", conv.ID, "error", err)
		return
	}

	if s.cfg.Channels == nil || !s.cfg.Channels.Has(channels.ChannelEmail) {
		s.logger.Warn("email port not registered, reply dropped", "conversation_id", conv.ID)
		return
	}
	err = s.cfg.Channels.Deliver(ctx, channels.ChannelEmail, channels.Outbound{
		ConversationID: conv.ID,
		UserID:         sess.UserID,
		Recipient:      in.From,
		Subject:        email.ReplySubject(in.Subject),
		Text:           reply,
		Metadata:       map[string]any{"provider": in.Provider},
	})
	if err != nil {
		s.logger.Error("email reply delivery failed", "conversation_id", conv.ID, "error", err)
	}
}

// emailConversation reuses the sender's thread for the same subject, or
// opens a new one on the email channel.
func (s *Server) emailConversation(ctx context.Context, userID string, in *email.Inbound) (*models.Conversation, error) {
	base := email.BaseSubject(in.Subject)

	existing, _, err := s.cfg.Stores.Conversations.List(ctx, userID, 50, 0)
	if err != nil {
		return nil, err
	}
	for _, conv := range existing {
		if conv.Channel == channels.ChannelEmail && email.BaseSubject(conv.Title) == base {
			return conv, nil
		}
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     base,
		Channel:   channels.ChannelEmail,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.cfg.Stores.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// lookupTurnReply reads back the assistant message the turn persisted.
func (s *Server) lookupTurnReply(ctx context.Context, conversationID, turnID string) (string, error) {
	msgs, err := s.cfg.Stores.Conversations.Messages(ctx, conversationID, 0)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TurnID == turnID && msgs[i].Role == models.RoleAssistant {
			return msgs[i].Content, nil
		}
	}
	return "", nil
}
