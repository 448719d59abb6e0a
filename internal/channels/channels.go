// Package channels routes agent replies to the medium a conversation
// arrived on. Interactive chat rides the live SSE or websocket stream and
// never goes through here; ports exist for out-of-band media such as
// email, where the reply must be delivered after the turn finishes.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Channel names as stored on Conversation.Channel.
const (
	ChannelChat  = "chat"
	ChannelEmail = "email"
)

// Outbound is one reply to deliver through a port.
type Outbound struct {
	ConversationID string
	UserID         string
	// Recipient is the port-specific address, e.g. an email address.
	Recipient string
	Subject   string
	Text      string
	Metadata  map[string]any
}

// Port delivers outbound replies for one channel.
type Port interface {
	Name() string
	Deliver(ctx context.Context, out Outbound) error
}

// Router holds the registered ports. Ports are registered during startup
// and the router is read-only afterwards, so lookups take no lock.
type Router struct {
	ports  map[string]Port
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter builds an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		ports:  make(map[string]Port),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a port under its name. Call before serving traffic;
// a later registration for the same name replaces the earlier one.
func (r *Router) Register(p Port) {
	r.ports[p.Name()] = p
}

// Deliver hands the reply to the named channel's port.
func (r *Router) Deliver(ctx context.Context, channel string, out Outbound) error {
	p, ok := r.ports[channel]
	if !ok {
		return fmt.Errorf("channels: no port registered for %q", channel)
	}
	if err := p.Deliver(ctx, out); err != nil {
		r.logger.Error("channel delivery failed",
			"channel", channel,
			"conversation_id", out.ConversationID,
			"error", err)
		return err
	}
	return nil
}

// Has reports whether a port is registered for the channel.
func (r *Router) Has(channel string) bool {
	_, ok := r.ports[channel]
	return ok
}

// Names returns the registered channel names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.ports))
	for name := range r.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
