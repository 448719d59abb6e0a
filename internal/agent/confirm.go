package agent

import "sync"

// ConfirmationReply is the user's decision on a pending confirmation.
type ConfirmationReply struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ConfirmationBroker matches confirmation replies to suspended tool
// calls. The executor registers a widget id before emitting the
// confirmation event; the confirm endpoint resolves it.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]chan ConfirmationReply
}

// NewConfirmationBroker returns an empty broker.
func NewConfirmationBroker() *ConfirmationBroker {
	return &ConfirmationBroker{pending: make(map[string]chan ConfirmationReply)}
}

// Expect registers a widget id and returns the channel its reply will
// arrive on. The channel is buffered so Resolve never blocks.
func (b *ConfirmationBroker) Expect(widgetID string) <-chan ConfirmationReply {
	ch := make(chan ConfirmationReply, 1)
	b.mu.Lock()
	b.pending[widgetID] = ch
	b.mu.Unlock()
	return ch
}

// Resolve delivers a reply to the turn waiting on widgetID. It reports
// false when no turn is waiting (unknown id, or already resolved).
func (b *ConfirmationBroker) Resolve(widgetID string, reply ConfirmationReply) bool {
	b.mu.Lock()
	ch, ok := b.pending[widgetID]
	if ok {
		delete(b.pending, widgetID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Forget drops a registration that will no longer be waited on.
func (b *ConfirmationBroker) Forget(widgetID string) {
	b.mu.Lock()
	delete(b.pending, widgetID)
	b.mu.Unlock()
}
