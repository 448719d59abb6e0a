package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

// NewMemoryStores creates a fully in-memory StoreSet. Used in dev mode and
// tests; nothing survives a restart.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Conversations: NewMemoryConversationStore(),
		Audit:         NewMemoryAuditStore(),
		Memories:      NewMemoryUserMemoryStore(),
		Knowledge:     NewMemoryKnowledgeStore(),
		Catalog:       NewMemoryCatalogStore(),
		Workflows:     NewMemoryWorkflowStore(),
		Jobs:          NewMemoryJobStore(),
		Callbacks:     NewMemoryCallbackStore(),
		Routing:       NewMemoryRoutingStore(),
	}
}

// MemoryConversationStore provides an in-memory ConversationStore.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversation id -> append order
}

// NewMemoryConversationStore creates an in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (s *MemoryConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return ErrAlreadyExists
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok || conv.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryConversationStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if conv.DeletedAt != nil {
			continue
		}
		if userID != "" && conv.UserID != userID {
			continue
		}
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	total := len(out)
	return paginate(out, limit, offset), total, nil
}

func (s *MemoryConversationStore) Update(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; !exists {
		return ErrNotFound
	}
	s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (s *MemoryConversationStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || conv.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	conv.DeletedAt = &now
	conv.UpdatedAt = now
	return nil
}

func (s *MemoryConversationStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok || conv.DeletedAt != nil {
		return ErrNotFound
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], cloneMessage(msg))
	conv.MessageCount++
	conv.UpdatedAt = msg.CreatedAt
	return nil
}

func (s *MemoryConversationStore) Messages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// MemoryAuditStore provides an in-memory AuditStore.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
}

// NewMemoryAuditStore creates an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("event is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneAuditEvent(event))
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, q AuditQuery) ([]*models.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AuditEvent, 0, limit)
	// Newest first.
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.ConversationID != "" && e.ConversationID != q.ConversationID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, cloneAuditEvent(e))
	}
	return out, nil
}

func (s *MemoryAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	purged := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return purged, nil
}

// MemoryUserMemoryStore provides an in-memory UserMemoryStore.
type MemoryUserMemoryStore struct {
	mu       sync.RWMutex
	memories map[string]*models.UserMemory
	keys     []string // insertion order
}

// NewMemoryUserMemoryStore creates an in-memory user memory store.
func NewMemoryUserMemoryStore() *MemoryUserMemoryStore {
	return &MemoryUserMemoryStore{memories: make(map[string]*models.UserMemory)}
}

func (s *MemoryUserMemoryStore) Create(ctx context.Context, mem *models.UserMemory) error {
	if mem == nil || mem.ID == "" || mem.UserID == "" {
		return fmt.Errorf("memory is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.memories[mem.ID]; exists {
		return ErrAlreadyExists
	}
	s.memories[mem.ID] = cloneUserMemory(mem)
	s.keys = append(s.keys, mem.ID)
	return nil
}

func (s *MemoryUserMemoryStore) Get(ctx context.Context, userID, id string) (*models.UserMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mem, ok := s.memories[id]
	if !ok || mem.UserID != userID {
		return nil, ErrNotFound
	}
	return cloneUserMemory(mem), nil
}

func (s *MemoryUserMemoryStore) List(ctx context.Context, userID string, category models.MemoryCategory) ([]*models.UserMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UserMemory
	for _, id := range s.keys {
		mem, ok := s.memories[id]
		if !ok || mem.UserID != userID {
			continue
		}
		if category != "" && mem.Category != category {
			continue
		}
		out = append(out, cloneUserMemory(mem))
	}
	return out, nil
}

func (s *MemoryUserMemoryStore) Update(ctx context.Context, mem *models.UserMemory) error {
	if mem == nil || mem.ID == "" {
		return fmt.Errorf("memory is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.memories[mem.ID]
	if !ok || existing.UserID != mem.UserID {
		return ErrNotFound
	}
	s.memories[mem.ID] = cloneUserMemory(mem)
	return nil
}

func (s *MemoryUserMemoryStore) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.memories[id]
	if !ok || mem.UserID != userID {
		return ErrNotFound
	}
	delete(s.memories, id)
	for i, k := range s.keys {
		if k == id {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	out.Metadata = cloneMap(m.Metadata)
	return &out
}

func cloneAuditEvent(e *models.AuditEvent) *models.AuditEvent {
	out := *e
	out.Detail = cloneMap(e.Detail)
	return &out
}

func cloneUserMemory(m *models.UserMemory) *models.UserMemory {
	out := *m
	out.Metadata = cloneMap(m.Metadata)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
