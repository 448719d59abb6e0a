// Package routing selects the model for each turn. A cheap classifier
// grades the request into a complexity tier and the routing config maps
// tiers to model specs. Everything fails open: any classifier or store
// trouble ends in the caller's default model, never a failed turn.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// DefaultCacheTTL bounds how long a cached routing config is trusted.
const DefaultCacheTTL = 60 * time.Second

// Store caches the singleton routing config over the persistence layer.
// Reads within the TTL never touch the database; a database error serves
// the stale entry instead of failing the turn.
type Store struct {
	backing storage.RoutingStore
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	cached    *models.RoutingConfig
	fetched   bool
	fetchedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCacheTTL overrides the cache lifetime.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "routing")
		}
	}
}

// NewStore builds a cached view over backing.
func NewStore(backing storage.RoutingStore, opts ...StoreOption) *Store {
	s := &Store{
		backing: backing,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		logger:  slog.Default().With("component", "routing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the routing config, nil when none is stored. The absence
// of a config is cached like a value so an unconfigured deployment does
// not hammer the database.
func (s *Store) Get(ctx context.Context) (*models.RoutingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fetched && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	cfg, err := s.backing.Get(ctx)
	switch {
	case err == nil:
		s.cached = cfg
	case errors.Is(err, storage.ErrNotFound):
		s.cached = nil
	default:
		if s.fetched {
			s.logger.Warn("routing config load failed, serving stale cache", "error", err)
			return s.cached, nil
		}
		return nil, err
	}

	s.fetched = true
	s.fetchedAt = s.now()
	return s.cached, nil
}

// Put persists the config and drops the cache so the next read sees it.
func (s *Store) Put(ctx context.Context, cfg *models.RoutingConfig) error {
	if err := s.backing.Put(ctx, cfg); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// Invalidate drops the cached entry.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.fetched = false
}
