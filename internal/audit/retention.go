package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/fireflydesk/flydesk/internal/storage"
)

// Purger removes audit events older than the retention window. Purging is
// time-based only; events are never selectively deleted.
type Purger struct {
	store     storage.AuditStore
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// PurgerOption configures a Purger.
type PurgerOption func(*Purger)

// WithPurgeInterval sets how often the purge runs. Default is daily.
func WithPurgeInterval(d time.Duration) PurgerOption {
	return func(p *Purger) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPurgerLogger sets the logger.
func WithPurgerLogger(logger *slog.Logger) PurgerOption {
	return func(p *Purger) {
		if logger != nil {
			p.logger = logger.With("component", "audit")
		}
	}
}

// WithPurgerNow overrides the clock, for tests.
func WithPurgerNow(now func() time.Time) PurgerOption {
	return func(p *Purger) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPurger builds a purger keeping retentionDays of history.
// retentionDays <= 0 disables purging.
func NewPurger(store storage.AuditStore, retentionDays int, opts ...PurgerOption) *Purger {
	p := &Purger{
		store:     store,
		logger:    slog.Default().With("component", "audit"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run purges immediately and then on every interval until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	p.purge(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purge(ctx)
		}
	}
}

func (p *Purger) purge(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("audit purge failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("audit events purged", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
