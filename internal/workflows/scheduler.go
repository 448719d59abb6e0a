package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// DefaultPollInterval is how often the scheduler checks for due polls.
const DefaultPollInterval = 30 * time.Second

// Resumer is the engine surface the scheduler drives.
type Resumer interface {
	Resume(ctx context.Context, workflowID string, trigger models.Trigger) error
}

// Scheduler is the only producer of POLL triggers: every tick it resumes
// waiting workflows whose next_check_at has passed and expires stale
// webhook registrations. Transient errors are logged and retried on the
// next tick.
type Scheduler struct {
	store    storage.WorkflowStore
	engine   Resumer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPollInterval sets the tick interval.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "workflow-scheduler")
		}
	}
}

// WithSchedulerNow overrides the clock, for tests.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler builds a scheduler that feeds due polls into the engine.
func NewScheduler(store storage.WorkflowStore, engine Resumer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		engine:   engine,
		interval: DefaultPollInterval,
		logger:   slog.Default().With("component", "workflow-scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks immediately and then on every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scheduler pass: expire webhooks, resume due polls.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	expired, err := s.store.ExpireWebhooks(ctx, now)
	if err != nil {
		s.logger.Error("webhook expiry failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("webhook registrations expired", "count", expired)
	}

	due, err := s.store.ListDuePolls(ctx, now)
	if err != nil {
		s.logger.Error("due poll listing failed", "error", err)
		return
	}
	for _, wf := range due {
		trigger := models.Trigger{Type: models.TriggerPoll, StepIndex: wf.CurrentStep}
		if err := s.engine.Resume(ctx, wf.ID, trigger); err != nil {
			s.logger.Error("poll resume failed", "workflow_id", wf.ID, "error", err)
		}
	}
}
