// Package jobs hosts background work: a worker pool executes registered
// handlers by job type and persists status and progress through the job
// store. Indexing, process discovery and source sync run here.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

const (
	// DefaultWorkers is the worker pool size.
	DefaultWorkers = 4

	// DefaultQueueSize bounds how many jobs may sit between Enqueue and a
	// free worker.
	DefaultQueueSize = 256
)

// ErrUnknownJobType is returned by Enqueue for types with no handler.
var ErrUnknownJobType = errors.New("jobs: no handler registered for type")

// ProgressFunc reports handler progress. Safe to call any number of times
// from within Execute; decreases are dropped so recorded progress is
// monotonically non-decreasing.
type ProgressFunc func(pct int, message string)

// Handler executes jobs of one type. The returned map becomes the job
// result on success; a returned error marks the job failed.
type Handler interface {
	Execute(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, jobID string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
	return f(ctx, jobID, payload, progress)
}

// Runner owns the worker pool. Jobs are persisted before dispatch so a
// queue snapshot survives in the store even if the process dies; statuses
// move pending -> running -> (completed|failed|cancelled) and terminal
// statuses are sticky.
type Runner struct {
	store    storage.JobStore
	logger   *slog.Logger
	metrics  *observability.Metrics
	workers  int
	queue    chan string
	handlers map[string]Handler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithQueueSize sets the dispatch queue capacity.
func WithQueueSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.queue = make(chan string, n)
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.With("component", "jobs")
		}
	}
}

// WithRunnerMetrics sets the metrics collector.
func WithRunnerMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a runner over the job store. Call Register for each
// job type, then Start.
func NewRunner(store storage.JobStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		logger:   slog.Default().With("component", "jobs"),
		workers:  DefaultWorkers,
		queue:    make(chan string, DefaultQueueSize),
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs the handler for a job type, replacing any previous one.
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Start launches the worker pool. Workers run until the context is
// cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.logger.Info("starting job workers", "workers", r.workers)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish, up to
// the context deadline.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue persists a pending job and hands it to the pool. The job row
// exists before Enqueue returns so callers can immediately poll it.
func (r *Runner) Enqueue(ctx context.Context, jobType string, payload map[string]any) (*models.Job, error) {
	r.mu.Lock()
	_, known := r.handlers[jobType]
	r.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    models.JobPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	select {
	case r.queue <- job.ID:
	case <-ctx.Done():
		// The pending row stays behind; a future Requeue pass may pick
		// it up. Report the cancellation to the caller.
		return nil, ctx.Err()
	}
	return job, nil
}

// Cancel stops a job. Running jobs get their context cancelled; queued
// jobs are marked cancelled and skipped when a worker reaches them.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	cancel := r.cancels[jobID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}
	return r.store.SetCancelled(ctx, jobID)
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.queue:
			r.runJob(ctx, jobID)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, jobID string) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.logger.Error("job load failed", "job_id", jobID, "error", err)
		return
	}
	// Cancelled while queued.
	if job.Status.IsTerminal() {
		return
	}

	r.mu.Lock()
	handler := r.handlers[job.Type]
	r.mu.Unlock()
	if handler == nil {
		r.finish(jobID, job.Type, fmt.Errorf("no handler for type %s", job.Type), time.Now())
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
	}()

	if err := r.store.SetRunning(jobCtx, jobID); err != nil {
		r.logger.Error("job start failed", "job_id", jobID, "error", err)
		return
	}

	started := time.Now()
	result, err := r.execute(jobCtx, jobID, job, handler)
	if err != nil {
		r.finish(jobID, job.Type, err, started)
		return
	}
	r.complete(jobID, job.Type, result, started)
}

// execute runs the handler with panic containment: a panicking handler
// fails its job, never the worker.
func (r *Runner) execute(ctx context.Context, jobID string, job *models.Job, handler Handler) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	lastPct := 0
	progress := func(pct int, message string) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct < lastPct {
			return
		}
		lastPct = pct
		if perr := r.store.SetProgress(ctx, jobID, pct, message); perr != nil {
			r.logger.Warn("progress update failed", "job_id", jobID, "error", perr)
		}
	}

	return handler.Execute(ctx, jobID, job.Payload, progress)
}

// complete records a successful terminal state. Status writes use a fresh
// context so a cancelled job context cannot block the write.
func (r *Runner) complete(jobID, jobType string, result map[string]any, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := r.store.SetCompleted(ctx, jobID, result); serr != nil {
		r.logger.Error("job completion write failed", "job_id", jobID, "error", serr)
		return
	}
	r.record(jobType, string(models.JobCompleted), started)
	r.logger.Info("job completed", "job_id", jobID, "job_type", jobType,
		"duration_ms", time.Since(started).Milliseconds())
}

func (r *Runner) finish(jobID, jobType string, err error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := models.JobFailed
	var serr error
	if errors.Is(err, context.Canceled) {
		status = models.JobCancelled
		serr = r.store.SetCancelled(ctx, jobID)
	} else {
		serr = r.store.SetFailed(ctx, jobID, err.Error())
	}
	if serr != nil {
		r.logger.Error("job status write failed", "job_id", jobID, "error", serr)
		return
	}
	r.record(jobType, string(status), started)
	r.logger.Warn("job finished with error", "job_id", jobID, "job_type", jobType,
		"status", string(status), "error", err)
}

func (r *Runner) record(jobType, status string, started time.Time) {
	if r.metrics != nil {
		r.metrics.RecordJob(jobType, status, time.Since(started).Seconds())
	}
}
