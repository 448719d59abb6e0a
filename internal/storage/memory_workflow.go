package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

// MemoryWorkflowStore provides an in-memory WorkflowStore.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	wfKeys    []string
	steps     map[string][]*models.WorkflowStep  // workflow id -> steps by index
	webhooks  map[string]*models.WebhookRegistration // token -> registration
}

// NewMemoryWorkflowStore creates an in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]*models.Workflow),
		steps:     make(map[string][]*models.WorkflowStep),
		webhooks:  make(map[string]*models.WebhookRegistration),
	}
}

func (s *MemoryWorkflowStore) Create(ctx context.Context, wf *models.Workflow, steps []*models.WorkflowStep) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	for i, step := range steps {
		if step.StepIndex != i {
			return fmt.Errorf("step_index must be dense: got %d at position %d", step.StepIndex, i)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return ErrAlreadyExists
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	s.wfKeys = append(s.wfKeys, wf.ID)
	copied := make([]*models.WorkflowStep, len(steps))
	for i, step := range steps {
		copied[i] = cloneStep(step)
	}
	s.steps[wf.ID] = copied
	return nil
}

func (s *MemoryWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *MemoryWorkflowStore) GetSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return nil, ErrNotFound
	}
	steps := s.steps[workflowID]
	out := make([]*models.WorkflowStep, len(steps))
	for i, step := range steps {
		out[i] = cloneStep(step)
	}
	return out, nil
}

func (s *MemoryWorkflowStore) Update(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; !exists {
		return ErrNotFound
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (s *MemoryWorkflowStore) UpdateStep(ctx context.Context, step *models.WorkflowStep) error {
	if step == nil || step.WorkflowID == "" {
		return fmt.Errorf("step is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.steps[step.WorkflowID]
	if !ok || step.StepIndex < 0 || step.StepIndex >= len(steps) {
		return ErrNotFound
	}
	steps[step.StepIndex] = cloneStep(step)
	return nil
}

func (s *MemoryWorkflowStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Workflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, id := range s.wfKeys {
		wf, ok := s.workflows[id]
		if !ok {
			continue
		}
		if userID != "" && wf.UserID != userID {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	total := len(out)
	return paginate(out, limit, offset), total, nil
}

func (s *MemoryWorkflowStore) ListDuePolls(ctx context.Context, now time.Time) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, id := range s.wfKeys {
		wf, ok := s.workflows[id]
		if !ok || wf.Status != models.WorkflowWaiting {
			continue
		}
		if wf.NextCheckAt == nil || wf.NextCheckAt.After(now) {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	return out, nil
}

func (s *MemoryWorkflowStore) CreateWebhook(ctx context.Context, reg *models.WebhookRegistration) error {
	if reg == nil || reg.Token == "" {
		return fmt.Errorf("registration is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.webhooks[reg.Token]; exists {
		return ErrAlreadyExists
	}
	s.webhooks[reg.Token] = cloneWebhook(reg)
	return nil
}

func (s *MemoryWorkflowStore) GetWebhookByToken(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.webhooks[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWebhook(reg), nil
}

func (s *MemoryWorkflowStore) ConsumeWebhook(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.webhooks[token]
	if !ok || reg.Status != models.WebhookActive {
		return nil, ErrNotFound
	}
	reg.Status = models.WebhookConsumed
	return cloneWebhook(reg), nil
}

func (s *MemoryWorkflowStore) ExpireWebhooks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for _, reg := range s.webhooks {
		if reg.Status != models.WebhookActive || reg.ExpiresAt == nil {
			continue
		}
		if !reg.ExpiresAt.After(now) {
			reg.Status = models.WebhookExpired
			expired++
		}
	}
	return expired, nil
}

// MemoryJobStore provides an in-memory JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	keys []string
}

// NewMemoryJobStore creates an in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryJobStore) Create(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrAlreadyExists
	}
	s.jobs[job.ID] = cloneJob(job)
	s.keys = append(s.keys, job.ID)
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) List(ctx context.Context, jobType string, limit, offset int) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Job
	// Newest first.
	for i := len(s.keys) - 1; i >= 0; i-- {
		job, ok := s.jobs[s.keys[i]]
		if !ok {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		out = append(out, cloneJob(job))
	}
	total := len(out)
	return paginate(out, limit, offset), total, nil
}

func (s *MemoryJobStore) SetRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &now
	return nil
}

func (s *MemoryJobStore) SetProgress(ctx context.Context, id string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal statuses are sticky and progress never decreases.
	if job.Status.IsTerminal() || pct < job.ProgressPct {
		return nil
	}
	job.ProgressPct = pct
	job.ProgressMessage = message
	return nil
}

func (s *MemoryJobStore) SetCompleted(ctx context.Context, id string, result map[string]any) error {
	return s.finish(id, models.JobCompleted, result, "")
}

func (s *MemoryJobStore) SetFailed(ctx context.Context, id string, errMsg string) error {
	return s.finish(id, models.JobFailed, nil, errMsg)
}

func (s *MemoryJobStore) SetCancelled(ctx context.Context, id string) error {
	return s.finish(id, models.JobCancelled, nil, "")
}

func (s *MemoryJobStore) finish(id string, status models.JobStatus, result map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.Error = errMsg
	if result != nil {
		job.Result = cloneMap(result)
	}
	if status == models.JobCompleted {
		job.ProgressPct = 100
	}
	return nil
}

// MemoryCallbackStore provides an in-memory CallbackStore.
type MemoryCallbackStore struct {
	mu         sync.RWMutex
	deliveries []*models.CallbackDelivery
}

// NewMemoryCallbackStore creates an in-memory callback delivery log.
func NewMemoryCallbackStore() *MemoryCallbackStore {
	return &MemoryCallbackStore{}
}

func (s *MemoryCallbackStore) Record(ctx context.Context, d *models.CallbackDelivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.deliveries = append(s.deliveries, &copied)
	return nil
}

func (s *MemoryCallbackStore) ListByCallback(ctx context.Context, callbackID string) ([]*models.CallbackDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.CallbackDelivery
	for _, d := range s.deliveries {
		if d.CallbackID == callbackID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

// MemoryRoutingStore provides an in-memory RoutingStore.
type MemoryRoutingStore struct {
	mu  sync.RWMutex
	cfg *models.RoutingConfig
}

// NewMemoryRoutingStore creates an in-memory routing config store.
func NewMemoryRoutingStore() *MemoryRoutingStore {
	return &MemoryRoutingStore{}
}

func (s *MemoryRoutingStore) Get(ctx context.Context) (*models.RoutingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, ErrNotFound
	}
	return cloneRoutingConfig(s.cfg), nil
}

func (s *MemoryRoutingStore) Put(ctx context.Context, cfg *models.RoutingConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cloneRoutingConfig(cfg)
	return nil
}

func cloneWorkflow(w *models.Workflow) *models.Workflow {
	out := *w
	out.State = cloneMap(w.State)
	out.Result = cloneMap(w.Result)
	if w.NextCheckAt != nil {
		t := *w.NextCheckAt
		out.NextCheckAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneStep(s *models.WorkflowStep) *models.WorkflowStep {
	out := *s
	out.Input = cloneMap(s.Input)
	out.Output = cloneMap(s.Output)
	return &out
}

func cloneWebhook(r *models.WebhookRegistration) *models.WebhookRegistration {
	out := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func cloneJob(j *models.Job) *models.Job {
	out := *j
	out.Payload = cloneMap(j.Payload)
	out.Result = cloneMap(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneRoutingConfig(c *models.RoutingConfig) *models.RoutingConfig {
	out := *c
	if c.TierMappings != nil {
		out.TierMappings = make(map[models.ComplexityTier]string, len(c.TierMappings))
		for k, v := range c.TierMappings {
			out.TierMappings[k] = v
		}
	}
	return &out
}
