package workflows

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

type resumeCall struct {
	workflowID string
	trigger    models.Trigger
}

type fakeResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
}

func (f *fakeResumer) Resume(_ context.Context, workflowID string, trigger models.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{workflowID: workflowID, trigger: trigger})
	return f.err
}

func seedWaitingPoll(t *testing.T, store storage.WorkflowStore, id string, nextCheck time.Time, currentStep int) {
	t.Helper()
	wf := &models.Workflow{
		ID:        id,
		UserID:    "user-1",
		Type:      "ticket_watch",
		Status:    models.WorkflowPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	steps := []*models.WorkflowStep{
		{ID: id + "-s0", WorkflowID: id, StepIndex: 0, Type: models.StepWaitPoll, Status: models.StepWaiting},
	}
	if err := store.Create(context.Background(), wf, steps); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	wf.Status = models.WorkflowWaiting
	wf.CurrentStep = currentStep
	wf.NextCheckAt = &nextCheck
	if err := store.Update(context.Background(), wf); err != nil {
		t.Fatalf("update workflow: %v", err)
	}
}

func TestSchedulerResumesDuePolls(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedWaitingPoll(t, store, "wf-due", now.Add(-time.Minute), 0)
	seedWaitingPoll(t, store, "wf-future", now.Add(time.Hour), 0)

	resumer := &fakeResumer{}
	s := NewScheduler(store, resumer, WithSchedulerNow(func() time.Time { return now }))
	s.RunOnce(context.Background())

	resumer.mu.Lock()
	defer resumer.mu.Unlock()
	if len(resumer.calls) != 1 {
		t.Fatalf("expected 1 resume, got %d", len(resumer.calls))
	}
	call := resumer.calls[0]
	if call.workflowID != "wf-due" {
		t.Errorf("resumed %q, want wf-due", call.workflowID)
	}
	if call.trigger.Type != models.TriggerPoll {
		t.Errorf("trigger = %q, want POLL", call.trigger.Type)
	}
}

func TestSchedulerExpiresWebhooks(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	wf := &models.Workflow{ID: "wf-1", UserID: "u", Type: "t", Status: models.WorkflowWaiting,
		CreatedAt: now, UpdatedAt: now}
	steps := []*models.WorkflowStep{{ID: "s0", WorkflowID: "wf-1", StepIndex: 0,
		Type: models.StepWaitWebhook, Status: models.StepWaiting}}
	if err := store.Create(context.Background(), wf, steps); err != nil {
		t.Fatalf("create: %v", err)
	}
	past := now.Add(-time.Hour)
	fresh := now.Add(time.Hour)
	for token, expires := range map[string]*time.Time{"tok-stale": &past, "tok-fresh": &fresh} {
		reg := &models.WebhookRegistration{ID: token + "-id", WorkflowID: "wf-1", StepIndex: 0,
			Token: token, Status: models.WebhookActive, ExpiresAt: expires, CreatedAt: now}
		if err := store.CreateWebhook(context.Background(), reg); err != nil {
			t.Fatalf("create webhook: %v", err)
		}
	}

	s := NewScheduler(store, &fakeResumer{}, WithSchedulerNow(func() time.Time { return now }))
	s.RunOnce(context.Background())

	stale, err := store.GetWebhookByToken(context.Background(), "tok-stale")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if stale.Status != models.WebhookExpired {
		t.Errorf("stale status = %q, want expired", stale.Status)
	}
	freshReg, err := store.GetWebhookByToken(context.Background(), "tok-fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if freshReg.Status != models.WebhookActive {
		t.Errorf("fresh status = %q, want active", freshReg.Status)
	}
}

func TestSchedulerSurvivesResumeErrors(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	seedWaitingPoll(t, store, "wf-a", now.Add(-time.Minute), 0)
	seedWaitingPoll(t, store, "wf-b", now.Add(-time.Minute), 0)

	resumer := &fakeResumer{err: fmt.Errorf("store hiccup")}
	s := NewScheduler(store, resumer, WithSchedulerNow(func() time.Time { return now }))
	s.RunOnce(context.Background())

	resumer.mu.Lock()
	defer resumer.mu.Unlock()
	if len(resumer.calls) != 2 {
		t.Errorf("a failing resume stopped the pass: %d calls, want 2", len(resumer.calls))
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	s := NewScheduler(store, &fakeResumer{}, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

// End to end through the real engine: a due poll advances the workflow.
func TestSchedulerDrivesEngine(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }
	exec := &fakeToolExec{}
	e := testEngine(store, WithToolExecutor(exec), WithEngineNow(clock))

	wf, err := e.Start(context.Background(), "user-1", "", "ticket_watch", nil,
		[]StepSpec{{Type: models.StepWaitPoll, Input: map[string]any{"interval": 60}}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	kick(t, e, wf.ID)

	s := NewScheduler(store, e, WithSchedulerNow(func() time.Time { return fixed.Add(2 * time.Minute) }))
	s.RunOnce(context.Background())

	final := getWorkflow(t, store, wf.ID)
	if final.Status != models.WorkflowCompleted {
		t.Errorf("status = %q, want completed after due poll (error: %s)", final.Status, final.Error)
	}
}
