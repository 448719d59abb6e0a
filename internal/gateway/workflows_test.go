package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/workflows"
)

func withWorkflowEngine(cfg *Config) {
	cfg.Engine = workflows.NewEngine(cfg.Stores.Workflows,
		workflows.WithEngineLogger(testLogger()),
		workflows.WithBaseURL("http://gateway.test"))
}

func startWebhookWorkflow(t *testing.T, env *testEnv, token string) workflows.Status {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/workflows", token, map[string]any{
		"type":  "vendor_onboard",
		"steps": []map[string]any{{"type": "wait_webhook"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var status workflows.Status
	decodeBody(t, rec, &status)
	return status
}

func webhookToken(t *testing.T, env *testEnv, workflowID string) string {
	t.Helper()
	steps, err := env.stores.Workflows.GetSteps(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	for _, step := range steps {
		if token, ok := step.Output["webhook_token"].(string); ok && token != "" {
			return token
		}
	}
	t.Fatal("no step carries a webhook token")
	return ""
}

func TestWorkflowStartValidation(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	token := env.token(t, memberSession())

	cases := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{
			name:    "missing type",
			body:    map[string]any{"steps": []map[string]any{{"type": "wait_human"}}},
			wantErr: "type is required",
		},
		{
			name:    "no steps",
			body:    map[string]any{"type": "x"},
			wantErr: "at least one step is required",
		},
		{
			name:    "unknown step type",
			body:    map[string]any{"type": "x", "steps": []map[string]any{{"type": "teleport"}}},
			wantErr: `unsupported step type "teleport" at index 0`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/workflows", token, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if body["error"] != tc.wantErr {
				t.Errorf("error = %q, want %q", body["error"], tc.wantErr)
			}
		})
	}
}

func TestWorkflowStartUnconfigured(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/workflows", env.token(t, memberSession()), map[string]any{
		"type":  "x",
		"steps": []map[string]any{{"type": "wait_human"}},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestWorkflowStartParksOnWebhook(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	status := startWebhookWorkflow(t, env, env.token(t, memberSession()))

	if status.Status != models.WorkflowWaiting {
		t.Fatalf("status = %s, want waiting", status.Status)
	}
	if status.TotalSteps != 1 || status.CurrentStep != 0 {
		t.Errorf("steps = %d/%d", status.CurrentStep, status.TotalSteps)
	}

	// The wait step publishes its callback coordinates.
	steps, err := env.stores.Workflows.GetSteps(context.Background(), status.WorkflowID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	token, _ := steps[0].Output["webhook_token"].(string)
	if token == "" {
		t.Fatal("no webhook token registered at start")
	}
	url, _ := steps[0].Output["webhook_url"].(string)
	if !strings.HasPrefix(url, "http://gateway.test/api/webhooks/") {
		t.Errorf("webhook_url = %q", url)
	}
}

func TestWorkflowWebhookCompletesAndBurnsToken(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	userToken := env.token(t, memberSession())
	status := startWebhookWorkflow(t, env, userToken)
	hookToken := webhookToken(t, env, status.WorkflowID)

	// Webhook delivery is unauthenticated; the token is the credential.
	rec := env.do(t, http.MethodPost, "/api/webhooks/"+hookToken, "", map[string]any{"approved": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", rec.Code, rec.Body.String())
	}
	var ack map[string]string
	decodeBody(t, rec, &ack)
	if ack["status"] != "accepted" || ack["workflow_id"] != status.WorkflowID {
		t.Errorf("ack = %v", ack)
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+status.WorkflowID, userToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var after workflows.Status
	decodeBody(t, rec, &after)
	if after.Status != models.WorkflowCompleted {
		t.Errorf("workflow status = %s, want completed", after.Status)
	}

	// Replays must not find the consumed token.
	rec = env.do(t, http.MethodPost, "/api/webhooks/"+hookToken, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("replay status = %d, want 404", rec.Code)
	}
}

func TestWorkflowForeignMaskedAsMissing(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	status := startWebhookWorkflow(t, env, env.token(t, memberSession()))

	other := env.token(t, &auth.Session{UserID: "user-2", Permissions: []string{"chat:send"}})
	rec := env.do(t, http.MethodGet, "/api/workflows/"+status.WorkflowID, other, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404 not 403", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+status.WorkflowID, env.token(t, adminSession()), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admin get status = %d, want 200", rec.Code)
	}
}

func TestWorkflowHumanInputResumes(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	token := env.token(t, memberSession())

	rec := env.do(t, http.MethodPost, "/api/workflows", token, map[string]any{
		"type":  "expense_approval",
		"steps": []map[string]any{{"type": "wait_human", "input": map[string]any{"prompt": "approve?"}}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var status workflows.Status
	decodeBody(t, rec, &status)
	if status.Status != models.WorkflowWaiting {
		t.Fatalf("status = %s, want waiting", status.Status)
	}

	rec = env.do(t, http.MethodPost, "/api/workflows/"+status.WorkflowID+"/input", token, map[string]any{
		"decision": "approve",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("input status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+status.WorkflowID, token, nil)
	var after workflows.Status
	decodeBody(t, rec, &after)
	if after.Status != models.WorkflowCompleted {
		t.Errorf("workflow status = %s, want completed", after.Status)
	}
}

func TestWorkflowCancel(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	token := env.token(t, memberSession())
	status := startWebhookWorkflow(t, env, token)

	rec := env.do(t, http.MethodPost, "/api/workflows/"+status.WorkflowID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/"+status.WorkflowID, token, nil)
	var after workflows.Status
	decodeBody(t, rec, &after)
	if after.Status != models.WorkflowCancelled {
		t.Errorf("workflow status = %s, want cancelled", after.Status)
	}
}

func TestWorkflowListScopedToCaller(t *testing.T) {
	env := newTestEnv(t, nil, withWorkflowEngine)
	mine := env.token(t, memberSession())
	startWebhookWorkflow(t, env, mine)

	var list struct {
		Workflows []models.Workflow `json:"workflows"`
		Total     int               `json:"total"`
	}

	rec := env.do(t, http.MethodGet, "/api/workflows", mine, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 {
		t.Errorf("owner total = %d, want 1", list.Total)
	}

	other := env.token(t, &auth.Session{UserID: "user-2", Permissions: []string{"chat:send"}})
	rec = env.do(t, http.MethodGet, "/api/workflows", other, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list.Total = -1
	decodeBody(t, rec, &list)
	if list.Total != 0 {
		t.Errorf("stranger total = %d, want 0", list.Total)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, memberSession())

	job := &models.Job{
		ID:        "job-1",
		Type:      "indexing",
		Status:    models.JobPending,
		Payload:   map[string]any{"document_id": "doc-1"},
		CreatedAt: time.Now().UTC(),
	}
	if err := env.stores.Jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create job: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/jobs?type=indexing", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 || len(list.Jobs) != 1 || list.Jobs[0].ID != "job-1" {
		t.Fatalf("list = %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/api/jobs/job-1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/jobs/job-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}

	// Cancel needs a runner; without one the route answers 503.
	rec = env.do(t, http.MethodPost, "/api/jobs/job-1/cancel", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("cancel status = %d, want 503 with no runner", rec.Code)
	}
}
