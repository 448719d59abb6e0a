package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/models"
)

func newTestEndpointTool(t *testing.T, serverURL string, ep *models.ServiceEndpoint, authType models.AuthType, secret string) *EndpointTool {
	t.Helper()
	resolver, store, cipher := newTestResolver(t)
	sys := seedSystem(t, store, cipher, authType, secret)
	sys.BaseURL = serverURL
	ep.SystemID = sys.ID
	return NewEndpointTool(sys, ep, resolver, auth.NewDevSession(""), nil)
}

func TestEndpointToolGet(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"tickets":[]}`)
	}))
	defer server.Close()

	ep := &models.ServiceEndpoint{
		Name:        "list_tickets",
		Method:      models.MethodGet,
		Path:        "/api/tickets/{queue}",
		PathParams:  json.RawMessage(`{"queue":{"type":"string"}}`),
		QueryParams: json.RawMessage(`{"limit":{"type":"integer"}}`),
		RiskLevel:   models.RiskRead,
		Enabled:     true,
	}
	tool := newTestEndpointTool(t, server.URL, ep, models.AuthBearer, "tok-1")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"queue":"billing","limit":5}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if gotPath != "/api/tickets/billing" {
		t.Fatalf("path = %q, want %q", gotPath, "/api/tickets/billing")
	}
	if gotQuery != "5" {
		t.Fatalf("limit query = %q, want %q", gotQuery, "5")
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
	if !strings.Contains(result.Content, "HTTP 200") {
		t.Fatalf("content missing status line: %s", result.Content)
	}
	if !strings.Contains(result.Content, `"tickets"`) {
		t.Fatalf("content missing response body: %s", result.Content)
	}
}

func TestEndpointToolPostBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"T-100"}`)
	}))
	defer server.Close()

	ep := &models.ServiceEndpoint{
		Name:       "create_ticket",
		Method:     models.MethodPost,
		Path:       "/api/tickets",
		BodySchema: json.RawMessage(`{"type":"object","properties":{"subject":{"type":"string"}}}`),
		RiskLevel:  models.RiskLowWrite,
		Enabled:    true,
	}
	tool := newTestEndpointTool(t, server.URL, ep, models.AuthNone, "")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"body":{"subject":"printer on fire"}}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if gotContentType != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotBody["subject"] != "printer on fire" {
		t.Fatalf("body subject = %v, want %q", gotBody["subject"], "printer on fire")
	}
	if !strings.Contains(result.Content, "HTTP 201") {
		t.Fatalf("content missing status line: %s", result.Content)
	}
}

func TestEndpointToolUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue not found", http.StatusNotFound)
	}))
	defer server.Close()

	ep := &models.ServiceEndpoint{
		Name:    "list_tickets",
		Method:  models.MethodGet,
		Path:    "/api/tickets",
		Enabled: true,
	}
	tool := newTestEndpointTool(t, server.URL, ep, models.AuthNone, "")

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for upstream 404")
	}
	if !strings.Contains(result.Content, "HTTP 404") {
		t.Fatalf("content missing status line: %s", result.Content)
	}
	if !strings.Contains(result.Content, "queue not found") {
		t.Fatalf("content missing upstream body: %s", result.Content)
	}
}

func TestEndpointToolMissingPathParam(t *testing.T) {
	ep := &models.ServiceEndpoint{
		Name:       "get_ticket",
		Method:     models.MethodGet,
		Path:       "/api/tickets/{id}",
		PathParams: json.RawMessage(`{"id":{"type":"string"}}`),
		Enabled:    true,
	}
	tool := newTestEndpointTool(t, "http://unused.invalid", ep, models.AuthNone, "")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for missing path parameter")
	}
	if !strings.Contains(result.Content, "missing path parameter") {
		t.Fatalf("content = %q, want missing path parameter message", result.Content)
	}
}

func TestEndpointToolSchema(t *testing.T) {
	ep := &models.ServiceEndpoint{
		Name:        "update_ticket",
		Method:      models.MethodPatch,
		Path:        "/api/tickets/{id}",
		PathParams:  json.RawMessage(`{"id":{"type":"string","description":"ticket id"}}`),
		QueryParams: json.RawMessage(`{"notify":{"type":"boolean"}}`),
		BodySchema:  json.RawMessage(`{"type":"object","properties":{"status":{"type":"string"}}}`),
		RiskLevel:   models.RiskHighWrite,
		Enabled:     true,
	}
	tool := newTestEndpointTool(t, "http://unused.invalid", ep, models.AuthNone, "")

	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema.Type != "object" {
		t.Fatalf("schema type = %q, want object", schema.Type)
	}
	for _, prop := range []string{"id", "notify", "body"} {
		if _, ok := schema.Properties[prop]; !ok {
			t.Fatalf("schema missing property %q", prop)
		}
	}
	if len(schema.Required) != 1 || schema.Required[0] != "id" {
		t.Fatalf("required = %v, want [id]", schema.Required)
	}
	if tool.RiskLevel() != models.RiskHighWrite {
		t.Fatalf("RiskLevel = %q, want high_write", tool.RiskLevel())
	}
}

func TestEndpointToolName(t *testing.T) {
	tests := []struct {
		system   string
		endpoint string
		want     string
	}{
		{"helpdesk", "list_tickets", "helpdesk_list_tickets"},
		{"Help Desk", "List Tickets!", "help_desk_list_tickets"},
		{"HR--Portal", "create", "hr_portal_create"},
	}
	for _, tt := range tests {
		tool := &EndpointTool{
			system:   &models.ExternalSystem{Name: tt.system},
			endpoint: &models.ServiceEndpoint{Name: tt.endpoint},
		}
		if got := tool.Name(); got != tt.want {
			t.Fatalf("Name(%q, %q) = %q, want %q", tt.system, tt.endpoint, got, tt.want)
		}
	}
}
