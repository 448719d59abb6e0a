package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/knowledge"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

type stubSearcher struct {
	results  []knowledge.Retrieved
	err      error
	gotQuery string
	gotTopK  int
	gotTags  []string
}

func (s *stubSearcher) Retrieve(ctx context.Context, query string, topK int, tagFilter []string) ([]knowledge.Retrieved, error) {
	s.gotQuery = query
	s.gotTopK = topK
	s.gotTags = tagFilter
	return s.results, s.err
}

func builtinByName(t *testing.T, deps BuiltinDeps, sess *auth.Session, name string) Tool {
	t.Helper()
	for _, tool := range Builtins(deps, sess) {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("builtin %q not found", name)
	return nil
}

func TestBuiltinsCoverExpectedSet(t *testing.T) {
	all := Builtins(BuiltinDeps{}, auth.NewDevSession(""))
	got := make(map[string]bool, len(all))
	for _, tool := range all {
		got[tool.Name()] = true
	}
	for _, want := range []string{"remember_fact", "search_knowledge", "list_catalog_systems", "search_processes", "platform_status"} {
		if !got[want] {
			t.Fatalf("missing builtin %q", want)
		}
	}
}

func TestRememberFact(t *testing.T) {
	memories := storage.NewMemoryUserMemoryStore()
	deps := BuiltinDeps{Memories: memories}
	sess := auth.NewDevSession("u-7")
	tool := builtinByName(t, deps, sess, "remember_fact")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"fact":"prefers dark roast","category":"preference"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	stored, err := memories.List(context.Background(), "u-7", models.MemoryPreference)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("got %d memories, want 1", len(stored))
	}
	if stored[0].Content != "prefers dark roast" {
		t.Fatalf("content = %q", stored[0].Content)
	}
	if stored[0].Source != models.MemoryFromAgent {
		t.Fatalf("source = %q, want agent", stored[0].Source)
	}
}

func TestRememberFactValidation(t *testing.T) {
	deps := BuiltinDeps{Memories: storage.NewMemoryUserMemoryStore()}
	sess := auth.NewDevSession("u-7")
	tool := builtinByName(t, deps, sess, "remember_fact")

	tests := []struct {
		name   string
		params string
	}{
		{"empty fact", `{"fact":"  "}`},
		{"unknown category", `{"fact":"x","category":"astrology"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got %q", result.Content)
			}
		})
	}
}

func TestSearchKnowledge(t *testing.T) {
	searcher := &stubSearcher{
		results: []knowledge.Retrieved{
			{Chunk: "Refunds take 5 business days.", Title: "Refund Policy", Score: 0.91},
			{Chunk: "Escalate after 10 days.", Title: "Escalations", Score: 0.64},
		},
	}
	tool := builtinByName(t, BuiltinDeps{Knowledge: searcher}, auth.NewDevSession(""), "search_knowledge")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"refund timeline","top_k":3,"tags":["billing"]}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if searcher.gotQuery != "refund timeline" {
		t.Fatalf("query = %q", searcher.gotQuery)
	}
	if searcher.gotTopK != 3 {
		t.Fatalf("topK = %d, want 3", searcher.gotTopK)
	}
	if len(searcher.gotTags) != 1 || searcher.gotTags[0] != "billing" {
		t.Fatalf("tags = %v, want [billing]", searcher.gotTags)
	}
	if !strings.Contains(result.Content, "Refund Policy") || !strings.Contains(result.Content, "Escalations") {
		t.Fatalf("content missing titles: %s", result.Content)
	}
	if !strings.Contains(result.Content, "1. ") {
		t.Fatalf("content not numbered: %s", result.Content)
	}
}

func TestSearchKnowledgeEmptyResults(t *testing.T) {
	tool := builtinByName(t, BuiltinDeps{Knowledge: &stubSearcher{}}, auth.NewDevSession(""), "search_knowledge")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"nothing matches"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !strings.Contains(result.Content, "No matching results") {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestSearchProcessesFiltersByTag(t *testing.T) {
	searcher := &stubSearcher{}
	tool := builtinByName(t, BuiltinDeps{Knowledge: searcher}, auth.NewDevSession(""), "search_processes")

	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"employee onboarding"}`)); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(searcher.gotTags) != 1 || searcher.gotTags[0] != knowledge.ProcessTag {
		t.Fatalf("tags = %v, want [%s]", searcher.gotTags, knowledge.ProcessTag)
	}
}

func TestListCatalogSystems(t *testing.T) {
	store := storage.NewMemoryCatalogStore()
	ctx := context.Background()
	sys := &models.ExternalSystem{
		ID:     "crm",
		Name:   "crm",
		Status: models.SystemActive,
		Tags:   []string{"sales"},
	}
	if err := store.CreateSystem(ctx, sys); err != nil {
		t.Fatalf("CreateSystem error: %v", err)
	}
	endpoints := []*models.ServiceEndpoint{
		{ID: "e1", SystemID: "crm", Name: "list_accounts", Method: models.MethodGet, Path: "/a", Enabled: true},
		{ID: "e2", SystemID: "crm", Name: "old_op", Method: models.MethodGet, Path: "/b", Enabled: false},
	}
	for _, ep := range endpoints {
		if err := store.CreateEndpoint(ctx, ep); err != nil {
			t.Fatalf("CreateEndpoint error: %v", err)
		}
	}

	tool := builtinByName(t, BuiltinDeps{Catalog: store}, auth.NewDevSession(""), "list_catalog_systems")
	result, err := tool.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	var summaries []struct {
		Name       string   `json:"name"`
		Status     string   `json:"status"`
		Operations []string `json:"operations"`
	}
	if err := json.Unmarshal([]byte(result.Content), &summaries); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d systems, want 1", len(summaries))
	}
	if summaries[0].Name != "crm" || summaries[0].Status != "active" {
		t.Fatalf("summary = %+v", summaries[0])
	}
	if len(summaries[0].Operations) != 1 || summaries[0].Operations[0] != "list_accounts" {
		t.Fatalf("operations = %v, want only the enabled endpoint", summaries[0].Operations)
	}
}

func TestPlatformStatus(t *testing.T) {
	store := storage.NewMemoryCatalogStore()
	deps := BuiltinDeps{
		Catalog:   store,
		Version:   "1.2.3",
		StartedAt: time.Now().Add(-time.Minute),
	}
	tool := builtinByName(t, deps, auth.NewDevSession(""), "platform_status")

	result, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	var status map[string]any
	if err := json.Unmarshal([]byte(result.Content), &status); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if status["version"] != "1.2.3" {
		t.Fatalf("version = %v", status["version"])
	}
	if uptime, ok := status["uptime_seconds"].(float64); !ok || uptime < 59 {
		t.Fatalf("uptime_seconds = %v, want >= 59", status["uptime_seconds"])
	}
}

func TestBuiltinSchemasMarkRequiredFields(t *testing.T) {
	tests := []struct {
		tool     string
		required string
	}{
		{"remember_fact", "fact"},
		{"search_knowledge", "query"},
		{"search_processes", "query"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			tool := builtinByName(t, BuiltinDeps{}, auth.NewDevSession(""), tt.tool)
			var schema struct {
				Type       string                     `json:"type"`
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			}
			if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
				t.Fatalf("unmarshal schema: %v", err)
			}
			if schema.Type != "object" {
				t.Fatalf("schema type = %q", schema.Type)
			}
			if _, ok := schema.Properties[tt.required]; !ok {
				t.Fatalf("schema missing property %q", tt.required)
			}
			found := false
			for _, req := range schema.Required {
				if req == tt.required {
					found = true
				}
			}
			if !found {
				t.Fatalf("schema does not require %q: %v", tt.required, schema.Required)
			}
		})
	}
}
