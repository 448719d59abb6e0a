package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fireflydesk/flydesk/internal/knowledge"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// fakeIndexer records indexed document ids and fails the configured ones.
type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	failIDs map[string]bool
}

func (f *fakeIndexer) IndexDocument(_ context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[docID] {
		return fmt.Errorf("embed failed")
	}
	f.indexed = append(f.indexed, docID)
	return nil
}

func noProgress(int, string) {}

func TestIndexingHandler(t *testing.T) {
	ix := &fakeIndexer{}
	h := IndexingHandler(ix)

	result, err := h.Execute(context.Background(), "job-1", map[string]any{"document_id": "doc-1"}, noProgress)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["indexed"] != true || result["document_id"] != "doc-1" {
		t.Errorf("result = %v", result)
	}
	if len(ix.indexed) != 1 || ix.indexed[0] != "doc-1" {
		t.Errorf("indexed = %v", ix.indexed)
	}
}

func TestIndexingHandlerMissingDocumentID(t *testing.T) {
	h := IndexingHandler(&fakeIndexer{})
	if _, err := h.Execute(context.Background(), "job-1", map[string]any{}, noProgress); err == nil {
		t.Fatal("expected error for missing document_id")
	}
}

func newTaggedDoc(t *testing.T, docs storage.KnowledgeStore, id, title string, tags ...string) {
	t.Helper()
	err := docs.CreateDocument(context.Background(), &models.KnowledgeDocument{
		ID:        id,
		Title:     title,
		Content:   "content of " + title,
		Type:      models.DocumentTypeText,
		Status:    models.DocumentPublished,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create document %s: %v", id, err)
	}
}

func TestSourceSyncHandlerReindexesTag(t *testing.T) {
	docs := storage.NewMemoryKnowledgeStore()
	newTaggedDoc(t, docs, "d1", "One", "crm")
	newTaggedDoc(t, docs, "d2", "Two", "crm")
	newTaggedDoc(t, docs, "d3", "Three", "billing")

	ix := &fakeIndexer{failIDs: map[string]bool{"d2": true}}
	h := SourceSyncHandler(docs, ix)

	var lastPct int
	progress := func(pct int, _ string) { lastPct = pct }
	result, err := h.Execute(context.Background(), "job-1", map[string]any{"tag": "crm"}, progress)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["indexed"] != 1 || result["failed"] != 1 {
		t.Errorf("result = %v, want 1 indexed 1 failed", result)
	}
	if lastPct != 100 {
		t.Errorf("final progress = %d, want 100", lastPct)
	}
	for _, id := range ix.indexed {
		if id == "d3" {
			t.Error("document outside tag was re-indexed")
		}
	}
}

func TestSourceSyncHandlerEmptyTag(t *testing.T) {
	h := SourceSyncHandler(storage.NewMemoryKnowledgeStore(), &fakeIndexer{})
	if _, err := h.Execute(context.Background(), "job-1", map[string]any{}, noProgress); err == nil {
		t.Fatal("expected error for missing tag")
	}
}

func seedCatalogSystem(t *testing.T, catalog storage.CatalogStore, name string, status models.SystemStatus, endpoints int) string {
	t.Helper()
	sys := &models.ExternalSystem{
		ID:      "sys-" + name,
		Name:    name,
		BaseURL: "https://" + name + ".example.com",
		Auth:    models.AuthConfig{Type: models.AuthNone},
		Status:  status,
	}
	if err := catalog.CreateSystem(context.Background(), sys); err != nil {
		t.Fatalf("create system: %v", err)
	}
	for i := 0; i < endpoints; i++ {
		ep := &models.ServiceEndpoint{
			ID:        fmt.Sprintf("ep-%s-%d", name, i),
			SystemID:  sys.ID,
			Name:      fmt.Sprintf("%s_op_%d", name, i),
			Method:    models.MethodGet,
			Path:      fmt.Sprintf("/v1/op%d", i),
			RiskLevel: models.RiskRead,
			Enabled:   true,
		}
		if err := catalog.CreateEndpoint(context.Background(), ep); err != nil {
			t.Fatalf("create endpoint: %v", err)
		}
	}
	return sys.ID
}

func TestProcessDiscoveryCreatesGuides(t *testing.T) {
	catalog := storage.NewMemoryCatalogStore()
	docs := storage.NewMemoryKnowledgeStore()
	seedCatalogSystem(t, catalog, "zendesk", models.SystemActive, 2)
	seedCatalogSystem(t, catalog, "legacy", models.SystemDisabled, 3)

	ix := &fakeIndexer{}
	h := ProcessDiscoveryHandler(catalog, docs, ix)

	result, err := h.Execute(context.Background(), "job-1", nil, noProgress)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["systems_scanned"] != 1 {
		t.Errorf("systems_scanned = %v, want 1 (disabled skipped)", result["systems_scanned"])
	}
	if result["guides_created"] != 1 {
		t.Errorf("guides_created = %v", result["guides_created"])
	}

	guides, _, err := docs.ListDocuments(context.Background(), storage.DocumentFilter{Tags: []string{knowledge.ProcessTag}})
	if err != nil {
		t.Fatalf("list guides: %v", err)
	}
	if len(guides) != 1 {
		t.Fatalf("expected 1 guide, got %d", len(guides))
	}
	g := guides[0]
	if g.Title != "Process guide: zendesk" {
		t.Errorf("title = %q", g.Title)
	}
	if !strings.Contains(g.Content, "zendesk_op_0") || !strings.Contains(g.Content, "GET /v1/op1") {
		t.Errorf("guide content missing endpoints:\n%s", g.Content)
	}
	if len(ix.indexed) != 1 || ix.indexed[0] != g.ID {
		t.Errorf("guide not indexed: %v", ix.indexed)
	}
}

func TestProcessDiscoveryUpdatesExistingGuide(t *testing.T) {
	catalog := storage.NewMemoryCatalogStore()
	docs := storage.NewMemoryKnowledgeStore()
	seedCatalogSystem(t, catalog, "jira", models.SystemActive, 1)

	h := ProcessDiscoveryHandler(catalog, docs, &fakeIndexer{})
	if _, err := h.Execute(context.Background(), "job-1", nil, noProgress); err != nil {
		t.Fatalf("first run: %v", err)
	}
	result, err := h.Execute(context.Background(), "job-2", nil, noProgress)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result["guides_created"] != 0 || result["guides_updated"] != 1 {
		t.Errorf("second run result = %v, want update not create", result)
	}

	guides, _, err := docs.ListDocuments(context.Background(), storage.DocumentFilter{Tags: []string{knowledge.ProcessTag}})
	if err != nil {
		t.Fatalf("list guides: %v", err)
	}
	if len(guides) != 1 {
		t.Errorf("re-run duplicated guides: %d", len(guides))
	}
}

func TestProcessDiscoverySkipsSystemsWithoutEndpoints(t *testing.T) {
	catalog := storage.NewMemoryCatalogStore()
	docs := storage.NewMemoryKnowledgeStore()
	seedCatalogSystem(t, catalog, "empty", models.SystemActive, 0)

	h := ProcessDiscoveryHandler(catalog, docs, &fakeIndexer{})
	result, err := h.Execute(context.Background(), "job-1", nil, noProgress)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["guides_created"] != 0 {
		t.Errorf("guides_created = %v for endpoint-less system", result["guides_created"])
	}
}
