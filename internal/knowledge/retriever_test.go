package knowledge

import (
	"context"
	"testing"

	"github.com/fireflydesk/flydesk/internal/knowledge/vector"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

func TestRetrieverJoinsTitles(t *testing.T) {
	ctx := context.Background()
	docs := storage.NewMemoryKnowledgeStore()
	vecs := vector.NewMemoryStore()
	emb := &stubEmbedder{vecs: map[string][]float32{
		"expense query": {1, 0},
	}}

	mustCreateDoc(t, docs, &models.KnowledgeDocument{
		ID: "doc-1", Title: "Expense Policy", Content: "x", Status: models.DocumentPublished,
	})
	err := vecs.Store(ctx, "doc-1", []*models.DocumentChunk{
		{ID: "c1", DocumentID: "doc-1", Content: "receipts go to finance", Embedding: []float32{1, 0}},
		{ID: "c2", DocumentID: "doc-1", Content: "use the travel portal", Embedding: []float32{0.8, 0.6}},
	})
	if err != nil {
		t.Fatalf("Store error: %v", err)
	}

	r := NewRetriever(docs, vecs, emb)
	hits, err := r.Retrieve(ctx, "expense query", 10, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
	if hits[0].Chunk != "receipts go to finance" {
		t.Errorf("top hit = %q, want the aligned chunk", hits[0].Chunk)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
	for i, h := range hits {
		if h.Title != "Expense Policy" {
			t.Errorf("hits[%d].Title = %q, want Expense Policy", i, h.Title)
		}
		if h.DocID != "doc-1" {
			t.Errorf("hits[%d].DocID = %q, want doc-1", i, h.DocID)
		}
	}
}

func TestRetrieverTitleFallback(t *testing.T) {
	ctx := context.Background()
	docs := storage.NewMemoryKnowledgeStore()
	vecs := vector.NewMemoryStore()
	emb := &stubEmbedder{}

	// Chunks whose parent document row no longer exists keep the title
	// captured in their metadata.
	err := vecs.Store(ctx, "doc-gone", []*models.DocumentChunk{
		{
			ID: "c1", DocumentID: "doc-gone", Content: "orphaned",
			Embedding: []float32{1, 0},
			Metadata:  map[string]any{"document_title": "Old Handbook"},
		},
	})
	if err != nil {
		t.Fatalf("Store error: %v", err)
	}

	r := NewRetriever(docs, vecs, emb)
	hits, err := r.Retrieve(ctx, "anything", 10, nil)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
	if hits[0].Title != "Old Handbook" {
		t.Errorf("Title = %q, want metadata fallback", hits[0].Title)
	}
}

func TestRetrieverTagFilter(t *testing.T) {
	ctx := context.Background()
	docs := storage.NewMemoryKnowledgeStore()
	vecs := vector.NewMemoryStore()
	emb := &stubEmbedder{}

	mustCreateDoc(t, docs, &models.KnowledgeDocument{ID: "doc-hr", Title: "HR", Content: "x", Status: models.DocumentPublished})
	mustCreateDoc(t, docs, &models.KnowledgeDocument{ID: "doc-it", Title: "IT", Content: "x", Status: models.DocumentPublished})

	if err := vecs.Store(ctx, "doc-hr", []*models.DocumentChunk{
		{ID: "c1", DocumentID: "doc-hr", Content: "pto policy", Embedding: []float32{1, 0}, Metadata: map[string]any{"tags": []string{"hr"}}},
	}); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if err := vecs.Store(ctx, "doc-it", []*models.DocumentChunk{
		{ID: "c2", DocumentID: "doc-it", Content: "vpn setup", Embedding: []float32{1, 0}, Metadata: map[string]any{"tags": []string{"it"}}},
	}); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	r := NewRetriever(docs, vecs, emb)
	hits, err := r.Retrieve(ctx, "policies", 10, []string{"hr"})
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(hits) != 1 || hits[0].Title != "HR" {
		t.Fatalf("hits = %v, want only the hr document", hits)
	}
}
