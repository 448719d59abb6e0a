package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fireflydesk/flydesk/internal/knowledge/vector"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// Retrieved is one search hit joined to its document title.
type Retrieved struct {
	Chunk   string  `json:"chunk"`
	Score   float32 `json:"score"`
	Title   string  `json:"title"`
	DocID   string  `json:"doc_id"`
	ChunkID string  `json:"chunk_id"`
}

// Retriever answers semantic queries against the indexed corpus.
type Retriever struct {
	docs     storage.KnowledgeStore
	vectors  vector.Store
	embedder Embedder
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger.With("component", "knowledge")
		}
	}
}

// WithRetrieverMetrics sets the metrics collector.
func WithRetrieverMetrics(m *observability.Metrics) RetrieverOption {
	return func(r *Retriever) {
		r.metrics = m
	}
}

// WithRetrieverTracer emits a span per search.
func WithRetrieverTracer(t *observability.Tracer) RetrieverOption {
	return func(r *Retriever) { r.tracer = t }
}

// NewRetriever builds a retriever.
func NewRetriever(docs storage.KnowledgeStore, vectors vector.Store, embedder Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		logger:   slog.Default().With("component", "knowledge"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds the query, searches the vector store and joins each
// hit to its document title. A chunk whose document has since vanished
// keeps the title recorded in its metadata, or falls back to the doc id.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, tagFilter []string) ([]Retrieved, error) {
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "knowledge.search")
	defer span.End()

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		err = fmt.Errorf("embed query: %w", err)
		r.tracer.RecordError(span, err)
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vector for query")
	}

	results, err := r.vectors.Search(ctx, embeddings[0], topK, tagFilter)
	if err != nil {
		err = fmt.Errorf("vector search: %w", err)
		r.tracer.RecordError(span, err)
		return nil, err
	}
	r.tracer.SetAttributes(span, "knowledge.top_k", topK, "knowledge.hits", len(results))

	titles := make(map[string]string)
	retrieved := make([]Retrieved, 0, len(results))
	for _, res := range results {
		docID := res.Chunk.DocumentID
		title, ok := titles[docID]
		if !ok {
			title = r.lookupTitle(ctx, docID, res.Chunk.Metadata)
			titles[docID] = title
		}
		retrieved = append(retrieved, Retrieved{
			Chunk:   res.Chunk.Content,
			Score:   res.Score,
			Title:   title,
			DocID:   docID,
			ChunkID: res.Chunk.ID,
		})
	}

	if r.metrics != nil {
		r.metrics.RecordKnowledgeSearch(time.Since(start).Seconds())
	}
	return retrieved, nil
}

func (r *Retriever) lookupTitle(ctx context.Context, docID string, meta map[string]any) string {
	doc, err := r.docs.GetDocument(ctx, docID)
	if err == nil {
		return doc.Title
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("title lookup failed", "document_id", docID, "error", err)
	}
	if title, ok := meta["document_title"].(string); ok && title != "" {
		return title
	}
	return docID
}
