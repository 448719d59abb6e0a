package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fireflydesk/flydesk/internal/knowledge/vector"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/observability"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// ProcessTag marks documents produced by process discovery. The
// search_processes tool retrieves only documents carrying it.
const ProcessTag = "process"

// Indexer drives a document through the indexing lifecycle: chunk,
// embed, store vectors, publish. Failures park the document in the
// error status with the failure message recorded.
type Indexer struct {
	docs     storage.KnowledgeStore
	vectors  vector.Store
	embedder Embedder
	chunker  Chunker
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets the logger.
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(ix *Indexer) {
		if logger != nil {
			ix.logger = logger.With("component", "knowledge")
		}
	}
}

// WithIndexerChunker replaces the default sliding window chunker.
func WithIndexerChunker(c Chunker) IndexerOption {
	return func(ix *Indexer) {
		if c != nil {
			ix.chunker = c
		}
	}
}

// WithIndexerMetrics sets the metrics collector.
func WithIndexerMetrics(m *observability.Metrics) IndexerOption {
	return func(ix *Indexer) {
		ix.metrics = m
	}
}

// NewIndexer builds an indexer with the default chunker.
func NewIndexer(docs storage.KnowledgeStore, vectors vector.Store, embedder Embedder, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		chunker:  NewSlidingWindowChunker(DefaultChunkerConfig()),
		logger:   slog.Default().With("component", "knowledge"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexDocument chunks, embeds and stores one document. On success the
// document ends up published; on failure it ends up in the error status
// with the cause recorded as the status detail.
func (ix *Indexer) IndexDocument(ctx context.Context, docID string) error {
	doc, err := ix.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("get document %s: %w", docID, err)
	}

	if err := ix.docs.SetDocumentStatus(ctx, docID, models.DocumentIndexing, ""); err != nil {
		return fmt.Errorf("mark indexing: %w", err)
	}

	if err := ix.index(ctx, doc); err != nil {
		if statusErr := ix.docs.SetDocumentStatus(ctx, docID, models.DocumentError, err.Error()); statusErr != nil {
			ix.logger.Error("failed to record indexing error", "document_id", docID, "error", statusErr)
		}
		ix.logger.Error("indexing failed", "document_id", docID, "error", err)
		return err
	}

	if err := ix.docs.SetDocumentStatus(ctx, docID, models.DocumentPublished, ""); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (ix *Indexer) index(ctx context.Context, doc *models.KnowledgeDocument) error {
	chunks := ix.chunker.Chunk(doc)
	if len(chunks) == 0 {
		return fmt.Errorf("document has no indexable content")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}
	for i, c := range chunks {
		c.Embedding = embeddings[i]
	}

	if err := ix.vectors.Store(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}

	if ix.metrics != nil {
		ix.metrics.RecordChunksIndexed(len(chunks))
	}
	ix.logger.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks))
	return nil
}

// DeleteDocument removes a document and its chunks. Vector removal runs
// first so a failure never leaves orphaned chunks behind a deleted
// document row.
func (ix *Indexer) DeleteDocument(ctx context.Context, docID string) error {
	if err := ix.vectors.Delete(ctx, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := ix.docs.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ReindexTag re-indexes every document carrying the given tag. It keeps
// going past per-document failures and reports them together.
func (ix *Indexer) ReindexTag(ctx context.Context, tag string) (int, error) {
	docs, _, err := ix.docs.ListDocuments(ctx, storage.DocumentFilter{Tags: []string{tag}})
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}

	indexed := 0
	var firstErr error
	for _, doc := range docs {
		if err := ix.IndexDocument(ctx, doc.ID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("document %s: %w", doc.ID, err)
			}
			continue
		}
		indexed++
	}
	return indexed, firstErr
}
