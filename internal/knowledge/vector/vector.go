// Package vector provides the chunk vector store abstraction with
// in-memory, pgvector and SQLite backends.
package vector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/fireflydesk/flydesk/internal/config"
	"github.com/fireflydesk/flydesk/internal/models"
)

// Store persists document chunks with their embeddings and serves
// similarity search. Store replaces any previously stored chunks of the
// document. Search returns results ordered by descending score with
// scores <= 0 omitted; results carry no embeddings.
type Store interface {
	Store(ctx context.Context, docID string, chunks []*models.DocumentChunk) error
	Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]Result, error)
	Delete(ctx context.Context, docID string) error
	Close() error
}

// Result is one similarity hit.
type Result struct {
	Chunk *models.DocumentChunk
	Score float32
}

// DefaultTopK bounds searches that pass a non-positive limit.
const DefaultTopK = 10

// New builds the configured backend. The pgvector backend reuses the
// given connection pool; chromadb and pinecone are accepted by config
// validation but have no implementation here.
func New(cfg config.VectorStoreConfig, dimension int, db *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("vector: pgvector backend requires a database connection")
		}
		return NewPGVectorStore(db, dimension)
	default:
		return nil, fmt.Errorf("vector: unsupported backend %q", cfg.Backend)
	}
}

// CosineSimilarity computes (a.b)/(|a||b|). Zero-magnitude or
// mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// chunkTags reads the parent document tags from chunk metadata. Tags
// arrive as []string when set in-process and as []any after a JSON
// round-trip.
func chunkTags(meta map[string]any) []string {
	raw, ok := meta["tags"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// matchesTagFilter reports whether a chunk with the given tags passes
// the filter. An empty filter passes everything; otherwise any shared
// tag qualifies.
func matchesTagFilter(tags, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range tags {
			if have == want {
				return true
			}
		}
	}
	return false
}
