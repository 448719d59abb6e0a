// Package knowledge implements the document indexing and retrieval
// pipeline: chunking, embedding, vector storage and query-time retrieval.
package knowledge

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/models"
)

// Chunker splits document content into embeddable pieces.
type Chunker interface {
	// Chunk splits a document into chunks with dense indexes starting at 0.
	Chunk(doc *models.KnowledgeDocument) []*models.DocumentChunk

	// Name returns the chunker name for logging.
	Name() string
}

// ChunkerConfig contains common configuration for chunkers.
type ChunkerConfig struct {
	// ChunkSize is the window size in characters. Default: 500.
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the number of characters shared between adjacent
	// chunks. Default: 50.
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// DefaultChunkerConfig returns the default chunking parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    500,
		ChunkOverlap: 50,
	}
}

// SlidingWindowChunker cuts content into fixed-size windows that overlap
// by a fixed amount, so the window advances by size-overlap characters.
type SlidingWindowChunker struct {
	config ChunkerConfig
}

// NewSlidingWindowChunker creates a chunker, replacing out-of-range
// parameters with defaults.
func NewSlidingWindowChunker(cfg ChunkerConfig) *SlidingWindowChunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkerConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkerConfig().ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	return &SlidingWindowChunker{config: cfg}
}

// Name returns the chunker name.
func (c *SlidingWindowChunker) Name() string {
	return "sliding_window"
}

// Chunk splits the document content over rune boundaries. A document
// shorter than one window yields exactly one chunk; empty content yields
// none.
func (c *SlidingWindowChunker) Chunk(doc *models.KnowledgeDocument) []*models.DocumentChunk {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}

	runes := []rune(doc.Content)
	step := c.config.ChunkSize - c.config.ChunkOverlap
	now := time.Now()

	var chunks []*models.DocumentChunk
	for start := 0; start < len(runes); start += step {
		end := start + c.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, &models.DocumentChunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Content:    string(runes[start:end]),
			ChunkIndex: len(chunks),
			Metadata:   buildChunkMetadata(doc),
			CreatedAt:  now,
		})

		if end == len(runes) {
			break
		}
	}
	return chunks
}

// buildChunkMetadata carries the parent document's title and tags onto
// each chunk so that search results can be filtered and attributed
// without a join.
func buildChunkMetadata(doc *models.KnowledgeDocument) map[string]any {
	meta := map[string]any{
		"document_title": doc.Title,
	}
	if len(doc.Tags) > 0 {
		meta["tags"] = doc.Tags
	}
	return meta
}
