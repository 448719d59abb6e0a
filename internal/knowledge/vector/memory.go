package vector

import (
	"context"
	"sort"
	"sync"

	"github.com/fireflydesk/flydesk/internal/models"
)

// MemoryStore keeps chunks in process memory. Suitable for dev mode and
// tests; everything is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	byDoc  map[string][]*models.DocumentChunk
	docIDs []string
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDoc: make(map[string][]*models.DocumentChunk)}
}

// Store replaces the chunks of a document.
func (s *MemoryStore) Store(ctx context.Context, docID string, chunks []*models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDoc[docID]; !ok {
		s.docIDs = append(s.docIDs, docID)
	}
	stored := make([]*models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		stored[i] = &cp
	}
	s.byDoc[docID] = stored
	return nil
}

// Search scans every stored chunk and scores it against the query.
func (s *MemoryStore) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Result
	for _, docID := range s.docIDs {
		for _, c := range s.byDoc[docID] {
			if !matchesTagFilter(chunkTags(c.Metadata), tagFilter) {
				continue
			}
			score := CosineSimilarity(embedding, c.Embedding)
			if score <= 0 {
				continue
			}
			cp := *c
			cp.Embedding = nil
			results = append(results, Result{Chunk: &cp, Score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes every chunk of a document.
func (s *MemoryStore) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDoc[docID]; !ok {
		return nil
	}
	delete(s.byDoc, docID)
	for i, id := range s.docIDs {
		if id == docID {
			s.docIDs = append(s.docIDs[:i], s.docIDs[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
