package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fireflydesk/flydesk/internal/models"
)

// SQLiteStore keeps chunks in a SQLite file with embeddings stored as
// little-endian float32 blobs. Similarity is computed in Go, so searches
// scan the whole table; fine for single-node installs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path
// selects an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create document_chunks table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id)`); err != nil {
		return fmt.Errorf("create document index: %w", err)
	}
	return nil
}

// Store replaces the chunks of a document in one transaction.
func (s *SQLiteStore) Store(ctx context.Context, docID string, chunks []*models.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (id, document_id, content, chunk_index, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = time.Now()
		}

		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			chunk.ID, docID, chunk.Content, chunk.ChunkIndex,
			string(metadata), encodeBlobEmbedding(chunk.Embedding), chunk.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

// Search scans stored chunks and scores each against the query in Go.
func (s *SQLiteStore) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, content, chunk_index, metadata, embedding, created_at
		FROM document_chunks
	`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var chunk models.DocumentChunk
		var metadataJSON sql.NullString
		var blob []byte

		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Content, &chunk.ChunkIndex,
			&metadataJSON, &blob, &chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}

		if !matchesTagFilter(chunkTags(chunk.Metadata), tagFilter) {
			continue
		}

		score := CosineSimilarity(embedding, decodeBlobEmbedding(blob))
		if score <= 0 {
			continue
		}
		results = append(results, Result{Chunk: &chunk, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk rows: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes every chunk of a document.
func (s *SQLiteStore) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeBlobEmbedding packs float32s into little-endian IEEE 754 bytes.
func encodeBlobEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeBlobEmbedding is the inverse of encodeBlobEmbedding. Truncated
// blobs decode to nil.
func decodeBlobEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
