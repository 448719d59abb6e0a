package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pq "github.com/lib/pq"

	"github.com/fireflydesk/flydesk/internal/models"
)

// PGVectorStore keeps chunks in PostgreSQL with the pgvector extension.
// It borrows the caller's connection pool and never closes it.
type PGVectorStore struct {
	db        *sql.DB
	dimension int
}

// NewPGVectorStore creates the chunk table if needed and returns a store
// bound to the given pool.
func NewPGVectorStore(db *sql.DB, dimension int) (*PGVectorStore, error) {
	if dimension <= 0 {
		dimension = 1536
	}

	s := &PGVectorStore{db: db, dimension: dimension}
	if err := s.init(context.Background()); err != nil {
		return nil, fmt.Errorf("init pgvector store: %w", err)
	}
	return s, nil
}

func (s *PGVectorStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS document_chunks (
				id UUID PRIMARY KEY,
				document_id TEXT NOT NULL,
				content TEXT NOT NULL,
				chunk_index INTEGER NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				embedding vector(%d),
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Store replaces the chunks of a document in one transaction.
func (s *PGVectorStore) Store(ctx context.Context, docID string, chunks []*models.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_chunks (id, document_id, content, chunk_index, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
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
				string(metadata), encodePGEmbedding(chunk.Embedding), chunk.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert chunk %d: %w", chunk.ChunkIndex, err)
			}
		}
	}

	return tx.Commit()
}

// Search runs cosine similarity in the database. Scores of zero or below
// never leave the query.
func (s *PGVectorStore) Search(ctx context.Context, embedding []float32, topK int, tagFilter []string) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec := encodePGEmbedding(embedding)
	if !queryVec.Valid {
		return nil, fmt.Errorf("empty query embedding")
	}

	query := `
		SELECT id, document_id, content, chunk_index, metadata, created_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM document_chunks
		WHERE embedding IS NOT NULL
			AND (1 - (embedding <=> $1::vector)) > 0
	`
	args := []any{queryVec.String}
	argNum := 2

	if len(tagFilter) > 0 {
		query += fmt.Sprintf(" AND metadata->'tags' ?| $%d", argNum)
		args = append(args, pq.Array(tagFilter))
		argNum++
	}

	query += " ORDER BY embedding <=> $1::vector ASC"
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var chunk models.DocumentChunk
		var metadataJSON string
		var similarity float64

		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.Content, &chunk.ChunkIndex,
			&metadataJSON, &chunk.CreatedAt, &similarity,
		); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		results = append(results, Result{Chunk: &chunk, Score: float32(similarity)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return results, nil
}

// Delete removes every chunk of a document.
func (s *PGVectorStore) Delete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, docID)
	return err
}

// Close is a no-op; the pool belongs to the caller.
func (s *PGVectorStore) Close() error { return nil }

// encodePGEmbedding converts []float32 to the pgvector text format: [0.1,0.2,...]
func encodePGEmbedding(embedding []float32) sql.NullString {
	if len(embedding) == 0 {
		return sql.NullString{}
	}

	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')

	return sql.NullString{String: sb.String(), Valid: true}
}
