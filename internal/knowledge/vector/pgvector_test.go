package vector

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGVectorStoreSearch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	s := &PGVectorStore{db: db, dimension: 2}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "document_id", "content", "chunk_index", "metadata", "created_at", "similarity"}).
		AddRow("c1", "doc-1", "first", 0, `{"tags":["hr"]}`, now, 0.91).
		AddRow("c2", "doc-1", "second", 1, `{}`, now, 0.42)
	mock.ExpectQuery("SELECT id, document_id, content, chunk_index, metadata, created_at").
		WithArgs("[1,0]", 5).
		WillReturnRows(rows)

	results, err := s.Search(context.Background(), []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Chunk.ID != "c1" || results[0].Score != 0.91 {
		t.Errorf("top result = %s score %v, want c1 score 0.91", results[0].Chunk.ID, results[0].Score)
	}
	if got := chunkTags(results[0].Chunk.Metadata); len(got) != 1 || got[0] != "hr" {
		t.Errorf("metadata tags = %v, want [hr]", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPGVectorStoreSearchRejectsEmptyEmbedding(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	s := &PGVectorStore{db: db, dimension: 2}

	if _, err := s.Search(context.Background(), nil, 5, nil); err == nil {
		t.Fatal("expected error for empty query embedding")
	}
}

func TestPGVectorStoreDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	s := &PGVectorStore{db: db, dimension: 2}

	mock.ExpectExec("DELETE FROM document_chunks WHERE document_id").
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := s.Delete(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
