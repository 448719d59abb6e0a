package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

type pgConversationStore struct {
	db *sql.DB
}

func (s *pgConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, model_id, channel, message_count, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		conv.ID, conv.UserID, conv.Title, conv.ModelID, conv.Channel, conv.MessageCount, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *pgConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var conv *models.Conversation
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, title, model_id, channel, message_count, created_at, updated_at, deleted_at
			 FROM conversations WHERE id = $1 AND deleted_at IS NULL`, id)
		var err error
		conv, err = scanConversation(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *pgConversationStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []*models.Conversation
	var total int
	err := withReadRetry(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM conversations WHERE user_id = $1 AND deleted_at IS NULL`, userID,
		).Scan(&total); err != nil {
			return fmt.Errorf("count conversations: %w", err)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, user_id, title, model_id, channel, message_count, created_at, updated_at, deleted_at
			 FROM conversations WHERE user_id = $1 AND deleted_at IS NULL
			 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Conversation
		for rows.Next() {
			conv, err := scanConversation(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, conv)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *pgConversationStore) Update(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title=$2, model_id=$3, channel=$4, updated_at=$5 WHERE id=$1 AND deleted_at IS NULL`,
		conv.ID, conv.Title, conv.ModelID, conv.Channel, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireRow(res)
}

func (s *pgConversationStore) SoftDelete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *pgConversationStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message is required")
	}
	meta, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer rollbackQuiet(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`,
		msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("bump conversation: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, token_count, turn_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, meta, msg.TokenCount, msg.TurnID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (s *pgConversationStore) Messages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	query := `SELECT id, conversation_id, role, content, metadata, token_count, turn_id, created_at
	          FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		// Keep the most recent tail while preserving ascending order.
		query = `SELECT id, conversation_id, role, content, metadata, token_count, turn_id, created_at FROM (
		           SELECT id, conversation_id, role, content, metadata, token_count, turn_id, created_at
		           FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
		         ) tail ORDER BY created_at, id`
		args = append(args, limit)
	}
	var out []*models.Message
	err := withReadRetry(ctx, func() error {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Message
		for rows.Next() {
			var m models.Message
			var meta []byte
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &m.TokenCount, &m.TurnID, &m.CreatedAt); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			if m.Metadata, err = unmarshalMap(meta); err != nil {
				return fmt.Errorf("unmarshal message metadata: %w", err)
			}
			scanned = append(scanned, &m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var deletedAt sql.NullTime
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.ModelID, &conv.Channel,
		&conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		conv.DeletedAt = &t
	}
	return &conv, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgAuditStore struct {
	db *sql.DB
}

func (s *pgAuditStore) Append(ctx context.Context, event *models.AuditEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("event is required")
	}
	detail, err := marshalJSON(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, type, user_id, conversation_id, action, detail, risk_level)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.ID, event.Timestamp, event.Type, event.UserID,
		nullString(event.ConversationID), event.Action, detail, nullString(string(event.RiskLevel)))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *pgAuditStore) Query(ctx context.Context, q AuditQuery) ([]*models.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	where := "1=1"
	args := []any{}
	idx := 1
	if q.UserID != "" {
		where += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, q.UserID)
		idx++
	}
	if q.ConversationID != "" {
		where += fmt.Sprintf(" AND conversation_id = $%d", idx)
		args = append(args, q.ConversationID)
		idx++
	}
	if q.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, q.Type)
		idx++
	}
	if !q.Since.IsZero() {
		where += fmt.Sprintf(" AND ts >= $%d", idx)
		args = append(args, q.Since)
		idx++
	}
	args = append(args, limit)
	var out []*models.AuditEvent
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, ts, type, user_id, conversation_id, action, detail, risk_level
			 FROM audit_events WHERE %s ORDER BY ts DESC LIMIT $%d`, where, idx), args...)
		if err != nil {
			return fmt.Errorf("query audit events: %w", err)
		}
		defer rows.Close()
		var scanned []*models.AuditEvent
		for rows.Next() {
			var e models.AuditEvent
			var convID, risk sql.NullString
			var detail []byte
			if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.UserID, &convID, &e.Action, &detail, &risk); err != nil {
				return fmt.Errorf("scan audit event: %w", err)
			}
			e.ConversationID = convID.String
			e.RiskLevel = models.RiskLevel(risk.String)
			if e.Detail, err = unmarshalMap(detail); err != nil {
				return fmt.Errorf("unmarshal audit detail: %w", err)
			}
			scanned = append(scanned, &e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgAuditStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type pgUserMemoryStore struct {
	db *sql.DB
}

func (s *pgUserMemoryStore) Create(ctx context.Context, mem *models.UserMemory) error {
	if mem == nil || mem.ID == "" || mem.UserID == "" {
		return fmt.Errorf("memory is required")
	}
	meta, err := marshalJSON(mem.Metadata)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_memories (id, user_id, content, category, source, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		mem.ID, mem.UserID, mem.Content, mem.Category, mem.Source, meta, mem.CreatedAt, mem.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create memory: %w", err)
	}
	return nil
}

func (s *pgUserMemoryStore) Get(ctx context.Context, userID, id string) (*models.UserMemory, error) {
	var mem models.UserMemory
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, content, category, source, metadata, created_at, updated_at
			 FROM user_memories WHERE id = $1 AND user_id = $2`, id, userID)
		var meta []byte
		if err := row.Scan(&mem.ID, &mem.UserID, &mem.Content, &mem.Category, &mem.Source, &meta, &mem.CreatedAt, &mem.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("get memory: %w", err)
		}
		var err error
		if mem.Metadata, err = unmarshalMap(meta); err != nil {
			return fmt.Errorf("unmarshal memory metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mem, nil
}

func (s *pgUserMemoryStore) List(ctx context.Context, userID string, category models.MemoryCategory) ([]*models.UserMemory, error) {
	query := `SELECT id, user_id, content, category, source, metadata, created_at, updated_at
	          FROM user_memories WHERE user_id = $1`
	args := []any{userID}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY created_at`
	var out []*models.UserMemory
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list memories: %w", err)
		}
		defer rows.Close()
		var scanned []*models.UserMemory
		for rows.Next() {
			var mem models.UserMemory
			var meta []byte
			if err := rows.Scan(&mem.ID, &mem.UserID, &mem.Content, &mem.Category, &mem.Source, &meta, &mem.CreatedAt, &mem.UpdatedAt); err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
			if mem.Metadata, err = unmarshalMap(meta); err != nil {
				return fmt.Errorf("unmarshal memory metadata: %w", err)
			}
			scanned = append(scanned, &mem)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgUserMemoryStore) Update(ctx context.Context, mem *models.UserMemory) error {
	if mem == nil || mem.ID == "" {
		return fmt.Errorf("memory is required")
	}
	meta, err := marshalJSON(mem.Metadata)
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_memories SET content=$3, category=$4, source=$5, metadata=$6, updated_at=$7
		 WHERE id=$1 AND user_id=$2`,
		mem.ID, mem.UserID, mem.Content, mem.Category, mem.Source, meta, mem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return requireRow(res)
}

func (s *pgUserMemoryStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_memories WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return requireRow(res)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
