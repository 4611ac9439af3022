package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	msg_id          TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	type            TEXT NOT NULL,
	data            JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
`

// PostgresStore is a MessageStore backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database given by dsn and migrates the
// schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Upsert inserts or overwrites by msg id.
func (s *PostgresStore) Upsert(ctx context.Context, msg *StoredMessage) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal message data: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (msg_id, conversation_id, type, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (msg_id) DO UPDATE SET
			type = EXCLUDED.type,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		msg.MsgID, msg.ConversationID, msg.Type, data, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.MsgID, err)
	}
	return nil
}

// Get returns a record by msg id.
func (s *PostgresStore) Get(ctx context.Context, msgID string) (*StoredMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT msg_id, conversation_id, type, data, created_at, updated_at
		FROM messages WHERE msg_id = $1`, msgID)

	msg, err := scanPostgresMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// List returns a conversation's messages in creation order.
func (s *PostgresStore) List(ctx context.Context, conversationID string, limit int) ([]*StoredMessage, error) {
	query := `
		SELECT msg_id, conversation_id, type, data, created_at, updated_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC, msg_id ASC`

	rows, err := s.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*StoredMessage
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// A limit returns the most recent messages, not the oldest.
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteConversation removes all records of a conversation.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresMessage(row pgx.Row) (*StoredMessage, error) {
	var msg StoredMessage
	var data []byte
	err := row.Scan(&msg.MsgID, &msg.ConversationID, &msg.Type, &data, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if err := json.Unmarshal(data, &msg.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message data: %w", err)
	}
	return &msg, nil
}
