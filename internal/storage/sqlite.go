package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	msg_id          TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	type            TEXT NOT NULL,
	data            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at);
`

// SQLiteStore is a MessageStore backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert inserts or overwrites by msg id.
func (s *SQLiteStore) Upsert(ctx context.Context, msg *StoredMessage) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal message data: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (msg_id, conversation_id, type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		msg.MsgID, msg.ConversationID, msg.Type, string(data), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.MsgID, err)
	}
	return nil
}

// Get returns a record by msg id.
func (s *SQLiteStore) Get(ctx context.Context, msgID string) (*StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT msg_id, conversation_id, type, data, created_at, updated_at
		FROM messages WHERE msg_id = ?`, msgID)
	return scanMessage(row)
}

// List returns a conversation's messages in creation order.
func (s *SQLiteStore) List(ctx context.Context, conversationID string, limit int) ([]*StoredMessage, error) {
	query := `
		SELECT msg_id, conversation_id, type, data, created_at, updated_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, msg_id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
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
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*StoredMessage, error) {
	var msg StoredMessage
	var data string
	err := row.Scan(&msg.MsgID, &msg.ConversationID, &msg.Type, &data, &msg.CreatedAt, &msg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &msg.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message data: %w", err)
	}
	return &msg, nil
}
