// Package storage persists the terminal representation of streamed
// messages. Only finalized envelopes reach a store; live partials never do.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message id has no stored record.
var ErrNotFound = errors.New("message not found")

// StoredMessage is one durable message record. MsgID is the upsert key: a
// finalized message persisted twice overwrites its content rather than
// duplicating the row.
type StoredMessage struct {
	MsgID          string                 `json:"msg_id"`
	ConversationID string                 `json:"conversation_id"`
	Type           string                 `json:"type"`
	Data           map[string]interface{} `json:"data"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// MessageStore is the durable message sink.
type MessageStore interface {
	// Upsert inserts or overwrites the record with msg.MsgID.
	Upsert(ctx context.Context, msg *StoredMessage) error
	// Get returns the record for a message id, or ErrNotFound.
	Get(ctx context.Context, msgID string) (*StoredMessage, error)
	// List returns a conversation's messages in creation order. limit <= 0
	// means no limit.
	List(ctx context.Context, conversationID string, limit int) ([]*StoredMessage, error)
	// DeleteConversation removes all records of a conversation.
	DeleteConversation(ctx context.Context, conversationID string) error
	Close() error
}
