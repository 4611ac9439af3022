package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory MessageStore for tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*StoredMessage // msg_id -> record
	byConv   map[string][]string       // conversation_id -> msg_ids in insert order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*StoredMessage),
		byConv:   make(map[string][]string),
	}
}

// Upsert inserts or overwrites by msg id.
func (s *MemoryStore) Upsert(ctx context.Context, msg *StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.messages[msg.MsgID]; ok {
		existing.Type = msg.Type
		existing.Data = msg.Data
		existing.UpdatedAt = now
		return nil
	}

	stored := &StoredMessage{
		MsgID:          msg.MsgID,
		ConversationID: msg.ConversationID,
		Type:           msg.Type,
		Data:           msg.Data,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.messages[msg.MsgID] = stored
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.MsgID)
	return nil
}

// Get returns a record by msg id.
func (s *MemoryStore) Get(ctx context.Context, msgID string) (*StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[msgID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

// List returns a conversation's messages in creation order.
func (s *MemoryStore) List(ctx context.Context, conversationID string, limit int) ([]*StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]*StoredMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			copied := *msg
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteConversation removes all records of a conversation.
func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byConv[conversationID] {
		delete(s.messages, id)
	}
	delete(s.byConv, conversationID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
