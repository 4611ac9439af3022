// Package relay distributes composed stream envelopes: terminal envelopes
// are persisted, every envelope is published on the event bus and handed to
// in-process listeners for websocket fan-out.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/events/bus"
	"github.com/agentwire/agentwire/internal/storage"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

const bufferSize = 100

// SubjectFor returns the bus subject carrying a conversation's envelopes.
func SubjectFor(conversationID string) string {
	return "conversation." + conversationID + ".message"
}

// Listener receives every envelope of a conversation, live ones included.
type Listener func(msg *protocol.Message)

// Relay implements compose.Sink. Persisting and publishing are both
// best-effort independent of each other: a bus outage never blocks
// storage and vice versa.
type Relay struct {
	store    storage.MessageStore
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.RWMutex
	buffers map[string][]*protocol.Message

	listenerMu sync.RWMutex
	listeners  map[string]map[int]Listener
	nextID     int
}

// NewRelay creates a relay over the given store and bus.
func NewRelay(store storage.MessageStore, eventBus bus.EventBus, log *logger.Logger) *Relay {
	return &Relay{
		store:     store,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "relay")),
		buffers:   make(map[string][]*protocol.Message),
		listeners: make(map[string]map[int]Listener),
	}
}

// Deliver stores terminal envelopes, buffers for late subscribers, publishes
// on the bus and notifies listeners.
func (r *Relay) Deliver(ctx context.Context, msg *protocol.Message) error {
	if msg.Persist {
		record := &storage.StoredMessage{
			MsgID:          msg.MsgID,
			ConversationID: msg.ConversationID,
			Type:           string(msg.Type),
			Data:           msg.Data,
			CreatedAt:      msg.Timestamp,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := r.store.Upsert(ctx, record); err != nil {
			r.logger.Error("persist envelope",
				zap.String("msg_id", msg.MsgID),
				zap.String("conversation_id", msg.ConversationID),
				zap.Error(err))
			return err
		}
	}

	r.buffer(msg)

	if r.eventBus != nil {
		event := bus.NewEvent(string(msg.Type), "relay", map[string]interface{}{
			"message": msg,
		})
		if err := r.eventBus.Publish(ctx, SubjectFor(msg.ConversationID), event); err != nil {
			r.logger.Warn("publish envelope", zap.Error(err))
		}
	}

	// Listeners run outside the lock so they may add or remove
	// subscriptions from their callback.
	r.listenerMu.RLock()
	subs := make([]Listener, 0, len(r.listeners[msg.ConversationID]))
	for _, l := range r.listeners[msg.ConversationID] {
		subs = append(subs, l)
	}
	r.listenerMu.RUnlock()
	for _, l := range subs {
		l(msg)
	}

	return nil
}

func (r *Relay) buffer(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := append(r.buffers[msg.ConversationID], msg)
	if len(buf) > bufferSize {
		buf = buf[len(buf)-bufferSize:]
	}
	r.buffers[msg.ConversationID] = buf
}

// AddListener subscribes to a conversation's live envelopes. The returned
// function removes the subscription.
func (r *Relay) AddListener(conversationID string, l Listener) func() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	id := r.nextID
	r.nextID++
	if r.listeners[conversationID] == nil {
		r.listeners[conversationID] = make(map[int]Listener)
	}
	r.listeners[conversationID][id] = l

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.listeners[conversationID], id)
		if len(r.listeners[conversationID]) == 0 {
			delete(r.listeners, conversationID)
		}
	}
}

// Recent returns the last envelopes buffered for a conversation, live
// partials included. limit <= 0 returns the whole buffer.
func (r *Relay) Recent(conversationID string, limit int) []*protocol.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buf := r.buffers[conversationID]
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	out := make([]*protocol.Message, len(buf))
	copy(out, buf)
	return out
}

// History returns a conversation's persisted messages in creation order.
func (r *Relay) History(ctx context.Context, conversationID string, limit int) ([]*storage.StoredMessage, error) {
	return r.store.List(ctx, conversationID, limit)
}

// CleanupConversation drops buffers and listeners for a closed conversation.
// Stored history is kept.
func (r *Relay) CleanupConversation(conversationID string) {
	r.mu.Lock()
	delete(r.buffers, conversationID)
	r.mu.Unlock()

	r.listenerMu.Lock()
	delete(r.listeners, conversationID)
	r.listenerMu.Unlock()
}
