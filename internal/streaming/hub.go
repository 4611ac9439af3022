// Package streaming fans composed stream envelopes out to websocket
// clients, keyed by conversation id.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/relay"
	"github.com/agentwire/agentwire/pkg/acp/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is same-origin or reverse-proxied; origin policy belongs there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks websocket clients and their conversation subscriptions. Each
// subscribed conversation holds one relay listener feeding all of its
// clients.
type Hub struct {
	relay  *relay.Relay
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	subs    map[string]map[*Client]bool
	feeds   map[string]func() // relay listener removers per conversation
}

// NewHub creates a hub broadcasting from the given relay.
func NewHub(r *relay.Relay, log *logger.Logger) *Hub {
	return &Hub{
		relay:   r,
		logger:  log.WithFields(zap.String("component", "streaming-hub")),
		clients: make(map[*Client]bool),
		subs:    make(map[string]map[*Client]bool),
		feeds:   make(map[string]func()),
	}
}

// ServeWS upgrades an HTTP request and runs the client until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		conversations: make(map[string]bool),
		logger:        h.logger,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.WritePump()
	go client.ReadPump()
}

// Unregister removes a client and all of its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for conversationID, clients := range h.subs {
		if clients[c] {
			delete(clients, c)
			h.dropEmptyFeedLocked(conversationID)
		}
	}
}

// SubscribeClient adds a client to a conversation's broadcast set and
// installs the relay feed on first subscriber.
func (h *Hub) SubscribeClient(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*Client]bool)
	}
	h.subs[conversationID][c] = true

	if _, ok := h.feeds[conversationID]; !ok {
		h.feeds[conversationID] = h.relay.AddListener(conversationID, func(msg *protocol.Message) {
			h.broadcast(conversationID, msg)
		})
	}
}

// UnsubscribeClient removes a client from a conversation's broadcast set.
func (h *Hub) UnsubscribeClient(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.subs[conversationID]; ok {
		delete(clients, c)
		h.dropEmptyFeedLocked(conversationID)
	}
}

func (h *Hub) dropEmptyFeedLocked(conversationID string) {
	if len(h.subs[conversationID]) > 0 {
		return
	}
	delete(h.subs, conversationID)
	if remove, ok := h.feeds[conversationID]; ok {
		remove()
		delete(h.feeds, conversationID)
	}
}

func (h *Hub) broadcast(conversationID string, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.subs[conversationID]))
	for c := range h.subs[conversationID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.Send(data) {
			h.logger.Warn("dropping envelope for slow client",
				zap.String("conversation_id", conversationID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
