package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
	sendBuffer     = 256
)

// SubscriptionMessage is sent by clients to subscribe/unsubscribe.
type SubscriptionMessage struct {
	Action          string   `json:"action"` // subscribe, unsubscribe
	ConversationIDs []string `json:"conversation_ids"`
}

// Client is one websocket consumer of stream envelopes.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	conversations map[string]bool

	logger *logger.Logger
}

// ReadPump reads subscription commands from the connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, id := range subMsg.ConversationIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range subMsg.ConversationIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes envelopes and keepalive pings to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client. A full buffer drops the message
// rather than blocking the broadcaster.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close disconnects the client from the hub.
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// Subscribe subscribes the client to a conversation's envelopes.
func (c *Client) Subscribe(conversationID string) {
	c.mu.Lock()
	c.conversations[conversationID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, conversationID)
	c.logger.Debug("Subscribed to conversation", zap.String("conversation_id", conversationID))
}

// Unsubscribe removes the client's subscription to a conversation.
func (c *Client) Unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, conversationID)
	c.logger.Debug("Unsubscribed from conversation", zap.String("conversation_id", conversationID))
}

// IsSubscribed reports whether the client follows a conversation.
func (c *Client) IsSubscribed(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversations[conversationID]
}
