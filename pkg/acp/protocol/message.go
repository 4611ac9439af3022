package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the semantic kind of a stream envelope.
type MessageType string

const (
	MessageTypeTurnStart         MessageType = "turn_start"
	MessageTypeTurnComplete      MessageType = "turn_complete"
	MessageTypeReasoningDelta    MessageType = "reasoning_delta"
	MessageTypeReasoningFinal    MessageType = "reasoning_final"
	MessageTypeReasoningBreak    MessageType = "reasoning_section_break"
	MessageTypeMessageDelta      MessageType = "message_delta"
	MessageTypeMessageFinal      MessageType = "message_final"
	MessageTypeToolCallBegin     MessageType = "tool_call_begin"
	MessageTypeToolCallUpdate    MessageType = "tool_call_update"
	MessageTypeToolCallEnd       MessageType = "tool_call_end"
	MessageTypePermissionRequest MessageType = "permission_request"
	MessageTypeElicitation       MessageType = "elicitation_request"
	MessageTypeSessionConfigured MessageType = "session_configured"
	MessageTypeStreamError       MessageType = "stream_error"
	MessageTypeProcessExit       MessageType = "process_exit"
	MessageTypePassthrough       MessageType = "passthrough"
)

// AllMessageTypes lists every envelope kind the router and composer can
// produce. Tests use it to keep downstream switches exhaustive.
var AllMessageTypes = []MessageType{
	MessageTypeTurnStart,
	MessageTypeTurnComplete,
	MessageTypeReasoningDelta,
	MessageTypeReasoningFinal,
	MessageTypeReasoningBreak,
	MessageTypeMessageDelta,
	MessageTypeMessageFinal,
	MessageTypeToolCallBegin,
	MessageTypeToolCallUpdate,
	MessageTypeToolCallEnd,
	MessageTypePermissionRequest,
	MessageTypeElicitation,
	MessageTypeSessionConfigured,
	MessageTypeStreamError,
	MessageTypeProcessExit,
	MessageTypePassthrough,
}

// Message is the envelope delivered to the message sink. Persist marks
// envelopes whose content is the terminal representation of a message;
// live-only partials carry Persist=false and are never written to storage.
type Message struct {
	Type           MessageType            `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	MsgID          string                 `json:"msg_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data"`
	Persist        bool                   `json:"persist"`
}

// NewMessage creates a new envelope with the current timestamp.
func NewMessage(msgType MessageType, conversationID, msgID string, data map[string]interface{}, persist bool) *Message {
	return &Message{
		Type:           msgType,
		ConversationID: conversationID,
		MsgID:          msgID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
		Persist:        persist,
	}
}

// MarshalJSON implements custom JSON marshaling
func (m *Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
	})
}

// Parse parses a JSON string into an envelope
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsValid checks if the envelope has required fields
func (m *Message) IsValid() bool {
	if m.Type == "" {
		return false
	}
	if m.ConversationID == "" {
		return false
	}
	if m.MsgID == "" {
		return false
	}
	return true
}
