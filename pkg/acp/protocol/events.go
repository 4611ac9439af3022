package protocol

import "encoding/json"

// ToolKind classifies a tool call by the capability it exercises.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindMCP     ToolKind = "mcp"
	ToolKindOther   ToolKind = "other"
)

// ParseToolKind maps a wire kind string to a ToolKind, defaulting to other.
func ParseToolKind(s string) ToolKind {
	switch ToolKind(s) {
	case ToolKindRead, ToolKindEdit, ToolKindDelete, ToolKindMove,
		ToolKindSearch, ToolKindExecute, ToolKindThink, ToolKindFetch, ToolKindMCP:
		return ToolKind(s)
	default:
		return ToolKindOther
	}
}

// Event is the closed set of semantic events the router produces. Each
// inbound frame maps to exactly one event; unrecognized methods become a
// Passthrough rather than being dropped.
type Event interface {
	EventType() MessageType
}

// TurnStart marks the beginning of a streaming turn.
type TurnStart struct {
	SessionID string
}

// TurnComplete marks the end of a streaming turn.
type TurnComplete struct {
	SessionID  string
	StopReason string
}

// ReasoningDelta carries an incremental chunk of the agent's thinking text.
type ReasoningDelta struct {
	SessionID string
	Text      string
}

// ReasoningFinal carries the complete reasoning text for the current
// section.
type ReasoningFinal struct {
	SessionID string
	Text      string
}

// ReasoningSectionBreak resets accumulated reasoning without removing
// anything already displayed.
type ReasoningSectionBreak struct {
	SessionID string
}

// MessageDelta carries an incremental chunk of the agent's reply.
type MessageDelta struct {
	SessionID string
	Text      string
}

// MessageFinal carries the complete text of the agent's reply.
type MessageFinal struct {
	SessionID string
	Text      string
}

// ToolCallBegin announces a new tool invocation.
type ToolCallBegin struct {
	SessionID string
	CallID    string
	Kind      ToolKind
	Title     string
	Status    string
	Raw       json.RawMessage
}

// ToolCallDelta carries a non-terminal update to a running tool call.
type ToolCallDelta struct {
	SessionID string
	CallID    string
	Status    string
	Raw       json.RawMessage
}

// ToolCallEnd carries the terminal update of a tool call.
type ToolCallEnd struct {
	SessionID string
	CallID    string
	Status    string
	Raw       json.RawMessage
}

// PermissionRequest asks the human to approve or deny a tool call. CallID is
// the external call id the decision must be routed back under.
type PermissionRequest struct {
	SessionID string
	CallID    string
	RPCID     interface{}
	Title     string
	Kind      ToolKind
	Options   []PermissionChoice
	Raw       json.RawMessage
}

// PermissionChoice is one selectable outcome of a permission request.
type PermissionChoice struct {
	OptionID string
	Name     string
	Kind     string
}

// ElicitationRequest asks the human for free-form input before the agent
// may proceed.
type ElicitationRequest struct {
	SessionID string
	CallID    string
	RPCID     interface{}
	Prompt    string
	Raw       json.RawMessage
}

// SessionConfigured reports session-level mode or capability changes.
type SessionConfigured struct {
	SessionID string
	Raw       json.RawMessage
}

// StreamError surfaces a request failure into the event stream.
type StreamError struct {
	SessionID string
	Method    string
	Message   string
}

// ProcessExit reports the agent subprocess terminating.
type ProcessExit struct {
	SessionID string
	Code      int
}

// Passthrough wraps a frame whose method the router does not recognize.
type Passthrough struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

func (TurnStart) EventType() MessageType             { return MessageTypeTurnStart }
func (TurnComplete) EventType() MessageType          { return MessageTypeTurnComplete }
func (ReasoningDelta) EventType() MessageType        { return MessageTypeReasoningDelta }
func (ReasoningFinal) EventType() MessageType        { return MessageTypeReasoningFinal }
func (ReasoningSectionBreak) EventType() MessageType { return MessageTypeReasoningBreak }
func (MessageDelta) EventType() MessageType          { return MessageTypeMessageDelta }
func (MessageFinal) EventType() MessageType          { return MessageTypeMessageFinal }
func (ToolCallBegin) EventType() MessageType         { return MessageTypeToolCallBegin }
func (ToolCallDelta) EventType() MessageType         { return MessageTypeToolCallUpdate }
func (ToolCallEnd) EventType() MessageType           { return MessageTypeToolCallEnd }
func (PermissionRequest) EventType() MessageType     { return MessageTypePermissionRequest }
func (ElicitationRequest) EventType() MessageType    { return MessageTypeElicitation }
func (SessionConfigured) EventType() MessageType     { return MessageTypeSessionConfigured }
func (StreamError) EventType() MessageType           { return MessageTypeStreamError }
func (ProcessExit) EventType() MessageType           { return MessageTypeProcessExit }
func (Passthrough) EventType() MessageType           { return MessageTypePassthrough }
