package protocol

import "encoding/json"

// NewTurnStartMessage announces a new streaming turn with its loading
// message id.
func NewTurnStartMessage(conversationID, loadingMsgID string) *Message {
	return NewMessage(MessageTypeTurnStart, conversationID, loadingMsgID, map[string]interface{}{
		"loading": true,
	}, false)
}

// NewTurnCompleteMessage marks the end of a streaming turn.
func NewTurnCompleteMessage(conversationID, msgID, stopReason string) *Message {
	return NewMessage(MessageTypeTurnComplete, conversationID, msgID, map[string]interface{}{
		"stop_reason": stopReason,
	}, false)
}

// NewReasoningMessage carries the full accumulated reasoning text under a
// fixed id so the UI replaces rather than appends.
func NewReasoningMessage(conversationID, msgID, content string, final bool) *Message {
	msgType := MessageTypeReasoningDelta
	if final {
		msgType = MessageTypeReasoningFinal
	}
	return NewMessage(msgType, conversationID, msgID, map[string]interface{}{
		"content": content,
	}, final)
}

// NewContentDeltaMessage carries a live partial of the agent's reply.
func NewContentDeltaMessage(conversationID, msgID, content string) *Message {
	return NewMessage(MessageTypeMessageDelta, conversationID, msgID, map[string]interface{}{
		"content": content,
	}, false)
}

// NewFinalMessage carries the terminal content of the agent's reply. It
// reuses the turn's loading message id so the placeholder is replaced in
// place.
func NewFinalMessage(conversationID, msgID, content string) *Message {
	return NewMessage(MessageTypeMessageFinal, conversationID, msgID, map[string]interface{}{
		"content": content,
	}, true)
}

// NewToolCallMessage carries a tool-call record keyed by its external call
// id. Terminal updates persist; intermediate ones are live-only.
func NewToolCallMessage(msgType MessageType, conversationID, msgID, callID string, kind ToolKind, status string, raw json.RawMessage) *Message {
	var detail interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &detail)
	}
	return NewMessage(msgType, conversationID, msgID, map[string]interface{}{
		"call_id": callID,
		"kind":    string(kind),
		"status":  status,
		"detail":  detail,
	}, msgType == MessageTypeToolCallEnd)
}

// NewPermissionMessage surfaces a pending human decision to the UI.
func NewPermissionMessage(conversationID, msgID, callID, title string, options []PermissionChoice) *Message {
	opts := make([]interface{}, 0, len(options))
	for _, o := range options {
		opts = append(opts, map[string]interface{}{
			"option_id": o.OptionID,
			"name":      o.Name,
			"kind":      o.Kind,
		})
	}
	return NewMessage(MessageTypePermissionRequest, conversationID, msgID, map[string]interface{}{
		"call_id": callID,
		"title":   title,
		"options": opts,
	}, false)
}

// NewElicitationMessage surfaces a pending input request to the UI.
func NewElicitationMessage(conversationID, msgID, callID, prompt string) *Message {
	return NewMessage(MessageTypeElicitation, conversationID, msgID, map[string]interface{}{
		"call_id": callID,
		"prompt":  prompt,
	}, false)
}

// NewStreamErrorMessage surfaces a request failure into the live stream.
func NewStreamErrorMessage(conversationID, msgID, method, errText string) *Message {
	return NewMessage(MessageTypeStreamError, conversationID, msgID, map[string]interface{}{
		"method": method,
		"error":  errText,
	}, false)
}

// NewProcessExitMessage reports the agent subprocess terminating.
func NewProcessExitMessage(conversationID, msgID string, code int) *Message {
	return NewMessage(MessageTypeProcessExit, conversationID, msgID, map[string]interface{}{
		"exit_code": code,
	}, false)
}

// NewPassthroughMessage wraps an unrecognized frame for best-effort
// downstream handling.
func NewPassthroughMessage(conversationID, msgID, method string, params json.RawMessage) *Message {
	var detail interface{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &detail)
	}
	return NewMessage(MessageTypePassthrough, conversationID, msgID, map[string]interface{}{
		"method": method,
		"params": detail,
	}, false)
}
