package protocol

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/pkg/acp/jsonrpc"
)

// Codex-style event stream. One notification method carries a typed msg
// payload; the msg type is the discriminator.
const (
	MethodCodexEvent = "codex/event"

	codexTaskStarted           = "task_started"
	codexTaskComplete          = "task_complete"
	codexAgentMessage          = "agent_message"
	codexAgentMessageDelta     = "agent_message_delta"
	codexAgentReasoning        = "agent_reasoning"
	codexAgentReasoningDelta   = "agent_reasoning_delta"
	codexReasoningSectionBreak = "agent_reasoning_section_break"
	codexExecCommandBegin      = "exec_command_begin"
	codexExecCommandDelta      = "exec_command_output_delta"
	codexExecCommandEnd        = "exec_command_end"
	codexMcpToolCallBegin      = "mcp_tool_call_begin"
	codexMcpToolCallEnd        = "mcp_tool_call_end"
	codexSessionConfigured     = "session_configured"
	codexError                 = "error"
)

// ACP session/update discriminators.
const (
	updateAgentMessageChunk = "agent_message_chunk"
	updateAgentThoughtChunk = "agent_thought_chunk"
	updateToolCall          = "tool_call"
	updateToolCallUpdate    = "tool_call_update"
	updateCurrentMode       = "current_mode_update"
)

// Terminal tool-call statuses.
func toolCallFinished(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

// Router classifies inbound agent-originated frames into semantic events.
// It understands two vocabularies: ACP session/update notifications and the
// Codex event stream. Anything it does not recognize is forwarded as a
// Passthrough so downstream consumers can make a best-effort decision.
type Router struct {
	logger *logger.Logger
}

// NewRouter creates an event router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		logger: log.WithFields(zap.String("component", "event-router")),
	}
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type sessionUpdateBody struct {
	SessionUpdate string                `json:"sessionUpdate"`
	Content       *jsonrpc.ContentBlock `json:"content,omitempty"`
	ToolCallID    string                `json:"toolCallId,omitempty"`
	Title         string                `json:"title,omitempty"`
	Kind          string                `json:"kind,omitempty"`
	Status        string                `json:"status,omitempty"`
}

type codexEventParams struct {
	SessionID string          `json:"sessionId,omitempty"`
	Msg       json.RawMessage `json:"msg"`
}

type codexEventBody struct {
	Type    string `json:"type"`
	Delta   string `json:"delta,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Command string `json:"command,omitempty"`
	Status  string `json:"status,omitempty"`
}

// RouteNotification maps an agent notification to an event.
func (r *Router) RouteNotification(method string, params json.RawMessage) Event {
	switch method {
	case jsonrpc.NotificationSessionUpdate:
		return r.routeSessionUpdate(params)
	case MethodCodexEvent:
		return r.routeCodexEvent(params)
	default:
		r.logger.Debug("passing through unknown notification", zap.String("method", method))
		return Passthrough{Method: method, Params: params}
	}
}

// RouteRequest maps an agent-originated request to an event. The JSON-RPC
// id travels with the event so the eventual decision can be written back as
// a response.
func (r *Router) RouteRequest(rpcID interface{}, method string, params json.RawMessage) Event {
	switch method {
	case jsonrpc.MethodRequestPermission:
		var p jsonrpc.RequestPermissionParams
		if err := json.Unmarshal(params, &p); err != nil {
			r.logger.Warn("malformed permission request", zap.Error(err))
			return Passthrough{Method: method, Params: params}
		}
		options := make([]PermissionChoice, 0, len(p.Options))
		for _, o := range p.Options {
			options = append(options, PermissionChoice{OptionID: o.OptionID, Name: o.Name, Kind: o.Kind})
		}
		return PermissionRequest{
			SessionID: p.SessionID,
			CallID:    p.ToolCall.ToolCallID,
			RPCID:     rpcID,
			Title:     p.ToolCall.Title,
			Kind:      ParseToolKind(p.ToolCall.Kind),
			Options:   options,
			Raw:       params,
		}
	case jsonrpc.MethodRequestInput:
		var p jsonrpc.RequestInputParams
		if err := json.Unmarshal(params, &p); err != nil {
			r.logger.Warn("malformed input request", zap.Error(err))
			return Passthrough{Method: method, Params: params}
		}
		return ElicitationRequest{
			SessionID: p.SessionID,
			CallID:    p.CallID,
			RPCID:     rpcID,
			Prompt:    p.Message,
			Raw:       params,
		}
	default:
		r.logger.Debug("passing through unknown request", zap.String("method", method))
		return Passthrough{Method: method, Params: params}
	}
}

func (r *Router) routeSessionUpdate(params json.RawMessage) Event {
	var p sessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.logger.Warn("malformed session update", zap.Error(err))
		return Passthrough{Method: jsonrpc.NotificationSessionUpdate, Params: params}
	}
	var body sessionUpdateBody
	if err := json.Unmarshal(p.Update, &body); err != nil {
		r.logger.Warn("malformed session update body", zap.Error(err))
		return Passthrough{SessionID: p.SessionID, Method: jsonrpc.NotificationSessionUpdate, Params: params}
	}

	text := ""
	if body.Content != nil {
		text = body.Content.Text
	}

	switch body.SessionUpdate {
	case updateAgentMessageChunk:
		return MessageDelta{SessionID: p.SessionID, Text: text}
	case updateAgentThoughtChunk:
		return ReasoningDelta{SessionID: p.SessionID, Text: text}
	case updateToolCall:
		return ToolCallBegin{
			SessionID: p.SessionID,
			CallID:    body.ToolCallID,
			Kind:      ParseToolKind(body.Kind),
			Title:     body.Title,
			Status:    body.Status,
			Raw:       p.Update,
		}
	case updateToolCallUpdate:
		if toolCallFinished(body.Status) {
			return ToolCallEnd{SessionID: p.SessionID, CallID: body.ToolCallID, Status: body.Status, Raw: p.Update}
		}
		return ToolCallDelta{SessionID: p.SessionID, CallID: body.ToolCallID, Status: body.Status, Raw: p.Update}
	case updateCurrentMode:
		return SessionConfigured{SessionID: p.SessionID, Raw: p.Update}
	default:
		r.logger.Debug("passing through unknown session update",
			zap.String("sessionUpdate", body.SessionUpdate))
		return Passthrough{SessionID: p.SessionID, Method: jsonrpc.NotificationSessionUpdate, Params: params}
	}
}

func (r *Router) routeCodexEvent(params json.RawMessage) Event {
	var p codexEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.logger.Warn("malformed codex event", zap.Error(err))
		return Passthrough{Method: MethodCodexEvent, Params: params}
	}
	var body codexEventBody
	if err := json.Unmarshal(p.Msg, &body); err != nil {
		r.logger.Warn("malformed codex event body", zap.Error(err))
		return Passthrough{SessionID: p.SessionID, Method: MethodCodexEvent, Params: params}
	}

	switch body.Type {
	case codexTaskStarted:
		return TurnStart{SessionID: p.SessionID}
	case codexTaskComplete:
		return TurnComplete{SessionID: p.SessionID}
	case codexAgentMessageDelta:
		return MessageDelta{SessionID: p.SessionID, Text: body.Delta}
	case codexAgentMessage:
		return MessageFinal{SessionID: p.SessionID, Text: body.Message}
	case codexAgentReasoningDelta:
		return ReasoningDelta{SessionID: p.SessionID, Text: body.Delta}
	case codexAgentReasoning:
		return ReasoningFinal{SessionID: p.SessionID, Text: body.Text}
	case codexReasoningSectionBreak:
		return ReasoningSectionBreak{SessionID: p.SessionID}
	case codexExecCommandBegin:
		return ToolCallBegin{
			SessionID: p.SessionID,
			CallID:    body.CallID,
			Kind:      ToolKindExecute,
			Title:     body.Command,
			Status:    "in_progress",
			Raw:       p.Msg,
		}
	case codexExecCommandDelta:
		return ToolCallDelta{SessionID: p.SessionID, CallID: body.CallID, Status: "in_progress", Raw: p.Msg}
	case codexExecCommandEnd:
		return ToolCallEnd{SessionID: p.SessionID, CallID: body.CallID, Status: "completed", Raw: p.Msg}
	case codexMcpToolCallBegin:
		return ToolCallBegin{
			SessionID: p.SessionID,
			CallID:    body.CallID,
			Kind:      ToolKindMCP,
			Status:    "in_progress",
			Raw:       p.Msg,
		}
	case codexMcpToolCallEnd:
		return ToolCallEnd{SessionID: p.SessionID, CallID: body.CallID, Status: "completed", Raw: p.Msg}
	case codexSessionConfigured:
		return SessionConfigured{SessionID: p.SessionID, Raw: p.Msg}
	case codexError:
		return StreamError{SessionID: p.SessionID, Method: MethodCodexEvent, Message: body.Message}
	default:
		r.logger.Debug("passing through unknown codex event", zap.String("type", body.Type))
		return Passthrough{SessionID: p.SessionID, Method: MethodCodexEvent, Params: params}
	}
}
