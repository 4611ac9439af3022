// Package jsonrpc implements the JSON-RPC 2.0 framing and correlation layer
// used to drive ACP (Agent Client Protocol) agents over stdin/stdout.
package jsonrpc

import "encoding/json"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can be wrapped.
func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP methods
const (
	// Client -> Agent methods
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionPrompt = "session/prompt"

	// Client -> Agent notifications
	MethodSessionCancel = "session/cancel"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests (require a response)
	MethodRequestPermission = "session/request_permission"
	MethodRequestInput      = "session/request_input"
	MethodFSReadTextFile    = "fs/read_text_file"
	MethodFSWriteTextFile   = "fs/write_text_file"
)

// InitializeParams for initialize method
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities,omitempty"`
}

// ClientInfo identifies the client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities describes what the client supports
type ClientCapabilities struct {
	Streaming  bool           `json:"streaming,omitempty"`
	FileSystem FSCapabilities `json:"fs,omitempty"`
}

// FSCapabilities describes which file-operation callbacks the client serves
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResult from initialize method
type InitializeResult struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities,omitempty"`
}

// ServerInfo identifies the server (agent)
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what the server supports
type ServerCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// SessionNewParams for session/new method
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`        // Working directory for the session
	McpServers []McpServer `json:"mcpServers"` // MCP servers (required, can be empty array)
}

// McpServer configuration for MCP servers.
// Supports both stdio (command+args) and remote (url+type) transports.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"` // For stdio transport
	Args    []string `json:"args,omitempty"`    // For stdio transport
	URL     string   `json:"url,omitempty"`     // For HTTP/SSE transport
	Type    string   `json:"type,omitempty"`    // "sse" or "http" for remote transport
}

// SessionNewResult from session/new method
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load method (resume session)
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// SessionLoadResult from session/load method
type SessionLoadResult struct {
	SessionID string `json:"sessionId"`
	Restored  bool   `json:"restored"`
}

// ContentBlock represents a content block in the ACP protocol.
// The prompt field in session/prompt is an array of ContentBlock.
type ContentBlock struct {
	Type string `json:"type"`           // "text", "resource_link", ...
	Text string `json:"text,omitempty"` // For type="text"
	URI  string `json:"uri,omitempty"`  // For type="resource_link"
	Name string `json:"name,omitempty"` // For type="resource_link"
}

// SessionPromptParams for session/prompt method
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult from session/prompt method
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"` // end_turn, cancelled, refusal, ...
}

// SessionCancelParams for session/cancel notification
type SessionCancelParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// RequestPermissionParams for session/request_permission requests from the agent
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call a permission request belongs to
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"` // read, edit, execute, fetch, ...
}

// PermissionOption represents a permission choice
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionResult is the response to session/request_permission
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome represents the user's decision
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`            // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"` // Only present when outcome="selected"
}

// RequestInputParams for session/request_input elicitation requests from the agent
type RequestInputParams struct {
	SessionID string `json:"sessionId"`
	CallID    string `json:"callId"`
	Message   string `json:"message"`
}

// RequestInputResult is the response to session/request_input
type RequestInputResult struct {
	Text      string `json:"text,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// FSReadTextFileParams for fs/read_text_file requests from the agent
type FSReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// FSReadTextFileResult is the response to fs/read_text_file
type FSReadTextFileResult struct {
	Content string `json:"content"`
}

// FSWriteTextFileParams for fs/write_text_file requests from the agent
type FSWriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
