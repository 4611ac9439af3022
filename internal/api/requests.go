// Package api provides the HTTP surface for sessions, prompts, decisions
// and streamed history.
package api

import "time"

// CreateSessionRequest starts a new agent session, or resumes one when
// ResumeSessionID is set.
type CreateSessionRequest struct {
	AgentID         string `json:"agent_id" binding:"required"`
	WorkDir         string `json:"work_dir,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// PromptRequest sends one user prompt into a session.
type PromptRequest struct {
	Text string `json:"text" binding:"required"`
}

// CancelRequest stops the session's current turn.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PermissionDecisionRequest answers a pending permission request. An empty
// OptionID denies.
type PermissionDecisionRequest struct {
	CallID   string `json:"call_id" binding:"required"`
	OptionID string `json:"option_id,omitempty"`
}

// InputDecisionRequest answers a pending elicitation request.
type InputDecisionRequest struct {
	CallID    string `json:"call_id" binding:"required"`
	Text      string `json:"text,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// SessionResponse describes one live session.
type SessionResponse struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionsListResponse lists live sessions.
type SessionsListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// PromptResponse reports how a prompt's turn ended. StopReason is empty
// when the turn is still streaming after a benign transport timeout.
type PromptResponse struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// AgentResponse describes one launchable agent profile.
type AgentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Protocol    string `json:"protocol"`
	Image       string `json:"image,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// AgentsListResponse lists the launchable agents.
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// HealthResponse for health checks.
type HealthResponse struct {
	Status          string    `json:"status"`
	DegradedNetwork bool      `json:"degraded_network"`
	Timestamp       time.Time `json:"timestamp"`
}
