package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentwire/agentwire/internal/agent/acp"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/common/errors"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/relay"
	"github.com/agentwire/agentwire/pkg/acp/jsonrpc"
)

// Handler contains the HTTP handlers.
type Handler struct {
	sessions *acp.SessionManager
	registry *registry.Registry
	relay    *relay.Relay
	logger   *logger.Logger
}

// NewHandler creates the API handler set.
func NewHandler(sessions *acp.SessionManager, reg *registry.Registry, r *relay.Relay, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		registry: reg,
		relay:    r,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// CreateSession starts or resumes an agent session.
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var (
		sess *acp.Session
		err  error
	)
	if req.ResumeSessionID != "" {
		sess, err = h.sessions.ResumeSession(c.Request.Context(), req.AgentID, req.WorkDir, req.ResumeSessionID)
	} else {
		sess, err = h.sessions.CreateSession(c.Request.Context(), req.AgentID, req.WorkDir)
	}
	if err != nil {
		h.logger.Error("failed to create session",
			zap.String("agent_id", req.AgentID), zap.Error(err))
		if strings.Contains(err.Error(), "unknown agent") || strings.Contains(err.Error(), "disabled") {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to create session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, sessionToResponse(sess))
}

// ListSessions returns all live sessions.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	live := h.sessions.ListSessions()
	out := make([]SessionResponse, 0, len(live))
	for _, sess := range live {
		out = append(out, sessionToResponse(sess))
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: out, Total: len(out)})
}

// GetSession returns one session's status.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, found := h.sessions.GetSession(c.Param("sessionId"))
	if !found {
		appErr := errors.NotFound("session", c.Param("sessionId"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// CloseSession stops the agent subprocess and removes the session.
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) CloseSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.sessions.CloseSession(c.Request.Context(), sessionID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("failed to close session", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.relay.CleanupConversation(sessionID)
	c.JSON(http.StatusOK, gin.H{"message": "session closed"})
}

// SendPrompt submits a prompt and waits for the turn to settle.
// POST /api/v1/sessions/:sessionId/prompt
func (h *Handler) SendPrompt(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	stopReason, err := h.sessions.Prompt(c.Request.Context(), sessionID, req.Text)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("prompt failed", zap.String("session_id", sessionID), zap.Error(err))
		appErr := errors.InternalError("prompt failed", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, PromptResponse{StopReason: stopReason})
}

// CancelTurn asks the agent to stop the running turn.
// POST /api/v1/sessions/:sessionId/cancel
func (h *Handler) CancelTurn(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.sessions.Cancel(c.Request.Context(), sessionID, req.Reason); err != nil {
		if strings.Contains(err.Error(), "not found") {
			appErr := errors.NotFound("session", sessionID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := errors.InternalError("cancel failed", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancel requested"})
}

// RespondToPermission answers a pending permission request.
// POST /api/v1/sessions/:sessionId/permission
func (h *Handler) RespondToPermission(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req PermissionDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := h.sessions.RespondToPermission(sessionID, req.CallID, req.OptionID)
	h.respondDecisionResult(c, sessionID, req.CallID, err)
}

// RespondToInput answers a pending elicitation request.
// POST /api/v1/sessions/:sessionId/input
func (h *Handler) RespondToInput(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req InputDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	err := h.sessions.RespondToInput(sessionID, req.CallID, req.Text, req.Cancelled)
	h.respondDecisionResult(c, sessionID, req.CallID, err)
}

func (h *Handler) respondDecisionResult(c *gin.Context, sessionID, callID string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"message": "decision delivered"})
		return
	}
	if stderrors.Is(err, jsonrpc.ErrCallNotFound) {
		// Already answered or timed out.
		appErr := errors.Conflict("decision already resolved: " + callID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if strings.Contains(err.Error(), "not found") {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	appErr := errors.InternalError("failed to deliver decision", err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// GetMessages returns a conversation's persisted messages in order.
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) GetMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}

	messages, err := h.relay.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		appErr := errors.InternalError("failed to load history", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "total": len(messages)})
}

// ListAgents returns the launchable agent profiles.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	profiles := h.registry.List()
	out := make([]AgentResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, AgentResponse{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Protocol:    string(p.Protocol),
			Image:       p.Image,
			Enabled:     p.Enabled,
		})
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: out, Total: len(out)})
}

// HealthCheck reports liveness and the degraded-network flag.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:          "healthy",
		DegradedNetwork: h.sessions.Policy().Degraded(),
		Timestamp:       time.Now(),
	})
}

func sessionToResponse(sess *acp.Session) SessionResponse {
	agentSessionID, _ := sess.AgentSessionID()
	return SessionResponse{
		ID:             sess.ID,
		AgentID:        sess.AgentID,
		AgentSessionID: agentSessionID,
		Status:         sess.Status(),
		CreatedAt:      sess.CreatedAt,
	}
}
