package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentwire/agentwire/internal/agent/acp"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/relay"
	"github.com/agentwire/agentwire/internal/streaming"
)

// SetupRouter builds the full HTTP router.
func SetupRouter(
	sessions *acp.SessionManager,
	reg *registry.Registry,
	r *relay.Relay,
	hub *streaming.Hub,
	log *logger.Logger,
) *gin.Engine {
	handler := NewHandler(sessions, reg, r, log)

	engine := gin.New()
	engine.Use(Recovery(log))
	engine.Use(RequestLogger(log))
	engine.Use(CORS())

	engine.GET("/health", handler.HealthCheck)
	engine.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/agents", handler.ListAgents)

		sessionsGroup := v1.Group("/sessions")
		{
			sessionsGroup.POST("", handler.CreateSession)
			sessionsGroup.GET("", handler.ListSessions)
			sessionsGroup.GET("/:sessionId", handler.GetSession)
			sessionsGroup.DELETE("/:sessionId", handler.CloseSession)

			sessionsGroup.POST("/:sessionId/prompt", handler.SendPrompt)
			sessionsGroup.POST("/:sessionId/cancel", handler.CancelTurn)
			sessionsGroup.POST("/:sessionId/permission", handler.RespondToPermission)
			sessionsGroup.POST("/:sessionId/input", handler.RespondToInput)
			sessionsGroup.GET("/:sessionId/messages", handler.GetMessages)
		}
	}

	return engine
}
