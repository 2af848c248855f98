package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/middleware"
	"github.com/roomsync/coordinator/pkg/response"
)

// NewRouter assembles the gin engine with the full coordinator API surface.
func NewRouter(h *Handler, corsOrigins string, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(corsOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	v1 := router.Group("/api/v1")
	{
		v1.POST("/microservices/register", h.RegisterService)
		v1.GET("/microservices", h.ListServices)
		v1.DELETE("/microservices/:id", h.UnregisterService)

		v1.POST("/sessions", h.CreateSession)
		v1.GET("/sessions", h.ListSessions)
		v1.GET("/sessions/:id", h.GetSession)
		v1.GET("/sessions/:id/wait", h.WaitForReady)
		v1.DELETE("/sessions/:id", h.TerminateSession)
		v1.GET("/sessions/:id/events", h.SessionEvents)

		v1.GET("/events", h.GlobalEvents)
	}
	return router
}
