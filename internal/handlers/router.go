package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	Hub            *Hub
	Rooms          *Rooms
	Sessions       *Sessions
	JWTSecret      string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter wires the signaling service's HTTP and websocket routes.
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(opts.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(opts.JWTSecret)
	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(opts.JWTSecret))

		api.GET("/rooms/:roomId", opts.Rooms.GetRoom)
		api.GET("/rooms/:roomId/messages", auth, opts.Rooms.GetMessages)
		api.DELETE("/rooms/:roomId", auth, middleware.RequireRole(models.RoleDoctor), opts.Rooms.DeleteRoom)

		if opts.Sessions != nil {
			api.POST("/sessions", opts.Sessions.Create)
			api.GET("/sessions/active", opts.Sessions.Active)
			api.GET("/sessions/:sessionId", opts.Sessions.Get)
			api.PATCH("/sessions/:sessionId/status", opts.Sessions.UpdateStatus)
		}
	}

	router.GET("/ws/signal", opts.Hub.HandleSignaling)
	return router
}
