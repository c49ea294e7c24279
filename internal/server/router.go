package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"canvas-sync-server/internal/auth"
	"canvas-sync-server/internal/handler"
	"canvas-sync-server/internal/hub"
	"canvas-sync-server/internal/middleware"
	"canvas-sync-server/internal/shapes"
)

type Deps struct {
	Store       handler.ContentStore
	Hub         *hub.Hub
	Shapes      *shapes.Service
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	contentLimiter := middleware.NewLimiter(60, time.Minute)
	roomHandler := &handler.RoomHandler{Store: deps.Store}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.GET("/rooms/:roomId/content", middleware.RoomRateLimit(contentLimiter), roomHandler.Content)

	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, Shapes: deps.Shapes, TokenConfig: deps.TokenConfig}
	r.GET("/ws", wsHandler.Serve)

	return r
}
