package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"canvas-sync-server/internal/middleware"
	"canvas-sync-server/internal/model"
)

// ContentStore is the read-only slice of the store the HTTP surface needs.
type ContentStore interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomContent(ctx context.Context, roomID string) ([]model.ShapeRecord, error)
}

type RoomHandler struct {
	Store ContentStore
}

// Content returns the room's persisted shapes, the same snapshot a joining
// websocket client receives.
func (h *RoomHandler) Content(c *gin.Context) {
	if _, ok := middleware.UserIDFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid authentication token"})
		return
	}

	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid room id"})
		return
	}

	exists, err := h.Store.RoomExists(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Room not found"})
		return
	}

	records, err := h.Store.RoomContent(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "shapes": records})
}
