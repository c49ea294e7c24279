package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"canvas-sync-server/internal/auth"
)

const userIDContextKey = "userID"

// UserIDFromContext returns the collaborator id RequireAuth resolved for the
// request.
func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// credential extracts the token from the Authorization header, falling back
// to the ?token= query parameter so browser callers can use the same
// convention as the websocket handshake.
func credential(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return c.Query("token")
}

// RequireAuth rejects requests that do not carry a valid collaborator token.
// Rejections use the success/message envelope shared by the rest of the HTTP
// surface.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := credential(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Missing authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid authentication token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}
