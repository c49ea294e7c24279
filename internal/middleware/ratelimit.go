package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter enforces a fixed-window request budget per key. A content snapshot
// fans out into one query per shape kind, so the budget is applied per
// collaborator per room rather than per client address.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	budget  int
	span    time.Duration
	now     func() time.Time
}

type window struct {
	used    int
	resetAt time.Time
}

func NewLimiter(budget int, span time.Duration) *Limiter {
	return newLimiterAt(budget, span, time.Now)
}

func newLimiterAt(budget int, span time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		budget:  budget,
		span:    span,
		now:     now,
	}
}

// Allow consumes one unit of the key's budget for the current window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[key]
	if w == nil || now.After(w.resetAt) {
		l.sweepLocked(now)
		l.windows[key] = &window{used: 1, resetAt: now.Add(l.span)}
		return true
	}
	if w.used >= l.budget {
		return false
	}
	w.used++
	return true
}

// sweepLocked drops expired windows so idle keys do not accumulate.
func (l *Limiter) sweepLocked(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// RoomRateLimit budgets requests per collaborator per room. It runs behind
// RequireAuth; the client address is only a fallback for routes mounted
// without it.
func RoomRateLimit(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := UserIDFromContext(c)
		if !ok {
			key = c.ClientIP()
		}
		if roomID := c.Param("roomId"); roomID != "" {
			key += ":" + roomID
		}
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
