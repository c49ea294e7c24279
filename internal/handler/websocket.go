package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"canvas-sync-server/internal/auth"
	"canvas-sync-server/internal/hub"
	"canvas-sync-server/internal/model"
	"canvas-sync-server/internal/shapes"
)

// CloseInvalidCredential is the close code sent when the handshake carries a
// missing or invalid token, so clients can tell an auth failure apart from a
// generic disconnect.
const CloseInvalidCredential = 4001

type WebSocketHandler struct {
	Hub         *hub.Hub
	Shapes      *shapes.Service
	TokenConfig auth.TokenConfig
}

type inboundMessage struct {
	Type   string              `json:"type"`
	Action string              `json:"action,omitempty"`
	RoomID string              `json:"roomId,omitempty"`
	ID     string              `json:"id,omitempty"`
	TempID string              `json:"tempId,omitempty"`
	Shape  *model.ShapePayload `json:"shape,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serializes writes: broadcasts arrive from other connections'
// handlers and from the persistence goroutines concurrently.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	claims, err := auth.VerifyToken(c.Query("token"), h.TokenConfig)
	if err != nil {
		msg := websocket.FormatCloseMessage(CloseInvalidCredential, "invalid credential")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	conn := &hub.Connection{UserID: claims.UserID, Writer: &wsWriter{conn: ws}}
	h.Hub.AddUser(conn)
	defer func() {
		h.Hub.RemoveUser(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	// one message at a time per connection: handlers run to completion, so
	// create/update/delete on the same shape are observed in arrival order
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("ws: dropping malformed message from %s: %v", conn.UserID, err)
			continue
		}

		switch msg.Type {
		case model.MessageJoin:
			if msg.RoomID == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			res := h.Shapes.Join(ctx, conn, msg.RoomID)
			cancel()
			out, _ := json.Marshal(res)
			_ = conn.Writer.Write(out)
		case model.MessageLeave:
			if msg.RoomID == "" {
				continue
			}
			h.Shapes.Leave(conn, msg.RoomID)
		case model.MessageShape:
			h.Shapes.HandleShape(conn, data, model.ShapeMessage{
				Type:   msg.Type,
				Action: msg.Action,
				RoomID: msg.RoomID,
				ID:     msg.ID,
				TempID: msg.TempID,
				Shape:  msg.Shape,
			})
		case "ping":
			out, _ := json.Marshal(gin.H{"type": "pong"})
			_ = conn.Writer.Write(out)
		default:
			log.Printf("ws: dropping unknown message type %q from %s", msg.Type, conn.UserID)
		}
	}
}
