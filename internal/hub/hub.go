package hub

import (
	"log"
	"sync"
)

// Writer is the transport side of a connection. The hub owns it: evicting a
// connection closes the writer.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	UserID string
	Writer Writer
}

// Mode selects broadcast delivery targets relative to the originating
// connection.
type Mode int

const (
	ToOthers Mode = iota
	ToSelf
	ToAll
)

// Hub tracks live presence: which connection serves a user and which rooms
// the user has joined. Persisted room existence is checked elsewhere; the hub
// only mutates in-memory maps and never performs I/O besides writer sends.
type Hub struct {
	mu    sync.RWMutex
	users map[string]*member
	rooms map[string]map[string]struct{} // roomID -> set of userIDs
}

type member struct {
	conn  *Connection
	rooms map[string]struct{}
}

func New() *Hub {
	return &Hub{
		users: make(map[string]*member),
		rooms: make(map[string]map[string]struct{}),
	}
}

// AddUser registers the connection for its user. A reconnect evicts the
// previous transport: its writer is closed and its room memberships dropped,
// so the new connection starts with a clean presence record.
func (h *Hub) AddUser(conn *Connection) {
	h.mu.Lock()
	prev, ok := h.users[conn.UserID]
	if ok {
		for roomID := range prev.rooms {
			h.dropMembershipLocked(conn.UserID, roomID)
		}
	}
	h.users[conn.UserID] = &member{conn: conn, rooms: make(map[string]struct{})}
	h.mu.Unlock()

	if ok {
		_ = prev.conn.Writer.Close()
	}
}

// RemoveUser drops the connection's membership in every joined room, deletes
// rooms that become empty, then forgets the connection record. Teardown is
// keyed to the exact connection: when the user has since reconnected, the
// stale transport's teardown must not tear down its replacement, so the call
// is a no-op.
func (h *Hub) RemoveUser(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.users[conn.UserID]
	if !ok || m.conn != conn {
		return
	}
	for roomID := range m.rooms {
		h.dropMembershipLocked(conn.UserID, roomID)
	}
	delete(h.users, conn.UserID)
}

// Join adds the user to the room. Idempotent; a no-op for unknown users.
func (h *Hub) Join(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.users[userID]
	if !ok {
		return
	}
	m.rooms[roomID] = struct{}{}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][userID] = struct{}{}
}

// Leave removes both sides of the membership mapping. Leaving a room the user
// never joined is a no-op.
func (h *Hub) Leave(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.users[userID]
	if !ok {
		return
	}
	delete(m.rooms, roomID)
	h.dropMembershipLocked(userID, roomID)
}

func (h *Hub) dropMembershipLocked(userID, roomID string) {
	set := h.rooms[roomID]
	if set == nil {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(h.rooms, roomID)
	}
}

// RoomSize reports the live member count; zero for unknown rooms.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast delivers payload to the room's live members. ToOthers skips the
// origin connection, ToSelf targets only it, ToAll ignores origin (which may
// then be nil). A failed send is logged and the dead connection evicted; it
// never aborts delivery to the remaining members.
func (h *Hub) Broadcast(roomID string, origin *Connection, payload []byte, mode Mode) {
	h.mu.RLock()
	set := h.rooms[roomID]
	conns := make([]*Connection, 0, len(set))
	for userID := range set {
		m, ok := h.users[userID]
		if !ok {
			continue
		}
		conns = append(conns, m.conn)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		switch mode {
		case ToOthers:
			if c == origin {
				continue
			}
		case ToSelf:
			if c != origin {
				continue
			}
		}
		if err := c.Writer.Write(payload); err != nil {
			log.Printf("hub: send to %s failed: %v", c.UserID, err)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.RemoveUser(c)
	}
}
