// Package shapes implements the shape mutation protocol: mutations are
// mirrored to room peers immediately, while persistence runs asynchronously
// and is reconciled against deletes that arrive before the durable id exists.
package shapes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"canvas-sync-server/internal/batch"
	"canvas-sync-server/internal/hub"
	"canvas-sync-server/internal/model"
	"canvas-sync-server/internal/pending"
	"canvas-sync-server/internal/store"
)

// Persister is the slice of the store the service uses; tests substitute a
// fake.
type Persister interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomContent(ctx context.Context, roomID string) ([]model.ShapeRecord, error)
	CreateShape(ctx context.Context, roomID string, shape model.ShapePayload, guard store.CreateGuard) (string, error)
	DeleteShape(ctx context.Context, id string, kind model.ShapeKind) (bool, error)
}

// Relay mirrors room traffic to other server instances. Optional.
type Relay interface {
	Publish(roomID string, payload []byte)
}

type Service struct {
	Hub     *hub.Hub
	Store   Persister
	Pending *pending.Table
	Batch   *batch.Engine
	Relay   Relay         // may be nil
	Timeout time.Duration // bound on persistence calls; defaults to 10s
}

func (s *Service) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 10 * time.Second
}

// Join adds the connection's user to the room after verifying the room exists
// durably, and returns the reply carrying the persisted content snapshot. The
// registries are not touched when the room is unknown.
func (s *Service) Join(ctx context.Context, conn *hub.Connection, roomID string) model.JoinResult {
	exists, err := s.Store.RoomExists(ctx, roomID)
	if err != nil {
		log.Printf("shapes: room lookup for %q failed: %v", roomID, err)
		return model.JoinResult{Type: model.MessageJoin, Success: false, Message: "Room lookup failed"}
	}
	if !exists {
		return model.JoinResult{Type: model.MessageJoin, Success: false, Message: "Room not found"}
	}

	s.Hub.Join(conn.UserID, roomID)

	records, err := s.Store.RoomContent(ctx, roomID)
	if err != nil {
		log.Printf("shapes: content snapshot for %q failed: %v", roomID, err)
	}
	return model.JoinResult{Type: model.MessageJoin, Success: true, Shapes: records}
}

func (s *Service) Leave(conn *hub.Connection, roomID string) {
	s.Hub.Leave(conn.UserID, roomID)
}

// HandleShape dispatches one shape mutation. raw is the inbound frame and is
// forwarded verbatim to peers so they see exactly what the author sent.
func (s *Service) HandleShape(conn *hub.Connection, raw []byte, msg model.ShapeMessage) {
	if msg.RoomID == "" || msg.Shape == nil || !msg.Shape.Type.Valid() {
		log.Printf("shapes: dropping malformed %s message from %s", msg.Action, conn.UserID)
		return
	}

	switch msg.Action {
	case model.ActionCreate:
		s.create(conn, raw, msg)
	case model.ActionUpdate:
		s.update(conn, raw, msg)
	case model.ActionDelete:
		s.delete(conn, raw, msg)
	default:
		log.Printf("shapes: dropping unknown action %q from %s", msg.Action, conn.UserID)
	}
}

func (s *Service) create(conn *hub.Connection, raw []byte, msg model.ShapeMessage) {
	if msg.TempID == "" {
		log.Printf("shapes: dropping create without tempId from %s", conn.UserID)
		return
	}

	// peers see the shape before it is durable
	s.mirror(conn, msg.RoomID, raw)

	s.Pending.Add(msg.TempID)
	go s.persistCreate(conn, msg.RoomID, msg.TempID, *msg.Shape)
}

// persistCreate runs the durable side of a create. The guard re-checks the
// reconciliation entry before the insert and again before commit; a delete
// landing after commit but before confirmation is compensated by removing the
// row. On success the queued ops are replayed into the batch engine and the
// whole room is told the tempId→id mapping.
func (s *Service) persistCreate(conn *hub.Connection, roomID, tempID string, shape model.ShapePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()

	id, err := s.Store.CreateShape(ctx, roomID, shape, createGuard{table: s.Pending, tempID: tempID})
	if errors.Is(err, store.ErrCreateAborted) {
		s.Pending.Remove(tempID)
		return
	}
	if err != nil {
		log.Printf("shapes: create of %s (tempId=%s) failed: %v", shape.Type, tempID, err)
		s.Pending.Remove(tempID)
		return
	}

	ops, ok := s.Pending.Confirm(tempID, id)
	if !ok {
		// deleted between commit and confirmation
		if _, err := s.Store.DeleteShape(ctx, id, shape.Type); err != nil {
			log.Printf("shapes: rollback delete of %s %s failed: %v", shape.Type, id, err)
		}
		return
	}

	for _, op := range ops {
		s.Batch.Enqueue(id, shape.Type, op)
	}

	confirm, err := json.Marshal(model.ShapeMessage{
		Type:   model.MessageShape,
		Action: model.ActionConfirm,
		TempID: tempID,
		ID:     id,
	})
	if err != nil {
		log.Printf("shapes: marshal confirm failed: %v", err)
		return
	}
	// the whole room learns the mapping, not just the author, so any
	// collaborator can issue confirmed updates afterwards
	s.Hub.Broadcast(roomID, conn, confirm, hub.ToAll)
	if s.Relay != nil {
		s.Relay.Publish(roomID, confirm)
	}
}

func (s *Service) update(conn *hub.Connection, raw []byte, msg model.ShapeMessage) {
	s.mirror(conn, msg.RoomID, raw)

	switch {
	case msg.ID != "":
		s.Batch.Enqueue(msg.ID, msg.Shape.Type, *msg.Shape)
	case msg.TempID != "" && s.Pending.QueueUpdate(msg.TempID, *msg.Shape):
		// deferred until the create is confirmed
	default:
		log.Printf("shapes: dropping update for unknown shape (tempId=%q) from %s", msg.TempID, conn.UserID)
	}
}

func (s *Service) delete(conn *hub.Connection, raw []byte, msg model.ShapeMessage) {
	s.mirror(conn, msg.RoomID, raw)

	switch {
	case msg.ID != "":
		s.Batch.Remove(msg.ID, msg.Shape.Type)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout())
			defer cancel()
			if _, err := s.Store.DeleteShape(ctx, msg.ID, msg.Shape.Type); err != nil {
				log.Printf("shapes: delete of %s %s failed: %v", msg.Shape.Type, msg.ID, err)
			}
		}()
	case msg.TempID != "" && s.Pending.Tombstone(msg.TempID):
		// create in flight; the guard or the confirm step rolls it back
	default:
		log.Printf("shapes: dropping delete for unknown shape (tempId=%q) from %s", msg.TempID, conn.UserID)
	}
}

func (s *Service) mirror(conn *hub.Connection, roomID string, raw []byte) {
	s.Hub.Broadcast(roomID, conn, raw, hub.ToOthers)
	if s.Relay != nil {
		s.Relay.Publish(roomID, raw)
	}
}

type createGuard struct {
	table  *pending.Table
	tempID string
}

func (g createGuard) AbortInsert() bool { return g.table.Doomed(g.tempID) }
func (g createGuard) AllowCommit() bool { return !g.table.Doomed(g.tempID) }
