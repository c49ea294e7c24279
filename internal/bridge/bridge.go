// Package bridge relays mirrored room traffic between server instances over
// Redis pub/sub, so collaborators connected to different instances still see
// each other's edits. It is optional: a process without a Redis address runs
// standalone.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"canvas-sync-server/internal/hub"
)

const (
	channelPrefix  = "canvas:room:"
	publishTimeout = 2 * time.Second
)

type Bridge struct {
	rdb        *redis.Client
	instanceID string
	hub        *hub.Hub
}

type envelope struct {
	Source string          `json:"src"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

func New(addr string, h *hub.Hub) *Bridge {
	return &Bridge{
		rdb:        redis.NewClient(&redis.Options{Addr: addr}),
		instanceID: ulid.Make().String(),
		hub:        h,
	}
}

func (b *Bridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish mirrors a payload to the room's channel. Failures are logged; local
// delivery has already happened and must not be affected.
func (b *Bridge) Publish(roomID string, payload []byte) {
	env := envelope{Source: b.instanceID, RoomID: roomID, Data: payload}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("bridge: marshal failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, channelPrefix+roomID, data).Err(); err != nil {
		log.Printf("bridge: publish to %s failed: %v", roomID, err)
	}
}

// Run consumes relayed events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver([]byte(msg.Payload))
		}
	}
}

// deliver hands a relayed event to every local member of the room. Events
// published by this instance are skipped; their local delivery already
// happened with the proper origin exclusion.
func (b *Bridge) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("bridge: dropping malformed relay payload: %v", err)
		return
	}
	if env.Source == b.instanceID {
		return
	}
	b.hub.Broadcast(env.RoomID, nil, env.Data, hub.ToAll)
}

func (b *Bridge) Close() error {
	return b.rdb.Close()
}
