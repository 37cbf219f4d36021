package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/wsproto"
)

// Room is the per-room fan-out actor: it holds the set of locally-connected
// clients and bridges between the room's local broadcasts and the shared
// pub/sub topic, per spec.md §4.8 / §5. Only one subscription per (room,
// node) is ever open, regardless of how many local clients have joined.
type Room struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	clients set.Set[*Client]

	cancelSub context.CancelFunc
}

func newRoom(hub *Hub, roomID string) *Room {
	ctx, cancel := context.WithCancel(hub.ctx)
	r := &Room{
		id:        roomID,
		hub:       hub,
		clients:   set.New[*Client](),
		cancelSub: cancel,
	}
	var wg sync.WaitGroup
	hub.Bus.Subscribe(ctx, roomID, &wg, r.onRemoteMessage)
	return r
}

// addClient registers a locally-connected client with the room.
func (r *Room) addClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Insert(c)
	metrics.RoomOnlineCount.WithLabelValues(r.id).Set(float64(len(r.clients)))
}

// removeClient unregisters a client and reports whether the room is now
// empty on this node, so the hub can decide whether to evict it.
func (r *Room) removeClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients.Delete(c)
	metrics.RoomOnlineCount.WithLabelValues(r.id).Set(float64(len(r.clients)))
	return len(r.clients) == 0
}

func (r *Room) localClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) broadcastLocal(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.sendRaw(data)
	}
}

// broadcast fans an event out to every locally-connected client immediately
// and publishes it to the shared topic for other nodes, tagged with this
// node's instance id so the echo back through pub/sub is recognized and
// skipped in onRemoteMessage (spec.md §5's ordering guarantees: presence and
// action fan-out tolerate this at-least-once local + cross-node delivery
// since clients discard seq <= lastApplied).
func (r *Room) broadcast(ctx context.Context, event string, payload any) {
	data, err := wsproto.Encode(event, "", payload)
	if err != nil {
		logging.Error(ctx, "failed to encode broadcast frame", zap.String("roomId", r.id), zap.String("event", event), zap.Error(err))
		return
	}
	r.broadcastLocal(data)
	if err := r.hub.Bus.Publish(ctx, r.id, event, payload, r.hub.instanceID); err != nil {
		logging.Error(ctx, "failed to publish broadcast to shared topic", zap.String("roomId", r.id), zap.String("event", event), zap.Error(err))
	}
}

// onRemoteMessage re-frames a message published by another node into this
// node's wire codec and delivers it to local subscribers. Messages this node
// itself published are skipped since broadcast already delivered them
// locally.
func (r *Room) onRemoteMessage(msg bus.PubSubPayload) {
	if msg.SenderID == r.hub.instanceID {
		return
	}

	var generic interface{}
	if err := json.Unmarshal(msg.Payload, &generic); err != nil {
		logging.Warn(context.Background(), "dropping malformed cross-node broadcast", zap.String("roomId", r.id), zap.Error(err))
		return
	}

	data, err := wsproto.Encode(msg.Event, "", generic)
	if err != nil {
		logging.Error(context.Background(), "failed to re-encode cross-node broadcast", zap.String("roomId", r.id), zap.Error(err))
		return
	}
	r.broadcastLocal(data)
}
