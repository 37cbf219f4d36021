package session

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/advancer"
	"github.com/roomsync/server/internal/v1/auth"
	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/chatlog"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/presence"
	"github.com/roomsync/server/internal/v1/queue"
	"github.com/roomsync/server/internal/v1/ratelimit"
	"github.com/roomsync/server/internal/v1/sfutoken"
	"github.com/roomsync/server/internal/v1/store"
)

// Hub is the process-wide connection registry. It owns every dependency a
// connection's event handlers need and lazily creates one Room per roomId
// that currently has at least one local subscriber, per spec.md §4.8/§9
// ("implement the advancer/room as independent per-room state, never a
// single global actor that iterates all rooms").
type Hub struct {
	ctx        context.Context
	instanceID string

	Auth        *auth.Gate
	Store       *store.Store
	Queue       *queue.Queue
	Advancer    *advancer.Advancer
	Presence    *presence.Presence
	Chat        *chatlog.Log
	SFU         *sfutoken.Issuer
	Bus         *bus.Service
	RateLimiter *ratelimit.RateLimiter

	ExecBufferMs   int64
	SeekBufferMs   int64
	ChatLoadMax    int64
	AllowedOrigins []string

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*Room
}

// Deps bundles the dependencies NewHub wires together, so cmd/server/main.go
// only constructs one value.
type Deps struct {
	Auth            *auth.Gate
	Store           *store.Store
	Queue           *queue.Queue
	Advancer        *advancer.Advancer
	Presence        *presence.Presence
	Chat            *chatlog.Log
	SFU             *sfutoken.Issuer
	Bus             *bus.Service
	RateLimiter     *ratelimit.RateLimiter
	ExecBufferMs   int
	SeekBufferMs   int
	ChatLoadMax    int
	AllowedOrigins []string
}

// NewHub builds a Hub. ctx governs the lifetime of every room's pub/sub
// subscription; cancel it to shut the hub down.
func NewHub(ctx context.Context, d Deps) *Hub {
	h := &Hub{
		ctx:            ctx,
		instanceID:     uuid.NewString(),
		Auth:           d.Auth,
		Store:          d.Store,
		Queue:          d.Queue,
		Advancer:       d.Advancer,
		Presence:       d.Presence,
		Chat:           d.Chat,
		SFU:            d.SFU,
		Bus:            d.Bus,
		RateLimiter:    d.RateLimiter,
		ExecBufferMs:   int64(d.ExecBufferMs),
		SeekBufferMs:   int64(d.SeekBufferMs),
		ChatLoadMax:    int64(d.ChatLoadMax),
		AllowedOrigins: d.AllowedOrigins,
		rooms:          make(map[string]*Room),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades an inbound HTTP request to a WebSocket connection after
// enforcing the connection-rate bucket and verifying the bearer token, per
// spec.md §4.11.
func (h *Hub) ServeWS(c *gin.Context) {
	if h.RateLimiter != nil && !h.RateLimiter.CheckConnection(c) {
		return
	}

	token := bearerToken(c)
	identity, err := h.Auth.ValidateToken(c.Request.Context(), token)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket auth rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, identity)
	metrics.IncConnection()
	logging.Info(c.Request.Context(), "client connected", zap.String("userId", identity.UserID), zap.String("clientId", client.id))

	go client.writePump()
	client.readPump()
}

func bearerToken(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	authz := c.GetHeader("Authorization")
	return strings.TrimPrefix(authz, "Bearer ")
}

// getOrCreateRoom returns the local Room actor for roomID, creating it (and
// its single pub/sub subscription) on first local access.
func (h *Hub) getOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r := newRoom(h, roomID)
	h.rooms[roomID] = r
	return r
}

// evictIfEmpty removes the room's local subscription once its last local
// client disconnects. Cancellation only closes this node's subscription; pending
// actions and the durable snapshot are untouched (spec.md §5).
func (h *Hub) evictIfEmpty(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.localClientCount() > 0 {
		return
	}
	if current, ok := h.rooms[r.id]; !ok || current != r {
		return
	}
	delete(h.rooms, r.id)
	r.cancelSub()
	metrics.RoomOnlineCount.DeleteLabelValues(r.id)
}

// unregister leaves the client's current room (if any) and decrements the
// active-connection gauge. Called once from Client.readPump's defer.
func (h *Hub) unregister(c *Client) {
	if c.currentRoomID != "" {
		h.leaveRoom(c)
	}
	metrics.DecConnection()
	logging.Info(context.Background(), "client disconnected", zap.String("clientId", c.id))
}

// leaveRoom decrements presence, removes the client from its room, and
// evicts the room locally if it was the last subscriber, per spec.md §4.8's
// disconnect / room-switch handling.
func (h *Hub) leaveRoom(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roomID := c.currentRoomID
	c.currentRoomID = ""

	if err := h.Presence.Leave(ctx, roomID, c.identity.UserID); err != nil {
		logging.Error(ctx, "failed to record presence leave", zap.String("roomId", roomID), zap.Error(err))
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.removeClient(c)
	h.evictIfEmpty(r)
}
