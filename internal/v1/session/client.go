package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/auth"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/wsproto"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Client owns one WebSocket connection: its identity, its current room (if
// any), and the bounded outbound queue that decouples a slow network write
// from the room actor's fan-out loop.
type Client struct {
	id       string
	identity *auth.Identity
	conn     *websocket.Conn
	hub      *Hub

	send chan []byte

	currentRoomID string
}

func newClient(hub *Hub, conn *websocket.Conn, identity *auth.Identity) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
	}
}

// sendRaw enqueues an already-encoded frame. Per spec.md §5's back-pressure
// policy, a client that cannot keep up is disconnected rather than buffered
// unboundedly, so late joiners resync cleanly through room:join instead of
// replaying an unbounded backlog.
func (c *Client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send queue full, disconnecting", zap.String("clientId", c.id))
		c.conn.Close()
	}
}

func (c *Client) sendEnvelope(event, ackID string, payload any) {
	data, err := wsproto.Encode(event, ackID, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to encode outbound envelope", zap.String("event", event), zap.Error(err))
		return
	}
	c.sendRaw(data)
}

func (c *Client) sendError(ackID, errCode string) {
	c.sendEnvelope("error", ackID, wsproto.NewErrorAck(errCode))
}

func (c *Client) sendRateLimited(ackID string, retryAfterMs int64) {
	c.sendEnvelope("error", ackID, wsproto.NewRateLimitedAck(retryAfterMs))
}

// readPump reads frames until the connection closes, dispatching each to the
// hub's router. It owns the connection's read deadline / pong handling.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wsproto.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "dropping malformed inbound frame", zap.String("clientId", c.id), zap.Error(err))
			continue
		}
		c.hub.dispatch(c, env)
	}
}

// writePump drains the send queue to the socket and emits periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
