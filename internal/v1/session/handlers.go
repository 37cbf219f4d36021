package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/clocksync"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/queue"
	"github.com/roomsync/server/internal/v1/ratelimit"
	"github.com/roomsync/server/internal/v1/roomstate"
	"github.com/roomsync/server/internal/v1/sfutoken"
	"github.com/roomsync/server/internal/v1/wsproto"
)

// dispatch routes one decoded inbound frame to its handler, per the event
// table in spec.md §6.
func (h *Hub) dispatch(c *Client, env wsproto.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Event {
	case "ntp:ping":
		h.handlePing(c, env)
	case "room:join":
		h.handleJoin(ctx, c, env)
	case "room:state:request":
		h.handleStateRequest(ctx, c, env)
	case "room:command":
		h.handleCommand(ctx, c, env)
	case "chat:send":
		h.handleChat(ctx, c, env)
	case "stage:token":
		h.handleToken(ctx, c, env, sfutoken.Stage)
	case "table:token":
		h.handleToken(ctx, c, env, sfutoken.Table)
	case "call:join", "call:leave", "call:presence:update":
		h.handleCallPresence(c, env)
	case "call:signal":
		h.handleCallSignal(c, env)
	default:
		if env.AckID != "" {
			c.sendError(env.AckID, "invalid_command")
		}
	}
}

func (h *Hub) handlePing(c *Client, env wsproto.Envelope) {
	var req pingRequest
	if err := wsproto.DecodePayload(env.Payload, &req); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}
	c.sendEnvelope(env.Event, env.AckID, clocksync.Ping(req.T0))
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, env wsproto.Envelope) {
	var req joinRequest
	if err := wsproto.DecodePayload(env.Payload, &req); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}
	if _, err := uuid.Parse(req.RoomID); err != nil {
		c.sendError(env.AckID, "invalid_room_id")
		return
	}

	if c.currentRoomID != "" && c.currentRoomID != req.RoomID {
		h.leaveRoom(c)
	}

	room := h.getOrCreateRoom(req.RoomID)
	room.addClient(c)
	c.currentRoomID = req.RoomID

	if err := h.Presence.Join(ctx, req.RoomID, c.identity.UserID); err != nil {
		logging.Error(ctx, "failed to record presence join", zap.String("roomId", req.RoomID), zap.Error(err))
	}

	ack, err := h.buildStateAck(ctx, req.RoomID)
	if err != nil {
		logging.Error(ctx, "failed to build join ack", zap.String("roomId", req.RoomID), zap.Error(err))
		c.sendError(env.AckID, "internal")
		return
	}
	c.sendEnvelope(env.Event, env.AckID, ack)
}

func (h *Hub) handleStateRequest(ctx context.Context, c *Client, env wsproto.Envelope) {
	if c.currentRoomID == "" {
		c.sendError(env.AckID, "not_in_room")
		return
	}
	ack, err := h.buildStateAck(ctx, c.currentRoomID)
	if err != nil {
		logging.Error(ctx, "failed to build state ack", zap.String("roomId", c.currentRoomID), zap.Error(err))
		c.sendError(env.AckID, "internal")
		return
	}
	c.sendEnvelope(env.Event, env.AckID, ack)
}

func (h *Hub) buildStateAck(ctx context.Context, roomID string) (stateAck, error) {
	snap, err := h.Advancer.LoadCurrent(ctx, roomID)
	if err != nil {
		return stateAck{}, err
	}
	nowMs := time.Now().UnixMilli()
	pending, err := h.Queue.RangeUpcoming(ctx, roomID, nowMs, 5)
	if err != nil {
		return stateAck{}, err
	}
	onlineCount, err := h.Presence.OnlineCount(ctx, roomID)
	if err != nil {
		return stateAck{}, err
	}
	chat, err := h.Chat.Load(ctx, roomID, h.ChatLoadMax)
	if err != nil {
		return stateAck{}, err
	}
	return stateAck{OK: true, State: snap, Pending: pending, OnlineCount: onlineCount, Chat: chat}, nil
}

func (h *Hub) handleCommand(ctx context.Context, c *Client, env wsproto.Envelope) {
	if c.currentRoomID == "" {
		c.sendError(env.AckID, "not_in_room")
		return
	}
	roomID := c.currentRoomID

	var req commandRequest
	if err := wsproto.DecodePayload(env.Payload, &req); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}
	cmd := req.Command
	if err := cmd.Validate(); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}

	if !cmd.Schedulable() {
		room := h.getOrCreateRoom(roomID)
		room.broadcast(ctx, "room:hand", handRaisePayload{UserID: c.identity.UserID, DisplayName: c.identity.DisplayName})
		c.sendEnvelope(env.Event, env.AckID, commandAck{OK: true, Action: queue.Action{Command: cmd, ServerNowMs: time.Now().UnixMilli()}})
		return
	}

	allowed, retryAfterMs, err := h.RateLimiter.Consume(ctx, ratelimit.PolicyCommand, roomID, c.identity.UserID, time.Now())
	if err != nil {
		logging.Error(ctx, "command rate limiter failed", zap.String("roomId", roomID), zap.Error(err))
	}
	if !allowed {
		c.sendRateLimited(env.AckID, retryAfterMs)
		return
	}

	now := time.Now().UnixMilli()

	snap, err := h.Advancer.LoadCurrent(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to load snapshot for command", zap.String("roomId", roomID), zap.Error(err))
		c.sendError(env.AckID, "internal")
		return
	}

	bufferMs := h.ExecBufferMs
	if cmd.Type == roomstate.CmdVideoSeek || cmd.Type == roomstate.CmdVideoSet {
		bufferMs = h.SeekBufferMs
	}
	execAt := now + bufferMs

	seq, err := h.Store.NextSeq(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "failed to assign seq for command", zap.String("roomId", roomID), zap.Error(err))
		c.sendError(env.AckID, "internal")
		return
	}

	patch, err := roomstate.Apply(snap, cmd, execAt, seq)
	if err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}

	action := queue.Action{Seq: seq, ExecAtMs: execAt, ServerNowMs: now, Command: cmd, Patch: patch}
	if err := h.Queue.Add(ctx, roomID, action); err != nil {
		logging.Error(ctx, "failed to enqueue pending action", zap.String("roomId", roomID), zap.Error(err))
		c.sendError(env.AckID, "internal")
		return
	}
	h.Advancer.EnsureScheduled(roomID)

	room := h.getOrCreateRoom(roomID)
	room.broadcast(ctx, "room:action", action)
	c.sendEnvelope(env.Event, env.AckID, commandAck{OK: true, Action: action})
}

func (h *Hub) handleChat(ctx context.Context, c *Client, env wsproto.Envelope) {
	if c.currentRoomID == "" {
		c.sendError(env.AckID, "not_in_room")
		return
	}
	roomID := c.currentRoomID

	var req chatRequest
	if err := wsproto.DecodePayload(env.Payload, &req); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}

	allowed, retryAfterMs, err := h.RateLimiter.Consume(ctx, ratelimit.PolicyChat, roomID, c.identity.UserID, time.Now())
	if err != nil {
		logging.Error(ctx, "chat rate limiter failed", zap.String("roomId", roomID), zap.Error(err))
	}
	if !allowed {
		c.sendRateLimited(env.AckID, retryAfterMs)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = c.identity.DisplayName
	}

	msg, err := h.Chat.Append(ctx, roomID, c.identity.UserID, displayName, req.Message, time.Now().UnixMilli())
	if err != nil {
		c.sendError(env.AckID, "invalid_message")
		return
	}

	room := h.getOrCreateRoom(roomID)
	room.broadcast(ctx, "chat:message", msg)
	c.sendEnvelope(env.Event, env.AckID, chatAck{OK: true, Message: msg})
}

func (h *Hub) handleToken(ctx context.Context, c *Client, env wsproto.Envelope, kind sfutoken.Kind) {
	if c.currentRoomID == "" {
		c.sendError(env.AckID, "not_in_room")
		return
	}
	roomID := c.currentRoomID

	var req tokenRequest
	if err := wsproto.DecodePayload(env.Payload, &req); err != nil {
		c.sendError(env.AckID, "invalid_command")
		return
	}

	suffix := req.ClientID
	if suffix == "" {
		suffix = req.TabID
	}
	if suffix == "" {
		suffix = c.id
	}

	var token, url string
	var err error
	if kind == sfutoken.Stage {
		token, url, err = h.SFU.MintStage(ctx, roomID, c.identity.UserID, suffix)
	} else {
		token, url, err = h.SFU.MintTable(ctx, roomID, req.TableID, c.identity.UserID, suffix)
	}
	if err != nil {
		c.sendError(env.AckID, tokenErrorCode(err))
		return
	}

	c.sendEnvelope(env.Event, env.AckID, tokenAck{OK: true, Token: token, URL: url, Room: roomID})
}

func tokenErrorCode(err error) string {
	switch {
	case errors.Is(err, sfutoken.ErrForbidden):
		return "forbidden"
	case errors.Is(err, sfutoken.ErrStageFull):
		return "stage_full"
	case errors.Is(err, sfutoken.ErrTableFull):
		return "table_full"
	case errors.Is(err, sfutoken.ErrNotConfigured):
		return "livekit_not_configured"
	default:
		return "internal"
	}
}

// handleCallPresence and handleCallSignal are thin adaptations of the same
// event bus for the peer-to-peer WebRTC signaling relay, per spec.md §1's
// note that this relay "is not re-specified here." They relay to
// locally-connected room members only: the media-plane signaling itself is
// explicitly out of scope and does not warrant a second cross-node topic.
func (h *Hub) handleCallPresence(c *Client, env wsproto.Envelope) {
	if c.currentRoomID == "" {
		if env.AckID != "" {
			c.sendError(env.AckID, "not_in_room")
		}
		return
	}
	var payload map[string]interface{}
	if err := wsproto.DecodePayload(env.Payload, &payload); err != nil {
		payload = map[string]interface{}{}
	}
	payload["userId"] = c.identity.UserID

	room := h.getOrCreateRoom(c.currentRoomID)
	data, err := wsproto.Encode("call:presence", "", payload)
	if err == nil {
		room.broadcastLocal(data)
	}
	if env.AckID != "" {
		c.sendEnvelope(env.Event, env.AckID, map[string]interface{}{"ok": true})
	}
}

func (h *Hub) handleCallSignal(c *Client, env wsproto.Envelope) {
	if c.currentRoomID == "" {
		if env.AckID != "" {
			c.sendError(env.AckID, "not_in_room")
		}
		return
	}
	var payload map[string]interface{}
	if err := wsproto.DecodePayload(env.Payload, &payload); err != nil {
		if env.AckID != "" {
			c.sendError(env.AckID, "invalid_command")
		}
		return
	}
	targetUserID, _ := payload["targetUserId"].(string)
	payload["fromUserId"] = c.identity.UserID

	room := h.getOrCreateRoom(c.currentRoomID)
	data, err := wsproto.Encode("call:signal", "", payload)
	if err != nil {
		return
	}

	room.mu.Lock()
	for peer := range room.clients {
		if targetUserID != "" && peer.identity.UserID != targetUserID {
			continue
		}
		if peer == c {
			continue
		}
		peer.sendRaw(data)
	}
	room.mu.Unlock()

	if env.AckID != "" {
		c.sendEnvelope(env.Event, env.AckID, map[string]interface{}{"ok": true})
	}
}
