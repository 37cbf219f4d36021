// Package session implements the subscription hub from spec.md §4.8: one
// Hub tracks every connection, one Room actor per room serializes local
// fan-out and membership, one Client owns a single connection's read/write
// pumps. Grounded on the gorilla/websocket connection-registry idiom (a
// per-connection goroutine pair bridged by a bounded send channel) common to
// the pack's realtime servers, generalized here from video-conference
// signaling to room-sync commands.
package session

import (
	"github.com/roomsync/server/internal/v1/chatlog"
	"github.com/roomsync/server/internal/v1/queue"
	"github.com/roomsync/server/internal/v1/roomstate"
)

// Client-to-server request payloads, per spec.md §6.

type pingRequest struct {
	T0 int64 `codec:"t0"`
}

type joinRequest struct {
	RoomID      string `codec:"roomId"`
	DisplayName string `codec:"displayName,omitempty"`
}

type commandRequest struct {
	Command roomstate.Command `codec:"command"`
}

type chatRequest struct {
	Message     string `codec:"message"`
	DisplayName string `codec:"displayName,omitempty"`
}

type tokenRequest struct {
	DisplayName string `codec:"displayName,omitempty"`
	TabID       string `codec:"tabId,omitempty"`
	ClientID    string `codec:"clientId,omitempty"`
	TableID     string `codec:"tableId,omitempty"`
}

// Server-to-client acknowledgment payloads.

type stateAck struct {
	OK          bool             `codec:"ok"`
	State       roomstate.Snapshot `codec:"state"`
	Pending     []queue.Action   `codec:"pending"`
	OnlineCount int              `codec:"onlineCount"`
	Chat        []chatlog.Message `codec:"chat"`
}

type commandAck struct {
	OK     bool         `codec:"ok"`
	Action queue.Action `codec:"action"`
}

type chatAck struct {
	OK      bool            `codec:"ok"`
	Message chatlog.Message `codec:"message"`
}

type tokenAck struct {
	OK    bool   `codec:"ok"`
	Token string `codec:"token"`
	URL   string `codec:"url"`
	Room  string `codec:"room"`
}

// handRaisePayload is the fire-and-forget room:hand broadcast.
type handRaisePayload struct {
	UserID      string `codec:"userId"`
	DisplayName string `codec:"displayName,omitempty"`
}
