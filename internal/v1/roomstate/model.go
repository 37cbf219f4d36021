// Package roomstate defines the authoritative room snapshot and the pure
// functions that project and advance it. Nothing in this package performs
// I/O; the state store adapter and the command applier's callers own that.
package roomstate

import "math"

// PlaybackState is the room's play/pause mode.
type PlaybackState string

const (
	Playing PlaybackState = "playing"
	Paused  PlaybackState = "paused"
)

// Snapshot is the authoritative observable state of a room, per spec.md §3.
type Snapshot struct {
	RoomID               string        `json:"roomId" codec:"roomId"`
	Name                 string        `json:"name" codec:"name"`
	VideoID              *string       `json:"videoId" codec:"videoId"`
	PlaybackState        PlaybackState `json:"playbackState" codec:"playbackState"`
	VideoTimeAtRef       float64       `json:"videoTimeAtRef" codec:"videoTimeAtRef"`
	ReferenceTimeMs      int64         `json:"referenceTimeMs" codec:"referenceTimeMs"`
	PlaybackRate         float64       `json:"playbackRate" codec:"playbackRate"`
	Seq                  int64         `json:"seq" codec:"seq"`
	ControllerUserID     *string       `json:"controllerUserId" codec:"controllerUserId"`
	AudienceDelaySeconds int           `json:"audienceDelaySeconds" codec:"audienceDelaySeconds"`
	CreatedBy            *string       `json:"createdBy" codec:"createdBy"`
}

// New returns a freshly initialized room snapshot: paused, position 0, rate
// 1, seq 0, as created by getOrCreate on first room:join.
func New(roomID, name string, createdBy *string) Snapshot {
	return Snapshot{
		RoomID:               roomID,
		Name:                 name,
		PlaybackState:        Paused,
		VideoTimeAtRef:       0,
		ReferenceTimeMs:      0,
		PlaybackRate:         1,
		Seq:                  0,
		AudienceDelaySeconds: 0,
		CreatedBy:            createdBy,
	}
}

// TimeAt projects the video position forward (or holds it, when paused) to
// wall-clock instant t (ms). This is the time-base invariant from spec.md §3:
// never negative, and advancing at exactly playbackRate while playing.
func (s Snapshot) TimeAt(tMs int64) float64 {
	if s.PlaybackState != Playing {
		return math.Max(0, s.VideoTimeAtRef)
	}
	elapsedSec := float64(tMs-s.ReferenceTimeMs) / 1000.0
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	return math.Max(0, s.VideoTimeAtRef+elapsedSec*s.PlaybackRate)
}
