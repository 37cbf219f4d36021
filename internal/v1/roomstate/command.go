package roomstate

import (
	"errors"
	"fmt"
)

// CommandType discriminates the tagged command shape from spec.md §6.
type CommandType string

const (
	CmdVideoSet   CommandType = "video:set"
	CmdVideoPlay  CommandType = "video:play"
	CmdVideoPause CommandType = "video:pause"
	CmdVideoSeek  CommandType = "video:seek"
	CmdVideoRate  CommandType = "video:rate"
	CmdHandRaise  CommandType = "hand:raise"
)

// ErrInvalidCommand is returned by Validate and Apply when the command shape
// or its contents violate the input constraints in spec.md §4.5.
var ErrInvalidCommand = errors.New("invalid_command")

// Command is the discriminated command a client may issue via room:command.
// Exactly the fields relevant to Type are meaningful; the rest are ignored.
type Command struct {
	Type            CommandType `json:"type" codec:"type"`
	VideoID         *string     `json:"videoId,omitempty" codec:"videoId,omitempty"`
	PositionSeconds float64     `json:"positionSeconds,omitempty" codec:"positionSeconds,omitempty"`
	PlaybackRate    float64     `json:"playbackRate,omitempty" codec:"playbackRate,omitempty"`
}

// Validate checks the input constraints from spec.md §4.5 independent of any
// snapshot: videoId length 1-32 or null, positionSeconds finite in
// [0, 86400], playbackRate finite in [0.25, 2].
func (c Command) Validate() error {
	switch c.Type {
	case CmdVideoSet:
		if c.VideoID != nil && (len(*c.VideoID) < 1 || len(*c.VideoID) > 32) {
			return fmt.Errorf("%w: videoId length out of range", ErrInvalidCommand)
		}
	case CmdVideoPlay, CmdVideoPause, CmdHandRaise:
		// no payload to validate
	case CmdVideoSeek:
		if isNaNOrInf(c.PositionSeconds) || c.PositionSeconds < 0 || c.PositionSeconds > 86400 {
			return fmt.Errorf("%w: positionSeconds out of range", ErrInvalidCommand)
		}
	case CmdVideoRate:
		if isNaNOrInf(c.PlaybackRate) || c.PlaybackRate < 0.25 || c.PlaybackRate > 2.0 {
			return fmt.Errorf("%w: playbackRate out of range", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

func isNaNOrInf(f float64) bool {
	return f != f || f > 1e308 || f < -1e308
}

// Schedulable reports whether a command is scheduled through the pending
// action queue. hand:raise is fanned out immediately instead (spec.md §4.8).
func (c Command) Schedulable() bool {
	return c.Type != CmdHandRaise
}

// Apply is the pure command applier: given a snapshot, a validated command,
// the execution instant, and the sequence to assign, it produces the next
// snapshot. Per spec.md §4.5, every case assigns seq := seq; hand:raise
// mutates nothing else.
func Apply(state Snapshot, cmd Command, execAtMs int64, seq int64) (Snapshot, error) {
	// A negative seek position is clamped to 0 here rather than rejected;
	// Validate alone (as used at ingress) still rejects it.
	if cmd.Type == CmdVideoSeek && cmd.PositionSeconds < 0 && !isNaNOrInf(cmd.PositionSeconds) {
		cmd.PositionSeconds = 0
	}
	if err := cmd.Validate(); err != nil {
		return state, err
	}

	next := state
	next.Seq = seq

	switch cmd.Type {
	case CmdVideoSet:
		next.VideoID = cmd.VideoID
		if cmd.VideoID == nil {
			next.PlaybackState = Paused
		} else {
			next.PlaybackState = Playing
		}
		next.PlaybackRate = 1
		next.VideoTimeAtRef = 0
		next.ReferenceTimeMs = execAtMs

	case CmdVideoPlay:
		t := state.TimeAt(execAtMs)
		next.PlaybackState = Playing
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs

	case CmdVideoPause:
		t := state.TimeAt(execAtMs)
		next.PlaybackState = Paused
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs

	case CmdVideoSeek:
		p := cmd.PositionSeconds
		if p < 0 {
			p = 0
		}
		next.VideoTimeAtRef = p
		next.ReferenceTimeMs = execAtMs
		// playbackState preserved

	case CmdVideoRate:
		t := state.TimeAt(execAtMs)
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs
		next.PlaybackRate = cmd.PlaybackRate

	case CmdHandRaise:
		// no snapshot mutation beyond seq; not scheduled

	default:
		return state, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, cmd.Type)
	}

	return next, nil
}
