package roomstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSnapshot_TimeAt_PausedHoldsPosition(t *testing.T) {
	s := Snapshot{PlaybackState: Paused, VideoTimeAtRef: 42.5, ReferenceTimeMs: 1000}
	assert.Equal(t, 42.5, s.TimeAt(5000))
	assert.Equal(t, 42.5, s.TimeAt(1000))
}

func TestSnapshot_TimeAt_PausedNeverNegative(t *testing.T) {
	s := Snapshot{PlaybackState: Paused, VideoTimeAtRef: -3, ReferenceTimeMs: 0}
	assert.Equal(t, 0.0, s.TimeAt(1000))
}

// Invariant 1: while playing, timeAt is non-decreasing in t and its
// derivative equals playbackRate.
func TestSnapshot_TimeAt_Invariant1_PlayingAdvancesAtRate(t *testing.T) {
	s := Snapshot{PlaybackState: Playing, VideoTimeAtRef: 10, ReferenceTimeMs: 0, PlaybackRate: 2.0}

	at0 := s.TimeAt(0)
	at1000 := s.TimeAt(1000)
	at2000 := s.TimeAt(2000)

	assert.GreaterOrEqual(t, at1000, at0)
	assert.GreaterOrEqual(t, at2000, at1000)
	assert.InDelta(t, 2.0, at1000-at0, 1e-9)
	assert.InDelta(t, 2.0, at2000-at1000, 1e-9)
}

func TestSnapshot_TimeAt_PlayingNeverNegative(t *testing.T) {
	s := Snapshot{PlaybackState: Playing, VideoTimeAtRef: 0, ReferenceTimeMs: 5000, PlaybackRate: 1.0}
	assert.Equal(t, 0.0, s.TimeAt(0))
}

func TestApply_VideoSet_WithVideoIDStartsPlaying(t *testing.T) {
	s := New("room-1", "Movie Night", nil)
	id := "abc12345678"
	next, err := Apply(s, Command{Type: CmdVideoSet, VideoID: &id}, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, Playing, next.PlaybackState)
	assert.Equal(t, &id, next.VideoID)
	assert.Equal(t, 1.0, next.PlaybackRate)
	assert.Equal(t, 0.0, next.VideoTimeAtRef)
	assert.EqualValues(t, 1000, next.ReferenceTimeMs)
	assert.EqualValues(t, 1, next.Seq)
}

func TestApply_VideoSet_WithNilVideoIDPauses(t *testing.T) {
	s := New("room-1", "Movie Night", nil)
	next, err := Apply(s, Command{Type: CmdVideoSet, VideoID: nil}, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, Paused, next.PlaybackState)
	assert.Nil(t, next.VideoID)
}

// Invariant 3: video:play / video:pause preserve timeAt(execAt).
func TestApply_Invariant3_PlayPreservesTimeAtExecAt(t *testing.T) {
	s := Snapshot{PlaybackState: Paused, VideoTimeAtRef: 30, ReferenceTimeMs: 0, PlaybackRate: 1.5}
	preTime := s.TimeAt(5000)

	next, err := Apply(s, Command{Type: CmdVideoPlay}, 5000, 1)
	require.NoError(t, err)

	assert.InDelta(t, preTime, next.TimeAt(5000), 1e-9)
	assert.Equal(t, Playing, next.PlaybackState)
}

func TestApply_Invariant3_PausePreservesTimeAtExecAt(t *testing.T) {
	s := Snapshot{PlaybackState: Playing, VideoTimeAtRef: 10, ReferenceTimeMs: 0, PlaybackRate: 1.0}
	preTime := s.TimeAt(3000)

	next, err := Apply(s, Command{Type: CmdVideoPause}, 3000, 1)
	require.NoError(t, err)

	assert.InDelta(t, preTime, next.TimeAt(3000), 1e-9)
	assert.Equal(t, Paused, next.PlaybackState)
}

// Invariant 4: video:rate preserves timeAt(execAt) and the subsequent
// derivative equals the new rate.
func TestApply_Invariant4_RatePreservesTimeAtAndChangesDerivative(t *testing.T) {
	s := Snapshot{PlaybackState: Playing, VideoTimeAtRef: 10, ReferenceTimeMs: 0, PlaybackRate: 1.0}
	preTime := s.TimeAt(4000)

	next, err := Apply(s, Command{Type: CmdVideoRate, PlaybackRate: 1.75}, 4000, 1)
	require.NoError(t, err)

	assert.InDelta(t, preTime, next.TimeAt(4000), 1e-9)
	assert.Equal(t, 1.75, next.PlaybackRate)

	derivative := next.TimeAt(5000) - next.TimeAt(4000)
	assert.InDelta(t, 1.75, derivative, 1e-9)
}

// Boundary: video:seek(-5) clamps to 0.
func TestApply_Seek_ClampsNegativeToZero(t *testing.T) {
	s := New("room-1", "Movie Night", nil)
	next, err := Apply(s, Command{Type: CmdVideoSeek, PositionSeconds: -5}, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, next.VideoTimeAtRef)
}

func TestApply_Seek_PreservesPlaybackState(t *testing.T) {
	s := Snapshot{PlaybackState: Playing, VideoTimeAtRef: 5, ReferenceTimeMs: 0, PlaybackRate: 1.0}
	next, err := Apply(s, Command{Type: CmdVideoSeek, PositionSeconds: 120}, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, Playing, next.PlaybackState)
	assert.Equal(t, 120.0, next.VideoTimeAtRef)
}

// Boundary: video:rate(3.0) rejected at ingress.
func TestCommand_Validate_RateOutOfRangeRejected(t *testing.T) {
	c := Command{Type: CmdVideoRate, PlaybackRate: 3.0}
	err := c.Validate()
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCommand_Validate_RateBelowMinimumRejected(t *testing.T) {
	c := Command{Type: CmdVideoRate, PlaybackRate: 0.1}
	assert.ErrorIs(t, c.Validate(), ErrInvalidCommand)
}

func TestCommand_Validate_RateBoundsAccepted(t *testing.T) {
	assert.NoError(t, (Command{Type: CmdVideoRate, PlaybackRate: 0.25}).Validate())
	assert.NoError(t, (Command{Type: CmdVideoRate, PlaybackRate: 2.0}).Validate())
}

func TestCommand_Validate_SeekOutOfRangeRejected(t *testing.T) {
	assert.ErrorIs(t, (Command{Type: CmdVideoSeek, PositionSeconds: 86401}).Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, (Command{Type: CmdVideoSeek, PositionSeconds: -1}).Validate(), ErrInvalidCommand)
}

func TestCommand_Validate_VideoIDLengthBounds(t *testing.T) {
	tooLong := strPtr("this-video-id-is-definitely-more-than-thirty-two-chars")
	assert.ErrorIs(t, (Command{Type: CmdVideoSet, VideoID: tooLong}).Validate(), ErrInvalidCommand)

	empty := strPtr("")
	assert.ErrorIs(t, (Command{Type: CmdVideoSet, VideoID: empty}).Validate(), ErrInvalidCommand)

	ok := strPtr("abc123")
	assert.NoError(t, (Command{Type: CmdVideoSet, VideoID: ok}).Validate())
}

func TestApply_HandRaise_NoMutationExceptSeq(t *testing.T) {
	s := Snapshot{RoomID: "room-1", PlaybackState: Playing, VideoTimeAtRef: 10, ReferenceTimeMs: 0, PlaybackRate: 1.0, Seq: 5}
	next, err := Apply(s, Command{Type: CmdHandRaise}, 9999, 6)
	require.NoError(t, err)
	assert.EqualValues(t, 6, next.Seq)
	assert.Equal(t, s.PlaybackState, next.PlaybackState)
	assert.Equal(t, s.VideoTimeAtRef, next.VideoTimeAtRef)
	assert.Equal(t, s.ReferenceTimeMs, next.ReferenceTimeMs)
}

func TestCommand_Schedulable(t *testing.T) {
	assert.False(t, Command{Type: CmdHandRaise}.Schedulable())
	assert.True(t, Command{Type: CmdVideoPlay}.Schedulable())
	assert.True(t, Command{Type: CmdVideoSeek}.Schedulable())
}

// Round-trip law: re-applying an action with seq <= snapshot.seq is a no-op
// from the caller's perspective (the caller, e.g. the advancer, is expected
// to skip it rather than call Apply; this test documents that Apply itself
// has no special-case and the idempotency guard lives one layer up).
func TestApply_SeqIsCallerResponsibility(t *testing.T) {
	s := Snapshot{Seq: 10}
	next, err := Apply(s, Command{Type: CmdVideoPlay}, 1000, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, next.Seq, "Apply always assigns the given seq; skipping stale seqs is the advancer's job")
}

func TestApply_InvalidCommandType_Rejected(t *testing.T) {
	_, err := Apply(New("room-1", "x", nil), Command{Type: "bogus"}, 1000, 1)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
