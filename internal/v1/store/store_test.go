package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/server/internal/v1/roomstate"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, nil), client
}

func TestStore_GetOrCreate_NoDurableStoreInsertsFresh(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := s.GetOrCreate(ctx, "room-1", "Movie Night", nil)
	require.NoError(t, err)
	require.Equal(t, "room-1", snap.RoomID)
	require.Equal(t, roomstate.Paused, snap.PlaybackState)
	require.EqualValues(t, 0, snap.Seq)
	require.Equal(t, 1.0, snap.PlaybackRate)
}

func TestStore_GetOrCreate_SecondCallReturnsCachedState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "room-1", "Movie Night", nil)
	require.NoError(t, err)

	first.Seq = 7
	require.NoError(t, s.SetHot(ctx, first))

	second, err := s.GetOrCreate(ctx, "room-1", "Movie Night", nil)
	require.NoError(t, err)
	require.EqualValues(t, 7, second.Seq)
}

func TestStore_SetHotAndReadHot_RoundTripsNullableFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	videoID := "abc123"
	controller := "user-1"
	createdBy := "user-0"
	snap := roomstate.Snapshot{
		RoomID:               "room-2",
		Name:                 "Night",
		VideoID:              &videoID,
		PlaybackState:        roomstate.Playing,
		VideoTimeAtRef:       12.5,
		ReferenceTimeMs:      1000,
		PlaybackRate:         1.5,
		Seq:                  3,
		ControllerUserID:     &controller,
		AudienceDelaySeconds: 2,
		CreatedBy:            &createdBy,
	}
	require.NoError(t, s.SetHot(ctx, snap))

	got, ok, err := s.readHot(ctx, "room-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.Name, got.Name)
	require.Equal(t, *snap.VideoID, *got.VideoID)
	require.Equal(t, snap.PlaybackState, got.PlaybackState)
	require.InDelta(t, snap.VideoTimeAtRef, got.VideoTimeAtRef, 1e-9)
	require.Equal(t, snap.ReferenceTimeMs, got.ReferenceTimeMs)
	require.InDelta(t, snap.PlaybackRate, got.PlaybackRate, 1e-9)
	require.Equal(t, snap.Seq, got.Seq)
	require.Equal(t, *snap.ControllerUserID, *got.ControllerUserID)
	require.Equal(t, snap.AudienceDelaySeconds, got.AudienceDelaySeconds)
	require.Equal(t, *snap.CreatedBy, *got.CreatedBy)
}

func TestStore_SetHot_ClearsStaleNullableFieldsOnRewrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	videoID := "abc123"
	require.NoError(t, s.SetHot(ctx, roomstate.Snapshot{RoomID: "room-3", VideoID: &videoID}))
	require.NoError(t, s.SetHot(ctx, roomstate.Snapshot{RoomID: "room-3", VideoID: nil}))

	got, ok, err := s.readHot(ctx, "room-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, got.VideoID)
}

func TestStore_NextSeq_StrictlyIncreasing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.NextSeq(ctx, "room-1")
	require.NoError(t, err)
	b, err := s.NextSeq(ctx, "room-1")
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestStore_EnsureSeqAtLeast_OnlyRaises(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureSeqAtLeast(ctx, "room-1", 10))
	v, err := s.redis.Get(ctx, seqKey("room-1")).Int64()
	require.NoError(t, err)
	require.EqualValues(t, 10, v)

	require.NoError(t, s.EnsureSeqAtLeast(ctx, "room-1", 3))
	v, err = s.redis.Get(ctx, seqKey("room-1")).Int64()
	require.NoError(t, err)
	require.EqualValues(t, 10, v, "ensureSeqAtLeast must never lower the counter")
}

func TestIsSchemaDriftError(t *testing.T) {
	require.True(t, isSchemaDriftError(errors.New(`ERROR: column "audience_delay_seconds" does not exist (SQLSTATE 42703)`)))
	require.True(t, isSchemaDriftError(errors.New("undefined_column")))
	require.False(t, isSchemaDriftError(errors.New("connection refused")))
}

func TestStore_Ping_NilDBIsHealthy(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
