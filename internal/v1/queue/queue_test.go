package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/server/internal/v1/roomstate"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func action(seq, execAt int64) Action {
	return Action{
		Seq:      seq,
		ExecAtMs: execAt,
		Command:  roomstate.Command{Type: roomstate.CmdVideoPlay},
		Patch:    roomstate.Snapshot{Seq: seq},
	}
}

func TestQueue_AddAndPeekNextDueAt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, found, err := q.PeekNextDueAt(ctx, "room-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, q.Add(ctx, "room-1", action(1, 5000)))
	require.NoError(t, q.Add(ctx, "room-1", action(2, 3000)))

	due, found, err := q.PeekNextDueAt(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 3000, due)
}

func TestQueue_RangeDue_OrdersByExecAtThenSeq(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "room-1", action(3, 1000)))
	require.NoError(t, q.Add(ctx, "room-1", action(1, 1000)))
	require.NoError(t, q.Add(ctx, "room-1", action(2, 500)))
	require.NoError(t, q.Add(ctx, "room-1", action(9, 5000))) // not due yet

	batch, err := q.RangeDue(ctx, "room-1", 1000)
	require.NoError(t, err)
	require.Len(t, batch.Actions, 3)
	require.EqualValues(t, 2, batch.Actions[0].Seq)
	require.EqualValues(t, 1, batch.Actions[1].Seq)
	require.EqualValues(t, 3, batch.Actions[2].Seq)
}

func TestQueue_RangeUpcoming_ExcludesDueAndRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "room-1", action(1, 1000)))
	require.NoError(t, q.Add(ctx, "room-1", action(2, 2000)))
	require.NoError(t, q.Add(ctx, "room-1", action(3, 3000)))

	upcoming, err := q.RangeUpcoming(ctx, "room-1", 1000, 1)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	require.EqualValues(t, 2, upcoming[0].Seq)
}

func TestQueue_RemoveAll_DrainsMembers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "room-1", action(1, 1000)))
	require.NoError(t, q.Add(ctx, "room-1", action(2, 2000)))

	batch, err := q.RangeDue(ctx, "room-1", 1000)
	require.NoError(t, err)
	require.Len(t, batch.Actions, 1)

	require.NoError(t, q.RemoveAll(ctx, "room-1", batch.Raws))

	_, found, err := q.PeekNextDueAt(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, found) // the 2000ms action is still there

	remaining, err := q.RangeDue(ctx, "room-1", 2000)
	require.NoError(t, err)
	require.Len(t, remaining.Actions, 1)
	require.EqualValues(t, 2, remaining.Actions[0].Seq)
}

func TestQueue_NilClientIsNoOp(t *testing.T) {
	q := New(nil)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "room-1", action(1, 1000)))
	_, found, err := q.PeekNextDueAt(ctx, "room-1")
	require.NoError(t, err)
	require.False(t, found)

	batch, err := q.RangeDue(ctx, "room-1", 1000)
	require.NoError(t, err)
	require.Empty(t, batch.Actions)
}

func TestQueue_MalformedMemberIsDroppedSilently(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Add(ctx, "room-1", action(1, 1000)))
	_, err := mr.ZAdd(key("room-1"), 500, "not-json")
	require.NoError(t, err)

	batch, err := q.RangeDue(ctx, "room-1", 1000)
	require.NoError(t, err)
	require.Len(t, batch.Actions, 1)
	require.EqualValues(t, 1, batch.Actions[0].Seq)
}
