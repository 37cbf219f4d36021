package chatlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, maxMessages int64) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, maxMessages, time.Hour), mr
}

func TestSanitize_StripsControlCharsAndTrims(t *testing.T) {
	clean, err := Sanitize("  hello\x00world\t \n")
	require.NoError(t, err)
	require.Equal(t, "helloworld", clean)
}

func TestSanitize_NormalizesLineEndings(t *testing.T) {
	clean, err := Sanitize("line1\r\nline2\rline3")
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\nline3", clean)
}

func TestSanitize_CapsLength(t *testing.T) {
	raw := strings.Repeat("a", 600)
	clean, err := Sanitize(raw)
	require.NoError(t, err)
	require.Len(t, clean, MaxMessageLength)
}

func TestSanitize_EmptyAfterTrimIsRejected(t *testing.T) {
	_, err := Sanitize("   \t\n  ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSanitize_EmptyStringIsRejected(t *testing.T) {
	_, err := Sanitize("")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestLog_AppendAndLoad_AscendingOrder(t *testing.T) {
	l, _ := newTestLog(t, 100)
	ctx := context.Background()

	_, err := l.Append(ctx, "room-1", "user-a", "Ada", "hello", 100)
	require.NoError(t, err)
	_, err = l.Append(ctx, "room-1", "user-b", "Bob", "hi", 200)
	require.NoError(t, err)
	_, err = l.Append(ctx, "room-1", "user-c", "Cy", "hey", 300)
	require.NoError(t, err)

	msgs, err := l.Load(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "hello", msgs[0].Message)
	require.Equal(t, "hi", msgs[1].Message)
	require.Equal(t, "hey", msgs[2].Message)
}

func TestLog_Append_RejectsEmptyMessage(t *testing.T) {
	l, _ := newTestLog(t, 100)
	_, err := l.Append(context.Background(), "room-1", "user-a", "Ada", "   ", 100)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

// Invariant 7: chat history length never exceeds the configured cap.
func TestLog_Append_TrimsToCapacity(t *testing.T) {
	l, _ := newTestLog(t, 2)
	ctx := context.Background()

	_, err := l.Append(ctx, "room-1", "u", "U", "first", 100)
	require.NoError(t, err)
	_, err = l.Append(ctx, "room-1", "u", "U", "second", 200)
	require.NoError(t, err)
	_, err = l.Append(ctx, "room-1", "u", "U", "third", 300)
	require.NoError(t, err)

	msgs, err := l.Load(ctx, "room-1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "second", msgs[0].Message)
	require.Equal(t, "third", msgs[1].Message)
}

func TestLog_Load_DropsMalformedEntriesSilently(t *testing.T) {
	l, mr := newTestLog(t, 100)
	ctx := context.Background()

	_, err := l.Append(ctx, "room-1", "u", "U", "good", 100)
	require.NoError(t, err)
	_, err = mr.RPush(key("room-1"), "not-json")
	require.NoError(t, err)

	msgs, err := l.Load(ctx, "room-1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "good", msgs[0].Message)
}
