package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomsync/server/internal/v1/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitConnIP:         "100-M",
		RateLimitCmdCapacity:    5,
		RateLimitCmdRefillPerS:  1,
		RateLimitCmdTTLMs:       60_000,
		RateLimitChatCapacity:   3,
		RateLimitChatRefillPerS: 1,
		RateLimitChatTTLMs:      60_000,
	}

	rl, err := NewRateLimiter(cfg, client)
	require.NoError(t, err)

	return rl, mr
}

func TestConsume_AllowsWithinCapacity(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		allowed, retry, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", now)
		require.NoError(t, err)
		assert.True(t, allowed, "token %d should be allowed", i)
		assert.Zero(t, retry)
	}
}

func TestConsume_DeniesBeyondCapacity(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		_, _, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", now)
		require.NoError(t, err)
	}

	allowed, retry, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retry, int64(0))
}

func TestConsume_RefillsOverTime(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	start := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		_, _, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", start)
		require.NoError(t, err)
	}

	allowed, _, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", start.Add(1100*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, allowed, "one token/sec refill should allow a new consume after 1.1s")
}

func TestConsume_BucketsAreIndependentPerPolicyAndKey(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		_, _, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", now)
		require.NoError(t, err)
	}

	// A different user in the same room still has a fresh bucket.
	allowed, _, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-2", now)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The chat policy bucket for the same user is unaffected by the command bucket.
	allowed, _, err = rl.Consume(context.Background(), PolicyChat, "room-1", "user-1", now)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConsume_FailsOpenWhenRedisUnavailable(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	allowed, retry, err := rl.Consume(context.Background(), PolicyCommand, "room-1", "user-1", time.Now())
	assert.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retry)
}

func TestRetryAfterCeil(t *testing.T) {
	assert.Equal(t, int64(500), retryAfterCeil(0.5, 1))
	assert.Equal(t, int64(1000), retryAfterCeil(1, 1))
}
