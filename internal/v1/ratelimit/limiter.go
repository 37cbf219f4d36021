// Package ratelimit implements the token-bucket limiter described by the
// spec's "Token-bucket limiter" component: a connection-rate bucket per
// remote IP (backed by github.com/ulule/limiter/v3) and command-rate /
// chat-rate buckets per (room,user) (backed by a Lua script run through
// go-redis, since ulule's GCRA model doesn't expose the exact
// consume(nowMs) -> {allowed, retryAfterMs} contract this spec requires).
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/config"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
)

// Policy describes one (room,user) token bucket.
type Policy string

const (
	PolicyCommand Policy = "cmd"
	PolicyChat    Policy = "chat"
)

// tokenBucketScript atomically refills and debits a bucket stored as a Redis
// hash {tokens, lastMs}. Returns {allowed (0/1), retryAfterMs}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillPerSec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
local refill = (elapsed / 1000.0) * refillPerSec
tokens = math.min(capacity, tokens + refill)

local allowed = 0
local retryAfterMs = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  local deficit = 1 - tokens
  retryAfterMs = math.ceil((deficit / refillPerSec) * 1000)
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last", tostring(now))
redis.call("PEXPIRE", key, ttlMs)

return {allowed, retryAfterMs}
`

// bucketPolicy is the capacity/refill/ttl triple for one Policy.
type bucketPolicy struct {
	capacity     float64
	refillPerSec float64
	ttlMs        int
}

// RateLimiter holds the connection-rate limiter and the per-(room,user)
// token-bucket policies.
type RateLimiter struct {
	connIP      *limiter.Limiter
	redisClient *redis.Client
	script      *redis.Script
	policies    map[Policy]bucketPolicy
}

// NewRateLimiter builds the connection-rate limiter (ulule/limiter, Redis
// store when available, in-memory otherwise) and registers the
// command/chat token-bucket policies.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnIP)
	if err != nil {
		return nil, fmt.Errorf("invalid connection rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "roomsync:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store (Redis disabled)")
	}

	return &RateLimiter{
		connIP:      limiter.New(store, connRate),
		redisClient: redisClient,
		script:      redis.NewScript(tokenBucketScript),
		policies: map[Policy]bucketPolicy{
			PolicyCommand: {
				capacity:     float64(cfg.RateLimitCmdCapacity),
				refillPerSec: cfg.RateLimitCmdRefillPerS,
				ttlMs:        cfg.RateLimitCmdTTLMs,
			},
			PolicyChat: {
				capacity:     float64(cfg.RateLimitChatCapacity),
				refillPerSec: cfg.RateLimitChatRefillPerS,
				ttlMs:        cfg.RateLimitChatTTLMs,
			},
		},
	}, nil
}

// CheckConnection enforces the connection-rate bucket for the request's
// remote IP. It writes a 429 response and returns false if the bucket is
// exhausted; on store failure it fails open (allows the connection).
func (rl *RateLimiter) CheckConnection(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.connIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "connection rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("conn_ip").Inc()
		// lctx.Reset is the unix time (seconds) at which the window resets.
		retryAfterSec := lctx.Reset - time.Now().Unix()
		if retryAfterSec < 0 {
			retryAfterSec = 0
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfterSec, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retryAfterMs": retryAfterSec * 1000})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("conn_ip").Inc()
	return true
}

// Consume atomically debits one token from the (policy, roomId, userId)
// bucket. It fails open (allowed=true) when Redis is unreachable, matching
// spec.md §4.2's "availability beats precision for this control".
func (rl *RateLimiter) Consume(ctx context.Context, policy Policy, roomID, userID string, now time.Time) (allowed bool, retryAfterMs int64, err error) {
	metrics.RateLimitRequests.WithLabelValues(string(policy)).Inc()

	if rl.redisClient == nil {
		return true, 0, nil // single-instance mode: no shared store to serialize through
	}

	p, ok := rl.policies[policy]
	if !ok {
		return true, 0, fmt.Errorf("unknown rate limit policy %q", policy)
	}

	key := fmt.Sprintf("rl:%s:%s:%s", policy, roomID, userID)
	nowMs := now.UnixMilli()

	res, runErr := rl.script.Run(ctx, rl.redisClient, []string{key},
		p.capacity, p.refillPerSec, nowMs, p.ttlMs).Result()
	if runErr != nil {
		logging.Error(ctx, "token bucket script failed", zap.Error(runErr), zap.String("policy", string(policy)))
		return true, 0, nil // fail open
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return true, 0, nil
	}

	allowedN, _ := vals[0].(int64)
	retryN, _ := vals[1].(int64)

	if allowedN == 0 {
		metrics.RateLimitExceeded.WithLabelValues(string(policy)).Inc()
		return false, retryN, nil
	}
	return true, 0, nil
}

// retryAfterCeil is exposed for tests that need to assert on the script's
// rounding behavior without duplicating the Lua math in Go.
func retryAfterCeil(deficit, refillPerSec float64) int64 {
	return int64(math.Ceil((deficit / refillPerSec) * 1000))
}
