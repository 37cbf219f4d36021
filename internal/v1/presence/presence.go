// Package presence maintains the per-room online-user hash from spec.md
// §4.9 and a throttled gocron-driven broadcaster that emits presence:update
// for the rooms that changed since the last tick.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
)

// TTL matches spec.md §6's presence:<id> (TTL 20m).
const TTL = 20 * time.Minute

// Update is the payload fanned out as presence:update.
type Update struct {
	RoomID      string `json:"roomId" codec:"roomId"`
	OnlineCount int    `json:"onlineCount" codec:"onlineCount"`
}

// Presence tracks per-room connection counts and batches their broadcast.
type Presence struct {
	redis *redis.Client
	bus   *bus.Service

	mu    sync.Mutex
	dirty map[string]struct{}
}

// New builds a Presence tracker.
func New(redisClient *redis.Client, busSvc *bus.Service) *Presence {
	return &Presence{
		redis: redisClient,
		bus:   busSvc,
		dirty: make(map[string]struct{}),
	}
}

func key(roomID string) string { return fmt.Sprintf("presence:%s", roomID) }

// Join increments userID's connection count in roomID and marks the room
// dirty for the next broadcast tick.
func (p *Presence) Join(ctx context.Context, roomID, userID string) error {
	if p.redis == nil {
		p.markDirty(roomID)
		return nil
	}
	k := key(roomID)
	pipe := p.redis.TxPipeline()
	pipe.HIncrBy(ctx, k, userID, 1)
	pipe.PExpire(ctx, k, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record presence join: %w", err)
	}
	p.markDirty(roomID)
	return nil
}

// Leave decrements userID's connection count, deleting the field once it
// reaches zero so OnlineCount (HLen) reflects only active users.
func (p *Presence) Leave(ctx context.Context, roomID, userID string) error {
	if p.redis == nil {
		p.markDirty(roomID)
		return nil
	}
	k := key(roomID)
	count, err := p.redis.HIncrBy(ctx, k, userID, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to record presence leave: %w", err)
	}
	if count <= 0 {
		if err := p.redis.HDel(ctx, k, userID).Err(); err != nil {
			logging.Warn(ctx, "failed to clean up zeroed presence field", zap.String("roomId", roomID), zap.Error(err))
		}
	}
	p.markDirty(roomID)
	return nil
}

// OnlineCount is the number of users with a positive connection count, i.e.
// the number of remaining hash fields (Leave deletes fields that hit zero).
func (p *Presence) OnlineCount(ctx context.Context, roomID string) (int, error) {
	if p.redis == nil {
		return 0, nil
	}
	n, err := p.redis.HLen(ctx, key(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read online count: %w", err)
	}
	return int(n), nil
}

func (p *Presence) markDirty(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty[roomID] = struct{}{}
}

// drainDirty empties the dirty set and returns the room ids it held.
func (p *Presence) drainDirty() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rooms := make([]string, 0, len(p.dirty))
	for roomID := range p.dirty {
		rooms = append(rooms, roomID)
	}
	p.dirty = make(map[string]struct{})
	return rooms
}

// tick reads the dirty set, looks up each room's current count, and
// broadcasts presence:update. Errors are logged and never stop the tick.
func (p *Presence) tick(ctx context.Context) {
	rooms := p.drainDirty()
	for _, roomID := range rooms {
		count, err := p.OnlineCount(ctx, roomID)
		if err != nil {
			logging.Error(ctx, "presence tick failed to read online count", zap.String("roomId", roomID), zap.Error(err))
			continue
		}
		if err := p.bus.Publish(ctx, roomID, "presence:update", Update{RoomID: roomID, OnlineCount: count}, ""); err != nil {
			logging.Error(ctx, "presence tick failed to publish update", zap.String("roomId", roomID), zap.Error(err))
			continue
		}
		metrics.PresenceBroadcasts.Inc()
	}
}

// StartBroadcaster runs the tick loop every interval (spec.md §6's
// PRESENCE_BROADCAST_EVERY_MS, ~2s default) until the returned scheduler is
// shut down.
func (p *Presence) StartBroadcaster(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create presence scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { p.tick(ctx) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule presence broadcast job: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}
