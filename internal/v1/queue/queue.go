// Package queue implements the per-room pending-action sorted set described
// in spec.md §4.6: actions are stored keyed by execution instant so the
// advancer can cheaply find what is due and subscribers can replay the
// immediate future to late joiners.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/roomstate"
)

// TTL is refreshed on every add, per spec.md §6 (room:pending:<id>, TTL 10m).
const TTL = 10 * time.Minute

// Action is a pending action awaiting execution, per spec.md §3.
type Action struct {
	Seq         int64              `json:"seq" codec:"seq"`
	ExecAtMs    int64              `json:"execAtMs" codec:"execAtMs"`
	ServerNowMs int64              `json:"serverNowMs" codec:"serverNowMs"`
	Command     roomstate.Command  `json:"command" codec:"command"`
	Patch       roomstate.Snapshot `json:"patch" codec:"patch"`
}

// Queue wraps the sorted set for a single room's pending actions.
type Queue struct {
	client *redis.Client
}

// New builds a Queue over the given Redis client. A nil client degrades to a
// no-op queue (single-instance mode without Redis configured).
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func key(roomID string) string {
	return fmt.Sprintf("room:pending:%s", roomID)
}

// Add stores the action scored by its execution instant and refreshes the
// key's TTL. Ties in execAtMs are broken by seq on read by RangeDue/
// RangeUpcoming (via decodeSorted), since Redis scores are floats and two actions at
// the same ms would otherwise be ordered by member bytes.
func (q *Queue) Add(ctx context.Context, roomID string, action Action) error {
	if q == nil || q.client == nil {
		return nil
	}

	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal pending action: %w", err)
	}

	k := key(roomID)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(action.ExecAtMs), Member: raw})
	pipe.PExpire(ctx, k, TTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add pending action: %w", err)
	}
	metrics.PendingActionsQueued.WithLabelValues(roomID).Inc()
	return nil
}

// PeekNextDueAt returns the execAtMs of the earliest-scored member, or false
// if the queue is empty.
func (q *Queue) PeekNextDueAt(ctx context.Context, roomID string) (int64, bool, error) {
	if q == nil || q.client == nil {
		return 0, false, nil
	}

	res, err := q.client.ZRangeWithScores(ctx, key(roomID), 0, 0).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to peek pending queue: %w", err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return int64(res[0].Score), true, nil
}

// DueBatch pairs decoded actions with their raw (undecoded) member strings,
// ordered by (execAtMs asc, seq asc), so a caller can apply them and then
// pass the raws straight to RemoveAll.
type DueBatch struct {
	Actions []Action
	Raws    []string
}

// RangeDue returns every action with execAtMs <= nowMs, ordered by
// (execAtMs asc, seq asc).
func (q *Queue) RangeDue(ctx context.Context, roomID string, nowMs int64) (DueBatch, error) {
	if q == nil || q.client == nil {
		return DueBatch{}, nil
	}

	raws, err := q.client.ZRangeByScore(ctx, key(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", nowMs),
	}).Result()
	if err != nil {
		return DueBatch{}, fmt.Errorf("failed to range due actions: %w", err)
	}
	return decodeSorted(ctx, raws), nil
}

// RangeUpcoming returns up to limit actions with execAtMs > nowMs, ordered by
// (execAtMs asc, seq asc). Used to hand late joiners the immediate future
// (spec.md §4.8 join ack carries up to 5).
func (q *Queue) RangeUpcoming(ctx context.Context, roomID string, nowMs int64, limit int64) ([]Action, error) {
	if q == nil || q.client == nil {
		return nil, nil
	}

	raws, err := q.client.ZRangeByScore(ctx, key(roomID), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", nowMs),
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range upcoming actions: %w", err)
	}
	return decodeSorted(ctx, raws).Actions, nil
}

// RemoveAll removes the given raw (pre-decode JSON) members from the set,
// used by the advancer to drain drained actions after applying them.
func (q *Queue) RemoveAll(ctx context.Context, roomID string, rawValues []string) error {
	if q == nil || q.client == nil || len(rawValues) == 0 {
		return nil
	}

	members := make([]interface{}, len(rawValues))
	for i, v := range rawValues {
		members[i] = v
	}
	removed, err := q.client.ZRem(ctx, key(roomID), members...).Result()
	if err != nil {
		return fmt.Errorf("failed to remove drained actions: %w", err)
	}
	metrics.PendingActionsQueued.WithLabelValues(roomID).Sub(float64(removed))
	return nil
}

func decodeSorted(ctx context.Context, raws []string) DueBatch {
	type pair struct {
		action Action
		raw    string
	}
	pairs := make([]pair, 0, len(raws))
	for _, raw := range raws {
		var a Action
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			logging.Warn(ctx, "dropping malformed pending action", zap.Error(err))
			continue
		}
		pairs = append(pairs, pair{action: a, raw: raw})
	}

	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0; j-- {
			a, b := pairs[j-1].action, pairs[j].action
			if a.ExecAtMs < b.ExecAtMs || (a.ExecAtMs == b.ExecAtMs && a.Seq <= b.Seq) {
				break
			}
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}

	batch := DueBatch{Actions: make([]Action, len(pairs)), Raws: make([]string, len(pairs))}
	for i, p := range pairs {
		batch.Actions[i] = p.action
		batch.Raws[i] = p.raw
	}
	return batch
}
