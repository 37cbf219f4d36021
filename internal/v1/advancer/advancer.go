// Package advancer implements the per-room timer loop from spec.md §4.7:
// wake at the next due instant, acquire the advisory lock, drain and apply
// due actions, persist, and reschedule. One goroutine-driven timer exists
// per room with pending work, so a crowded room never starves a quiet one.
package advancer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/queue"
	"github.com/roomsync/server/internal/v1/roomstate"
	"github.com/roomsync/server/internal/v1/store"
)

// LockTTL matches spec.md §6's lock:roomAdvance:<id> (PX 5s).
const LockTTL = 5 * time.Second

// Advancer owns one timer per room that currently has pending work.
type Advancer struct {
	bus    *bus.Service
	queue  *queue.Queue
	store  *store.Store
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds an Advancer. Call Stop to cancel every outstanding timer.
func New(busSvc *bus.Service, q *queue.Queue, st *store.Store) *Advancer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Advancer{
		bus:    busSvc,
		queue:  q,
		store:  st,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// Stop cancels every scheduled wakeup. It does not touch persisted state;
// another node (or a restart) picks up where this one left off.
func (a *Advancer) Stop() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = make(map[string]*time.Timer)
}

// EnsureScheduled arranges for the room to be re-examined at its next due
// instant, replacing any timer already scheduled for the room. Safe to call
// after every Add to the pending queue.
func (a *Advancer) EnsureScheduled(roomID string) {
	dueAt, found, err := a.queue.PeekNextDueAt(a.ctx, roomID)
	if err != nil {
		logging.Error(a.ctx, "failed to peek next due action", zap.String("roomId", roomID), zap.Error(err))
		return
	}
	if !found {
		return
	}

	now := time.Now().UnixMilli()
	delay := time.Duration(dueAt-now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.timers[roomID]; ok {
		existing.Stop()
	}
	a.timers[roomID] = time.AfterFunc(delay, func() { a.fire(roomID) })
}

func (a *Advancer) fire(roomID string) {
	ctx := a.ctx
	lockKey := "lock:roomAdvance:" + roomID

	acquired, err := a.bus.Lock(ctx, lockKey, LockTTL)
	if err != nil {
		logging.Error(ctx, "advancer lock attempt failed", zap.String("roomId", roomID), zap.Error(err))
		a.EnsureScheduled(roomID)
		return
	}
	if !acquired {
		metrics.AdvancerLockContention.Inc()
		a.EnsureScheduled(roomID)
		return
	}

	if _, err := a.drainAndApply(ctx, roomID); err != nil {
		logging.Error(ctx, "advancer drain failed", zap.String("roomId", roomID), zap.Error(err))
	}

	a.EnsureScheduled(roomID)
}

// LoadCurrent returns the room's current snapshot after draining and
// applying any actions already due, per spec.md §4.8's "load/advance the
// snapshot" steps for join, state:request, and command. It is best-effort
// about the advisory lock: if another node already holds
// lock:roomAdvance:<roomId>, that node is draining the room itself, so this
// just reads the snapshot as-is rather than blocking or double-applying.
func (a *Advancer) LoadCurrent(ctx context.Context, roomID string) (roomstate.Snapshot, error) {
	lockKey := "lock:roomAdvance:" + roomID
	acquired, err := a.bus.Lock(ctx, lockKey, LockTTL)
	if err != nil {
		logging.Warn(ctx, "advance lock attempt failed, reading snapshot without draining", zap.String("roomId", roomID), zap.Error(err))
		return a.store.GetOrCreate(ctx, roomID, "", nil)
	}
	if !acquired {
		return a.store.GetOrCreate(ctx, roomID, "", nil)
	}
	return a.drainAndApply(ctx, roomID)
}

// drainAndApply loads the current snapshot, applies every action already due
// in (execAtMs, seq) order, persists the result if anything applied, and
// removes the drained entries from the queue. Caller must hold
// lock:roomAdvance:<roomId>.
func (a *Advancer) drainAndApply(ctx context.Context, roomID string) (roomstate.Snapshot, error) {
	now := time.Now().UnixMilli()

	snap, err := a.store.GetOrCreate(ctx, roomID, "", nil)
	if err != nil {
		return roomstate.Snapshot{}, err
	}

	batch, err := a.queue.RangeDue(ctx, roomID, now)
	if err != nil {
		return snap, err
	}
	if len(batch.Actions) == 0 {
		return snap, nil
	}

	applied := 0
	for _, action := range batch.Actions {
		if action.Seq <= snap.Seq {
			continue // idempotent drop, spec.md §4.7 step 4
		}
		next, err := roomstate.Apply(snap, action.Command, action.ExecAtMs, action.Seq)
		if err != nil {
			logging.Warn(ctx, "dropping unapplicable pending action", zap.String("roomId", roomID), zap.Int64("seq", action.Seq), zap.Error(err))
			continue
		}
		snap = next
		applied++
		metrics.CommandsApplied.WithLabelValues(string(action.Command.Type)).Inc()
		metrics.AdvancerLag.Observe(float64(now-action.ExecAtMs) / 1000.0)
	}

	if applied > 0 {
		if err := a.store.SetHot(ctx, snap); err != nil {
			logging.Error(ctx, "failed to write hot snapshot after advance", zap.String("roomId", roomID), zap.Error(err))
		}
		if err := a.store.Persist(ctx, snap); err != nil {
			logging.Error(ctx, "failed to persist snapshot after advance", zap.String("roomId", roomID), zap.Error(err))
		}
	}

	if err := a.queue.RemoveAll(ctx, roomID, batch.Raws); err != nil {
		return snap, err
	}
	return snap, nil
}
