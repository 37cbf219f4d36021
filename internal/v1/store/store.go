// Package store adapts the room snapshot to its two backing stores: the
// shared Redis hash (hot path, spec.md §6 "room:state:<id>") and the durable
// relational table (cold path, spec.md §6 durable-store columns). Per
// spec.md §5, only the advancer calls Persist; every other caller only reads.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/roomstate"
)

// HotTTL matches spec.md §6's room:state:<id> TTL.
const HotTTL = 6 * time.Hour

// RoomRow is the durable row for a room snapshot, column names per spec.md
// §6's "Durable-store columns (canonical names)".
type RoomRow struct {
	ID                      string `gorm:"column:id;primaryKey"`
	CreatedBy               *string `gorm:"column:created_by"`
	Name                    string `gorm:"column:name"`
	CurrentVideoID          *string `gorm:"column:current_video_id"`
	IsPaused                bool `gorm:"column:is_paused"`
	PlaybackPositionSeconds float64 `gorm:"column:playback_position_seconds"`
	PlaybackRate            float64 `gorm:"column:playback_rate"`
	StateSeq                int64 `gorm:"column:state_seq"`
	ReferenceTime           time.Time `gorm:"column:reference_time"`
	VideoTimeAtReference    float64 `gorm:"column:video_time_at_reference"`
	PlaybackState           string `gorm:"column:playback_state"`
	ControllerUserID        *string `gorm:"column:controller_user_id"`
	AudienceDelaySeconds    int `gorm:"column:audience_delay_seconds"`
	UpdatedAt               time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (RoomRow) TableName() string { return "rooms" }

// legacyRoomRow is the fallback subset used when the live schema predates a
// column this service expects (schema-drift recovery, spec.md §4.4).
type legacyRoomRow struct {
	ID                      string    `gorm:"column:id;primaryKey"`
	Name                    string    `gorm:"column:name"`
	CurrentVideoID          *string   `gorm:"column:current_video_id"`
	IsPaused                bool      `gorm:"column:is_paused"`
	PlaybackPositionSeconds float64   `gorm:"column:playback_position_seconds"`
	PlaybackRate            float64   `gorm:"column:playback_rate"`
	StateSeq                int64     `gorm:"column:state_seq"`
	UpdatedAt               time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (legacyRoomRow) TableName() string { return "rooms" }

// RoomStageRole is the auxiliary per-room role table from spec.md §6.
type RoomStageRole struct {
	RoomID string `gorm:"column:room_id;primaryKey"`
	UserID string `gorm:"column:user_id;primaryKey"`
	Role   string `gorm:"column:role"`
}

func (RoomStageRole) TableName() string { return "room_stage_roles" }

// Store is the combined hot-cache + durable-store adapter.
type Store struct {
	redis *redis.Client
	db    *gorm.DB
}

// New builds a Store. db may be nil during tests exercising only the hot
// path; redis may be nil in single-instance mode without a shared store.
func New(redisClient *redis.Client, db *gorm.DB) *Store {
	return &Store{redis: redisClient, db: db}
}

// Ping satisfies health.DurablePinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func hotKey(roomID string) string { return fmt.Sprintf("room:state:%s", roomID) }

// GetOrCreate returns the cached snapshot if present, else reads the durable
// row, else inserts a fresh one. On a durable hit it hydrates the cache.
func (s *Store) GetOrCreate(ctx context.Context, roomID string, name string, userForCreate *string) (roomstate.Snapshot, error) {
	if snap, ok, err := s.readHot(ctx, roomID); err != nil {
		logging.Warn(ctx, "hot cache read failed, falling through to durable store", zap.Error(err))
	} else if ok {
		return snap, nil
	}

	if s.db != nil {
		if snap, ok, err := s.readDurable(ctx, roomID); err != nil {
			return roomstate.Snapshot{}, fmt.Errorf("failed to read durable room: %w", err)
		} else if ok {
			_ = s.SetHot(ctx, snap)
			return snap, nil
		}
	}

	fresh := roomstate.New(roomID, name, userForCreate)
	if s.db != nil {
		if err := s.insertDurable(ctx, fresh); err != nil {
			return roomstate.Snapshot{}, fmt.Errorf("failed to insert new room: %w", err)
		}
	}
	_ = s.SetHot(ctx, fresh)
	return fresh, nil
}

// SetHot upserts the snapshot into the hot cache with TTL.
func (s *Store) SetHot(ctx context.Context, snap roomstate.Snapshot) error {
	if s.redis == nil {
		return nil
	}

	fields := map[string]interface{}{
		"roomId":               snap.RoomID,
		"name":                 snap.Name,
		"playbackState":        string(snap.PlaybackState),
		"videoTimeAtRef":       snap.VideoTimeAtRef,
		"referenceTimeMs":      snap.ReferenceTimeMs,
		"playbackRate":         snap.PlaybackRate,
		"seq":                  snap.Seq,
		"audienceDelaySeconds": snap.AudienceDelaySeconds,
	}
	if snap.VideoID != nil {
		fields["videoId"] = *snap.VideoID
	}
	if snap.ControllerUserID != nil {
		fields["controllerUserId"] = *snap.ControllerUserID
	}
	if snap.CreatedBy != nil {
		fields["createdBy"] = *snap.CreatedBy
	}

	k := hotKey(snap.RoomID)
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, k) // nullable fields must not survive a prior write
	pipe.HSet(ctx, k, fields)
	pipe.PExpire(ctx, k, HotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write hot snapshot: %w", err)
	}
	return nil
}

func (s *Store) readHot(ctx context.Context, roomID string) (roomstate.Snapshot, bool, error) {
	if s.redis == nil {
		return roomstate.Snapshot{}, false, nil
	}

	res, err := s.redis.HGetAll(ctx, hotKey(roomID)).Result()
	if err != nil {
		return roomstate.Snapshot{}, false, err
	}
	if len(res) == 0 {
		return roomstate.Snapshot{}, false, nil
	}

	snap := roomstate.Snapshot{
		RoomID:        roomID,
		Name:          res["name"],
		PlaybackState: roomstate.PlaybackState(res["playbackState"]),
	}
	snap.VideoTimeAtRef, _ = strconv.ParseFloat(res["videoTimeAtRef"], 64)
	snap.ReferenceTimeMs, _ = strconv.ParseInt(res["referenceTimeMs"], 10, 64)
	snap.PlaybackRate, _ = strconv.ParseFloat(res["playbackRate"], 64)
	snap.Seq, _ = strconv.ParseInt(res["seq"], 10, 64)
	snap.AudienceDelaySeconds, _ = strconv.Atoi(res["audienceDelaySeconds"])
	if v, ok := res["videoId"]; ok {
		snap.VideoID = &v
	}
	if v, ok := res["controllerUserId"]; ok {
		snap.ControllerUserID = &v
	}
	if v, ok := res["createdBy"]; ok {
		snap.CreatedBy = &v
	}
	return snap, true, nil
}

func (s *Store) readDurable(ctx context.Context, roomID string) (roomstate.Snapshot, bool, error) {
	var row RoomRow
	err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return roomstate.Snapshot{}, false, nil
	}
	if err != nil {
		return roomstate.Snapshot{}, false, err
	}
	return rowToSnapshot(row), true, nil
}

func (s *Store) insertDurable(ctx context.Context, snap roomstate.Snapshot) error {
	row := snapshotToRow(snap)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	return nil
}

// Persist writes the advanced snapshot to the durable store. On a
// "column does not exist" style failure it retries once against the legacy
// column subset (spec.md §4.4).
func (s *Store) Persist(ctx context.Context, snap roomstate.Snapshot) error {
	if s.db == nil {
		return nil
	}

	row := snapshotToRow(snap)
	err := s.db.WithContext(ctx).Save(&row).Error
	if err == nil {
		return nil
	}
	if !isSchemaDriftError(err) {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}

	logging.Warn(ctx, "durable schema drift detected, retrying with legacy column subset", zap.String("roomId", snap.RoomID), zap.Error(err))
	legacy := legacyRoomRow{
		ID:                      snap.RoomID,
		Name:                    snap.Name,
		CurrentVideoID:          snap.VideoID,
		IsPaused:                snap.PlaybackState == roomstate.Paused,
		PlaybackPositionSeconds: snap.VideoTimeAtRef,
		PlaybackRate:            snap.PlaybackRate,
		StateSeq:                snap.Seq,
	}
	if legacyErr := s.db.WithContext(ctx).Save(&legacy).Error; legacyErr != nil {
		return fmt.Errorf("legacy persist also failed: %w", legacyErr)
	}
	return nil
}

// isSchemaDriftError detects Postgres's undefined_column SQLSTATE (42703)
// surfaced by jackc/pgx, matched on substring since gorm's postgres driver
// doesn't always expose a typed *pgconn.PgError through every wrapping path.
func isSchemaDriftError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "42703") || strings.Contains(msg, "undefined_column") || strings.Contains(msg, "does not exist")
}

func rowToSnapshot(row RoomRow) roomstate.Snapshot {
	return roomstate.Snapshot{
		RoomID:               row.ID,
		Name:                 row.Name,
		VideoID:              row.CurrentVideoID,
		PlaybackState:        roomstate.PlaybackState(row.PlaybackState),
		VideoTimeAtRef:       row.VideoTimeAtReference,
		ReferenceTimeMs:      row.ReferenceTime.UnixMilli(),
		PlaybackRate:         row.PlaybackRate,
		Seq:                  row.StateSeq,
		ControllerUserID:     row.ControllerUserID,
		AudienceDelaySeconds: row.AudienceDelaySeconds,
		CreatedBy:            row.CreatedBy,
	}
}

func snapshotToRow(snap roomstate.Snapshot) RoomRow {
	return RoomRow{
		ID:                      snap.RoomID,
		CreatedBy:               snap.CreatedBy,
		Name:                    snap.Name,
		CurrentVideoID:          snap.VideoID,
		IsPaused:                snap.PlaybackState == roomstate.Paused,
		PlaybackPositionSeconds: snap.VideoTimeAtRef,
		PlaybackRate:            snap.PlaybackRate,
		StateSeq:                snap.Seq,
		ReferenceTime:           time.UnixMilli(snap.ReferenceTimeMs),
		VideoTimeAtReference:    snap.VideoTimeAtRef,
		PlaybackState:           string(snap.PlaybackState),
		ControllerUserID:        snap.ControllerUserID,
		AudienceDelaySeconds:    snap.AudienceDelaySeconds,
	}
}

// NextSeq atomically increments the per-room sequence counter. Redis INCR is
// itself atomic across all nodes, satisfying spec.md §4.4's monotonicity
// invariant without any additional locking.
func (s *Store) NextSeq(ctx context.Context, roomID string) (int64, error) {
	if s.redis == nil {
		return 0, errors.New("no shared store configured")
	}
	n, err := s.redis.Incr(ctx, seqKey(roomID)).Result()
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("incr_seq", "error").Inc()
		return 0, fmt.Errorf("failed to increment seq: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("incr_seq", "ok").Inc()
	return n, nil
}

// EnsureSeqAtLeast monotonically raises the counter to n if it currently
// trails it, using a Lua compare-and-set to avoid a races between GET+SET.
var ensureSeqScript = redis.NewScript(`
local key = KEYS[1]
local n = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", key) or "0")
if current < n then
  redis.call("SET", key, n)
  return n
end
return current
`)

func (s *Store) EnsureSeqAtLeast(ctx context.Context, roomID string, n int64) error {
	if s.redis == nil {
		return nil
	}
	if err := ensureSeqScript.Run(ctx, s.redis, []string{seqKey(roomID)}, n).Err(); err != nil {
		return fmt.Errorf("failed to ensure seq at least %d: %w", n, err)
	}
	return nil
}

func seqKey(roomID string) string { return fmt.Sprintf("room:seq:%s", roomID) }

// IsRoomCreator satisfies sfutoken.StageAuthorizer: the room creator is
// always allowed on the stage (spec.md §4.8 step 1).
func (s *Store) IsRoomCreator(ctx context.Context, roomID, userID string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	var row RoomRow
	err := s.db.WithContext(ctx).Select("created_by").Where("id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up room creator: %w", err)
	}
	return row.CreatedBy != nil && *row.CreatedBy == userID, nil
}

// HasStageRole satisfies sfutoken.StageAuthorizer: a per-room role mapping
// allows host/speaker on the stage (spec.md §4.8 step 1).
func (s *Store) HasStageRole(ctx context.Context, roomID, userID string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	var role RoomStageRole
	err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up stage role: %w", err)
	}
	return role.Role == "host" || role.Role == "speaker", nil
}
