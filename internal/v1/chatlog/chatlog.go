// Package chatlog implements the per-room bounded chat list from spec.md
// §4.10: append with sanitization and trim, load recent in ascending
// timestamp order, tolerating malformed entries.
package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/logging"
)

// MaxMessageLength is the length cap from spec.md §4.8's chat:send sanitizer.
const MaxMessageLength = 500

// ErrEmptyMessage is returned when a sanitized message is empty.
var ErrEmptyMessage = fmt.Errorf("invalid_message")

// Message is a single chat entry, per spec.md §3.
type Message struct {
	ID          string `json:"id" codec:"id"`
	RoomID      string `json:"roomId" codec:"roomId"`
	UserID      string `json:"userId" codec:"userId"`
	DisplayName string `json:"displayName" codec:"displayName"`
	Message     string `json:"message" codec:"message"`
	AtMs        int64  `json:"atMs" codec:"atMs"`
}

// Log wraps the chat list for all rooms over a shared Redis client.
type Log struct {
	client      *redis.Client
	maxMessages int64
	ttl         time.Duration
}

// New builds a Log. maxMessages and ttl come from CHAT_MAX_MESSAGES /
// CHAT_TTL_SEC (spec.md §6).
func New(client *redis.Client, maxMessages int64, ttl time.Duration) *Log {
	return &Log{client: client, maxMessages: maxMessages, ttl: ttl}
}

func key(roomID string) string { return fmt.Sprintf("room:chat:%s", roomID) }

// Sanitize strips control characters, normalizes line endings, trims
// whitespace, and caps length at MaxMessageLength, per spec.md §4.8.
func Sanitize(raw string) (string, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var b strings.Builder
	for _, r := range raw {
		if r == '\n' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	clean := strings.TrimSpace(b.String())
	if runes := []rune(clean); len(runes) > MaxMessageLength {
		clean = string(runes[:MaxMessageLength])
	}
	if clean == "" {
		return "", ErrEmptyMessage
	}
	return clean, nil
}

// Append builds a message with a fresh id and the given timestamp, sanitizes
// its text, pushes it, trims the list to the retention bound, and refreshes
// the TTL.
func (l *Log) Append(ctx context.Context, roomID, userID, displayName, rawMessage string, atMs int64) (Message, error) {
	clean, err := Sanitize(rawMessage)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Message:     clean,
		AtMs:        atMs,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal chat message: %w", err)
	}

	if l.client == nil {
		return msg, nil
	}

	k := key(roomID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	pipe.LTrim(ctx, k, -l.maxMessages, -1)
	pipe.PExpire(ctx, k, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Message{}, fmt.Errorf("failed to append chat message: %w", err)
	}
	return msg, nil
}

// Load returns the last n messages in ascending atMs order, dropping any
// malformed entry silently.
func (l *Log) Load(ctx context.Context, roomID string, n int64) ([]Message, error) {
	if l.client == nil {
		return nil, nil
	}

	raws, err := l.client.LRange(ctx, key(roomID), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	messages := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logging.Warn(ctx, "dropping malformed chat message", zap.String("roomId", roomID), zap.Error(err))
			continue
		}
		messages = append(messages, m)
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].AtMs < messages[j].AtMs })
	return messages, nil
}
