// Package sfutoken mints short-lived signed join tokens for the external
// media SFU, per spec.md §4.8 (stage:token/table:token) and §4.12.
package sfutoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error taxonomy entries from spec.md §7 relevant to token issuance.
var (
	ErrForbidden     = errors.New("forbidden")
	ErrStageFull     = errors.New("stage_full")
	ErrTableFull     = errors.New("table_full")
	ErrNotConfigured = errors.New("livekit_not_configured")
)

// Kind distinguishes the two token audiences from spec.md §4.8.
type Kind string

const (
	Stage Kind = "stage"
	Table Kind = "table"
)

// TokenTTL bounds how long a minted join token is valid.
const TokenTTL = 10 * time.Minute

// CapacityChecker queries the SFU control plane for the current occupancy of
// a stage or table, a best-effort check per spec.md §4.8 step 2.
type CapacityChecker interface {
	Count(ctx context.Context, roomID string, kind Kind, tableID string) (int, error)
}

// NoopCapacityChecker always reports zero occupancy. It is the default when
// no SFU control-plane query endpoint is configured; capacity then relies
// entirely on the SFU's own room limits.
type NoopCapacityChecker struct{}

func (NoopCapacityChecker) Count(ctx context.Context, roomID string, kind Kind, tableID string) (int, error) {
	return 0, nil
}

// StageAuthorizer resolves whether a user may publish on the room's stage:
// the room creator always may; otherwise a per-room role mapping allows
// host/speaker (spec.md §4.8 step 1).
type StageAuthorizer interface {
	IsRoomCreator(ctx context.Context, roomID, userID string) (bool, error)
	HasStageRole(ctx context.Context, roomID, userID string) (bool, error)
}

// Issuer mints SFU join tokens once authorization and capacity checks pass.
type Issuer struct {
	secret     []byte
	url        string
	configured bool
	maxStage   int
	maxTable   int
	capacity   CapacityChecker
	authorizer StageAuthorizer
}

// New builds an Issuer. If url, key or secret is empty the issuer is considered
// unconfigured and every mint call returns ErrNotConfigured, matching
// spec.md §7's livekit_not_configured.
func New(url, key, secret string, maxStage, maxTable int, capacity CapacityChecker, authorizer StageAuthorizer) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		url:        url,
		configured: url != "" && secret != "" && key != "",
		maxStage:   maxStage,
		maxTable:   maxTable,
		capacity:   capacity,
		authorizer: authorizer,
	}
}

// participantClaims mirror the identity claims a media SFU expects; the
// deterministic "userId:suffix" subject lets one user hold multiple
// concurrent devices without colliding participant identities.
type participantClaims struct {
	RoomID string `json:"roomId"`
	Kind   Kind   `json:"kind"`
	jwt.RegisteredClaims
}

// MintStage issues a stage (publish/subscribe) token for userID, after
// confirming authorization and best-effort capacity.
func (i *Issuer) MintStage(ctx context.Context, roomID, userID, suffix string) (token, url string, err error) {
	if !i.configured {
		return "", "", ErrNotConfigured
	}

	isCreator, err := i.authorizer.IsRoomCreator(ctx, roomID, userID)
	if err != nil {
		return "", "", fmt.Errorf("failed to check room creator: %w", err)
	}
	if !isCreator {
		hasRole, err := i.authorizer.HasStageRole(ctx, roomID, userID)
		if err != nil {
			return "", "", fmt.Errorf("failed to check stage role: %w", err)
		}
		if !hasRole {
			return "", "", ErrForbidden
		}
	}

	if i.capacity != nil {
		count, err := i.capacity.Count(ctx, roomID, Stage, "")
		if err != nil {
			return "", "", fmt.Errorf("failed to check stage capacity: %w", err)
		}
		if count >= i.maxStage {
			return "", "", ErrStageFull
		}
	}

	return i.mint(roomID, userID, suffix, Stage)
}

// MintTable issues a table (breakout) token; any room member may hold one.
func (i *Issuer) MintTable(ctx context.Context, roomID, tableID, userID, suffix string) (token, url string, err error) {
	if !i.configured {
		return "", "", ErrNotConfigured
	}

	if i.capacity != nil {
		count, err := i.capacity.Count(ctx, roomID, Table, tableID)
		if err != nil {
			return "", "", fmt.Errorf("failed to check table capacity: %w", err)
		}
		if count >= i.maxTable {
			return "", "", ErrTableFull
		}
	}

	return i.mint(roomID, userID, suffix, Table)
}

func (i *Issuer) mint(roomID, userID, suffix string, kind Kind) (string, string, error) {
	subject := userID
	if suffix != "" {
		subject = userID + ":" + suffix
	}

	claims := participantClaims{
		RoomID: roomID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign sfu token: %w", err)
	}
	return signed, i.url, nil
}
