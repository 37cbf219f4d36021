package sfutoken

import (
	"context"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthorizer struct {
	isCreator bool
	hasRole   bool
}

func (s stubAuthorizer) IsRoomCreator(ctx context.Context, roomID, userID string) (bool, error) {
	return s.isCreator, nil
}

func (s stubAuthorizer) HasStageRole(ctx context.Context, roomID, userID string) (bool, error) {
	return s.hasRole, nil
}

type stubCapacity struct{ count int }

func (s stubCapacity) Count(ctx context.Context, roomID string, kind Kind, tableID string) (int, error) {
	return s.count, nil
}

func TestMintStage_RoomCreatorAlwaysAllowed(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 8, stubCapacity{}, stubAuthorizer{isCreator: true})
	token, url, err := issuer.MintStage(context.Background(), "room-1", "user-1", "tab-a")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "wss://sfu.example", url)
}

func TestMintStage_NonCreatorWithoutRoleForbidden(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 8, stubCapacity{}, stubAuthorizer{})
	_, _, err := issuer.MintStage(context.Background(), "room-1", "user-1", "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMintStage_NonCreatorWithRoleAllowed(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 8, stubCapacity{}, stubAuthorizer{hasRole: true})
	_, _, err := issuer.MintStage(context.Background(), "room-1", "user-1", "")
	require.NoError(t, err)
}

func TestMintStage_CapacityExceededRejected(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 1, 8, stubCapacity{count: 1}, stubAuthorizer{isCreator: true})
	_, _, err := issuer.MintStage(context.Background(), "room-1", "user-1", "")
	assert.ErrorIs(t, err, ErrStageFull)
}

func TestMintTable_AnyMemberAllowed(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 8, stubCapacity{}, stubAuthorizer{})
	token, _, err := issuer.MintTable(context.Background(), "room-1", "table-1", "user-1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestMintTable_CapacityExceededRejected(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 2, stubCapacity{count: 2}, stubAuthorizer{})
	_, _, err := issuer.MintTable(context.Background(), "room-1", "table-1", "user-1", "")
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestMint_NotConfiguredRejectsImmediately(t *testing.T) {
	issuer := New("", "", "", 20, 8, nil, stubAuthorizer{isCreator: true})
	_, _, err := issuer.MintStage(context.Background(), "room-1", "user-1", "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = issuer.MintTable(context.Background(), "room-1", "table-1", "user-1", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMint_SubjectIsDeterministicUserIDSuffix(t *testing.T) {
	issuer := New("wss://sfu.example", "key", "secret", 20, 8, nil, stubAuthorizer{isCreator: true})
	token, _, err := issuer.MintStage(context.Background(), "room-1", "user-42", "tab-b")
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &participantClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(*participantClaims)
	assert.Equal(t, "user-42:tab-b", claims.Subject)
	assert.True(t, strings.HasPrefix(string(claims.Kind), "stage"))
}
