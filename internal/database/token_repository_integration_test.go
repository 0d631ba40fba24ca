package database

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/livefeed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRepo_CreateAndVerify(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewTokenRepo(pool, clockwork.NewRealClock())
	ctx := context.Background()

	id, err := repo.Create(ctx, "tok-1", "u1", "laptop", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	p, err := repo.Verify(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Principal{UserID: "u1", TokenID: id}, p)
}

func TestTokenRepo_StoresOnlyHash(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewTokenRepo(pool, clockwork.NewRealClock())
	ctx := context.Background()

	_, err := repo.Create(ctx, "plain-secret", "u1", "", 0)
	require.NoError(t, err)

	var hash string
	require.NoError(t, pool.QueryRow(ctx, "SELECT token_hash FROM access_tokens").Scan(&hash))
	assert.NotContains(t, hash, "plain-secret")
	assert.Len(t, hash, 64)
}

func TestTokenRepo_UnknownToken(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewTokenRepo(pool, clockwork.NewRealClock())

	_, err := repo.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestTokenRepo_Expired(t *testing.T) {
	pool := setupTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Now())
	repo := NewTokenRepo(pool, clock)
	ctx := context.Background()

	_, err := repo.Create(ctx, "tok-2", "u1", "", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = repo.Verify(ctx, "tok-2")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestTokenRepo_Revoke(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewTokenRepo(pool, clockwork.NewRealClock())
	ctx := context.Background()

	id, err := repo.Create(ctx, "tok-3", "u1", "", 0)
	require.NoError(t, err)

	require.NoError(t, repo.Revoke(ctx, id))
	assert.ErrorIs(t, repo.Revoke(ctx, id), domain.ErrInvalidToken)

	_, err = repo.Verify(ctx, "tok-3")
	assert.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestTokenRepo_ListAndDeleteExpired(t *testing.T) {
	pool := setupTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Now())
	repo := NewTokenRepo(pool, clock)
	ctx := context.Background()

	_, err := repo.Create(ctx, "short", "u1", "short", time.Minute)
	require.NoError(t, err)
	_, err = repo.Create(ctx, "forever", "u1", "forever", 0)
	require.NoError(t, err)

	tokens, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	deleted, err := repo.DeleteExpired(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	tokens, err = repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "forever", tokens[0].Label)
	assert.Nil(t, tokens[0].ExpiresAt)
}

func TestTokenRepo_RequiresUser(t *testing.T) {
	pool := setupTestDB(t)
	_, err := NewTokenRepo(pool, clockwork.NewRealClock()).Create(context.Background(), "t", "", "", 0)
	assert.ErrorIs(t, err, domain.ErrEmptyTarget)
}
