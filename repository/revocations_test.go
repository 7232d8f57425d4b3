package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-authcore"
)

func TestRevocationRepository_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewRevocationRepository(setupDB(t))

	token := auth.RevokedToken{
		TokenID:   "jti-1",
		Subject:   "sub-1",
		TokenType: auth.TokenTypeAccess,
		Reason:    auth.RevocationReasonLogout,
		RevokedAt: clock.now,
		ExpiresAt: clock.now.Add(15 * time.Minute),
	}
	inserted, err := repo.Revoke(ctx, token)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Revoke(ctx, token)
	require.NoError(t, err)
	assert.False(t, inserted)

	revoked, err := repo.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	stats, err := repo.Stats(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, auth.RevocationStats{Total: 1, Expired: 0, Active: 1}, stats)
}

func TestRevocationRepository_SubjectKeepsLatestMarker(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewRevocationRepository(setupDB(t))

	_, found, err := repo.SubjectRevokedAt(ctx, "sub-1")
	require.NoError(t, err)
	assert.False(t, found)

	later := clock.now.Add(time.Minute)
	require.NoError(t, repo.RevokeSubject(ctx, auth.SubjectRevocation{
		Subject: "sub-1", Reason: auth.RevocationReasonAdmin,
		RevokedAt: later, ExpiresAt: later.Add(time.Hour),
	}))
	require.NoError(t, repo.RevokeSubject(ctx, auth.SubjectRevocation{
		Subject: "sub-1", Reason: auth.RevocationReasonStatus,
		RevokedAt: clock.now, ExpiresAt: clock.now.Add(time.Hour),
	}))

	at, found, err := repo.SubjectRevokedAt(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, at.Equal(later), "expected %s, got %s", later, at)
}

func TestRevocationRepository_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewRevocationRepository(setupDB(t))

	for _, token := range []auth.RevokedToken{
		{TokenID: "old", Subject: "s", RevokedAt: clock.now, ExpiresAt: clock.now.Add(time.Minute)},
		{TokenID: "live", Subject: "s", RevokedAt: clock.now, ExpiresAt: clock.now.Add(time.Hour)},
	} {
		_, err := repo.Revoke(ctx, token)
		require.NoError(t, err)
	}
	require.NoError(t, repo.RevokeSubject(ctx, auth.SubjectRevocation{
		Subject: "s", RevokedAt: clock.now, ExpiresAt: clock.now.Add(2 * time.Minute),
	}))

	clock.Advance(10 * time.Minute)

	stats, err := repo.Stats(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, auth.RevocationStats{Total: 2, Expired: 1, Active: 1}, stats)

	n, err := repo.PurgeExpired(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	revoked, err := repo.IsRevoked(ctx, "live")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, found, err := repo.SubjectRevokedAt(ctx, "s")
	require.NoError(t, err)
	assert.False(t, found)
}
