package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-authcore"
)

func newSession(id, account string, now time.Time) *auth.Session {
	return &auth.Session{
		ID:         id,
		AccountID:  account,
		ClientIP:   "10.0.0.1",
		UserAgent:  "curl/8",
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewSessionRepository(setupDB(t))

	_, err := repo.FindSession(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, repo.CreateSession(ctx, newSession("s1", "acc", clock.now)))
	clock.Advance(time.Second)
	require.NoError(t, repo.CreateSession(ctx, newSession("s2", "acc", clock.now)))
	require.NoError(t, repo.CreateSession(ctx, newSession("s3", "other", clock.now)))

	found, err := repo.FindSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "acc", found.AccountID)
	assert.Equal(t, "curl/8", found.UserAgent)
	assert.True(t, found.Active(clock.now))

	list, err := repo.ListSessions(ctx, "acc", clock.now)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)

	ended, err := repo.RevokeSession(ctx, "s1", auth.RevocationReasonLogout, clock.now)
	require.NoError(t, err)
	assert.True(t, ended)
	ended, err = repo.RevokeSession(ctx, "s1", auth.RevocationReasonLogout, clock.now)
	require.NoError(t, err)
	assert.False(t, ended)

	found, err = repo.FindSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, found.RevokedAt)
	assert.Equal(t, auth.RevocationReasonLogout, found.RevokeReason)

	list, err = repo.ListSessions(ctx, "acc", clock.now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].ID)
}

func TestSessionRepository_RevokeSessionsKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewSessionRepository(setupDB(t))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateSession(ctx, newSession(id, "acc", clock.now)))
	}
	require.NoError(t, repo.CreateSession(ctx, newSession("x", "other", clock.now)))

	n, err := repo.RevokeSessions(ctx, "acc", "b", auth.RevocationReasonSessions, clock.now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.RevokeSessions(ctx, "acc", "", auth.RevocationReasonPassword, clock.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other, err := repo.FindSession(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, other.RevokedAt)
}

func TestSessionRepository_TouchAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	repo := NewSessionRepository(setupDB(t))

	require.NoError(t, repo.CreateSession(ctx, newSession("s1", "acc", clock.now)))
	require.NoError(t, repo.CreateSession(ctx, newSession("s2", "acc", clock.now)))

	clock.Advance(30 * time.Minute)
	require.NoError(t, repo.TouchSession(ctx, "s1", clock.now, clock.now.Add(time.Hour)))
	assert.ErrorIs(t, repo.TouchSession(ctx, "missing", clock.now, clock.now), auth.ErrNotFound)

	// an earlier expiry never shortens the session
	require.NoError(t, repo.TouchSession(ctx, "s1", clock.now, clock.now))

	touched, err := repo.FindSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, touched.LastSeenAt.Equal(clock.now))
	assert.True(t, touched.ExpiresAt.Equal(clock.now.Add(time.Hour)))

	clock.Advance(45 * time.Minute)
	n, err := repo.PurgeSessions(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.FindSession(ctx, "s2")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = repo.FindSession(ctx, "s1")
	assert.NoError(t, err)
}
