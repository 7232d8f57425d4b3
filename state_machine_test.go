package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-authcore"
)

var admin = auth.ActorRef{ID: "admin-1", Type: "account"}

func TestAccountStateMachineDisableRecordsEvent(t *testing.T) {
	f := newFixture()

	updated, err := f.machine.Disable(context.Background(), admin, f.account, "fraud review")
	require.NoError(t, err)
	assert.Equal(t, auth.AccountStatusDisabled, updated.Status)
	assert.Equal(t, "fraud review", updated.StatusReason)
	assert.Equal(t, int64(2), updated.Version)

	stored := f.accounts.get(f.account.ID)
	assert.Equal(t, auth.AccountStatusDisabled, stored.Status)

	event := f.sink.last()
	assert.Equal(t, auth.ActivityEventAccountStatusChanged, event.EventType)
	assert.Equal(t, admin, event.Actor)
	assert.Equal(t, auth.AccountStatusActive, event.FromStatus)
	assert.Equal(t, auth.AccountStatusDisabled, event.ToStatus)
	assert.Equal(t, "fraud review", event.Metadata["reason"])
}

func TestAccountStateMachineRejectsInvalidTransition(t *testing.T) {
	repo := &MockAccounts{}
	sm := auth.NewAccountStateMachine(repo)
	account := &auth.Account{ID: uuid.New(), Status: auth.AccountStatusDisabled, Version: 1}

	_, err := sm.Transition(context.Background(), admin, account, auth.AccountStatusLocked)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrInvalidTransition)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestAccountStateMachineDeletedIsTerminal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	deleted, err := f.machine.Delete(ctx, admin, f.account)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.True(t, deleted.IsDeleted())

	for _, target := range []auth.AccountStatus{auth.AccountStatusActive, auth.AccountStatusDisabled, auth.AccountStatusLocked} {
		_, err := f.machine.Transition(ctx, admin, deleted, target)
		assert.ErrorIs(t, err, auth.ErrTerminalState, "target %s", target)
	}
}

func TestAccountStateMachineSameStatusIsNoop(t *testing.T) {
	repo := &MockAccounts{}
	sm := auth.NewAccountStateMachine(repo)
	account := &auth.Account{ID: uuid.New(), Status: auth.AccountStatusActive, Version: 3}

	updated, err := sm.Activate(context.Background(), admin, account)
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
}

func TestAccountStateMachineUnlockResetsCounter(t *testing.T) {
	f := newFixture()
	until := f.clock.Now().Add(time.Hour)
	locked := f.accounts.put(&auth.Account{
		Identifier:     "locked@example.com",
		Status:         auth.AccountStatusLocked,
		FailedAttempts: 5,
		LockedUntil:    &until,
	})

	updated, err := f.machine.Unlock(context.Background(), admin, locked)
	require.NoError(t, err)
	assert.Equal(t, auth.AccountStatusActive, updated.Status)
	assert.Zero(t, updated.FailedAttempts)
	assert.Nil(t, updated.LockedUntil)
}

func TestAccountStateMachineHooks(t *testing.T) {
	f := newFixture()
	var calls []string

	before := func(_ context.Context, tc auth.TransitionContext) error {
		calls = append(calls, "before:"+string(tc.To))
		return nil
	}
	after := func(_ context.Context, tc auth.TransitionContext) error {
		calls = append(calls, "after:"+string(tc.To))
		return nil
	}

	_, err := f.machine.Transition(context.Background(), admin, f.account, auth.AccountStatusDisabled,
		auth.WithBeforeTransitionHook(before),
		auth.WithAfterTransitionHook(after),
		auth.WithTransitionMetadata(map[string]any{"ticket": "SEC-1"}),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"before:DISABLED", "after:DISABLED"}, calls)
	assert.Equal(t, "SEC-1", f.sink.last().Metadata["ticket"])
}

func TestAccountStateMachineBeforeHookAborts(t *testing.T) {
	f := newFixture()
	boom := errors.New("policy says no")

	_, err := f.machine.Disable(context.Background(), admin, f.account, "x")
	require.NoError(t, err)

	_, err = f.machine.Transition(context.Background(), admin, f.accounts.get(f.account.ID), auth.AccountStatusActive,
		auth.WithBeforeTransitionHook(func(context.Context, auth.TransitionContext) error { return boom }),
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, auth.AccountStatusDisabled, f.accounts.get(f.account.ID).Status)
}

func TestAccountStateMachineRetriesOnVersionConflict(t *testing.T) {
	f := newFixture()
	f.accounts.beforeUpdate = func(stored *auth.Account) {
		// a concurrent writer bumped the failure counter
		stored.FailedAttempts = 2
		stored.Version++
	}

	updated, err := f.machine.Disable(context.Background(), admin, f.account, "review")
	require.NoError(t, err)
	assert.Equal(t, auth.AccountStatusDisabled, updated.Status)
	assert.Equal(t, 2, updated.FailedAttempts)
	assert.Equal(t, 1, f.accounts.conflicts)
}

func TestAccountStateMachineStoreErrorIsReturned(t *testing.T) {
	repo := &MockAccounts{}
	account := &auth.Account{ID: uuid.New(), Status: auth.AccountStatusActive, Version: 1}
	outage := errors.New("db down")
	repo.On("Update", mock.Anything, mock.Anything).Return(outage).Once()

	sm := auth.NewAccountStateMachine(repo, auth.WithStateMachineLogger(auth.NopLogger()))
	_, err := sm.Disable(context.Background(), admin, account, "x")
	assert.ErrorIs(t, err, outage)
	repo.AssertExpectations(t)
}

func TestAccountStateMachineEligibility(t *testing.T) {
	sm := auth.NewAccountStateMachine(newMemAccounts())
	until := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	deletedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		account *auth.Account
		want    error
		reason  string
	}{
		{name: "active", account: &auth.Account{Status: auth.AccountStatusActive}},
		{name: "empty status defaults to active", account: &auth.Account{}},
		{name: "locked", account: &auth.Account{Status: auth.AccountStatusLocked, LockedUntil: &until}, want: auth.ErrAccountLocked},
		{name: "pending", account: &auth.Account{Status: auth.AccountStatusPending}, want: auth.ErrAccountDisabled, reason: "pending verification"},
		{name: "disabled with reason", account: &auth.Account{Status: auth.AccountStatusDisabled, StatusReason: "fraud"}, want: auth.ErrAccountDisabled, reason: "fraud"},
		{name: "disabled", account: &auth.Account{Status: auth.AccountStatusDisabled}, want: auth.ErrAccountDisabled, reason: "disabled by administrator"},
		{name: "deleted", account: &auth.Account{Status: auth.AccountStatusDeleted}, want: auth.ErrAccountDeleted},
		{name: "soft deleted active", account: &auth.Account{Status: auth.AccountStatusActive, DeletedAt: &deletedAt}, want: auth.ErrAccountDeleted},
		{name: "nil", account: nil, want: auth.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sm.Eligibility(tt.account)
			if tt.want == nil {
				assert.NoError(t, err)
				assert.True(t, sm.CanAuthenticate(tt.account))
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sm.CanAuthenticate(tt.account))
			if tt.reason != "" {
				var af *auth.AuthFailure
				require.ErrorAs(t, err, &af)
				assert.Equal(t, tt.reason, af.Reason)
			}
		})
	}
}

func TestAccountStateMachineLockoutCounters(t *testing.T) {
	sm := auth.NewAccountStateMachine(newMemAccounts(), auth.WithLockoutPolicy(auth.LockoutPolicy{
		MaxFailedAttempts: 3,
		LockDuration:      10 * time.Minute,
	}))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	account := &auth.Account{Status: auth.AccountStatusActive}

	assert.False(t, sm.RecordFailure(account, now))
	assert.False(t, sm.RecordFailure(account, now))
	assert.True(t, sm.RecordFailure(account, now))
	assert.Equal(t, auth.AccountStatusLocked, account.Status)
	require.NotNil(t, account.LockedUntil)
	assert.Equal(t, now.Add(10*time.Minute), *account.LockedUntil)

	// failures while locked keep counting but do not extend the lock
	assert.False(t, sm.RecordFailure(account, now.Add(time.Minute)))
	assert.Equal(t, 4, account.FailedAttempts)
	assert.Equal(t, now.Add(10*time.Minute), *account.LockedUntil)

	assert.False(t, sm.ReleaseExpiredLock(account, now.Add(9*time.Minute)))
	assert.True(t, sm.ReleaseExpiredLock(account, now.Add(10*time.Minute)))
	assert.Equal(t, auth.AccountStatusActive, account.Status)
	assert.Zero(t, account.FailedAttempts)
	assert.Nil(t, account.LockedUntil)

	sm.RecordFailure(account, now)
	sm.RecordSuccess(account, now)
	assert.Zero(t, account.FailedAttempts)
	require.NotNil(t, account.LastLoginAt)
}

func TestAccountStateMachineLockWithoutExpiryIsNeverReleased(t *testing.T) {
	sm := auth.NewAccountStateMachine(newMemAccounts())
	account := &auth.Account{Status: auth.AccountStatusLocked}
	assert.False(t, sm.ReleaseExpiredLock(account, time.Now().Add(24*365*time.Hour)))
	assert.Equal(t, auth.AccountStatusLocked, account.Status)
}

func TestAccountStateMachineReleaseExpiredLocks(t *testing.T) {
	f := newFixture()
	past := f.clock.Now().Add(-time.Minute)
	future := f.clock.Now().Add(time.Hour)
	expired := f.accounts.put(&auth.Account{Identifier: "a", Status: auth.AccountStatusLocked, LockedUntil: &past, FailedAttempts: 5})
	f.accounts.put(&auth.Account{Identifier: "b", Status: auth.AccountStatusLocked, LockedUntil: &future})

	n, err := f.machine.ReleaseExpiredLocks(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := f.accounts.get(expired.ID)
	assert.Equal(t, auth.AccountStatusActive, stored.Status)
	assert.Zero(t, stored.FailedAttempts)
	assert.Equal(t, auth.ActivityEventAccountUnlocked, f.sink.last().EventType)
	assert.Equal(t, "sweep", f.sink.last().Metadata["trigger"])
}
