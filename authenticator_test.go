package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-authcore"
)

func TestAuthenticatorSuccess(t *testing.T) {
	f := newFixture()

	principal, err := f.authn.AuthenticateFrom(context.Background(), "  ADA@example.com ", "correct-horse", "10.0.0.7")
	require.NoError(t, err)
	assert.True(t, principal.IsAuthenticated())
	assert.Equal(t, f.account.ID.String(), principal.AccountID)
	assert.Equal(t, "ada@example.com", principal.Identifier)
	assert.Equal(t, []string{auth.RoleCustomer}, principal.Roles)

	stored := f.accounts.get(f.account.ID)
	require.NotNil(t, stored.LastLoginAt)
	assert.Equal(t, f.clock.Now(), *stored.LastLoginAt)
	assert.Equal(t, "10.0.0.7", stored.LastLoginIP)
	assert.Equal(t, auth.ActivityEventLoginSuccess, f.sink.last().EventType)
}

func TestAuthenticatorUnknownAndWrongPasswordShareCode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, errUnknown := f.authn.Authenticate(ctx, "nobody@example.com", "x")
	require.ErrorIs(t, errUnknown, auth.ErrAccountNotFound)

	_, errWrong := f.authn.Authenticate(ctx, "ada@example.com", "x")
	require.ErrorIs(t, errWrong, auth.ErrBadCredentials)

	assert.Equal(t, auth.ToRichError(errUnknown).TextCode, auth.ToRichError(errWrong).TextCode)
	assert.Equal(t, auth.ToRichError(errUnknown).Message, auth.ToRichError(errWrong).Message)
	assert.Equal(t, 1, f.accounts.get(f.account.ID).FailedAttempts)
}

func TestAuthenticatorLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.authn.Authenticate(ctx, "ada@example.com", "wrong")
		require.ErrorIs(t, err, auth.ErrBadCredentials, "attempt %d", i+1)
	}

	stored := f.accounts.get(f.account.ID)
	assert.Equal(t, auth.AccountStatusLocked, stored.Status)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *stored.LockedUntil)
	assert.Contains(t, f.sink.types(), auth.ActivityEventAccountLocked)

	// correct secret while locked is still refused
	_, err := f.authn.Authenticate(ctx, "ada@example.com", "correct-horse")
	require.ErrorIs(t, err, auth.ErrAccountLocked)
	var af *auth.AuthFailure
	require.ErrorAs(t, err, &af)
	require.NotNil(t, af.LockedUntil)

	f.clock.Advance(29 * time.Minute)
	_, err = f.authn.Authenticate(ctx, "ada@example.com", "correct-horse")
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	f.clock.Advance(time.Minute)
	principal, err := f.authn.Authenticate(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.True(t, principal.IsAuthenticated())

	stored = f.accounts.get(f.account.ID)
	assert.Equal(t, auth.AccountStatusActive, stored.Status)
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
	assert.Contains(t, f.sink.types(), auth.ActivityEventAccountUnlocked)
}

func TestAuthenticatorWrongPasswordAfterLockExpiryRestartsCount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.authn.Authenticate(ctx, "ada@example.com", "wrong")
	}
	f.clock.Advance(31 * time.Minute)

	_, err := f.authn.Authenticate(ctx, "ada@example.com", "wrong")
	require.ErrorIs(t, err, auth.ErrBadCredentials)

	stored := f.accounts.get(f.account.ID)
	assert.Equal(t, auth.AccountStatusActive, stored.Status)
	assert.Equal(t, 1, stored.FailedAttempts)
}

func TestAuthenticatorIneligibleAccounts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	hash := mustHash("pw")

	f.accounts.put(&auth.Account{Identifier: "pending@example.com", PasswordHash: hash, Status: auth.AccountStatusPending})
	f.accounts.put(&auth.Account{Identifier: "off@example.com", PasswordHash: hash, Status: auth.AccountStatusDisabled})
	f.accounts.put(&auth.Account{Identifier: "gone@example.com", PasswordHash: hash, Status: auth.AccountStatusDeleted})

	_, err := f.authn.Authenticate(ctx, "pending@example.com", "pw")
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
	_, err = f.authn.Authenticate(ctx, "off@example.com", "pw")
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)
	_, err = f.authn.Authenticate(ctx, "gone@example.com", "pw")
	assert.ErrorIs(t, err, auth.ErrAccountDeleted)

	// refusals on ineligible accounts do not touch the counter
	off, err := f.accounts.FindByIdentifier(ctx, "off@example.com")
	require.NoError(t, err)
	assert.Zero(t, off.FailedAttempts)
}

func TestAuthenticatorCorruptHashIsMismatch(t *testing.T) {
	f := newFixture()
	f.accounts.put(&auth.Account{Identifier: "corrupt@example.com", PasswordHash: "not-a-bcrypt-hash"})

	_, err := f.authn.Authenticate(context.Background(), "corrupt@example.com", "anything")
	assert.ErrorIs(t, err, auth.ErrBadCredentials)
}

func TestAuthenticatorStoreOutage(t *testing.T) {
	repo := &MockAccounts{}
	outage := errors.New("connection refused")
	repo.On("FindByIdentifier", mock.Anything, "ada@example.com").Return(nil, outage).Once()

	authn := auth.NewAuthenticator(repo, nil).WithLogger(auth.NopLogger())
	_, err := authn.Authenticate(context.Background(), "ada@example.com", "pw")
	require.ErrorIs(t, err, outage)
	assert.False(t, auth.IsDeliberateDenial(err))
	assert.Equal(t, auth.TextCodeAuthUnavailable, auth.ToRichError(err).TextCode)
	repo.AssertExpectations(t)
}

func TestAuthenticatorConcurrentFailuresAreAllCounted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.authn.Authenticate(ctx, "ada@example.com", "wrong")
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.accounts.get(f.account.ID).FailedAttempts)
}

func TestAuthenticatorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := auth.NewMetrics(reg)
	f := newFixture()
	f.authn.WithMetrics(metrics)
	ctx := context.Background()

	_, err := f.authn.Authenticate(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _ = f.authn.Authenticate(ctx, "ada@example.com", "wrong")
	}

	count, err := testutil.GatherAndCount(reg, "authcore_login_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	locks, err := testutil.GatherAndCount(reg, "authcore_account_locks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, locks)
}

// countingVerifier counts hash comparisons.
type countingVerifier struct {
	auth.PasswordVerifier
	mu       sync.Mutex
	compares int
}

func (v *countingVerifier) ComparePasswordAndHash(password, hash string) error {
	v.mu.Lock()
	v.compares++
	v.mu.Unlock()
	return v.PasswordVerifier.ComparePasswordAndHash(password, hash)
}

func (v *countingVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.compares
}

func TestAuthenticatorUnknownAccountStillComparesHash(t *testing.T) {
	f := newFixture()
	verifier := &countingVerifier{PasswordVerifier: testVerifier}
	f.authn.WithPasswordVerifier(verifier)
	ctx := context.Background()

	_, err := f.authn.Authenticate(ctx, "nobody@example.com", "guess")
	require.ErrorIs(t, err, auth.ErrAccountNotFound)
	assert.Equal(t, 1, verifier.count())

	_, err = f.authn.Authenticate(ctx, "   ", "guess")
	require.ErrorIs(t, err, auth.ErrAccountNotFound)
	assert.Equal(t, 2, verifier.count())

	// a known account costs exactly one comparison as well
	_, err = f.authn.Authenticate(ctx, "ada@example.com", "guess")
	require.ErrorIs(t, err, auth.ErrBadCredentials)
	assert.Equal(t, 3, verifier.count())
}

func TestAuthenticatorChangePassword(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id := f.account.ID.String()

	err := f.authn.ChangePassword(ctx, id, "wrong-horse", "battery-staple")
	require.ErrorIs(t, err, auth.ErrBadCredentials)

	err = f.authn.ChangePassword(ctx, id, "correct-horse", "correct-horse")
	require.ErrorIs(t, err, auth.ErrPasswordReused)
	assert.Equal(t, auth.TextCodePasswordReused, auth.ToRichError(err).TextCode)

	err = f.authn.ChangePassword(ctx, id, "correct-horse", "")
	require.ErrorIs(t, err, auth.ErrInvalidPayload)

	err = f.authn.ChangePassword(ctx, "not-a-uuid", "correct-horse", "battery-staple")
	require.ErrorIs(t, err, auth.ErrInvalidPayload)

	require.NoError(t, f.authn.ChangePassword(ctx, id, "correct-horse", "battery-staple"))
	assert.Equal(t, auth.ActivityEventPasswordChanged, f.sink.last().EventType)

	_, err = f.authn.Authenticate(ctx, "ada@example.com", "correct-horse")
	require.ErrorIs(t, err, auth.ErrBadCredentials)
	_, err = f.authn.Authenticate(ctx, "ada@example.com", "battery-staple")
	require.NoError(t, err)
}

func TestAuthenticatorChangePasswordIneligible(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	off := f.accounts.put(&auth.Account{
		Identifier:   "off@example.com",
		PasswordHash: mustHash("pw-current"),
		Status:       auth.AccountStatusDisabled,
	})

	err := f.authn.ChangePassword(ctx, off.ID.String(), "pw-current", "pw-next-one")
	require.ErrorIs(t, err, auth.ErrAccountDisabled)

	err = f.authn.ChangePassword(ctx, uuid.NewString(), "pw-current", "pw-next-one")
	require.ErrorIs(t, err, auth.ErrAccountDeleted)
	assert.Zero(t, f.sink.count(auth.ActivityEventPasswordChanged))
}

func TestPasswordChangeEndsEverySession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, first := f.login()
	_, second := f.login()
	id := f.account.ID.String()

	require.NoError(t, f.authn.ChangePassword(ctx, id, "correct-horse", "battery-staple"))
	require.NoError(t, f.tokens.RevokeAccount(ctx, id, auth.RevocationReasonPassword))

	for _, raw := range []string{first.AccessToken, first.RefreshToken, second.AccessToken} {
		_, err := f.tokens.Validate(ctx, raw, "")
		assert.ErrorIs(t, err, auth.ErrTokenRevoked)
	}

	p, err := f.authn.Authenticate(ctx, "ada@example.com", "battery-staple")
	require.NoError(t, err)
	pair, err := f.tokens.Issue(ctx, p)
	require.NoError(t, err)
	_, err = f.tokens.Validate(ctx, pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
}
