package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const timingPassword = "authcore-unknown-account"

// Authenticator verifies credentials and drives the lockout policy.
type Authenticator struct {
	accounts   Accounts
	machine    *AccountStateMachine
	verifier   PasswordVerifier
	normalizer IdentifierNormalizer
	logger     Logger
	sink       ActivitySink
	now        Clock
	metrics    *Metrics

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthenticator returns an Authenticator. A nil machine gets one with
// the default lockout policy.
func NewAuthenticator(accounts Accounts, machine *AccountStateMachine) *Authenticator {
	if machine == nil {
		machine = NewAccountStateMachine(accounts)
	}
	return &Authenticator{
		accounts: accounts,
		machine:  machine,
		verifier: BcryptVerifier{},
		logger:   normalizeLogger(nil),
		sink:     noopActivitySink{},
		now:      machine.now,
	}
}

// WithLogger sets the logger.
func (a *Authenticator) WithLogger(logger Logger) *Authenticator {
	a.logger = normalizeLogger(logger)
	return a
}

// WithActivitySink configures an ActivitySink for emitting login events.
func (a *Authenticator) WithActivitySink(sink ActivitySink) *Authenticator {
	a.sink = normalizeActivitySink(sink)
	return a
}

// WithClock overrides the clock used for lock decisions.
func (a *Authenticator) WithClock(clock Clock) *Authenticator {
	a.now = normalizeClock(clock)
	return a
}

// WithMetrics records login outcomes.
func (a *Authenticator) WithMetrics(m *Metrics) *Authenticator {
	a.metrics = m
	return a
}

// WithPasswordVerifier replaces the bcrypt verifier.
func (a *Authenticator) WithPasswordVerifier(v PasswordVerifier) *Authenticator {
	if v != nil {
		a.verifier = v
		a.dummyOnce = sync.Once{}
	}
	return a
}

// WithIdentifierNormalizer sets the identifier normalizer.
func (a *Authenticator) WithIdentifierNormalizer(n IdentifierNormalizer) *Authenticator {
	a.normalizer = n
	return a
}

// StateMachine exposes the state machine used for lockout.
func (a *Authenticator) StateMachine() *AccountStateMachine {
	return a.machine
}

// Authenticate verifies identifier and secret. The error is nil, an
// *AuthFailure, or an infrastructure error.
func (a *Authenticator) Authenticate(ctx context.Context, identifier, secret string) (*Principal, error) {
	return a.AuthenticateFrom(ctx, identifier, secret, "")
}

// AuthenticateFrom is Authenticate that also records the client address on
// success.
func (a *Authenticator) AuthenticateFrom(ctx context.Context, identifier, secret, clientIP string) (*Principal, error) {
	id := a.normalizer.Normalize(identifier)
	if id == "" {
		a.equalizeTiming(secret)
		return nil, a.fail(ctx, nil, identifier, ErrAccountNotFound)
	}

	account, err := a.accounts.FindByIdentifier(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.equalizeTiming(secret)
			return nil, a.fail(ctx, nil, id, &AuthFailure{Kind: FailureAccountNotFound})
		}
		a.metrics.infraError("find_account")
		a.logger.Error("login account lookup failed", "identifier", id, "error", err)
		return nil, err
	}

	now := a.now()
	verified := map[string]bool{}

	var released, lockedNow bool
	updated, outcome := a.machine.mutate(ctx, account, func(acc *Account) (bool, error) {
		released, lockedNow = false, false

		released = a.machine.ReleaseExpiredLock(acc, now)
		if err := a.machine.Eligibility(acc); err != nil {
			return released, err
		}

		ok, cached := verified[acc.PasswordHash]
		if !cached {
			ok = a.verify(secret, acc)
			verified[acc.PasswordHash] = ok
		}

		if !ok {
			lockedNow = a.machine.RecordFailure(acc, now)
			return true, &AuthFailure{Kind: FailureBadCredentials, AccountID: acc.ID.String()}
		}

		a.machine.RecordSuccess(acc, now)
		if clientIP != "" {
			acc.LastLoginIP = clientIP
		}
		return true, nil
	})

	if updated == nil {
		a.metrics.infraError("update_account")
		a.logger.Error("login account update failed", "account_id", account.ID.String(), "error", outcome)
		return nil, outcome
	}

	if released {
		a.metrics.accountUnlocked("login")
		a.recorder().record(ctx, ActivityEvent{
			EventType:  ActivityEventAccountUnlocked,
			AccountID:  updated.ID.String(),
			FromStatus: AccountStatusLocked,
			ToStatus:   AccountStatusActive,
			Metadata:   map[string]any{"trigger": "login"},
		})
	}

	if lockedNow {
		a.metrics.accountLocked()
		a.logger.Warn("account locked after failed attempts",
			"account_id", updated.ID.String(),
			"attempts", updated.FailedAttempts,
			"locked_until", updated.LockedUntil,
		)
		a.recorder().record(ctx, ActivityEvent{
			EventType:  ActivityEventAccountLocked,
			AccountID:  updated.ID.String(),
			FromStatus: AccountStatusActive,
			ToStatus:   AccountStatusLocked,
			Metadata: map[string]any{
				"failed_attempts": updated.FailedAttempts,
				"locked_until":    lockUntilValue(updated.LockedUntil),
			},
		})
	}

	if outcome != nil {
		return nil, a.fail(ctx, updated, id, outcome)
	}

	a.metrics.login("success")
	a.logger.Info("login success", "account_id", updated.ID.String())
	a.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorRef{ID: updated.ID.String(), Type: "account"},
		AccountID: updated.ID.String(),
		Metadata: map[string]any{
			"identifier": id,
			"client_ip":  clientIP,
		},
	})

	return principalFromAccount(updated), nil
}

// verify treats an unreadable hash as a mismatch so a corrupt record can
// not authenticate.
func (a *Authenticator) verify(secret string, acc *Account) bool {
	err := a.verifier.ComparePasswordAndHash(secret, acc.PasswordHash)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrMismatchedHashAndPassword) {
		a.logger.Error("stored password hash unreadable", "account_id", acc.ID.String(), "error", err)
	}
	return false
}

// equalizeTiming runs one comparison against a hash made with the
// verifier's own cost, so a missing account answers as slowly as a wrong
// password.
func (a *Authenticator) equalizeTiming(secret string) {
	a.dummyOnce.Do(func() {
		hash, err := a.verifier.HashPassword(timingPassword)
		if err != nil {
			a.logger.Error("timing hash unavailable", "error", err)
			return
		}
		a.dummyHash = hash
	})
	_ = a.verifier.ComparePasswordAndHash(secret, a.dummyHash)
}

// ChangePassword replaces the password of an ACTIVE account after checking
// current. Callers end the account's sessions afterwards.
func (a *Authenticator) ChangePassword(ctx context.Context, accountID, current, next string) error {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return ErrInvalidPayload
	}
	if next == current {
		return ErrPasswordReused
	}

	account, err := a.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &AuthFailure{Kind: FailureAccountDeleted, AccountID: accountID}
		}
		a.metrics.infraError("find_account")
		return err
	}
	if err := a.machine.Eligibility(account); err != nil {
		return err
	}
	if !a.verify(current, account) {
		a.logger.Info("password change rejected", "account_id", accountID)
		return &AuthFailure{Kind: FailureBadCredentials, AccountID: accountID}
	}

	hash, err := a.verifier.HashPassword(next)
	if err != nil {
		if errors.Is(err, ErrNoEmptyString) {
			return ErrInvalidPayload
		}
		return err
	}

	_, err = a.machine.mutate(ctx, account, func(acc *Account) (bool, error) {
		if err := a.machine.Eligibility(acc); err != nil {
			return false, err
		}
		acc.PasswordHash = hash
		return true, nil
	})
	if err != nil {
		if !IsDeliberateDenial(err) {
			a.metrics.infraError("update_account")
		}
		return err
	}

	a.logger.Info("password changed", "account_id", accountID)
	a.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		Actor:     ActorRef{ID: accountID, Type: "account"},
		AccountID: accountID,
	})
	return nil
}

func (a *Authenticator) fail(ctx context.Context, account *Account, identifier string, err error) error {
	var af *AuthFailure
	kind := "unknown"
	if errors.As(err, &af) {
		kind = string(af.Kind)
	}

	a.metrics.login(kind)
	a.logger.Info("login failure", "identifier", identifier, "kind", kind)

	event := ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Actor:     ActorRef{Type: "unknown"},
		Metadata: map[string]any{
			"identifier": identifier,
			"kind":       kind,
		},
	}
	if account != nil {
		event.AccountID = account.ID.String()
		event.Actor = ActorRef{ID: account.ID.String(), Type: "account"}
	}
	a.recorder().record(ctx, event)

	return err
}

func (a *Authenticator) recorder() activityRecorder {
	return activityRecorder{sink: a.sink, logger: a.logger, now: a.now}
}

func lockUntilValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
