package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxUpdateRetries bounds the optimistic update loop for a single account.
const maxUpdateRetries = 8

// LockoutPolicy controls automatic locking after repeated failures
type LockoutPolicy struct {
	MaxFailedAttempts int
	LockDuration      time.Duration
}

// DefaultLockoutPolicy locks after 5 failures for 30 minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts: 5,
		LockDuration:      30 * time.Minute,
	}
}

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Account *Account
	From    AccountStatus
	To      AccountStatus
	Meta    TransitionMetadata
}

// TransitionHook is executed before or after a transition is persisted.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionOption customizes a single administrative transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	metadata    TransitionMetadata
	lockUntil   *time.Time
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithLockUntil overrides the lock expiry used when moving to LOCKED.
func WithLockUntil(t time.Time) TransitionOption {
	return func(opts *transitionOptions) {
		opts.lockUntil = &t
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*AccountStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock Clock) StateMachineOption {
	return func(sm *AccountStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithLockoutPolicy overrides the lockout threshold and cooldown.
func WithLockoutPolicy(policy LockoutPolicy) StateMachineOption {
	return func(sm *AccountStateMachine) {
		if policy.MaxFailedAttempts > 0 {
			sm.policy.MaxFailedAttempts = policy.MaxFailedAttempts
		}
		if policy.LockDuration > 0 {
			sm.policy.LockDuration = policy.LockDuration
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *AccountStateMachine) {
		sm.sink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *AccountStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithStateMachineMetrics records lock and unlock counts.
func WithStateMachineMetrics(m *Metrics) StateMachineOption {
	return func(sm *AccountStateMachine) {
		sm.metrics = m
	}
}

// AccountStateMachine owns account status transitions and the lockout
// policy. Every write goes through a conditional update on Account.Version.
type AccountStateMachine struct {
	accounts    Accounts
	transitions map[AccountStatus]map[AccountStatus]struct{}
	policy      LockoutPolicy
	now         Clock
	sink        ActivitySink
	logger      Logger
	metrics     *Metrics
}

// NewAccountStateMachine returns a state machine persisting through accounts.
func NewAccountStateMachine(accounts Accounts, opts ...StateMachineOption) *AccountStateMachine {
	sm := &AccountStateMachine{
		accounts: accounts,
		transitions: map[AccountStatus]map[AccountStatus]struct{}{
			AccountStatusPending: {
				AccountStatusActive:   {},
				AccountStatusDisabled: {},
				AccountStatusDeleted:  {},
			},
			AccountStatusActive: {
				AccountStatusLocked:   {},
				AccountStatusDisabled: {},
				AccountStatusDeleted:  {},
			},
			AccountStatusLocked: {
				AccountStatusActive:   {},
				AccountStatusDisabled: {},
				AccountStatusDeleted:  {},
			},
			AccountStatusDisabled: {
				AccountStatusActive:  {},
				AccountStatusDeleted: {},
			},
		},
		policy: DefaultLockoutPolicy(),
		now:    time.Now,
		sink:   noopActivitySink{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}
	sm.logger = normalizeLogger(sm.logger)

	return sm
}

// Policy returns the active lockout policy.
func (sm *AccountStateMachine) Policy() LockoutPolicy {
	return sm.policy
}

// CanAuthenticate reports whether the account may authenticate. Only the
// status is consulted; lock expiry is folded into the status by
// ReleaseExpiredLock before this is called.
func (sm *AccountStateMachine) CanAuthenticate(account *Account) bool {
	return sm.Eligibility(account) == nil
}

// Eligibility returns nil for an active account, otherwise the AuthFailure
// describing the refusal.
func (sm *AccountStateMachine) Eligibility(account *Account) error {
	if account == nil {
		return ErrAccountNotFound
	}
	account.EnsureStatus()

	if account.IsDeleted() {
		return &AuthFailure{Kind: FailureAccountDeleted, AccountID: account.ID.String()}
	}

	switch account.Status {
	case AccountStatusActive:
		return nil
	case AccountStatusLocked:
		return lockedFailure(account)
	case AccountStatusPending:
		return &AuthFailure{
			Kind:      FailureAccountDisabled,
			AccountID: account.ID.String(),
			Reason:    "pending verification",
		}
	default:
		reason := account.StatusReason
		if reason == "" {
			reason = "disabled by administrator"
		}
		return &AuthFailure{
			Kind:      FailureAccountDisabled,
			AccountID: account.ID.String(),
			Reason:    reason,
		}
	}
}

// ReleaseExpiredLock moves a LOCKED account whose lock expired back to
// ACTIVE and resets the counter. A lock without expiry is never released.
func (sm *AccountStateMachine) ReleaseExpiredLock(account *Account, now time.Time) bool {
	if account == nil || account.Status != AccountStatusLocked || account.LockedUntil == nil {
		return false
	}
	if account.LockedUntil.After(now) {
		return false
	}
	account.Status = AccountStatusActive
	account.StatusReason = ""
	account.LockedUntil = nil
	account.FailedAttempts = 0
	return true
}

// RecordFailure increments the failure counter and locks the account once
// the threshold is reached. It returns true when this call locked it.
func (sm *AccountStateMachine) RecordFailure(account *Account, now time.Time) bool {
	account.FailedAttempts++
	if account.Status != AccountStatusActive || account.FailedAttempts < sm.policy.MaxFailedAttempts {
		return false
	}
	until := now.Add(sm.policy.LockDuration)
	account.Status = AccountStatusLocked
	account.StatusReason = "too many failed login attempts"
	account.LockedUntil = &until
	return true
}

// RecordSuccess resets the counter, clears the lock and stamps last login.
func (sm *AccountStateMachine) RecordSuccess(account *Account, now time.Time) {
	if account.Status == AccountStatusLocked && account.LockedUntil != nil && !account.LockedUntil.After(now) {
		account.Status = AccountStatusActive
		account.StatusReason = ""
	}
	account.FailedAttempts = 0
	account.LockedUntil = nil
	loggedIn := now
	account.LastLoginAt = &loggedIn
}

// Transition performs an administrative status change and persists it.
func (sm *AccountStateMachine) Transition(ctx context.Context, actor ActorRef, account *Account, target AccountStatus, opts ...TransitionOption) (*Account, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: account is nil", ErrInvalidTransition)
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, target)
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	var from AccountStatus
	updated, err := sm.mutate(ctx, account, func(acc *Account) (bool, error) {
		acc.EnsureStatus()
		from = acc.Status
		if from == target {
			return false, nil
		}
		if err := sm.validateTransition(from, target); err != nil {
			return false, err
		}

		tc := TransitionContext{Actor: actor, Account: acc, From: from, To: target, Meta: options.metadata}
		if err := runHooks(ctx, options.beforeHooks, tc); err != nil {
			return false, err
		}

		sm.apply(acc, target, options)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if from == target {
		return updated, nil
	}

	tc := TransitionContext{Actor: actor, Account: updated, From: from, To: target, Meta: options.metadata}
	if err := runHooks(ctx, options.afterHooks, tc); err != nil {
		return updated, err
	}

	sm.recorder().record(ctx, ActivityEvent{
		EventType:  ActivityEventAccountStatusChanged,
		Actor:      actor,
		AccountID:  updated.ID.String(),
		FromStatus: from,
		ToStatus:   target,
		Metadata:   transitionMetadata(options.metadata),
	})

	return updated, nil
}

// Activate completes verification (PENDING_VERIFICATION -> ACTIVE).
func (sm *AccountStateMachine) Activate(ctx context.Context, actor ActorRef, account *Account) (*Account, error) {
	return sm.Transition(ctx, actor, account, AccountStatusActive, WithTransitionReason("verified"))
}

// Disable moves the account to DISABLED.
func (sm *AccountStateMachine) Disable(ctx context.Context, actor ActorRef, account *Account, reason string) (*Account, error) {
	return sm.Transition(ctx, actor, account, AccountStatusDisabled, WithTransitionReason(reason))
}

// Unlock clears a lock regardless of its expiry.
func (sm *AccountStateMachine) Unlock(ctx context.Context, actor ActorRef, account *Account) (*Account, error) {
	return sm.Transition(ctx, actor, account, AccountStatusActive, WithTransitionReason("unlocked"))
}

// Delete soft deletes the account. DELETED is terminal.
func (sm *AccountStateMachine) Delete(ctx context.Context, actor ActorRef, account *Account) (*Account, error) {
	return sm.Transition(ctx, actor, account, AccountStatusDeleted, WithTransitionReason("deleted"))
}

// ReleaseExpiredLocks is the maintenance sweep: every LOCKED account whose
// lock expired goes back to ACTIVE. Returns the number released.
func (sm *AccountStateMachine) ReleaseExpiredLocks(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := sm.now()

	candidates, err := sm.accounts.ListExpiredLocks(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, candidate := range candidates {
		var did bool
		updated, err := sm.mutate(ctx, candidate, func(acc *Account) (bool, error) {
			did = sm.ReleaseExpiredLock(acc, now)
			return did, nil
		})
		if err != nil {
			sm.logger.Error("release expired lock failed", "account_id", candidate.ID.String(), "error", err)
			continue
		}
		if !did {
			continue
		}
		released++
		sm.metrics.accountUnlocked("sweep")
		sm.recorder().record(ctx, ActivityEvent{
			EventType:  ActivityEventAccountUnlocked,
			AccountID:  updated.ID.String(),
			FromStatus: AccountStatusLocked,
			ToStatus:   AccountStatusActive,
			Metadata:   map[string]any{"trigger": "sweep"},
		})
	}

	return released, nil
}

func (sm *AccountStateMachine) validateTransition(from, to AccountStatus) error {
	if from == AccountStatusDeleted {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, from, to)
	}
	if allowed, ok := sm.transitions[from]; ok {
		if _, exists := allowed[to]; exists {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (sm *AccountStateMachine) apply(acc *Account, target AccountStatus, opts *transitionOptions) {
	now := sm.now()
	from := acc.Status

	acc.Status = target
	acc.StatusReason = opts.metadata.Reason

	if from == AccountStatusLocked {
		acc.FailedAttempts = 0
		acc.LockedUntil = nil
	}

	switch target {
	case AccountStatusLocked:
		until := now.Add(sm.policy.LockDuration)
		if opts.lockUntil != nil {
			until = *opts.lockUntil
		}
		acc.LockedUntil = &until
	case AccountStatusActive:
		acc.StatusReason = ""
	case AccountStatusDeleted:
		deletedAt := now
		acc.DeletedAt = &deletedAt
		acc.LockedUntil = nil
	}
}

// mutate applies fn to a copy of account and writes it back conditionally.
// On a version conflict the account is reloaded and fn runs again, so the
// net effect of concurrent callers equals some serial order. fn reports
// whether it changed the account and an outcome returned after the write.
func (sm *AccountStateMachine) mutate(ctx context.Context, account *Account, fn func(*Account) (bool, error)) (*Account, error) {
	current := account
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		working := current.Clone()
		changed, outcome := fn(working)
		if outcome != nil && !IsDeliberateDenial(outcome) {
			return nil, outcome
		}
		if !changed {
			return working, outcome
		}

		working.UpdatedAt = sm.now()
		err := sm.accounts.Update(ctx, working)
		if err == nil {
			return working, outcome
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}

		sm.metrics.versionConflict()
		fresh, err := sm.accounts.FindByID(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		current = fresh
	}
	return nil, fmt.Errorf("account %s: %w after %d attempts", account.ID, ErrVersionConflict, maxUpdateRetries)
}

func (sm *AccountStateMachine) recorder() activityRecorder {
	return activityRecorder{sink: sm.sink, logger: sm.logger, now: sm.now}
}

func runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

func transitionMetadata(meta TransitionMetadata) map[string]any {
	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
