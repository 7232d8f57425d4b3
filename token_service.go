package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// TokenServiceOption configures a TokenService.
type TokenServiceOption func(*TokenService)

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.accessTTL = ttl
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.refreshTTL = ttl
		}
	}
}

// WithRefreshRotation revokes the presented refresh token on every refresh
// and issues a new one.
func WithRefreshRotation(enabled bool) TokenServiceOption {
	return func(ts *TokenService) {
		ts.rotate = enabled
	}
}

// WithTokenLogger sets the logger.
func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// WithTokenActivitySink publishes refresh and revocation events.
func WithTokenActivitySink(sink ActivitySink) TokenServiceOption {
	return func(ts *TokenService) {
		ts.sink = normalizeActivitySink(sink)
	}
}

// WithTokenMetrics records issue and rejection counts.
func WithTokenMetrics(m *Metrics) TokenServiceOption {
	return func(ts *TokenService) {
		ts.metrics = m
	}
}

// WithTokenStateMachine sets the state machine used to re-check status on refresh.
func WithTokenStateMachine(sm *AccountStateMachine) TokenServiceOption {
	return func(ts *TokenService) {
		if sm != nil {
			ts.machine = sm
		}
	}
}

// TokenService issues, validates, refreshes and revokes tokens.
type TokenService struct {
	codec       *TokenCodec
	revocations RevocationStore
	sessions    SessionStore
	accounts    Accounts
	machine     *AccountStateMachine
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rotate      bool
	logger      Logger
	sink        ActivitySink
	metrics     *Metrics
	decorator   ClaimsDecorator
}

// NewTokenService returns a TokenService. Defaults: 15 minute access
// tokens, 7 day refresh tokens, rotation on.
func NewTokenService(codec *TokenCodec, revocations RevocationStore, sessions SessionStore, accounts Accounts, opts ...TokenServiceOption) *TokenService {
	ts := &TokenService{
		codec:       codec,
		revocations: revocations,
		sessions:    sessions,
		accounts:    accounts,
		accessTTL:   15 * time.Minute,
		refreshTTL:  7 * 24 * time.Hour,
		rotate:      true,
		sink:        noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}
	ts.logger = normalizeLogger(ts.logger)
	if ts.machine == nil {
		ts.machine = NewAccountStateMachine(accounts, WithStateMachineClock(codec.now))
	}
	return ts
}

// AccessTTL returns the access token lifetime.
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (ts *TokenService) RefreshTTL() time.Duration {
	return ts.refreshTTL
}

// Issue starts a session for principal and mints its access and refresh
// tokens. Both carry the new session id.
func (ts *TokenService) Issue(ctx context.Context, principal *Principal, opts ...IssueOption) (TokenPair, error) {
	if !principal.IsAuthenticated() {
		return TokenPair{}, ErrUnauthenticated
	}

	now := ts.codec.Now()
	session := &Session{
		ID:         uuid.NewString(),
		AccountID:  principal.AccountID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(ts.refreshTTL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	if err := ts.sessions.CreateSession(ctx, session); err != nil {
		ts.metrics.infraError("create_session")
		return TokenPair{}, err
	}

	return ts.issue(ctx, principal, session.ID, true, "")
}

func (ts *TokenService) issue(ctx context.Context, principal *Principal, sessionID string, withRefresh bool, existingRefresh string) (TokenPair, error) {
	now := ts.codec.Now()
	pair := TokenPair{
		TokenType:    "Bearer",
		SessionID:    sessionID,
		RefreshToken: existingRefresh,
	}

	access, accessExp, err := ts.mint(ctx, principal, TokenTypeAccess, sessionID, now, ts.accessTTL)
	if err != nil {
		ts.metrics.infraError("sign_token")
		return TokenPair{}, err
	}
	pair.AccessToken = access
	pair.AccessExpiresAt = accessExp

	if withRefresh {
		refresh, refreshExp, err := ts.mint(ctx, principal, TokenTypeRefresh, sessionID, now, ts.refreshTTL)
		if err != nil {
			ts.metrics.infraError("sign_token")
			return TokenPair{}, err
		}
		pair.RefreshToken = refresh
		pair.RefreshExpiresAt = refreshExp
	}

	return pair, nil
}

func (ts *TokenService) mint(ctx context.Context, principal *Principal, typ TokenType, sessionID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.codec.Issuer(),
			Subject:   principal.AccountID,
			Audience:  ts.codec.Audience(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		IDN:       principal.Identifier,
		RoleNames: dedupeRoles(principal.Roles),
		TokenKind: typ,
		SessionID: sessionID,
	}
	if err := ts.decorate(ctx, principal, claims); err != nil {
		return "", time.Time{}, err
	}

	raw, err := ts.codec.Encode(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	ts.metrics.tokenIssued(typ)
	return raw, claims.Expires(), nil
}

// Validate decodes raw, checks its type and consults the revocation and
// session stores. An empty expected type accepts both types. Rejections
// are *TokenError; store failures are returned as is.
func (ts *TokenService) Validate(ctx context.Context, raw string, expected TokenType) (*JWTClaims, error) {
	claims, err := ts.codec.Decode(raw)
	if err != nil {
		return nil, ts.reject(err)
	}

	if expected != "" && claims.Type() != expected {
		return nil, ts.reject(newTokenError(TokenMalformed, errors.New("unexpected token type "+string(claims.Type()))))
	}
	if claims.SessionID == "" {
		return nil, ts.reject(newTokenError(TokenMalformed, errors.New("missing session id")))
	}

	revoked, err := ts.revocations.IsRevoked(ctx, claims.TokenID())
	if err != nil {
		ts.metrics.infraError("revocation_lookup")
		return nil, err
	}
	if revoked {
		return nil, ts.reject(newTokenError(TokenRevoked, nil))
	}

	session, err := ts.sessions.FindSession(ctx, claims.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ts.reject(newTokenError(TokenRevoked, errors.New("unknown session")))
	case err != nil:
		ts.metrics.infraError("session_lookup")
		return nil, err
	case session.RevokedAt != nil || session.AccountID != claims.Subject():
		return nil, ts.reject(newTokenError(TokenRevoked, errors.New("session ended")))
	}

	// iat has second precision. Tokens from the marker's own second are
	// covered by the session revocation that accompanies every marker.
	revokedAt, ok, err := ts.revocations.SubjectRevokedAt(ctx, claims.Subject())
	if err != nil {
		ts.metrics.infraError("revocation_lookup")
		return nil, err
	}
	if ok && claims.IssuedAt().Before(revokedAt.Truncate(time.Second)) {
		return nil, ts.reject(newTokenError(TokenRevoked, errors.New("subject revoked")))
	}

	return claims, nil
}

func (ts *TokenService) reject(err error) error {
	var te *TokenError
	if errors.As(err, &te) {
		ts.metrics.tokenRejected(te.Reason)
	}
	return err
}

// Refresh exchanges a valid refresh token for new tokens. The account must
// still be ACTIVE; refresh never releases a lock or resets the failure
// counter. With rotation the presented token is revoked, so a refresh
// token is spent by the first exchange that revokes it.
func (ts *TokenService) Refresh(ctx context.Context, refreshRaw string) (TokenPair, error) {
	claims, err := ts.Validate(ctx, refreshRaw, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	account, err := ts.loadAccount(ctx, claims.Subject())
	if err != nil {
		return TokenPair{}, err
	}
	if err := ts.machine.Eligibility(account); err != nil {
		return TokenPair{}, err
	}

	principal := principalFromAccount(account)
	principal.SessionID = claims.SessionID

	var pair TokenPair
	if ts.rotate {
		inserted, err := ts.revokeClaims(ctx, claims, RevocationReasonRotation)
		if err != nil {
			return TokenPair{}, err
		}
		if !inserted {
			return TokenPair{}, ts.reject(newTokenError(TokenRevoked, errors.New("refresh token already exchanged")))
		}
		pair, err = ts.issue(ctx, principal, claims.SessionID, true, "")
		if err != nil {
			return TokenPair{}, err
		}
	} else {
		pair, err = ts.issue(ctx, principal, claims.SessionID, false, refreshRaw)
		if err != nil {
			return TokenPair{}, err
		}
		pair.RefreshExpiresAt = claims.Expires()
	}

	expiresAt := pair.RefreshExpiresAt
	if pair.AccessExpiresAt.After(expiresAt) {
		expiresAt = pair.AccessExpiresAt
	}
	if err := ts.sessions.TouchSession(ctx, claims.SessionID, ts.codec.Now(), expiresAt); err != nil {
		ts.metrics.infraError("touch_session")
		return TokenPair{}, err
	}

	ts.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventTokenRefreshed,
		Actor:     ActorRef{ID: principal.AccountID, Type: "account"},
		AccountID: principal.AccountID,
		Metadata: map[string]any{
			"session_id": claims.SessionID,
			"rotated":    ts.rotate,
		},
	})

	return pair, nil
}

func (ts *TokenService) loadAccount(ctx context.Context, subject string) (*Account, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, newTokenError(TokenMalformed, err)
	}
	account, err := ts.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// accounts are never hard deleted, a missing subject is gone for good
			return nil, &AuthFailure{Kind: FailureAccountDeleted, AccountID: subject}
		}
		ts.metrics.infraError("find_account")
		return nil, err
	}
	return account, nil
}

// Revoke blacklists raw until its natural expiry. Already revoked or
// expired tokens are a no-op; malformed tokens are rejected. Other tokens
// of the same session stay valid, use Logout to end the session.
func (ts *TokenService) Revoke(ctx context.Context, raw, reason string) error {
	claims, err := ts.codec.Decode(raw)
	if err != nil {
		if IsTokenExpiredError(err) {
			return nil
		}
		return err
	}
	_, err = ts.revokeClaims(ctx, claims, reason)
	return err
}

// RevokeClaims blacklists already decoded claims.
func (ts *TokenService) RevokeClaims(ctx context.Context, claims *JWTClaims, reason string) error {
	if claims == nil {
		return newTokenError(TokenMalformed, errors.New("nil claims"))
	}
	_, err := ts.revokeClaims(ctx, claims, reason)
	return err
}

// revokeClaims reports whether this call stored the revocation. Only the
// storing call logs, counts and emits the event.
func (ts *TokenService) revokeClaims(ctx context.Context, claims *JWTClaims, reason string) (bool, error) {
	now := ts.codec.Now()
	if !claims.Expires().After(now) {
		return false, nil
	}
	if reason == "" {
		reason = RevocationReasonLogout
	}

	inserted, err := ts.revocations.Revoke(ctx, RevokedToken{
		TokenID:   claims.TokenID(),
		Subject:   claims.Subject(),
		TokenType: claims.Type(),
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: claims.Expires(),
	})
	if err != nil {
		ts.metrics.infraError("revoke")
		return false, err
	}
	if !inserted {
		return false, nil
	}

	ts.metrics.revoked(reason)
	ts.logger.Info("token revoked", "subject", claims.Subject(), "jti", claims.TokenID(), "reason", reason)
	ts.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventTokenRevoked,
		AccountID: claims.Subject(),
		Metadata: map[string]any{
			"jti":        claims.TokenID(),
			"type":       string(claims.Type()),
			"session_id": claims.SessionID,
			"reason":     reason,
		},
	})
	return true, nil
}

// RevokeAccount rejects every token of accountID issued up to now and ends
// all of its sessions. The marker lives as long as the longest token
// lifetime.
func (ts *TokenService) RevokeAccount(ctx context.Context, accountID, reason string) error {
	if accountID == "" {
		return newTokenError(TokenMalformed, errors.New("empty subject"))
	}
	if reason == "" {
		reason = RevocationReasonAdmin
	}

	now := ts.codec.Now()
	ttl := ts.refreshTTL
	if ts.accessTTL > ttl {
		ttl = ts.accessTTL
	}

	err := ts.revocations.RevokeSubject(ctx, SubjectRevocation{
		Subject:   accountID,
		Reason:    reason,
		RevokedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		ts.metrics.infraError("revoke_subject")
		return err
	}

	ended, err := ts.sessions.RevokeSessions(ctx, accountID, "", reason, now)
	if err != nil {
		ts.metrics.infraError("revoke_sessions")
		return err
	}
	ts.metrics.sessionRevoked(reason, ended)

	ts.metrics.revoked(reason)
	ts.logger.Info("subject revoked", "subject", accountID, "reason", reason, "sessions", ended)
	ts.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventSubjectRevoked,
		AccountID: accountID,
		Metadata: map[string]any{
			"reason":   reason,
			"sessions": ended,
		},
	})
	return nil
}

// PurgeExpired drops revocation entries and sessions past their expiry.
func (ts *TokenService) PurgeExpired(ctx context.Context) (int, error) {
	now := ts.codec.Now()
	n, err := ts.revocations.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	sessions, err := ts.sessions.PurgeSessions(ctx, now)
	return n + sessions, err
}

// Stats summarizes the revocation store.
func (ts *TokenService) Stats(ctx context.Context) (RevocationStats, error) {
	return ts.revocations.Stats(ctx, ts.codec.Now())
}

func (ts *TokenService) recorder() activityRecorder {
	return activityRecorder{sink: ts.sink, logger: ts.logger, now: ts.codec.now}
}
