package auth

import (
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Stable codes rendered to clients.
const (
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeAccountLocked      = "ACCOUNT_LOCKED"
	TextCodeAccountDisabled    = "ACCOUNT_DISABLED"
	TextCodeAccountDeleted     = "ACCOUNT_DELETED"
	TextCodeTokenMalformed     = "TOKEN_MALFORMED"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeTokenRevoked       = "TOKEN_REVOKED"
	TextCodeUnauthenticated    = "UNAUTHENTICATED"
	TextCodeAccessDenied       = "ACCESS_DENIED"
	TextCodeAuthUnavailable    = "AUTH_UNAVAILABLE"
	TextCodeInvalidPayload     = "INVALID_PAYLOAD"
	TextCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	TextCodePasswordReused     = "PASSWORD_REUSED"

	textCodeInvalidTransition = "INVALID_ACCOUNT_STATE_TRANSITION"
	textCodeTerminalState     = "TERMINAL_ACCOUNT_STATE"
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("auth: record not found")

// ErrVersionConflict is returned by Accounts.Update when the record changed
// since it was read
var ErrVersionConflict = errors.New("auth: account version conflict")

// ErrInvalidTransition is returned when a requested status change is not allowed.
var ErrInvalidTransition = goerrors.New("invalid account state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrTerminalState is returned when moving away from DELETED.
var ErrTerminalState = goerrors.New("account state is terminal", goerrors.CategoryConflict).
	WithTextCode(textCodeTerminalState).
	WithCode(goerrors.CodeConflict)

// FailureKind enumerates why an authentication attempt was refused
type FailureKind string

const (
	FailureAccountNotFound FailureKind = "account_not_found"
	FailureBadCredentials  FailureKind = "bad_credentials"
	FailureAccountLocked   FailureKind = "account_locked"
	FailureAccountDisabled FailureKind = "account_disabled"
	FailureAccountDeleted  FailureKind = "account_deleted"
)

// AuthFailure is the closed set of authentication refusals. Compare with
// errors.Is against the Err* sentinels below, or switch on Kind.
type AuthFailure struct {
	Kind        FailureKind
	AccountID   string
	LockedUntil *time.Time
	Reason      string
}

var (
	ErrAccountNotFound = &AuthFailure{Kind: FailureAccountNotFound}
	ErrBadCredentials  = &AuthFailure{Kind: FailureBadCredentials}
	ErrAccountLocked   = &AuthFailure{Kind: FailureAccountLocked}
	ErrAccountDisabled = &AuthFailure{Kind: FailureAccountDisabled}
	ErrAccountDeleted  = &AuthFailure{Kind: FailureAccountDeleted}
)

func (e *AuthFailure) Error() string {
	switch e.Kind {
	case FailureAccountLocked:
		if e.LockedUntil != nil {
			return fmt.Sprintf("account locked until %s", e.LockedUntil.UTC().Format(time.RFC3339))
		}
		return "account locked"
	case FailureAccountDisabled:
		if e.Reason != "" {
			return "account disabled: " + e.Reason
		}
		return "account disabled"
	case FailureAccountDeleted:
		return "account deleted"
	case FailureAccountNotFound:
		return "account not found"
	default:
		return "bad credentials"
	}
}

// Is matches on Kind so sentinels work with errors.Is.
func (e *AuthFailure) Is(target error) bool {
	t, ok := target.(*AuthFailure)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// TextCode is the client facing code. Not found and bad password share one
// code so identifiers cannot be enumerated.
func (e *AuthFailure) TextCode() string {
	switch e.Kind {
	case FailureAccountLocked:
		return TextCodeAccountLocked
	case FailureAccountDisabled:
		return TextCodeAccountDisabled
	case FailureAccountDeleted:
		return TextCodeAccountDeleted
	default:
		return TextCodeInvalidCredentials
	}
}

// PublicMessage is safe to show to the caller.
func (e *AuthFailure) PublicMessage() string {
	switch e.Kind {
	case FailureAccountNotFound, FailureBadCredentials:
		return "invalid credentials"
	default:
		return e.Error()
	}
}

func lockedFailure(account *Account) *AuthFailure {
	return &AuthFailure{
		Kind:        FailureAccountLocked,
		AccountID:   account.ID.String(),
		LockedUntil: cloneTime(account.LockedUntil),
	}
}

// TokenReason enumerates why a token was rejected
type TokenReason string

const (
	TokenMalformed TokenReason = "malformed"
	TokenExpired   TokenReason = "expired"
	TokenRevoked   TokenReason = "revoked"
)

// TokenError reports a rejected bearer token
type TokenError struct {
	Reason TokenReason
	Err    error
}

var (
	ErrTokenMalformed = &TokenError{Reason: TokenMalformed}
	ErrTokenExpired   = &TokenError{Reason: TokenExpired}
	ErrTokenRevoked   = &TokenError{Reason: TokenRevoked}
)

func newTokenError(reason TokenReason, err error) *TokenError {
	return &TokenError{Reason: reason, Err: err}
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token %s: %v", e.Reason, e.Err)
	}
	return "token " + string(e.Reason)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func (e *TokenError) Is(target error) bool {
	t, ok := target.(*TokenError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// TextCode is the client facing reason code.
func (e *TokenError) TextCode() string {
	switch e.Reason {
	case TokenExpired:
		return TextCodeTokenExpired
	case TokenRevoked:
		return TextCodeTokenRevoked
	default:
		return TextCodeTokenMalformed
	}
}

// AccessError is returned by the Guard
type AccessError struct {
	Authenticated bool
}

var (
	ErrUnauthenticated = &AccessError{Authenticated: false}
	ErrAccessDenied    = &AccessError{Authenticated: true}
)

func (e *AccessError) Error() string {
	if e.Authenticated {
		return "access denied"
	}
	return "authentication required"
}

func (e *AccessError) Is(target error) bool {
	t, ok := target.(*AccessError)
	if !ok {
		return false
	}
	return t.Authenticated == e.Authenticated
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsMalformedError will check for malformed tokens
func IsMalformedError(err error) bool {
	return errors.Is(err, ErrTokenMalformed)
}

// IsRevokedError will check for revoked tokens
func IsRevokedError(err error) bool {
	return errors.Is(err, ErrTokenRevoked)
}

// IsDeliberateDenial is true for every closed outcome of the auth path.
// Anything else is an infrastructure failure.
func IsDeliberateDenial(err error) bool {
	var af *AuthFailure
	var te *TokenError
	var ae *AccessError
	return errors.As(err, &af) || errors.As(err, &te) || errors.As(err, &ae)
}
