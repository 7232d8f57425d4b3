package auth

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// Logger is the logging surface used across the package. Args are
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock returns the current time. Inject a fixed clock in tests.
type Clock func() time.Time

// Accounts is the credential store. Implementations must treat Update as a
// conditional write on Account.Version and return ErrVersionConflict when
// the stored version moved.
type Accounts interface {
	FindByIdentifier(ctx context.Context, identifier string) (*Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Account, error)
	Create(ctx context.Context, account *Account) (*Account, error)
	Update(ctx context.Context, account *Account) error
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// RevocationStore holds revoked token ids and subject wide revocation
// markers. Revoke and RevokeSubject must be idempotent. Revoke reports
// whether the token id was newly stored.
type RevocationStore interface {
	Revoke(ctx context.Context, token RevokedToken) (bool, error)
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	RevokeSubject(ctx context.Context, marker SubjectRevocation) error
	SubjectRevokedAt(ctx context.Context, subject string) (time.Time, bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (RevocationStats, error)
}

// SessionStore tracks login sessions. Sessions are revoked, never
// deleted, until they expire. RevokeSession reports whether the session
// was still active.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, seenAt, expiresAt time.Time) error
	ListSessions(ctx context.Context, accountID string, now time.Time) ([]*Session, error)
	RevokeSession(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeSessions(ctx context.Context, accountID, keep, reason string, at time.Time) (int, error)
	PurgeSessions(ctx context.Context, now time.Time) (int, error)
}

// PasswordVerifier compares secrets against stored hashes.
type PasswordVerifier interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger {
	return nopLogger{}
}

// ResolveLogger returns the logger provider holds for name, or logger when
// provider is nil or has none.
func ResolveLogger(name string, provider glog.LoggerProvider, logger Logger) Logger {
	if provider != nil {
		if l := provider.GetLogger(name); l != nil {
			return l
		}
	}
	return normalizeLogger(logger)
}

var defaultLogger = sync.OnceValue(func() Logger {
	return glog.NewLogger(glog.WithLoggerTypeJSON(), glog.WithName("auth"))
})

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defaultLogger()
	}
	return l
}

func normalizeClock(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}
