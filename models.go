package auth

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountStatus is the lifecycle state of an account
type AccountStatus string

const (
	AccountStatusPending  AccountStatus = "PENDING_VERIFICATION"
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusLocked   AccountStatus = "LOCKED"
	AccountStatusDisabled AccountStatus = "DISABLED"
	AccountStatusDeleted  AccountStatus = "DELETED"
)

// IsValid reports whether the status is one of the known states.
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusPending, AccountStatusActive, AccountStatusLocked,
		AccountStatusDisabled, AccountStatusDeleted:
		return true
	default:
		return false
	}
}

// Account is the identity record held by the credential store
type Account struct {
	bun.BaseModel  `bun:"table:accounts,alias:acc"`
	ID             uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	TenantID       string        `bun:"tenant_id" json:"tenant_id,omitempty"`
	Identifier     string        `bun:"identifier,notnull,unique" json:"identifier"`
	PasswordHash   string        `bun:"password_hash,notnull" json:"-"`
	Roles          []string      `bun:"roles,type:jsonb" json:"roles"`
	Status         AccountStatus `bun:"status,notnull" json:"status"`
	StatusReason   string        `bun:"status_reason" json:"status_reason,omitempty"`
	FailedAttempts int           `bun:"failed_attempts,notnull" json:"failed_attempts"`
	LockedUntil    *time.Time    `bun:"locked_until" json:"locked_until,omitempty"`
	LastLoginAt    *time.Time    `bun:"last_login_at" json:"last_login_at,omitempty"`
	LastLoginIP    string        `bun:"last_login_ip" json:"last_login_ip,omitempty"`
	Version        int64         `bun:"version,notnull" json:"-"`
	CreatedAt      time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull" json:"updated_at"`
	DeletedAt      *time.Time    `bun:"deleted_at" json:"deleted_at,omitempty"`
}

// EnsureStatus defaults an empty status to active.
func (a *Account) EnsureStatus() {
	if a.Status == "" {
		a.Status = AccountStatusActive
	}
}

// IsDeleted is true for soft deleted accounts regardless of status.
func (a *Account) IsDeleted() bool {
	return a.Status == AccountStatusDeleted || a.DeletedAt != nil
}

// Clone returns a deep copy so callers can mutate without sharing state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Roles = slices.Clone(a.Roles)
	c.LockedUntil = cloneTime(a.LockedUntil)
	c.LastLoginAt = cloneTime(a.LastLoginAt)
	c.DeletedAt = cloneTime(a.DeletedAt)
	return &c
}

// Role is a named permission bundle
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rl"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name          string    `bun:"name,notnull,unique" json:"name" yaml:"name"`
	Description   string    `bun:"description" json:"description,omitempty" yaml:"description"`
	Permissions   []string  `bun:"permissions,type:jsonb" json:"permissions" yaml:"permissions"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at" yaml:"-"`
}

// Revocation reasons recorded with revoked tokens.
const (
	RevocationReasonLogout   = "logout"
	RevocationReasonRotation = "rotation"
	RevocationReasonAdmin    = "admin_revocation"
	RevocationReasonStatus   = "account_status_change"
	RevocationReasonPassword = "password_change"
	RevocationReasonSessions = "other_sessions_logout"
)

// RevokedToken marks a token id that must be rejected until its natural expiry
type RevokedToken struct {
	bun.BaseModel `bun:"table:revoked_tokens,alias:rvk"`
	TokenID       string    `bun:"token_id,pk" json:"token_id"`
	Subject       string    `bun:"subject,notnull" json:"subject"`
	TokenType     TokenType `bun:"token_type" json:"token_type"`
	Reason        string    `bun:"reason" json:"reason,omitempty"`
	RevokedAt     time.Time `bun:"revoked_at,notnull" json:"revoked_at"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

// SubjectRevocation rejects every token of a subject issued at or before RevokedAt
type SubjectRevocation struct {
	bun.BaseModel `bun:"table:subject_revocations,alias:srv"`
	Subject       string    `bun:"subject,pk" json:"subject"`
	Reason        string    `bun:"reason" json:"reason,omitempty"`
	RevokedAt     time.Time `bun:"revoked_at,notnull" json:"revoked_at"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
}

// Session groups a refresh token with every access token minted from it.
// All of them carry the session id in the sid claim.
type Session struct {
	bun.BaseModel `bun:"table:auth_sessions,alias:ses"`
	ID            string     `bun:"id,pk" json:"id"`
	AccountID     string     `bun:"account_id,notnull" json:"account_id"`
	ClientIP      string     `bun:"client_ip" json:"client_ip,omitempty"`
	UserAgent     string     `bun:"user_agent" json:"user_agent,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	LastSeenAt    time.Time  `bun:"last_seen_at,notnull" json:"last_seen_at"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	RevokedAt     *time.Time `bun:"revoked_at" json:"revoked_at,omitempty"`
	RevokeReason  string     `bun:"revoke_reason" json:"revoke_reason,omitempty"`
}

// Active is true while the session is neither revoked nor expired.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.RevokedAt = cloneTime(s.RevokedAt)
	return &c
}

// RevocationStats summarizes the revocation store
type RevocationStats struct {
	Total   int `json:"total"`
	Expired int `json:"expired"`
	Active  int `json:"active"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
