package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes short lived access tokens from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// AuthClaims is the read-only view of a validated token
type AuthClaims interface {
	Subject() string
	TokenID() string
	Identifier() string
	Roles() []string
	Type() TokenType
	HasRole(role string) bool
	Expires() time.Time
	IssuedAt() time.Time
}

// JWTClaims is the concrete token payload
type JWTClaims struct {
	jwt.RegisteredClaims
	IDN       string    `json:"idn,omitempty"`
	RoleNames []string  `json:"roles,omitempty"`
	TokenKind TokenType `json:"typ"`
	SessionID string    `json:"sid,omitempty"`
	// Metadata is the only field a ClaimsDecorator may change.
	Metadata map[string]any `json:"meta,omitempty"`
}

// Verify interface compliance
var _ AuthClaims = (*JWTClaims)(nil)

// Subject returns the account id
func (c *JWTClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// TokenID returns the jti claim
func (c *JWTClaims) TokenID() string {
	return c.RegisteredClaims.ID
}

// Identifier returns the login identifier at issue time
func (c *JWTClaims) Identifier() string {
	return c.IDN
}

// Roles returns a copy of the role claim
func (c *JWTClaims) Roles() []string {
	return slices.Clone(c.RoleNames)
}

// Type returns the token type
func (c *JWTClaims) Type() TokenType {
	return c.TokenKind
}

// HasRole checks the role claim
func (c *JWTClaims) HasRole(role string) bool {
	return slices.Contains(c.RoleNames, role)
}

// Expires returns the expiration time
func (c *JWTClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time.UTC()
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *JWTClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time.UTC()
	}
	return time.Time{}
}

func dedupeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}
