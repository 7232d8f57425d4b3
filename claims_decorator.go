package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// ClaimsDecorator may add extension data to a token before it is signed.
// Only Metadata may change; any other claim mutation rejects the token.
type ClaimsDecorator interface {
	Decorate(ctx context.Context, principal *Principal, claims *JWTClaims) error
}

// ClaimsDecoratorFunc adapts a function into a ClaimsDecorator.
type ClaimsDecoratorFunc func(ctx context.Context, principal *Principal, claims *JWTClaims) error

// Decorate satisfies the ClaimsDecorator interface.
func (f ClaimsDecoratorFunc) Decorate(ctx context.Context, principal *Principal, claims *JWTClaims) error {
	if f == nil {
		return nil
	}
	return f(ctx, principal, claims)
}

// WithClaimsDecorator runs d on every minted token.
func WithClaimsDecorator(d ClaimsDecorator) TokenServiceOption {
	return func(ts *TokenService) {
		ts.decorator = d
	}
}

type claimsSnapshot struct {
	subject   string
	issuer    string
	id        string
	kind      TokenType
	sessionID string
	audience  []string
	roles     []string
	issuedAt  time.Time
	expiresAt time.Time
}

func snapshotClaims(c *JWTClaims) claimsSnapshot {
	return claimsSnapshot{
		subject:   c.RegisteredClaims.Subject,
		issuer:    c.RegisteredClaims.Issuer,
		id:        c.RegisteredClaims.ID,
		kind:      c.TokenKind,
		sessionID: c.SessionID,
		audience:  slices.Clone(c.RegisteredClaims.Audience),
		roles:     slices.Clone(c.RoleNames),
		issuedAt:  c.IssuedAt(),
		expiresAt: c.Expires(),
	}
}

func (s claimsSnapshot) verify(c *JWTClaims) error {
	switch {
	case c.RegisteredClaims.Subject != s.subject:
		return immutableClaimViolation("sub")
	case c.RegisteredClaims.Issuer != s.issuer:
		return immutableClaimViolation("iss")
	case c.RegisteredClaims.ID != s.id:
		return immutableClaimViolation("jti")
	case c.TokenKind != s.kind:
		return immutableClaimViolation("typ")
	case c.SessionID != s.sessionID:
		return immutableClaimViolation("sid")
	case !slices.Equal([]string(c.RegisteredClaims.Audience), s.audience):
		return immutableClaimViolation("aud")
	case !slices.Equal(c.RoleNames, s.roles):
		return immutableClaimViolation("roles")
	case !sameDate(c.RegisteredClaims.IssuedAt, s.issuedAt):
		return immutableClaimViolation("iat")
	case !sameDate(c.RegisteredClaims.ExpiresAt, s.expiresAt):
		return immutableClaimViolation("exp")
	}
	return nil
}

func sameDate(d *jwt.NumericDate, want time.Time) bool {
	if d == nil {
		return want.IsZero()
	}
	return d.Time.Equal(want)
}

func immutableClaimViolation(field string) error {
	return goerrors.New(fmt.Sprintf("immutable claim mutated: %s", field), goerrors.CategoryInternal).
		WithTextCode("IMMUTABLE_CLAIM").
		WithMetadata(map[string]any{"claim": field})
}

func (ts *TokenService) decorate(ctx context.Context, principal *Principal, claims *JWTClaims) error {
	if ts.decorator == nil {
		return nil
	}
	snap := snapshotClaims(claims)
	if err := ts.decorator.Decorate(ctx, principal, claims); err != nil {
		return err
	}
	return snap.verify(claims)
}
