package auth

import (
	"context"
	"slices"

	"github.com/goliatone/go-router"
)

// PrincipalLocalsKey is the router Locals key holding the Principal.
const PrincipalLocalsKey = "auth.principal"

var principalCtxKey = &contextKey{"principal"}
var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// Principal is the verified identity attached to one request
type Principal struct {
	AccountID  string   `json:"account_id"`
	Identifier string   `json:"identifier"`
	Roles      []string `json:"roles"`
	TenantID   string   `json:"tenant_id,omitempty"`
	TokenID    string   `json:"token_id,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Valid      bool     `json:"valid"`
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// IsAuthenticated is true for a validated principal.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.Valid && p.AccountID != ""
}

func principalFromAccount(account *Account) *Principal {
	return &Principal{
		AccountID:  account.ID.String(),
		Identifier: account.Identifier,
		Roles:      dedupeRoles(account.Roles),
		TenantID:   account.TenantID,
		Valid:      true,
	}
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, principal)
}

// PrincipalFromContext finds the principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	raw, ok := ctx.Value(principalCtxKey).(*Principal)
	return raw, ok && raw != nil
}

// WithClaimsContext sets the AuthClaims in the given context
func WithClaimsContext(ctx context.Context, claims AuthClaims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

// GetClaims extracts the AuthClaims from the standard context
func GetClaims(ctx context.Context) (AuthClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(AuthClaims)
	return raw, ok
}

// AttachPrincipal stores the principal in the router Locals and in the
// request context.
func AttachPrincipal(c router.Context, principal *Principal) {
	c.Locals(PrincipalLocalsKey, principal)
	c.SetContext(WithPrincipal(c.Context(), principal))
}

// PrincipalFromRouter reads the principal set by the middleware.
func PrincipalFromRouter(c router.Context) (*Principal, bool) {
	if p, ok := c.Locals(PrincipalLocalsKey).(*Principal); ok && p != nil {
		return p, true
	}
	return PrincipalFromContext(c.Context())
}

// GetRouterClaims returns the claims stored under key by the middleware.
func GetRouterClaims(c router.Context, key string) (*JWTClaims, bool) {
	claims, ok := c.Locals(key).(*JWTClaims)
	return claims, ok && claims != nil
}
