package auth

import (
	"context"
	"strings"
)

// RequestAuthenticator turns a bearer token into a Principal. It validates
// the token and re-reads the account so status changes apply to tokens that
// are already issued.
type RequestAuthenticator struct {
	tokens *TokenService
	logger Logger
}

// NewRequestAuthenticator returns a RequestAuthenticator over tokens.
func NewRequestAuthenticator(tokens *TokenService, logger Logger) *RequestAuthenticator {
	return &RequestAuthenticator{
		tokens: tokens,
		logger: normalizeLogger(logger),
	}
}

// Tokens returns the token service.
func (r *RequestAuthenticator) Tokens() *TokenService {
	return r.tokens
}

// PrincipalFromToken validates an access token and resolves its Principal.
// The error is a *TokenError, an *AuthFailure for an account that may no
// longer authenticate, or an infrastructure error.
func (r *RequestAuthenticator) PrincipalFromToken(ctx context.Context, raw string) (*Principal, *JWTClaims, error) {
	claims, err := r.tokens.Validate(ctx, strings.TrimSpace(raw), TokenTypeAccess)
	if err != nil {
		return nil, nil, err
	}

	account, err := r.tokens.loadAccount(ctx, claims.Subject())
	if err != nil {
		return nil, nil, err
	}
	if err := r.tokens.machine.Eligibility(account); err != nil {
		r.logger.Info("token holder may not authenticate",
			"account_id", claims.Subject(),
			"status", account.Status,
		)
		return nil, nil, err
	}

	principal := principalFromAccount(account)
	principal.TokenID = claims.TokenID()
	principal.SessionID = claims.SessionID
	return principal, claims, nil
}
