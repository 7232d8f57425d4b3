package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// SigningKey is one entry of the verification key set. Key is the HMAC
// secret for HS algorithms.
type SigningKey struct {
	ID        string
	Algorithm string
	Key       []byte
}

// CodecConfig configures a TokenCodec.
type CodecConfig struct {
	// ActiveKeyID selects the key used for signing. Every key verifies.
	ActiveKeyID string
	Keys        []SigningKey
	Issuer      string
	Audience    []string
	Clock       Clock
}

// TokenCodec signs and verifies JWTs. Verification selects the key by the
// "kid" header so keys can rotate without invalidating live tokens.
type TokenCodec struct {
	activeKID string
	method    jwt.SigningMethod
	signKey   []byte
	keyfunc   jwt.Keyfunc
	issuer    string
	audience  jwt.ClaimStrings
	methods   []string
	now       Clock
}

// NewTokenCodec validates cfg and builds the key set.
func NewTokenCodec(cfg CodecConfig) (*TokenCodec, error) {
	if len(cfg.Keys) == 0 {
		return nil, goerrors.New("token codec requires at least one signing key", goerrors.CategoryBadInput)
	}

	active := cfg.ActiveKeyID
	if active == "" {
		active = cfg.Keys[0].ID
	}

	codec := &TokenCodec{
		activeKID: active,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		now:       normalizeClock(cfg.Clock),
	}

	given := make(map[string]keyfunc.GivenKey, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.ID == "" {
			return nil, goerrors.New("signing key id must not be empty", goerrors.CategoryBadInput)
		}
		if len(k.Key) == 0 {
			return nil, goerrors.New(fmt.Sprintf("signing key %q is empty", k.ID), goerrors.CategoryBadInput)
		}
		alg := k.Algorithm
		if alg == "" {
			alg = jwt.SigningMethodHS256.Alg()
		}
		method := jwt.GetSigningMethod(alg)
		if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
			return nil, goerrors.New(fmt.Sprintf("unsupported signing algorithm %q", alg), goerrors.CategoryBadInput)
		}
		if _, dup := given[k.ID]; dup {
			return nil, goerrors.New(fmt.Sprintf("duplicate signing key id %q", k.ID), goerrors.CategoryBadInput)
		}

		given[k.ID] = keyfunc.NewGivenCustom(k.Key, keyfunc.GivenKeyOptions{Algorithm: alg})
		codec.methods = appendUnique(codec.methods, alg)

		if k.ID == active {
			codec.method = method
			codec.signKey = k.Key
		}
	}

	if codec.method == nil {
		return nil, goerrors.New(fmt.Sprintf("active signing key %q not found", active), goerrors.CategoryBadInput)
	}

	codec.keyfunc = keyfunc.NewGiven(given).Keyfunc
	return codec, nil
}

// Now returns the codec clock reading.
func (c *TokenCodec) Now() time.Time {
	return c.now()
}

// Issuer returns the configured issuer.
func (c *TokenCodec) Issuer() string {
	return c.issuer
}

// Audience returns a copy of the configured audience.
func (c *TokenCodec) Audience() []string {
	return slices.Clone(c.audience)
}

// Encode signs claims with the active key.
func (c *TokenCodec) Encode(claims *JWTClaims) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	token := jwt.NewWithClaims(c.method, claims)
	token.Header["kid"] = c.activeKID

	signed, err := token.SignedString(c.signKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}
	return signed, nil
}

// Decode verifies signature and time claims. Failures are *TokenError with
// reason expired or malformed. The signature is checked before expiry, so
// a forged expired token reports malformed.
func (c *TokenCodec) Decode(raw string) (*JWTClaims, error) {
	if raw == "" {
		return nil, newTokenError(TokenMalformed, errors.New("empty token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithValidMethods(c.methods),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if len(c.audience) > 0 {
		opts = append(opts, jwt.WithAudience(c.audience[0]))
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, c.keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newTokenError(TokenExpired, err)
		}
		return nil, newTokenError(TokenMalformed, err)
	}
	if !token.Valid {
		return nil, newTokenError(TokenMalformed, errors.New("invalid token"))
	}
	if claims.Subject() == "" || claims.TokenID() == "" || claims.IssuedAt().IsZero() {
		return nil, newTokenError(TokenMalformed, errors.New("missing required claims"))
	}
	if claims.Type() != TokenTypeAccess && claims.Type() != TokenTypeRefresh {
		return nil, newTokenError(TokenMalformed, fmt.Errorf("unknown token type %q", claims.Type()))
	}

	return claims, nil
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
