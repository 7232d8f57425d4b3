package jwtware

import (
	"errors"
	"strings"

	"github.com/goliatone/go-router"

	auth "github.com/goliatone/go-authcore"
)

var (
	defaultTokenLookup       = "header:" + router.HeaderAuthorization
	ErrJWTMissingOrMalformed = errors.New("missing or malformed JWT")
)

// ValidationListener is invoked after the principal is resolved and before
// the request proceeds. Returning an error rejects the request.
type ValidationListener func(c router.Context, principal *auth.Principal, claims *auth.JWTClaims) error

type Config struct {
	// Filter skips the middleware when it returns true.
	Filter func(router.Context) bool
	// PublicPaths are never authenticated. An entry ending in "/" matches
	// as a prefix, anything else matches exactly.
	PublicPaths    []string
	SuccessHandler router.HandlerFunc
	ErrorHandler   router.ErrorHandler
	// Authenticator is required.
	Authenticator *auth.RequestAuthenticator
	// ContextKey is the Locals key holding the validated claims.
	ContextKey  string
	TokenLookup string
	AuthScheme  string
	Logger      auth.Logger

	// ValidationListeners run after the principal is attached.
	ValidationListeners []ValidationListener
}

// New returns the request authentication middleware. A request without a
// token continues anonymously; guards decide whether that is allowed.
func New(config ...Config) router.MiddlewareFunc {
	cfg := GetDefaultConfig(config...)
	extractors := cfg.getExtractors()

	return func(_ router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			return cfg.handle(c, extractors)
		}
	}
}

func (cfg *Config) handle(c router.Context, extractors []JWTExtractor) error {
	if cfg.Filter != nil && cfg.Filter(c) {
		return c.Next()
	}
	if cfg.isPublic(c.Path()) {
		return c.Next()
	}

	raw, err := ExtractRawTokenFromContext(c, extractors)
	if err != nil || raw == "" {
		return c.Next()
	}

	principal, claims, err := cfg.Authenticator.PrincipalFromToken(c.Context(), raw)
	if err != nil {
		return cfg.ErrorHandler(c, err)
	}

	auth.AttachPrincipal(c, principal)
	c.Locals(cfg.ContextKey, claims)
	c.SetContext(auth.WithClaimsContext(c.Context(), claims))

	if err := cfg.runValidationListeners(c, principal, claims); err != nil {
		return cfg.ErrorHandler(c, err)
	}

	return cfg.SuccessHandler(c)
}

func ExtractRawTokenFromContext(c router.Context, extractors []JWTExtractor) (string, error) {
	var raw string
	var err error

	for _, extractor := range extractors {
		raw, err = extractor(c)
		if raw != "" && err == nil {
			break
		}
	}

	return raw, err
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Authenticator == nil {
		panic("AUTH: JWT middleware configuration: Authenticator is required.")
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c router.Context) error {
			return c.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = auth.DefaultErrorHandler(cfg.Logger)
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "user"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	return cfg
}

func (cfg *Config) isPublic(path string) bool {
	for _, p := range cfg.PublicPaths {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

func (cfg *Config) getExtractors() []JWTExtractor {
	return GetExtractors(cfg.TokenLookup, cfg.AuthScheme)
}

func (cfg *Config) runValidationListeners(c router.Context, principal *auth.Principal, claims *auth.JWTClaims) error {
	for _, listener := range cfg.ValidationListeners {
		if listener == nil {
			continue
		}
		if err := listener(c, principal, claims); err != nil {
			return err
		}
	}
	return nil
}

func GetExtractors(tokenLookup string, authSchemes ...string) []JWTExtractor {
	extractors := make([]JWTExtractor, 0)

	authScheme := "Bearer"
	if len(authSchemes) > 0 && authSchemes[0] != "" {
		authScheme = authSchemes[0]
	}

	// header:Authorization,cookie:jwt,query:auth_token,param:token
	rootParts := strings.Split(tokenLookup, ",")
	for _, rootPart := range rootParts {
		parts := strings.Split(strings.TrimSpace(rootPart), ":")
		if len(parts) != 2 {
			continue
		}

		for i, el := range parts {
			parts[i] = strings.TrimSpace(el)
		}

		switch parts[0] {
		case "header":
			extractors = append(extractors, jwtFromHeader(parts[1], authScheme))
		case "query":
			extractors = append(extractors, jwtFromQuery(parts[1]))
		case "param":
			extractors = append(extractors, jwtFromParam(parts[1]))
		case "cookie":
			extractors = append(extractors, jwtFromCookie(parts[1]))
		}
	}

	return extractors
}

type JWTExtractor func(c router.Context) (string, error)

// jwtFromHeader returns a function that extracts token from the request header.
func jwtFromHeader(header string, authScheme string) JWTExtractor {
	authScheme = strings.TrimSpace(authScheme)
	l := len(authScheme)
	return func(c router.Context) (string, error) {
		a := c.Header(header)
		if len(a) > l+1 && strings.EqualFold(a[:l], authScheme) && a[l] == ' ' {
			return strings.TrimSpace(a[l+1:]), nil
		}
		return "", ErrJWTMissingOrMalformed
	}
}

// jwtFromQuery returns a function that extracts token from the query string.
func jwtFromQuery(param string) JWTExtractor {
	return func(c router.Context) (string, error) {
		token := c.Query(param)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}

// jwtFromParam returns a function that extracts token from the url param string.
func jwtFromParam(param string) JWTExtractor {
	return func(c router.Context) (string, error) {
		token := c.Param(param)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}

// jwtFromCookie returns a function that extracts token from the named cookie.
func jwtFromCookie(name string) JWTExtractor {
	return func(c router.Context) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrJWTMissingOrMalformed
		}
		return token, nil
	}
}
