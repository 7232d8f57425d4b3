package auth

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// ErrInvalidPayload is rendered for malformed request bodies.
var ErrInvalidPayload = goerrors.New("invalid payload", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidPayload).
	WithCode(goerrors.CodeBadRequest)

// ErrPasswordReused is rendered when the new password equals the current one.
var ErrPasswordReused = goerrors.New("new password must differ from the current one", goerrors.CategoryBadInput).
	WithTextCode(TextCodePasswordReused).
	WithCode(goerrors.CodeBadRequest)

// AuthControllerRoutes holds the mount paths.
type AuthControllerRoutes struct {
	Login       string
	Refresh     string
	Logout      string
	Me          string
	Password    string
	Sessions    string
	Accounts    string
	Revocations string
}

// AuthController serves the login, refresh, logout and admin endpoints.
type AuthController struct {
	Logger        Logger
	Routes        *AuthControllerRoutes
	Authenticator *Authenticator
	Tokens        *TokenService
	Accounts      Accounts
	Guard         *Guard
	Throttle      *LoginThrottle
	AuthScheme    string
	ErrorHandler  router.ErrorHandler
}

// AuthControllerOption configures the controller.
type AuthControllerOption func(*AuthController) *AuthController

// WithControllerLogger sets the logger.
func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

// WithControllerThrottle sets the login throttle.
func WithControllerThrottle(t *LoginThrottle) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Throttle = t
		return c
	}
}

// WithControllerRoutes overrides the mount paths.
func WithControllerRoutes(routes *AuthControllerRoutes) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if routes != nil {
			c.Routes = routes
		}
		return c
	}
}

// WithControllerAuthScheme sets the Authorization scheme, "Bearer" by default.
func WithControllerAuthScheme(scheme string) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if scheme != "" {
			c.AuthScheme = scheme
		}
		return c
	}
}

// NewAuthController wires the controller. Every dependency is required.
func NewAuthController(authenticator *Authenticator, tokens *TokenService, accounts Accounts, guard *Guard, opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Authenticator: authenticator,
		Tokens:        tokens,
		Accounts:      accounts,
		Guard:         guard,
		AuthScheme:    "Bearer",
		Routes: &AuthControllerRoutes{
			Login:       "/auth/login",
			Refresh:     "/auth/refresh",
			Logout:      "/auth/logout",
			Me:          "/auth/me",
			Password:    "/auth/password",
			Sessions:    "/auth/sessions",
			Accounts:    "/auth/accounts",
			Revocations: "/auth/revocations",
		},
	}
	for _, opt := range opts {
		c = opt(c)
	}

	if c.Authenticator == nil || c.Tokens == nil || c.Accounts == nil || c.Guard == nil {
		panic("auth controller requires authenticator, token service, accounts and guard")
	}

	c.Logger = normalizeLogger(c.Logger)
	if c.ErrorHandler == nil {
		c.ErrorHandler = DefaultErrorHandler(c.Logger)
	}
	return c
}

// RegisterAuthRoutes mounts the controller endpoints on app. The request
// authentication middleware must already be registered on app so guarded
// routes see a Principal.
func RegisterAuthRoutes[T any](app router.Router[T], a *AuthController) {
	var login []router.MiddlewareFunc
	if a.Throttle != nil {
		login = append(login, a.Throttle.Middleware())
	}
	authenticated := a.Guard.RouteGuard(Authenticated())

	app.Post(a.Routes.Login, a.LoginPost, login...).SetName("auth.login")
	app.Post(a.Routes.Refresh, a.RefreshPost).SetName("auth.refresh")
	app.Post(a.Routes.Logout, a.LogoutPost).SetName("auth.logout")
	app.Get(a.Routes.Me, a.MeGet, authenticated).SetName("auth.me")
	app.Post(a.Routes.Password, a.PasswordPost, authenticated).SetName("auth.password")

	app.Get(a.Routes.Sessions, a.SessionsGet, authenticated).SetName("auth.sessions")
	app.Post(a.Routes.Sessions+"/logout-others", a.LogoutOthersPost, authenticated).SetName("auth.sessions.logout_others")
	app.Post(a.Routes.Sessions+"/:id/logout", a.SessionLogoutPost, authenticated).SetName("auth.sessions.logout")

	admin := a.Guard.RouteGuard(Permission(PermissionUserManage))
	app.Post(a.Routes.Accounts+"/:id/disable", a.accountAction(actionDisable), admin).SetName("auth.accounts.disable")
	app.Post(a.Routes.Accounts+"/:id/enable", a.accountAction(actionEnable), admin).SetName("auth.accounts.enable")
	app.Post(a.Routes.Accounts+"/:id/unlock", a.accountAction(actionUnlock), admin).SetName("auth.accounts.unlock")
	app.Post(a.Routes.Accounts+"/:id/delete", a.accountAction(actionDelete), admin).SetName("auth.accounts.delete")
	app.Post(a.Routes.Accounts+"/:id/revoke-tokens", a.RevokeAccountTokens, admin).SetName("auth.accounts.revoke")

	app.Get(a.Routes.Revocations+"/stats", a.RevocationStats, a.Guard.RouteGuard(Permission(PermissionAuditRead))).
		SetName("auth.revocations.stats")
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required, validation.Length(3, 254)),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 128)),
	)
}

// TokenResponse is the login and refresh response body.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

func (a *AuthController) tokenResponse(pair TokenPair) TokenResponse {
	now := a.Tokens.codec.Now()
	return TokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        pair.TokenType,
		ExpiresIn:        int64(pair.AccessExpiresAt.Sub(now).Seconds()),
		RefreshExpiresIn: int64(pair.RefreshExpiresAt.Sub(now).Seconds()),
	}
}

// LoginPost authenticates and returns a token pair for a new session.
func (a *AuthController) LoginPost(c router.Context) error {
	payload := new(LoginRequest)
	if err := c.Bind(payload); err != nil {
		return RenderError(c, ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return renderValidation(c, err)
	}

	ctx := c.Context()
	principal, err := a.Authenticator.AuthenticateFrom(ctx, payload.Identifier, payload.Password, c.IP())
	if err != nil {
		return a.ErrorHandler(c, err)
	}

	pair, err := a.Tokens.Issue(ctx, principal, WithSessionClient(c.IP(), c.Header("User-Agent")))
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, a.tokenResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshPost exchanges a refresh token taken from the Authorization header
// or the JSON body.
func (a *AuthController) RefreshPost(c router.Context) error {
	raw := bearerToken(c, a.AuthScheme)
	if raw == "" {
		body := new(refreshRequest)
		if len(c.Body()) > 0 {
			if err := c.Bind(body); err != nil {
				return RenderError(c, ErrInvalidPayload)
			}
		}
		raw = body.RefreshToken
	}
	if raw == "" {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}

	pair, err := a.Tokens.Refresh(c.Context(), raw)
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, a.tokenResponse(pair))
}

// LogoutPost ends the session of the bearer token. Both tokens of the
// session stop validating. Repeating a logout succeeds.
func (a *AuthController) LogoutPost(c router.Context) error {
	raw := bearerToken(c, a.AuthScheme)
	if raw == "" {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}
	if err := a.Tokens.Logout(c.Context(), raw); err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, map[string]any{"status": "logged_out"})
}

// MeGet returns the request Principal.
func (a *AuthController) MeGet(c router.Context) error {
	principal, ok := PrincipalFromRouter(c)
	if !ok {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}
	return c.JSON(router.StatusOK, map[string]any{
		"principal":   principal,
		"permissions": a.Guard.Roles().Permissions(principal.Roles),
	})
}

// PasswordChangeRequest payload
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Validate will run validation rules
func (r PasswordChangeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(8, 128)),
	)
}

// PasswordPost changes the caller's password, ends every session of the
// account and returns tokens for a fresh session.
func (a *AuthController) PasswordPost(c router.Context) error {
	principal, ok := PrincipalFromRouter(c)
	if !ok {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}

	payload := new(PasswordChangeRequest)
	if err := c.Bind(payload); err != nil {
		return RenderError(c, ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return renderValidation(c, err)
	}

	ctx := c.Context()
	err := a.Authenticator.ChangePassword(ctx, principal.AccountID, payload.CurrentPassword, payload.NewPassword)
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	if err := a.Tokens.RevokeAccount(ctx, principal.AccountID, RevocationReasonPassword); err != nil {
		return a.ErrorHandler(c, err)
	}

	fresh := *principal
	fresh.SessionID = ""
	fresh.TokenID = ""
	pair, err := a.Tokens.Issue(ctx, &fresh, WithSessionClient(c.IP(), c.Header("User-Agent")))
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, a.tokenResponse(pair))
}

// SessionResponse describes one active session.
type SessionResponse struct {
	ID         string `json:"id"`
	ClientIP   string `json:"client_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	CreatedAt  string `json:"created_at"`
	LastSeenAt string `json:"last_seen_at"`
	ExpiresAt  string `json:"expires_at"`
	Current    bool   `json:"current"`
}

// SessionsGet lists the caller's active sessions.
func (a *AuthController) SessionsGet(c router.Context) error {
	principal, ok := PrincipalFromRouter(c)
	if !ok {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}
	sessions, err := a.Tokens.Sessions(c.Context(), principal.AccountID)
	if err != nil {
		return a.ErrorHandler(c, err)
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ID:         s.ID,
			ClientIP:   s.ClientIP,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt.UTC().Format(timeFormat),
			LastSeenAt: s.LastSeenAt.UTC().Format(timeFormat),
			ExpiresAt:  s.ExpiresAt.UTC().Format(timeFormat),
			Current:    s.ID == principal.SessionID,
		})
	}
	return c.JSON(router.StatusOK, map[string]any{"sessions": out})
}

// SessionLogoutPost ends one of the caller's sessions.
func (a *AuthController) SessionLogoutPost(c router.Context) error {
	principal, ok := PrincipalFromRouter(c)
	if !ok {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}
	id := c.Param("id")
	err := a.Tokens.RevokeSession(c.Context(), principal.AccountID, id, RevocationReasonLogout)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(router.StatusNotFound, ErrorResponse{Error: ErrorBody{
			Code:    "SESSION_NOT_FOUND",
			Message: "session not found",
		}})
	}
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, map[string]any{"status": "logged_out", "session_id": id})
}

// LogoutOthersPost ends every session of the caller except the current one.
func (a *AuthController) LogoutOthersPost(c router.Context) error {
	principal, ok := PrincipalFromRouter(c)
	if !ok {
		return a.ErrorHandler(c, ErrUnauthenticated)
	}
	n, err := a.Tokens.LogoutOtherSessions(c.Context(), principal.AccountID, principal.SessionID)
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, map[string]any{"status": "logged_out", "sessions": n})
}

type accountAction string

const (
	actionDisable accountAction = "disable"
	actionEnable  accountAction = "enable"
	actionUnlock  accountAction = "unlock"
	actionDelete  accountAction = "delete"
)

type accountActionRequest struct {
	Reason string `json:"reason"`
}

func (a *AuthController) accountAction(action accountAction) router.HandlerFunc {
	return func(c router.Context) error {
		ctx := c.Context()
		account, err := a.loadAccount(ctx, c.Param("id"))
		if err != nil {
			return a.renderAdminError(c, err)
		}

		body := new(accountActionRequest)
		if len(c.Body()) > 0 {
			_ = c.Bind(body)
		}

		actor := actorFromRouter(c)
		machine := a.Authenticator.StateMachine()

		var updated *Account
		switch action {
		case actionDisable:
			reason := body.Reason
			if reason == "" {
				reason = "disabled by administrator"
			}
			updated, err = machine.Disable(ctx, actor, account, reason)
		case actionEnable:
			updated, err = machine.Transition(ctx, actor, account, AccountStatusActive, WithTransitionReason("enabled"))
		case actionUnlock:
			updated, err = machine.Unlock(ctx, actor, account)
		case actionDelete:
			updated, err = machine.Delete(ctx, actor, account)
		}
		if err != nil {
			return a.renderAdminError(c, err)
		}

		if action == actionDisable || action == actionDelete {
			if err := a.Tokens.RevokeAccount(ctx, updated.ID.String(), RevocationReasonStatus); err != nil {
				return a.ErrorHandler(c, err)
			}
		}

		return c.JSON(router.StatusOK, updated)
	}
}

// RevokeAccountTokens rejects every token issued so far to the account.
func (a *AuthController) RevokeAccountTokens(c router.Context) error {
	ctx := c.Context()
	account, err := a.loadAccount(ctx, c.Param("id"))
	if err != nil {
		return a.renderAdminError(c, err)
	}
	if err := a.Tokens.RevokeAccount(ctx, account.ID.String(), RevocationReasonAdmin); err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, map[string]any{"status": "revoked", "account_id": account.ID.String()})
}

// RevocationStats reports the revocation store summary.
func (a *AuthController) RevocationStats(c router.Context) error {
	stats, err := a.Tokens.Stats(c.Context())
	if err != nil {
		return a.ErrorHandler(c, err)
	}
	return c.JSON(router.StatusOK, stats)
}

func (a *AuthController) loadAccount(ctx context.Context, rawID string) (*Account, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrInvalidPayload
	}
	return a.Accounts.FindByID(ctx, id)
}

func (a *AuthController) renderAdminError(c router.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(router.StatusNotFound, ErrorResponse{Error: ErrorBody{
			Code:    "ACCOUNT_NOT_FOUND",
			Message: "account not found",
		}})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidPayload):
		rich := ToRichError(err)
		return c.JSON(rich.Code, ErrorResponse{Error: ErrorBody{
			Code:    rich.TextCode,
			Message: rich.Message,
		}})
	default:
		return a.ErrorHandler(c, err)
	}
}

func renderValidation(c router.Context, err error) error {
	return c.JSON(router.StatusBadRequest, map[string]any{
		"error":  ErrorBody{Code: TextCodeInvalidPayload, Message: "invalid payload"},
		"fields": err,
	})
}

func actorFromRouter(c router.Context) ActorRef {
	if p, ok := PrincipalFromRouter(c); ok {
		return ActorRef{ID: p.AccountID, Type: "account"}
	}
	return systemActor
}

func bearerToken(c router.Context, scheme string) string {
	header := strings.TrimSpace(c.Header(router.HeaderAuthorization))
	if scheme == "" {
		scheme = "Bearer"
	}
	l := len(scheme)
	if len(header) > l+1 && strings.EqualFold(header[:l], scheme) && header[l] == ' ' {
		return strings.TrimSpace(header[l+1:])
	}
	return ""
}
