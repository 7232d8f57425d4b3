package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

// ErrorResponse is the JSON body written for every auth failure.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the stable code and a caller-safe message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Until   string `json:"locked_until,omitempty"`
}

// ToRichError maps core outcomes onto rich errors. Anything that is not a
// deliberate denial becomes AUTH_UNAVAILABLE.
func ToRichError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var af *AuthFailure
	if errors.As(err, &af) {
		rich := goerrors.New(af.PublicMessage(), goerrors.CategoryAuth).
			WithTextCode(af.TextCode()).
			WithCode(goerrors.CodeUnauthorized)
		if af.LockedUntil != nil {
			rich.WithMetadata(map[string]any{"locked_until": af.LockedUntil.UTC()})
		}
		return rich
	}

	var te *TokenError
	if errors.As(err, &te) {
		return goerrors.New("token "+string(te.Reason), goerrors.CategoryAuth).
			WithTextCode(te.TextCode()).
			WithCode(goerrors.CodeUnauthorized)
	}

	var ae *AccessError
	if errors.As(err, &ae) {
		if !ae.Authenticated {
			return goerrors.New("authentication required", goerrors.CategoryAuth).
				WithTextCode(TextCodeUnauthenticated).
				WithCode(goerrors.CodeUnauthorized)
		}
		return goerrors.New("access denied", goerrors.CategoryAuthz).
			WithTextCode(TextCodeAccessDenied).
			WithCode(goerrors.CodeForbidden)
	}

	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.Category != goerrors.CategoryInternal {
		return rich
	}

	return goerrors.Wrap(err, goerrors.CategoryInternal, "authentication service unavailable").
		WithTextCode(TextCodeAuthUnavailable).
		WithCode(goerrors.CodeInternal)
}

// RenderError writes err as JSON using the status and text code of its rich form.
func RenderError(c router.Context, err error) error {
	rich := ToRichError(err)
	body := ErrorBody{Code: rich.TextCode, Message: rich.Message}
	if rich.Category == goerrors.CategoryInternal {
		body.Message = "authentication service unavailable"
	}

	var af *AuthFailure
	if errors.As(err, &af) && af.LockedUntil != nil {
		body.Until = af.LockedUntil.UTC().Format(timeFormat)
	}

	status := rich.Code
	if status == 0 {
		status = router.StatusInternalServerError
	}
	return c.JSON(status, ErrorResponse{Error: body})
}

// DefaultErrorHandler logs the failure and renders it. Infrastructure
// errors log at error level, denials at info.
func DefaultErrorHandler(logger Logger) router.ErrorHandler {
	logger = normalizeLogger(logger)
	return func(c router.Context, err error) error {
		if IsDeliberateDenial(err) {
			logger.Info("auth request denied",
				"error", err.Error(),
				"path", c.Path(),
			)
		} else {
			logger.Error("auth infrastructure failure",
				"error", err,
				"path", c.Path(),
			)
		}
		return RenderError(c, err)
	}
}

// FiberErrorHandler adapts handler to fiber.Config.ErrorHandler so errors
// escaping route handlers render the same way. Fiber's own errors, such as
// unknown routes, keep their status.
func FiberErrorHandler(handler router.ErrorHandler, logger router.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorResponse{Error: ErrorBody{Code: "HTTP_ERROR", Message: fe.Message}})
		}
		return handler(router.NewFiberContext(c, logger), err)
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
