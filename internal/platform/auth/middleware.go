package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	IdentityKey contextKey = "identity"
	TokenKey    contextKey = "bearer_token"
)

// Validator resolves a bearer token to an Identity. SessionStore implements it.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// errUnauthorized is the only response an authentication failure produces.
var errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SessionMiddleware authenticates every request against the session store.
// Requests for which skipper returns true pass through untouched.
func SessionMiddleware(v Validator, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			token := BearerToken(c.Request())
			if token == "" {
				return errUnauthorized
			}

			ctx := c.Request().Context()
			ident, err := v.Validate(ctx, token)
			if err != nil {
				if errors.Is(err, ErrInvalidSession) {
					return errUnauthorized
				}
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable").SetInternal(err)
			}

			ctx = WithIdentity(ctx, ident)
			ctx = context.WithValue(ctx, TokenKey, token)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("user_id", ident.ID.String())

			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying ident.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, ident)
}

func IdentityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(IdentityKey).(*Identity)
	return ident
}

func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(TokenKey).(string)
	return tok
}
