package auth

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Handler exposes the login, refresh, logout, and password endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User *Identity `json:"user"`
	*TokenPair
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type revokeUserRequest struct {
	UserID string `json:"userId"`
}

type revokedResponse struct {
	RevokedCount int `json:"revokedCount"`
}

// RegisterRoutes registers the auth endpoints on api and the session admin
// endpoints on admin. admin is expected to be restricted to SUPER_ADMIN.
func (h *Handler) RegisterRoutes(api *echo.Group, admin *echo.Group) {
	g := api.Group("/auth")
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	g.POST("/logout-all", h.LogoutAll)
	g.POST("/password", h.ChangePassword)
	g.GET("/me", h.Me)

	admin.POST("/sessions/revoke-user", h.RevokeUser)
}

func sessionMeta(c echo.Context) SessionMeta {
	return SessionMeta{UserAgent: c.Request().UserAgent(), IP: c.RealIP()}
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}
	ident, pair, err := h.svc.Login(c.Request().Context(), req.Email, req.Password, sessionMeta(c))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return errUnauthorized
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, loginResponse{User: ident, TokenPair: pair})
}

func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RefreshToken == "" {
		return errUnauthorized
	}
	pair, err := h.svc.Refresh(c.Request().Context(), req.RefreshToken, sessionMeta(c))
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return errUnauthorized
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "refresh failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c echo.Context) error {
	var req logoutRequest
	// An empty body is a valid logout of the access token alone.
	_ = c.Bind(&req)
	ctx := c.Request().Context()
	if err := h.svc.Logout(ctx, TokenFromContext(ctx), req.RefreshToken); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "logout failed").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LogoutAll(c echo.Context) error {
	ctx := c.Request().Context()
	ident := IdentityFromContext(ctx)
	if ident == nil {
		return errUnauthorized
	}
	n, err := h.svc.LogoutAll(ctx, ident.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "logout failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, revokedResponse{RevokedCount: n})
}

func (h *Handler) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	ident := IdentityFromContext(ctx)
	if ident == nil {
		return errUnauthorized
	}
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := h.svc.ChangePassword(ctx, ident.ID, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, ErrWeakPassword):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusBadRequest, "current password is incorrect")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "password change failed").SetInternal(err)
	}
}

func (h *Handler) Me(c echo.Context) error {
	ident := IdentityFromContext(c.Request().Context())
	if ident == nil {
		return errUnauthorized
	}
	return c.JSON(http.StatusOK, ident)
}

// RevokeUser revokes every session of another user and drops their
// connections.
func (h *Handler) RevokeUser(c echo.Context) error {
	var req revokeUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid userId")
	}
	n, err := h.svc.LogoutAll(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "revoke failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, revokedResponse{RevokedCount: n})
}
