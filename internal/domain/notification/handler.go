package notification

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medconnect/realtime/internal/platform/auth"
	"github.com/medconnect/realtime/pkg/pagination"
)

// Handler exposes a recipient's own notifications. The recipient is always
// the authenticated identity; there is no way to address another user's rows.
type Handler struct {
	svc *Service
}

// NewHandler creates a new notification handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the ledger endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications")
	g.GET("", h.List)
	g.GET("/unread-count", h.UnreadCount)
	g.PATCH("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)
}

type listResponse struct {
	Items       []*Notification `json:"items"`
	UnreadCount int             `json:"unreadCount"`
	Pagination  pagination.Meta `json:"pagination"`
}

func recipient(c echo.Context) (uuid.UUID, error) {
	ident := auth.IdentityFromContext(c.Request().Context())
	if ident == nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return ident.ID, nil
}

func parseFilter(c echo.Context) (Filter, error) {
	var f Filter
	if v := c.QueryParam("type"); v != "" {
		t, err := ParseType(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Type = &t
	}
	if v := c.QueryParam("isRead"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "isRead must be true or false")
		}
		f.IsRead = &b
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC3339 timestamp")
		}
		*dst = &ts
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	userID, err := recipient(c)
	if err != nil {
		return err
	}
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	page, err := h.svc.List(c.Request().Context(), userID, f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list notifications").SetInternal(err)
	}
	return c.JSON(http.StatusOK, listResponse{
		Items:       page.Items,
		UnreadCount: page.UnreadCount,
		Pagination:  pagination.NewMeta(pg, page.Total),
	})
}

func (h *Handler) UnreadCount(c echo.Context) error {
	userID, err := recipient(c)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to count notifications").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"unreadCount": n})
}

// MarkRead marks one notification read, or every notification when the id
// is "all".
func (h *Handler) MarkRead(c echo.Context) error {
	userID, err := recipient(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if c.Param("id") == "all" {
		n, err := h.svc.MarkAllRead(ctx, userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark notifications read").SetInternal(err)
		}
		return c.JSON(http.StatusOK, map[string]int64{"updated": n})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.MarkRead(ctx, userID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark notification read").SetInternal(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Delete(c echo.Context) error {
	userID, err := recipient(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), userID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete notification").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
