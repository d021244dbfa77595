package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medconnect/realtime/internal/domain/notification"
	"github.com/medconnect/realtime/internal/platform/audience"
	"github.com/medconnect/realtime/internal/platform/events"
)

// Handler exposes operator endpoints that inject events into the dispatcher.
// Routes are expected to sit behind RequireRole(SUPER_ADMIN).
type Handler struct {
	d *Dispatcher
}

// NewHandler creates a new dispatch handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

// RegisterRoutes registers the admin dispatch endpoints.
func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.POST("/notify", h.Notify)
	admin.POST("/broadcast", h.Broadcast)
}

type notifyResponse struct {
	ID string `json:"id"`
}

type broadcastRequest struct {
	Audience     json.RawMessage `json:"audience"`
	EventKind    events.Kind     `json:"eventKind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Notification *Template       `json:"notification,omitempty"`
}

func (h *Handler) Notify(c echo.Context) error {
	var req NotifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := h.d.Notify(c.Request().Context(), req)
	if err != nil {
		return dispatchError(err)
	}
	return c.JSON(http.StatusCreated, notifyResponse{ID: id.String()})
}

func (h *Handler) Broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	desc, err := audience.DecodeDescriptor(req.Audience)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev := Event{Audience: desc, Notification: req.Notification}
	if req.EventKind != "" {
		p, err := events.DecodePayload(req.EventKind, req.Payload)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ev.Payload = p
	}
	res, err := h.d.Dispatch(c.Request().Context(), ev)
	if err != nil {
		return dispatchError(err)
	}
	return c.JSON(http.StatusAccepted, res)
}

func dispatchError(err error) error {
	switch {
	case errors.Is(err, ErrLedgerWrite):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "notification ledger unavailable").SetInternal(err)
	case errors.Is(err, audience.ErrUnknownDescriptor),
		errors.Is(err, notification.ErrInvalid),
		errors.Is(err, ErrEmptyEvent),
		errors.Is(err, ErrNotDispatchable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed").SetInternal(err)
}
