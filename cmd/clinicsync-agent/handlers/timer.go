package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/timer"
)

// TimerHandler drives the consultation timer from the UI.
type TimerHandler struct {
	timer *timer.Timer
}

func NewTimerHandler(t *timer.Timer) *TimerHandler {
	return &TimerHandler{timer: t}
}

func (h *TimerHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/timer", h.Get)
	api.POST("/timer/select", h.Select)
	api.POST("/timer/pause", h.Pause)
	api.POST("/timer/visibility", h.SetVisibility)
	api.DELETE("/timer", h.Clear)
}

func (h *TimerHandler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.timer.Snapshot())
}

type selectRequest struct {
	ConsultationID string                    `json:"consultation_id"`
	Status         models.ConsultationStatus `json:"status"`
}

// Select handles POST /timer/select. An empty consultation id clears the
// timer.
func (h *TimerHandler) Select(c echo.Context) error {
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid timer selection")
	}
	if req.Status != "" && !req.Status.Valid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown consultation status "+string(req.Status))
	}
	return c.JSON(http.StatusOK, h.timer.Select(c.Request().Context(), req.ConsultationID, req.Status))
}

type pauseRequest struct {
	Completed bool `json:"completed"`
}

// Pause handles POST /timer/pause. {"completed": true} keeps the timer
// paused on reselect.
func (h *TimerHandler) Pause(c echo.Context) error {
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pause request")
	}
	if req.Completed {
		return c.JSON(http.StatusOK, h.timer.Complete(c.Request().Context()))
	}
	return c.JSON(http.StatusOK, h.timer.Pause(c.Request().Context()))
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (h *TimerHandler) SetVisibility(c echo.Context) error {
	var req visibilityRequest
	if err := c.Bind(&req); err != nil || req.Visible == nil {
		return echo.NewHTTPError(http.StatusBadRequest, `body must be {"visible": true|false}`)
	}
	return c.JSON(http.StatusOK, h.timer.SetVisible(c.Request().Context(), *req.Visible))
}

func (h *TimerHandler) Clear(c echo.Context) error {
	h.timer.Clear(c.Request().Context())
	return c.JSON(http.StatusOK, h.timer.Snapshot())
}
