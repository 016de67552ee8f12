package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ortholife/clinicsync/internal/sync/conflict"
)

// ConflictHandler is the REST conflict surface for the UI.
type ConflictHandler struct {
	engine Engine
}

func NewConflictHandler(engine Engine) *ConflictHandler {
	return &ConflictHandler{engine: engine}
}

func (h *ConflictHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/conflicts", h.List)
	api.GET("/conflicts/:id", h.Get)
	api.POST("/conflicts/:id/resolve", h.Resolve)
}

// List handles GET /conflicts.
func (h *ConflictHandler) List(c echo.Context) error {
	open := h.engine.Conflicts()
	views := make([]conflict.View, 0, len(open))
	for _, oc := range open {
		views = append(views, conflict.Present(oc))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conflicts": views})
}

// Get handles GET /conflicts/:id.
func (h *ConflictHandler) Get(c echo.Context) error {
	oc, err := h.engine.Conflict(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, conflict.Present(oc))
}

// ResolveRequest selects a resolution. Consultation conflicts take
// "local" or "server"; patient conflicts take "new" or merge_with.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
	MergeWith  string `json:"merge_with"`
}

// Resolve handles POST /conflicts/:id/resolve.
func (h *ConflictHandler) Resolve(c echo.Context) error {
	id := c.Param("id")
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resolution")
	}

	oc, err := h.engine.Conflict(id)
	if err != nil {
		return httpError(err)
	}

	ctx := c.Request().Context()
	switch oc.ConflictKind() {
	case conflict.KindConsultation:
		res, err := conflict.ParseConsultationResolution(req.Resolution)
		if err != nil {
			return httpError(err)
		}
		err = h.engine.ResolveConsultationConflict(ctx, id, res)
		if err != nil {
			return httpError(err)
		}
	case conflict.KindPatient:
		res := conflict.CreateNew()
		switch {
		case req.MergeWith != "":
			res = conflict.MergeWith(req.MergeWith)
		case req.Resolution != "new":
			return echo.NewHTTPError(http.StatusUnprocessableEntity, `patient conflicts take "new" or merge_with`)
		}
		if err := h.engine.ResolvePatientConflict(ctx, id, res); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"resolved": id})
}
