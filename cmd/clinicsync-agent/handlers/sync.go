package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	syncpkg "github.com/ortholife/clinicsync/internal/sync"
	"github.com/ortholife/clinicsync/internal/sync/scheduler"
)

// SyncHandler serves the sync indicator and manual triggers.
type SyncHandler struct {
	engine    Engine
	scheduler Scheduler
	conn      ConnectivityReporter
}

// NewSyncHandler creates a SyncHandler. conn may be nil when connectivity is
// only probed.
func NewSyncHandler(engine Engine, sched Scheduler, conn ConnectivityReporter) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched, conn: conn}
}

func (h *SyncHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/sync/status", h.GetStatus)
	api.POST("/sync/trigger", h.Trigger)
	api.POST("/connectivity", h.ReportConnectivity)
}

// StatusResponse is the body of GET /sync/status.
type StatusResponse struct {
	syncpkg.Status
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
}

// GetStatus handles GET /sync/status.
func (h *SyncHandler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:    h.engine.Status(),
		Scheduler: h.scheduler.GetStatus(),
	})
}

// Trigger handles POST /sync/trigger. With ?wait=true the pass runs on the
// request and its result is returned; otherwise the request is queued.
func (h *SyncHandler) Trigger(c echo.Context) error {
	if c.QueryParam("wait") == "true" {
		result, err := h.scheduler.SyncNow(c.Request().Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, result)
	}

	queued := h.scheduler.TriggerSync()
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"queued": queued,
		"online": h.scheduler.GetStatus().IsOnline,
	})
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// ReportConnectivity handles POST /connectivity. Reports are debounced by
// the monitor before the scheduler sees them.
func (h *SyncHandler) ReportConnectivity(c echo.Context) error {
	if h.conn == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "connectivity reports are disabled")
	}
	var req connectivityRequest
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return echo.NewHTTPError(http.StatusBadRequest, `body must be {"online": true|false}`)
	}
	h.conn.Report(*req.Online)
	return c.JSON(http.StatusAccepted, map[string]bool{"online": h.conn.Online()})
}
