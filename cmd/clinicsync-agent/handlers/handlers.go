// Package handlers provides the agent's local REST API: the sync indicator,
// the offline queue, conflict resolution and the consultation timer.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/models"
	syncpkg "github.com/ortholife/clinicsync/internal/sync"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
	"github.com/ortholife/clinicsync/internal/sync/queue"
	"github.com/ortholife/clinicsync/internal/sync/scheduler"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	syncpkg.EngineInterface
	Conflict(changeID string) (conflict.Conflict, error)
}

// Scheduler is the part of the background scheduler the API drives.
type Scheduler interface {
	GetStatus() scheduler.SchedulerStatus
	TriggerSync() bool
	SyncNow(ctx context.Context) (*syncpkg.PassResult, error)
}

// ConnectivityReporter takes raw online/offline reports from the UI.
type ConnectivityReporter interface {
	Report(online bool)
	Online() bool
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, syncpkg.ErrNotConflicted):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrEntityConflicted), errors.Is(err, syncpkg.ErrPassInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		return echo.NewHTTPError(http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, conflict.ErrInvalidResolution),
		errors.Is(err, models.ErrPatientNameRequired),
		errors.Is(err, models.ErrPatientPhoneRequired),
		errors.Is(err, models.ErrPatientDOBInvalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case apperrors.Is(err, apperrors.ErrSyncTransport):
		return echo.NewHTTPError(http.StatusBadGateway, "server unreachable; the conflict stays open").SetInternal(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
