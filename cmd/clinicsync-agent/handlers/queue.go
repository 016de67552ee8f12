package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/sync/queue"
	"github.com/ortholife/clinicsync/internal/timer"
	"github.com/ortholife/clinicsync/internal/uuid"
)

// QueueHandler accepts local saves into the offline queue.
type QueueHandler struct {
	queue *queue.Queue
	timer *timer.Timer
	now   func() time.Time
}

// NewQueueHandler creates a QueueHandler. t may be nil; when set, saving the
// consultation it is timing pauses it and records the elapsed seconds.
func NewQueueHandler(q *queue.Queue, t *timer.Timer) *QueueHandler {
	return &QueueHandler{queue: q, timer: t, now: time.Now}
}

func (h *QueueHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/queue", h.List)
	api.POST("/queue/consultations/:id", h.SaveConsultation)
	api.POST("/queue/patients", h.RegisterPatient)
}

// ListResponse is the body of GET /queue.
type ListResponse struct {
	Items    []*models.QueuedChange `json:"items"`
	Stats    queue.Stats            `json:"stats"`
	Degraded bool                   `json:"storage_degraded"`
}

// List handles GET /queue.
func (h *QueueHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse{
		Items:    h.queue.List(),
		Stats:    h.queue.Stats(),
		Degraded: h.queue.Degraded(),
	})
}

// SaveConsultation handles POST /queue/consultations/:id.
func (h *QueueHandler) SaveConsultation(c echo.Context) error {
	id := c.Param("id")
	var p models.ConsultationPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consultation payload")
	}
	if p.PatientDetails.ID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "patient_details.id is required")
	}
	if p.Status == "" {
		p.Status = models.ConsultationPending
	}
	if !p.Status.Valid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown consultation status "+string(p.Status))
	}
	if p.SavedAt.IsZero() {
		p.SavedAt = h.now()
	}

	if h.timer != nil && h.timer.Snapshot().ConsultationID == id {
		var s timer.Session
		if p.Status == models.ConsultationCompleted {
			s = h.timer.Complete(c.Request().Context())
		} else {
			s = h.timer.Pause(c.Request().Context())
		}
		if p.Duration == 0 {
			p.Duration = s.ElapsedSeconds
		}
	}

	change := &models.QueuedChange{
		Kind:           models.KindConsultationUpdate,
		EntityKey:      id,
		LocalTimestamp: p.SavedAt,
	}
	if err := change.SetPayload(p); err != nil {
		return httpError(err)
	}
	queued, err := h.queue.Enqueue(c.Request().Context(), change)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, queued)
}

// RegisterResponse is the body of POST /queue/patients.
type RegisterResponse struct {
	PatientID string               `json:"patient_id"`
	Change    *models.QueuedChange `json:"change"`
}

// RegisterPatient handles POST /queue/patients. The patient gets an offline
// id that the UI uses until the server assigns the real one.
func (h *QueueHandler) RegisterPatient(c echo.Context) error {
	var p models.PatientPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid registration payload")
	}
	if err := p.Patient.Validate(); err != nil {
		return httpError(err)
	}
	if p.Status == "" {
		p.Status = models.ConsultationPending
	}
	if !p.Status.Valid() {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown consultation status "+string(p.Status))
	}
	if !uuid.IsOfflineID(p.Patient.ID) {
		p.Patient.ID = uuid.NewOfflineID()
	}
	if p.SavedAt.IsZero() {
		p.SavedAt = h.now()
	}

	change := &models.QueuedChange{
		Kind:           models.KindPatientCreate,
		EntityKey:      p.Patient.ID,
		LocalTimestamp: p.SavedAt,
	}
	if err := change.SetPayload(p); err != nil {
		return httpError(err)
	}
	queued, err := h.queue.Enqueue(c.Request().Context(), change)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, RegisterResponse{PatientID: p.Patient.ID, Change: queued})
}
