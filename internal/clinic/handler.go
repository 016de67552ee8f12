package clinic

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/models"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/consultations/:id", h.GetConsultation)
	api.PUT("/consultations/:id", h.SaveConsultation)
	api.GET("/patients/candidates", h.Candidates)
	api.POST("/patients", h.RegisterPatient)
}

// httpError maps service errors onto status codes. The body is echo's
// {"message": ...}, which the agent's client reads back.
func httpError(err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case apperrors.ErrValidation:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (h *Handler) GetConsultation(c echo.Context) error {
	cons, err := h.svc.GetConsultation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) SaveConsultation(c echo.Context) error {
	var p models.ConsultationPayload
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consultation payload")
	}
	cons, err := h.svc.SaveConsultation(c.Request().Context(), c.Param("id"), &p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Candidates(c echo.Context) error {
	patients, err := h.svc.Candidates(c.Request().Context(), CandidateQuery{
		Phone: c.QueryParam("phone"),
		Name:  c.QueryParam("name"),
		DOB:   c.QueryParam("dob"),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patients": patients})
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req models.RegistrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid registration payload")
	}
	commit, err := h.svc.Register(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, commit)
}
