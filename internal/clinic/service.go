package clinic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/ortholife/clinicsync/internal/errors"
	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
	"github.com/ortholife/clinicsync/internal/uuid"
)

// CandidateQuery is a duplicate-patient search as the agent sends it.
type CandidateQuery struct {
	Phone string
	Name  string
	DOB   string
}

type Service struct {
	repo Repository
	now  func() time.Time
	log  zerolog.Logger
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		now:  time.Now,
		log:  logging.Component("clinic"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp is the current time at the precision PostgreSQL keeps, so the
// value returned to the agent equals the one it reads back later.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func notFound(what string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperrors.Wrap(apperrors.ErrNotFound, what+" not found", err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, "load "+what, err)
}

// GetConsultation returns the consultation with its patient attached.
func (s *Service) GetConsultation(ctx context.Context, id string) (*models.ServerConsultation, error) {
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return nil, notFound("consultation", err)
	}
	if p, err := s.repo.GetPatient(ctx, c.PatientID); err == nil {
		c.Patient = p
	} else if !errors.Is(err, ErrNotFound) {
		s.log.Warn().Err(err).Str("patient_id", c.PatientID).Msg("could not attach patient to consultation")
	}
	return c, nil
}

// SaveConsultation writes the agent's snapshot for consultation id, creating
// it when unknown. The returned record carries the new updated_at, which is
// always after the previous one.
func (s *Service) SaveConsultation(ctx context.Context, id string, p *models.ConsultationPayload) (*models.ServerConsultation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "consultation id is required")
	}
	patientID := p.PatientDetails.ID
	if patientID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "patient_details.id is required")
	}
	if uuid.IsOfflineID(patientID) {
		return nil, apperrors.New(apperrors.ErrValidation, "patient "+patientID+" is not registered yet")
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, "unknown status "+string(p.Status))
	}
	if p.Duration < 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "duration must not be negative")
	}

	now := s.timestamp()
	c := &models.ServerConsultation{
		ID:        id,
		PatientID: patientID,
		Data:      p.Data,
		Status:    p.Status,
		Duration:  p.Duration,
		CreatedAt: now,
	}

	existing, err := s.repo.GetConsultation(ctx, id)
	switch {
	case err == nil:
		c.CreatedAt = existing.CreatedAt
		if c.Status == "" {
			c.Status = existing.Status
		}
		if c.Duration == 0 {
			c.Duration = existing.Duration
		}
		if !now.After(existing.LastModified()) {
			now = existing.LastModified().Add(time.Microsecond)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load consultation", err)
	}
	if c.Status == "" {
		c.Status = models.ConsultationPending
	}
	c.UpdatedAt = now

	if err := s.repo.SaveConsultation(ctx, c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "patient "+patientID+" does not exist", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "save consultation", err)
	}

	s.log.Info().
		Str("consultation_id", c.ID).
		Str("patient_id", c.PatientID).
		Str("status", string(c.Status)).
		Bool("created", existing == nil).
		Msg("consultation saved")
	return c, nil
}

// Candidates returns the patients that share the phone, a name token or the
// date of birth with q. Scoring is left to the caller.
func (s *Service) Candidates(ctx context.Context, q CandidateQuery) ([]models.Patient, error) {
	f := CandidateFilter{
		PhoneDigits: patientmatch.NormalizePhone(q.Phone),
		DOB:         strings.TrimSpace(q.DOB),
		Limit:       DefaultCandidateLimit,
	}
	if fields := strings.Fields(patientmatch.NormalizeName(q.Name)); len(fields) > 0 {
		f.NameToken = fields[0]
	}
	if f.PhoneDigits == "" && f.NameToken == "" && f.DOB == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "one of phone, name or dob is required")
	}

	patients, err := s.repo.SearchPatients(ctx, f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "search patients", err)
	}
	if patients == nil {
		patients = []models.Patient{}
	}
	return patients, nil
}

// Register stores the patient and the consultation opened with them. With
// ExistingPatientID set the consultation is attached to that patient and
// req.Patient is ignored.
func (s *Service) Register(ctx context.Context, req *models.RegistrationRequest) (*models.PatientCommit, error) {
	status := req.Status
	if status == "" {
		status = models.ConsultationPending
	}
	if !status.Valid() {
		return nil, apperrors.New(apperrors.ErrValidation, "unknown status "+string(status))
	}

	now := s.timestamp()
	c := &models.ServerConsultation{
		ID:        uuid.New(),
		Data:      req.Consultation,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var patient *models.Patient
	if req.ExistingPatientID != "" {
		if _, err := s.repo.GetPatient(ctx, req.ExistingPatientID); err != nil {
			return nil, notFound("patient", err)
		}
		c.PatientID = req.ExistingPatientID
	} else {
		p := req.Patient
		if err := p.Validate(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid patient", err)
		}
		p.ID = ""
		p.CreatedAt, p.UpdatedAt = now, now
		patient = &p
	}

	if err := s.repo.Register(ctx, patient, c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("patient", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "register patient", err)
	}

	s.log.Info().
		Str("patient_id", c.PatientID).
		Str("consultation_id", c.ID).
		Bool("existing_patient", patient == nil).
		Msg("patient registered")
	return &models.PatientCommit{
		PatientID:      c.PatientID,
		ConsultationID: c.ID,
		UpdatedAt:      c.UpdatedAt,
	}, nil
}
