// Package clinic is the server entity store: the consultations and patients
// the sync engine reads and commits, behind a REST API.
package clinic

import (
	"context"
	"errors"

	"github.com/ortholife/clinicsync/internal/models"
)

// ErrNotFound is returned by repositories for unknown ids.
var ErrNotFound = errors.New("clinic: record not found")

// DefaultCandidateLimit caps a candidate search.
const DefaultCandidateLimit = 20

// CandidateFilter selects patients sharing any one of the set fields. Empty
// fields are ignored.
type CandidateFilter struct {
	PhoneDigits string // patientmatch.NormalizePhone form
	NameToken   string // lowercased, matched as a substring of the name
	DOB         string
	Limit       int
}

type Repository interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	SearchPatients(ctx context.Context, f CandidateFilter) ([]models.Patient, error)

	GetConsultation(ctx context.Context, id string) (*models.ServerConsultation, error)
	// SaveConsultation inserts c or replaces the row with the same id.
	SaveConsultation(ctx context.Context, c *models.ServerConsultation) error

	// Register stores c, and p first when p is non-nil, atomically. A p
	// without an ID gets the next "YYYYMMDD<counter>" id of c.CreatedAt's
	// day and c.PatientID is set to it.
	Register(ctx context.Context, p *models.Patient, c *models.ServerConsultation) error
}
