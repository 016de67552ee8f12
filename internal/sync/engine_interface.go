// Package sync reconciles the local persistent queue with the server entity
// store.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/sync/conflict"
)

// EngineInterface defines the sync engine operations used by the scheduler
// and the agent API. It allows mocking in tests.
type EngineInterface interface {
	// RunSyncPass processes every queued change once, oldest first.
	// Failures become state transitions; only a cancelled context is
	// returned as an error.
	RunSyncPass(ctx context.Context) (*PassResult, error)

	// Status returns the read-only sync indicator.
	Status() Status

	// Conflicts returns the open conflicts in queue order.
	Conflicts() []conflict.Conflict

	ResolveConsultationConflict(ctx context.Context, changeID string, res conflict.ConsultationResolution) error
	ResolvePatientConflict(ctx context.Context, changeID string, res conflict.PatientResolution) error
}

// CandidateQuery selects server patients that may duplicate a patient
// registered offline. Empty fields are ignored.
type CandidateQuery struct {
	Phone string // normalized digits
	Name  string
	DOB   string
}

// EntityStore is the server side the engine reconciles against.
type EntityStore interface {
	// FetchConsultation returns the server copy, or ErrNotFound.
	FetchConsultation(ctx context.Context, id string) (*models.ServerConsultation, error)
	// CommitConsultation writes payload and returns the new server updatedAt.
	CommitConsultation(ctx context.Context, id string, payload *models.ConsultationPayload) (time.Time, error)
	// FetchPatientCandidates returns server patients matching any of the
	// query fields.
	FetchPatientCandidates(ctx context.Context, q CandidateQuery) ([]models.Patient, error)
	// CommitPatient registers a patient, or attaches the consultation to
	// req.ExistingPatientID, and returns the server ids.
	CommitPatient(ctx context.Context, req *models.RegistrationRequest) (*models.PatientCommit, error)
}

var (
	// ErrNotFound is returned by an EntityStore for an absent record.
	ErrNotFound = errors.New("entity not found")
	// ErrMalformedResponse is returned by an EntityStore that could not
	// decode the server answer. The engine treats it like ErrNotFound.
	ErrMalformedResponse = errors.New("malformed server response")
	// ErrPassInProgress is returned when a pass is already running.
	ErrPassInProgress = errors.New("sync pass already in progress")
	// ErrNotConflicted is returned when resolving a change that has no
	// open conflict of the requested kind.
	ErrNotConflicted = errors.New("change has no open conflict")
)

// Connectivity reports the settled online signal.
type Connectivity interface {
	Online() bool
}

// ConflictRecorder persists conflict detections and resolutions.
type ConflictRecorder interface {
	Record(ctx context.Context, entry *models.ConflictLog) error
	Resolve(ctx context.Context, changeID, resolution string, resolvedAt int64) error
}
