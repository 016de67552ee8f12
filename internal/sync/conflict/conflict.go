// Package conflict defines the two conflict kinds the sync engine raises,
// how they are detected, the resolutions a user may choose, and the
// surfaces that ask for that choice.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
)

// Kind discriminates the Conflict variants.
type Kind string

const (
	KindConsultation Kind = "consultation"
	KindPatient      Kind = "patient"
)

// Conflict is either a *ConsultationConflict or a *PatientConflict.
type Conflict interface {
	// QueuedChangeID is the id of the queued change the conflict blocks.
	QueuedChangeID() string
	ConflictKind() Kind
	Detected() time.Time

	sealed()
}

// ConsultationConflict is raised when the server copy of a consultation was
// modified after the queued local edit was made.
type ConsultationConflict struct {
	ChangeID       string                     `json:"change_id"`
	ConsultationID string                     `json:"consultation_id"`
	Local          models.ConsultationPayload `json:"local"`
	LocalTimestamp time.Time                  `json:"local_timestamp"`
	Server         models.ServerConsultation  `json:"server"`
	DetectedAt     time.Time                  `json:"detected_at"`
}

func (c *ConsultationConflict) QueuedChangeID() string { return c.ChangeID }
func (c *ConsultationConflict) ConflictKind() Kind     { return KindConsultation }
func (c *ConsultationConflict) Detected() time.Time    { return c.DetectedAt }
func (*ConsultationConflict) sealed()                  {}

// PatientConflict is raised when a patient registered offline looks like one
// or more patients the server already has.
type PatientConflict struct {
	ChangeID            string               `json:"change_id"`
	OfflinePatient      models.Patient       `json:"offline_patient"`
	ConflictingPatients []patientmatch.Match `json:"conflicting_patients"`
	DetectedAt          time.Time            `json:"detected_at"`
}

func (c *PatientConflict) QueuedChangeID() string { return c.ChangeID }
func (c *PatientConflict) ConflictKind() Kind     { return KindPatient }
func (c *PatientConflict) Detected() time.Time    { return c.DetectedAt }
func (*PatientConflict) sealed()                  {}

// Candidate returns the conflicting patient with the given id.
func (c *PatientConflict) Candidate(id string) (models.Patient, bool) {
	for _, m := range c.ConflictingPatients {
		if m.Patient.ID == id {
			return m.Patient, true
		}
	}
	return models.Patient{}, false
}

// DetectConsultation reports a conflict when the server record was updated
// after the local edit. A server timestamp equal to one our own earlier
// commit produced is not a foreign edit. A nil server record never
// conflicts.
func DetectConsultation(change *models.QueuedChange, local *models.ConsultationPayload, server *models.ServerConsultation, now time.Time) (*ConsultationConflict, bool) {
	if server == nil {
		return nil, false
	}
	serverTS := server.LastModified()
	if !serverTS.After(change.LocalTimestamp) {
		return nil, false
	}
	if !change.AckedServerUpdatedAt.IsZero() && serverTS.Equal(change.AckedServerUpdatedAt) {
		return nil, false
	}

	return &ConsultationConflict{
		ChangeID:       change.ID,
		ConsultationID: change.EntityKey,
		Local:          *local,
		LocalTimestamp: change.LocalTimestamp,
		Server:         *server,
		DetectedAt:     now,
	}, true
}

// DetectPatient reports a conflict when matches is not empty.
func DetectPatient(change *models.QueuedChange, offline models.Patient, matches []patientmatch.Match, now time.Time) (*PatientConflict, bool) {
	if len(matches) == 0 {
		return nil, false
	}
	return &PatientConflict{
		ChangeID:            change.ID,
		OfflinePatient:      offline,
		ConflictingPatients: matches,
		DetectedAt:          now,
	}, true
}

// ConsultationResolution is the binary choice for a consultation conflict.
type ConsultationResolution string

const (
	// KeepLocal overwrites the server with the queued payload.
	KeepLocal ConsultationResolution = "local"
	// KeepServer drops the queued payload without writing.
	KeepServer ConsultationResolution = "server"
)

// ParseConsultationResolution validates a resolution string.
func ParseConsultationResolution(s string) (ConsultationResolution, error) {
	switch r := ConsultationResolution(s); r {
	case KeepLocal, KeepServer:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q is not local or server", ErrInvalidResolution, s)
}

// PatientResolution is either CreateNew or MergeWith an existing patient.
type PatientResolution struct {
	MergeWith string `json:"merge_with,omitempty"`
}

// CreateNew registers the offline patient as a new patient.
func CreateNew() PatientResolution {
	return PatientResolution{}
}

// MergeWith attaches the offline registration to an existing patient.
func MergeWith(existingID string) PatientResolution {
	return PatientResolution{MergeWith: existingID}
}

// IsNew reports whether the resolution creates a new patient.
func (r PatientResolution) IsNew() bool {
	return r.MergeWith == ""
}

func (r PatientResolution) String() string {
	if r.IsNew() {
		return "new"
	}
	return "merge:" + r.MergeWith
}

// Validate checks that a merge target is one of the conflicting patients.
func (r PatientResolution) Validate(c *PatientConflict) error {
	if r.IsNew() {
		return nil
	}
	if _, ok := c.Candidate(r.MergeWith); !ok {
		return fmt.Errorf("%w: %s is not a candidate for %s", ErrInvalidResolution, r.MergeWith, c.ChangeID)
	}
	return nil
}

var (
	// ErrDecisionCancelled is returned by a surface closed without a choice.
	// The conflict stays open.
	ErrDecisionCancelled = errors.New("conflict decision cancelled")
	// ErrInvalidResolution is returned for a choice outside the allowed set.
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)
