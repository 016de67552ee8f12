// Package models provides the data model shared by the clinicsync agent and
// server.
package models

import "time"

// ConsultationStatus is the lifecycle state of a consultation.
type ConsultationStatus string

const (
	ConsultationPending         ConsultationStatus = "pending"
	ConsultationUnderEvaluation ConsultationStatus = "under_evaluation"
	ConsultationCompleted       ConsultationStatus = "completed"
)

// Valid reports whether s is a known status.
func (s ConsultationStatus) Valid() bool {
	switch s {
	case ConsultationPending, ConsultationUnderEvaluation, ConsultationCompleted:
		return true
	}
	return false
}

// Medication is one prescribed line item.
type Medication struct {
	Name         string `json:"name"`
	Dose         string `json:"dose,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ConsultationData is the clinical content of a consultation (the EMR entry).
type ConsultationData struct {
	Complaints     string       `json:"complaints,omitempty"`
	Findings       string       `json:"findings,omitempty"`
	Diagnosis      string       `json:"diagnosis,omitempty"`
	Investigations string       `json:"investigations,omitempty"`
	Procedure      string       `json:"procedure,omitempty"`
	Advice         string       `json:"advice,omitempty"`
	FollowUp       string       `json:"follow_up,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	Medications    []Medication `json:"medications"`
	VisitType      string       `json:"visit_type,omitempty"`
	Language       string       `json:"language,omitempty"`
	Location       string       `json:"location,omitempty"`
}

// ConsultationPayload is the local snapshot queued for a consultation edit.
type ConsultationPayload struct {
	PatientDetails Patient            `json:"patient_details"`
	Data           ConsultationData   `json:"data"`
	Status         ConsultationStatus `json:"status"`
	Duration       int                `json:"duration,omitempty"` // seconds on the consultation timer
	SavedAt        time.Time          `json:"saved_at"`
}

// ServerConsultation is a consultation as stored by the server.
type ServerConsultation struct {
	ID        string             `json:"id" db:"id"`
	PatientID string             `json:"patient_id" db:"patient_id"`
	Patient   *Patient           `json:"patient,omitempty"`
	Data      ConsultationData   `json:"consultation_data" db:"consultation_data"`
	Status    ConsultationStatus `json:"status" db:"status"`
	Duration  int                `json:"duration" db:"duration"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for ServerConsultation.
func (ServerConsultation) TableName() string {
	return "consultations"
}

// LastModified returns UpdatedAt, falling back to CreatedAt for records that
// were never updated.
func (c *ServerConsultation) LastModified() time.Time {
	if c.UpdatedAt.IsZero() {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

// PatientPayload is the local snapshot queued for a patient registered while
// offline, together with the consultation opened at registration.
type PatientPayload struct {
	Patient      Patient            `json:"patient"` // Patient.ID holds the offline id
	Consultation ConsultationData   `json:"consultation"`
	Status       ConsultationStatus `json:"status"`
	SavedAt      time.Time          `json:"saved_at"`
}

// PatientCommit is what the server returns after registering a patient.
type PatientCommit struct {
	PatientID      string    `json:"patient_id"`
	ConsultationID string    `json:"consultation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RegistrationRequest is the body of a patient registration. When
// ExistingPatientID is set the server attaches the consultation to that
// patient instead of creating a new one.
type RegistrationRequest struct {
	Patient           Patient            `json:"patient"`
	ExistingPatientID string             `json:"existing_patient_id,omitempty"`
	Consultation      ConsultationData   `json:"consultation"`
	Status            ConsultationStatus `json:"status,omitempty"`
}
