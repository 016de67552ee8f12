package conflict

import (
	"context"
	"time"
)

// ConsultationSurface asks for a decision on a consultation conflict. It
// returns ErrDecisionCancelled when the user closes it without choosing.
type ConsultationSurface interface {
	DecideConsultation(ctx context.Context, c *ConsultationConflict) (ConsultationResolution, error)
}

// PatientSurface asks for a decision on a patient conflict. It returns
// ErrDecisionCancelled when the user closes it without choosing.
type PatientSurface interface {
	DecidePatient(ctx context.Context, c *PatientConflict) (PatientResolution, error)
}

// Surface handles both conflict kinds.
type Surface interface {
	ConsultationSurface
	PatientSurface
}

// ConsultationSide is the salient content of one side of a consultation
// conflict.
type ConsultationSide struct {
	Complaints      string    `json:"complaints"`
	Diagnosis       string    `json:"diagnosis"`
	MedicationCount int       `json:"medication_count"`
	Status          string    `json:"status"`
	LastSaved       time.Time `json:"last_saved"`
}

// PatientSide is the identifying content of a patient in a patient conflict.
type PatientSide struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Phone string  `json:"phone"`
	DOB   string  `json:"dob,omitempty"`
	Sex   string  `json:"sex,omitempty"`
	Score float64 `json:"score,omitempty"`
	Grade string  `json:"grade,omitempty"`
}

// View is what a surface renders. Exactly one of the consultation or patient
// groups is filled, according to Kind.
type View struct {
	ChangeID   string    `json:"change_id"`
	Kind       Kind      `json:"kind"`
	DetectedAt time.Time `json:"detected_at"`

	ConsultationID string            `json:"consultation_id,omitempty"`
	Local          *ConsultationSide `json:"local,omitempty"`
	Server         *ConsultationSide `json:"server,omitempty"`

	OfflinePatient *PatientSide  `json:"offline_patient,omitempty"`
	Candidates     []PatientSide `json:"candidates,omitempty"`

	// Options lists the accepted resolution values.
	Options []string `json:"options"`
}

// Present renders a conflict into a View.
func Present(c Conflict) View {
	switch c := c.(type) {
	case *ConsultationConflict:
		return presentConsultation(c)
	case *PatientConflict:
		return presentPatient(c)
	}
	panic("conflict: unknown conflict type")
}

func presentConsultation(c *ConsultationConflict) View {
	local := c.Local.SavedAt
	if local.IsZero() {
		local = c.LocalTimestamp
	}
	return View{
		ChangeID:       c.ChangeID,
		Kind:           KindConsultation,
		DetectedAt:     c.DetectedAt,
		ConsultationID: c.ConsultationID,
		Local: &ConsultationSide{
			Complaints:      c.Local.Data.Complaints,
			Diagnosis:       c.Local.Data.Diagnosis,
			MedicationCount: len(c.Local.Data.Medications),
			Status:          string(c.Local.Status),
			LastSaved:       local,
		},
		Server: &ConsultationSide{
			Complaints:      c.Server.Data.Complaints,
			Diagnosis:       c.Server.Data.Diagnosis,
			MedicationCount: len(c.Server.Data.Medications),
			Status:          string(c.Server.Status),
			LastSaved:       c.Server.LastModified(),
		},
		Options: []string{string(KeepLocal), string(KeepServer)},
	}
}

func presentPatient(c *PatientConflict) View {
	v := View{
		ChangeID:   c.ChangeID,
		Kind:       KindPatient,
		DetectedAt: c.DetectedAt,
		OfflinePatient: &PatientSide{
			ID:    c.OfflinePatient.ID,
			Name:  c.OfflinePatient.Name,
			Phone: c.OfflinePatient.Phone,
			DOB:   c.OfflinePatient.DOB,
			Sex:   c.OfflinePatient.Sex,
		},
		Options: []string{CreateNew().String()},
	}
	for _, m := range c.ConflictingPatients {
		v.Candidates = append(v.Candidates, PatientSide{
			ID:    m.Patient.ID,
			Name:  m.Patient.Name,
			Phone: m.Patient.Phone,
			DOB:   m.Patient.DOB,
			Sex:   m.Patient.Sex,
			Score: m.Score,
			Grade: string(m.Grade),
		})
		v.Options = append(v.Options, MergeWith(m.Patient.ID).String())
	}
	return v
}
