// Package models provides the data model shared by the clinicsync agent and
// server.
package models

import (
	"strings"
	"time"
)

// Patient is a registered patient as the clinic knows it.
type Patient struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	DOB       string    `json:"dob,omitempty" db:"dob"` // YYYY-MM-DD
	Sex       string    `json:"sex,omitempty" db:"sex"` // M, F, O
	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// TableName returns the table name for Patient.
func (Patient) TableName() string {
	return "patients"
}

// Validate checks the fields a registration cannot do without.
func (p *Patient) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrPatientNameRequired
	}
	if strings.TrimSpace(p.Phone) == "" {
		return ErrPatientPhoneRequired
	}
	if p.DOB != "" {
		if _, err := time.Parse(DateLayout, p.DOB); err != nil {
			return ErrPatientDOBInvalid
		}
	}
	return nil
}

// DateLayout is the wire format of dates of birth.
const DateLayout = "2006-01-02"
