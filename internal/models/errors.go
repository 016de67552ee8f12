package models

import "errors"

var (
	ErrPatientNameRequired  = errors.New("patient name is required")
	ErrPatientPhoneRequired = errors.New("patient phone is required")
	ErrPatientDOBInvalid    = errors.New("patient date of birth must be YYYY-MM-DD")

	// ErrInvalidTransition is returned when a queued change is moved to a
	// state the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid attempt state transition")
	ErrPayloadKind       = errors.New("payload does not match change kind")
)
