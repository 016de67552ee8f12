package sync

import (
	"time"

	"github.com/ortholife/clinicsync/internal/models"
)

// EventType names a sync notification.
type EventType string

const (
	EventPassStarted           EventType = "pass_started"
	EventPassFinished          EventType = "pass_finished"
	EventItemCommitted         EventType = "item_committed"
	EventItemFailed            EventType = "item_failed"
	EventItemDropped           EventType = "item_dropped"
	EventConflictDetected      EventType = "conflict_detected"
	EventConflictResolved      EventType = "conflict_resolved"
	EventPatientRegistered     EventType = "patient_registered"
	EventConsultationCompleted EventType = "consultation_completed"
)

// Event is emitted to the EventSink during passes and resolutions.
type Event struct {
	Type           EventType         `json:"type"`
	ChangeID       string            `json:"change_id,omitempty"`
	Kind           models.ChangeKind `json:"kind,omitempty"`
	EntityKey      string            `json:"entity_key,omitempty"`
	PatientID      string            `json:"patient_id,omitempty"`
	ConsultationID string            `json:"consultation_id,omitempty"`
	Resolution     string            `json:"resolution,omitempty"`
	Message        string            `json:"message,omitempty"`
	Result         *PassResult       `json:"result,omitempty"`
	At             time.Time         `json:"at"`
}

// EventSink receives sync events. Implementations must not block.
type EventSink interface {
	OnSyncEvent(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// OnSyncEvent implements EventSink.
func (f EventSinkFunc) OnSyncEvent(event Event) { f(event) }
