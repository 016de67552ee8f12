// Package models provides the data model shared by the clinicsync agent and
// server.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeKind identifies what a queued change does once it reaches the server.
type ChangeKind string

const (
	KindPatientCreate      ChangeKind = "patient_create"
	KindConsultationUpdate ChangeKind = "consultation_update"
)

// Valid reports whether k is a known kind.
func (k ChangeKind) Valid() bool {
	return k == KindPatientCreate || k == KindConsultationUpdate
}

// AttemptState is the sync state of a queued change.
type AttemptState string

const (
	StatePending    AttemptState = "pending"
	StateInFlight   AttemptState = "in_flight"
	StateConflicted AttemptState = "conflicted"
	StateFailed     AttemptState = "failed"
	// StateCommitted is terminal. Committed changes are dequeued and never
	// persisted in this state.
	StateCommitted AttemptState = "committed"
)

// transitions lists the allowed moves of the per-change state machine.
var transitions = map[AttemptState][]AttemptState{
	StatePending:    {StateInFlight},
	StateFailed:     {StateInFlight},
	StateInFlight:   {StatePending, StateConflicted, StateFailed, StateCommitted},
	StateConflicted: {StateInFlight, StateCommitted},
}

// CanTransition reports whether a change may move from one state to another.
func CanTransition(from, to AttemptState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QueuedChange is a unit of offline work awaiting reconciliation.
type QueuedChange struct {
	ID             string          `json:"id"`
	Kind           ChangeKind      `json:"kind"`
	EntityKey      string          `json:"entity_key"`
	Payload        json.RawMessage `json:"payload"`
	LocalTimestamp time.Time       `json:"local_timestamp"`
	State          AttemptState    `json:"attempt_state"`

	Seq           uint64    `json:"seq"`
	Revision      int       `json:"revision"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	// AckedServerUpdatedAt is the server updatedAt produced by our own commit
	// of an older payload for the same entity.
	AckedServerUpdatedAt time.Time `json:"acked_server_updated_at,omitempty"`
}

// Key returns the (kind, entity) identity the queue upserts by.
func (c *QueuedChange) Key() string {
	return EntityRef(c.Kind, c.EntityKey)
}

// EntityRef builds the upsert key for a kind and entity key.
func EntityRef(kind ChangeKind, entityKey string) string {
	return string(kind) + "/" + entityKey
}

// Transition moves the change to a new state, enforcing the state machine.
func (c *QueuedChange) Transition(to AttemptState) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	return nil
}

// Live reports whether the change still waits for the server.
func (c *QueuedChange) Live() bool {
	return c.State != StateCommitted
}

// Clone returns a deep copy safe to hand out of the queue.
func (c *QueuedChange) Clone() *QueuedChange {
	cp := *c
	if c.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	return &cp
}

// ConsultationPayload decodes the payload of a ConsultationUpdate.
func (c *QueuedChange) ConsultationPayload() (*ConsultationPayload, error) {
	if c.Kind != KindConsultationUpdate {
		return nil, fmt.Errorf("%w: %s is not a consultation update", ErrPayloadKind, c.ID)
	}
	var p ConsultationPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode consultation payload %s: %w", c.ID, err)
	}
	return &p, nil
}

// PatientPayload decodes the payload of a PatientCreate.
func (c *QueuedChange) PatientPayload() (*PatientPayload, error) {
	if c.Kind != KindPatientCreate {
		return nil, fmt.Errorf("%w: %s is not a patient create", ErrPayloadKind, c.ID)
	}
	var p PatientPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode patient payload %s: %w", c.ID, err)
	}
	return &p, nil
}

// SetPayload encodes v into the change payload.
func (c *QueuedChange) SetPayload(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Payload = raw
	return nil
}
