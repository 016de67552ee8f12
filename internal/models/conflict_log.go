// Package models provides the data model shared by the clinicsync agent and
// server.
package models

import "time"

// ConflictLog records a detected conflict and, once known, how it was
// resolved.
type ConflictLog struct {
	ID              int64      `db:"id" json:"id"`
	ChangeID        string     `db:"change_id" json:"change_id"`
	Kind            ChangeKind `db:"kind" json:"kind"`
	EntityKey       string     `db:"entity_key" json:"entity_key"`
	LocalTimestamp  int64      `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64      `db:"remote_timestamp" json:"remote_timestamp"`
	Candidates      int        `db:"candidates" json:"candidates,omitempty"`
	Resolution      string     `db:"resolution" json:"resolution,omitempty"` // local, server, new, merge
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
	ResolvedAt      int64      `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

// Resolved reports whether a resolution has been recorded.
func (c *ConflictLog) Resolved() bool {
	return c.ResolvedAt != 0
}
