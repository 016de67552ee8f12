package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ortholife/clinicsync/internal/models"
)

// ConflictLogRepository records conflicts detected by the sync engine.
type ConflictLogRepository struct {
	db *sql.DB
}

// NewConflictLogRepository creates a repository on a migrated database.
func NewConflictLogRepository(db *DB) *ConflictLogRepository {
	return &ConflictLogRepository{db: db.DB}
}

// Record inserts a detection entry and sets entry.ID.
func (r *ConflictLogRepository) Record(ctx context.Context, entry *models.ConflictLog) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conflict_log (change_id, kind, entity_key, local_timestamp, remote_timestamp, candidates, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ChangeID, string(entry.Kind), entry.EntityKey,
		entry.LocalTimestamp, entry.RemoteTimestamp, entry.Candidates, entry.DetectedAt)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", entry.ChangeID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

// Resolve stamps every open entry of changeID with the chosen resolution.
func (r *ConflictLogRepository) Resolve(ctx context.Context, changeID, resolution string, resolvedAt int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE conflict_log SET resolution = ?, resolved_at = ? WHERE change_id = ? AND resolved_at = 0",
		resolution, resolvedAt, changeID)
	if err != nil {
		return fmt.Errorf("resolve conflict %s: %w", changeID, err)
	}
	return nil
}

// Open reports whether changeID has an unresolved entry.
func (r *ConflictLogRepository) Open(ctx context.Context, changeID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conflict_log WHERE change_id = ? AND resolved_at = 0", changeID).Scan(&n)
	return n > 0, err
}

// List returns the most recent entries, newest first.
func (r *ConflictLogRepository) List(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, change_id, kind, entity_key, local_timestamp, remote_timestamp,
		       candidates, resolution, detected_at, resolved_at
		FROM conflict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var e models.ConflictLog
		var kind string
		if err := rows.Scan(&e.ID, &e.ChangeID, &kind, &e.EntityKey, &e.LocalTimestamp,
			&e.RemoteTimestamp, &e.Candidates, &e.Resolution, &e.DetectedAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		e.Kind = models.ChangeKind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}
