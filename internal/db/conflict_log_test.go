package db

import (
	"context"
	"testing"

	"github.com/ortholife/clinicsync/internal/models"
)

// TestConflictLogRepository verifies record, resolve and list.
func TestConflictLogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewConflictLogRepository(newTestDB(t))

	entry := &models.ConflictLog{
		ChangeID:        "c1",
		Kind:            models.KindConsultationUpdate,
		EntityKey:       "cons-1",
		LocalTimestamp:  100,
		RemoteTimestamp: 150,
		DetectedAt:      200,
	}
	if err := repo.Record(ctx, entry); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if entry.ID == 0 {
		t.Error("Record() did not set ID")
	}

	open, err := repo.Open(ctx, "c1")
	if err != nil || !open {
		t.Fatalf("Open() = %v, %v; want true", open, err)
	}

	if err := repo.Resolve(ctx, "c1", "local", 300); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	open, _ = repo.Open(ctx, "c1")
	if open {
		t.Error("Open() = true after Resolve()")
	}

	if err := repo.Record(ctx, &models.ConflictLog{
		ChangeID: "p1", Kind: models.KindPatientCreate, EntityKey: "offline-1",
		Candidates: 2, DetectedAt: 400,
	}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	list, err := repo.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	if list[0].ChangeID != "p1" || list[0].Candidates != 2 {
		t.Errorf("newest entry = %+v", list[0])
	}
	if list[1].Resolution != "local" || !list[1].Resolved() {
		t.Errorf("resolved entry = %+v", list[1])
	}
}
