// Package db tests for database migration management.
package db

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__initial.up.sql":     {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__initial.down.sql":   {Data: []byte("DROP TABLE a;")},
		"V2__add_b.up.sql":       {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__add_b.down.sql":     {Data: []byte("DROP TABLE b;")},
		"README.md":              {Data: []byte("not a migration")},
		"Vx__bad_version.up.sql": {Data: []byte("SELECT 1;")},
	}
}

func newMigrator(t *testing.T, source fstest.MapFS) (*Migrator, *DB) {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewMigrator(db.DB, source)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return m, db
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	ctx := context.Background()
	m, _ := newMigrator(t, testMigrations())

	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err = m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}
}

// TestUp_recordsMigrations verifies descriptions and checksums are recorded in order.
func TestUp_recordsMigrations(t *testing.T) {
	ctx := context.Background()
	m, _ := newMigrator(t, testMigrations())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("GetAppliedMigrations() = %d, want 2", len(applied))
	}
	if applied[0].Version != 1 || applied[0].Description != "initial" {
		t.Errorf("first migration = %+v", applied[0])
	}
	if applied[1].Version != 2 || applied[1].Description != "add_b" {
		t.Errorf("second migration = %+v", applied[1])
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestUp_idempotent verifies applied migrations are skipped.
func TestUp_idempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMigrator(t, testMigrations())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_modifiedMigration verifies a changed applied file is refused.
func TestUp_modifiedMigration(t *testing.T) {
	ctx := context.Background()
	source := testMigrations()
	m, _ := newMigrator(t, source)

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	source["V1__initial.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY, x TEXT);")}
	err := m.Up(ctx)
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want modified migration error", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	m, _ := newMigrator(t, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE (;")},
	})

	if err := m.Up(ctx); err == nil {
		t.Fatal("Up() with broken SQL should fail")
	}
	version, _ := m.CurrentVersion(ctx)
	if version != 0 {
		t.Errorf("CurrentVersion() = %d after failed migration, want 0", version)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	ctx := context.Background()
	m, db := newMigrator(t, testMigrations())

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	version, _ := m.CurrentVersion(ctx)
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='b'").Scan(&n)
	if n != 0 {
		t.Error("table b still exists after Down()")
	}
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	m, _ := newMigrator(t, testMigrations())

	err := m.Down(context.Background())
	if err == nil {
		t.Fatal("Down() with no migrations should return error")
	}
	if !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Error message should mention 'no migrations to rollback', got: %v", err)
	}
}

// TestParseName verifies migration file name parsing.
func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		version int
		desc    string
		ok      bool
	}{
		{"V1__initial", 1, "initial", true},
		{"V12__add_index__twice", 12, "add_index__twice", true},
		{"V0__zero", 0, "", false},
		{"Vx__bad", 0, "", false},
		{"V3", 0, "", false},
		{"V3__", 0, "", false},
	}
	for _, tt := range tests {
		v, d, ok := parseName(tt.in)
		if v != tt.version || d != tt.desc || ok != tt.ok {
			t.Errorf("parseName(%q) = (%d, %q, %v), want (%d, %q, %v)", tt.in, v, d, ok, tt.version, tt.desc, tt.ok)
		}
	}
}
