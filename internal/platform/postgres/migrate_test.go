package postgres

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_sortsAndSkips(t *testing.T) {
	source := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"README.md":      {Data: []byte("docs")},
		"notes.sql":      {Data: []byte("SELECT 0;")},
		"abc_bad.sql":    {Data: []byte("SELECT 0;")},
	}

	migrations, err := LoadMigrations(source)
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("len(migrations) = %d, want 2", len(migrations))
	}
	if migrations[0].Version != 2 || migrations[1].Version != 10 {
		t.Errorf("versions = %d, %d; want 2, 10", migrations[0].Version, migrations[1].Version)
	}
	if migrations[1].SQL != "SELECT 10;" {
		t.Errorf("SQL = %q", migrations[1].SQL)
	}
}

func TestMigrations_embedded(t *testing.T) {
	migrations, err := LoadMigrations(Migrations())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("embedded migrations = %+v, want version 1 first", migrations)
	}
}
