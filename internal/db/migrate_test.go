package db

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer database.Close()

	for _, table := range []string{"tasks", "sessions", "budget_records", "revoked_tokens", "migrations"} {
		var name string
		err := database.Reader.Get(&name,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	var countFirst int
	if err := db1.Reader.Get(&countFirst, `SELECT COUNT(*) FROM migrations`); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if countFirst != len(migrations) {
		t.Fatalf("expected %d applied migrations, got %d", len(migrations), countFirst)
	}
	db1.Close()

	// Second open must not re-apply anything.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer db2.Close()
	var countSecond int
	if err := db2.Reader.Get(&countSecond, `SELECT COUNT(*) FROM migrations`); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if countSecond != countFirst {
		t.Fatalf("migrations re-applied: %d vs %d", countSecond, countFirst)
	}
}

func TestWALModeEnabled(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer database.Close()

	var mode string
	if err := database.Writer.Get(&mode, `PRAGMA journal_mode`); err != nil {
		t.Fatalf("failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected WAL journal mode, got %q", mode)
	}
}
