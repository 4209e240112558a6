package db_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/lherron/sandcastle/internal/db"
)

func TestRequiresMigrationError(t *testing.T) {
	// Create a temporary database with only some migrations applied
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	// Open and create schema_migrations table with only first migration
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	// Create schema_migrations table and add only first migration
	_, err = database.Exec(`
		CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		t.Fatalf("could not create schema_migrations: %v", err)
	}

	_, err = database.Exec(`INSERT INTO schema_migrations (version) VALUES ('000001_ledger.sql')`)
	if err != nil {
		t.Fatalf("could not insert migration: %v", err)
	}

	// Test RequiresMigrationError
	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error, got nil")
	}

	errStr := migErr.Error()
	t.Logf("Error message: %s", errStr)

	// Check that error contains db path
	if !strings.Contains(errStr, dbPath) {
		t.Errorf("error should contain db path '%s', got: %s", dbPath, errStr)
	}

	// Check that error contains version
	if !strings.Contains(errStr, "000001_ledger.sql") {
		t.Errorf("error should contain version '000001_ledger.sql', got: %s", errStr)
	}

	// Check that error mentions pending migrations
	if !strings.Contains(errStr, "pending migration") {
		t.Errorf("error should mention pending migrations, got: %s", errStr)
	}

	// Check that error suggests the migrate command
	if !strings.Contains(errStr, "sandcastle ledger migrate") {
		t.Errorf("error should suggest 'sandcastle ledger migrate', got: %s", errStr)
	}
}

func TestRequiresMigrationErrorFreshDB(t *testing.T) {
	// Test with no migrations applied (fresh db)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	migErr := database.RequiresMigrationError()
	if migErr == nil {
		t.Fatal("expected migration error for fresh db, got nil")
	}

	errStr := migErr.Error()
	t.Logf("Fresh DB Error: %s", errStr)

	if !strings.Contains(errStr, "version: none") {
		t.Errorf("fresh db error should contain 'version: none', got: %s", errStr)
	}

	if !strings.Contains(errStr, dbPath) {
		t.Errorf("error should contain db path '%s', got: %s", dbPath, errStr)
	}
}

func TestRequiresMigrationErrorFullyMigrated(t *testing.T) {
	// Test with fully migrated database (should return nil)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	// Run all migrations
	if err := database.Migrate(); err != nil {
		t.Fatalf("could not run migrations: %v", err)
	}

	// Should return nil when fully migrated
	migErr := database.RequiresMigrationError()
	if migErr != nil {
		t.Errorf("expected nil for fully migrated db, got: %v", migErr)
	}
}

func TestMigrateWithInfo(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()

	all, err := db.Migrations()
	if err != nil {
		t.Fatalf("could not list migrations: %v", err)
	}

	applied, err := database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if len(applied) != len(all) {
		t.Errorf("applied %d migrations, want %d", len(applied), len(all))
	}

	// Second run is a no-op
	applied, err = database.MigrateWithInfo()
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("second migrate applied %v, want none", applied)
	}

	for _, table := range []string{"runs", "id_mappings", "event_log", "pending_substitutions", "deferred_discriminators"} {
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migrate", table)
		}
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	out := filepath.Join(dir, "snap", "copy.db")
	if err := database.Snapshot(out); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	copyDB, err := db.Open(out)
	if err != nil {
		t.Fatalf("could not open snapshot: %v", err)
	}
	defer copyDB.Close()
	if migErr := copyDB.RequiresMigrationError(); migErr != nil {
		t.Errorf("snapshot should carry the schema, got: %v", migErr)
	}

	if err := database.Snapshot(out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected already exists error, got: %v", err)
	}
}
