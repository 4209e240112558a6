// Package db opens the run ledger database and applies its schema migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
	path string
}

// Open opens a SQLite database at the given path and applies pragmas
func Open(dbPath string) (*DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Migrations returns the names of the embedded migrations in apply order
func Migrations() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)
	return migrations, nil
}

// Migrate runs all pending migrations
func (db *DB) Migrate() error {
	_, err := db.MigrateWithInfo()
	return err
}

// MigrateWithInfo runs all pending migrations and returns the ones it applied
func (db *DB) MigrateWithInfo() ([]string, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	_, pending, err := db.MigrationStatus()
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(pending))
	for _, migration := range pending {
		if err := db.apply(migration); err != nil {
			return applied, err
		}
		applied = append(applied, migration)
	}
	return applied, nil
}

// apply executes one migration and records it, in a single transaction
func (db *DB) apply(migration string) error {
	// embed.FS paths always use forward slashes
	content, err := migrationsFS.ReadFile(path.Join("migrations", migration))
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", migration, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for %s: %w", migration, err)
	}

	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %s: %w", migration, err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %s: %w", migration, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", migration, err)
	}
	return nil
}

// MigrationStatus returns lists of applied and pending migrations
func (db *DB) MigrationStatus() (applied []string, pending []string, err error) {
	allMigrations, err := Migrations()
	if err != nil {
		return nil, nil, err
	}

	var tableExists int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&tableExists)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	if tableExists == 0 {
		return nil, allMigrations, nil
	}

	appliedSet := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedSet[version] = true
		applied = append(applied, version)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	for _, m := range allMigrations {
		if !appliedSet[m] {
			pending = append(pending, m)
		}
	}

	return applied, pending, nil
}

// RequiresMigrationError checks if the database has pending migrations and returns
// a descriptive error including the database path and current schema version.
// Returns nil if no migrations are pending.
func (db *DB) RequiresMigrationError() error {
	applied, pending, err := db.MigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	currentVersion := "none"
	if len(applied) > 0 {
		currentVersion = applied[len(applied)-1]
	}

	return fmt.Errorf("ledger at %s (version: %s) requires migration: %d pending migration(s). Run 'sandcastle ledger migrate' to update",
		db.path, currentVersion, len(pending))
}

// Snapshot writes a consistent copy of the database to out using VACUUM INTO.
// The copy is self-contained (no WAL/SHM files). out must not exist.
func (db *DB) Snapshot(out string) error {
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("output file already exists: %s (remove it first or choose a different path)", out)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if _, err := db.Exec("VACUUM INTO ?", out); err != nil {
		os.Remove(out)
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}
