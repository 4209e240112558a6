// Package ledger persists migration runs: their reports, the identifier map,
// the state Phase 2 still owes, and the event log.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/sandcastle/internal/db"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/events"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when no run matches an id
var ErrRunNotFound = errors.New("run not found")

// AmbiguousRunError is returned when a run id prefix matches several runs
type AmbiguousRunError struct {
	Prefix  string
	Matches int
}

func (e *AmbiguousRunError) Error() string {
	return fmt.Sprintf("run id prefix %q matches %d runs", e.Prefix, e.Matches)
}

// Run is one row of the runs table
type Run struct {
	UUID       string                  `json:"uuid"`
	Source     string                  `json:"source"`
	Target     string                  `json:"target"`
	Status     string                  `json:"status"`
	DryRun     bool                    `json:"dry_run"`
	Plan       *domain.MigrationPlan   `json:"plan,omitempty"`
	Report     *domain.MigrationReport `json:"report,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
}

// Ledger wraps the ledger database
type Ledger struct {
	db *db.DB
}

// New creates a ledger over an opened, migrated database
func New(database *db.DB) *Ledger {
	return &Ledger{db: database}
}

// Open opens the ledger at path and applies pending migrations
func Open(path string) (*Ledger, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return New(database), nil
}

// DB returns the underlying database connection
func (l *Ledger) DB() *db.DB {
	return l.db
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (l *Ledger) withTx(fn func(tx *sql.Tx, ew *events.Writer) error) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ew := events.NewWriter(l.db.DB)
	if err := fn(tx, ew); err != nil {
		return err
	}

	return tx.Commit()
}

// StartRun records a new run
func (l *Ledger) StartRun(runUUID, source, target string, dryRun bool, plan domain.MigrationPlan) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	return l.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		_, err := tx.Exec(`
			INSERT INTO runs (uuid, source, target, status, dry_run, plan)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runUUID, source, target, StatusRunning, dryRun, string(planJSON))
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return ew.Log(tx, runUUID, "", "", "run.started", map[string]interface{}{
			"source":  source,
			"target":  target,
			"dry_run": dryRun,
			"steps":   len(plan.Steps),
		})
	})
}

// FinishRun stores the final report. The status follows the report's exit code.
func (l *Ledger) FinishRun(runUUID string, report *domain.MigrationReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	status := StatusOf(report)
	return l.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		res, err := tx.Exec(`
			UPDATE runs SET status = ?, report = ?, finished_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
			WHERE uuid = ?
		`, status, string(reportJSON), runUUID)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", runUUID, ErrRunNotFound)
		}
		return ew.Log(tx, runUUID, "", "", "run.finished", map[string]interface{}{
			"status":   status,
			"created":  report.TotalCreated(),
			"existing": report.TotalExisting(),
			"updated":  report.TotalUpdated(),
		})
	})
}

// StatusOf maps a report onto a run status
func StatusOf(report *domain.MigrationReport) string {
	switch report.ExitCode() {
	case 0:
		return StatusSucceeded
	case 1:
		return StatusFailed
	default:
		return StatusPartial
	}
}

const runColumns = `uuid, source, target, status, dry_run, plan, report, started_at, finished_at`

// GetRun returns a run by id or unique id prefix
func (l *Ledger) GetRun(id string) (*Run, error) {
	rows, err := l.db.Query(`SELECT `+runColumns+` FROM runs WHERE uuid LIKE ? ORDER BY started_at DESC LIMIT 2`, stripWildcards(id)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range runs {
		if r.UUID == id {
			return &r, nil
		}
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	case 1:
		return &runs[0], nil
	default:
		var n int
		if err := l.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE uuid LIKE ?`, stripWildcards(id)+"%").Scan(&n); err != nil {
			return nil, err
		}
		return nil, &AmbiguousRunError{Prefix: id, Matches: n}
	}
}

// LatestRun returns the most recent run, or ErrRunNotFound
func (l *Ledger) LatestRun() (*Run, error) {
	runs, err := l.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrRunNotFound
	}
	return &runs[0], nil
}

// ListRuns returns runs, newest first. limit <= 0 returns all of them.
func (l *Ledger) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events returns the events of a run
func (l *Ledger) Events(f events.Filter) ([]events.Event, error) {
	return events.NewWriter(l.db.DB).List(f)
}

func scanRun(rows *sql.Rows) (Run, error) {
	var r Run
	var plan, report, finished sql.NullString
	var started string
	if err := rows.Scan(&r.UUID, &r.Source, &r.Target, &r.Status, &r.DryRun, &plan, &report, &started, &finished); err != nil {
		return r, fmt.Errorf("failed to scan run: %w", err)
	}
	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return r, fmt.Errorf("run %s: bad started_at: %w", r.UUID, err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err != nil {
			return r, fmt.Errorf("run %s: bad finished_at: %w", r.UUID, err)
		}
		r.FinishedAt = &t
	}
	if plan.Valid && plan.String != "" {
		r.Plan = &domain.MigrationPlan{}
		if err := json.Unmarshal([]byte(plan.String), r.Plan); err != nil {
			return r, fmt.Errorf("run %s: bad plan: %w", r.UUID, err)
		}
	}
	if report.Valid && report.String != "" {
		r.Report = &domain.MigrationReport{}
		if err := json.Unmarshal([]byte(report.String), r.Report); err != nil {
			return r, fmt.Errorf("run %s: bad report: %w", r.UUID, err)
		}
	}
	return r, nil
}

func stripWildcards(s string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(s)
}
