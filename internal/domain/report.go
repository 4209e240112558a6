package domain

import (
	"fmt"
	"sort"
	"time"
)

// SkippedRecord is a source record that could not be created
type SkippedRecord struct {
	EntityType string `json:"entity_type"`
	SourceID   string `json:"source_id"`
	Reason     string `json:"reason"`
}

// UnresolvedEntry is the serializable form of an UnresolvedSubstitutionError
type UnresolvedEntry struct {
	PendingSubstitution
	Reason  string `json:"reason"`
	Cleared bool   `json:"cleared,omitempty"`
}

// Err returns the entry as an error value
func (u UnresolvedEntry) Err() *UnresolvedSubstitutionError {
	return &UnresolvedSubstitutionError{Substitution: u.PendingSubstitution, Reason: u.Reason, Cleared: u.Cleared}
}

// Warning is a non-fatal problem noticed during a run
type Warning struct {
	EntityType string `json:"entity_type,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
}

func (w Warning) String() string {
	switch {
	case w.SourceID != "" && w.Field != "":
		return fmt.Sprintf("%s %s.%s: %s", w.EntityType, w.SourceID, w.Field, w.Message)
	case w.SourceID != "":
		return fmt.Sprintf("%s %s: %s", w.EntityType, w.SourceID, w.Message)
	case w.EntityType != "":
		return fmt.Sprintf("%s: %s", w.EntityType, w.Message)
	default:
		return w.Message
	}
}

// MigrationReport summarizes a run. It is the single surface for recoverable failures.
type MigrationReport struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DryRun     bool              `json:"dry_run,omitempty"`
	Created    map[string]int    `json:"created"`
	Existing   map[string]int    `json:"existing"`
	Updated    map[string]int    `json:"updated"`
	Skipped    []SkippedRecord   `json:"skipped,omitempty"`
	Unresolved []UnresolvedEntry `json:"unresolved,omitempty"`
	Warnings   []Warning         `json:"warnings,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
	// Discriminators lists the discriminator mappings the run resolved
	Discriminators []DiscriminatorMapping `json:"discriminators,omitempty"`
}

// NewMigrationReport creates an empty report
func NewMigrationReport(runID string) *MigrationReport {
	return &MigrationReport{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Created:   make(map[string]int),
		Existing:  make(map[string]int),
		Updated:   make(map[string]int),
	}
}

func (r *MigrationReport) AddCreated(entityType string, n int) {
	r.Created[entityType] += n
}

func (r *MigrationReport) AddExisting(entityType string, n int) {
	r.Existing[entityType] += n
}

func (r *MigrationReport) AddUpdated(entityType string, n int) {
	r.Updated[entityType] += n
}

func (r *MigrationReport) Skip(entityType, sourceID, reason string) {
	r.Skipped = append(r.Skipped, SkippedRecord{EntityType: entityType, SourceID: sourceID, Reason: reason})
}

func (r *MigrationReport) Unresolve(err *UnresolvedSubstitutionError) {
	r.Unresolved = append(r.Unresolved, UnresolvedEntry{
		PendingSubstitution: err.Substitution,
		Reason:              err.Reason,
		Cleared:             err.Cleared,
	})
}

func (r *MigrationReport) Warn(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

func (r *MigrationReport) Fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Finish stamps the finish time
func (r *MigrationReport) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// TotalCreated returns the number of records created across entity types
func (r *MigrationReport) TotalCreated() int {
	return sum(r.Created)
}

func (r *MigrationReport) TotalExisting() int {
	return sum(r.Existing)
}

func (r *MigrationReport) TotalUpdated() int {
	return sum(r.Updated)
}

// EntityTypes returns every entity type with a count, sorted
func (r *MigrationReport) EntityTypes() []string {
	seen := make(map[string]bool)
	for _, m := range []map[string]int{r.Created, r.Existing, r.Updated} {
		for k := range m {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ExitCode returns the process exit code for the report:
// 0 = clean, 5 = partial (skipped or unresolved), 1 = run aborted
func (r *MigrationReport) ExitCode() int {
	if len(r.Errors) > 0 {
		return 1
	}
	if len(r.Skipped) > 0 || len(r.Unresolved) > 0 {
		return 5
	}
	return 0
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
