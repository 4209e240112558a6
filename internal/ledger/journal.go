package ledger

import (
	"database/sql"
	"fmt"

	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/events"
	"github.com/lherron/sandcastle/internal/idmap"
)

// RunJournal writes the state of one run as it changes. Mappings and
// outstanding work are keyed by store pair so a later run can resume.
type RunJournal struct {
	ledger *Ledger
	run    string
	source string
	target string
	ew     *events.Writer
}

// Journal returns the journal of a started run
func (l *Ledger) Journal(runUUID, source, target string) *RunJournal {
	return &RunJournal{
		ledger: l,
		run:    runUUID,
		source: source,
		target: target,
		ew:     events.NewWriter(l.db.DB),
	}
}

// MapID records an identifier mapping. A newer run overwrites the mapping of
// an older one, since the target may have been refreshed in between.
func (j *RunJournal) MapID(e idmap.Entry) error {
	_, err := j.ledger.db.Exec(`
		INSERT INTO id_mappings (source, target, entity_type, source_id, target_id, run_uuid)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, target, entity_type, source_id)
		DO UPDATE SET target_id = excluded.target_id, run_uuid = excluded.run_uuid
	`, j.source, j.target, e.EntityType, e.SourceID, e.TargetID, j.run)
	if err != nil {
		return fmt.Errorf("failed to journal mapping %s %s: %w", e.EntityType, e.SourceID, err)
	}
	return nil
}

// Substitution records a committed substitution, or deletes a resolved one
func (j *RunJournal) Substitution(sub domain.PendingSubstitution, resolved bool) error {
	var err error
	if resolved {
		_, err = j.ledger.db.Exec(`
			DELETE FROM pending_substitutions
			WHERE source = ? AND target = ? AND entity_type = ? AND source_id = ? AND field = ?
		`, j.source, j.target, sub.EntityType, sub.SourceID, sub.Field)
	} else {
		_, err = j.ledger.db.Exec(`
			INSERT OR REPLACE INTO pending_substitutions
				(source, target, entity_type, source_id, field, target_entity_type, source_ref_id, mode, run_uuid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.source, j.target, sub.EntityType, sub.SourceID, sub.Field, sub.TargetEntityType, sub.SourceRefID, string(sub.Mode), j.run)
	}
	if err != nil {
		return fmt.Errorf("failed to journal substitution %s: %w", sub.Key(), err)
	}
	return nil
}

// Discriminator records a deferred discriminator, or deletes a resolved one
func (j *RunJournal) Discriminator(def domain.DeferredDiscriminator, resolved bool) error {
	var err error
	if resolved {
		_, err = j.ledger.db.Exec(`
			DELETE FROM deferred_discriminators
			WHERE source = ? AND target = ? AND entity_type = ? AND source_id = ? AND field = ?
		`, j.source, j.target, def.EntityType, def.SourceID, def.Field)
	} else {
		_, err = j.ledger.db.Exec(`
			INSERT OR REPLACE INTO deferred_discriminators
				(source, target, entity_type, source_id, field, source_value, run_uuid)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, j.source, j.target, def.EntityType, def.SourceID, def.Field, def.SourceValue, j.run)
	}
	if err != nil {
		return fmt.Errorf("failed to journal discriminator %s %s.%s: %w", def.EntityType, def.SourceID, def.Field, err)
	}
	return nil
}

// Event appends to the event log
func (j *RunJournal) Event(entityType, sourceID, eventType string, payload interface{}) error {
	return j.ew.Log(nil, j.run, entityType, sourceID, eventType, payload)
}

// State is what earlier runs left for a store pair
type State struct {
	Mappings       []idmap.Entry
	Substitutions  []domain.PendingSubstitution
	Discriminators []domain.DeferredDiscriminator
}

// LoadState reads the mappings and outstanding work of a store pair
func (l *Ledger) LoadState(source, target string) (*State, error) {
	st := &State{}
	err := l.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		rows, err := tx.Query(`
			SELECT entity_type, source_id, target_id FROM id_mappings
			WHERE source = ? AND target = ? ORDER BY rowid
		`, source, target)
		if err != nil {
			return fmt.Errorf("failed to query mappings: %w", err)
		}
		for rows.Next() {
			var e idmap.Entry
			if err := rows.Scan(&e.EntityType, &e.SourceID, &e.TargetID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan mapping: %w", err)
			}
			st.Mappings = append(st.Mappings, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(`
			SELECT entity_type, source_id, field, target_entity_type, source_ref_id, mode
			FROM pending_substitutions WHERE source = ? AND target = ? ORDER BY rowid
		`, source, target)
		if err != nil {
			return fmt.Errorf("failed to query substitutions: %w", err)
		}
		for rows.Next() {
			var s domain.PendingSubstitution
			var mode string
			if err := rows.Scan(&s.EntityType, &s.SourceID, &s.Field, &s.TargetEntityType, &s.SourceRefID, &mode); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan substitution: %w", err)
			}
			s.Mode = domain.SubstitutionMode(mode)
			st.Substitutions = append(st.Substitutions, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.Query(`
			SELECT entity_type, source_id, field, source_value
			FROM deferred_discriminators WHERE source = ? AND target = ? ORDER BY rowid
		`, source, target)
		if err != nil {
			return fmt.Errorf("failed to query discriminators: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d domain.DeferredDiscriminator
			if err := rows.Scan(&d.EntityType, &d.SourceID, &d.Field, &d.SourceValue); err != nil {
				return fmt.Errorf("failed to scan discriminator: %w", err)
			}
			st.Discriminators = append(st.Discriminators, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ForgetPair deletes the mappings and outstanding work of a store pair, for
// when the target has been refreshed and old ids are meaningless.
func (l *Ledger) ForgetPair(source, target string) (int64, error) {
	var total int64
	err := l.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		for _, table := range []string{"id_mappings", "pending_substitutions", "deferred_discriminators"} {
			res, err := tx.Exec(`DELETE FROM `+table+` WHERE source = ? AND target = ?`, source, target)
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
