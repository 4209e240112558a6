// Package events reads and writes the ledger's audit trail.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one row of the event log
type Event struct {
	ID         int64  `json:"id"`
	RunUUID    string `json:"run_uuid"`
	EntityType string `json:"entity_type,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	EventType  string `json:"event_type"`
	Payload    string `json:"payload,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Writer handles writing events to the event log
type Writer struct {
	db *sql.DB
}

// NewWriter creates a new event writer
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// LogEvent writes an event to the event log
func (w *Writer) LogEvent(tx *sql.Tx, event *Event) error {
	query := `
		INSERT INTO event_log (run_uuid, entity_type, source_id, event_type, payload)
		VALUES (?, ?, ?, ?, ?)
	`

	executor := w.getExecutor(tx)
	_, err := executor.Exec(query, event.RunUUID, nullable(event.EntityType), nullable(event.SourceID), event.EventType, nullable(event.Payload))
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// Log marshals payload to JSON and writes the event
func (w *Writer) Log(tx *sql.Tx, runUUID, entityType, sourceID, eventType string, payload interface{}) error {
	var body string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		body = string(b)
	}
	return w.LogEvent(tx, &Event{
		RunUUID:    runUUID,
		EntityType: entityType,
		SourceID:   sourceID,
		EventType:  eventType,
		Payload:    body,
	})
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	RunUUID    string
	EntityType string
	// EventType matches exactly, or by prefix when it ends in ".*"
	EventType string
	Limit     int
}

// List returns events in the order they were written
func (w *Writer) List(f Filter) ([]Event, error) {
	query := `SELECT id, run_uuid, entity_type, source_id, event_type, payload, timestamp FROM event_log WHERE 1=1`
	var args []interface{}
	if f.RunUUID != "" {
		query += " AND run_uuid = ?"
		args = append(args, f.RunUUID)
	}
	if f.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, f.EntityType)
	}
	if f.EventType != "" {
		if prefix, ok := strings.CutSuffix(f.EventType, ".*"); ok {
			query += " AND event_type LIKE ?"
			args = append(args, prefix+".%")
		} else {
			query += " AND event_type = ?"
			args = append(args, f.EventType)
		}
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var entity, source, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunUUID, &entity, &source, &e.EventType, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EntityType = entity.String
		e.SourceID = source.String
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
