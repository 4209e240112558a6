package memstore

import (
	"context"
	"fmt"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// RecordFailure decides whether a record of a bulk call fails. Returning nil lets it through.
type RecordFailure func(entity string, rec domain.Record) *datastore.WriteError

type batchFailure struct {
	method string
	entity string
	err    error
	times  int
}

type hooks struct {
	unavailable bool
	batch       []*batchFailure
	record      []RecordFailure
}

func (h *hooks) check(ctx context.Context, method, entity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.unavailable {
		return fmt.Errorf("%s %s: %w", method, entity, datastore.ErrUnavailable)
	}
	for _, f := range h.batch {
		if f.times == 0 || f.method != method || (f.entity != "" && f.entity != entity) {
			continue
		}
		f.times--
		return f.err
	}
	return nil
}

func (h *hooks) recordError(entity string, rec domain.Record) *datastore.WriteError {
	for _, fn := range h.record {
		if werr := fn(entity, rec); werr != nil {
			return werr
		}
	}
	return nil
}

// SetUnavailable makes every call fail with datastore.ErrUnavailable
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.unavailable = v
}

// FailCalls makes the next n calls of method on entity fail as a whole with err.
// An empty entity matches any entity type.
func (s *Store) FailCalls(method, entity string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.batch = append(s.hooks.batch, &batchFailure{method: method, entity: entity, err: err, times: n})
}

// FailRecords installs a per-record failure for bulk calls
func (s *Store) FailRecords(fn RecordFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks.record = append(s.hooks.record, fn)
}

// ClearFailures removes every failure hook
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks{}
}

// FailWhenField returns a RecordFailure rejecting records of entity whose field is set
func FailWhenField(entity, field string, werr *datastore.WriteError) RecordFailure {
	return func(e string, rec domain.Record) *datastore.WriteError {
		if e != entity || !rec.Has(field) {
			return nil
		}
		return werr
	}
}
