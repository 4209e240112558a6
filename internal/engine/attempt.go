package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// Tier is the granularity a write was attempted at
type Tier int

const (
	TierBatch Tier = iota + 1
	TierRecord
	TierField
)

func (t Tier) String() string {
	switch t {
	case TierBatch:
		return "batch"
	case TierRecord:
		return "record"
	case TierField:
		return "field"
	default:
		return "unknown"
	}
}

// InsertOutcome is the final result of inserting one record
type InsertOutcome struct {
	Index    int
	TargetID string
	Existing bool
	Tier     Tier
	Err      error
}

// OK reports whether the record now has a target id
func (o InsertOutcome) OK() bool { return o.TargetID != "" }

// UpdateOutcome is the final result of updating one record. Every field of
// the payload except Id ends up in exactly one of Written or Failed.
type UpdateOutcome struct {
	Index   int
	Tier    Tier
	Written []string
	Failed  map[string]error
}

// insertRecords inserts a chunk: the whole batch first, then record by record
// if the batch call failed. A record that still fails is skipped by the caller.
func (e *Engine) insertRecords(ctx context.Context, entity string, records []domain.Record) ([]InsertOutcome, error) {
	outcomes := make([]InsertOutcome, len(records))

	results, err := e.target.BulkInsert(ctx, entity, records)
	if err == nil && len(results) != len(records) {
		err = fmt.Errorf("bulk insert returned %d results for %d records", len(results), len(records))
	}
	if err == nil {
		for i, res := range results {
			outcomes[i] = insertOutcome(i, TierBatch, res)
		}
		return outcomes, nil
	}
	if isStructural(err) {
		return nil, err
	}

	berr := &domain.BatchWriteError{EntityType: entity, Size: len(records), Err: err}
	e.log.Warn("batch insert failed, retrying per record", zap.Error(berr))
	for i, rec := range records {
		res, rerr := e.target.BulkInsert(ctx, entity, []domain.Record{rec})
		if rerr == nil && len(res) != 1 {
			rerr = fmt.Errorf("bulk insert returned %d results for 1 record", len(res))
		}
		if rerr != nil {
			if isStructural(rerr) {
				return nil, rerr
			}
			outcomes[i] = InsertOutcome{Index: i, Tier: TierRecord, Err: rerr}
			continue
		}
		outcomes[i] = insertOutcome(i, TierRecord, res[0])
	}
	return outcomes, nil
}

func insertOutcome(i int, tier Tier, res datastore.WriteResult) InsertOutcome {
	o := InsertOutcome{Index: i, Tier: tier}
	switch {
	case res.Err == nil && res.ID != "":
		o.TargetID = res.ID
	case res.Err != nil:
		if id, ok := datastore.ExistingID(res.Err); ok {
			o.TargetID = id
			o.Existing = true
		} else {
			o.Err = res.Err
		}
	default:
		o.Err = errors.New("store returned no id")
	}
	return o
}

// updateRecords updates a chunk with the three-tier policy: batch, then
// record by record, then field by field.
func (e *Engine) updateRecords(ctx context.Context, entity string, records []domain.Record) ([]UpdateOutcome, error) {
	outcomes := make([]UpdateOutcome, len(records))

	results, err := e.target.BulkUpdate(ctx, entity, records)
	if err == nil && len(results) != len(records) {
		err = fmt.Errorf("bulk update returned %d results for %d records", len(results), len(records))
	}
	if err != nil {
		if isStructural(err) {
			return nil, err
		}
		berr := &domain.BatchWriteError{EntityType: entity, Size: len(records), Err: err}
		e.log.Warn("batch update failed, retrying per record", zap.Error(berr))
		for i, rec := range records {
			o, err := e.updateRecord(ctx, entity, i, rec)
			if err != nil {
				return nil, err
			}
			outcomes[i] = o
		}
		return outcomes, nil
	}

	for i, res := range results {
		if res.Err == nil {
			outcomes[i] = UpdateOutcome{Index: i, Tier: TierBatch, Written: fieldsOf(records[i])}
			continue
		}
		o, err := e.updateFields(ctx, entity, i, records[i], res.Err)
		if err != nil {
			return nil, err
		}
		outcomes[i] = o
	}
	return outcomes, nil
}

func (e *Engine) updateRecord(ctx context.Context, entity string, i int, rec domain.Record) (UpdateOutcome, error) {
	res, err := e.target.BulkUpdate(ctx, entity, []domain.Record{rec})
	if err == nil && len(res) != 1 {
		err = fmt.Errorf("bulk update returned %d results for 1 record", len(res))
	}
	if err != nil && isStructural(err) {
		return UpdateOutcome{}, err
	}
	if err == nil && res[0].Err == nil {
		return UpdateOutcome{Index: i, Tier: TierRecord, Written: fieldsOf(rec)}, nil
	}
	var cause error = err
	if cause == nil {
		cause = res[0].Err
	}
	return e.updateFields(ctx, entity, i, rec, cause)
}

// updateFields writes each field of rec on its own. A single-field payload
// has nothing finer to try, so its record failure is final.
func (e *Engine) updateFields(ctx context.Context, entity string, i int, rec domain.Record, cause error) (UpdateOutcome, error) {
	fields := fieldsOf(rec)
	o := UpdateOutcome{Index: i, Tier: TierField, Failed: make(map[string]error)}
	if len(fields) <= 1 {
		for _, f := range fields {
			o.Failed[f] = cause
		}
		return o, nil
	}

	id, _ := rec.Get("Id")
	for _, f := range fields {
		v, _ := rec.Get(f)
		single := domain.Record{}
		single.Set("Id", id)
		single.Set(f, v)

		res, err := e.target.BulkUpdate(ctx, entity, []domain.Record{single})
		if err == nil && len(res) != 1 {
			err = fmt.Errorf("bulk update returned %d results for 1 record", len(res))
		}
		switch {
		case err != nil && isStructural(err):
			return UpdateOutcome{}, err
		case err != nil:
			o.Failed[f] = err
		case res[0].Err != nil:
			o.Failed[f] = res[0].Err
		default:
			o.Written = append(o.Written, f)
		}
	}
	return o, nil
}

func fieldsOf(rec domain.Record) []string {
	var out []string
	for _, k := range rec.Keys() {
		if k != "Id" {
			out = append(out, k)
		}
	}
	return out
}
