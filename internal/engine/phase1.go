package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/bulk"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// runStep runs Phase 1 for one plan step
func (e *Engine) runStep(ctx context.Context, plan domain.MigrationPlan, step domain.PlanStep) error {
	log := e.log.With(zap.String("step", step.Label()))
	if step.Limit == 0 {
		log.Info("step skipped, limit is 0")
		return nil
	}

	records, err := e.fetch(ctx, step)
	if err != nil {
		return err
	}
	e.scope.begin(step.Entity, records)
	if len(records) == 0 {
		log.Info("no records to migrate")
		return nil
	}
	log.Info("migrating records", zap.Int("count", len(records)))

	class := e.classes[step.Entity]
	progress := bulk.NewProgress(e.progressOutput(), "Phase 1 "+step.Label(), len(records), e.opts.ShowProgress)
	defer progress.Done()

	created, existing, skipped := 0, 0, 0
	for _, chunk := range bulk.Chunk(records, e.opts.BatchSize) {
		// Transform per chunk so later chunks see the mappings of earlier ones.
		payloads := make([]payload, 0, len(chunk))
		for _, src := range chunk {
			p, err := e.transform(ctx, plan, step, class, src)
			if err != nil {
				return fmt.Errorf("transform %s: %w", src.ID, err)
			}
			payloads = append(payloads, p)
		}

		batch := make([]domain.Record, len(payloads))
		for i, p := range payloads {
			batch[i] = p.record
		}
		outcomes, err := e.insertRecords(ctx, step.Entity, batch)
		if err != nil {
			return err
		}

		for i, o := range outcomes {
			p := payloads[i]
			if o.OK() && e.dummies.IsDummy(o.TargetID) {
				o = InsertOutcome{Index: o.Index, Tier: o.Tier, Err: fmt.Errorf("duplicates dummy record %s", o.TargetID)}
			}
			if !o.OK() {
				skipped++
				e.report.Skip(step.Entity, p.sourceID, o.Err.Error())
				log.Warn("record skipped", zap.String("source_id", p.sourceID), zap.Stringer("tier", o.Tier), zap.Error(o.Err))
				if err := e.event(step.Entity, p.sourceID, EventRecordSkipped, map[string]string{"reason": o.Err.Error()}); err != nil {
					return err
				}
				continue
			}
			if err := e.commit(step.Entity, p, o); err != nil {
				return err
			}
			if o.Existing {
				existing++
			} else {
				created++
			}
		}
		progress.Add(len(chunk))
	}

	log.Info("step finished",
		zap.Int("processed", progress.Completed()),
		zap.Int("created", created),
		zap.Int("existing", existing),
		zap.Int("skipped", skipped))
	return nil
}

// commit records a written record: its mapping, then its substitutions.
// Substitutions are only tracked once the record has a target id.
func (e *Engine) commit(entity string, p payload, o InsertOutcome) error {
	if err := e.ids.Put(entity, p.sourceID, o.TargetID); err != nil {
		return err
	}
	if err := e.dummies.Commit(p.subs...); err != nil {
		return err
	}
	for _, d := range p.deferred {
		if e.journal != nil {
			if err := e.journal.Discriminator(d, false); err != nil {
				return err
			}
		}
		e.deferred = append(e.deferred, d)
	}

	eventType := EventRecordCreated
	if o.Existing {
		eventType = EventRecordExisting
		e.report.AddExisting(entity, 1)
	} else {
		e.report.AddCreated(entity, 1)
	}
	return e.event(entity, p.sourceID, eventType, map[string]interface{}{
		"target_id":     o.TargetID,
		"substitutions": len(p.subs),
		"tier":          o.Tier.String(),
	})
}

// fetch queries the source records of a step: deduplicated, not yet
// migrated, and capped at the step limit. A per-parent limit caps the
// records of each scope parent instead of the whole step.
func (e *Engine) fetch(ctx context.Context, step domain.PlanStep) ([]domain.SourceRecord, error) {
	type scope struct {
		ids    []string
		fields []string
	}
	var scopes []scope
	if step.IsRoot() {
		fields := []string{"Id"}
		if step.IncludeHierarchy {
			fields = append(fields, e.classes[step.Entity].ScopeFields()...)
		}
		scopes = append(scopes, scope{ids: step.RootIDs, fields: fields})
	} else {
		for _, ref := range step.Scope {
			scopes = append(scopes, scope{ids: e.ids.SourceIDs(ref.Entity), fields: []string{ref.Field}})
		}
	}

	limit := 0
	if step.Limit > 0 {
		limit = step.Limit
	}
	perParent := limit > 0 && step.LimitPerParent
	queryLimit := limit
	fields := e.queryFields(step.Entity)
	if perParent {
		queryLimit = 0
		for _, ref := range step.Scope {
			if !containsString(fields, ref.Field) {
				fields = append(fields, ref.Field)
			}
		}
	}
	op := e.bulkOp("Fetch " + step.Label())

	var out []domain.SourceRecord
	seen := make(map[string]bool)
	counts := make(map[string]int)
	for _, sc := range scopes {
		chunks, err := bulk.Map(ctx, op, sc.ids, func(ctx context.Context, ids []string) ([]domain.SourceRecord, error) {
			filters := make([]datastore.Filter, len(sc.fields))
			for i, f := range sc.fields {
				filters[i] = datastore.Filter{Field: f, IDs: ids}
			}
			return e.source.Query(ctx, datastore.QueryRequest{
				Entity:  step.Entity,
				Fields:  fields,
				Filters: filters,
				Limit:   queryLimit,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", step.Entity, err)
		}
		for _, recs := range chunks {
			for _, r := range recs {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				if e.ids.Has(step.Entity, r.ID) {
					continue
				}
				if perParent {
					parent := parentOf(r, sc.fields)
					if counts[parent] >= limit {
						continue
					}
					counts[parent]++
				}
				out = append(out, r)
			}
		}
	}

	if !perParent && limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// parentOf returns the first scope field value of a record
func parentOf(r domain.SourceRecord, fields []string) string {
	for _, f := range fields {
		if v, ok := r.Fields.Get(f); ok {
			if id, ok := v.ID(); ok {
				return f + "=" + id
			}
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// bulkOp returns the chunked operation settings of the run
func (e *Engine) bulkOp(label string) bulk.Operation {
	return bulk.Operation{
		Jobs:         e.opts.Jobs,
		BatchSize:    e.opts.BatchSize,
		ShowProgress: e.opts.ShowProgress,
		Label:        label,
		Output:       e.progressOutput(),
	}
}

// scopeTracker follows which source records the rest of the plan can still
// migrate. A reference to a record no remaining step can fetch is dropped
// instead of substituted.
type scopeTracker struct {
	remaining map[string]int
	entity    string
	fetched   map[string]bool
}

func newScopeTracker(plan domain.MigrationPlan) *scopeTracker {
	remaining := make(map[string]int)
	for _, s := range plan.Steps {
		remaining[s.Entity]++
	}
	return &scopeTracker{remaining: remaining}
}

// begin marks the records fetched by the step now running
func (s *scopeTracker) begin(entity string, records []domain.SourceRecord) {
	s.entity = entity
	s.fetched = make(map[string]bool, len(records))
	for _, r := range records {
		s.fetched[r.ID] = true
	}
}

// finish marks a step done, including skipped ones
func (s *scopeTracker) finish(entity string) {
	s.remaining[entity]--
	s.entity = ""
	s.fetched = nil
}

// reachable reports whether a source record of entity may still be migrated:
// it was fetched by the running step, or a later step of its type remains.
func (s *scopeTracker) reachable(entity, sourceID string) bool {
	n := s.remaining[entity]
	if entity == s.entity {
		if s.fetched[sourceID] {
			return true
		}
		n--
	}
	return n > 0
}
