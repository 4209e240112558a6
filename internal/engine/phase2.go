package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/bulk"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/discriminator"
	"github.com/lherron/sandcastle/internal/domain"
)

// reconcileItem is the Phase 2 work for one target record
type reconcileItem struct {
	sourceID string
	targetID string
	subs     []domain.PendingSubstitution
	defs     []domain.DeferredDiscriminator
}

// reconcile runs Phase 2 for every plan entity with outstanding work
func (e *Engine) reconcile(ctx context.Context, plan domain.MigrationPlan) error {
	for _, entity := range plan.Entities() {
		err := e.reconcileEntity(ctx, entity)
		if err == nil {
			err = e.journalErr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", entity, err)
		}
	}
	for _, sub := range e.dummies.Outstanding() {
		if !plan.Includes(sub.EntityType) {
			e.report.Unresolve(&domain.UnresolvedSubstitutionError{Substitution: sub, Reason: "entity type is not part of the plan"})
		}
	}
	return nil
}

func (e *Engine) reconcileEntity(ctx context.Context, entity string) error {
	log := e.log.With(zap.String("entity", entity))
	subs := e.dummies.Pending(entity)

	var defs, otherDefs []domain.DeferredDiscriminator
	for _, d := range e.deferred {
		if d.EntityType == entity {
			defs = append(defs, d)
		} else {
			otherDefs = append(otherDefs, d)
		}
	}
	if len(subs) == 0 && len(defs) == 0 {
		return nil
	}
	e.deferred = otherDefs

	items, order := e.groupWork(entity, subs, defs)
	log.Info("reconciling", zap.Int("records", len(order)), zap.Int("substitutions", len(subs)), zap.Int("deferred_discriminators", len(defs)))

	current, err := e.fetchTargets(ctx, entity, items, order)
	if err != nil {
		return err
	}

	progress := bulk.NewProgress(e.progressOutput(), "Phase 2 "+entity, len(order), e.opts.ShowProgress)
	defer progress.Done()

	var updates []pendingUpdate
	for _, sourceID := range order {
		item := items[sourceID]
		u, err := e.buildUpdate(ctx, entity, item, current[item.targetID])
		if err != nil {
			return err
		}
		if u.record.Len() > 1 {
			updates = append(updates, u)
		} else {
			progress.Add(1)
		}
	}

	for _, chunk := range bulk.Chunk(updates, e.opts.BatchSize) {
		records := make([]domain.Record, len(chunk))
		for i, u := range chunk {
			records[i] = u.record
		}
		outcomes, err := e.updateRecords(ctx, entity, records)
		if err != nil {
			return err
		}
		for i, o := range outcomes {
			if err := e.applyOutcome(entity, chunk[i], o); err != nil {
				return err
			}
		}
		progress.Add(len(chunk))
	}
	return nil
}

// groupWork groups substitutions and deferred discriminators by source record, in first-seen order
func (e *Engine) groupWork(entity string, subs []domain.PendingSubstitution, defs []domain.DeferredDiscriminator) (map[string]*reconcileItem, []string) {
	items := make(map[string]*reconcileItem)
	var order []string
	get := func(sourceID string) *reconcileItem {
		item, ok := items[sourceID]
		if !ok {
			targetID, _ := e.ids.Get(entity, sourceID)
			item = &reconcileItem{sourceID: sourceID, targetID: targetID}
			items[sourceID] = item
			order = append(order, sourceID)
		}
		return item
	}
	for _, s := range subs {
		item := get(s.SourceID)
		item.subs = append(item.subs, s)
	}
	for _, d := range defs {
		item := get(d.SourceID)
		item.defs = append(item.defs, d)
	}
	return items, order
}

// fetchTargets re-reads the target records so fields that are already
// correct are not written again.
func (e *Engine) fetchTargets(ctx context.Context, entity string, items map[string]*reconcileItem, order []string) (map[string]domain.Record, error) {
	fieldSet := make(map[string]bool)
	fields := []string{"Id"}
	var ids []string
	for _, sourceID := range order {
		item := items[sourceID]
		if item.targetID == "" {
			continue
		}
		ids = append(ids, item.targetID)
		for _, s := range item.subs {
			if !fieldSet[s.Field] {
				fieldSet[s.Field] = true
				fields = append(fields, s.Field)
			}
		}
		for _, d := range item.defs {
			if !fieldSet[d.Field] {
				fieldSet[d.Field] = true
				fields = append(fields, d.Field)
			}
		}
	}

	chunks, err := bulk.Map(ctx, e.bulkOp("Read "+entity), ids, func(ctx context.Context, chunk []string) ([]domain.SourceRecord, error) {
		return e.target.Query(ctx, datastore.QueryRequest{
			Entity:  entity,
			Fields:  fields,
			Filters: []datastore.Filter{{Field: "Id", IDs: chunk}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query target %s: %w", entity, err)
	}
	current := make(map[string]domain.Record, len(ids))
	for _, recs := range chunks {
		for _, r := range recs {
			current[r.ID] = r.Fields
		}
	}
	return current, nil
}

// pendingUpdate is one Phase 2 update payload and what each field resolves
type pendingUpdate struct {
	item    *reconcileItem
	record  domain.Record
	subs    map[string]domain.PendingSubstitution
	cleared map[string]string
	defs    map[string]domain.DeferredDiscriminator
}

func (e *Engine) buildUpdate(ctx context.Context, entity string, item *reconcileItem, current domain.Record) (pendingUpdate, error) {
	u := pendingUpdate{
		item:    item,
		subs:    make(map[string]domain.PendingSubstitution),
		cleared: make(map[string]string),
		defs:    make(map[string]domain.DeferredDiscriminator),
	}
	u.record.Set("Id", domain.Reference(item.targetID))

	if item.targetID == "" {
		for _, s := range item.subs {
			e.unresolved(s, "record was never migrated", false)
		}
		for _, d := range item.defs {
			e.warn(domain.Warning{EntityType: entity, SourceID: d.SourceID, Field: d.Field, Message: "discriminator not applied, record was never migrated"})
		}
		return u, nil
	}

	class := e.classes[entity]
	for _, s := range item.subs {
		candidates := []string{s.TargetEntityType}
		if f, ok := class.Field(s.Field); ok && len(f.ReferenceTo) > 0 {
			candidates = f.ReferenceTo
		}

		_, realID, found := e.ids.Resolve(candidates, s.SourceRefID)
		if found && !e.dummies.IsDummy(realID) {
			if have, ok := current.Get(s.Field); ok && have.Equal(domain.Reference(realID)) {
				if err := e.resolved(s, realID); err != nil {
					return u, err
				}
				continue
			}
			u.record.Set(s.Field, domain.Reference(realID))
			u.subs[s.Field] = s
			continue
		}

		reason := fmt.Sprintf("referenced %s %s was not migrated", s.TargetEntityType, s.SourceRefID)
		f, _ := class.Field(s.Field)
		if e.opts.ClearUnresolved && f.Nillable && s.Mode == domain.SubstitutionDummy {
			u.record.Set(s.Field, domain.Null())
			u.subs[s.Field] = s
			u.cleared[s.Field] = reason
			continue
		}
		e.unresolved(s, reason, false)
	}

	for _, d := range item.defs {
		m, err := e.discs.Resolve(ctx, entity, d.SourceValue)
		if errors.Is(err, discriminator.ErrUnmatched) {
			e.warn(domain.Warning{EntityType: entity, SourceID: d.SourceID, Field: d.Field, Message: fmt.Sprintf("deferred discriminator not applied: %v", err)})
			continue
		}
		if err != nil {
			if cerr := e.contain(err, domain.Warning{EntityType: entity, SourceID: d.SourceID, Field: d.Field, Message: "deferred discriminator not applied"}); cerr != nil {
				return u, cerr
			}
			continue
		}
		u.record.Set(d.Field, domain.Reference(m.TargetID))
		u.defs[d.Field] = d
	}
	return u, nil
}

func (e *Engine) applyOutcome(entity string, u pendingUpdate, o UpdateOutcome) error {
	for _, field := range o.Written {
		if s, ok := u.subs[field]; ok {
			if reason, wasCleared := u.cleared[field]; wasCleared {
				if err := e.dummies.Resolve(s); err != nil {
					return err
				}
				e.unresolved(s, reason, true)
				continue
			}
			v, _ := u.record.Get(field)
			if err := e.resolved(s, v.Text()); err != nil {
				return err
			}
		}
		if d, ok := u.defs[field]; ok {
			if e.journal != nil {
				if err := e.journal.Discriminator(d, true); err != nil {
					return err
				}
			}
			v, _ := u.record.Get(field)
			if err := e.event(entity, d.SourceID, EventDiscriminatorResolved, map[string]string{"field": field, "target_id": v.Text()}); err != nil {
				return err
			}
		}
	}
	if len(o.Written) > 0 {
		e.report.AddUpdated(entity, 1)
	}

	for _, field := range u.record.Keys() {
		ferr, failed := o.Failed[field]
		if !failed {
			continue
		}
		if s, ok := u.subs[field]; ok {
			e.unresolved(s, fmt.Sprintf("update failed (%s): %v", o.Tier, ferr), false)
		}
		if d, ok := u.defs[field]; ok {
			e.warn(domain.Warning{EntityType: entity, SourceID: d.SourceID, Field: field, Message: fmt.Sprintf("deferred discriminator not applied: %v", ferr)})
		}
	}
	return nil
}

func (e *Engine) resolved(s domain.PendingSubstitution, targetID string) error {
	if err := e.dummies.Resolve(s); err != nil {
		return err
	}
	return e.event(s.EntityType, s.SourceID, EventSubstitutionResolved, map[string]string{
		"field":     s.Field,
		"target_id": targetID,
		"mode":      string(s.Mode),
	})
}

func (e *Engine) unresolved(s domain.PendingSubstitution, reason string, cleared bool) {
	uerr := &domain.UnresolvedSubstitutionError{Substitution: s, Reason: reason, Cleared: cleared}
	e.report.Unresolve(uerr)
	e.log.Warn("substitution unresolved", zap.Error(uerr))
	e.eventLater(s.EntityType, s.SourceID, EventSubstitutionUnresolved, map[string]interface{}{
		"field":   s.Field,
		"reason":  reason,
		"cleared": cleared,
	})
}
