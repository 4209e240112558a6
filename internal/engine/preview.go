package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/bulk"
	"github.com/lherron/sandcastle/internal/domain"
)

// RecordPreview is what Phase 1 would write for one source record
type RecordPreview struct {
	Step     domain.PlanStep
	SourceID string
	Source   domain.Record
	Payload  domain.Record
	// Deferred lists fields left for Phase 2
	Deferred []string
}

// PreviewFunc receives each record preview in plan order
type PreviewFunc func(RecordPreview) error

// Preview runs the Phase 1 rules over the plan without writing to the
// target. Records get stand-in target ids so later steps scope correctly.
// The returned report counts the records that would be created.
func (e *Engine) Preview(ctx context.Context, plan domain.MigrationPlan, fn PreviewFunc) (*domain.MigrationReport, error) {
	e.report = domain.NewMigrationReport(e.opts.RunID)
	e.report.DryRun = true
	e.SetJournal(nil)

	if err := plan.Validate(); err != nil {
		return e.report, fmt.Errorf("invalid plan: %w", err)
	}
	for _, entity := range plan.Entities() {
		if _, err := e.classify(ctx, entity); err != nil {
			return e.report, err
		}
	}
	e.dummies.Stage(e.dummyEntities(plan))
	if err := e.prefetch(ctx, plan); err != nil {
		return e.report, err
	}

	e.scope = newScopeTracker(plan)
	for _, step := range plan.Steps {
		if err := e.previewStep(ctx, plan, step, fn); err != nil {
			return e.report, err
		}
		e.scope.finish(step.Entity)
	}
	e.report.Finish()
	return e.report, nil
}

func (e *Engine) previewStep(ctx context.Context, plan domain.MigrationPlan, step domain.PlanStep, fn PreviewFunc) error {
	if step.Limit == 0 {
		return nil
	}
	records, err := e.fetch(ctx, step)
	if err != nil {
		return fmt.Errorf("%s: %w", step.Label(), err)
	}
	e.scope.begin(step.Entity, records)
	e.log.Debug("previewing step", zap.String("step", step.Label()), zap.Int("records", len(records)))

	class := e.classes[step.Entity]
	for _, chunk := range bulk.Chunk(records, e.opts.BatchSize) {
		for _, src := range chunk {
			p, err := e.transform(ctx, plan, step, class, src)
			if err != nil {
				return fmt.Errorf("transform %s: %w", src.ID, err)
			}
			preview := RecordPreview{Step: step, SourceID: src.ID, Source: src.Fields, Payload: p.record}
			for _, s := range p.subs {
				if s.Mode == domain.SubstitutionDeferred {
					preview.Deferred = append(preview.Deferred, s.Field)
				}
			}
			for _, d := range p.deferred {
				preview.Deferred = append(preview.Deferred, d.Field)
			}
			if fn != nil {
				if err := fn(preview); err != nil {
					return err
				}
			}
		}
		for _, src := range chunk {
			standIn := fmt.Sprintf("new:%s:%d", step.Entity, e.ids.Count(step.Entity)+1)
			if err := e.ids.Put(step.Entity, src.ID, standIn); err != nil {
				return err
			}
			e.report.AddCreated(step.Entity, 1)
		}
	}
	return nil
}
