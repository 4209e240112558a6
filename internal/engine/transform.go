package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/classify"
	"github.com/lherron/sandcastle/internal/discriminator"
	"github.com/lherron/sandcastle/internal/domain"
)

// maskSuffix is appended to email values so the target never mails real people
const maskSuffix = ".invalid"

// payload is one record ready for insert, with the state to commit once it
// has a target id.
type payload struct {
	sourceID string
	record   domain.Record
	subs     []domain.PendingSubstitution
	deferred []domain.DeferredDiscriminator
}

// transform applies the Phase 1 rules to a source record
func (e *Engine) transform(ctx context.Context, plan domain.MigrationPlan, step domain.PlanStep, class *classify.Classification, src domain.SourceRecord) (payload, error) {
	p := payload{sourceID: src.ID}
	entity := step.Entity

	for _, f := range class.Entity.Fields {
		v, ok := src.Fields.Get(f.Name)
		if !ok || v.IsNull() {
			continue
		}
		switch f.Kind {
		case domain.FieldKindReference:
			e.transformReference(plan, entity, src.ID, f, v, &p)
		case domain.FieldKindDiscriminator:
			if err := e.transformDiscriminator(ctx, step, src.ID, f, v, &p); err != nil {
				return p, err
			}
		default:
			if err := e.transformScalar(ctx, entity, src.ID, f, v, &p); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

func (e *Engine) transformReference(plan domain.MigrationPlan, entity, sourceID string, f domain.FieldDescriptor, v domain.Value, p *payload) {
	refID, ok := v.ID()
	if !ok {
		return
	}
	if _, targetID, found := e.ids.Resolve(f.ReferenceTo, refID); found {
		p.record.Set(f.Name, domain.Reference(targetID))
		return
	}
	for _, ref := range f.ReferenceTo {
		if e.passthrough[ref] {
			p.record.Set(f.Name, domain.Reference(refID))
			return
		}
	}

	var planned, reachable []string
	for _, ref := range f.ReferenceTo {
		if !plan.Includes(ref) {
			continue
		}
		planned = append(planned, ref)
		if e.scope == nil || e.scope.reachable(ref, refID) {
			reachable = append(reachable, ref)
		}
	}
	if len(reachable) == 0 {
		reason := "referenced entity type is not migrated"
		if len(planned) > 0 {
			reason = "referenced record is outside the migrated set"
		}
		err := &domain.UnresolvedReferenceError{EntityType: entity, SourceID: sourceID, Field: f.Name, Reason: reason}
		e.log.Debug("reference dropped", zap.Error(err), zap.String("ref_id", refID))
		return
	}

	sub, value, write := e.dummies.Substitute(entity, sourceID, f.Name, reachable, refID)
	if write {
		p.record.Set(f.Name, value)
	}
	p.subs = append(p.subs, sub)
}

func (e *Engine) transformDiscriminator(ctx context.Context, step domain.PlanStep, sourceID string, f domain.FieldDescriptor, v domain.Value, p *payload) error {
	srcValue, ok := v.ID()
	if !ok {
		return nil
	}
	entity := step.Entity

	if step.BypassDiscriminator {
		placeholder, err := e.placeholder(ctx, step)
		if err != nil {
			return err
		}
		if placeholder != "" {
			p.record.Set(f.Name, domain.Reference(placeholder))
		}
		p.deferred = append(p.deferred, domain.DeferredDiscriminator{
			EntityType:  entity,
			SourceID:    sourceID,
			Field:       f.Name,
			SourceValue: srcValue,
		})
		return nil
	}

	m, err := e.discs.Resolve(ctx, entity, srcValue)
	if errors.Is(err, discriminator.ErrUnmatched) {
		e.warn(domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name, Message: fmt.Sprintf("discriminator dropped: %v", err)})
		return nil
	}
	if err != nil {
		return e.contain(err, domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name, Message: "discriminator dropped"})
	}
	p.record.Set(f.Name, domain.Reference(m.TargetID))
	return nil
}

// placeholder returns the discriminator written in place of the real one on
// bypassed steps. An empty id leaves the field to the target's default.
func (e *Engine) placeholder(ctx context.Context, step domain.PlanStep) (string, error) {
	if step.PlaceholderDiscriminatorID != "" {
		return step.PlaceholderDiscriminatorID, nil
	}
	if step.PlaceholderDiscriminatorName == "" {
		return "", nil
	}
	key := step.Entity + "\x00" + step.PlaceholderDiscriminatorName
	if id, ok := e.placeholders[key]; ok {
		return id, nil
	}
	id, err := e.discs.TargetID(ctx, step.Entity, step.PlaceholderDiscriminatorName)
	switch {
	case errors.Is(err, discriminator.ErrUnmatched):
		e.warn(domain.Warning{EntityType: step.Entity, Message: fmt.Sprintf("placeholder discriminator %q not found in target, using default", step.PlaceholderDiscriminatorName)})
		id = ""
	case err != nil:
		// Cached like a miss.
		if cerr := e.contain(err, domain.Warning{EntityType: step.Entity, Message: fmt.Sprintf("placeholder discriminator %q not resolved, using default", step.PlaceholderDiscriminatorName)}); cerr != nil {
			return "", cerr
		}
		id = ""
	}
	e.placeholders[key] = id
	return id, nil
}

func (e *Engine) transformScalar(ctx context.Context, entity, sourceID string, f domain.FieldDescriptor, v domain.Value, p *payload) error {
	if f.Type == "boolean" && v.Kind() == domain.KindString {
		if b, ok := coerceBool(v.Text()); ok {
			v = domain.Bool(b)
		}
	}
	if e.opts.MaskEmails && v.Kind() == domain.KindString && isEmailField(f) {
		if text := v.Text(); text != "" && !strings.HasSuffix(text, maskSuffix) {
			v = domain.String(text + maskSuffix)
		}
	}

	if !f.Constrained || v.Kind() != domain.KindString {
		p.record.Set(f.Name, v)
		return nil
	}

	dropped := domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name, Message: "allowed values unknown, dropped"}
	if f.MultiValued {
		kept, rejected, err := e.picklists.Filter(ctx, entity, f.Name, v.Text())
		if err != nil {
			return e.contain(err, dropped)
		}
		if len(rejected) > 0 {
			e.warn(domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name,
				Message: fmt.Sprintf("values %s not allowed, dropped", strings.Join(rejected, ", "))})
		}
		if kept != "" {
			p.record.Set(f.Name, domain.String(kept))
		}
		return nil
	}

	ok, err := e.picklists.Validate(ctx, entity, f.Name, v.Text())
	if err != nil {
		return e.contain(err, dropped)
	}
	if ok {
		p.record.Set(f.Name, v)
		return nil
	}

	allowed, err := e.picklists.Allowed(ctx, entity, f.Name)
	if err != nil {
		return e.contain(err, dropped)
	}
	verr := &domain.ValidationError{EntityType: entity, SourceID: sourceID, Field: f.Name, Value: v.Text(), Allowed: allowed}
	e.log.Debug("constrained value rejected", zap.Error(verr))
	if !f.Nillable && len(allowed) > 0 {
		p.record.Set(f.Name, domain.String(allowed[0]))
		e.warn(domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name,
			Message: fmt.Sprintf("value %q not allowed, required field set to %q", verr.Value, allowed[0])})
		return nil
	}
	e.warn(domain.Warning{EntityType: entity, SourceID: sourceID, Field: f.Name,
		Message: fmt.Sprintf("value %q not allowed, dropped", verr.Value)})
	return nil
}

func coerceBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no", "":
		return false, true
	default:
		return false, false
	}
}

func isEmailField(f domain.FieldDescriptor) bool {
	return f.Type == "email" || strings.Contains(strings.ToLower(f.Name), "email")
}
