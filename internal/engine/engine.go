// Package engine runs a two-phase migration: Phase 1 creates records with
// placeholder or deferred references, Phase 2 reconciles them with the real
// target ids.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/classify"
	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/discriminator"
	"github.com/lherron/sandcastle/internal/domain"
	"github.com/lherron/sandcastle/internal/dummy"
	"github.com/lherron/sandcastle/internal/idmap"
	"github.com/lherron/sandcastle/internal/picklist"
)

// Options configure a run
type Options struct {
	RunID               string
	BatchSize           int
	Jobs                int
	PassthroughEntities []string
	DiscriminatorEntity string
	Exclude             map[string][]string
	Dummies             map[string]dummy.Template
	MaskEmails          bool
	ClearUnresolved     bool
	ShowProgress        bool
	Progress            io.Writer
}

// Journal persists run state as it changes. Every method may abort the run
// by returning an error.
type Journal interface {
	MapID(entry idmap.Entry) error
	Substitution(sub domain.PendingSubstitution, resolved bool) error
	Discriminator(def domain.DeferredDiscriminator, resolved bool) error
	Event(entityType, sourceID, eventType string, payload interface{}) error
}

// Event types written to the journal
const (
	EventRecordCreated          = "record.created"
	EventRecordExisting         = "record.existing"
	EventRecordSkipped          = "record.skipped"
	EventSubstitutionResolved   = "substitution.resolved"
	EventSubstitutionUnresolved = "substitution.unresolved"
	EventDiscriminatorResolved  = "discriminator.resolved"
	EventDummyCreated           = "dummy.created"
	EventWarning                = "warning"
)

// Engine owns every cache and table of one migration run
type Engine struct {
	source datastore.Client
	target datastore.Client
	opts   Options
	log    *zap.Logger

	ids       *idmap.Map
	dummies   *dummy.Resolver
	picklists *picklist.Validator
	discs     *discriminator.Resolver
	journal   Journal

	classes      map[string]*classify.Classification
	sourceFields map[string]map[string]bool
	passthrough  map[string]bool
	placeholders map[string]string
	deferred     []domain.DeferredDiscriminator
	report       *domain.MigrationReport
	scope        *scopeTracker
	// journalErr is the first journal failure of a call path that cannot
	// return it. The run aborts at the next step boundary.
	journalErr error
}

// New creates an engine copying from source into target
func New(source, target datastore.Client, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	passthrough := make(map[string]bool, len(opts.PassthroughEntities))
	for _, e := range opts.PassthroughEntities {
		passthrough[e] = true
	}
	log = log.With(zap.String("run_id", opts.RunID))
	return &Engine{
		source:       source,
		target:       target,
		opts:         opts,
		log:          log,
		ids:          idmap.New(),
		dummies:      dummy.New(target, opts.Dummies, log.Named("dummy")),
		picklists:    picklist.New(target, log.Named("picklist")),
		discs:        discriminator.New(source, target, log.Named("discriminator")),
		classes:      make(map[string]*classify.Classification),
		sourceFields: make(map[string]map[string]bool),
		passthrough:  passthrough,
		placeholders: make(map[string]string),
	}
}

// RunID returns the id of the run
func (e *Engine) RunID() string { return e.opts.RunID }

// IDs returns the identifier map
func (e *Engine) IDs() *idmap.Map { return e.ids }

// Dummies returns the dummy resolver
func (e *Engine) Dummies() *dummy.Resolver { return e.dummies }

// SetJournal wires run state persistence
func (e *Engine) SetJournal(j Journal) {
	e.journal = j
	if j == nil {
		e.ids.SetJournal(nil)
		e.dummies.SetJournal(nil)
		return
	}
	e.ids.SetJournal(j.MapID)
	e.dummies.SetJournal(j.Substitution)
}

// Resume preloads state saved by an earlier run against the same stores
func (e *Engine) Resume(entries []idmap.Entry, subs []domain.PendingSubstitution, defs []domain.DeferredDiscriminator) error {
	if err := e.ids.Load(entries); err != nil {
		return fmt.Errorf("preload id mappings: %w", err)
	}
	e.dummies.Load(subs)
	e.deferred = append(e.deferred, defs...)
	e.log.Info("resumed",
		zap.Int("mappings", len(entries)),
		zap.Int("pending_substitutions", len(subs)),
		zap.Int("deferred_discriminators", len(defs)))
	return nil
}

// Run executes both phases of the plan. Recoverable failures are collected in
// the report; a returned error means the run aborted, and the report then
// holds what was done before the abort.
func (e *Engine) Run(ctx context.Context, plan domain.MigrationPlan) (*domain.MigrationReport, error) {
	e.report = domain.NewMigrationReport(e.opts.RunID)
	report := e.report

	err := e.run(ctx, plan)
	if err != nil {
		report.Fail(err)
		e.log.Error("run aborted", zap.Error(err))
	}
	report.Discriminators = e.discs.Mappings()
	report.Finish()
	e.log.Info("run finished",
		zap.Int("created", report.TotalCreated()),
		zap.Int("existing", report.TotalExisting()),
		zap.Int("updated", report.TotalUpdated()),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("unresolved", len(report.Unresolved)),
		zap.Int("warnings", len(report.Warnings)))
	return report, err
}

func (e *Engine) run(ctx context.Context, plan domain.MigrationPlan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	if err := e.prepare(ctx, plan); err != nil {
		return err
	}

	e.log.Info("phase 1 starting", zap.Int("steps", len(plan.Steps)))
	e.scope = newScopeTracker(plan)
	for i, step := range plan.Steps {
		err := e.runStep(ctx, plan, step)
		if err == nil {
			err = e.journalErr
		}
		if err != nil {
			return fmt.Errorf("phase 1 step %d (%s): %w", i+1, step.Label(), err)
		}
		e.scope.finish(step.Entity)
	}

	e.log.Info("phase 2 starting", zap.Int("pending", len(e.dummies.Outstanding())), zap.Int("deferred_discriminators", len(e.deferred)))
	if err := e.reconcile(ctx, plan); err != nil {
		return fmt.Errorf("phase 2: %w", err)
	}
	if e.journalErr != nil {
		return fmt.Errorf("phase 2: %w", e.journalErr)
	}
	return nil
}

// dummyEntities returns the entity types that need a dummy record: those
// referenced by a plan entity and migrated by the plan themselves.
func (e *Engine) dummyEntities(plan domain.MigrationPlan) []string {
	var needed []string
	seen := make(map[string]bool)
	for _, entity := range plan.Entities() {
		for _, ref := range e.classes[entity].ReferencedEntities() {
			if plan.Includes(ref) && !seen[ref] {
				seen[ref] = true
				needed = append(needed, ref)
			}
		}
	}
	return needed
}

// prepare describes every plan entity, creates dummies and prefetches
// constrained values.
func (e *Engine) prepare(ctx context.Context, plan domain.MigrationPlan) error {
	for _, entity := range plan.Entities() {
		if _, err := e.classify(ctx, entity); err != nil {
			return err
		}
	}

	if err := e.dummies.Prepare(ctx, e.dummyEntities(plan)); err != nil {
		return fmt.Errorf("create dummies: %w", err)
	}
	for entity, id := range e.dummies.IDs() {
		if err := e.event(entity, "", EventDummyCreated, map[string]string{"id": id}); err != nil {
			return err
		}
	}
	for entity, ferr := range e.dummies.Failures() {
		e.warn(domain.Warning{EntityType: entity, Message: fmt.Sprintf("no dummy record, references will be deferred: %v", ferr)})
	}

	return e.prefetch(ctx, plan)
}

// prefetch loads the allowed values of every plan entity. A failed describe
// leaves the entity's values to be loaded, and checked, field by field.
func (e *Engine) prefetch(ctx context.Context, plan domain.MigrationPlan) error {
	for _, entity := range plan.Entities() {
		err := e.picklists.Prefetch(ctx, entity)
		if isStructural(err) {
			return err
		}
		if err != nil {
			e.warn(domain.Warning{EntityType: entity, Message: fmt.Sprintf("allowed values not prefetched: %v", err)})
		}
	}
	return nil
}

// classify describes an entity in both stores. The target decides what can
// be written; the source decides what can be read.
func (e *Engine) classify(ctx context.Context, entity string) (*classify.Classification, error) {
	if c, ok := e.classes[entity]; ok {
		return c, nil
	}
	targetMeta, err := e.target.Describe(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("describe %s in target: %w", entity, err)
	}
	sourceMeta, err := e.source.Describe(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("describe %s in source: %w", entity, err)
	}
	c, err := classify.Classify(entity, targetMeta, classify.Options{
		DiscriminatorEntity: e.opts.DiscriminatorEntity,
		Exclude:             e.opts.Exclude,
	})
	if err != nil {
		return nil, err
	}
	fields := make(map[string]bool, len(sourceMeta))
	for _, f := range sourceMeta {
		fields[f.Name] = true
	}
	e.classes[entity] = c
	e.sourceFields[entity] = fields
	e.log.Debug("entity classified",
		zap.String("entity", entity),
		zap.Int("scalars", len(c.Scalars)),
		zap.Int("references", len(c.References)),
		zap.Int("discriminators", len(c.Discriminators)),
		zap.Int("excluded", len(c.Excluded)))
	return c, nil
}

// queryFields returns the insertable fields that also exist in the source
func (e *Engine) queryFields(entity string) []string {
	src := e.sourceFields[entity]
	out := []string{"Id"}
	for _, f := range e.classes[entity].InsertFields() {
		if src[f] {
			out = append(out, f)
		}
	}
	return out
}

func (e *Engine) progressOutput() io.Writer {
	if e.opts.Progress != nil {
		return e.opts.Progress
	}
	return os.Stderr
}

func (e *Engine) warn(w domain.Warning) {
	e.report.Warn(w)
	e.log.Warn(w.Message,
		zap.String("entity", w.EntityType),
		zap.String("source_id", w.SourceID),
		zap.String("field", w.Field))
	e.eventLater(w.EntityType, w.SourceID, EventWarning, w)
}

// eventLater journals an event from a path that cannot return an error.
// The first failure is kept and aborts the run at the next step boundary.
func (e *Engine) eventLater(entityType, sourceID, eventType string, payload interface{}) {
	err := e.event(entityType, sourceID, eventType, payload)
	if err == nil {
		return
	}
	e.log.Error("journal write failed",
		zap.String("event", eventType),
		zap.String("entity", entityType),
		zap.String("source_id", sourceID),
		zap.Error(err))
	if e.journalErr == nil {
		e.journalErr = err
	}
}

// contain turns a per-field lookup failure into a warning so the record is
// still written without the field. Structural failures are returned.
func (e *Engine) contain(err error, w domain.Warning) error {
	if isStructural(err) {
		return err
	}
	w.Message = fmt.Sprintf("%s: %v", w.Message, err)
	e.warn(w)
	return nil
}

func (e *Engine) event(entityType, sourceID, eventType string, payload interface{}) error {
	if e.journal == nil {
		return nil
	}
	if err := e.journal.Event(entityType, sourceID, eventType, payload); err != nil {
		return fmt.Errorf("journal %s: %w", eventType, err)
	}
	return nil
}

// isStructural reports whether an error must abort the run
func isStructural(err error) bool {
	if err == nil {
		return false
	}
	var dup *domain.DuplicateMappingError
	return datastore.Unavailable(err) || errors.As(err, &dup)
}
