// Package dummy creates placeholder records for references that cannot be
// resolved at insert time and tracks the substitutions made with them.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// RefPrefix marks a template value that refers to another entity type's dummy
const RefPrefix = "@dummy:"

// Template describes how to obtain the dummy of one entity type: either an
// existing target id, or the fields of a record to create.
type Template struct {
	ID     string
	Fields domain.Record
}

// JournalFunc persists substitution changes. resolved is false when the
// substitution is committed and true when it is resolved.
type JournalFunc func(sub domain.PendingSubstitution, resolved bool) error

// Resolver owns the dummies and pending substitutions of one run
type Resolver struct {
	target    datastore.Client
	templates map[string]Template
	log       *zap.Logger

	mu       sync.Mutex
	ids      map[string]string
	dummyIDs map[string]bool
	failures map[string]error
	pending  map[string]domain.PendingSubstitution
	order    []string
	journal  JournalFunc
}

// New creates a resolver creating dummies in target
func New(target datastore.Client, templates map[string]Template, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		target:    target,
		templates: templates,
		log:       log,
		ids:       make(map[string]string),
		dummyIDs:  make(map[string]bool),
		failures:  make(map[string]error),
		pending:   make(map[string]domain.PendingSubstitution),
	}
}

// SetJournal installs a persistence hook
func (r *Resolver) SetJournal(fn JournalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal = fn
}

// Prepare creates the dummy of every listed entity type that has a template.
// Entity types without a template get no dummy; their references are deferred.
// A creation failure is recorded in Failures; an error return means the
// target store is unavailable.
func (r *Resolver) Prepare(ctx context.Context, entities []string) error {
	sorted := append([]string(nil), entities...)
	sort.Strings(sorted)
	for _, entity := range sorted {
		if _, ok := r.templates[entity]; !ok {
			continue
		}
		if _, err := r.ensure(ctx, entity, nil); err != nil {
			if errors.Is(err, datastore.ErrUnavailable) || ctx.Err() != nil {
				return err
			}
			r.mu.Lock()
			r.failures[entity] = err
			r.mu.Unlock()
			r.log.Warn("dummy not created", zap.String("entity", entity), zap.Error(err))
		}
	}
	return nil
}

// Stage gives every listed entity type with a template a dummy id without
// writing to the target: the template id when set, otherwise a stand-in.
// It is used by dry runs so references show what Phase 1 would write.
func (r *Resolver) Stage(entities []string) {
	for _, entity := range entities {
		tmpl, ok := r.templates[entity]
		if !ok {
			continue
		}
		id := tmpl.ID
		if id == "" {
			id = StandIn(entity)
		}
		r.adopt(entity, id)
	}
}

// StandIn is the dummy id shown for an entity type whose dummy a dry run
// would create
func StandIn(entity string) string {
	return "<dummy " + entity + ">"
}

var errTemplate = errors.New("invalid dummy template")

func (r *Resolver) ensure(ctx context.Context, entity string, chain []string) (string, error) {
	r.mu.Lock()
	if id, ok := r.ids[entity]; ok {
		r.mu.Unlock()
		return id, nil
	}
	if err, failed := r.failures[entity]; failed {
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()

	for _, c := range chain {
		if c == entity {
			return "", fmt.Errorf("%s: %w: cycle %s", entity, errTemplate, strings.Join(append(chain, entity), " -> "))
		}
	}
	tmpl, ok := r.templates[entity]
	if !ok {
		return "", fmt.Errorf("%s: %w: no template", entity, errTemplate)
	}

	if tmpl.ID != "" {
		r.adopt(entity, tmpl.ID)
		r.log.Info("using existing dummy", zap.String("entity", entity), zap.String("id", tmpl.ID))
		return tmpl.ID, nil
	}

	payload := domain.Record{}
	for _, field := range tmpl.Fields.Keys() {
		v, _ := tmpl.Fields.Get(field)
		if v.Kind() == domain.KindString && strings.HasPrefix(v.Text(), RefPrefix) {
			refEntity := strings.TrimPrefix(v.Text(), RefPrefix)
			refID, err := r.ensure(ctx, refEntity, append(chain, entity))
			if err != nil {
				return "", fmt.Errorf("%s.%s: %w", entity, field, err)
			}
			v = domain.Reference(refID)
		}
		payload.Set(field, v)
	}

	results, err := r.target.BulkInsert(ctx, entity, []domain.Record{payload})
	if err != nil {
		return "", fmt.Errorf("create %s dummy: %w", entity, err)
	}
	if len(results) != 1 {
		return "", fmt.Errorf("create %s dummy: expected 1 result, got %d", entity, len(results))
	}
	res := results[0]
	if res.Err != nil {
		existing, ok := datastore.ExistingID(res.Err)
		if !ok {
			return "", fmt.Errorf("create %s dummy: %w", entity, res.Err)
		}
		r.log.Info("reusing existing dummy", zap.String("entity", entity), zap.String("id", existing))
		r.adopt(entity, existing)
		return existing, nil
	}
	r.log.Info("dummy created", zap.String("entity", entity), zap.String("id", res.ID))
	r.adopt(entity, res.ID)
	return res.ID, nil
}

func (r *Resolver) adopt(entity, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[entity] = id
	r.dummyIDs[id] = true
}

// ID returns the dummy id of an entity type
func (r *Resolver) ID(entity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[entity]
	return id, ok
}

// IsDummy reports whether a target id belongs to a dummy record.
// Dummy ids are never valid resolutions.
func (r *Resolver) IsDummy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dummyIDs[id]
}

// IDs returns the dummy id per entity type
func (r *Resolver) IDs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}
	return out
}

// Failures returns the entity types whose dummy could not be created
func (r *Resolver) Failures() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failures))
	for k, v := range r.failures {
		out[k] = v
	}
	return out
}

// Substitute decides the Phase 1 value of an unresolved reference. candidates
// are the referenced entity types that the plan migrates. When one of them has
// a dummy, the dummy id is returned with write=true; otherwise the field is
// deferred and write is false. The substitution is not tracked until Commit.
func (r *Resolver) Substitute(entity, sourceID, field string, candidates []string, refSourceID string) (sub domain.PendingSubstitution, value domain.Value, write bool) {
	sub = domain.PendingSubstitution{
		EntityType:  entity,
		SourceID:    sourceID,
		Field:       field,
		SourceRefID: refSourceID,
		Mode:        domain.SubstitutionDeferred,
	}
	if len(candidates) > 0 {
		sub.TargetEntityType = candidates[0]
	}
	for _, c := range candidates {
		if id, ok := r.ID(c); ok {
			sub.TargetEntityType = c
			sub.Mode = domain.SubstitutionDummy
			return sub, domain.Reference(id), true
		}
	}
	return sub, domain.Null(), false
}

// Commit starts tracking substitutions of a record that now exists in the target
func (r *Resolver) Commit(subs ...domain.PendingSubstitution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		key := sub.Key()
		if _, exists := r.pending[key]; exists {
			continue
		}
		if r.journal != nil {
			if err := r.journal(sub, false); err != nil {
				return err
			}
		}
		r.pending[key] = sub
		r.order = append(r.order, key)
	}
	return nil
}

// Load restores substitutions from a previous run without journaling them
func (r *Resolver) Load(subs []domain.PendingSubstitution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		key := sub.Key()
		if _, exists := r.pending[key]; exists {
			continue
		}
		r.pending[key] = sub
		r.order = append(r.order, key)
	}
}

// Resolve stops tracking a substitution
func (r *Resolver) Resolve(sub domain.PendingSubstitution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sub.Key()
	if _, exists := r.pending[key]; !exists {
		return nil
	}
	if r.journal != nil {
		if err := r.journal(sub, true); err != nil {
			return err
		}
	}
	delete(r.pending, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Pending returns the outstanding substitutions of an entity type in commit order
func (r *Resolver) Pending(entity string) []domain.PendingSubstitution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PendingSubstitution
	for _, key := range r.order {
		if sub := r.pending[key]; sub.EntityType == entity {
			out = append(out, sub)
		}
	}
	return out
}

// Outstanding returns every tracked substitution in commit order
func (r *Resolver) Outstanding() []domain.PendingSubstitution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PendingSubstitution, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.pending[key])
	}
	return out
}
