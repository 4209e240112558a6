// Package discriminator maps record-type-like discriminator ids between two
// stores by symbolic name.
package discriminator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// ErrUnmatched is wrapped by errors for discriminators that cannot be mapped.
// The field is dropped for that record; the run continues.
var ErrUnmatched = errors.New("discriminator unmatched")

type lookup struct {
	value string
	found bool
}

// Resolver caches source names and target ids per entity type for one run
type Resolver struct {
	source datastore.Client
	target datastore.Client
	log    *zap.Logger

	mu      sync.Mutex
	names   map[string]map[string]lookup
	targets map[string]map[string]lookup
}

// New creates a resolver
func New(source, target datastore.Client, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		source:  source,
		target:  target,
		log:     log,
		names:   make(map[string]map[string]lookup),
		targets: make(map[string]map[string]lookup),
	}
}

// Resolve maps a source discriminator id of an entity type to the target id
// carrying the same name.
func (r *Resolver) Resolve(ctx context.Context, entity, sourceID string) (domain.DiscriminatorMapping, error) {
	m := domain.DiscriminatorMapping{EntityType: entity, SourceID: sourceID}

	name, err := r.sourceName(ctx, entity, sourceID)
	if err != nil {
		return m, err
	}
	m.Name = name

	targetID, err := r.TargetID(ctx, entity, name)
	if err != nil {
		return m, err
	}
	m.TargetID = targetID
	return m, nil
}

// TargetID returns the target discriminator id for a name
func (r *Resolver) TargetID(ctx context.Context, entity, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.targets[entity]
	if cache == nil {
		cache = make(map[string]lookup)
		r.targets[entity] = cache
	}
	if l, ok := cache[name]; ok {
		if !l.found {
			return "", fmt.Errorf("%s: no target discriminator named %q: %w", entity, name, ErrUnmatched)
		}
		return l.value, nil
	}

	id, found, err := r.target.FindDiscriminatorIDByName(ctx, entity, name)
	if err != nil {
		return "", fmt.Errorf("find %s discriminator %q in target: %w", entity, name, err)
	}
	cache[name] = lookup{value: id, found: found}
	if !found {
		r.log.Warn("discriminator missing in target", zap.String("entity", entity), zap.String("name", name))
		return "", fmt.Errorf("%s: no target discriminator named %q: %w", entity, name, ErrUnmatched)
	}
	return id, nil
}

func (r *Resolver) sourceName(ctx context.Context, entity, sourceID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.names[entity]
	if cache == nil {
		cache = make(map[string]lookup)
		r.names[entity] = cache
	}
	if l, ok := cache[sourceID]; ok {
		if !l.found {
			return "", fmt.Errorf("%s: source discriminator %s has no name: %w", entity, sourceID, ErrUnmatched)
		}
		return l.value, nil
	}

	name, err := r.source.GetDiscriminatorName(ctx, entity, sourceID)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		name = ""
	case err != nil:
		return "", fmt.Errorf("get %s discriminator %s from source: %w", entity, sourceID, err)
	}
	cache[sourceID] = lookup{value: name, found: name != ""}
	if name == "" {
		return "", fmt.Errorf("%s: source discriminator %s has no name: %w", entity, sourceID, ErrUnmatched)
	}
	return name, nil
}

// Mappings returns every resolved mapping so far, sorted by entity type and name
func (r *Resolver) Mappings() []domain.DiscriminatorMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DiscriminatorMapping
	for entity, names := range r.names {
		for srcID, n := range names {
			if !n.found {
				continue
			}
			if t, ok := r.targets[entity][n.value]; ok && t.found {
				out = append(out, domain.DiscriminatorMapping{EntityType: entity, SourceID: srcID, TargetID: t.value, Name: n.value})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.SourceID < b.SourceID
	})
	return out
}
