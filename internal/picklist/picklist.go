// Package picklist validates constrained field values against the target
// store's allowed values.
package picklist

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
)

// MultiSeparator separates the values of a multi-valued field
const MultiSeparator = ";"

// Validator caches allowed values per entity type for one run
type Validator struct {
	client datastore.Client
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]map[string]map[string]bool
	order map[string]map[string][]string
}

// New creates a validator backed by the target store
func New(client datastore.Client, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{
		client: client,
		log:    log,
		cache:  make(map[string]map[string]map[string]bool),
		order:  make(map[string]map[string][]string),
	}
}

// Prefetch loads the allowed values of every constrained field of an entity
// type with a single describe call. Later calls are served from cache.
func (v *Validator) Prefetch(ctx context.Context, entity string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load(ctx, entity)
}

func (v *Validator) load(ctx context.Context, entity string) error {
	if _, ok := v.cache[entity]; ok {
		return nil
	}
	fields, err := v.client.DescribeConstrainedFields(ctx, entity)
	if err != nil {
		return fmt.Errorf("describe constrained fields of %s: %w", entity, err)
	}
	sets := make(map[string]map[string]bool, len(fields))
	order := make(map[string][]string, len(fields))
	for field, values := range fields {
		if len(values) == 0 {
			continue
		}
		set := make(map[string]bool, len(values))
		for _, val := range values {
			set[val] = true
		}
		sets[field] = set
		order[field] = append([]string(nil), values...)
	}
	v.cache[entity] = sets
	v.order[entity] = order
	v.log.Debug("picklist values loaded", zap.String("entity", entity), zap.Int("fields", len(sets)))
	return nil
}

// Validate reports whether value is allowed for the field. A field with no
// known allowed values is unconstrained.
func (v *Validator) Validate(ctx context.Context, entity, field, value string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(ctx, entity); err != nil {
		return false, err
	}
	set, ok := v.cache[entity][field]
	if !ok {
		return true, nil
	}
	return set[value], nil
}

// Filter splits a multi-valued field into its allowed and rejected parts.
// The kept value joins the allowed parts in their original order.
func (v *Validator) Filter(ctx context.Context, entity, field, value string) (kept string, rejected []string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(ctx, entity); err != nil {
		return "", nil, err
	}
	set, ok := v.cache[entity][field]
	if !ok {
		return value, nil, nil
	}
	var allowed []string
	for _, part := range strings.Split(value, MultiSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if set[part] {
			allowed = append(allowed, part)
		} else {
			rejected = append(rejected, part)
		}
	}
	return strings.Join(allowed, MultiSeparator), rejected, nil
}

// Allowed returns the allowed values of a field in describe order, or nil if unconstrained
func (v *Validator) Allowed(ctx context.Context, entity, field string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.load(ctx, entity); err != nil {
		return nil, err
	}
	vals := v.order[entity][field]
	if vals == nil {
		return nil, nil
	}
	return append([]string(nil), vals...), nil
}
