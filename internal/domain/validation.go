package domain

import (
	"fmt"
	"regexp"
	"time"
)

// EntityNameRegex validates an entity type name (API name style)
var EntityNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateEntityName validates an entity type name
func ValidateEntityName(name string) error {
	if !EntityNameRegex.MatchString(name) {
		return fmt.Errorf("invalid entity name %q: must start with a letter and contain only letters, digits and underscores", name)
	}
	return nil
}

// ValidateFieldKind validates a field kind
func ValidateFieldKind(kind FieldKind) error {
	switch kind {
	case FieldKindScalar, FieldKindReference, FieldKindDiscriminator:
		return nil
	default:
		return fmt.Errorf("invalid field kind: must be one of: scalar, reference, discriminator")
	}
}

// ValidateLimit validates a step limit
func ValidateLimit(limit int) error {
	if limit < -1 {
		return fmt.Errorf("invalid limit %d: must be -1 (all), 0 (skip) or positive", limit)
	}
	return nil
}

// Validate checks a plan step in isolation
func (s PlanStep) Validate() error {
	if err := ValidateEntityName(s.Entity); err != nil {
		return err
	}
	if err := ValidateLimit(s.Limit); err != nil {
		return fmt.Errorf("%s: %w", s.Entity, err)
	}
	if s.IsRoot() && len(s.Scope) > 0 {
		return fmt.Errorf("%s: a step takes either root_ids or scope, not both", s.Entity)
	}
	if !s.IsRoot() && len(s.Scope) == 0 {
		return fmt.Errorf("%s: a step needs root_ids or scope", s.Entity)
	}
	for _, ref := range s.Scope {
		if ref.Field == "" {
			return fmt.Errorf("%s: scope field is required", s.Entity)
		}
		if err := ValidateEntityName(ref.Entity); err != nil {
			return fmt.Errorf("%s: scope %s: %w", s.Entity, ref.Field, err)
		}
	}
	if s.LimitPerParent && s.IsRoot() {
		return fmt.Errorf("%s: limit_per_parent only applies to scoped steps", s.Entity)
	}
	if s.IncludeHierarchy && !s.IsRoot() {
		return fmt.Errorf("%s: include_hierarchy only applies to root steps", s.Entity)
	}
	if s.PlaceholderDiscriminatorID != "" && s.PlaceholderDiscriminatorName != "" {
		return fmt.Errorf("%s: set placeholder_discriminator_id or placeholder_discriminator_name, not both", s.Entity)
	}
	if (s.PlaceholderDiscriminatorID != "" || s.PlaceholderDiscriminatorName != "") && !s.BypassDiscriminator {
		return fmt.Errorf("%s: a placeholder discriminator requires bypass_discriminator", s.Entity)
	}
	return nil
}

// Validate checks the plan as a whole. A scope entity must be migrated by an
// earlier step, since scope ids come from the identifier map.
func (p MigrationPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]bool)
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		for _, ref := range s.Scope {
			if !seen[ref.Entity] {
				return fmt.Errorf("step %d: %s is scoped on %s, which no earlier step migrates", i+1, s.Entity, ref.Entity)
			}
		}
		seen[s.Entity] = true
	}
	return nil
}

// ValidateTimestamp validates and parses an ISO8601 timestamp
func ValidateTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format: expected ISO8601/RFC3339")
	}
	return t, nil
}
