// Package classify turns raw describe metadata into the field groups the
// migration engine works with.
package classify

import (
	"fmt"
	"strings"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// DefaultDiscriminatorEntity is the entity type whose references are discriminators
const DefaultDiscriminatorEntity = "RecordType"

// SystemFields are managed by the store and never written
var SystemFields = map[string]bool{
	"Id":                 true,
	"IsDeleted":          true,
	"CreatedById":        true,
	"CreatedDate":        true,
	"LastModifiedById":   true,
	"LastModifiedDate":   true,
	"SystemModstamp":     true,
	"LastActivityDate":   true,
	"LastViewedDate":     true,
	"LastReferencedDate": true,
}

// Options control classification
type Options struct {
	DiscriminatorEntity string
	// Exclude lists additional field names never written, per entity type
	Exclude map[string][]string
}

// Classification is the three disjoint field groups of an entity type.
// Excluded holds describe fields left out of the insert set.
type Classification struct {
	Entity         domain.EntityType
	Scalars        []domain.FieldDescriptor
	References     []domain.FieldDescriptor
	Discriminators []domain.FieldDescriptor
	Excluded       []string
}

// Classify builds the classification for one entity type
func Classify(entity string, fields []datastore.FieldMeta, opts Options) (*Classification, error) {
	if err := domain.ValidateEntityName(entity); err != nil {
		return nil, err
	}
	discEntity := opts.DiscriminatorEntity
	if discEntity == "" {
		discEntity = DefaultDiscriminatorEntity
	}
	excluded := make(map[string]bool)
	for _, name := range opts.Exclude[entity] {
		excluded[name] = true
	}

	c := &Classification{Entity: domain.EntityType{Name: entity}}
	seen := make(map[string]bool)
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%s: field with empty name", entity)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%s: duplicate field %s", entity, f.Name)
		}
		seen[f.Name] = true

		if SystemFields[f.Name] || !f.Createable || excluded[f.Name] {
			c.Excluded = append(c.Excluded, f.Name)
			continue
		}

		desc := describe(f, discEntity)
		switch desc.Kind {
		case domain.FieldKindDiscriminator:
			c.Discriminators = append(c.Discriminators, desc)
		case domain.FieldKindReference:
			c.References = append(c.References, desc)
		default:
			c.Scalars = append(c.Scalars, desc)
		}
		c.Entity.Fields = append(c.Entity.Fields, desc)
	}
	return c, nil
}

func describe(f datastore.FieldMeta, discEntity string) domain.FieldDescriptor {
	typ := strings.ToLower(f.Type)
	desc := domain.FieldDescriptor{
		Name:     f.Name,
		Type:     typ,
		Kind:     domain.FieldKindScalar,
		Nillable: f.Nillable,
	}
	switch typ {
	case "reference", "hierarchy":
		desc.ReferenceTo = append([]string(nil), f.ReferenceTo...)
		desc.Hierarchy = typ == "hierarchy"
		desc.Kind = domain.FieldKindReference
		if len(f.ReferenceTo) == 1 && f.ReferenceTo[0] == discEntity {
			desc.Kind = domain.FieldKindDiscriminator
		}
	case "picklist", "multipicklist":
		desc.Constrained = true
		desc.MultiValued = typ == "multipicklist"
		desc.AllowedValues = append([]string(nil), f.PicklistValues...)
	}
	return desc
}

// Field returns the descriptor of an insertable field
func (c *Classification) Field(name string) (domain.FieldDescriptor, bool) {
	return c.Entity.Field(name)
}

// InsertFields returns the insertable field names in describe order
func (c *Classification) InsertFields() []string {
	return c.Entity.FieldNames()
}

// ScopeFields returns the self-referencing and hierarchical fields, used to
// widen root queries to direct children.
func (c *Classification) ScopeFields() []string {
	var out []string
	for _, f := range c.References {
		if f.Hierarchy || f.References(c.Entity.Name) {
			out = append(out, f.Name)
		}
	}
	return out
}

// ReferencedEntities returns every entity type referenced by the entity, first-seen order
func (c *Classification) ReferencedEntities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range c.References {
		for _, ref := range f.ReferenceTo {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
