package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FieldKind represents how the migration treats a field
type FieldKind string

const (
	FieldKindScalar        FieldKind = "scalar"
	FieldKindReference     FieldKind = "reference"
	FieldKindDiscriminator FieldKind = "discriminator"
)

// SubstitutionMode represents how an unresolved reference was handled in Phase 1
type SubstitutionMode string

const (
	// SubstitutionDummy means a placeholder record id was written
	SubstitutionDummy SubstitutionMode = "dummy"
	// SubstitutionDeferred means the field was left out of the insert payload
	SubstitutionDeferred SubstitutionMode = "deferred"
)

// FieldDescriptor describes one field of an entity type
type FieldDescriptor struct {
	Name          string    `json:"name" yaml:"name"`
	Type          string    `json:"type" yaml:"type"` // declared type, e.g. string, reference, picklist
	Kind          FieldKind `json:"kind" yaml:"kind"`
	ReferenceTo   []string  `json:"reference_to,omitempty" yaml:"reference_to,omitempty"`
	Hierarchy     bool      `json:"hierarchy,omitempty" yaml:"hierarchy,omitempty"`
	Nillable      bool      `json:"nillable" yaml:"nillable"`
	Constrained   bool      `json:"constrained,omitempty" yaml:"constrained,omitempty"`
	MultiValued   bool      `json:"multi_valued,omitempty" yaml:"multi_valued,omitempty"`
	AllowedValues []string  `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
}

// References reports whether the field may point at the given entity type
func (f FieldDescriptor) References(entityType string) bool {
	for _, ref := range f.ReferenceTo {
		if ref == entityType {
			return true
		}
	}
	return false
}

// PrimaryReference returns the first referenced entity type, or ""
func (f FieldDescriptor) PrimaryReference() string {
	if len(f.ReferenceTo) == 0 {
		return ""
	}
	return f.ReferenceTo[0]
}

// EntityType is a symbolic entity name plus its ordered field descriptors.
// Treat as immutable once loaded.
type EntityType struct {
	Name   string            `json:"name" yaml:"name"`
	Fields []FieldDescriptor `json:"fields" yaml:"fields"`
}

// Field looks up a field descriptor by name
func (e EntityType) Field(name string) (FieldDescriptor, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// FieldNames returns field names in declaration order
func (e EntityType) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	return names
}

// SourceRecord is a record read from a store: its origin-assigned id plus fields
type SourceRecord struct {
	ID     string `json:"id"`
	Fields Record `json:"fields"`
}

// ScopeRef selects records whose Field holds a migrated source id of Entity
type ScopeRef struct {
	Field  string `json:"field" yaml:"field"`
	Entity string `json:"entity" yaml:"entity"`
}

// PlanStep is one entity type pass in the migration plan
type PlanStep struct {
	Entity  string     `json:"entity" yaml:"entity"`
	RootIDs []string   `json:"root_ids,omitempty" yaml:"root_ids,omitempty"`
	Scope   []ScopeRef `json:"scope,omitempty" yaml:"scope,omitempty"`

	// IncludeHierarchy widens a root step to records whose self-referencing
	// or hierarchy fields point at one of the roots.
	IncludeHierarchy bool `json:"include_hierarchy,omitempty" yaml:"include_hierarchy,omitempty"`

	// Limit caps the records fetched by this step. -1 means no limit, 0 skips the step.
	Limit int `json:"limit" yaml:"limit"`
	// LimitPerParent applies Limit to the records of each scope parent
	// rather than to the whole step.
	LimitPerParent bool `json:"limit_per_parent,omitempty" yaml:"limit_per_parent,omitempty"`

	BypassDiscriminator          bool   `json:"bypass_discriminator,omitempty" yaml:"bypass_discriminator,omitempty"`
	PlaceholderDiscriminatorID   string `json:"placeholder_discriminator_id,omitempty" yaml:"placeholder_discriminator_id,omitempty"`
	PlaceholderDiscriminatorName string `json:"placeholder_discriminator_name,omitempty" yaml:"placeholder_discriminator_name,omitempty"`
}

// IsRoot reports whether the step starts from explicit root ids
func (s PlanStep) IsRoot() bool {
	return len(s.RootIDs) > 0
}

// Label returns a short human-readable name for logs and progress output
func (s PlanStep) Label() string {
	if s.IsRoot() {
		return fmt.Sprintf("%s (roots)", s.Entity)
	}
	if len(s.Scope) == 0 {
		return s.Entity
	}
	return fmt.Sprintf("%s (by %s)", s.Entity, s.Scope[0].Field)
}

// MigrationPlan is the ordered list of steps to migrate
type MigrationPlan struct {
	Steps []PlanStep `json:"steps" yaml:"steps"`
}

// Entities returns the distinct entity types of the plan in first-seen order
func (p MigrationPlan) Entities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		if !seen[s.Entity] {
			seen[s.Entity] = true
			out = append(out, s.Entity)
		}
	}
	return out
}

// Includes reports whether entityType is migrated by any step
func (p MigrationPlan) Includes(entityType string) bool {
	for _, s := range p.Steps {
		if s.Entity == entityType {
			return true
		}
	}
	return false
}

// BypassesDiscriminator reports whether any step of entityType bypasses discriminator mapping
func (p MigrationPlan) BypassesDiscriminator(entityType string) bool {
	for _, s := range p.Steps {
		if s.Entity == entityType && s.BypassDiscriminator {
			return true
		}
	}
	return false
}

// PendingSubstitution records a reference field that was not written with its
// real target id during Phase 1.
type PendingSubstitution struct {
	EntityType       string           `json:"entity_type"`
	SourceID         string           `json:"source_id"`
	Field            string           `json:"field"`
	TargetEntityType string           `json:"target_entity_type"`
	SourceRefID      string           `json:"source_ref_id"`
	Mode             SubstitutionMode `json:"mode"`
}

// Key identifies the substitution; at most one exists per key
func (p PendingSubstitution) Key() string {
	return p.EntityType + "\x00" + p.SourceID + "\x00" + p.Field
}

// DeferredDiscriminator records a discriminator withheld at creation time
type DeferredDiscriminator struct {
	EntityType  string `json:"entity_type"`
	SourceID    string `json:"source_id"`
	Field       string `json:"field"`
	SourceValue string `json:"source_value"`
}

// DiscriminatorMapping maps a source discriminator id to the target id sharing its name
type DiscriminatorMapping struct {
	EntityType string `json:"entity_type"`
	SourceID   string `json:"source_id"`
	TargetID   string `json:"target_id"`
	Name       string `json:"name"`
}

// ValueKind is the variant tag of a Value
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindReference
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindReference:
		return "reference"
	default:
		return "null"
	}
}

// Value is a tagged field value
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

// Null returns the null value
func Null() Value { return Value{} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Reference returns a value holding another record's id
func Reference(id string) Value { return Value{kind: KindReference, str: id} }

// ValueOf converts a decoded JSON/YAML scalar into a Value
func ValueOf(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return Number(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Kind returns the variant tag
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text returns the string payload of string and reference values
func (v Value) Text() string {
	switch v.kind {
	case KindString, KindReference:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// ID returns the referenced id for reference values and non-empty strings
func (v Value) ID() (string, bool) {
	switch v.kind {
	case KindReference, KindString:
		if v.str == "" {
			return "", false
		}
		return v.str, true
	default:
		return "", false
	}
}

// Num returns the numeric payload
func (v Value) Num() float64 { return v.num }

// Truth returns the boolean payload
func (v Value) Truth() bool { return v.b }

// Equal compares two values. References and strings with the same text are equal.
func (v Value) Equal(o Value) bool {
	if v.kind == KindNull || o.kind == KindNull {
		return v.kind == o.kind
	}
	switch v.kind {
	case KindString, KindReference:
		return (o.kind == KindString || o.kind == KindReference) && v.str == o.str
	case KindNumber:
		return o.kind == KindNumber && v.num == o.num
	case KindBool:
		return o.kind == KindBool && v.b == o.b
	}
	return false
}

// Interface returns the value as a plain Go scalar
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString, KindReference:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// MarshalJSON encodes the value as a JSON scalar
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON scalar
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Record is an ordered mapping from field name to value. The zero value is empty and usable.
type Record struct {
	keys []string
	vals map[string]Value
}

// NewRecord builds a record from alternating name/value pairs
func NewRecord(pairs ...interface{}) Record {
	var r Record
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		val, err := ValueOf(pairs[i+1])
		if err != nil {
			val = String(fmt.Sprint(pairs[i+1]))
		}
		r.Set(name, val)
	}
	return r
}

// Set assigns a field, keeping its original position if it already exists
func (r *Record) Set(name string, v Value) {
	if r.vals == nil {
		r.vals = make(map[string]Value)
	}
	if _, ok := r.vals[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.vals[name] = v
}

// Get returns a field value
func (r Record) Get(name string) (Value, bool) {
	v, ok := r.vals[name]
	return v, ok
}

// Has reports whether the field is present (null counts as present)
func (r Record) Has(name string) bool {
	_, ok := r.vals[name]
	return ok
}

// Delete removes a field
func (r *Record) Delete(name string) {
	if _, ok := r.vals[name]; !ok {
		return
	}
	delete(r.vals, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields
func (r Record) Len() int { return len(r.keys) }

// Clone returns an independent copy
func (r Record) Clone() Record {
	c := Record{keys: make([]string, len(r.keys)), vals: make(map[string]Value, len(r.vals))}
	copy(c.keys, r.keys)
	for k, v := range r.vals {
		c.vals[k] = v
	}
	return c
}

// Map returns the record as a plain map
func (r Record) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.vals[k].Interface()
	}
	return out
}

// MarshalJSON encodes the record as a JSON object preserving field order
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := r.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, preserving key order.
// Nested objects (relationship payloads) are skipped.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record: expected JSON object")
	}
	*r = Record{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		val, err := ValueOf(raw)
		if err != nil {
			continue
		}
		r.Set(key, val)
	}
	_, err = dec.Token()
	return err
}
