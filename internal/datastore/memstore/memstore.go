// Package memstore is an in-memory data store enforcing the constraints the
// migration engine must cope with: referential integrity at insert time,
// unique keys, discriminators and restricted constrained values.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// MaxBatch is the largest batch a bulk call accepts
const MaxBatch = 200

// DiscriminatorEntity is the entity type holding discriminator records
const DiscriminatorEntity = "RecordType"

// Schema describes one entity type of the store
type Schema struct {
	Name   string
	Prefix string
	Fields []datastore.FieldMeta
	Unique []string
}

func (s *Schema) field(name string) (datastore.FieldMeta, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return datastore.FieldMeta{}, false
}

// DiscriminatorRecord is one named sub-variant of an entity type
type DiscriminatorRecord struct {
	ID     string
	Entity string
	Name   string
}

// WriteCall records one bulk call, for assertions on payloads
type WriteCall struct {
	Op      string
	Entity  string
	Records []domain.Record
}

// Store is the in-memory data store. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	name    string
	tag     string
	schemas map[string]*Schema
	records map[string]map[string]domain.Record
	order   map[string][]string
	discs   map[string]DiscriminatorRecord
	flows   []*datastore.Flow
	seq     int

	writes []WriteCall
	calls  map[string]int
	hooks  hooks
}

// New creates an empty store. Generated ids are the entity prefix, the tag
// and a sequence number.
func New(name, tag string) *Store {
	if tag == "" {
		tag = "0"
	}
	return &Store{
		name:    name,
		tag:     tag,
		schemas: make(map[string]*Schema),
		records: make(map[string]map[string]domain.Record),
		order:   make(map[string][]string),
		discs:   make(map[string]DiscriminatorRecord),
		calls:   make(map[string]int),
	}
}

// Name returns the store name
func (s *Store) Name() string { return s.name }

// DefineEntity registers an entity type. An Id field is added when missing.
func (s *Store) DefineEntity(schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := schema.field("Id"); !ok {
		schema.Fields = append([]datastore.FieldMeta{{Name: "Id", Type: "id"}}, schema.Fields...)
	}
	if schema.Prefix == "" {
		schema.Prefix = defaultPrefix(schema.Name)
	}
	sc := schema
	s.schemas[schema.Name] = &sc
	if _, ok := s.records[schema.Name]; !ok {
		s.records[schema.Name] = make(map[string]domain.Record)
	}
}

func defaultPrefix(entity string) string {
	p := strings.ToUpper(entity)
	for len(p) < 3 {
		p += "X"
	}
	return p[:3]
}

// AddDiscriminator registers a named discriminator for an entity type
func (s *Store) AddDiscriminator(entity, id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discs[id] = DiscriminatorRecord{ID: id, Entity: entity, Name: name}
}

// Seed inserts a record with a fixed id, bypassing validation
func (s *Store) Seed(entity, id string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schemas[entity]; !ok {
		return fmt.Errorf("%s: unknown entity %s", s.name, entity)
	}
	if _, exists := s.records[entity][id]; exists {
		return fmt.Errorf("%s: %s %s already exists", s.name, entity, id)
	}
	rec = rec.Clone()
	rec.Delete("Id")
	s.records[entity][id] = rec
	s.order[entity] = append(s.order[entity], id)
	return nil
}

// Record returns a stored record by id
func (s *Store) Record(entity, id string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[entity][id]
	if !ok {
		return domain.Record{}, false
	}
	return rec.Clone(), true
}

// IDs returns the ids of an entity type in insertion order
func (s *Store) IDs(entity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order[entity]...)
}

// Count returns the number of records of an entity type
func (s *Store) Count(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order[entity])
}

// Writes returns every bulk call made so far
func (s *Store) Writes() []WriteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteCall, len(s.writes))
	copy(out, s.writes)
	return out
}

// Calls returns how many times a Client method was called
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Store) nextID(schema *Schema) string {
	s.seq++
	return fmt.Sprintf("%s%s%014d", schema.Prefix, s.tag, s.seq)
}

// Query implements datastore.Client
func (s *Store) Query(ctx context.Context, req datastore.QueryRequest) ([]domain.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Query"]++
	if err := s.hooks.check(ctx, "Query", req.Entity); err != nil {
		return nil, err
	}
	schema, ok := s.schemas[req.Entity]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", s.name, req.Entity)
	}
	for _, f := range req.Fields {
		if _, ok := schema.field(f); !ok {
			return nil, fmt.Errorf("%s: no such column %s on %s", s.name, f, req.Entity)
		}
	}

	var out []domain.SourceRecord
	for _, id := range s.order[req.Entity] {
		rec := s.records[req.Entity][id]
		if !matches(id, rec, req.Filters) {
			continue
		}
		projected := domain.Record{}
		for _, f := range req.Fields {
			if f == "Id" {
				continue
			}
			v, ok := rec.Get(f)
			if !ok {
				v = domain.Null()
			}
			projected.Set(f, v)
		}
		out = append(out, domain.SourceRecord{ID: id, Fields: projected})
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func matches(id string, rec domain.Record, filters []datastore.Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		var have string
		if f.Field == "Id" {
			have = id
		} else if v, ok := rec.Get(f.Field); ok {
			have, _ = v.ID()
		}
		if have == "" {
			continue
		}
		for _, want := range f.IDs {
			if want == have {
				return true
			}
		}
	}
	return false
}

// BulkInsert implements datastore.Client
func (s *Store) BulkInsert(ctx context.Context, entity string, records []domain.Record) ([]datastore.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["BulkInsert"]++
	s.writes = append(s.writes, WriteCall{Op: "insert", Entity: entity, Records: cloneAll(records)})
	if err := s.hooks.check(ctx, "BulkInsert", entity); err != nil {
		return nil, err
	}
	schema, err := s.writable(entity, records)
	if err != nil {
		return nil, err
	}

	results := make([]datastore.WriteResult, len(records))
	for i, rec := range records {
		results[i].Index = i
		if werr := s.hooks.recordError(entity, rec); werr != nil {
			results[i].Err = werr
			continue
		}
		if werr := s.validate(schema, "", rec, true); werr != nil {
			results[i].Err = werr
			continue
		}
		id := s.nextID(schema)
		stored := rec.Clone()
		stored.Delete("Id")
		s.records[entity][id] = stored
		s.order[entity] = append(s.order[entity], id)
		results[i].ID = id
	}
	return results, nil
}

// BulkUpdate implements datastore.Client
func (s *Store) BulkUpdate(ctx context.Context, entity string, records []domain.Record) ([]datastore.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["BulkUpdate"]++
	s.writes = append(s.writes, WriteCall{Op: "update", Entity: entity, Records: cloneAll(records)})
	if err := s.hooks.check(ctx, "BulkUpdate", entity); err != nil {
		return nil, err
	}
	schema, err := s.writable(entity, records)
	if err != nil {
		return nil, err
	}

	results := make([]datastore.WriteResult, len(records))
	for i, rec := range records {
		results[i].Index = i
		idVal, _ := rec.Get("Id")
		id, ok := idVal.ID()
		if !ok {
			results[i].Err = &datastore.WriteError{Code: datastore.CodeRequiredMissing, Message: "Id is required for update", Fields: []string{"Id"}}
			continue
		}
		current, exists := s.records[entity][id]
		if !exists {
			results[i].Err = &datastore.WriteError{Code: datastore.CodeNotFound, Message: fmt.Sprintf("entity is deleted or does not exist: %s", id)}
			continue
		}
		if werr := s.hooks.recordError(entity, rec); werr != nil {
			results[i].Err = werr
			continue
		}
		changes := rec.Clone()
		changes.Delete("Id")
		if werr := s.validate(schema, id, changes, false); werr != nil {
			results[i].Err = werr
			continue
		}
		updated := current.Clone()
		for _, k := range changes.Keys() {
			v, _ := changes.Get(k)
			updated.Set(k, v)
		}
		s.records[entity][id] = updated
		results[i].ID = id
	}
	return results, nil
}

// BulkDelete implements datastore.Client. A record still referenced by a
// record outside the batch cannot be deleted, so children go first.
func (s *Store) BulkDelete(ctx context.Context, entity string, ids []string) ([]datastore.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["BulkDelete"]++
	records := make([]domain.Record, len(ids))
	for i, id := range ids {
		records[i] = domain.NewRecord("Id", id)
	}
	s.writes = append(s.writes, WriteCall{Op: "delete", Entity: entity, Records: cloneAll(records)})
	if err := s.hooks.check(ctx, "BulkDelete", entity); err != nil {
		return nil, err
	}
	if _, err := s.writable(entity, records); err != nil {
		return nil, err
	}

	batch := make(map[string]bool, len(ids))
	for _, id := range ids {
		batch[id] = true
	}
	results := make([]datastore.WriteResult, len(ids))
	for i, id := range ids {
		results[i].Index = i
		if _, exists := s.records[entity][id]; !exists {
			results[i].Err = &datastore.WriteError{Code: datastore.CodeNotFound, Message: fmt.Sprintf("entity is deleted or does not exist: %s", id)}
			continue
		}
		if werr := s.hooks.recordError(entity, records[i]); werr != nil {
			results[i].Err = werr
			continue
		}
		if refEntity, refID, ok := s.referrer(id, batch); ok {
			results[i].Err = &datastore.WriteError{
				Code:    datastore.CodeDeleteFailed,
				Message: fmt.Sprintf("%s %s is referenced by %s %s", entity, id, refEntity, refID),
			}
			continue
		}
		delete(s.records[entity], id)
		results[i].ID = id
	}

	kept := s.order[entity][:0]
	for _, id := range s.order[entity] {
		if _, exists := s.records[entity][id]; exists {
			kept = append(kept, id)
		}
	}
	s.order[entity] = kept
	return results, nil
}

// referrer finds a record outside skip whose reference field holds id
func (s *Store) referrer(id string, skip map[string]bool) (string, string, bool) {
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schema := s.schemas[name]
		for _, recID := range s.order[name] {
			if skip[recID] {
				continue
			}
			if _, exists := s.records[name][recID]; !exists {
				continue
			}
			rec := s.records[name][recID]
			for _, meta := range schema.Fields {
				if meta.Type != "reference" && meta.Type != "hierarchy" {
					continue
				}
				if v, ok := rec.Get(meta.Name); ok {
					if ref, ok := v.ID(); ok && ref == id {
						return name, recID, true
					}
				}
			}
		}
	}
	return "", "", false
}

func (s *Store) writable(entity string, records []domain.Record) (*Schema, error) {
	schema, ok := s.schemas[entity]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", s.name, entity)
	}
	if len(records) > MaxBatch {
		return nil, fmt.Errorf("%s: batch of %d exceeds limit of %d", s.name, len(records), MaxBatch)
	}
	return schema, nil
}

// validate checks a payload. selfID is empty for inserts.
func (s *Store) validate(schema *Schema, selfID string, rec domain.Record, insert bool) *datastore.WriteError {
	for _, name := range rec.Keys() {
		if name == "Id" {
			continue
		}
		meta, ok := schema.field(name)
		if !ok {
			return &datastore.WriteError{Code: datastore.CodeInvalidField, Message: fmt.Sprintf("No such column '%s' on entity '%s'", name, schema.Name), Fields: []string{name}}
		}
		if insert && !meta.Createable || !insert && !meta.Createable && !meta.Updateable {
			return &datastore.WriteError{Code: datastore.CodeInvalidField, Message: fmt.Sprintf("Unable to write field '%s'", name), Fields: []string{name}}
		}
		v, _ := rec.Get(name)
		if v.IsNull() {
			if !meta.Nillable && meta.Type != "boolean" {
				return &datastore.WriteError{Code: datastore.CodeRequiredMissing, Message: fmt.Sprintf("Required fields are missing: [%s]", name), Fields: []string{name}}
			}
			continue
		}
		if werr := s.checkValue(schema, meta, v); werr != nil {
			return werr
		}
	}

	if insert {
		for _, meta := range schema.Fields {
			if meta.Name == "Id" || !meta.Createable || meta.Nillable || meta.Type == "boolean" {
				continue
			}
			if !rec.Has(meta.Name) {
				return &datastore.WriteError{Code: datastore.CodeRequiredMissing, Message: fmt.Sprintf("Required fields are missing: [%s]", meta.Name), Fields: []string{meta.Name}}
			}
		}
	}

	for _, field := range schema.Unique {
		v, ok := rec.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		for _, id := range s.order[schema.Name] {
			if id == selfID {
				continue
			}
			other, _ := s.records[schema.Name][id].Get(field)
			if other.Equal(v) {
				return &datastore.WriteError{
					Code:    datastore.CodeDuplicate,
					Message: fmt.Sprintf("duplicate value found: %s duplicates value on record with id: %s", field, id),
					Fields:  []string{field},
				}
			}
		}
	}
	return nil
}

func (s *Store) checkValue(schema *Schema, meta datastore.FieldMeta, v domain.Value) *datastore.WriteError {
	switch meta.Type {
	case "reference", "hierarchy":
		id, ok := v.ID()
		if !ok {
			return crossRef(meta.Name, v.Text())
		}
		if len(meta.ReferenceTo) == 1 && meta.ReferenceTo[0] == DiscriminatorEntity {
			d, ok := s.discs[id]
			if !ok || d.Entity != schema.Name {
				return crossRef(meta.Name, id)
			}
			return nil
		}
		checked := false
		for _, ref := range meta.ReferenceTo {
			if _, known := s.schemas[ref]; !known {
				continue
			}
			checked = true
			if _, exists := s.records[ref][id]; exists {
				return nil
			}
		}
		if checked {
			return crossRef(meta.Name, id)
		}
	case "picklist":
		if len(meta.PicklistValues) > 0 && !contains(meta.PicklistValues, v.Text()) {
			return badPicklist(meta.Name, v.Text())
		}
	case "multipicklist":
		if len(meta.PicklistValues) == 0 {
			return nil
		}
		for _, part := range strings.Split(v.Text(), ";") {
			if !contains(meta.PicklistValues, strings.TrimSpace(part)) {
				return badPicklist(meta.Name, part)
			}
		}
	}
	return nil
}

func crossRef(field, id string) *datastore.WriteError {
	return &datastore.WriteError{
		Code:    datastore.CodeInvalidCrossRef,
		Message: fmt.Sprintf("invalid cross reference id: %s", id),
		Fields:  []string{field},
	}
}

func badPicklist(field, value string) *datastore.WriteError {
	return &datastore.WriteError{
		Code:    datastore.CodeBadPicklist,
		Message: fmt.Sprintf("bad value for restricted picklist field: %s", value),
		Fields:  []string{field},
	}
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func cloneAll(records []domain.Record) []domain.Record {
	out := make([]domain.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// DescribeConstrainedFields implements datastore.Client
func (s *Store) DescribeConstrainedFields(ctx context.Context, entity string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["DescribeConstrainedFields"]++
	if err := s.hooks.check(ctx, "DescribeConstrainedFields", entity); err != nil {
		return nil, err
	}
	schema, ok := s.schemas[entity]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", s.name, entity)
	}
	out := make(map[string][]string)
	for _, f := range schema.Fields {
		if f.Type == "picklist" || f.Type == "multipicklist" {
			out[f.Name] = append([]string(nil), f.PicklistValues...)
		}
	}
	return out, nil
}

// Describe implements datastore.Client
func (s *Store) Describe(ctx context.Context, entity string) ([]datastore.FieldMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Describe"]++
	if err := s.hooks.check(ctx, "Describe", entity); err != nil {
		return nil, err
	}
	schema, ok := s.schemas[entity]
	if !ok {
		return nil, fmt.Errorf("%s: unknown entity %s", s.name, entity)
	}
	return append([]datastore.FieldMeta(nil), schema.Fields...), nil
}

// GetDiscriminatorName implements datastore.Client
func (s *Store) GetDiscriminatorName(ctx context.Context, entity, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetDiscriminatorName"]++
	if err := s.hooks.check(ctx, "GetDiscriminatorName", entity); err != nil {
		return "", err
	}
	d, ok := s.discs[id]
	if !ok || d.Entity != entity {
		return "", fmt.Errorf("%s: discriminator %s of %s: %w", s.name, id, entity, datastore.ErrNotFound)
	}
	return d.Name, nil
}

// FindDiscriminatorIDByName implements datastore.Client
func (s *Store) FindDiscriminatorIDByName(ctx context.Context, entity, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["FindDiscriminatorIDByName"]++
	if err := s.hooks.check(ctx, "FindDiscriminatorIDByName", entity); err != nil {
		return "", false, err
	}
	ids := make([]string, 0, len(s.discs))
	for id := range s.discs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := s.discs[id]
		if d.Entity == entity && d.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

// AddFlow registers an automation definition
func (s *Store) AddFlow(f datastore.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, &f)
}

// FlowVersion returns the active version of a flow, 0 when inactive
func (s *Store) FlowVersion(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flows {
		if f.ID == id {
			return f.ActiveVersion, true
		}
	}
	return 0, false
}

// ActiveFlows implements datastore.FlowController
func (s *Store) ActiveFlows(ctx context.Context) ([]datastore.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ActiveFlows"]++
	if err := s.hooks.check(ctx, "ActiveFlows", "Flow"); err != nil {
		return nil, err
	}
	var out []datastore.Flow
	for _, f := range s.flows {
		if f.ActiveVersion > 0 {
			out = append(out, *f)
		}
	}
	return out, nil
}

// SetActiveVersion implements datastore.FlowController
func (s *Store) SetActiveVersion(ctx context.Context, flowID string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["SetActiveVersion"]++
	if err := s.hooks.check(ctx, "SetActiveVersion", flowID); err != nil {
		return err
	}
	if version < 0 {
		return fmt.Errorf("%s: flow %s: invalid version %d", s.name, flowID, version)
	}
	for _, f := range s.flows {
		if f.ID == flowID {
			f.ActiveVersion = version
			return nil
		}
	}
	return fmt.Errorf("%s: flow %s: %w", s.name, flowID, datastore.ErrNotFound)
}

var (
	_ datastore.Client         = (*Store)(nil)
	_ datastore.FlowController = (*Store)(nil)
)
