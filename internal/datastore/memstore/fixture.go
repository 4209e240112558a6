package memstore

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// Fixture is the YAML form of a store
type Fixture struct {
	Name           string           `yaml:"name"`
	Tag            string           `yaml:"tag"`
	Entities       []FixtureEntity  `yaml:"entities"`
	Discriminators []FixtureDiscrim `yaml:"record_types"`
	Flows          []FixtureFlow    `yaml:"flows"`
}

// FixtureEntity is one entity type with its records
type FixtureEntity struct {
	Name    string                `yaml:"name"`
	Prefix  string                `yaml:"prefix"`
	Unique  []string              `yaml:"unique"`
	Fields  []datastore.FieldMeta `yaml:"fields"`
	Records []FixtureRecord       `yaml:"records"`
}

// FixtureDiscrim is one discriminator record
type FixtureDiscrim struct {
	ID     string `yaml:"id"`
	Entity string `yaml:"entity"`
	Name   string `yaml:"name"`
}

// FixtureFlow is one automation definition
type FixtureFlow struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	ProcessType   string `yaml:"process_type"`
	ActiveVersion int    `yaml:"active_version"`
}

// FixtureRecord is a record with a fixed id and ordered fields
type FixtureRecord struct {
	ID     string
	Fields domain.Record
}

// UnmarshalYAML keeps the field order of the mapping
func (r *FixtureRecord) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: record must be a mapping", node.Line)
	}
	*r = FixtureRecord{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if key == "id" || key == "Id" {
			r.ID = val.Value
			continue
		}
		v, err := scalar(val)
		if err != nil {
			return fmt.Errorf("line %d: field %s: %w", val.Line, key, err)
		}
		r.Fields.Set(key, v)
	}
	if r.ID == "" {
		return fmt.Errorf("line %d: record without id", node.Line)
	}
	return nil
}

func scalar(n *yaml.Node) (domain.Value, error) {
	if n.Kind != yaml.ScalarNode {
		return domain.Value{}, fmt.Errorf("expected a scalar")
	}
	switch n.Tag {
	case "!!null":
		return domain.Null(), nil
	case "!!bool":
		b, err := strconv.ParseBool(n.Value)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Bool(b), nil
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Number(f), nil
	default:
		return domain.String(n.Value), nil
	}
}

// LoadFixture reads a YAML fixture file into a new store
func LoadFixture(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture builds a store from YAML fixture data
func ParseFixture(data []byte) (*Store, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return fx.Build()
}

// Build creates a store from the fixture
func (fx Fixture) Build() (*Store, error) {
	s := New(fx.Name, fx.Tag)
	for _, e := range fx.Entities {
		if err := domain.ValidateEntityName(e.Name); err != nil {
			return nil, err
		}
		s.DefineEntity(Schema{Name: e.Name, Prefix: e.Prefix, Fields: e.Fields, Unique: e.Unique})
	}
	for _, d := range fx.Discriminators {
		s.AddDiscriminator(d.Entity, d.ID, d.Name)
	}
	for _, f := range fx.Flows {
		s.AddFlow(datastore.Flow{ID: f.ID, Name: f.Name, ProcessType: f.ProcessType, ActiveVersion: f.ActiveVersion})
	}
	for _, e := range fx.Entities {
		for _, r := range e.Records {
			if err := s.Seed(e.Name, r.ID, r.Fields); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Pair is a source and a target fixture in one file
type Pair struct {
	Source Fixture `yaml:"source"`
	Target Fixture `yaml:"target"`
}

// LoadPair reads a two-store fixture file
func LoadPair(path string) (source, target *Store, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var p Pair
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if p.Source.Name == "" {
		p.Source.Name = "source"
	}
	if p.Target.Name == "" {
		p.Target.Name = "target"
	}
	if p.Target.Tag == "" {
		p.Target.Tag = "T"
	}
	if source, err = p.Source.Build(); err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	if target, err = p.Target.Build(); err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	return source, target, nil
}
