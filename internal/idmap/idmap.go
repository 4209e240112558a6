// Package idmap holds the (entity type, source id) -> target id table that
// decides whether a record has been migrated, and to what.
package idmap

import (
	"sync"

	"github.com/lherron/sandcastle/internal/domain"
)

// Entry is one mapping
type Entry struct {
	EntityType string
	SourceID   string
	TargetID   string
}

// JournalFunc is called once for every new entry
type JournalFunc func(Entry) error

// Map is the identifier map. Entries are immutable once set.
type Map struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
	order   map[string][]string
	total   int
	journal JournalFunc
}

// New creates an empty map
func New() *Map {
	return &Map{
		entries: make(map[string]map[string]string),
		order:   make(map[string][]string),
	}
}

// SetJournal installs a hook that persists new entries
func (m *Map) SetJournal(fn JournalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = fn
}

// Put records a mapping. Mapping the same key to the same target is a no-op;
// mapping it to a different target returns a *domain.DuplicateMappingError.
func (m *Map) Put(entityType, sourceID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(entityType, sourceID, targetID, true)
}

func (m *Map) put(entityType, sourceID, targetID string, journal bool) error {
	byEntity, ok := m.entries[entityType]
	if !ok {
		byEntity = make(map[string]string)
		m.entries[entityType] = byEntity
	}
	if existing, ok := byEntity[sourceID]; ok {
		if existing == targetID {
			return nil
		}
		return &domain.DuplicateMappingError{
			EntityType: entityType,
			SourceID:   sourceID,
			Existing:   existing,
			Attempted:  targetID,
		}
	}
	if journal && m.journal != nil {
		if err := m.journal(Entry{EntityType: entityType, SourceID: sourceID, TargetID: targetID}); err != nil {
			return err
		}
	}
	byEntity[sourceID] = targetID
	m.order[entityType] = append(m.order[entityType], sourceID)
	m.total++
	return nil
}

// Load preloads entries without journaling them
func (m *Map) Load(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if err := m.put(e.EntityType, e.SourceID, e.TargetID, false); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the target id for a source record
func (m *Map) Get(entityType, sourceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[entityType][sourceID]
	return id, ok
}

// Has reports whether the source record has been migrated
func (m *Map) Has(entityType, sourceID string) bool {
	_, ok := m.Get(entityType, sourceID)
	return ok
}

// Resolve looks the source id up under each candidate entity type in turn
func (m *Map) Resolve(entityTypes []string, sourceID string) (entityType, targetID string, ok bool) {
	for _, et := range entityTypes {
		if id, found := m.Get(et, sourceID); found {
			return et, id, true
		}
	}
	return "", "", false
}

// SourceIDs returns the migrated source ids of an entity type in insertion order
func (m *Map) SourceIDs(entityType string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[entityType]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Len returns the total number of entries
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Count returns the number of entries for an entity type
func (m *Map) Count(entityType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order[entityType])
}

// Entries returns every entry grouped by entity type in insertion order
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, m.total)
	for entityType, ids := range m.order {
		for _, id := range ids {
			out = append(out, Entry{EntityType: entityType, SourceID: id, TargetID: m.entries[entityType][id]})
		}
	}
	return out
}
