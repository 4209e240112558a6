package domain

import (
	"fmt"
	"strings"
)

// DuplicateMappingError is returned when an identifier would be remapped to a
// different target id. It is fatal for a run.
type DuplicateMappingError struct {
	EntityType string
	SourceID   string
	Existing   string
	Attempted  string
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("duplicate mapping for %s %s: already mapped to %s, got %s",
		e.EntityType, e.SourceID, e.Existing, e.Attempted)
}

// BatchWriteError is returned when a bulk call fails as a whole
type BatchWriteError struct {
	EntityType string
	Size       int
	Err        error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("bulk write of %d %s records failed: %v", e.Size, e.EntityType, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// ValidationError describes a field value rejected by a constrained field
type ValidationError struct {
	EntityType string
	SourceID   string
	Field      string
	Value      string
	Allowed    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: value %q not allowed for %s (allowed: %s)",
		e.EntityType, e.SourceID, e.Value, e.Field, strings.Join(e.Allowed, ", "))
}

// UnresolvedReferenceError marks a reference dropped because it can never be resolved
type UnresolvedReferenceError struct {
	EntityType string
	SourceID   string
	Field      string
	Reason     string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s %s: reference %s dropped: %s", e.EntityType, e.SourceID, e.Field, e.Reason)
}

// UnresolvedSubstitutionError reports a pending substitution Phase 2 could not resolve
type UnresolvedSubstitutionError struct {
	Substitution PendingSubstitution
	Reason       string
	Cleared      bool
}

func (e *UnresolvedSubstitutionError) Error() string {
	s := e.Substitution
	msg := fmt.Sprintf("%s %s: %s -> %s %s unresolved: %s",
		s.EntityType, s.SourceID, s.Field, s.TargetEntityType, s.SourceRefID, e.Reason)
	if e.Cleared {
		msg += " (cleared)"
	}
	return msg
}
