// Package datastore defines the transport the migration engine talks to.
// Implementations live in subpackages.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lherron/sandcastle/internal/domain"
)

// ErrUnavailable marks a structural transport failure. A run aborts when a
// call fails with an error wrapping it.
var ErrUnavailable = errors.New("data store unavailable")

// Unavailable reports whether err is structural: the store is unreachable
// or the call was cancelled.
func Unavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrNotFound is returned when a single record lookup finds nothing
var ErrNotFound = errors.New("not found")

// Error codes carried by WriteError
const (
	CodeDuplicate       = "DUPLICATE_VALUE"
	CodeInvalidCrossRef = "INVALID_CROSS_REFERENCE_KEY"
	CodeBadPicklist     = "INVALID_OR_NULL_FOR_RESTRICTED_PICKLIST"
	CodeRequiredMissing = "REQUIRED_FIELD_MISSING"
	CodeInvalidField    = "INVALID_FIELD"
	CodeNotFound        = "ENTITY_IS_DELETED"
	CodeDeleteFailed    = "DELETE_FAILED"
)

// FieldMeta is raw field metadata as reported by a store's describe call
type FieldMeta struct {
	Name           string   `json:"name" yaml:"name"`
	Type           string   `json:"type" yaml:"type"`
	ReferenceTo    []string `json:"referenceTo,omitempty" yaml:"reference_to,omitempty"`
	Nillable       bool     `json:"nillable" yaml:"nillable"`
	Createable     bool     `json:"createable" yaml:"createable"`
	Updateable     bool     `json:"updateable" yaml:"updateable"`
	PicklistValues []string `json:"picklistValues,omitempty" yaml:"picklist_values,omitempty"`
}

// Filter selects records whose Field holds one of IDs
type Filter struct {
	Field string
	IDs   []string
}

// QueryRequest selects records of one entity type. Filters are combined with OR.
// A Limit <= 0 means no limit.
type QueryRequest struct {
	Entity  string
	Fields  []string
	Filters []Filter
	Limit   int
}

// WriteError is a per-record failure reported by a bulk call
type WriteError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

func (e *WriteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteResult is the outcome of one record of a bulk call, by input index
type WriteResult struct {
	Index int
	ID    string
	Err   *WriteError
}

// OK reports whether the record was written
func (r WriteResult) OK() bool {
	return r.Err == nil && r.ID != ""
}

// Client is the data store transport. Bulk calls return one result per
// input record; an error return means the call failed as a whole.
type Client interface {
	Query(ctx context.Context, req QueryRequest) ([]domain.SourceRecord, error)
	BulkInsert(ctx context.Context, entity string, records []domain.Record) ([]WriteResult, error)
	// BulkUpdate records must carry an "Id" field.
	BulkUpdate(ctx context.Context, entity string, records []domain.Record) ([]WriteResult, error)
	// BulkDelete results carry the deleted id on success.
	BulkDelete(ctx context.Context, entity string, ids []string) ([]WriteResult, error)
	DescribeConstrainedFields(ctx context.Context, entity string) (map[string][]string, error)
	GetDiscriminatorName(ctx context.Context, entity, id string) (string, error)
	FindDiscriminatorIDByName(ctx context.Context, entity, name string) (string, bool, error)
	Describe(ctx context.Context, entity string) ([]FieldMeta, error)
}
