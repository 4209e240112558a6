package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateEntityName(t *testing.T) {
	tests := []struct {
		name    string
		entity  string
		wantErr bool
	}{
		{name: "standard", entity: "Account", wantErr: false},
		{name: "custom", entity: "Invoice__c", wantErr: false},
		{name: "empty", entity: "", wantErr: true},
		{name: "leading digit", entity: "1Account", wantErr: true},
		{name: "space", entity: "Account Team", wantErr: true},
		{name: "injection", entity: "Account'--", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityName(tt.entity)
			if tt.wantErr && err == nil {
				t.Error("ValidateEntityName() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateEntityName() unexpected error: %v", err)
			}
		})
	}
}

func TestValidateLimit(t *testing.T) {
	tests := []struct {
		limit   int
		wantErr bool
	}{
		{limit: -1, wantErr: false},
		{limit: 0, wantErr: false},
		{limit: 50, wantErr: false},
		{limit: -2, wantErr: true},
	}

	for _, tt := range tests {
		err := ValidateLimit(tt.limit)
		if tt.wantErr != (err != nil) {
			t.Errorf("ValidateLimit(%d) error = %v, wantErr %v", tt.limit, err, tt.wantErr)
		}
	}
}

func TestMigrationPlan_Validate(t *testing.T) {
	root := PlanStep{Entity: "Account", RootIDs: []string{"001A"}, Limit: -1}
	contacts := PlanStep{Entity: "Contact", Scope: []ScopeRef{{Field: "AccountId", Entity: "Account"}}, Limit: -1}

	tests := []struct {
		name    string
		plan    MigrationPlan
		wantErr string
	}{
		{
			name: "valid",
			plan: MigrationPlan{Steps: []PlanStep{root, contacts}},
		},
		{
			name:    "empty",
			plan:    MigrationPlan{},
			wantErr: "no steps",
		},
		{
			name:    "scope before its entity",
			plan:    MigrationPlan{Steps: []PlanStep{contacts, root}},
			wantErr: "no earlier step migrates",
		},
		{
			name:    "per-parent limit on a root step",
			plan:    MigrationPlan{Steps: []PlanStep{{Entity: "Account", RootIDs: []string{"001A"}, Limit: 5, LimitPerParent: true}}},
			wantErr: "limit_per_parent only applies to scoped steps",
		},
		{
			name: "per-parent limit on a scoped step",
			plan: MigrationPlan{Steps: []PlanStep{root, {Entity: "Contact", Scope: contacts.Scope, Limit: 2, LimitPerParent: true}}},
		},
		{
			name:    "neither roots nor scope",
			plan:    MigrationPlan{Steps: []PlanStep{{Entity: "Account", Limit: -1}}},
			wantErr: "needs root_ids or scope",
		},
		{
			name: "roots and scope",
			plan: MigrationPlan{Steps: []PlanStep{root, {
				Entity: "Account", RootIDs: []string{"001B"}, Scope: []ScopeRef{{Field: "ParentId", Entity: "Account"}},
			}}},
			wantErr: "not both",
		},
		{
			name: "placeholder without bypass",
			plan: MigrationPlan{Steps: []PlanStep{{
				Entity: "Account", RootIDs: []string{"001A"}, PlaceholderDiscriminatorName: "Default",
			}}},
			wantErr: "requires bypass_discriminator",
		},
		{
			name: "hierarchy on scoped step",
			plan: MigrationPlan{Steps: []PlanStep{root, {
				Entity: "Contact", Scope: []ScopeRef{{Field: "AccountId", Entity: "Account"}}, IncludeHierarchy: true,
			}}},
			wantErr: "only applies to root steps",
		},
		{
			name:    "bad limit",
			plan:    MigrationPlan{Steps: []PlanStep{{Entity: "Account", RootIDs: []string{"001A"}, Limit: -5}}},
			wantErr: "invalid limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuplicateMappingError(t *testing.T) {
	var err error = &DuplicateMappingError{EntityType: "Account", SourceID: "001A", Existing: "001X", Attempted: "001Y"}

	want := "duplicate mapping for Account 001A: already mapped to 001X, got 001Y"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := errors.Join(errors.New("phase 1"), err)
	var dupErr *DuplicateMappingError
	if !errors.As(wrapped, &dupErr) {
		t.Fatal("errors.As failed on wrapped DuplicateMappingError")
	}
	if dupErr.Existing != "001X" {
		t.Errorf("Existing = %q, want 001X", dupErr.Existing)
	}
}

func TestBatchWriteError_Unwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := &BatchWriteError{EntityType: "Contact", Size: 200, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(BatchWriteError, cause) = false")
	}
}

func TestMigrationReport_ExitCode(t *testing.T) {
	r := NewMigrationReport("run-1")
	r.AddCreated("Account", 2)
	if got := r.ExitCode(); got != 0 {
		t.Errorf("ExitCode() clean = %d, want 0", got)
	}

	r.Unresolve(&UnresolvedSubstitutionError{
		Substitution: PendingSubstitution{EntityType: "Account", SourceID: "001A", Field: "ParentId"},
		Reason:       "target never migrated",
	})
	if got := r.ExitCode(); got != 5 {
		t.Errorf("ExitCode() partial = %d, want 5", got)
	}

	r.Fail(errors.New("store unavailable"))
	if got := r.ExitCode(); got != 1 {
		t.Errorf("ExitCode() failed = %d, want 1", got)
	}
	if r.TotalCreated() != 2 {
		t.Errorf("TotalCreated() = %d, want 2", r.TotalCreated())
	}
}

func BenchmarkMigrationPlan_Validate(b *testing.B) {
	plan := MigrationPlan{Steps: []PlanStep{
		{Entity: "Account", RootIDs: []string{"001A"}, Limit: -1},
		{Entity: "Contact", Scope: []ScopeRef{{Field: "AccountId", Entity: "Account"}}, Limit: -1},
	}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		plan.Validate()
	}
}
