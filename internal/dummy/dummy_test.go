package dummy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/datastore/memstore"
	"github.com/lherron/sandcastle/internal/domain"
)

func targetStore() *memstore.Store {
	s := memstore.New("sandbox", "T")
	s.DefineEntity(memstore.Schema{Name: "Account", Prefix: "001", Unique: []string{"Name"}, Fields: []datastore.FieldMeta{
		{Name: "Name", Type: "string", Createable: true},
	}})
	s.DefineEntity(memstore.Schema{Name: "Contact", Prefix: "003", Fields: []datastore.FieldMeta{
		{Name: "LastName", Type: "string", Createable: true},
		{Name: "AccountId", Type: "reference", ReferenceTo: []string{"Account"}, Createable: true},
	}})
	return s
}

func TestPrepare_CreatesWithDummyReferences(t *testing.T) {
	store := targetStore()
	r := New(store, map[string]Template{
		"Contact": {Fields: domain.NewRecord("LastName", "Placeholder", "AccountId", "@dummy:Account")},
		"Account": {Fields: domain.NewRecord("Name", "Sandcastle Placeholder")},
	}, nil)

	require.NoError(t, r.Prepare(context.Background(), []string{"Contact", "Account", "Case"}))

	accountID, ok := r.ID("Account")
	require.True(t, ok)
	contactID, ok := r.ID("Contact")
	require.True(t, ok)
	_, ok = r.ID("Case")
	assert.False(t, ok, "no template means no dummy")

	contact, found := store.Record("Contact", contactID)
	require.True(t, found)
	ref, _ := contact.Get("AccountId")
	assert.Equal(t, accountID, ref.Text())
	assert.Equal(t, 1, store.Count("Account"), "each dummy is created once")
	assert.True(t, r.IsDummy(accountID))
	assert.False(t, r.IsDummy("001T99999999999999"))
}

func TestPrepare_ReusesExistingOnDuplicate(t *testing.T) {
	store := targetStore()
	require.NoError(t, store.Seed("Account", "001T00000000000777", domain.NewRecord("Name", "Sandcastle Placeholder")))

	r := New(store, map[string]Template{
		"Account": {Fields: domain.NewRecord("Name", "Sandcastle Placeholder")},
	}, nil)
	require.NoError(t, r.Prepare(context.Background(), []string{"Account"}))

	id, ok := r.ID("Account")
	require.True(t, ok)
	assert.Equal(t, "001T00000000000777", id)
	assert.Equal(t, 1, store.Count("Account"))
}

func TestPrepare_AdoptsConfiguredID(t *testing.T) {
	store := targetStore()
	r := New(store, map[string]Template{"Account": {ID: "001T00000000000042"}}, nil)
	require.NoError(t, r.Prepare(context.Background(), []string{"Account"}))

	id, _ := r.ID("Account")
	assert.Equal(t, "001T00000000000042", id)
	assert.Equal(t, 0, store.Calls("BulkInsert"))
}

func TestPrepare_RecordFailureIsNotFatal(t *testing.T) {
	store := targetStore()
	r := New(store, map[string]Template{
		"Contact": {Fields: domain.NewRecord("AccountId", "@dummy:Account")},
		"Account": {Fields: domain.NewRecord("Name", "Sandcastle Placeholder")},
	}, nil)

	require.NoError(t, r.Prepare(context.Background(), []string{"Account", "Contact"}))
	_, ok := r.ID("Contact")
	assert.False(t, ok)
	assert.Contains(t, r.Failures(), "Contact")
}

func TestPrepare_Cycle(t *testing.T) {
	store := targetStore()
	r := New(store, map[string]Template{
		"Contact": {Fields: domain.NewRecord("LastName", "x", "AccountId", "@dummy:Account")},
		"Account": {Fields: domain.NewRecord("Name", "@dummy:Contact")},
	}, nil)

	require.NoError(t, r.Prepare(context.Background(), []string{"Account", "Contact"}))
	failures := r.Failures()
	require.Contains(t, failures, "Account")
	assert.ErrorIs(t, failures["Account"], errTemplate)
}

func TestPrepare_StructuralFailure(t *testing.T) {
	store := targetStore()
	store.SetUnavailable(true)
	r := New(store, map[string]Template{"Account": {Fields: domain.NewRecord("Name", "x")}}, nil)

	err := r.Prepare(context.Background(), []string{"Account"})
	assert.ErrorIs(t, err, datastore.ErrUnavailable)
}

func TestSubstitute(t *testing.T) {
	r := New(targetStore(), map[string]Template{"Account": {ID: "001T00000000000042"}}, nil)
	require.NoError(t, r.Prepare(context.Background(), []string{"Account"}))

	sub, v, write := r.Substitute("Account", "001S1", "ParentId", []string{"Account"}, "001S0")
	assert.True(t, write)
	assert.Equal(t, "001T00000000000042", v.Text())
	assert.Equal(t, domain.SubstitutionDummy, sub.Mode)
	assert.Equal(t, "Account", sub.TargetEntityType)

	sub, v, write = r.Substitute("Task", "00TS1", "WhatId", []string{"Opportunity", "Account"}, "001S0")
	assert.True(t, write, "polymorphic field uses the first candidate with a dummy")
	assert.Equal(t, "Account", sub.TargetEntityType)
	assert.Equal(t, domain.KindReference, v.Kind())

	sub, _, write = r.Substitute("Contact", "003S1", "ReportsToId", []string{"Contact"}, "003S0")
	assert.False(t, write)
	assert.Equal(t, domain.SubstitutionDeferred, sub.Mode)
	assert.Empty(t, r.Outstanding(), "nothing is tracked before Commit")
}

func TestCommitResolve(t *testing.T) {
	r := New(targetStore(), nil, nil)
	var journal []string
	r.SetJournal(func(sub domain.PendingSubstitution, resolved bool) error {
		if resolved {
			journal = append(journal, "resolve "+sub.SourceID)
		} else {
			journal = append(journal, "commit "+sub.SourceID)
		}
		return nil
	})

	a := domain.PendingSubstitution{EntityType: "Account", SourceID: "A2", Field: "ParentId", TargetEntityType: "Account", SourceRefID: "A1", Mode: domain.SubstitutionDummy}
	b := domain.PendingSubstitution{EntityType: "Contact", SourceID: "C1", Field: "ReportsToId", TargetEntityType: "Contact", SourceRefID: "C0", Mode: domain.SubstitutionDeferred}

	require.NoError(t, r.Commit(a, b, a))
	assert.Equal(t, []domain.PendingSubstitution{a}, r.Pending("Account"))
	assert.Len(t, r.Outstanding(), 2)

	require.NoError(t, r.Resolve(a))
	require.NoError(t, r.Resolve(a))
	assert.Empty(t, r.Pending("Account"))
	assert.Equal(t, []domain.PendingSubstitution{b}, r.Outstanding())
	assert.Equal(t, []string{"commit A2", "commit C1", "resolve A2"}, journal)
}

func TestCommit_JournalError(t *testing.T) {
	r := New(targetStore(), nil, nil)
	boom := errors.New("ledger locked")
	r.SetJournal(func(domain.PendingSubstitution, bool) error { return boom })

	err := r.Commit(domain.PendingSubstitution{EntityType: "Account", SourceID: "A2", Field: "ParentId"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Outstanding())
}

func TestLoad(t *testing.T) {
	r := New(targetStore(), nil, nil)
	sub := domain.PendingSubstitution{EntityType: "Account", SourceID: "A2", Field: "ParentId"}
	r.Load([]domain.PendingSubstitution{sub, sub})
	assert.Len(t, r.Outstanding(), 1)
}

func TestStage_WritesNothing(t *testing.T) {
	store := targetStore()
	r := New(store, map[string]Template{
		"Contact": {Fields: domain.NewRecord("LastName", "Placeholder", "AccountId", "@dummy:Account")},
		"Account": {ID: "001T00000000000042"},
	}, nil)

	r.Stage([]string{"Contact", "Account", "Case"})

	id, ok := r.ID("Account")
	require.True(t, ok)
	assert.Equal(t, "001T00000000000042", id)
	id, ok = r.ID("Contact")
	require.True(t, ok)
	assert.Equal(t, StandIn("Contact"), id)
	assert.True(t, r.IsDummy(id))
	_, ok = r.ID("Case")
	assert.False(t, ok)
	assert.Empty(t, store.Writes())
}
