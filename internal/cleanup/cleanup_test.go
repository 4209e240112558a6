package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/datastore/memstore"
	"github.com/lherron/sandcastle/internal/domain"
)

const accountsAndContacts = `
name: sandbox
tag: T
entities:
  - name: Account
    prefix: "001"
    fields:
      - {name: Name, type: string, createable: true}
      - {name: ParentId, type: reference, reference_to: [Account], nillable: true, createable: true}
    records:
      - {id: 001T00000000000001, Name: Acme}
      - {id: 001T00000000000002, Name: Acme East, ParentId: 001T00000000000001}
      - {id: 001T00000000000003, Name: Portal Co}
  - name: Contact
    prefix: "003"
    fields:
      - {name: LastName, type: string, createable: true}
      - {name: AccountId, type: reference, reference_to: [Account], nillable: true, createable: true}
    records:
      - {id: 003T00000000000001, LastName: Smith, AccountId: 001T00000000000001}
      - {id: 003T00000000000002, LastName: Jones, AccountId: 001T00000000000003}
`

const portalUsers = `
  - name: User
    prefix: "005"
    fields:
      - {name: Username, type: string, createable: true}
      - {name: ContactId, type: reference, reference_to: [Contact], nillable: true, createable: true}
    records:
      - {id: 005T00000000000001, Username: admin@example.com}
      - {id: 005T00000000000002, Username: jones@example.com, ContactId: 003T00000000000002}
`

func newStore(t *testing.T, fixture string) *memstore.Store {
	t.Helper()
	s, err := memstore.ParseFixture([]byte(fixture))
	require.NoError(t, err)
	return s
}

func byEntity(res *Result) map[string]EntityResult {
	out := make(map[string]EntityResult)
	for _, e := range res.Entities {
		out[e.Entity] = e
	}
	return out
}

func TestOrder(t *testing.T) {
	plan := domain.MigrationPlan{Steps: []domain.PlanStep{
		{Entity: "Account", RootIDs: []string{"001S1"}},
		{Entity: "Contact", Scope: []domain.ScopeRef{{Field: "AccountId", Entity: "Account"}}},
		{Entity: "Account", Scope: []domain.ScopeRef{{Field: "ParentId", Entity: "Account"}}},
		{Entity: "Case", Scope: []domain.ScopeRef{{Field: "ContactId", Entity: "Contact"}}},
	}}
	assert.Equal(t, []string{"Case", "Contact", "Account"}, Order(plan))
}

func TestRun_ProtectsPortalUsers(t *testing.T) {
	target := newStore(t, accountsAndContacts+portalUsers)
	c := New(target, Options{
		Entities:           []string{"Contact", "Account"},
		ProtectPortalUsers: true,
		BatchSize:          1,
	}, zaptest.NewLogger(t))

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	got := byEntity(res)
	assert.Equal(t, EntityResult{Entity: "Contact", Found: 2, Protected: 1, Deleted: 1}, got["Contact"])
	assert.Equal(t, EntityResult{Entity: "Account", Found: 3, Protected: 1, Deleted: 2}, got["Account"])
	assert.Equal(t, 3, res.Deleted())

	assert.Equal(t, []string{"003T00000000000002"}, target.IDs("Contact"))
	assert.Equal(t, []string{"001T00000000000003"}, target.IDs("Account"))
}

func TestRun_HierarchyAcrossBatches(t *testing.T) {
	target := newStore(t, accountsAndContacts)
	c := New(target, Options{Entities: []string{"Contact", "Account"}, BatchSize: 1}, zaptest.NewLogger(t))

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Deleted())
	assert.Zero(t, target.Count("Account"))
	assert.Equal(t, 6, target.Calls("BulkDelete"), "the parent is retried once its child is gone")
}

func TestRun_WithoutPortalUserEntity(t *testing.T) {
	target := newStore(t, accountsAndContacts)
	c := New(target, Options{Entities: []string{"Contact", "Account"}, ProtectPortalUsers: true}, zaptest.NewLogger(t))

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "portal users not checked")
	assert.Equal(t, 5, res.Deleted())
}

func TestRun_StopsWhenRecordsRemain(t *testing.T) {
	target := newStore(t, accountsAndContacts)
	c := New(target, Options{Entities: []string{"Account", "Contact"}}, zaptest.NewLogger(t))

	res, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncomplete))
	require.Len(t, res.Entities, 1, "entity types after the failing one are left alone")

	account := res.Entities[0]
	assert.Equal(t, 1, account.Deleted)
	assert.Equal(t, 2, account.Failed)
	require.Len(t, account.Errors, 2)
	assert.Contains(t, account.Errors[0], datastore.CodeDeleteFailed)
	assert.Equal(t, 2, target.Count("Contact"))
}

func TestRun_DryRun(t *testing.T) {
	target := newStore(t, accountsAndContacts+portalUsers)
	c := New(target, Options{Entities: []string{"Contact", "Account"}, ProtectPortalUsers: true, DryRun: true}, zaptest.NewLogger(t))

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Zero(t, res.Deleted())
	assert.Equal(t, 1, byEntity(res)["Account"].Protected)
	assert.Zero(t, target.Calls("BulkDelete"))
}

func TestRun_Unavailable(t *testing.T) {
	target := newStore(t, accountsAndContacts+portalUsers)
	target.SetUnavailable(true)
	c := New(target, Options{Entities: []string{"Contact"}, ProtectPortalUsers: true}, zaptest.NewLogger(t))

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, datastore.ErrUnavailable)
}
