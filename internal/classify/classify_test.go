package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

func accountMeta() []datastore.FieldMeta {
	return []datastore.FieldMeta{
		{Name: "Id", Type: "id", Createable: false},
		{Name: "Name", Type: "string", Createable: true},
		{Name: "ParentId", Type: "reference", ReferenceTo: []string{"Account"}, Nillable: true, Createable: true},
		{Name: "OwnerId", Type: "reference", ReferenceTo: []string{"User"}, Createable: true},
		{Name: "RecordTypeId", Type: "reference", ReferenceTo: []string{"RecordType"}, Nillable: true, Createable: true},
		{Name: "Rating", Type: "picklist", PicklistValues: []string{"Hot", "Warm"}, Nillable: true, Createable: true},
		{Name: "Regions__c", Type: "multipicklist", PicklistValues: []string{"EMEA", "APAC"}, Nillable: true, Createable: true},
		{Name: "CreatedDate", Type: "datetime", Createable: true},
		{Name: "Formula__c", Type: "string", Createable: false},
		{Name: "Legacy__c", Type: "string", Createable: true},
	}
}

func TestClassify_Groups(t *testing.T) {
	c, err := Classify("Account", accountMeta(), Options{Exclude: map[string][]string{"Account": {"Legacy__c"}}})
	require.NoError(t, err)

	names := func(fs []domain.FieldDescriptor) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.Name)
		}
		return out
	}

	assert.Equal(t, []string{"Name", "Rating", "Regions__c"}, names(c.Scalars))
	assert.Equal(t, []string{"ParentId", "OwnerId"}, names(c.References))
	assert.Equal(t, []string{"RecordTypeId"}, names(c.Discriminators))
	assert.ElementsMatch(t, []string{"Id", "CreatedDate", "Formula__c", "Legacy__c"}, c.Excluded)
	assert.Equal(t, []string{"Name", "ParentId", "OwnerId", "RecordTypeId", "Rating", "Regions__c"}, c.InsertFields())
}

func TestClassify_Constrained(t *testing.T) {
	c, err := Classify("Account", accountMeta(), Options{})
	require.NoError(t, err)

	rating, ok := c.Field("Rating")
	require.True(t, ok)
	assert.True(t, rating.Constrained)
	assert.False(t, rating.MultiValued)
	assert.Equal(t, []string{"Hot", "Warm"}, rating.AllowedValues)

	regions, _ := c.Field("Regions__c")
	assert.True(t, regions.MultiValued)
}

func TestClassify_ScopeFields(t *testing.T) {
	meta := append(accountMeta(), datastore.FieldMeta{
		Name: "Manager__c", Type: "hierarchy", ReferenceTo: []string{"User"}, Nillable: true, Createable: true,
	})
	c, err := Classify("Account", meta, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"ParentId", "Manager__c"}, c.ScopeFields())
	assert.Equal(t, []string{"Account", "User"}, c.ReferencedEntities())
}

func TestClassify_CustomDiscriminatorEntity(t *testing.T) {
	meta := []datastore.FieldMeta{
		{Name: "Variant__c", Type: "reference", ReferenceTo: []string{"Variant__c"}, Createable: true},
		{Name: "RecordTypeId", Type: "reference", ReferenceTo: []string{"RecordType"}, Createable: true},
	}
	c, err := Classify("Widget__c", meta, Options{DiscriminatorEntity: "Variant__c"})
	require.NoError(t, err)
	require.Len(t, c.Discriminators, 1)
	assert.Equal(t, "Variant__c", c.Discriminators[0].Name)
	assert.Len(t, c.References, 1)
}

func TestClassify_PolymorphicIsReference(t *testing.T) {
	meta := []datastore.FieldMeta{
		{Name: "WhatId", Type: "reference", ReferenceTo: []string{"Account", "RecordType"}, Nillable: true, Createable: true},
	}
	c, err := Classify("Task", meta, Options{})
	require.NoError(t, err)
	assert.Len(t, c.References, 1)
	assert.Empty(t, c.Discriminators)
}

func TestClassify_Errors(t *testing.T) {
	tests := []struct {
		name   string
		entity string
		meta   []datastore.FieldMeta
	}{
		{name: "bad entity", entity: "Bad Name", meta: nil},
		{name: "empty field name", entity: "Account", meta: []datastore.FieldMeta{{Type: "string"}}},
		{name: "duplicate field", entity: "Account", meta: []datastore.FieldMeta{
			{Name: "Name", Type: "string", Createable: true},
			{Name: "Name", Type: "string", Createable: true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.entity, tt.meta, Options{})
			assert.Error(t, err)
		})
	}
}
