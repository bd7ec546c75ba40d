package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kwaribook/backend/internal/domain"
)

func TestDefaultSchemaIsValid(t *testing.T) {
	require.NoError(t, DefaultSchema.Validate())
}

func TestDefaultSchemaHoldsEveryCollection(t *testing.T) {
	for _, spec := range domain.Catalog {
		assert.True(t, DefaultSchema.Has(spec.Name), spec.Name)
	}
	assert.True(t, DefaultSchema.Has(domain.CollectionSyncQueue))
}

func TestSchemaRejectsDroppedCollection(t *testing.T) {
	s := Schema{Versions: []Version{
		{Number: 1, Collections: map[domain.Collection][]string{"sales": {"status"}, "shops": nil}},
		{Number: 2, Collections: map[domain.Collection][]string{"sales": {"status"}}},
	}}
	assert.ErrorIs(t, s.Validate(), ErrSchema)
}

func TestSchemaRejectsDroppedIndex(t *testing.T) {
	s := Schema{Versions: []Version{
		{Number: 1, Collections: map[domain.Collection][]string{"sales": {"status", "shopId"}}},
		{Number: 2, Collections: map[domain.Collection][]string{"sales": {"status"}}},
	}}
	assert.ErrorIs(t, s.Validate(), ErrSchema)
}

func TestSchemaRejectsGaps(t *testing.T) {
	s := Schema{Versions: []Version{
		{Number: 1, Collections: map[domain.Collection][]string{"sales": nil}},
		{Number: 3, Collections: map[domain.Collection][]string{"sales": nil}},
	}}
	assert.ErrorIs(t, s.Validate(), ErrSchema)
}

func TestExtendIsAdditive(t *testing.T) {
	v1 := Version{}.Extend(map[domain.Collection][]string{"sales": {"status"}})
	v2 := v1.Extend(map[domain.Collection][]string{"sales": {"shopId", "status"}, "shops": nil})
	assert.Equal(t, 2, v2.Number)
	assert.Equal(t, []string{"status", "shopId"}, v2.Collections["sales"])
	assert.Contains(t, v2.Collections, domain.Collection("shops"))
	assert.Equal(t, []string{"status"}, v1.Collections["sales"])
}

func TestQueryMatches(t *testing.T) {
	f, err := EncodeFields(map[string]any{"name": "Ankara", "qty": 10, "active": true, "price": "12.50"})
	require.NoError(t, err)

	assert.True(t, Where("name", "Ankara").Matches(f))
	assert.False(t, Where("name", "ankara").Matches(f))
	assert.True(t, Where("qty", int64(10)).And("active", true).Matches(f))
	assert.True(t, All().Filter("qty", OpGt, 9).Matches(f))
	assert.False(t, All().Filter("qty", OpLt, 10).Matches(f))
	assert.True(t, All().Filter("name", OpPrefix, "Ank").Matches(f))
	assert.False(t, Where("missing", 1).Matches(f))
	assert.False(t, Where("qty", "10").Matches(f))
}

func TestFieldsStampAndOverlay(t *testing.T) {
	f, err := EncodeFields(domain.Shop{Name: "Balogun"})
	require.NoError(t, err)
	require.NoError(t, f.Overlay(map[string]any{"id": 5, "remoteId": "abc"}))
	f.Stamp(3, f0time)
	doc, err := f.Document(3, f0time)
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.RemoteID)

	var shop domain.Shop
	require.NoError(t, doc.Decode(&shop))
	assert.Equal(t, int64(3), shop.ID)
	assert.Equal(t, "abc", shop.RemoteID)
	assert.True(t, shop.UpdatedAt.Equal(f0time))
}

var f0time = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
