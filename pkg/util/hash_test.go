package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/pkg/model"
)

func TestHashIndexKeyIsStable(t *testing.T) {
	h1 := HashIndexKey(7, "a-1")
	h2 := HashIndexKey(7, "a-1")
	assert.Equal(t, h1, h2)
	assert.NotEmpty(t, h1)
}

func TestHashIndexKeySeparatesTypeAndValue(t *testing.T) {
	assert.NotEqual(t, HashIndexKey(7, "a-1"), HashIndexKey(8, "a-1"))
	assert.NotEqual(t, HashIndexKey(7, "a-1"), HashIndexKey(7, "a-2"))
}

func TestBuildIndexEntries(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	txTime := now.Add(-time.Hour)
	fact := &model.Fact{
		ID:        "f-1",
		Type:      3,
		CreatedAt: now,
		Data: map[string]interface{}{
			"account": "a-1",
			"txTime":  txTime,
		},
	}
	descriptors := []model.IndexDescriptor{
		{IndexTypeName: "account", IndexType: 7, FieldName: "account", DateName: "txTime"},
		{IndexTypeName: "iban", IndexType: 8, FieldName: "iban"},
	}

	entries := BuildIndexEntries(fact, descriptors, now)

	// the iban descriptor finds no field, so only one entry comes out
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, HashIndexKey(7, "a-1"), e.Hash)
	assert.Equal(t, "f-1", e.FactID)
	assert.Equal(t, 7, e.IndexType)
	assert.Equal(t, "a-1", e.FieldValue)
	// fact time comes from the descriptor's date field
	assert.Equal(t, txTime, e.FactTime)
	assert.Equal(t, now, e.CreatedAt)
}

func TestBuildIndexEntriesFallsBackToCreatedAt(t *testing.T) {
	now := time.Now()
	fact := &model.Fact{ID: "f-1", Type: 3, CreatedAt: now, Data: map[string]interface{}{"account": "a-1"}}

	entries := BuildIndexEntries(fact, []model.IndexDescriptor{
		{IndexTypeName: "account", IndexType: 7, FieldName: "account"},
	}, now)

	require.Len(t, entries, 1)
	assert.Equal(t, now, entries[0].FactTime)
}
