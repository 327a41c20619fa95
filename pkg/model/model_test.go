package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFact(t *testing.T) {
	valid := &Fact{ID: "f-1", Type: 1, CreatedAt: time.Now()}
	require.NoError(t, ValidateFact(valid))

	tests := []struct {
		name string
		fact *Fact
	}{
		{"nil", nil},
		{"empty id", &Fact{Type: 1}},
		{"zero type", &Fact{ID: "f-1", Type: 0}},
		{"negative type", &Fact{ID: "f-1", Type: -3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFact(tc.fact)
			var invalid *InvalidInputError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestValidateIndexEntries(t *testing.T) {
	require.NoError(t, ValidateIndexEntries(nil))
	require.NoError(t, ValidateIndexEntries([]IndexEntry{{Hash: "h1", FactID: "f1"}}))

	err := ValidateIndexEntries([]IndexEntry{{Hash: "h1"}, {Hash: ""}})
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "entry 1")
}
