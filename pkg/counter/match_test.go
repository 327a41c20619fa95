package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/factline/factline/pkg/model"
)

func testFact() *model.Fact {
	return &model.Fact{
		ID:        "f-1",
		Type:      3,
		CreatedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"account": "a-1",
			"amount":  150.0,
			"country": "NL",
		},
	}
}

func TestMatchFact(t *testing.T) {
	tests := []struct {
		name string
		cond map[string]interface{}
		want bool
	}{
		{"empty matches everything", nil, true},
		{"bare equality", map[string]interface{}{"data.account": "a-1"}, true},
		{"bare inequality", map[string]interface{}{"data.account": "a-2"}, false},
		{"type field", map[string]interface{}{"type": 3}, true},
		{"numeric coercion", map[string]interface{}{"data.amount": 150}, true},
		{"eq operator", map[string]interface{}{"data.country": map[string]interface{}{"$eq": "NL"}}, true},
		{"ne operator", map[string]interface{}{"data.country": map[string]interface{}{"$ne": "NL"}}, false},
		{"gt", map[string]interface{}{"data.amount": map[string]interface{}{"$gt": 100}}, true},
		{"gte boundary", map[string]interface{}{"data.amount": map[string]interface{}{"$gte": 150}}, true},
		{"lt fails", map[string]interface{}{"data.amount": map[string]interface{}{"$lt": 100}}, false},
		{"in", map[string]interface{}{"data.country": map[string]interface{}{"$in": []interface{}{"BE", "NL"}}}, true},
		{"nin", map[string]interface{}{"data.country": map[string]interface{}{"$nin": []interface{}{"BE", "NL"}}}, false},
		{"exists true", map[string]interface{}{"data.account": map[string]interface{}{"$exists": true}}, true},
		{"exists false on present field", map[string]interface{}{"data.account": map[string]interface{}{"$exists": false}}, false},
		{"exists false on absent field", map[string]interface{}{"data.iban": map[string]interface{}{"$exists": false}}, true},
		{"absent field never equals", map[string]interface{}{"data.iban": "x"}, false},
		{"and", map[string]interface{}{"$and": []interface{}{
			map[string]interface{}{"type": 3},
			map[string]interface{}{"data.country": "NL"},
		}}, true},
		{"or", map[string]interface{}{"$or": []interface{}{
			map[string]interface{}{"type": 99},
			map[string]interface{}{"data.country": "NL"},
		}}, true},
		{"nor", map[string]interface{}{"$nor": []interface{}{
			map[string]interface{}{"type": 99},
		}}, true},
		{"nor rejects", map[string]interface{}{"$nor": []interface{}{
			map[string]interface{}{"type": 3},
		}}, false},
		{"unknown operator never matches", map[string]interface{}{"data.amount": map[string]interface{}{"$regex": "1.*"}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchFact(tc.cond, testFact()))
		})
	}
}

func TestMatchFactYamlInterfaceKeys(t *testing.T) {
	// yaml.v2 produces map[interface{}]interface{} for nested mappings
	cond := map[string]interface{}{
		"data.amount": map[interface{}]interface{}{"$gte": 100},
	}
	assert.True(t, matchFact(cond, testFact()))
}

func TestMatchFactTimeComparison(t *testing.T) {
	fact := testFact()
	cond := map[string]interface{}{
		"createdAt": map[string]interface{}{"$lt": fact.CreatedAt.Add(time.Hour)},
	}
	assert.True(t, matchFact(cond, fact))
}
