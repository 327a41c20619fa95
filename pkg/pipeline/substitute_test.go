package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSubstituteReplacesFactFields(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	data := map[string]interface{}{"account": "a-1", "amount": 42}

	stages := []Stage{
		Match{Predicate: bson.M{
			"data.account": "$$account",
			"data.amount":  bson.M{"$gte": "$$amount"},
			"createdAt":    bson.M{"$lt": "$$NOW"},
		}},
	}

	out, missing := Substitute(stages, data, now)
	require.Empty(t, missing)

	pred := out[0].(Match).Predicate
	assert.Equal(t, "a-1", pred["data.account"])
	assert.Equal(t, 42, pred["data.amount"].(bson.M)["$gte"])
	assert.Equal(t, now, pred["createdAt"].(bson.M)["$lt"])
}

func TestSubstituteDPrefixIsSynonym(t *testing.T) {
	data := map[string]interface{}{"account": "a-1"}

	out, missing := Substitute([]Stage{
		Match{Predicate: bson.M{"data.account": "$$d.account"}},
	}, data, time.Now())

	require.Empty(t, missing)
	assert.Equal(t, "a-1", out[0].(Match).Predicate["data.account"])
}

func TestSubstituteNowIsCaseInsensitive(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, placeholder := range []string{"$$NOW", "$$now", "$$Now", "$$d.now"} {
		out, missing := Substitute([]Stage{
			Match{Predicate: bson.M{"createdAt": placeholder}},
		}, nil, now)

		require.Empty(t, missing, placeholder)
		assert.Equal(t, now, out[0].(Match).Predicate["createdAt"], placeholder)
	}
}

func TestSubstituteDoesNotMutateInput(t *testing.T) {
	in := []Stage{
		Match{Predicate: bson.M{"data.account": "$$account"}},
	}

	out, _ := Substitute(in, map[string]interface{}{"account": "a-1"}, time.Now())

	assert.Equal(t, "$$account", in[0].(Match).Predicate["data.account"])
	assert.Equal(t, "a-1", out[0].(Match).Predicate["data.account"])
}

func TestSubstituteReportsMissingPlaceholders(t *testing.T) {
	out, missing := Substitute([]Stage{
		Match{Predicate: bson.M{"data.x": "$$nope"}},
	}, map[string]interface{}{}, time.Now())

	assert.Equal(t, []string{"nope"}, missing)
	// unresolved placeholders stay in place
	assert.Equal(t, "$$nope", out[0].(Match).Predicate["data.x"])
}

func TestSubstituteLeavesFieldReferencesAlone(t *testing.T) {
	out, missing := Substitute([]Stage{
		Group{Accumulators: bson.M{"total": bson.M{"$sum": "$data.amount"}}},
	}, map[string]interface{}{"data.amount": 1}, time.Now())

	require.Empty(t, missing)
	assert.Equal(t, "$data.amount", out[0].(Group).Accumulators["total"].(bson.M)["$sum"])
}

func TestSubstituteWalksFacetsAndLists(t *testing.T) {
	data := map[string]interface{}{"account": "a-1", "country": "NL"}

	stages := []Stage{
		Facet{Pipelines: map[string][]Stage{
			"c1": {
				Match{Predicate: bson.M{"$or": []interface{}{
					bson.M{"data.account": "$$account"},
					bson.M{"data.country": "$$country"},
				}}},
			},
		}},
	}

	out, missing := Substitute(stages, data, time.Now())
	require.Empty(t, missing)

	pred := out[0].(Facet).Pipelines["c1"][0].(Match).Predicate
	ors := pred["$or"].([]interface{})
	assert.Equal(t, "a-1", ors[0].(bson.M)["data.account"])
	assert.Equal(t, "NL", ors[1].(bson.M)["data.country"])
}
