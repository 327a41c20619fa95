package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestGroupAlwaysGroupsOverNull(t *testing.T) {
	rendered := Group{Accumulators: bson.M{"count": bson.M{"$sum": 1}}}.Render()

	doc := rendered["$group"].(bson.M)
	assert.Nil(t, doc["_id"])
	assert.Equal(t, bson.M{"$sum": 1}, doc["count"])
}

func TestRenderPreservesStageOrder(t *testing.T) {
	out := Render([]Stage{
		Match{Predicate: bson.M{"type": 1}},
		Limit{N: 100},
		Group{Accumulators: bson.M{"count": bson.M{"$sum": 1}}},
	})

	require.Len(t, out, 3)
	assert.Contains(t, out[0], "$match")
	assert.Contains(t, out[1], "$limit")
	assert.Contains(t, out[2], "$group")
}

func TestCollectSetKeys(t *testing.T) {
	keys := CollectSetKeys(bson.M{
		"count":     bson.M{"$sum": 1},
		"accounts":  bson.M{"$addToSet": "$data.account"},
		"countries": bson.M{"$addToSet": "$data.country"},
		"max":       bson.M{"$max": "$data.amount"},
	})

	assert.ElementsMatch(t, []string{"accounts", "countries"}, keys)
}

func TestCollectSetKeysIgnoresScalars(t *testing.T) {
	assert.Empty(t, CollectSetKeys(bson.M{"count": bson.M{"$sum": 1}, "flag": 1}))
}
