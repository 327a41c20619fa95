package factdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/factline/factline/pkg/pipeline"
)

func testFacets() map[string][]pipeline.Stage {
	return map[string][]pipeline.Stage{
		"c1": {pipeline.Group{Accumulators: bson.M{"count": bson.M{"$sum": 1}}}},
	}
}

func TestFactsPipeline(t *testing.T) {
	plan := FactsPipeline([]string{"f1", "f2"}, testFacets())

	require.Len(t, plan, 3)
	in := plan[0]["$match"].(bson.M)["_id"].(bson.M)["$in"]
	assert.Equal(t, []interface{}{"f1", "f2"}, in)
	assert.Contains(t, plan[1], "$facet")

	// the tail picks the single group document out of each facet bucket
	picks := plan[2]["$project"].(bson.M)
	assert.Equal(t, 0, picks["_id"])
	assert.Equal(t, bson.M{"$arrayElemAt": []interface{}{"$c1", 0}}, picks["c1"])
}

func TestIndexPipelineEmbedded(t *testing.T) {
	q := LookupQuery{
		Hash:  "h1",
		From:  time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		Depth: 500,
	}
	plan := IndexPipeline(q, testFacets(), false, "facts")

	require.Len(t, plan, 4)
	match := plan[0]["$match"].(bson.M)
	assert.Equal(t, "h1", match["hash"])
	assert.Equal(t, q.From, match["factTime"].(bson.M)["$gte"])
	assert.Equal(t, int64(500), plan[1]["$limit"])
	assert.Contains(t, plan[2], "$facet")
	assert.Contains(t, plan[3], "$project")
}

func TestIndexPipelineWithJoin(t *testing.T) {
	plan := IndexPipeline(LookupQuery{Hash: "h1", Depth: 10}, testFacets(), true, "facts")

	require.Len(t, plan, 7)
	lookup := plan[2]["$lookup"].(bson.M)
	assert.Equal(t, "facts", lookup["from"])
	assert.Equal(t, "factId", lookup["localField"])
	assert.Equal(t, "_id", lookup["foreignField"])

	assert.Equal(t, "$fact", plan[3]["$unwind"])

	// joined fact fields surface under the names counters address
	added := plan[4]["$addFields"].(bson.M)
	assert.Equal(t, "$fact.data", added["data"])
	assert.Equal(t, "$fact.createdAt", added["createdAt"])
}

func TestIndexPipelineNoDepthNoLimit(t *testing.T) {
	plan := IndexPipeline(LookupQuery{Hash: "h1"}, testFacets(), false, "facts")

	for _, stage := range plan {
		assert.NotContains(t, stage, "$limit")
	}
}
