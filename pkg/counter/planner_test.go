package counter

import (
	"math"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/factline/factline/pkg/model"
	"github.com/factline/factline/pkg/pipeline"
)

var planNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func planFact() *model.Fact {
	return &model.Fact{
		ID:        "f-1",
		Type:      3,
		CreatedAt: planNow,
		Data:      map[string]interface{}{"account": "a-1"},
	}
}

func countDef(name, index string, fromMs int64) *Definition {
	return &Definition{
		Name:          name,
		IndexTypeName: index,
		Attributes:    map[string]interface{}{"count": map[string]interface{}{"$sum": 1}},
		FromTimeMs:    fromMs,
	}
}

func TestBuildPlanGroupsByRequestCap(t *testing.T) {
	defs := []*Definition{
		countDef("c1", "account", 0),
		countDef("c2", "account", 0),
		countDef("c3", "account", 0),
		countDef("c4", "country", 0),
	}
	cfg := PlannerConfig{MaxCountersPerRequest: 2}

	plan := BuildPlan(defs, cfg, planFact(), TimeFieldFact, planNow, log.NewNopLogger())

	require.Len(t, plan.Groups, 3)
	assert.ElementsMatch(t, []string{"c1", "c2"}, plan.Groups["account#0"].CounterNames())
	assert.ElementsMatch(t, []string{"c3"}, plan.Groups["account#1"].CounterNames())
	assert.ElementsMatch(t, []string{"c4"}, plan.Groups["country#0"].CounterNames())
	assert.False(t, plan.SplitActive)
	assert.False(t, plan.Truncated)
}

func TestBuildPlanSplitIntervals(t *testing.T) {
	hour := int64(3600 * 1000)
	defs := []*Definition{
		countDef("recent", "account", hour/2),
		countDef("old", "account", 2*hour),
	}
	cfg := PlannerConfig{SplitIntervals: []int64{hour}}

	plan := BuildPlan(defs, cfg, planFact(), TimeFieldFact, planNow, log.NewNopLogger())

	require.True(t, plan.SplitActive)
	require.Len(t, plan.Groups, 2)

	recent := plan.Groups["account#0"]
	require.NotNil(t, recent)
	assert.Equal(t, hour, recent.WindowFrom)
	assert.Zero(t, recent.WindowTo)

	old := plan.Groups["account#1"]
	require.NotNil(t, old)
	assert.Equal(t, int64(math.MaxInt64), old.WindowFrom)
	assert.Equal(t, hour, old.WindowTo)
}

func TestBuildPlanBudgetUnion(t *testing.T) {
	unbounded := countDef("unbounded", "account", 0)
	bounded := countDef("bounded", "account", 1000000)
	bounded.MaxEvaluatedRecords = 100

	cfg := PlannerConfig{MaxDepthLimit: 10000}
	plan := BuildPlan([]*Definition{unbounded, bounded}, cfg, planFact(), TimeFieldFact, planNow, log.NewNopLogger())

	require.Len(t, plan.Groups, 1)
	g := plan.Groups["account#0"]
	// the unbounded member keeps the group's look-back open
	assert.Zero(t, g.FromTimeMs)
	// the unbounded record budget is clamped by the policy cap
	assert.Equal(t, int64(10000), g.MaxEvaluatedRecords)
}

func TestBuildPlanToTimeUnionTakesMin(t *testing.T) {
	a := countDef("a", "account", 5000000)
	a.ToTimeMs = 2000
	b := countDef("b", "account", 6000000)
	b.ToTimeMs = 1000

	plan := BuildPlan([]*Definition{a, b}, PlannerConfig{}, planFact(), TimeFieldFact, planNow, log.NewNopLogger())

	require.Len(t, plan.Groups, 1)
	assert.Equal(t, int64(1000), plan.Groups["account#0"].ToTimeMs)
}

func TestBuildPlanTruncatesAtProcessingCap(t *testing.T) {
	defs := []*Definition{
		countDef("c1", "account", 0),
		countDef("c2", "account", 0),
	}
	cfg := PlannerConfig{MaxCountersProcessing: 1}

	plan := BuildPlan(defs, cfg, planFact(), TimeFieldFact, planNow, log.NewNopLogger())

	assert.True(t, plan.Truncated)
	require.Len(t, plan.Groups, 1)
	assert.ElementsMatch(t, []string{"c1"}, plan.Groups["account#0"].CounterNames())
}

func TestBuildPlanCounterStages(t *testing.T) {
	def := &Definition{
		Name:                 "c",
		IndexTypeName:        "account",
		EvaluationConditions: map[string]interface{}{"type": 3, "data.account": "$$account"},
		Attributes:           map[string]interface{}{"count": map[string]interface{}{"$sum": 1}},
		FromTimeMs:           1000,
		MaxEvaluatedRecords:  50,
	}

	plan := BuildPlan([]*Definition{def}, PlannerConfig{}, planFact(), TimeFieldIndex, planNow, log.NewNopLogger())

	stages := plan.Groups["account#0"].Facets["c"]
	require.Len(t, stages, 3)

	pred := stages[0].(pipeline.Match).Predicate
	assert.Equal(t, 3, pred["type"])
	// placeholder resolved against the current fact
	assert.Equal(t, "a-1", pred["data.account"])
	window := pred[TimeFieldIndex].(bson.M)
	assert.Equal(t, planNow.Add(-time.Second), window["$gte"])

	assert.Equal(t, int64(50), stages[1].(pipeline.Limit).N)

	group := stages[2].(pipeline.Group).Accumulators
	assert.Equal(t, bson.M{"$sum": 1}, group["count"])
}

func TestBuildPlanSetCardinalityProjection(t *testing.T) {
	def := &Definition{
		Name:          "c",
		IndexTypeName: "account",
		Attributes: map[string]interface{}{
			"uniq": map[string]interface{}{"$addToSet": "$data.country"},
		},
	}

	// no splitting: the pipeline itself reduces the set to its size
	plan := BuildPlan([]*Definition{def}, PlannerConfig{}, planFact(), TimeFieldFact, planNow, log.NewNopLogger())
	stages := plan.Groups["account#0"].Facets["c"]
	last := stages[len(stages)-1].(pipeline.Project).Picks
	assert.Equal(t, bson.M{"$size": "$uniq"}, last["uniq"])

	// splitting active: sets stay raw, reduction happens at merge time
	split := BuildPlan([]*Definition{def}, PlannerConfig{SplitIntervals: []int64{1000}}, planFact(), TimeFieldFact, planNow, log.NewNopLogger())
	g := split.Groups["account#0"]
	for _, st := range g.Facets["c"] {
		_, isProject := st.(pipeline.Project)
		assert.False(t, isProject)
	}
	assert.Equal(t, []string{"uniq"}, g.SetKeys("c"))
}
