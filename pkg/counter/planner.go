package counter

import (
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/factline/factline/pkg/model"
	"github.com/factline/factline/pkg/pipeline"
)

// Time field names depending on which collection the aggregation runs over.
const (
	TimeFieldFact  = "createdAt"
	TimeFieldIndex = "factTime"
)

// PlannerConfig carries the policy knobs bounding plan expansion. Zero caps
// mean unlimited.
type PlannerConfig struct {
	MaxCountersProcessing int   `yaml:"max_counters_processing"`
	MaxCountersPerRequest int   `yaml:"max_counters_per_request"`
	MaxDepthLimit         int64 `yaml:"max_depth_limit"`

	// SplitIntervals is an ascending list of look-back window boundaries in
	// milliseconds. When set, counters with different windows land in
	// different groups so each group scans one disjoint time slice.
	SplitIntervals []int64 `yaml:"split_intervals"`
}

func (cfg *PlannerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxCountersProcessing, prefix+".max-counters-processing", 0, "Global cap on counters expanded per request. 0 is unlimited.")
	f.IntVar(&cfg.MaxCountersPerRequest, prefix+".max-counters-per-request", 0, "Cap on counters per aggregation group. 0 is unlimited.")
	f.Int64Var(&cfg.MaxDepthLimit, prefix+".max-depth-limit", 10000, "Upper bound for any group's record budget.")
}

func (cfg *PlannerConfig) validate() error {
	for i := 1; i < len(cfg.SplitIntervals); i++ {
		if cfg.SplitIntervals[i] <= cfg.SplitIntervals[i-1] {
			return fmt.Errorf("split_intervals must be ascending")
		}
	}
	return nil
}

// Plan is the grouped evaluation plan for one fact: aggregation facets and
// record budgets keyed by "indexTypeName#groupNumber".
type Plan struct {
	Groups map[string]*PlanGroup

	// SplitActive reports whether interval splitting shaped the groups. When
	// it did, collected-set attributes stay raw for reduction at merge time.
	SplitActive bool
	Truncated   bool
	Now         time.Time
}

// PlanGroup bundles the counters sharing one index type and one split window.
type PlanGroup struct {
	Key           string
	IndexTypeName string
	Number        int

	// Facets maps counter names to the stage list computing that counter.
	Facets map[string][]pipeline.Stage

	// setKeys lists, per counter, the accumulator names that collect sets and
	// therefore need cardinality reduction at merge time.
	setKeys map[string][]string

	// Union of the member counters' budgets.
	MaxEvaluatedRecords int64
	FromTimeMs          int64
	ToTimeMs            int64

	// Split window bounds by record age in milliseconds. WindowFrom is the
	// older edge (math.MaxInt64 past the last boundary), WindowTo the younger.
	// Both zero when splitting is inactive.
	WindowFrom int64
	WindowTo   int64
}

// CounterNames returns the names of the counters planned in this group.
func (g *PlanGroup) CounterNames() []string {
	names := make([]string, 0, len(g.Facets))
	for name := range g.Facets {
		names = append(names, name)
	}
	return names
}

// SetKeys reports the collected-set attribute names for one member counter.
func (g *PlanGroup) SetKeys(counterName string) []string {
	return g.setKeys[counterName]
}

type groupState struct {
	countInGroup int
	groupNumber  int
	intervalIdx  int
	windowFrom   int64
	windowTo     int64
	started      bool
}

// BuildPlan expands the applicable counters into grouped aggregation facets.
// Counters must arrive sorted by ascending from_time_ms (the catalog's order).
// The emitted stages are an isolated snapshot: fact-field placeholders are
// substituted and nothing aliases the catalog's definitions.
func BuildPlan(counters []*Definition, cfg PlannerConfig, fact *model.Fact, timeField string, now time.Time, logger log.Logger) *Plan {
	plan := &Plan{
		Groups:      make(map[string]*PlanGroup),
		SplitActive: len(cfg.SplitIntervals) > 0,
		Now:         now,
	}
	if err := cfg.validate(); err != nil {
		level.Error(logger).Log("msg", "invalid planner config, returning empty plan", "err", err)
		return plan
	}

	states := make(map[string]*groupState)
	total := 0
	for _, def := range counters {
		if cfg.MaxCountersProcessing > 0 && total+1 > cfg.MaxCountersProcessing {
			level.Warn(logger).Log("msg", "counter budget exhausted, plan truncated",
				"max_counters_processing", cfg.MaxCountersProcessing)
			plan.Truncated = true
			break
		}
		total++

		st, ok := states[def.IndexTypeName]
		if !ok {
			st = &groupState{}
			if plan.SplitActive {
				st.windowFrom = cfg.SplitIntervals[0]
			}
			states[def.IndexTypeName] = st
		}

		st.countInGroup++
		bumped := false
		if st.started && cfg.MaxCountersPerRequest > 0 && st.countInGroup > cfg.MaxCountersPerRequest {
			st.groupNumber++
			st.countInGroup = 1
			bumped = true
		}
		if plan.SplitActive && def.FromTimeMs > st.windowFrom {
			if !bumped && st.started {
				st.groupNumber++
				st.countInGroup = 1
			}
			for def.FromTimeMs > st.windowFrom {
				st.windowTo = st.windowFrom
				st.intervalIdx++
				if st.intervalIdx < len(cfg.SplitIntervals) {
					st.windowFrom = cfg.SplitIntervals[st.intervalIdx]
				} else {
					st.windowFrom = math.MaxInt64
				}
			}
		}
		st.started = true

		key := fmt.Sprintf("%s#%d", def.IndexTypeName, st.groupNumber)
		group, ok := plan.Groups[key]
		if !ok {
			group = &PlanGroup{
				Key:                 key,
				IndexTypeName:       def.IndexTypeName,
				Number:              st.groupNumber,
				Facets:              make(map[string][]pipeline.Stage),
				setKeys:             make(map[string][]string),
				MaxEvaluatedRecords: def.MaxEvaluatedRecords,
				FromTimeMs:          def.FromTimeMs,
				ToTimeMs:            def.ToTimeMs,
				WindowFrom:          st.windowFrom,
				WindowTo:            st.windowTo,
			}
			plan.Groups[key] = group
		}

		stages, setKeys := buildCounterStages(def, timeField, now, plan.SplitActive)
		stages, missing := pipeline.Substitute(stages, fact.Data, now)
		for _, name := range missing {
			level.Warn(logger).Log("msg", "unresolved placeholder left in plan",
				"counter", def.Name, "placeholder", name)
		}
		group.Facets[def.Name] = stages
		if len(setKeys) > 0 {
			group.setKeys[def.Name] = setKeys
		}

		// widen the group budgets to cover the new member. a zero from-time or
		// record budget is unbounded and therefore already the widest.
		if group.FromTimeMs != 0 && (def.FromTimeMs == 0 || def.FromTimeMs > group.FromTimeMs) {
			group.FromTimeMs = def.FromTimeMs
		}
		if def.ToTimeMs < group.ToTimeMs {
			group.ToTimeMs = def.ToTimeMs
		}
		if group.MaxEvaluatedRecords != 0 && (def.MaxEvaluatedRecords == 0 || def.MaxEvaluatedRecords > group.MaxEvaluatedRecords) {
			group.MaxEvaluatedRecords = def.MaxEvaluatedRecords
		}
		if cfg.MaxDepthLimit > 0 && (group.MaxEvaluatedRecords == 0 || group.MaxEvaluatedRecords > cfg.MaxDepthLimit) {
			group.MaxEvaluatedRecords = cfg.MaxDepthLimit
		}
	}

	return plan
}

// buildCounterStages emits the minimal stage list computing one counter: an
// optional predicate, an optional record limit, the null-keyed grouping, and,
// when interval splitting is inactive, the set-to-cardinality projection.
func buildCounterStages(def *Definition, timeField string, now time.Time, splitActive bool) ([]pipeline.Stage, []string) {
	var stages []pipeline.Stage

	pred := normalizeDoc(def.EvaluationConditions)
	if def.FromTimeMs > 0 || def.ToTimeMs > 0 {
		window := bson.M{}
		if def.FromTimeMs > 0 {
			window["$gte"] = now.Add(-time.Duration(def.FromTimeMs) * time.Millisecond)
		}
		if def.ToTimeMs > 0 {
			window["$lt"] = now.Add(-time.Duration(def.ToTimeMs) * time.Millisecond)
		}
		if pred == nil {
			pred = bson.M{timeField: window}
		} else if _, clash := pred[timeField]; clash {
			pred = bson.M{"$and": []interface{}{pred, bson.M{timeField: window}}}
		} else {
			pred[timeField] = window
		}
	}
	if len(pred) > 0 {
		stages = append(stages, pipeline.Match{Predicate: pred})
	}

	if lim := def.recordLimit(); lim > 0 {
		stages = append(stages, pipeline.Limit{N: lim})
	}

	attrs := normalizeDoc(def.Attributes)
	stages = append(stages, pipeline.Group{Accumulators: attrs})

	setKeys := pipeline.CollectSetKeys(attrs)
	if !splitActive && len(setKeys) > 0 {
		picks := bson.M{}
		for k := range attrs {
			picks[k] = 1
		}
		for _, k := range setKeys {
			picks[k] = bson.M{"$size": "$" + k}
		}
		stages = append(stages, pipeline.Project{Picks: picks})
	}

	return stages, setKeys
}

// normalizeDoc converts yaml-decoded condition documents (which may carry
// interface{} keys) into bson documents the pipeline renderer understands.
func normalizeDoc(doc map[string]interface{}) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeDoc(val)
	case map[interface{}]interface{}:
		out := make(bson.M, len(val))
		for k, item := range val {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprintf("%v", k)
			}
			out[ks] = normalizeValue(item)
		}
		return out
	case bson.M:
		return normalizeDoc(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}
