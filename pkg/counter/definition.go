// Package counter holds the counter catalog, the evaluation planner and the
// orchestrating evaluator that turns an ingested fact into a counter map.
package counter

import (
	"fmt"
	"sort"
)

// Definition describes one counter: which facts it applies to, which
// historical records it aggregates, and the accumulators it computes.
// Definitions are immutable after the catalog compiles them.
type Definition struct {
	Name          string `yaml:"name"`
	IndexTypeName string `yaml:"index_type_name"`

	// ComputationConditions is a predicate on the current fact deciding
	// whether this counter applies to it.
	ComputationConditions map[string]interface{} `yaml:"computation_conditions"`

	// EvaluationConditions filters historical records inside the aggregation.
	EvaluationConditions map[string]interface{} `yaml:"evaluation_conditions"`

	// Attributes maps output names to grouping accumulator expressions.
	Attributes map[string]interface{} `yaml:"attributes"`

	// Look-back window by record age, in milliseconds. Zero means unbounded.
	FromTimeMs int64 `yaml:"from_time_ms"`
	ToTimeMs   int64 `yaml:"to_time_ms"`

	MaxEvaluatedRecords int64 `yaml:"max_evaluated_records"`
	MaxMatchingRecords  int64 `yaml:"max_matching_records"`
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("counter without a name")
	}
	if d.IndexTypeName == "" {
		return fmt.Errorf("counter %s has no index type name", d.Name)
	}
	if len(d.Attributes) == 0 {
		return fmt.Errorf("counter %s has no attributes", d.Name)
	}
	if d.ToTimeMs > 0 && d.FromTimeMs > 0 && d.ToTimeMs >= d.FromTimeMs {
		return fmt.Errorf("counter %s: to_time_ms %d must be below from_time_ms %d", d.Name, d.ToTimeMs, d.FromTimeMs)
	}
	return nil
}

// recordLimit is the per-counter record budget: the tighter of the two caps,
// zero when neither is set.
func (d *Definition) recordLimit() int64 {
	switch {
	case d.MaxEvaluatedRecords > 0 && d.MaxMatchingRecords > 0:
		if d.MaxMatchingRecords < d.MaxEvaluatedRecords {
			return d.MaxMatchingRecords
		}
		return d.MaxEvaluatedRecords
	case d.MaxEvaluatedRecords > 0:
		return d.MaxEvaluatedRecords
	default:
		return d.MaxMatchingRecords
	}
}

func sortByWindow(defs []*Definition) {
	sort.SliceStable(defs, func(i, j int) bool {
		return defs[i].FromTimeMs < defs[j].FromTimeMs
	})
}
