package pipeline

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// placeholderPrefix marks string values that must be replaced by a field of
// the current fact (or by the plan-time wall clock) before dispatch. Single-$
// field references pass through untouched.
const placeholderPrefix = "$$"

// Substitute deep-copies stages, replacing every placeholder string by the
// matching fact data field or, for $$NOW (case-insensitive), by now. The
// returned slice shares nothing with the input, so the caller holds an
// immutable snapshot of the plan. Placeholders with no matching field are left
// in place and reported in missing.
func Substitute(stages []Stage, data map[string]interface{}, now time.Time) (out []Stage, missing []string) {
	sub := &substituter{data: data, now: now}
	out = sub.stages(stages)
	return out, sub.missing
}

type substituter struct {
	data    map[string]interface{}
	now     time.Time
	missing []string
}

func (s *substituter) stages(stages []Stage) []Stage {
	out := make([]Stage, 0, len(stages))
	for _, st := range stages {
		out = append(out, s.stage(st))
	}
	return out
}

func (s *substituter) stage(st Stage) Stage {
	switch v := st.(type) {
	case Match:
		return Match{Predicate: s.doc(v.Predicate)}
	case Group:
		return Group{Accumulators: s.doc(v.Accumulators)}
	case Project:
		return Project{Picks: s.doc(v.Picks)}
	case AddFields:
		return AddFields{Fields: s.doc(v.Fields)}
	case Facet:
		pipelines := make(map[string][]Stage, len(v.Pipelines))
		for name, sub := range v.Pipelines {
			pipelines[name] = s.stages(sub)
		}
		return Facet{Pipelines: pipelines}
	default:
		// Limit, Lookup and Unwind carry no value positions.
		return st
	}
}

func (s *substituter) doc(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = s.value(v)
	}
	return out
}

func (s *substituter) value(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.resolve(val)
	case bson.M:
		return s.doc(val)
	case map[string]interface{}:
		return s.doc(bson.M(val))
	case bson.A:
		return s.list([]interface{}(val))
	case []interface{}:
		return s.list(val)
	default:
		return val
	}
}

func (s *substituter) list(vals []interface{}) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = s.value(v)
	}
	return out
}

func (s *substituter) resolve(v string) interface{} {
	if !strings.HasPrefix(v, placeholderPrefix) {
		return v
	}
	name := strings.TrimPrefix(v, placeholderPrefix)
	// $$d.NAME is an alias for $$NAME
	name = strings.TrimPrefix(name, "d.")
	if strings.EqualFold(name, "NOW") {
		return s.now
	}
	if val, ok := s.data[name]; ok {
		return val
	}
	s.missing = append(s.missing, name)
	return v
}
