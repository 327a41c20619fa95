package counter

import (
	"reflect"
	"strings"
	"time"

	"github.com/factline/factline/pkg/model"
)

// matchFact evaluates a condition document against a fact. Conditions use the
// store's predicate vocabulary restricted to what counter definitions are
// allowed to carry: equality, $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin,
// $exists, and the connectives $and / $or / $nor. Field paths address the
// fact document ("type", "createdAt", "data.amount").
func matchFact(conditions map[string]interface{}, fact *model.Fact) bool {
	if len(conditions) == 0 {
		return true
	}
	for key, cond := range conditions {
		switch key {
		case "$and":
			for _, sub := range toConditionList(cond) {
				if !matchFact(sub, fact) {
					return false
				}
			}
		case "$or":
			matched := false
			for _, sub := range toConditionList(cond) {
				if matchFact(sub, fact) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$nor":
			for _, sub := range toConditionList(cond) {
				if matchFact(sub, fact) {
					return false
				}
			}
		default:
			val, present := factField(fact, key)
			if !matchField(val, present, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(val interface{}, present bool, cond interface{}) bool {
	ops, ok := asDoc(cond)
	if !ok || !isOperatorDoc(ops) {
		// bare value: equality
		return present && looseEqual(val, cond)
	}
	for op, want := range ops {
		switch op {
		case "$eq":
			if !present || !looseEqual(val, want) {
				return false
			}
		case "$ne":
			if present && looseEqual(val, want) {
				return false
			}
		case "$exists":
			want, _ := want.(bool)
			if present != want {
				return false
			}
		case "$in":
			if !present || !containsValue(want, val) {
				return false
			}
		case "$nin":
			if present && containsValue(want, val) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present || !compareOrdered(op, val, want) {
				return false
			}
		default:
			// unknown operator never matches; the planner logged it at load
			return false
		}
	}
	return true
}

func factField(fact *model.Fact, path string) (interface{}, bool) {
	switch path {
	case "_id", "id":
		return fact.ID, true
	case "type":
		return fact.Type, true
	case "createdAt":
		return fact.CreatedAt, true
	}
	name := strings.TrimPrefix(path, "data.")
	v, ok := fact.Data[name]
	return v, ok
}

func toConditionList(v interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	for _, item := range list {
		if doc, ok := asDoc(item); ok {
			out = append(out, doc)
		}
	}
	return out
}

func asDoc(v interface{}) (map[string]interface{}, bool) {
	switch doc := v.(type) {
	case map[string]interface{}:
		return doc, true
	case map[interface{}]interface{}:
		// yaml.v2 decodes nested mappings with interface keys
		out := make(map[string]interface{}, len(doc))
		for k, val := range doc {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func isOperatorDoc(doc map[string]interface{}) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func containsValue(list interface{}, val interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(val, item) {
			return true
		}
	}
	return false
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(op string, a, b interface{}) bool {
	var cmp float64
	switch av := a.(type) {
	case time.Time:
		bt, ok := b.(time.Time)
		if !ok {
			return false
		}
		cmp = float64(av.Sub(bt))
	case string:
		bs, ok := b.(string)
		if !ok {
			return false
		}
		cmp = float64(strings.Compare(av, bs))
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if !aok || !bok {
			return false
		}
		cmp = af - bf
	}
	switch op {
	case "$gt":
		return cmp > 0
	case "$gte":
		return cmp >= 0
	case "$lt":
		return cmp < 0
	case "$lte":
		return cmp <= 0
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
