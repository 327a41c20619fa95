// Package pipeline models aggregation pipelines as a closed set of stage
// variants. Planners build values in this type; the storage gateway and the
// query workers render them to the document store's wire form.
package pipeline

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Stage is one step of an aggregation pipeline.
type Stage interface {
	// Render returns the stage in the store's wire form.
	Render() bson.M
}

// Match filters documents by a predicate.
type Match struct {
	Predicate bson.M
}

func (s Match) Render() bson.M { return bson.M{"$match": s.Predicate} }

// Limit caps the number of documents flowing into later stages.
type Limit struct {
	N int64
}

func (s Limit) Render() bson.M { return bson.M{"$limit": s.N} }

// Group collapses the input into a single document. The group key is always
// null; Accumulators maps output names to accumulator expressions.
type Group struct {
	Accumulators bson.M
}

func (s Group) Render() bson.M {
	doc := bson.M{"_id": nil}
	for k, v := range s.Accumulators {
		doc[k] = v
	}
	return bson.M{"$group": doc}
}

// Project picks or rewrites fields of each document.
type Project struct {
	Picks bson.M
}

func (s Project) Render() bson.M { return bson.M{"$project": s.Picks} }

// Facet runs several independent sub-pipelines against the same input.
type Facet struct {
	Pipelines map[string][]Stage
}

func (s Facet) Render() bson.M {
	doc := bson.M{}
	for name, stages := range s.Pipelines {
		doc[name] = Render(stages)
	}
	return bson.M{"$facet": doc}
}

// Lookup left-joins documents from another collection.
type Lookup struct {
	From         string
	LocalField   string
	ForeignField string
	As           string
}

func (s Lookup) Render() bson.M {
	return bson.M{"$lookup": bson.M{
		"from":         s.From,
		"localField":   s.LocalField,
		"foreignField": s.ForeignField,
		"as":           s.As,
	}}
}

// Unwind flattens an array field into one document per element.
type Unwind struct {
	Path string
}

func (s Unwind) Render() bson.M { return bson.M{"$unwind": s.Path} }

// AddFields appends computed fields to each document.
type AddFields struct {
	Fields bson.M
}

func (s AddFields) Render() bson.M { return bson.M{"$addFields": s.Fields} }

// Render converts a stage list to the store's wire form.
func Render(stages []Stage) []bson.M {
	out := make([]bson.M, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Render())
	}
	return out
}

// CollectSetKeys returns the accumulator names that collect values into a set.
// The planner rewrites these to set cardinality after grouping unless interval
// splitting needs the raw sets for later reduction.
func CollectSetKeys(accumulators bson.M) []string {
	var keys []string
	for k, v := range accumulators {
		if expr, ok := v.(bson.M); ok {
			if _, ok := expr["$addToSet"]; ok {
				keys = append(keys, k)
			}
		}
	}
	return keys
}
