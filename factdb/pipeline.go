package factdb

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/factline/factline/pkg/pipeline"
)

// FactsPipeline assembles the "facts" strategy aggregation: restrict to the
// fact ids collected by the index lookup, run one facet per counter, then
// pick the single group document out of each facet bucket.
func FactsPipeline(factIDs []string, facets map[string][]pipeline.Stage) []bson.M {
	ids := make([]interface{}, len(factIDs))
	for i, id := range factIDs {
		ids[i] = id
	}
	stages := []pipeline.Stage{
		pipeline.Match{Predicate: bson.M{"_id": bson.M{"$in": ids}}},
	}
	return append(pipeline.Render(stages), facetTail(facets)...)
}

// IndexPipeline assembles the "lookup" and "embedded" strategy aggregation:
// restrict index entries by hash and fact-time window, clamp depth, join the
// parent fact when requested, then facet per counter.
func IndexPipeline(q LookupQuery, facets map[string][]pipeline.Stage, join bool, factCollection string) []bson.M {
	stages := []pipeline.Stage{
		pipeline.Match{Predicate: lookupFilter(q)},
	}
	if q.Depth > 0 {
		stages = append(stages, pipeline.Limit{N: q.Depth})
	}
	if join {
		stages = append(stages,
			pipeline.Lookup{
				From:         factCollection,
				LocalField:   "factId",
				ForeignField: "_id",
				As:           "fact",
			},
			pipeline.Unwind{Path: "$fact"},
			// surface the joined fact's fields under the names counter
			// definitions address, so definitions stay strategy-independent
			pipeline.AddFields{Fields: bson.M{
				"data":      "$fact.data",
				"type":      "$fact.type",
				"createdAt": "$fact.createdAt",
			}},
		)
	}
	return append(pipeline.Render(stages), facetTail(facets)...)
}

func facetTail(facets map[string][]pipeline.Stage) []bson.M {
	facet := pipeline.Facet{Pipelines: facets}
	picks := bson.M{"_id": 0}
	for name := range facets {
		picks[name] = bson.M{"$arrayElemAt": []interface{}{"$" + name, 0}}
	}
	return []bson.M{facet.Render(), pipeline.Project{Picks: picks}.Render()}
}
