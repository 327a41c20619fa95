package counter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/factline/factline/factdb"
	"github.com/factline/factline/pkg/dispatch"
	"github.com/factline/factline/pkg/ipc"
	"github.com/factline/factline/pkg/model"
)

// Reasons reported when the computation short-circuits.
const (
	ReasonNoIndex    = "no-index"
	ReasonNoCounters = "no-counters"
)

// Dispatcher is the slice of the query dispatcher the evaluator depends on.
type Dispatcher interface {
	ExecuteQueries(ctx context.Context, requests []ipc.Request) (*dispatch.Outcome, error)
	WorkerCount() int
}

// ComputeOptions tunes one evaluation.
type ComputeOptions struct {
	// DepthLimit caps every group's record budget for this call. Zero keeps
	// the planned budgets.
	DepthLimit int64
	// DepthFromDate further narrows the look-back window when set.
	DepthFromDate *time.Time
	// AllowedCounters drops unlisted counters when non-nil.
	AllowedCounters map[string]struct{}
	Debug           bool
}

// Metrics is the debug/metrics envelope returned with every computation.
type Metrics struct {
	Reason string `json:"reason,omitempty"`

	IndexCount              int `json:"indexCount"`
	FactCountersCount       int `json:"factCountersCount"`
	EvaluationCountersCount int `json:"evaluationCountersCount"`
	GroupCount              int `json:"groupCount"`
	RelevantIndexCount      int `json:"relevantIndexCount"`
	ResultCountersCount     int `json:"resultCountersCount"`
	AggregateCount          int `json:"aggregateCount"`

	LookupBytes         int           `json:"lookupBytes"`
	LookupLatencyMax    time.Duration `json:"lookupLatencyMax"`
	AggregateBytes      int           `json:"aggregateBytes"`
	AggregateLatencyMax time.Duration `json:"aggregateLatencyMax"`

	WaitLatency           time.Duration `json:"waitLatency"`
	PoolInitLatency       time.Duration `json:"poolInitLatency"`
	BatchPrepLatency      time.Duration `json:"batchPrepLatency"`
	BatchExecLatency      time.Duration `json:"batchExecLatency"`
	ResultMergeLatency    time.Duration `json:"resultMergeLatency"`
	BatchTransformLatency time.Duration `json:"batchTransformLatency"`

	Errors []string `json:"errors,omitempty"`
}

// Result pairs the counter map with its metrics envelope.
type Result struct {
	Counters map[string]interface{}
	Metrics  Metrics
}

// Evaluator is the public entry point of the counter subsystem.
type Evaluator struct {
	catalog    *Catalog
	plannerCfg PlannerConfig
	reader     factdb.Reader
	strategy   factdb.Strategy
	dispatcher Dispatcher
	logger     log.Logger

	now func() time.Time
}

func NewEvaluator(catalog *Catalog, plannerCfg PlannerConfig, reader factdb.Reader, strategy factdb.Strategy, dispatcher Dispatcher, logger log.Logger) *Evaluator {
	return &Evaluator{
		catalog:    catalog,
		plannerCfg: plannerCfg,
		reader:     reader,
		strategy:   strategy,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// ComputeCounters evaluates every applicable counter for the fact against
// the historical records sharing its index keys. Per-group failures degrade
// into Metrics.Errors; only invalid input returns an error.
func (e *Evaluator) ComputeCounters(ctx context.Context, fact *model.Fact, entries []model.IndexEntry, opts ComputeOptions) (*Result, error) {
	if err := model.ValidateFact(fact); err != nil {
		return nil, err
	}
	if err := model.ValidateIndexEntries(entries); err != nil {
		return nil, err
	}

	res := &Result{Counters: map[string]interface{}{}}
	res.Metrics.IndexCount = len(entries)
	if len(entries) == 0 {
		res.Metrics.Reason = ReasonNoIndex
		return res, nil
	}

	applicable := e.catalog.ApplicableCounters(fact, opts.AllowedCounters)
	res.Metrics.FactCountersCount = len(applicable.Applied)
	res.Metrics.EvaluationCountersCount = applicable.EvaluationTouched
	if len(applicable.Applied) == 0 {
		res.Metrics.Reason = ReasonNoCounters
		return res, nil
	}

	timeField := TimeFieldIndex
	if e.strategy == factdb.StrategyFacts {
		timeField = TimeFieldFact
	}
	now := e.now()
	plan := BuildPlan(applicable.Applied, e.plannerCfg, fact, timeField, now, e.logger)
	res.Metrics.GroupCount = len(plan.Groups)

	entryByType := e.entriesByTypeName(entries)
	groups := e.relevantGroups(plan, entryByType, &res.Metrics)
	if len(groups) == 0 {
		res.Metrics.Reason = ReasonNoCounters
		return res, nil
	}

	var rowsByGroup map[string][]bson.M
	if e.strategy == factdb.StrategyFacts {
		rowsByGroup = e.runFactsStrategy(ctx, groups, entryByType, now, opts, &res.Metrics)
	} else {
		rowsByGroup = e.runIndexStrategy(ctx, groups, entryByType, now, opts, &res.Metrics)
	}

	mergeStart := time.Now()
	for _, g := range groups {
		mergeGroup(res.Counters, g, rowsByGroup[g.Key], plan.SplitActive)
	}
	res.Metrics.ResultMergeLatency = time.Since(mergeStart)
	res.Metrics.ResultCountersCount = len(res.Counters)

	if opts.Debug {
		level.Debug(e.logger).Log("msg", "counters computed",
			"fact", fact.ID,
			"groups", len(groups),
			"counters", len(res.Counters),
			"aggregate_bytes", humanize.Bytes(uint64(res.Metrics.AggregateBytes)),
			"errors", len(res.Metrics.Errors))
	}
	return res, nil
}

// entriesByTypeName resolves each entry's numeric index type to the
// configured index type name counters are bound to.
func (e *Evaluator) entriesByTypeName(entries []model.IndexEntry) map[string]*model.IndexEntry {
	byType := make(map[string]*model.IndexEntry)
	for name := range e.catalog.indexes {
		desc := e.catalog.indexes[name]
		for i := range entries {
			if entries[i].IndexType == desc.IndexType {
				byType[name] = &entries[i]
				break
			}
		}
	}
	return byType
}

func (e *Evaluator) relevantGroups(plan *Plan, entryByType map[string]*model.IndexEntry, m *Metrics) []*PlanGroup {
	keys := make([]string, 0, len(plan.Groups))
	for k := range plan.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resolved := make(map[string]struct{})
	var groups []*PlanGroup
	for _, k := range keys {
		g := plan.Groups[k]
		if _, ok := entryByType[g.IndexTypeName]; !ok {
			level.Warn(e.logger).Log("msg", "no index entry for planned group, skipping",
				"index_type", g.IndexTypeName, "group", g.Key)
			continue
		}
		resolved[g.IndexTypeName] = struct{}{}
		groups = append(groups, g)
	}
	m.RelevantIndexCount = len(resolved)
	return groups
}

// groupLookup intersects the group's planned window with the caller's depth
// overrides. The split-interval slices shape grouping only; the scan window is
// the member counters' budget union, since a counter's own window may span
// several slices and each facet predicate re-applies it precisely anyway.
func (e *Evaluator) groupLookup(g *PlanGroup, entry *model.IndexEntry, now time.Time, opts ComputeOptions) factdb.LookupQuery {
	q := factdb.LookupQuery{Hash: entry.Hash, Comment: "factline-counter-eval"}
	if g.FromTimeMs > 0 {
		q.From = now.Add(-time.Duration(g.FromTimeMs) * time.Millisecond)
	}
	if g.ToTimeMs > 0 {
		q.To = now.Add(-time.Duration(g.ToTimeMs) * time.Millisecond)
	}
	if opts.DepthFromDate != nil && opts.DepthFromDate.After(q.From) {
		q.From = *opts.DepthFromDate
	}

	q.Depth = g.MaxEvaluatedRecords
	if opts.DepthLimit > 0 && (q.Depth == 0 || opts.DepthLimit < q.Depth) {
		q.Depth = opts.DepthLimit
	}
	return q
}

// runFactsStrategy looks fact ids up per index type, then aggregates the
// facts per group.
func (e *Evaluator) runFactsStrategy(ctx context.Context, groups []*PlanGroup, entryByType map[string]*model.IndexEntry, now time.Time, opts ComputeOptions, m *Metrics) map[string][]bson.M {
	// widest lookup per index type covers every group of that type; the
	// facet predicates re-apply each counter's precise window
	type lookupPlan struct {
		query factdb.LookupQuery
		ids   []string
		err   error
	}
	lookups := make(map[string]*lookupPlan)
	for _, g := range groups {
		entry := entryByType[g.IndexTypeName]
		q := e.groupLookup(g, entry, now, opts)
		lp, ok := lookups[g.IndexTypeName]
		if !ok {
			lookups[g.IndexTypeName] = &lookupPlan{query: q}
			continue
		}
		// a zero bound is open and always the widest; otherwise the earlier
		// From and the later To win
		if q.From.IsZero() || (!lp.query.From.IsZero() && q.From.Before(lp.query.From)) {
			lp.query.From = q.From
		}
		if q.To.IsZero() || (!lp.query.To.IsZero() && q.To.After(lp.query.To)) {
			lp.query.To = q.To
		}
		if q.Depth == 0 || (lp.query.Depth != 0 && q.Depth > lp.query.Depth) {
			lp.query.Depth = q.Depth
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, lp := range lookups {
		wg.Add(1)
		go func(name string, lp *lookupPlan) {
			defer wg.Done()
			res, err := e.reader.LookupIndex(ctx, lp.query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lp.err = err
				m.Errors = append(m.Errors, "lookup "+name+": "+err.Error())
				return
			}
			lp.ids = res.FactIDs
			// ids are fixed-width hashes; close enough for the envelope
			m.LookupBytes += len(res.FactIDs) * 16
			if res.Latency > m.LookupLatencyMax {
				m.LookupLatencyMax = res.Latency
			}
		}(name, lp)
	}
	wg.Wait()

	prepStart := time.Now()
	requests := make([]ipc.Request, 0, len(groups))
	for _, g := range groups {
		lp := lookups[g.IndexTypeName]
		if lp.err != nil {
			continue
		}
		requests = append(requests, ipc.Request{
			ID:         g.Key,
			Pipeline:   factdb.FactsPipeline(lp.ids, g.Facets),
			Collection: e.reader.FactCollection(),
		})
	}
	m.BatchPrepLatency = time.Since(prepStart)

	return e.aggregate(ctx, requests, m)
}

// runIndexStrategy aggregates over the index collection per group, joining
// parent facts when the lookup strategy is active.
func (e *Evaluator) runIndexStrategy(ctx context.Context, groups []*PlanGroup, entryByType map[string]*model.IndexEntry, now time.Time, opts ComputeOptions, m *Metrics) map[string][]bson.M {
	join := e.strategy == factdb.StrategyLookup

	prepStart := time.Now()
	requests := make([]ipc.Request, 0, len(groups))
	for _, g := range groups {
		entry := entryByType[g.IndexTypeName]
		q := e.groupLookup(g, entry, now, opts)
		requests = append(requests, ipc.Request{
			ID:         g.Key,
			Pipeline:   factdb.IndexPipeline(q, g.Facets, join, e.reader.FactCollection()),
			Collection: e.reader.IndexCollection(),
		})
	}
	m.BatchPrepLatency = time.Since(prepStart)

	return e.aggregate(ctx, requests, m)
}

// aggregate materializes the requests, through the worker pool when one is
// configured and wide enough, else locally in parallel.
func (e *Evaluator) aggregate(ctx context.Context, requests []ipc.Request, m *Metrics) map[string][]bson.M {
	rows := make(map[string][]bson.M, len(requests))
	if len(requests) == 0 {
		return rows
	}
	m.AggregateCount = len(requests)

	if e.dispatcher != nil && e.dispatcher.WorkerCount() > 1 {
		out, err := e.dispatcher.ExecuteQueries(ctx, requests)
		if err != nil {
			m.Errors = append(m.Errors, "dispatch: "+err.Error())
			return rows
		}
		m.PoolInitLatency = out.Summary.PoolInitWait
		m.BatchExecLatency = out.Summary.BatchExecTime
		transformStart := time.Now()
		for _, r := range out.Results {
			if r.Error != "" {
				m.Errors = append(m.Errors, "group "+r.ID+": "+r.Error)
				continue
			}
			rows[r.ID] = r.Rows
			m.AggregateBytes += r.Metrics.ResultBytes
			if r.Metrics.ExecTime > m.AggregateLatencyMax {
				m.AggregateLatencyMax = r.Metrics.ExecTime
			}
			if r.Metrics.WaitTime > m.WaitLatency {
				m.WaitLatency = r.Metrics.WaitTime
			}
		}
		m.BatchTransformLatency = time.Since(transformStart)
		return rows
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	execStart := time.Now()
	for _, req := range requests {
		wg.Add(1)
		go func(req ipc.Request) {
			defer wg.Done()
			res, err := e.reader.Aggregate(ctx, req.Collection, req.Pipeline, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.Errors = append(m.Errors, "group "+req.ID+": "+err.Error())
				return
			}
			rows[req.ID] = res.Rows
			if res.Latency > m.AggregateLatencyMax {
				m.AggregateLatencyMax = res.Latency
			}
		}(req)
	}
	wg.Wait()
	m.BatchExecLatency = time.Since(execStart)
	return rows
}

// mergeGroup folds one group's facet row into the counter map. Counter names
// across groups are disjoint by construction, so merging is commutative.
func mergeGroup(counters map[string]interface{}, g *PlanGroup, rows []bson.M, splitActive bool) {
	if len(rows) == 0 {
		return
	}
	doc := rows[0]
	for name := range g.Facets {
		raw, ok := doc[name]
		if !ok || raw == nil {
			// facet matched no records; the counter stays absent
			continue
		}
		groupDoc, ok := toDoc(raw)
		if !ok {
			continue
		}
		delete(groupDoc, "_id")
		if splitActive {
			for _, key := range g.SetKeys(name) {
				if set, ok := toList(groupDoc[key]); ok {
					groupDoc[key] = len(set)
				}
			}
		}
		if len(groupDoc) == 1 {
			for _, v := range groupDoc {
				counters[name] = v
			}
			continue
		}
		counters[name] = map[string]interface{}(groupDoc)
	}
}

func toDoc(v interface{}) (bson.M, bool) {
	switch doc := v.(type) {
	case bson.M:
		return doc, true
	case map[string]interface{}:
		return bson.M(doc), true
	case primitive.D:
		out := make(bson.M, len(doc))
		for _, el := range doc {
			out[el.Key] = el.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case primitive.A:
		return []interface{}(list), true
	case []interface{}:
		return list, true
	default:
		return nil, false
	}
}
