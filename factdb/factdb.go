// Package factdb owns the long-lived document store clients and the
// persistence operations the counter evaluation path depends on: fact
// upserts, index entry writes, ordered index lookups and aggregations.
package factdb

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"golang.org/x/sync/errgroup"

	"github.com/factline/factline/pkg/ipc"
	"github.com/factline/factline/pkg/model"
)

var (
	metricPoolEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "factdb_pool_events_total",
		Help:      "Connection pool events per client.",
	}, []string{"client", "event"})
	metricSaveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "factline",
		Name:      "factdb_save_duration_seconds",
		Help:      "Latency of fact and index writes.",
		Buckets:   prometheus.ExponentialBuckets(.001, 2, 12),
	}, []string{"op"})
	metricQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "factline",
		Name:      "factdb_query_duration_seconds",
		Help:      "Latency of index lookups and aggregations.",
		Buckets:   prometheus.ExponentialBuckets(.001, 2, 12),
	}, []string{"op"})
	metricAppendLogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "factdb_append_log_errors_total",
		Help:      "Total number of best-effort log writes that failed.",
	})
)

// SaveKind reports what a fact upsert did.
type SaveKind string

const (
	SaveInserted SaveKind = "inserted"
	SaveUpdated  SaveKind = "updated"
	SaveIgnored  SaveKind = "ignored"
)

type SaveFactResult struct {
	Kind    SaveKind
	ID      string
	Latency time.Duration
}

type SaveIndexResult struct {
	Inserted   int
	Updated    int
	Duplicates int
	Errors     int
	Latency    time.Duration

	// PerEntryLatency is populated only in per-entry write mode.
	PerEntryLatency []time.Duration
}

// LookupQuery selects index entries by hash within a fact-time window. Zero
// time bounds are open; Depth clamps the number of returned entries.
type LookupQuery struct {
	Hash    string
	From    time.Time
	To      time.Time
	Depth   int64
	Comment string
}

type LookupResult struct {
	FactIDs      []string
	MatchedCount int
	Latency      time.Duration
}

type AggregateResult struct {
	Rows    []bson.M
	Latency time.Duration
}

// Writer issues primary-routed writes.
type Writer interface {
	SaveFact(ctx context.Context, fact *model.Fact) (SaveFactResult, error)
	SaveIndexEntries(ctx context.Context, entries []model.IndexEntry) (SaveIndexResult, error)
	// AppendLog is best effort; failures are logged, never returned.
	AppendLog(ctx context.Context, record bson.M)
}

// Reader issues replica-preferring reads.
type Reader interface {
	LookupIndex(ctx context.Context, q LookupQuery) (LookupResult, error)
	Aggregate(ctx context.Context, collectionName string, plan []bson.M, opts *ipc.QueryOptions) (AggregateResult, error)
	FactCollection() string
	IndexCollection() string
	Shutdown()
}

type readerWriter struct {
	writeClient *mongo.Client
	readClient  *mongo.Client

	facts     collection
	factsRead collection
	index     collection
	indexRead collection
	oplog     collection

	cfg    *Config
	logger log.Logger
}

// New connects the two storage clients and returns the gateway. Connection
// failures here are fatal; everything downstream degrades per group instead.
func New(cfg *Config, logger log.Logger) (Reader, Writer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	writeClient, err := connect(ctx, cfg, "write",
		options.Client().
			SetWriteConcern(writeconcern.Majority()).
			SetReadPreference(readpref.Primary()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connecting write client")
	}

	readClient, err := connect(ctx, cfg, "read",
		options.Client().
			SetReadPreference(readpref.SecondaryPreferred()).
			SetReadConcern(readconcern.Local()))
	if err != nil {
		_ = writeClient.Disconnect(context.Background())
		return nil, nil, errors.Wrap(err, "connecting read client")
	}

	writeDB := writeClient.Database(cfg.Database)
	readDB := readClient.Database(cfg.Database)

	rw := &readerWriter{
		writeClient: writeClient,
		readClient:  readClient,
		facts:       &mongoCollection{coll: writeDB.Collection(cfg.FactCollection)},
		factsRead:   &mongoCollection{coll: readDB.Collection(cfg.FactCollection)},
		index:       &mongoCollection{coll: writeDB.Collection(cfg.IndexCollection)},
		indexRead:   &mongoCollection{coll: readDB.Collection(cfg.IndexCollection)},
		oplog:       &mongoCollection{coll: writeDB.Collection(cfg.LogCollection)},
		cfg:         cfg,
		logger:      logger,
	}
	return rw, rw, nil
}

func connect(ctx context.Context, cfg *Config, name string, opts *options.ClientOptions) (*mongo.Client, error) {
	monitor := &event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			metricPoolEvents.WithLabelValues(name, evt.Type).Inc()
		},
	}
	client, err := mongo.Connect(ctx, opts.
		ApplyURI(cfg.ConnectionString).
		SetAppName("factline-"+name).
		SetPoolMonitor(monitor))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func (rw *readerWriter) SaveFact(ctx context.Context, fact *model.Fact) (SaveFactResult, error) {
	start := time.Now()
	defer func() { metricSaveLatency.WithLabelValues("fact").Observe(time.Since(start).Seconds()) }()

	res, err := rw.facts.UpdateOne(ctx,
		bson.M{"_id": fact.ID},
		bson.M{"$set": bson.M{
			"type":      fact.Type,
			"createdAt": fact.CreatedAt,
			"data":      fact.Data,
		}},
		true)
	if err != nil {
		return SaveFactResult{}, err
	}

	out := SaveFactResult{ID: fact.ID, Latency: time.Since(start)}
	switch {
	case res.UpsertedCount > 0:
		out.Kind = SaveInserted
	case res.ModifiedCount > 0:
		out.Kind = SaveUpdated
	default:
		// matched an identical document: a retry of the same logical event
		out.Kind = SaveIgnored
	}
	return out, nil
}

func (rw *readerWriter) SaveIndexEntries(ctx context.Context, entries []model.IndexEntry) (SaveIndexResult, error) {
	start := time.Now()
	defer func() { metricSaveLatency.WithLabelValues("index").Observe(time.Since(start).Seconds()) }()

	if len(entries) == 0 {
		return SaveIndexResult{}, nil
	}
	if rw.cfg.BulkIndexWrites {
		return rw.saveIndexBulk(ctx, entries, start)
	}
	return rw.saveIndexPerEntry(ctx, entries, start)
}

func (rw *readerWriter) saveIndexBulk(ctx context.Context, entries []model.IndexEntry, start time.Time) (SaveIndexResult, error) {
	models := make([]mongo.WriteModel, 0, len(entries))
	for i := range entries {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(indexKey(&entries[i])).
			SetUpdate(bson.M{"$set": indexDoc(&entries[i])}).
			SetUpsert(true))
	}

	res, err := rw.index.BulkWrite(ctx, models)
	out := SaveIndexResult{Latency: time.Since(start)}
	if res != nil {
		out.Inserted = int(res.UpsertedCount)
		out.Updated = int(res.ModifiedCount)
		out.Duplicates = int(res.MatchedCount - res.ModifiedCount)
	}
	if err != nil {
		// partial write errors are reported, not raised
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			out.Errors = len(bulkErr.WriteErrors)
			level.Warn(rw.logger).Log("msg", "partial index write failure", "errors", out.Errors)
			return out, nil
		}
		return out, err
	}
	return out, nil
}

func (rw *readerWriter) saveIndexPerEntry(ctx context.Context, entries []model.IndexEntry, start time.Time) (SaveIndexResult, error) {
	type entryOutcome struct {
		res     *mongo.UpdateResult
		latency time.Duration
		err     error
	}
	outcomes := make([]entryOutcome, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i := range entries {
		i := i
		g.Go(func() error {
			t0 := time.Now()
			res, err := rw.index.UpdateOne(gctx, indexKey(&entries[i]), bson.M{"$set": indexDoc(&entries[i])}, true)
			outcomes[i] = entryOutcome{res: res, latency: time.Since(t0), err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := SaveIndexResult{Latency: time.Since(start), PerEntryLatency: make([]time.Duration, len(entries))}
	for i, o := range outcomes {
		out.PerEntryLatency[i] = o.latency
		switch {
		case o.err != nil:
			out.Errors++
			level.Warn(rw.logger).Log("msg", "index entry write failed", "hash", entries[i].Hash, "err", o.err)
		case o.res.UpsertedCount > 0:
			out.Inserted++
		case o.res.ModifiedCount > 0:
			out.Updated++
		default:
			out.Duplicates++
		}
	}
	return out, nil
}

func indexKey(e *model.IndexEntry) bson.M {
	return bson.M{"hash": e.Hash, "factId": e.FactID}
}

func indexDoc(e *model.IndexEntry) bson.M {
	doc := bson.M{
		"factTime":      e.FactTime,
		"createdAt":     e.CreatedAt,
		"indexType":     e.IndexType,
		"indexEncoding": e.IndexEncoding,
	}
	if e.FieldValue != "" {
		doc["fieldValue"] = e.FieldValue
	}
	if e.Data != nil {
		doc["data"] = e.Data
	}
	return doc
}

func (rw *readerWriter) AppendLog(ctx context.Context, record bson.M) {
	if err := rw.oplog.InsertOne(ctx, record); err != nil {
		metricAppendLogErrors.Inc()
		level.Warn(rw.logger).Log("msg", "append log failed", "err", err)
	}
}

func (rw *readerWriter) LookupIndex(ctx context.Context, q LookupQuery) (LookupResult, error) {
	start := time.Now()
	defer func() { metricQueryLatency.WithLabelValues("lookup").Observe(time.Since(start).Seconds()) }()

	opts := options.Find().
		SetSort(bson.D{{Key: "hash", Value: 1}, {Key: "factTime", Value: -1}}).
		SetProjection(bson.M{"factId": 1, "_id": 0})
	if q.Depth > 0 {
		opts = opts.SetLimit(q.Depth)
	}
	if q.Comment != "" {
		opts = opts.SetComment(q.Comment)
	}

	var rows []struct {
		FactID string `bson:"factId"`
	}
	if err := rw.indexRead.FindAll(ctx, lookupFilter(q), opts, &rows); err != nil {
		return LookupResult{Latency: time.Since(start)}, err
	}

	out := LookupResult{
		FactIDs:      make([]string, 0, len(rows)),
		MatchedCount: len(rows),
		Latency:      time.Since(start),
	}
	for _, r := range rows {
		out.FactIDs = append(out.FactIDs, r.FactID)
	}
	return out, nil
}

func lookupFilter(q LookupQuery) bson.M {
	filter := bson.M{"hash": q.Hash}
	window := bson.M{}
	if !q.From.IsZero() {
		window["$gte"] = q.From
	}
	if !q.To.IsZero() {
		window["$lt"] = q.To
	}
	if len(window) > 0 {
		filter["factTime"] = window
	}
	return filter
}

func (rw *readerWriter) Aggregate(ctx context.Context, collectionName string, plan []bson.M, qopts *ipc.QueryOptions) (AggregateResult, error) {
	start := time.Now()
	defer func() { metricQueryLatency.WithLabelValues("aggregate").Observe(time.Since(start).Seconds()) }()

	var coll collection
	switch collectionName {
	case rw.cfg.FactCollection:
		coll = rw.factsRead
	case rw.cfg.IndexCollection:
		coll = rw.indexRead
	default:
		return AggregateResult{}, errors.Errorf("unknown collection %s", collectionName)
	}

	opts := options.Aggregate()
	if qopts != nil {
		if qopts.AllowDiskUse {
			opts = opts.SetAllowDiskUse(true)
		}
		if qopts.MaxTimeMS > 0 {
			opts = opts.SetMaxTime(time.Duration(qopts.MaxTimeMS) * time.Millisecond)
		}
		if qopts.Comment != "" {
			opts = opts.SetComment(qopts.Comment)
		}
	}

	var rows []bson.M
	if err := coll.Aggregate(ctx, plan, opts, &rows); err != nil {
		return AggregateResult{Latency: time.Since(start)}, err
	}
	return AggregateResult{Rows: rows, Latency: time.Since(start)}, nil
}

func (rw *readerWriter) FactCollection() string  { return rw.cfg.FactCollection }
func (rw *readerWriter) IndexCollection() string { return rw.cfg.IndexCollection }

func (rw *readerWriter) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rw.readClient.Disconnect(ctx); err != nil {
		level.Warn(rw.logger).Log("msg", "read client disconnect", "err", err)
	}
	if err := rw.writeClient.Disconnect(ctx); err != nil {
		level.Warn(rw.logger).Log("msg", "write client disconnect", "err", err)
	}
}
