package factdb

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/factline/factline/pkg/model"
)

type updateCall struct {
	filter interface{}
	update interface{}
	upsert bool
}

type fakeCollection struct {
	name string

	updateRes *mongo.UpdateResult
	updateErr error
	updates   []updateCall

	bulkRes    *mongo.BulkWriteResult
	bulkErr    error
	bulkModels [][]mongo.WriteModel

	findFilter interface{}
	findOpts   *options.FindOptions
	findRows   interface{}

	aggRows []bson.M
	aggErr  error

	inserted  []interface{}
	insertErr error
}

func (f *fakeCollection) Name() string { return f.name }

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update interface{}, upsert bool) (*mongo.UpdateResult, error) {
	f.updates = append(f.updates, updateCall{filter: filter, update: update, upsert: upsert})
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.updateRes != nil {
		return f.updateRes, nil
	}
	return &mongo.UpdateResult{}, nil
}

func (f *fakeCollection) BulkWrite(_ context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	f.bulkModels = append(f.bulkModels, models)
	return f.bulkRes, f.bulkErr
}

func (f *fakeCollection) FindAll(_ context.Context, filter interface{}, opts *options.FindOptions, out interface{}) error {
	f.findFilter = filter
	f.findOpts = opts
	return copyRows(f.findRows, out)
}

func (f *fakeCollection) Aggregate(_ context.Context, _ interface{}, _ *options.AggregateOptions, out interface{}) error {
	if f.aggErr != nil {
		return f.aggErr
	}
	return copyRows(f.aggRows, out)
}

func (f *fakeCollection) InsertOne(_ context.Context, doc interface{}) error {
	f.inserted = append(f.inserted, doc)
	return f.insertErr
}

// copyRows moves fake rows into the caller's destination slice the way the
// driver's cursor decoding would.
func copyRows(rows, out interface{}) error {
	if rows == nil {
		rows = []bson.M{}
	}
	t, data, err := bson.MarshalValue(rows)
	if err != nil {
		return err
	}
	return bson.UnmarshalValue(t, data, out)
}

func testGateway(cfg *Config) (*readerWriter, *fakeCollection, *fakeCollection, *fakeCollection) {
	if cfg == nil {
		cfg = &Config{FactCollection: "facts", IndexCollection: "factIndex", LogCollection: "opLog", BulkIndexWrites: true}
	}
	facts := &fakeCollection{name: cfg.FactCollection}
	index := &fakeCollection{name: cfg.IndexCollection}
	oplog := &fakeCollection{name: cfg.LogCollection}
	rw := &readerWriter{
		facts:     facts,
		factsRead: facts,
		index:     index,
		indexRead: index,
		oplog:     oplog,
		cfg:       cfg,
		logger:    log.NewNopLogger(),
	}
	return rw, facts, index, oplog
}

func testIndexEntries() []model.IndexEntry {
	now := time.Now()
	return []model.IndexEntry{
		{Hash: "h1", FactID: "f1", FactTime: now, CreatedAt: now, IndexType: 7},
		{Hash: "h2", FactID: "f1", FactTime: now, CreatedAt: now, IndexType: 8},
	}
}

func TestSaveFactKinds(t *testing.T) {
	tests := []struct {
		name string
		res  *mongo.UpdateResult
		want SaveKind
	}{
		{"insert", &mongo.UpdateResult{UpsertedCount: 1}, SaveInserted},
		{"update", &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, SaveUpdated},
		{"retry of identical fact", &mongo.UpdateResult{MatchedCount: 1}, SaveIgnored},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rw, facts, _, _ := testGateway(nil)
			facts.updateRes = tc.res

			out, err := rw.SaveFact(context.Background(), &model.Fact{ID: "f1", Type: 3, CreatedAt: time.Now()})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out.Kind)

			require.Len(t, facts.updates, 1)
			assert.Equal(t, bson.M{"_id": "f1"}, facts.updates[0].filter)
			assert.True(t, facts.updates[0].upsert)
		})
	}
}

func TestSaveIndexEntriesBulk(t *testing.T) {
	rw, _, index, _ := testGateway(nil)
	index.bulkRes = &mongo.BulkWriteResult{UpsertedCount: 1, MatchedCount: 1, ModifiedCount: 1}

	out, err := rw.SaveIndexEntries(context.Background(), testIndexEntries())
	require.NoError(t, err)

	require.Len(t, index.bulkModels, 1)
	assert.Len(t, index.bulkModels[0], 2)
	assert.Equal(t, 1, out.Inserted)
	assert.Equal(t, 1, out.Updated)
	assert.Zero(t, out.Duplicates)
	assert.Nil(t, out.PerEntryLatency)
}

func TestSaveIndexEntriesBulkPartialFailure(t *testing.T) {
	rw, _, index, _ := testGateway(nil)
	index.bulkRes = &mongo.BulkWriteResult{UpsertedCount: 1}
	index.bulkErr = mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{}}}

	// partial write errors degrade into the result, they are not raised
	out, err := rw.SaveIndexEntries(context.Background(), testIndexEntries())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Errors)
	assert.Equal(t, 1, out.Inserted)
}

func TestSaveIndexEntriesPerEntry(t *testing.T) {
	cfg := &Config{FactCollection: "facts", IndexCollection: "factIndex", LogCollection: "opLog", BulkIndexWrites: false}
	rw, _, index, _ := testGateway(cfg)
	index.updateRes = &mongo.UpdateResult{UpsertedCount: 1}

	out, err := rw.SaveIndexEntries(context.Background(), testIndexEntries())
	require.NoError(t, err)

	assert.Len(t, index.updates, 2)
	assert.Equal(t, 2, out.Inserted)
	require.Len(t, out.PerEntryLatency, 2)
	assert.Empty(t, index.bulkModels)
}

func TestSaveIndexEntriesEmpty(t *testing.T) {
	rw, _, index, _ := testGateway(nil)

	out, err := rw.SaveIndexEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, out.Inserted)
	assert.Empty(t, index.bulkModels)
	assert.Empty(t, index.updates)
}

func TestLookupIndex(t *testing.T) {
	rw, _, index, _ := testGateway(nil)
	index.findRows = []bson.M{{"factId": "f2"}, {"factId": "f3"}}

	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	out, err := rw.LookupIndex(context.Background(), LookupQuery{Hash: "h1", From: from, To: to, Depth: 100})
	require.NoError(t, err)

	assert.Equal(t, []string{"f2", "f3"}, out.FactIDs)
	assert.Equal(t, 2, out.MatchedCount)

	filter := index.findFilter.(bson.M)
	assert.Equal(t, "h1", filter["hash"])
	window := filter["factTime"].(bson.M)
	assert.Equal(t, from, window["$gte"])
	assert.Equal(t, to, window["$lt"])
}

func TestLookupIndexOpenWindow(t *testing.T) {
	rw, _, index, _ := testGateway(nil)
	index.findRows = []bson.M{}

	_, err := rw.LookupIndex(context.Background(), LookupQuery{Hash: "h1"})
	require.NoError(t, err)

	filter := index.findFilter.(bson.M)
	// zero bounds put no time window on the lookup
	assert.NotContains(t, filter, "factTime")
}

func TestAggregateRoutesByCollection(t *testing.T) {
	rw, facts, index, _ := testGateway(nil)
	facts.aggRows = []bson.M{{"c": int32(1)}}
	index.aggRows = []bson.M{{"c": int32(2)}}

	out, err := rw.Aggregate(context.Background(), "facts", []bson.M{{"$limit": int64(1)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), out.Rows[0]["c"])

	out, err = rw.Aggregate(context.Background(), "factIndex", []bson.M{{"$limit": int64(1)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), out.Rows[0]["c"])

	_, err = rw.Aggregate(context.Background(), "nope", nil, nil)
	require.Error(t, err)
}

func TestAppendLogSwallowsErrors(t *testing.T) {
	rw, _, _, oplog := testGateway(nil)
	oplog.insertErr = assert.AnError

	// best effort: no panic, no error surfaced
	rw.AppendLog(context.Background(), bson.M{"msg": "debug"})
	assert.Len(t, oplog.inserted, 1)
}
