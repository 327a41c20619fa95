package factdb

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// collection is the narrow slice of the driver the gateway depends on. Tests
// substitute fakes; production wraps *mongo.Collection.
type collection interface {
	Name() string
	UpdateOne(ctx context.Context, filter, update interface{}, upsert bool) (*mongo.UpdateResult, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error)
	FindAll(ctx context.Context, filter interface{}, opts *options.FindOptions, out interface{}) error
	Aggregate(ctx context.Context, pipeline interface{}, opts *options.AggregateOptions, out interface{}) error
	InsertOne(ctx context.Context, doc interface{}) error
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (m *mongoCollection) Name() string { return m.coll.Name() }

func (m *mongoCollection) UpdateOne(ctx context.Context, filter, update interface{}, upsert bool) (*mongo.UpdateResult, error) {
	return m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
}

func (m *mongoCollection) BulkWrite(ctx context.Context, models []mongo.WriteModel) (*mongo.BulkWriteResult, error) {
	return m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
}

func (m *mongoCollection) FindAll(ctx context.Context, filter interface{}, opts *options.FindOptions, out interface{}) error {
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func (m *mongoCollection) Aggregate(ctx context.Context, pipeline interface{}, opts *options.AggregateOptions, out interface{}) error {
	cursor, err := m.coll.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func (m *mongoCollection) InsertOne(ctx context.Context, doc interface{}) error {
	_, err := m.coll.InsertOne(ctx, doc)
	return err
}
