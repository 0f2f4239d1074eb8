package lightodm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FindOptions carries the query modifiers of find/findIter. Zero values
// mean "unset". Sort and Projection use raw backend syntax.
type FindOptions struct {
	Skip       int64
	Limit      int64
	Sort       bson.D
	Projection bson.M
}

// Cursor is a live, server-backed iterator over raw store records.
type Cursor interface {
	Next(ctx context.Context) bool
	Current() (bson.M, error)
	Err() error
	Close(ctx context.Context) error
}

// CollectionHandle is the contract this layer requires from the backing
// store driver. One implementation wraps a real Mongo collection; an
// in-memory implementation backs unit tests.
type CollectionHandle interface {
	FindOne(ctx context.Context, filter bson.M) (bson.M, bool, error)
	Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error)
	ReplaceOne(ctx context.Context, filter bson.M, replacement bson.M, upsert bool) error
	InsertMany(ctx context.Context, docs []bson.M) error
	UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error)
	UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (int64, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Count(ctx context.Context, filter bson.M) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error)
}

// mongoCollection adapts *mongo.Collection to CollectionHandle. Driver
// errors pass through unmodified.
type mongoCollection struct {
	col *mongo.Collection
}

// NewMongoHandle wraps a driver collection in the backend contract. Used
// by the connection manager and available to callers that manage their
// own clients.
func NewMongoHandle(col *mongo.Collection) CollectionHandle {
	return &mongoCollection{col: col}
}

func (m *mongoCollection) FindOne(ctx context.Context, filter bson.M) (bson.M, bool, error) {
	var rec bson.M
	if err := m.col.FindOne(ctx, filter).Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

func (m *mongoCollection) Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error) {
	fo := options.Find()
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.Sort != nil {
		fo.SetSort(opts.Sort)
	}
	if opts.Projection != nil {
		fo.SetProjection(opts.Projection)
	}
	cur, err := m.col.Find(ctx, filter, fo)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

func (m *mongoCollection) ReplaceOne(ctx context.Context, filter bson.M, replacement bson.M, upsert bool) error {
	_, err := m.col.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(upsert))
	return err
}

func (m *mongoCollection) InsertMany(ctx context.Context, docs []bson.M) error {
	if len(docs) == 0 {
		return nil
	}
	payload := make([]interface{}, len(docs))
	for i, d := range docs {
		payload[i] = d
	}
	_, err := m.col.InsertMany(ctx, payload)
	return err
}

func (m *mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	res, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount + res.UpsertedCount, nil
}

func (m *mongoCollection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	res, err := m.col.UpdateMany(ctx, filter, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount + res.UpsertedCount, nil
}

func (m *mongoCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := m.col.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := m.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoCollection) Count(ctx context.Context, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	return m.col.CountDocuments(ctx, filter)
}

func (m *mongoCollection) Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error) {
	cur, err := m.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }

func (c *mongoCursor) Current() (bson.M, error) {
	var rec bson.M
	if err := c.cur.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *mongoCursor) Err() error                      { return c.cur.Err() }
func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
