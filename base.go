package lightodm

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Base is the per-type CRUD surface. T is a pointer to a struct that
// embeds Model (or otherwise implements Document).
//
// Every operation exists in a blocking variant and a Context variant with
// identical semantics. Blocking variants run on the shared blocking
// client; Context variants run on the lazily-created context-mode client
// and honor the caller's context at the network boundary. Filters,
// updates and pipelines use raw backend syntax and are passed through
// unchanged; backend errors likewise surface unmodified.
type Base[T Document] struct {
	settings Settings
	exec     executor[T]
}

// NewBase resolves the type's settings and binds it to the shared default
// connection.
func NewBase[T Document](s Settings) (*Base[T], error) {
	return NewBaseWithConnection[T](s, DefaultConnection())
}

// NewBaseWithConnection binds the type to a specific connection instead
// of the process-wide default.
func NewBaseWithConnection[T Document](s Settings, conn *Connection) (*Base[T], error) {
	rs, err := resolveSettings(s)
	if err != nil {
		return nil, err
	}
	b := &Base[T]{settings: rs}
	b.exec = executor[T]{
		settings: rs,
		resolve: func(ctx context.Context, mode string) (CollectionHandle, error) {
			if mode == modeContext {
				return conn.ContextCollection(ctx, rs.Collection)
			}
			return conn.Collection(rs.Collection)
		},
	}
	return b, nil
}

// NewBaseWithHandle binds the type to a fixed collection handle for both
// execution modes, bypassing connection management entirely. This is the
// seam for custom clients and for unit tests running on MemoryCollection.
func NewBaseWithHandle[T Document](s Settings, h CollectionHandle) (*Base[T], error) {
	rs, err := resolveSettings(s)
	if err != nil {
		return nil, err
	}
	b := &Base[T]{settings: rs}
	b.exec = executor[T]{
		settings: rs,
		resolve: func(context.Context, string) (CollectionHandle, error) { return h, nil },
	}
	return b, nil
}

// Settings returns the resolved per-type settings.
func (b *Base[T]) Settings() Settings { return b.settings }

// EnsureID assigns an identity to the instance if it has none: computed
// from the composite key when the type declares one, random otherwise.
// Save and InsertMany call this implicitly.
func (b *Base[T]) EnsureID(doc T) (string, error) {
	return b.exec.ensureID(doc)
}

// Save upserts the instance by identity, minting one first if needed. The
// write fully replaces any existing document with the same identity.
func (b *Base[T]) Save(doc T) error {
	return b.exec.save(context.Background(), modeBlocking, doc)
}

// SaveContext is Save in context mode.
func (b *Base[T]) SaveContext(ctx context.Context, doc T) error {
	return b.exec.save(ctx, modeContext, doc)
}

// Get returns the instance with the given identity. Absence is reported
// by the second return value, not an error.
func (b *Base[T]) Get(id string) (T, bool, error) {
	return b.exec.get(context.Background(), modeBlocking, id)
}

// GetContext is Get in context mode.
func (b *Base[T]) GetContext(ctx context.Context, id string) (T, bool, error) {
	return b.exec.get(ctx, modeContext, id)
}

// FindOne returns the first match under backend-defined ordering.
func (b *Base[T]) FindOne(filter bson.M) (T, bool, error) {
	return b.exec.findOne(context.Background(), modeBlocking, filter)
}

// FindOneContext is FindOne in context mode.
func (b *Base[T]) FindOneContext(ctx context.Context, filter bson.M) (T, bool, error) {
	return b.exec.findOne(ctx, modeContext, filter)
}

// Find returns all matches, eagerly materialized, in backend order.
func (b *Base[T]) Find(filter bson.M, opts ...FindOptions) ([]T, error) {
	return b.exec.find(context.Background(), modeBlocking, filter, firstOpt(opts))
}

// FindContext is Find in context mode.
func (b *Base[T]) FindContext(ctx context.Context, filter bson.M, opts ...FindOptions) ([]T, error) {
	return b.exec.find(ctx, modeContext, filter, firstOpt(opts))
}

// FindIter returns a lazy sequence over a live cursor. It yields the same
// elements in the same order Find would with identical arguments.
func (b *Base[T]) FindIter(filter bson.M, opts ...FindOptions) (*Iter[T], error) {
	return b.exec.findIter(context.Background(), modeBlocking, filter, firstOpt(opts))
}

// FindIterContext is FindIter in context mode; each element fetch honors
// the iterator's context.
func (b *Base[T]) FindIterContext(ctx context.Context, filter bson.M, opts ...FindOptions) (*Iter[T], error) {
	return b.exec.findIter(ctx, modeContext, filter, firstOpt(opts))
}

// Count returns the number of matching documents; a nil filter counts the
// whole collection.
func (b *Base[T]) Count(filter bson.M) (int64, error) {
	return b.exec.count(context.Background(), modeBlocking, filter)
}

// CountContext is Count in context mode.
func (b *Base[T]) CountContext(ctx context.Context, filter bson.M) (int64, error) {
	return b.exec.count(ctx, modeContext, filter)
}

// UpdateOne applies a raw update document to the first match and returns
// the number of documents affected.
func (b *Base[T]) UpdateOne(filter, update bson.M, upsert ...bool) (int64, error) {
	return b.exec.updateOne(context.Background(), modeBlocking, filter, update, firstBool(upsert))
}

// UpdateOneContext is UpdateOne in context mode.
func (b *Base[T]) UpdateOneContext(ctx context.Context, filter, update bson.M, upsert ...bool) (int64, error) {
	return b.exec.updateOne(ctx, modeContext, filter, update, firstBool(upsert))
}

// UpdateMany applies a raw update document to every match and returns the
// number of documents affected (0 when nothing matched and no upsert was
// requested).
func (b *Base[T]) UpdateMany(filter, update bson.M, upsert ...bool) (int64, error) {
	return b.exec.updateMany(context.Background(), modeBlocking, filter, update, firstBool(upsert))
}

// UpdateManyContext is UpdateMany in context mode.
func (b *Base[T]) UpdateManyContext(ctx context.Context, filter, update bson.M, upsert ...bool) (int64, error) {
	return b.exec.updateMany(ctx, modeContext, filter, update, firstBool(upsert))
}

// DeleteOne removes the first match; zero matches is not an error.
func (b *Base[T]) DeleteOne(filter bson.M) (int64, error) {
	return b.exec.deleteOne(context.Background(), modeBlocking, filter)
}

// DeleteOneContext is DeleteOne in context mode.
func (b *Base[T]) DeleteOneContext(ctx context.Context, filter bson.M) (int64, error) {
	return b.exec.deleteOne(ctx, modeContext, filter)
}

// DeleteMany removes every match; zero matches is not an error.
func (b *Base[T]) DeleteMany(filter bson.M) (int64, error) {
	return b.exec.deleteMany(context.Background(), modeBlocking, filter)
}

// DeleteManyContext is DeleteMany in context mode.
func (b *Base[T]) DeleteManyContext(ctx context.Context, filter bson.M) (int64, error) {
	return b.exec.deleteMany(ctx, modeContext, filter)
}

// Delete removes the instance's own document from the store. The
// in-memory instance is untouched.
func (b *Base[T]) Delete(doc T) (int64, error) {
	return b.exec.deleteOne(context.Background(), modeBlocking, bson.M{storeIDKey: doc.DocumentID()})
}

// DeleteContext is Delete in context mode.
func (b *Base[T]) DeleteContext(ctx context.Context, doc T) (int64, error) {
	return b.exec.deleteOne(ctx, modeContext, bson.M{storeIDKey: doc.DocumentID()})
}

// InsertMany mints missing identities, issues one bulk write, and returns
// the identities in input order.
func (b *Base[T]) InsertMany(docs []T) ([]string, error) {
	return b.exec.insertMany(context.Background(), modeBlocking, docs)
}

// InsertManyContext is InsertMany in context mode.
func (b *Base[T]) InsertManyContext(ctx context.Context, docs []T) ([]string, error) {
	return b.exec.insertMany(ctx, modeContext, docs)
}

// Aggregate runs a raw pipeline and returns materialized raw records; no
// typed mapping is applied to the output.
func (b *Base[T]) Aggregate(pipeline []bson.M) ([]bson.M, error) {
	return b.exec.aggregate(context.Background(), modeBlocking, pipeline)
}

// AggregateContext is Aggregate in context mode.
func (b *Base[T]) AggregateContext(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	return b.exec.aggregate(ctx, modeContext, pipeline)
}

func firstOpt(opts []FindOptions) FindOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return FindOptions{}
}

func firstBool(v []bool) bool {
	return len(v) > 0 && v[0]
}
