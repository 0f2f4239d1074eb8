package lightodm

import (
	"context"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/lightodm/lightodm-go/pkg/metrics"
)

// Execution mode labels, used for metrics and handle resolution.
const (
	modeBlocking = "blocking"
	modeContext  = "context"
)

// newDoc allocates a fresh instance of the document type. T is a pointer
// type, so a plain zero value would be nil.
func newDoc[T Document]() T {
	return reflect.New(reflect.TypeOf((*T)(nil)).Elem().Elem()).Interface().(T)
}

// executor implements the CRUD semantics once; the blocking and context
// surfaces of Base differ only in the mode they pass here and the context
// they supply.
type executor[T Document] struct {
	settings Settings
	resolve  func(ctx context.Context, mode string) (CollectionHandle, error)
}

func (e *executor[T]) handle(ctx context.Context, mode string) (CollectionHandle, error) {
	return e.resolve(ctx, mode)
}

func (e *executor[T]) observe(op, mode string, err error) {
	metrics.Operations.WithLabelValues(op, mode).Inc()
	if err != nil {
		metrics.OperationErrors.WithLabelValues(op, mode).Inc()
	}
}

// ensureID mints an identity when the instance has none: deterministic
// when the type declares a composite key, random otherwise. A declared
// composite key always wins, even over an explicitly assigned identity.
func (e *executor[T]) ensureID(doc T) (string, error) {
	if len(e.settings.CompositeKey) > 0 {
		rec, err := ToStoreRecord(doc)
		if err != nil {
			return "", err
		}
		delete(rec, storeIDKey)
		id, err := compositeIDFromRecord(rec, e.settings.CompositeKey)
		if err != nil {
			return "", err
		}
		doc.SetDocumentID(id)
		return id, nil
	}
	if id := doc.DocumentID(); id != "" {
		return id, nil
	}
	id := GenerateID()
	doc.SetDocumentID(id)
	return id, nil
}

// save upserts by identity, fully replacing any existing document.
func (e *executor[T]) save(ctx context.Context, mode string, doc T) (err error) {
	defer func() { e.observe("save", mode, err) }()
	id, err := e.ensureID(doc)
	if err != nil {
		return err
	}
	rec, err := ToStoreRecord(doc)
	if err != nil {
		return err
	}
	rec[storeIDKey] = id
	h, err := e.handle(ctx, mode)
	if err != nil {
		return err
	}
	return h.ReplaceOne(ctx, bson.M{storeIDKey: id}, rec, true)
}

// get fetches by identity. Absence is reported via the bool, not an error.
func (e *executor[T]) get(ctx context.Context, mode, id string) (doc T, ok bool, err error) {
	defer func() { e.observe("get", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return doc, false, err
	}
	rec, found, err := h.FindOne(ctx, bson.M{storeIDKey: id})
	if err != nil || !found {
		return doc, false, err
	}
	doc = newDoc[T]()
	if err = FromStoreRecord(rec, doc); err != nil {
		var zero T
		return zero, false, err
	}
	return doc, true, nil
}

func (e *executor[T]) findOne(ctx context.Context, mode string, filter bson.M) (doc T, ok bool, err error) {
	defer func() { e.observe("find_one", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return doc, false, err
	}
	rec, found, err := h.FindOne(ctx, filter)
	if err != nil || !found {
		return doc, false, err
	}
	doc = newDoc[T]()
	if err = FromStoreRecord(rec, doc); err != nil {
		var zero T
		return zero, false, err
	}
	return doc, true, nil
}

// find materializes the whole result set eagerly, in backend order.
func (e *executor[T]) find(ctx context.Context, mode string, filter bson.M, opts FindOptions) (out []T, err error) {
	defer func() { e.observe("find", mode, err) }()
	it, err := e.findIter(ctx, mode, filter, opts)
	if err != nil {
		return nil, err
	}
	return it.All()
}

// findIter returns a lazy sequence over a live cursor, yielding elements
// in the same order find would with identical arguments.
func (e *executor[T]) findIter(ctx context.Context, mode string, filter bson.M, opts FindOptions) (it *Iter[T], err error) {
	defer func() { e.observe("find_iter", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		filter = bson.M{}
	}
	cur, err := h.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &Iter[T]{cur: cur, ctx: ctx, factory: newDoc[T]}, nil
}

func (e *executor[T]) count(ctx context.Context, mode string, filter bson.M) (n int64, err error) {
	defer func() { e.observe("count", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return 0, err
	}
	return h.Count(ctx, filter)
}

func (e *executor[T]) updateOne(ctx context.Context, mode string, filter, update bson.M, upsert bool) (n int64, err error) {
	defer func() { e.observe("update_one", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return 0, err
	}
	return h.UpdateOne(ctx, filter, update, upsert)
}

func (e *executor[T]) updateMany(ctx context.Context, mode string, filter, update bson.M, upsert bool) (n int64, err error) {
	defer func() { e.observe("update_many", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return 0, err
	}
	return h.UpdateMany(ctx, filter, update, upsert)
}

func (e *executor[T]) deleteOne(ctx context.Context, mode string, filter bson.M) (n int64, err error) {
	defer func() { e.observe("delete_one", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return 0, err
	}
	return h.DeleteOne(ctx, filter)
}

func (e *executor[T]) deleteMany(ctx context.Context, mode string, filter bson.M) (n int64, err error) {
	defer func() { e.observe("delete_many", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return 0, err
	}
	return h.DeleteMany(ctx, filter)
}

// insertMany mints missing identities, then issues a single bulk write.
// Returned identities follow input order.
func (e *executor[T]) insertMany(ctx context.Context, mode string, docs []T) (ids []string, err error) {
	defer func() { e.observe("insert_many", mode, err) }()
	ids = make([]string, len(docs))
	recs := make([]bson.M, len(docs))
	for i, d := range docs {
		id, err := e.ensureID(d)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		rec, err := ToStoreRecord(d)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		rec[storeIDKey] = id
		ids[i] = id
		recs[i] = rec
	}
	h, err := e.handle(ctx, mode)
	if err != nil {
		return nil, err
	}
	if err = h.InsertMany(ctx, recs); err != nil {
		return nil, err
	}
	return ids, nil
}

// aggregate passes the pipeline through untyped: results are raw records.
func (e *executor[T]) aggregate(ctx context.Context, mode string, pipeline []bson.M) (out []bson.M, err error) {
	defer func() { e.observe("aggregate", mode, err) }()
	h, err := e.handle(ctx, mode)
	if err != nil {
		return nil, err
	}
	cur, err := h.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		rec, err := cur.Current()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}
