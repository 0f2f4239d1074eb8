package lightodm

import "context"

// Iter is a lazily produced sequence of typed instances over a live
// cursor. It is not restartable; obtain a fresh one to iterate again.
//
//	it, err := users.FindIter(bson.M{"active": true})
//	...
//	defer it.Close()
//	for it.Next() {
//	    u := it.Value()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type Iter[T Document] struct {
	cur     Cursor
	ctx     context.Context
	factory func() T
	current T
	err     error
}

// Next advances to the next element, fetching from the server as needed.
// It returns false when the sequence is exhausted or an error occurred;
// check Err after the loop.
func (it *Iter[T]) Next() bool { return it.next(it.ctx) }

// NextContext is Next with a caller-supplied context for the fetch.
func (it *Iter[T]) NextContext(ctx context.Context) bool { return it.next(ctx) }

func (it *Iter[T]) next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.cur.Next(ctx) {
		it.err = it.cur.Err()
		return false
	}
	rec, err := it.cur.Current()
	if err != nil {
		it.err = err
		return false
	}
	doc := it.factory()
	if err := FromStoreRecord(rec, doc); err != nil {
		it.err = err
		return false
	}
	it.current = doc
	return true
}

// Value returns the element Next positioned on.
func (it *Iter[T]) Value() T { return it.current }

// Err returns the first error encountered while iterating.
func (it *Iter[T]) Err() error { return it.err }

// Close releases the server-side cursor. Safe to call more than once.
func (it *Iter[T]) Close() error { return it.cur.Close(it.ctx) }

// CloseContext is Close with a caller-supplied context.
func (it *Iter[T]) CloseContext(ctx context.Context) error { return it.cur.Close(ctx) }

// All drains the remaining elements into a slice and closes the iterator.
func (it *Iter[T]) All() ([]T, error) {
	defer it.Close()
	var out []T
	for it.Next() {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
