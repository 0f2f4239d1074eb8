package lightodm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// MemoryCollection is a pure in-memory CollectionHandle used for unit
// tests and prototyping without a running server. It supports the query
// operator subset the tests exercise: top-level field equality plus $in,
// $nin, $ne, $gt, $gte, $lt, $lte and $exists; updates via $set, $unset
// and $inc; sort, skip, limit and projection; and the $match, $sort,
// $skip, $limit, $count and $project pipeline stages. Unsorted finds
// yield documents in insertion order.
type MemoryCollection struct {
	mu   sync.RWMutex
	docs []bson.M
}

func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{}
}

// Len reports the number of stored documents.
func (m *MemoryCollection) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryCollection) FindOne(ctx context.Context, filter bson.M) (bson.M, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.docs {
		if matchFilter(d, filter) {
			return cloneRecord(d), true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryCollection) Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.selectLocked(filter, opts)
	return &memoryCursor{docs: out, pos: -1}, nil
}

// selectLocked applies filter, sort, skip, limit and projection. Caller
// holds at least a read lock.
func (m *MemoryCollection) selectLocked(filter bson.M, opts FindOptions) []bson.M {
	var out []bson.M
	for _, d := range m.docs {
		if matchFilter(d, filter) {
			out = append(out, cloneRecord(d))
		}
	}
	if opts.Sort != nil {
		sortRecords(out, opts.Sort)
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(out)) {
		out = out[:opts.Limit]
	}
	if opts.Projection != nil {
		for i, d := range out {
			out[i] = projectRecord(d, opts.Projection)
		}
	}
	return out
}

func (m *MemoryCollection) ReplaceOne(ctx context.Context, filter bson.M, replacement bson.M, upsert bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.docs {
		if matchFilter(d, filter) {
			rec := cloneRecord(replacement)
			if _, ok := rec[storeIDKey]; !ok {
				rec[storeIDKey] = d[storeIDKey]
			}
			m.docs[i] = rec
			return nil
		}
	}
	if !upsert {
		return nil
	}
	rec := cloneRecord(replacement)
	if _, ok := rec[storeIDKey]; !ok {
		if v, ok := filter[storeIDKey]; ok {
			rec[storeIDKey] = v
		} else {
			rec[storeIDKey] = GenerateID()
		}
	}
	m.docs = append(m.docs, rec)
	return nil
}

func (m *MemoryCollection) InsertMany(ctx context.Context, docs []bson.M) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		id := idToString(d[storeIDKey])
		if seen[id] {
			return fmt.Errorf("duplicate key in batch: %s", id)
		}
		seen[id] = true
		for _, existing := range m.docs {
			if idToString(existing[storeIDKey]) == id {
				return fmt.Errorf("duplicate key: %s", id)
			}
		}
	}
	for _, d := range docs {
		m.docs = append(m.docs, cloneRecord(d))
	}
	return nil
}

func (m *MemoryCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	return m.update(filter, update, upsert, true)
}

func (m *MemoryCollection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	return m.update(filter, update, upsert, false)
}

func (m *MemoryCollection) update(filter, update bson.M, upsert, single bool) (int64, error) {
	if err := checkUpdateDoc(update); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, d := range m.docs {
		if !matchFilter(d, filter) {
			continue
		}
		rec := cloneRecord(d)
		if err := applyUpdate(rec, update); err != nil {
			return n, err
		}
		m.docs[i] = rec
		n++
		if single {
			return n, nil
		}
	}
	if n == 0 && upsert {
		rec := bson.M{}
		for k, v := range filter {
			if !strings.HasPrefix(k, "$") && !isOperatorDoc(v) {
				rec[k] = v
			}
		}
		if err := applyUpdate(rec, update); err != nil {
			return 0, err
		}
		if _, ok := rec[storeIDKey]; !ok {
			rec[storeIDKey] = GenerateID()
		}
		m.docs = append(m.docs, rec)
		return 1, nil
	}
	return n, nil
}

func (m *MemoryCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.docs {
		if matchFilter(d, filter) {
			m.docs = append(m.docs[:i], m.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemoryCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []bson.M
	var n int64
	for _, d := range m.docs {
		if matchFilter(d, filter) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	m.docs = kept
	return n, nil
}

func (m *MemoryCollection) Count(ctx context.Context, filter bson.M) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, d := range m.docs {
		if matchFilter(d, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryCollection) Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error) {
	m.mu.RLock()
	docs := make([]bson.M, len(m.docs))
	for i, d := range m.docs {
		docs[i] = cloneRecord(d)
	}
	m.mu.RUnlock()

	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("memory aggregate: each stage must hold exactly one operator, got %v", stage)
		}
		for op, arg := range stage {
			var err error
			docs, err = applyStage(docs, op, arg)
			if err != nil {
				return nil, err
			}
		}
	}
	return &memoryCursor{docs: docs, pos: -1}, nil
}

func applyStage(docs []bson.M, op string, arg interface{}) ([]bson.M, error) {
	switch op {
	case "$match":
		filter, ok := arg.(bson.M)
		if !ok {
			return nil, fmt.Errorf("memory aggregate: $match wants a document")
		}
		var out []bson.M
		for _, d := range docs {
			if matchFilter(d, filter) {
				out = append(out, d)
			}
		}
		return out, nil
	case "$sort":
		spec, err := toSortSpec(arg)
		if err != nil {
			return nil, err
		}
		sortRecords(docs, spec)
		return docs, nil
	case "$skip":
		n := toInt64(arg)
		if n >= int64(len(docs)) {
			return nil, nil
		}
		return docs[n:], nil
	case "$limit":
		n := toInt64(arg)
		if n < int64(len(docs)) {
			return docs[:n], nil
		}
		return docs, nil
	case "$count":
		name, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("memory aggregate: $count wants a field name")
		}
		return []bson.M{{name: int64(len(docs))}}, nil
	case "$project":
		proj, ok := arg.(bson.M)
		if !ok {
			return nil, fmt.Errorf("memory aggregate: $project wants a document")
		}
		out := make([]bson.M, len(docs))
		for i, d := range docs {
			out[i] = projectRecord(d, proj)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("memory aggregate: unsupported stage %s", op)
	}
}

type memoryCursor struct {
	docs   []bson.M
	pos    int
	closed bool
	err    error
}

func (c *memoryCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *memoryCursor) Current() (bson.M, error) {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return nil, fmt.Errorf("memory cursor: no current document")
	}
	return c.docs[c.pos], nil
}

func (c *memoryCursor) Err() error { return c.err }

func (c *memoryCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// ---- matching, updating, sorting ----

func matchFilter(doc, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			for _, sub := range toFilterList(cond) {
				if !matchFilter(doc, sub) {
					return false
				}
			}
		case "$or":
			subs := toFilterList(cond)
			matched := len(subs) == 0
			for _, sub := range subs {
				if matchFilter(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchField(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(doc bson.M, key string, cond interface{}) bool {
	val, present := doc[key]
	if ops, ok := operatorDoc(cond); ok {
		for op, arg := range ops {
			if !applyOperator(val, present, op, arg) {
				return false
			}
		}
		return true
	}
	return present && equalValues(val, cond)
}

func applyOperator(val interface{}, present bool, op string, arg interface{}) bool {
	switch op {
	case "$eq":
		return present && equalValues(val, arg)
	case "$ne":
		return !present || !equalValues(val, arg)
	case "$in":
		for _, v := range toValueList(arg) {
			if present && equalValues(val, v) {
				return true
			}
		}
		return false
	case "$nin":
		for _, v := range toValueList(arg) {
			if present && equalValues(val, v) {
				return false
			}
		}
		return true
	case "$gt":
		c, ok := compareValues(val, arg)
		return present && ok && c > 0
	case "$gte":
		c, ok := compareValues(val, arg)
		return present && ok && c >= 0
	case "$lt":
		c, ok := compareValues(val, arg)
		return present && ok && c < 0
	case "$lte":
		c, ok := compareValues(val, arg)
		return present && ok && c <= 0
	case "$exists":
		want, _ := arg.(bool)
		return present == want
	default:
		return false
	}
}

func checkUpdateDoc(update bson.M) error {
	for k := range update {
		if !strings.HasPrefix(k, "$") {
			return fmt.Errorf("memory update: document must contain update operators, got key %q", k)
		}
	}
	return nil
}

func applyUpdate(rec, update bson.M) error {
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			if mm, isMap := arg.(map[string]interface{}); isMap {
				fields = bson.M(mm)
			} else {
				return fmt.Errorf("memory update: %s wants a document", op)
			}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				rec[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(rec, k)
			}
		case "$inc":
			for k, v := range fields {
				sum := toFloat64(rec[k]) + toFloat64(v)
				if isIntegral(rec[k]) && isIntegral(v) {
					rec[k] = int64(sum)
				} else {
					rec[k] = sum
				}
			}
		default:
			return fmt.Errorf("memory update: unsupported operator %s", op)
		}
	}
	return nil
}

func sortRecords(docs []bson.M, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range spec {
			dir := toInt64(s.Value)
			c, ok := compareValues(docs[i][s.Key], docs[j][s.Key])
			if !ok || c == 0 {
				continue
			}
			if dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func projectRecord(doc, proj bson.M) bson.M {
	include := false
	for k, v := range proj {
		if k != storeIDKey && toInt64(v) != 0 {
			include = true
		}
	}
	out := bson.M{}
	if include {
		// _id rides along with inclusion projections unless excluded.
		if v, ok := doc[storeIDKey]; ok {
			if pv, specified := proj[storeIDKey]; !specified || toInt64(pv) != 0 {
				out[storeIDKey] = v
			}
		}
		for k, v := range proj {
			if toInt64(v) != 0 {
				if dv, ok := doc[k]; ok {
					out[k] = dv
				}
			}
		}
		return out
	}
	for k, v := range doc {
		if pv, excluded := proj[k]; excluded && toInt64(pv) == 0 {
			continue
		}
		out[k] = v
	}
	return out
}

// ---- value helpers ----

func cloneRecord(d bson.M) bson.M {
	cp := make(bson.M, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

func operatorDoc(v interface{}) (bson.M, bool) {
	var m bson.M
	switch t := v.(type) {
	case bson.M:
		m = t
	case map[string]interface{}:
		m = bson.M(t)
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func isOperatorDoc(v interface{}) bool {
	_, ok := operatorDoc(v)
	return ok
}

func toFilterList(v interface{}) []bson.M {
	var out []bson.M
	switch t := v.(type) {
	case []bson.M:
		return t
	case []interface{}:
		for _, e := range t {
			if m, ok := e.(bson.M); ok {
				out = append(out, m)
			} else if mm, ok := e.(map[string]interface{}); ok {
				out = append(out, bson.M(mm))
			}
		}
	}
	return out
}

func toValueList(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []int:
		out := make([]interface{}, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case bson.A:
		return []interface{}(t)
	}
	return nil
}

func toSortSpec(v interface{}) (bson.D, error) {
	switch t := v.(type) {
	case bson.D:
		return t, nil
	case bson.M:
		spec := make(bson.D, 0, len(t))
		for k, dir := range t {
			spec = append(spec, bson.E{Key: k, Value: dir})
		}
		sort.Slice(spec, func(i, j int) bool { return spec[i].Key < spec[j].Key })
		return spec, nil
	}
	return nil, fmt.Errorf("memory aggregate: $sort wants a document")
}

func equalValues(a, b interface{}) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(a, b interface{}) (int, bool) {
	if af, aok := toNumber(a); aok {
		bf, bok := toNumber(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0, true
		case bb:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isIntegral(v interface{}) bool {
	switch v.(type) {
	case nil, int, int32, int64:
		return true
	}
	return false
}

func toFloat64(v interface{}) float64 {
	f, _ := toNumber(v)
	return f
}

func toInt64(v interface{}) int64 {
	f, _ := toNumber(v)
	return int64(f)
}
