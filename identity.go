package lightodm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// storeIDKey is the reserved identity key of the backing store.
const storeIDKey = "_id"

// logicalIDKey is the in-memory name of the identity field.
const logicalIDKey = "id"

// GenerateID returns a new random identifier: 24 hex characters encoding
// a coarse timestamp, a per-process random component and a monotonically
// increasing counter. It never touches the network, so instances are
// addressable before they are first persisted.
func GenerateID() string {
	return primitive.NewObjectID().Hex()
}

// GenerateCompositeID derives a deterministic identifier from the given
// field values. Entries are sorted by field name before hashing, so two
// calls with the same logical field set produce identical output
// regardless of argument order. The rendering is the hex form of a
// SHA-256 over unambiguously delimited name/value pairs.
//
// Distinct records that happen to share composite values collide on the
// same identifier; this layer neither detects nor rejects that, and a
// later save simply replaces the earlier document.
func GenerateCompositeID(fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: composite id requires at least one field", ErrIdentity)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		v := fields[name]
		if v == nil {
			return "", fmt.Errorf("%w: composite key field %q has no value", ErrIdentity, name)
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", v)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// compositeIDFromRecord derives the composite identity from an
// already-flattened store record, using the field names declared in the
// type's Settings.
func compositeIDFromRecord(rec bson.M, keys []string) (string, error) {
	fields := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: composite key field %q has no value", ErrIdentity, k)
		}
		fields[k] = v
	}
	return GenerateCompositeID(fields)
}

// aliasCache remembers, per concrete type, whether the type declared its
// identity field directly under the reserved store key. Resolved once so
// the mapping functions never double-rename.
var aliasCache sync.Map // reflect.Type -> bool

func usesStoreIDKey(doc interface{}) bool {
	t := reflect.TypeOf(doc)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return false
	}
	if v, ok := aliasCache.Load(t); ok {
		return v.(bool)
	}
	aliased := structHasBSONKey(t, storeIDKey)
	aliasCache.Store(t, aliased)
	return aliased
}

func structHasBSONKey(t reflect.Type, key string) bool {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bson")
		name := tag
		for j := 0; j < len(tag); j++ {
			if tag[j] == ',' {
				name = tag[:j]
				break
			}
		}
		if name == key {
			return true
		}
		if f.Anonymous && name == "" {
			ft := f.Type
			for ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && structHasBSONKey(ft, key) {
				return true
			}
		}
	}
	return false
}

// ToStoreRecord flattens a typed instance into the record shape the
// backing store consumes: declared fields plus extra fields as top-level
// keys, with the identity emitted under the reserved store key.
func ToStoreRecord(doc Document) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	rec := bson.M{}
	if err := bson.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if usesStoreIDKey(doc) {
		return rec, nil
	}
	if v, ok := rec[logicalIDKey]; ok {
		delete(rec, logicalIDKey)
		rec[storeIDKey] = v
	}
	return rec, nil
}

// FromStoreRecord is the inverse of ToStoreRecord: the reserved store key
// is renamed back to the logical identity field and the record is decoded
// into out. Keys not declared on the type land in the instance's extra
// field bag.
func FromStoreRecord(rec bson.M, out Document) error {
	cp := make(bson.M, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	if !usesStoreIDKey(out) {
		if v, ok := cp[storeIDKey]; ok {
			delete(cp, storeIDKey)
			cp[logicalIDKey] = idToString(v)
		}
	}
	raw, err := bson.Marshal(cp)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

// idToString renders a store identity as the string form used in memory.
// Documents written by other tooling may carry native ObjectID values.
func idToString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case primitive.ObjectID:
		return id.Hex()
	default:
		return fmt.Sprintf("%v", id)
	}
}
