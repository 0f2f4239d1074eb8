package lightodm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type crudUser struct {
	Model  `bson:",inline"`
	Name   string `bson:"name"`
	Email  string `bson:"email"`
	Age    int    `bson:"age"`
	Active bool   `bson:"active"`
}

type tenantProfile struct {
	Model  `bson:",inline"`
	UserID string `bson:"user_id"`
	Kind   string `bson:"type"`
}

func newUserBase(t *testing.T) *Base[*crudUser] {
	t.Helper()
	b, err := NewBaseWithHandle[*crudUser](Settings{Collection: "users"}, NewMemoryCollection())
	require.NoError(t, err)
	return b
}

func TestNewBaseRequiresCollectionName(t *testing.T) {
	_, err := NewBaseWithHandle[*crudUser](Settings{}, NewMemoryCollection())
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewBaseWithHandle[*crudUser](Settings{Collection: "c", CompositeKey: []string{}}, NewMemoryCollection())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSaveMintsIdentityAndRoundTrips(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "John", Email: "john@x.com"}
	require.NoError(t, users.Save(u))
	require.NotEmpty(t, u.ID)

	got, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "John", got.Name)
	assert.Equal(t, "john@x.com", got.Email)
	assert.Equal(t, u.ID, got.ID)
}

func TestGetAbsenceIsNotAnError(t *testing.T) {
	users := newUserBase(t)

	got, ok, err := users.Get("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSaveTwiceLeavesOneDocument(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "John", Email: "john@x.com", Age: 30}
	require.NoError(t, users.Save(u))
	require.NoError(t, users.Save(u))

	n, err := users.Count(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	u.Age = 31
	require.NoError(t, users.Save(u))

	got, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 31, got.Age)

	n, err = users.Count(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSaveIsFullReplace(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "John", Email: "john@x.com", Age: 30}
	require.NoError(t, users.Save(u))

	// A field set by other tooling but unknown to a stale instance is
	// gone after that instance saves, because save replaces the whole
	// document rather than merging.
	_, err := users.UpdateOne(bson.M{"_id": u.ID}, bson.M{"$set": bson.M{"stray": true}})
	require.NoError(t, err)

	stale := &crudUser{Model: Model{ID: u.ID}, Name: "John", Email: "john@x.com"}
	require.NoError(t, users.Save(stale))

	got, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, got.Extra, "stray")
}

func TestExtraFieldsSurviveLoadMutateSave(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "Jane", Email: "jane@x.com"}
	require.NoError(t, users.Save(u))

	_, err := users.UpdateOne(bson.M{"_id": u.ID}, bson.M{"$set": bson.M{"legacy_flag": "kept"}})
	require.NoError(t, err)

	loaded, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", loaded.Extra["legacy_flag"])

	loaded.Name = "Jane II"
	require.NoError(t, users.Save(loaded))

	again, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jane II", again.Name)
	assert.Equal(t, "kept", again.Extra["legacy_flag"])
}

func TestCompositeKeyIdentity(t *testing.T) {
	profiles, err := NewBaseWithHandle[*tenantProfile](
		Settings{Collection: "profiles", CompositeKey: []string{"user_id", "type"}},
		NewMemoryCollection(),
	)
	require.NoError(t, err)

	a := &tenantProfile{UserID: "123", Kind: "profile"}
	b := &tenantProfile{Kind: "profile", UserID: "123"}

	idA, err := profiles.EnsureID(a)
	require.NoError(t, err)
	idB, err := profiles.EnsureID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	want, err := GenerateCompositeID(map[string]interface{}{"user_id": "123", "type": "profile"})
	require.NoError(t, err)
	assert.Equal(t, want, idA)

	// A declared composite key overrides an explicitly assigned identity.
	c := &tenantProfile{Model: Model{ID: "explicit"}, UserID: "123", Kind: "profile"}
	require.NoError(t, profiles.Save(c))
	assert.Equal(t, want, c.ID)

	// Saving the logically-same entity twice upserts a single document.
	require.NoError(t, profiles.Save(a))
	n, err := profiles.Count(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	different := &tenantProfile{UserID: "123", Kind: "settings"}
	_, err = profiles.EnsureID(different)
	require.NoError(t, err)
	assert.NotEqual(t, idA, different.ID)
}

func TestCompositeKeyMissingFieldValue(t *testing.T) {
	profiles, err := NewBaseWithHandle[*tenantProfile](
		Settings{Collection: "profiles", CompositeKey: []string{"user_id", "missing_field"}},
		NewMemoryCollection(),
	)
	require.NoError(t, err)

	p := &tenantProfile{UserID: "123", Kind: "profile"}
	err = profiles.Save(p)
	assert.ErrorIs(t, err, ErrIdentity)
}

func TestInsertManyCountAndIterParity(t *testing.T) {
	users := newUserBase(t)

	docs := make([]*crudUser, 100)
	for i := range docs {
		docs[i] = &crudUser{Name: fmt.Sprintf("user-%03d", i), Email: fmt.Sprintf("u%d@x.com", i), Age: i}
	}
	ids, err := users.InsertMany(docs)
	require.NoError(t, err)
	require.Len(t, ids, 100)
	for i, id := range ids {
		assert.Equal(t, docs[i].ID, id, "identities must come back in input order")
	}

	n, err := users.Count(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)

	found, err := users.Find(nil)
	require.NoError(t, err)
	require.Len(t, found, 100)

	it, err := users.FindIter(nil)
	require.NoError(t, err)
	var streamed []*crudUser
	for it.Next() {
		streamed = append(streamed, it.Value())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())

	require.Len(t, streamed, 100)
	for i := range found {
		assert.Equal(t, found[i].ID, streamed[i].ID, "findIter must yield the same order as find")
	}
}

func TestUpdateManyAffectedCount(t *testing.T) {
	users := newUserBase(t)

	docs := make([]*crudUser, 100)
	for i := range docs {
		docs[i] = &crudUser{Name: fmt.Sprintf("u%d", i), Email: fmt.Sprintf("u%d@x.com", i), Age: i}
	}
	_, err := users.InsertMany(docs)
	require.NoError(t, err)

	affected, err := users.UpdateMany(bson.M{"age": bson.M{"$lt": 30}}, bson.M{"$set": bson.M{"active": true}})
	require.NoError(t, err)
	assert.EqualValues(t, 30, affected)

	updated, err := users.Find(bson.M{"active": true})
	require.NoError(t, err)
	assert.Len(t, updated, 30)
}

func TestUpdateOne(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "John", Email: "john@x.com", Age: 30}
	require.NoError(t, users.Save(u))

	affected, err := users.UpdateOne(bson.M{"name": "John"}, bson.M{"$set": bson.M{"age": 31}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	got, _, err := users.Get(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 31, got.Age)

	// Nothing matched, no upsert requested.
	affected, err = users.UpdateOne(bson.M{"name": "Nobody"}, bson.M{"$set": bson.M{"age": 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)

	// Upsert requested: one document materializes.
	affected, err = users.UpdateOne(bson.M{"name": "Nobody"}, bson.M{"$set": bson.M{"age": 1}}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, affected)

	n, err := users.Count(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestDeleteOnEmptyCollection(t *testing.T) {
	users := newUserBase(t)

	n, err := users.DeleteMany(bson.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = users.DeleteOne(bson.M{"name": "ghost"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestDeleteInstance(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Name: "John", Email: "john@x.com"}
	require.NoError(t, users.Save(u))

	n, err := users.Delete(u)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Store-side removal only: the in-memory instance keeps its identity.
	assert.NotEmpty(t, u.ID)
}

func TestFindModifiers(t *testing.T) {
	users := newUserBase(t)

	for _, age := range []int{30, 10, 20, 50, 40} {
		require.NoError(t, users.Save(&crudUser{Name: fmt.Sprintf("age-%d", age), Email: "a@x.com", Age: age}))
	}

	got, err := users.Find(nil, FindOptions{Sort: bson.D{{Key: "age", Value: 1}}})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Age, got[i].Age)
	}

	got, err = users.Find(nil, FindOptions{Sort: bson.D{{Key: "age", Value: -1}}, Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 40, got[0].Age)
	assert.Equal(t, 30, got[1].Age)

	got, err = users.Find(bson.M{"age": bson.M{"$gte": 40}}, FindOptions{Projection: bson.M{"name": 1}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, u := range got {
		assert.NotEmpty(t, u.Name)
		assert.Empty(t, u.Email, "projected-out fields must decode to zero values")
		assert.NotEmpty(t, u.ID, "_id rides along with inclusion projections")
	}
}

func TestFindOne(t *testing.T) {
	users := newUserBase(t)

	_, ok, err := users.FindOne(bson.M{"name": "none"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, users.Save(&crudUser{Name: "a", Email: "a@x.com", Age: 1}))
	require.NoError(t, users.Save(&crudUser{Name: "a", Email: "a2@x.com", Age: 2}))

	got, ok, err := users.FindOne(bson.M{"name": "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", got.Email, "first match under backend ordering")
}

func TestAggregatePassThrough(t *testing.T) {
	users := newUserBase(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, users.Save(&crudUser{Name: fmt.Sprintf("u%d", i), Email: "u@x.com", Age: i, Active: i%2 == 0}))
	}

	out, err := users.Aggregate([]bson.M{
		{"$match": bson.M{"active": true}},
		{"$count": "n"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 3, out[0]["n"])

	// Raw records, no typed mapping.
	out, err = users.Aggregate([]bson.M{
		{"$match": bson.M{"age": bson.M{"$gte": 3}}},
		{"$sort": bson.M{"age": -1}},
		{"$project": bson.M{"age": 1}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.EqualValues(t, 4, out[0]["age"])
	assert.EqualValues(t, 3, out[1]["age"])
}

func TestContextAndBlockingModesSeeTheSameData(t *testing.T) {
	users := newUserBase(t)
	ctx := context.Background()

	u := &crudUser{Name: "cross", Email: "cross@x.com"}
	require.NoError(t, users.SaveContext(ctx, u))

	got, ok, err := users.Get(u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cross", got.Name)

	u2 := &crudUser{Name: "cross2", Email: "cross2@x.com"}
	require.NoError(t, users.Save(u2))

	got2, ok, err := users.GetContext(ctx, u2.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cross2", got2.Name)

	n, err := users.CountContext(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestConcurrentSaves(t *testing.T) {
	users := newUserBase(t)

	require.NoError(t, users.Save(&crudUser{Name: "seed", Email: "seed@x.com"}))
	before, err := users.Count(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- users.Save(&crudUser{Name: fmt.Sprintf("c%d", i), Email: fmt.Sprintf("c%d@x.com", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	after, err := users.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, before+10, after)
}

func TestFindIterEarlyClose(t *testing.T) {
	users := newUserBase(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, users.Save(&crudUser{Name: fmt.Sprintf("u%d", i), Email: "u@x.com"}))
	}

	it, err := users.FindIter(nil)
	require.NoError(t, err)
	require.True(t, it.Next())
	require.NoError(t, it.Close())
	assert.False(t, it.Next(), "a closed iterator yields nothing")
	assert.NoError(t, it.Err())
}

func TestInsertManyDuplicateIdentitySurfacesBackendError(t *testing.T) {
	users := newUserBase(t)

	u := &crudUser{Model: NewModel(), Name: "a", Email: "a@x.com"}
	dup := &crudUser{Model: Model{ID: u.ID}, Name: "b", Email: "b@x.com"}

	_, err := users.InsertMany([]*crudUser{u, dup})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfiguration)
	assert.NotErrorIs(t, err, ErrIdentity)
}
