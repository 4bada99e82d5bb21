package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrail/data/store"
)

var people = &store.CollectionMeta{Name: "people"}

func seed(t *testing.T, c store.ICollection, recs ...store.Record) {
	t.Helper()
	for _, r := range recs {
		_, err := c.Create(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestCollection_CRUD(t *testing.T) {
	ctx := context.Background()
	c := New().Collection(people)

	seed(t, c,
		store.Record{"id": "1", "firstName": "James", "age": 30},
		store.Record{"id": "2", "firstName": "Max", "age": 40},
	)

	_, err := c.Create(ctx, store.Record{"id": "1"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	_, err = c.Create(ctx, store.Record{"firstName": "x"})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	got, err := c.FindByID(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "James", got["firstName"])

	got["firstName"] = "mutated"
	again, _ := c.FindByID(ctx, "1")
	assert.Equal(t, "James", again["firstName"], "returned records are copies")

	n, err := c.UpdateAll(ctx, store.Record{"lastName": "Smith"}, store.NewFilter().Gte("age", 30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.ReplaceByID(ctx, "2", store.Record{"firstName": "Maxi"}))
	replaced, _ := c.FindByID(ctx, "2")
	assert.Equal(t, store.Record{"id": "2", "firstName": "Maxi"}, replaced)
	assert.ErrorIs(t, c.ReplaceByID(ctx, "404", store.Record{}), store.ErrNotFound)

	count, err := c.Count(ctx, store.NewFilter().Eq("lastName", "Smith"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, c.DeleteByID(ctx, "1"))
	assert.ErrorIs(t, c.DeleteByID(ctx, "1"), store.ErrNotFound)
	_, err = c.FindByID(ctx, "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCollection_FindOrderAndPaging(t *testing.T) {
	c := New().Collection(people)
	seed(t, c,
		store.Record{"id": "a", "n": 3},
		store.Record{"id": "b", "n": 1},
		store.Record{"id": "c", "n": 2},
	)

	recs, err := c.Find(context.Background(), store.NewFilter().OrderBy("n", true).WithLimit(2))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID())
	assert.Equal(t, "c", recs[1].ID())

	recs, err = c.Find(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].ID(), recs[1].ID(), recs[2].ID()})

	n, err := c.DeleteAll(context.Background(), store.NewFilter().In("id", "a", "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCollection_SchemaRejectsUnknownFields(t *testing.T) {
	meta := &store.CollectionMeta{Name: "typed", Fields: []store.FieldMeta{{Name: "id", PrimaryKey: true}, {Name: "name"}}}
	c := New().Collection(meta)

	_, err := c.Create(context.Background(), store.Record{"id": "1", "other": 1})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	_, err = c.Find(context.Background(), store.NewFilter().Eq("other", 1))
	assert.ErrorIs(t, err, store.ErrInvalidFilter)
}

func TestSession_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New()

	tx, err := s.BeginTx(ctx, nil)
	require.NoError(t, err)
	seed(t, tx.Collection(people), store.Record{"id": "1"})
	require.NoError(t, tx.Rollback())

	_, err = s.Collection(people).FindByID(ctx, "1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	tx, err = s.BeginTx(ctx, nil)
	require.NoError(t, err)
	seed(t, tx.Collection(people), store.Record{"id": "2"})
	require.NoError(t, tx.Commit())
	assert.Error(t, tx.Commit())

	_, err = s.Collection(people).FindByID(ctx, "2")
	assert.NoError(t, err)

	_, err = tx.Collection(people).FindByID(ctx, "2")
	assert.Error(t, err, "finished session must not be usable")
}

func TestSession_SerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s.Collection(people), store.Record{"id": "c", "n": 0})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.BeginTx(ctx, nil)
			if !assert.NoError(t, err) {
				return
			}
			c := tx.Collection(people)
			rec, _ := c.FindByID(ctx, "c")
			_, _ = c.UpdateAll(ctx, store.Record{"n": rec["n"].(int) + 1}, store.NewFilter().Eq("id", "c"))
			assert.NoError(t, tx.Commit())
		}()
	}
	wg.Wait()

	rec, err := s.Collection(people).FindByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 20, rec["n"])
}

func TestWithoutTransactions(t *testing.T) {
	s := New(WithoutTransactions())
	assert.False(t, s.Capabilities().Supports(store.CapabilityTransaction))

	_, err := s.BeginTx(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrUnsupported)
}
