package tracked

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"changetrail/codegen/snowflake"
	"changetrail/data/audit"
	dbcore "changetrail/data/db"
	basicdb "changetrail/data/db/basic"
	"changetrail/data/store"
	"changetrail/data/store/memory"
	sqlstore "changetrail/data/store/sql"
	"changetrail/domain/changeset"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
	synctransport "changetrail/messaging/transport/sync"
)

var people = &store.CollectionMeta{
	Name:  "people",
	Table: "people",
	Fields: []store.FieldMeta{
		{Name: "id", PrimaryKey: true, Kind: store.KindText},
		{Name: "firstName", Column: "first_name", Kind: store.KindText},
		{Name: "lastName", Column: "last_name", Kind: store.KindText},
		{Name: "age", Kind: store.KindInteger},
		{Name: "deleted", Kind: store.KindBoolean, Indexed: true},
	},
}

// recorder 收集发布的通知
type recorder struct {
	mu   sync.Mutex
	msgs []messaging.IMessage
}

func (r *recorder) handler() messaging.IMessageHandler {
	return messaging.NewHandler("recorder", func(ctx context.Context, msg messaging.IMessage) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, msg)
		return nil
	})
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.GetType()
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type fixture struct {
	repo    *SoftDeleteRepository
	backend store.IStore
	events  *recorder
}

// steppingClock 每次取时间前进 1ms，使变更集时间可预测
func steppingClock(start time.Time) *snowflake.Generator {
	now := start
	gen, _ := snowflake.NewGenerator(1, 1, snowflake.WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}))
	return gen
}

// frozenClock 时钟停在同一时刻，所有变更集落在同一毫秒
func frozenClock(t *testing.T, at time.Time) *snowflake.Generator {
	t.Helper()
	gen, err := snowflake.NewGenerator(1, 1, snowflake.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	return gen
}

func newFixture(t *testing.T, backend store.IStore, db dbcore.IDatabase, mutate ...func(*Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	transport := synctransport.NewSyncTransport()
	require.NoError(t, transport.Start(ctx))
	events := &recorder{}
	require.NoError(t, transport.Subscribe(synctransport.Wildcard, events.handler()))

	cfg := Config{
		Collection: people,
		Publisher:  transport,
		Clock:      steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     logging.NewNoopLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	repo, err := NewSoftDelete(backend, cfg, "")
	require.NoError(t, err)
	if db != nil {
		require.NoError(t, sqlstore.EnsureSchema(ctx, db, repo.Metas()...))
	}
	return &fixture{repo: repo, backend: backend, events: events}
}

func sqliteDB(t *testing.T) *basicdb.DB {
	t.Helper()
	db, err := basicdb.New(dbcore.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fixtures 同一组用例分别在内存与 sqlite 上运行
func fixtures(t *testing.T, mutate ...func(*Config)) map[string]*fixture {
	t.Helper()
	db := sqliteDB(t)
	return map[string]*fixture{
		"memory": newFixture(t, memory.New(), nil, mutate...),
		"sqlite": newFixture(t, sqlstore.New(db), db, mutate...),
	}
}

func (f *fixture) changeSets(t *testing.T, id string) []*changeset.ChangeSet {
	t.Helper()
	sets, err := f.repo.ChangeSets(context.Background(), id, ChangeSetQuery{})
	require.NoError(t, err)
	return sets
}

func types(sets []*changeset.ChangeSet) []changeset.Type {
	out := make([]changeset.Type, len(sets))
	for i, cs := range sets {
		out[i] = cs.Type
	}
	return out
}

func TestRepository_CreateRecordsExactChanges(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			created, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			require.NotEmpty(t, created.ID())

			got, err := f.repo.FindByID(ctx, created.ID())
			require.NoError(t, err)
			assert.Equal(t, false, got["deleted"], "软删除标记默认为 false")

			sets := f.changeSets(t, created.ID())
			require.Len(t, sets, 1)
			cs := sets[0]
			assert.Equal(t, changeset.TypeCreate, cs.Type)
			assert.Equal(t, "people", cs.Collection)
			assert.Equal(t, snowflake.Time(cs.Sequence), cs.CreatedAt)

			// 标记字段与 id 不记录
			require.Len(t, cs.Changes, 2)
			assert.Equal(t, "firstName", cs.Changes[0].Key)
			assert.Equal(t, "James", cs.Changes[0].NewValue)
			assert.Equal(t, "lastName", cs.Changes[1].Key)
			assert.Equal(t, "Smith", cs.Changes[1].NewValue)
			for _, c := range cs.Changes {
				assert.True(t, store.IsUndefined(c.PreviousValue))
				assert.Equal(t, cs.ID, c.ChangeSetID)
			}
		})
	}
}

func TestRepository_CreateWithCallerID(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			created, err := f.repo.Create(ctx, store.Record{"id": "p-1", "firstName": "James"})
			require.NoError(t, err)
			assert.Equal(t, "p-1", created.ID())

			_, err = f.repo.Create(ctx, store.Record{"id": "p-1", "firstName": "Max"})
			assert.True(t, errors.IsConflict(err))
			assert.Len(t, f.changeSets(t, "p-1"), 1, "冲突时不应留下变更集")

			_, err = f.repo.Create(ctx, store.Record{"id": 42})
			assert.True(t, errors.IsInvalidInput(err))
		})
	}
}

func TestRepository_UpdateByID(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			created, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			id := created.ID()

			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max", "lastName": "Smith"}))
			sets := f.changeSets(t, id)
			require.Len(t, sets, 2)
			update := sets[1]
			assert.Equal(t, changeset.TypeUpdate, update.Type)
			require.Len(t, update.Changes, 1, "未变化的字段不记录")
			assert.Equal(t, "firstName", update.Changes[0].Key)
			assert.Equal(t, "James", update.Changes[0].PreviousValue)
			assert.Equal(t, "Max", update.Changes[0].NewValue)
			assert.Greater(t, update.Sequence, sets[0].Sequence)

			// 没有变化时不记录变更集
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max"}))
			assert.Len(t, f.changeSets(t, id), 2)

			got, err := f.repo.FindByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Max", got["firstName"])

			err = f.repo.UpdateByID(ctx, "missing", store.Record{"firstName": "x"})
			assert.True(t, errors.IsNotFound(err))
			err = f.repo.UpdateByID(ctx, "", store.Record{"firstName": "x"})
			assert.True(t, errors.IsInvalidInput(err))
			err = f.repo.UpdateByID(ctx, id, store.Record{"nickname": "x"})
			assert.True(t, errors.IsInvalidInput(err), "未声明的字段")
			assert.Len(t, f.changeSets(t, id), 2)
		})
	}
}

func TestRepository_UpdateAll(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			a, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			b, err := f.repo.Create(ctx, store.Record{"firstName": "Anna", "lastName": "Smith"})
			require.NoError(t, err)
			c, err := f.repo.Create(ctx, store.Record{"firstName": "John", "lastName": "Doe"})
			require.NoError(t, err)

			n, err := f.repo.UpdateAll(ctx, store.Record{"age": int64(40)}, store.NewFilter().Eq("lastName", "Smith"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			for _, id := range []string{a.ID(), b.ID()} {
				sets := f.changeSets(t, id)
				assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeUpdate}, types(sets))
				got, err := f.repo.FindByID(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, int64(40), got["age"])
			}
			assert.Len(t, f.changeSets(t, c.ID()), 1)

			n, err = f.repo.UpdateAll(ctx, store.Record{"age": int64(1)}, store.NewFilter().Eq("lastName", "Nobody"))
			require.NoError(t, err)
			assert.Zero(t, n)

			_, err = f.repo.UpdateAll(ctx, store.Record{"id": "x"}, nil)
			assert.True(t, errors.IsInvalidInput(err))
		})
	}
}

func TestRepository_ReplaceByID(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			created, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith", "age": int64(30)})
			require.NoError(t, err)
			id := created.ID()

			require.NoError(t, f.repo.ReplaceByID(ctx, id, store.Record{"firstName": "Max"}))

			got, err := f.repo.FindByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Max", got["firstName"])
			assert.Nil(t, got["lastName"])
			assert.Nil(t, got["age"])
			assert.Equal(t, false, got["deleted"], "替换保留软删除标记")

			sets := f.changeSets(t, id)
			require.Len(t, sets, 2)
			replace := sets[1]
			assert.Equal(t, changeset.TypeReplace, replace.Type)
			require.Len(t, replace.Changes, 3)
			assert.Equal(t, "age", replace.Changes[0].Key)
			assert.Equal(t, int64(30), replace.Changes[0].PreviousValue)
			assert.Nil(t, replace.Changes[0].NewValue)
			assert.Equal(t, "lastName", replace.Changes[2].Key)
			assert.Nil(t, replace.Changes[2].NewValue)

			err = f.repo.ReplaceByID(ctx, "missing", store.Record{"firstName": "x"})
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestRepository_DeleteCascadesChangeSets(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			a, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			b, err := f.repo.Create(ctx, store.Record{"firstName": "Anna", "lastName": "Doe"})
			require.NoError(t, err)
			require.NoError(t, f.repo.UpdateByID(ctx, a.ID(), store.Record{"firstName": "Max"}))

			require.NoError(t, f.repo.DeleteByID(ctx, a.ID()))

			_, err = f.repo.FindByID(ctx, a.ID())
			assert.True(t, errors.IsNotFound(err))
			left, err := f.repo.Audit().List(ctx, audit.Query{EntityID: a.ID(), IncludeChanges: true})
			require.NoError(t, err)
			assert.Empty(t, left)
			assert.Len(t, f.changeSets(t, b.ID()), 1, "其他实体的变更集不受影响")

			assert.True(t, errors.IsNotFound(f.repo.DeleteByID(ctx, a.ID())))

			n, err := f.repo.DeleteAll(ctx, store.NewFilter().Eq("lastName", "Doe"))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			assert.Empty(t, f.changeSets(t, b.ID()))
		})
	}
}

// 按时间顺序重放 NewValue 可以得到实体当前的追踪字段
func TestRepository_ReplayReproducesEntity(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			created, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			id := created.ID()
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"age": int64(30)}))
			require.NoError(t, f.repo.ReplaceByID(ctx, id, store.Record{"firstName": "Max", "age": int64(31)}))
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"lastName": "Power"}))
			require.NoError(t, f.repo.SoftDeleteByID(ctx, id))

			replayed := store.Record{}
			for _, cs := range f.changeSets(t, id) {
				for _, c := range cs.Changes {
					replayed[c.Key] = c.NewValue
				}
			}

			current, err := f.repo.FindByID(ctx, id)
			require.NoError(t, err)
			for _, key := range []string{"firstName", "lastName", "age"} {
				assert.Equal(t, current[key], replayed[key], key)
			}
		})
	}
}

func TestRepository_SequenceSurvivesClockSkew(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	frozen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	first, err := New(backend, Config{Collection: people, Clock: frozenClock(t, frozen), Logger: logging.NewNoopLogger()})
	require.NoError(t, err)
	created, err := first.Create(ctx, store.Record{"firstName": "James"})
	require.NoError(t, err)
	require.NoError(t, first.UpdateByID(ctx, created.ID(), store.Record{"firstName": "Max"}))

	// 另一个进程的时钟落后一小时
	second, err := New(backend, Config{Collection: people, Clock: frozenClock(t, frozen.Add(-time.Hour)), Logger: logging.NewNoopLogger()})
	require.NoError(t, err)
	require.NoError(t, second.UpdateByID(ctx, created.ID(), store.Record{"firstName": "James"}))

	sets, err := first.ChangeSets(ctx, created.ID(), ChangeSetQuery{})
	require.NoError(t, err)
	require.Len(t, sets, 3)
	for i := 1; i < len(sets); i++ {
		assert.Greater(t, sets[i].Sequence, sets[i-1].Sequence)
		assert.True(t, sets[i].CreatedAt.After(sets[i-1].CreatedAt), "时间严格递增")
	}
	assert.Equal(t, "Max", sets[2].Changes[0].PreviousValue)
}

func TestRepository_Actor(t *testing.T) {
	ctx := context.Background()
	resolverErr := fmt.Errorf("no user in context")
	f := newFixture(t, memory.New(), nil, func(cfg *Config) {
		cfg.ActorResolver = func(context.Context) (string, error) { return "", resolverErr }
	})

	created, err := f.repo.Create(ctx, store.Record{"firstName": "James"})
	require.NoError(t, err, "解析失败不影响操作")
	sets := f.changeSets(t, created.ID())
	assert.Nil(t, sets[0].CreatedBy)

	require.NoError(t, f.repo.UpdateByID(ctx, created.ID(), store.Record{"firstName": "Max"}, WithActor("u-1")))
	require.NoError(t, f.repo.UpdateByID(ctx, created.ID(), store.Record{"firstName": "Leo"},
		WithActorResolver(func(context.Context) (string, error) { return "u-2", nil })))

	sets = f.changeSets(t, created.ID())
	require.Len(t, sets, 3)
	require.NotNil(t, sets[1].CreatedBy)
	assert.Equal(t, "u-1", *sets[1].CreatedBy)
	require.NotNil(t, sets[2].CreatedBy)
	assert.Equal(t, "u-2", *sets[2].CreatedBy)
}

func TestRepository_ChangeSetLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New(), nil)
	created, err := f.repo.Create(ctx, store.Record{"firstName": "James"})
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateByID(ctx, created.ID(), store.Record{"firstName": "Max"}))

	desc, err := f.repo.ChangeSets(ctx, created.ID(), ChangeSetQuery{Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, desc, 1)
	assert.Equal(t, changeset.TypeUpdate, desc[0].Type)

	updates, err := f.repo.ChangeSets(ctx, created.ID(), ChangeSetQuery{Types: []changeset.Type{changeset.TypeCreate}})
	require.NoError(t, err)
	assert.Equal(t, []changeset.Type{changeset.TypeCreate}, types(updates))

	got, err := f.repo.ChangeSet(ctx, desc[0].ID)
	require.NoError(t, err)
	assert.Len(t, got.Changes, 1)

	// 其他集合的仓储看不到该变更集
	other, err := New(f.backend, Config{Collection: &store.CollectionMeta{Name: "pets"}, Logger: logging.NewNoopLogger()})
	require.NoError(t, err)
	_, err = other.ChangeSet(ctx, desc[0].ID)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.repo.ChangeSet(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestRepository_CreateChangeSetSkipsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.New(), nil)
	entity := store.Record{"id": "p-1", "firstName": "James"}

	cs, err := f.repo.CreateChangeSet(ctx, entity, store.Record{"firstName": "James"}, changeset.TypeUpdate, false)
	require.NoError(t, err)
	assert.Nil(t, cs)

	cs, err = f.repo.CreateChangeSet(ctx, entity, store.Record{"firstName": "James"}, changeset.TypeUpdate, true)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Empty(t, cs.Changes)

	_, err = f.repo.CreateChangeSet(ctx, entity, nil, "bogus", true)
	assert.True(t, errors.IsInvalidInput(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(memory.New(), Config{})
	assert.True(t, errors.IsInvalidInput(err))

	_, err = NewSoftDelete(memory.New(), Config{Collection: &store.CollectionMeta{
		Name:   "things",
		Fields: []store.FieldMeta{{Name: "id", PrimaryKey: true}},
	}}, "")
	assert.True(t, errors.IsInvalidInput(err), "声明了字段时必须包含软删除标记")

	repo, err := NewSoftDelete(memory.New(), Config{Collection: &store.CollectionMeta{Name: "things"}}, "archived")
	require.NoError(t, err)
	assert.Equal(t, "archived", repo.DeletedKey())
	assert.Len(t, repo.Metas(), 3)

	// 按列存储的后端要求集合声明字段
	backend := sqlstore.New(sqliteDB(t))
	_, err = New(backend, Config{Collection: &store.CollectionMeta{Name: "notes"}})
	assert.True(t, errors.IsInvalidInput(err))
	_, err = NewSoftDelete(backend, Config{Collection: &store.CollectionMeta{Name: "notes"}}, "")
	assert.True(t, errors.IsInvalidInput(err))

	_, err = New(backend, Config{Collection: people, Logger: logging.NewNoopLogger()})
	assert.NoError(t, err)
}
