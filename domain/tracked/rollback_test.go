package tracked

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrail/data/store"
	"changetrail/domain/changeset"
	"changetrail/errors"
)

// A → B → C 回滚到 B 的变更集：结果为 A，RESET 只含一个净变更
func TestRollback_NetEffect(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error){
		"to change set": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToChangeSet(ctx, entity, target, RollbackOptions{})
		},
		"to change set by id": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToChangeSetByID(ctx, entity.ID(), target.ID, RollbackOptions{})
		},
		"to date": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToDate(ctx, entity, target.CreatedAt, RollbackOptions{})
		},
	}

	for name, f := range fixtures(t) {
		for caseName, rollback := range cases {
			t.Run(name+"/"+caseName, func(t *testing.T) {
				entity, err := f.repo.Create(ctx, store.Record{"firstName": "A", "lastName": "Smith"})
				require.NoError(t, err)
				id := entity.ID()
				require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "B"}))
				require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "C"}))

				sets := f.changeSets(t, id)
				require.Len(t, sets, 3)

				result, err := rollback(f, entity, sets[1])
				require.NoError(t, err)
				assert.Equal(t, "A", result.Entity["firstName"])
				assert.Equal(t, "Smith", result.Entity["lastName"])
				assert.Equal(t, store.Record{"firstName": "A"}, result.Applied)
				assert.Equal(t, 2, result.Consumed)

				after := f.changeSets(t, id)
				assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeReset}, types(after))
				reset := after[1]
				require.Len(t, reset.Changes, 1)
				assert.Equal(t, "firstName", reset.Changes[0].Key)
				assert.Equal(t, "C", reset.Changes[0].PreviousValue)
				assert.Equal(t, "A", reset.Changes[0].NewValue)
				assert.Equal(t, reset.ID, result.ChangeSet.ID)
			})
		}
	}
}

// 时钟停在同一毫秒：A → B → C → D 回滚到 C 的时间与回滚到 C 的变更集结果一致
func TestRollback_SameMillisecond(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := map[string]func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error){
		"to change set": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToChangeSet(ctx, entity, target, RollbackOptions{})
		},
		"to date": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToDate(ctx, entity, target.CreatedAt, RollbackOptions{})
		},
		"to date by id": func(f *fixture, entity store.Record, target *changeset.ChangeSet) (*ResetResult, error) {
			return f.repo.RollbackToDateByID(ctx, entity.ID(), target.CreatedAt, RollbackOptions{})
		},
	}

	for caseName, rollback := range cases {
		for name, f := range fixtures(t, func(cfg *Config) { cfg.Clock = frozenClock(t, frozen) }) {
			t.Run(name+"/"+caseName, func(t *testing.T) {
				entity, err := f.repo.Create(ctx, store.Record{"firstName": "A", "lastName": "Smith"})
				require.NoError(t, err)
				id := entity.ID()
				for _, v := range []string{"B", "C", "D"} {
					require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": v}))
				}

				sets := f.changeSets(t, id)
				require.Len(t, sets, 4)
				for i := 1; i < len(sets); i++ {
					assert.Greater(t, sets[i].Sequence, sets[i-1].Sequence)
					assert.True(t, sets[i].CreatedAt.After(sets[i-1].CreatedAt), "同一毫秒内时间仍严格递增")
				}

				result, err := rollback(f, entity, sets[2])
				require.NoError(t, err)
				assert.Equal(t, "B", result.Entity["firstName"])
				assert.Equal(t, store.Record{"firstName": "B"}, result.Applied)
				assert.Equal(t, 2, result.Consumed, "只消费 C 与 D")

				after := f.changeSets(t, id)
				assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeUpdate, changeset.TypeReset}, types(after))
				assert.True(t, after[2].CreatedAt.After(after[1].CreatedAt))
				require.Len(t, after[2].Changes, 1)
				assert.Equal(t, "D", after[2].Changes[0].PreviousValue)
				assert.Equal(t, "B", after[2].Changes[0].NewValue)
			})
		}
	}
}

// James → Max → James，回滚到第一次更新：值不变，但两个 UPDATE 被一个 RESET 取代
func TestRollback_NoNetChangeStillAudited(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			entity, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			id := entity.ID()
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max"}))
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "James"}))

			sets := f.changeSets(t, id)
			require.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeUpdate, changeset.TypeUpdate}, types(sets))
			assert.Len(t, sets[0].Changes, 2)
			assert.Len(t, sets[1].Changes, 1)
			assert.Len(t, sets[2].Changes, 1)

			result, err := f.repo.RollbackToDateByID(ctx, id, sets[1].CreatedAt, RollbackOptions{})
			require.NoError(t, err)
			assert.Equal(t, "James", result.Entity["firstName"])
			assert.Empty(t, result.Applied)
			assert.Equal(t, 2, result.Consumed)

			after := f.changeSets(t, id)
			assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeReset}, types(after))
			assert.Empty(t, after[1].Changes)
		})
	}
}

func TestReset_SingleChangeSet(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			entity, err := f.repo.Create(ctx, store.Record{"firstName": "James", "age": int64(30)})
			require.NoError(t, err)
			id := entity.ID()
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max", "lastName": "Power"}))
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"age": int64(31)}))

			sets := f.changeSets(t, id)
			require.Len(t, sets, 3)

			// 只撤销中间的变更集，之后的修改保留
			result, err := f.repo.ResetSingleChangeSet(ctx, entity, sets[1], ResetOptions{})
			require.NoError(t, err)
			assert.Equal(t, "James", result.Entity["firstName"])
			assert.Nil(t, result.Entity["lastName"], "原本不存在的字段被置空")
			assert.Equal(t, int64(31), result.Entity["age"])
			require.NotNil(t, result.ChangeSet)
			assert.Equal(t, changeset.TypeReset, result.ChangeSet.Type)
			assert.Len(t, result.ChangeSet.Changes, 2)

			after := f.changeSets(t, id)
			assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeUpdate, changeset.TypeReset}, types(after))
			assert.Equal(t, sets[2].ID, after[1].ID)

			// 第二次重置同一变更集
			_, err = f.repo.ResetSingleChangeSet(ctx, entity, sets[1], ResetOptions{})
			assert.True(t, errors.IsNotFound(err))
			_, err = f.repo.ResetSingleChangeSetByID(ctx, id, sets[1].ID, ResetOptions{})
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestReset_OwnershipMismatch(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			a, err := f.repo.Create(ctx, store.Record{"firstName": "James"})
			require.NoError(t, err)
			b, err := f.repo.Create(ctx, store.Record{"firstName": "Anna"})
			require.NoError(t, err)
			require.NoError(t, f.repo.UpdateByID(ctx, b.ID(), store.Record{"firstName": "Max"}))
			foreign := f.changeSets(t, b.ID())[1]

			_, err = f.repo.ResetSingleChangeSet(ctx, a, foreign, ResetOptions{})
			assert.True(t, errors.IsOwnershipMismatch(err))
			_, err = f.repo.ResetSingleChangeSetByID(ctx, a.ID(), foreign.ID, ResetOptions{})
			assert.True(t, errors.IsOwnershipMismatch(err))
			_, err = f.repo.RollbackToChangeSet(ctx, a, foreign, RollbackOptions{})
			assert.True(t, errors.IsOwnershipMismatch(err))
			_, err = f.repo.RollbackToChangeSetByID(ctx, a.ID(), foreign.ID, RollbackOptions{})
			assert.True(t, errors.IsOwnershipMismatch(err))

			// 变更集保持原样
			assert.Len(t, f.changeSets(t, b.ID()), 2)
			got, err := f.repo.FindByID(ctx, b.ID())
			require.NoError(t, err)
			assert.Equal(t, "Max", got["firstName"])
		})
	}
}

func TestReset_CreateChangeSet(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			entity, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			id := entity.ID()
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max"}))
			create := f.changeSets(t, id)[0]

			// 默认保留 CREATE，并恢复创建时的值
			result, err := f.repo.ResetSingleChangeSet(ctx, entity, create, ResetOptions{})
			require.NoError(t, err)
			assert.Equal(t, "James", result.Entity["firstName"])
			assert.Zero(t, result.Consumed)
			assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeUpdate, changeset.TypeReset}, types(f.changeSets(t, id)))

			// 丢弃 CREATE 时字段被清空，变更集被删除
			result, err = f.repo.ResetSingleChangeSet(ctx, entity, create, ResetOptions{DiscardCreate: true})
			require.NoError(t, err)
			assert.Nil(t, result.Entity["firstName"])
			assert.Nil(t, result.Entity["lastName"])
			assert.Equal(t, 1, result.Consumed)
			assert.Equal(t, []changeset.Type{changeset.TypeUpdate, changeset.TypeReset, changeset.TypeReset}, types(f.changeSets(t, id)))
		})
	}
}

func TestRollback_Options(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			entity, err := f.repo.Create(ctx, store.Record{"firstName": "James"})
			require.NoError(t, err)
			id := entity.ID()
			require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"firstName": "Max"}))
			sets := f.changeSets(t, id)

			result, err := f.repo.RollbackToDate(ctx, entity, sets[1].CreatedAt, RollbackOptions{SkipChangeSet: true})
			require.NoError(t, err)
			assert.Equal(t, "James", result.Entity["firstName"])
			assert.Nil(t, result.ChangeSet)
			assert.Equal(t, []changeset.Type{changeset.TypeCreate}, types(f.changeSets(t, id)))

			// 回滚到创建之前：CREATE 被保留，没有可撤销的内容
			result, err = f.repo.RollbackToDate(ctx, entity, sets[0].CreatedAt.Add(-time.Hour), RollbackOptions{})
			require.NoError(t, err)
			assert.Zero(t, result.Consumed)
			assert.Nil(t, result.ChangeSet)
			assert.Equal(t, "James", result.Entity["firstName"])

			// 时间在全部变更之后
			result, err = f.repo.RollbackToDateByID(ctx, id, time.Now().Add(time.Hour), RollbackOptions{})
			require.NoError(t, err)
			assert.Zero(t, result.Consumed)
			assert.Nil(t, result.ChangeSet)

			_, err = f.repo.RollbackToDateByID(ctx, "missing", time.Now(), RollbackOptions{})
			assert.True(t, errors.IsNotFound(err))
			_, err = f.repo.RollbackToDate(ctx, store.Record{}, time.Now(), RollbackOptions{})
			assert.True(t, errors.IsInvalidInput(err))
		})
	}
}

func TestRollback_AllToDate(t *testing.T) {
	ctx := context.Background()
	for name, f := range fixtures(t) {
		t.Run(name, func(t *testing.T) {
			a, err := f.repo.Create(ctx, store.Record{"firstName": "James", "lastName": "Smith"})
			require.NoError(t, err)
			b, err := f.repo.Create(ctx, store.Record{"firstName": "Anna", "lastName": "Smith"})
			require.NoError(t, err)
			c, err := f.repo.Create(ctx, store.Record{"firstName": "John", "lastName": "Doe"})
			require.NoError(t, err)
			cutoff := f.changeSets(t, c.ID())[0].CreatedAt.Add(time.Millisecond)

			for _, id := range []string{a.ID(), b.ID(), c.ID()} {
				require.NoError(t, f.repo.UpdateByID(ctx, id, store.Record{"age": int64(50)}))
			}

			n, err := f.repo.RollbackAllToDate(ctx, cutoff, store.NewFilter().Eq("lastName", "Smith"), RollbackOptions{})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			for _, id := range []string{a.ID(), b.ID()} {
				got, err := f.repo.FindByID(ctx, id)
				require.NoError(t, err)
				assert.Nil(t, got["age"])
				assert.Equal(t, []changeset.Type{changeset.TypeCreate, changeset.TypeReset}, types(f.changeSets(t, id)))
			}
			got, err := f.repo.FindByID(ctx, c.ID())
			require.NoError(t, err)
			assert.Equal(t, int64(50), got["age"])
		})
	}
}

func TestResetValues(t *testing.T) {
	repo := &Repository{excluded: []string{"changeSets", "deleted"}}
	create := &changeset.ChangeSet{Type: changeset.TypeCreate, Changes: []changeset.Change{
		{Key: "firstName", PreviousValue: store.Undefined, NewValue: "James"},
		{Key: "deleted", PreviousValue: store.Undefined, NewValue: false},
	}}
	update := &changeset.ChangeSet{Type: changeset.TypeUpdate, Changes: []changeset.Change{
		{Key: "firstName", PreviousValue: "James", NewValue: "Max"},
		{Key: "age", PreviousValue: store.Undefined, NewValue: int64(3)},
	}}

	assert.Equal(t, store.Record{"firstName": "James"}, repo.resetValues(create, ResetOptions{}))
	assert.Equal(t, store.Record{"firstName": nil}, repo.resetValues(create, ResetOptions{DiscardCreate: true}))
	assert.Equal(t, store.Record{"firstName": "James", "age": nil}, repo.resetValues(update, ResetOptions{}))
}
