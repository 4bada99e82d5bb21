package tracked

import (
	"context"
	"fmt"
	"time"

	"changetrail/data/audit"
	"changetrail/data/store"
	"changetrail/domain/changeset"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
)

// ResetResult 重置或回滚的结果
type ResetResult struct {
	// Entity 操作后重新加载的实体
	Entity store.Record `json:"entity" yaml:"entity"`
	// Applied 实际改变了的字段及其恢复后的值
	Applied store.Record `json:"applied" yaml:"applied"`
	// ChangeSet 记录本次操作的 RESET 变更集；跳过记录或没有可记录内容时为 nil
	ChangeSet *changeset.ChangeSet `json:"changeSet,omitempty" yaml:"changeSet,omitempty"`
	// Consumed 被撤销并删除的变更集数量，保留的 CREATE 变更集不计入
	Consumed int `json:"consumed" yaml:"consumed"`
}

// ResetSingleChangeSet 撤销单个变更集。
//
// 变更集必须属于该实体，否则返回 OwnershipMismatch；
// 变更集已被消费（例如重复重置）时返回 NotFound。
func (r *Repository) ResetSingleChangeSet(ctx context.Context, entity store.Record, cs *changeset.ChangeSet, ro ResetOptions, opts ...Option) (*ResetResult, error) {
	if cs == nil || cs.ID == "" {
		return nil, errors.NewInvalidInput("reset: change set is required")
	}
	if err := r.checkOwnership(entity, cs); err != nil {
		return nil, err
	}
	return r.resetSingle(ctx, entity.ID(), cs.ID, ro, opts)
}

// ResetSingleChangeSetByID 按实体 ID 与变更集 ID 撤销单个变更集
func (r *Repository) ResetSingleChangeSetByID(ctx context.Context, entityID, changeSetID string, ro ResetOptions, opts ...Option) (*ResetResult, error) {
	if entityID == "" || changeSetID == "" {
		return nil, errors.NewInvalidInput("reset: entity id and change set id are required")
	}
	return r.resetSingle(ctx, entityID, changeSetID, ro, opts)
}

func (r *Repository) resetSingle(ctx context.Context, entityID, changeSetID string, ro ResetOptions, opts []Option) (*ResetResult, error) {
	var result *ResetResult
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		cs, err := u.audit.Get(ctx, changeSetID)
		if err != nil {
			return r.changeSetError(ctx, err, changeSetID)
		}
		if err := r.checkOwnership(store.Record{store.IDKey: entityID}, cs); err != nil {
			return err
		}
		result, err = r.consume(ctx, u, entityID, []*changeset.ChangeSet{cs}, ro)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackToDate 撤销实体在 date（含）之后的全部变更集，
// 结果与按时间倒序逐个重置相同，只记录一个 RESET 变更集。
func (r *Repository) RollbackToDate(ctx context.Context, entity store.Record, date time.Time, ro RollbackOptions, opts ...Option) (*ResetResult, error) {
	if entity.ID() == "" {
		return nil, errors.NewInvalidInput("rollback: entity id is required")
	}
	return r.RollbackToDateByID(ctx, entity.ID(), date, ro, opts...)
}

// RollbackToDateByID 按实体 ID 回滚到指定时间
func (r *Repository) RollbackToDateByID(ctx context.Context, id string, date time.Time, ro RollbackOptions, opts ...Option) (*ResetResult, error) {
	if id == "" {
		return nil, errors.NewInvalidInput("rollback: entity id is required")
	}
	var result *ResetResult
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		result, err = r.rollbackWith(ctx, u, id, audit.Query{Since: &date}, ro)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackToChangeSet 回滚到变更集 cs 之前的状态（cs 本身也被撤销）。
// 以序号而非时间定位，同一毫秒内的变更集也能精确区分。
func (r *Repository) RollbackToChangeSet(ctx context.Context, entity store.Record, cs *changeset.ChangeSet, ro RollbackOptions, opts ...Option) (*ResetResult, error) {
	if cs == nil || cs.ID == "" {
		return nil, errors.NewInvalidInput("rollback: change set is required")
	}
	if err := r.checkOwnership(entity, cs); err != nil {
		return nil, err
	}
	var result *ResetResult
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		seq := cs.Sequence
		if seq == 0 {
			stored, err := u.audit.Get(ctx, cs.ID)
			if err != nil {
				return r.changeSetError(ctx, err, cs.ID)
			}
			seq = stored.Sequence
		}
		var err error
		result, err = r.rollbackWith(ctx, u, entity.ID(), audit.Query{FromSequence: seq}, ro)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackToChangeSetByID 按 ID 回滚到变更集之前的状态
func (r *Repository) RollbackToChangeSetByID(ctx context.Context, entityID, changeSetID string, ro RollbackOptions, opts ...Option) (*ResetResult, error) {
	if entityID == "" || changeSetID == "" {
		return nil, errors.NewInvalidInput("rollback: entity id and change set id are required")
	}
	var result *ResetResult
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		cs, err := u.audit.Get(ctx, changeSetID)
		if err != nil {
			return r.changeSetError(ctx, err, changeSetID)
		}
		if err := r.checkOwnership(store.Record{store.IDKey: entityID}, cs); err != nil {
			return err
		}
		result, err = r.rollbackWith(ctx, u, entityID, audit.Query{FromSequence: cs.Sequence}, ro)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackAllToDate 对每个匹配实体独立执行 RollbackToDate，返回处理的实体数
func (r *Repository) RollbackAllToDate(ctx context.Context, date time.Time, filter *store.Filter, ro RollbackOptions, opts ...Option) (int64, error) {
	var n int64
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		n, err = r.rollbackAll(ctx, u, date, filter, ro)
		return err
	})
	return n, err
}

func (r *Repository) rollbackAll(ctx context.Context, u *unitOfWork, date time.Time, filter *store.Filter, ro RollbackOptions) (int64, error) {
	matches, err := u.entities.Find(ctx, filter)
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
	}
	for i, entity := range matches {
		if _, err := r.rollbackWith(ctx, u, entity.ID(), audit.Query{Since: &date}, ro); err != nil {
			return 0, newBatchError("rollback", i, entity.ID(), err)
		}
	}
	return int64(len(matches)), nil
}

func (r *Repository) rollbackWith(ctx context.Context, u *unitOfWork, id string, q audit.Query, ro ResetOptions) (*ResetResult, error) {
	q.Collection = r.meta.Name
	q.EntityID = id
	q.Descending = true
	q.IncludeChanges = true
	sets, err := u.audit.List(ctx, q)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "list change sets")
	}
	return r.consume(ctx, u, id, sets, ro)
}

// consume 撤销按时间倒序排列的变更集。
//
// 较早的变更集覆盖较晚的变更集给出的值，与逐个重置的净效果一致。
// 步骤顺序：记录 RESET 变更集，删除被消费的变更集，最后修改实体。
func (r *Repository) consume(ctx context.Context, u *unitOfWork, id string, sets []*changeset.ChangeSet, ro ResetOptions) (*ResetResult, error) {
	current, err := r.load(ctx, u, id)
	if err != nil {
		return nil, err
	}

	values := store.Record{}
	for _, cs := range sets {
		for k, v := range r.resetValues(cs, ro) {
			values[k] = v
		}
	}

	applied := store.Record{}
	for k, v := range values {
		if !changeset.Equal(current.Get(k), v) {
			applied[k] = v
		}
	}

	consumed := make([]*changeset.ChangeSet, 0, len(sets))
	for _, cs := range sets {
		if !r.preserved(cs, ro) {
			consumed = append(consumed, cs)
		}
	}

	result := &ResetResult{Applied: applied, Consumed: len(consumed)}
	if !ro.SkipChangeSet {
		// 有变更集被消费时即使净效果为空也要留下 RESET 记录
		cs, err := r.createChangeSet(ctx, u, current, applied, changeset.TypeReset, len(consumed) > 0)
		if err != nil {
			return nil, err
		}
		result.ChangeSet = cs
	}

	for _, cs := range consumed {
		if err := u.audit.Delete(ctx, cs.ID); err != nil {
			return nil, errors.WrapAuditError(ctx, err, "delete consumed change set "+cs.ID)
		}
		u.notify(r.changeSetMessage(messaging.TypeChangeSetConsumed, cs))
	}

	if err := r.updateWithoutChangeSet(ctx, u, id, applied); err != nil {
		return nil, err
	}
	if result.Entity, err = r.load(ctx, u, id); err != nil {
		return nil, err
	}
	r.logger.Debug(ctx, "change sets consumed",
		logging.String("entity_id", id),
		logging.Int("consumed", len(consumed)),
		logging.Int("applied", len(applied)))
	return result, nil
}

// resetValues 撤销单个变更集需要写回的字段值。
// 保留的 CREATE 变更集写回创建时的值；其余写回变更前的值，原本不存在的字段置空。
func (r *Repository) resetValues(cs *changeset.ChangeSet, ro ResetOptions) store.Record {
	values := make(store.Record, len(cs.Changes))
	keep := r.preserved(cs, ro)
	for _, c := range cs.Changes {
		if r.isExcluded(c.Key) || c.Key == store.IDKey {
			continue
		}
		v := c.PreviousValue
		if keep {
			v = c.NewValue
		}
		if store.IsUndefined(v) {
			v = nil
		}
		values[c.Key] = v
	}
	return values
}

func (r *Repository) preserved(cs *changeset.ChangeSet, ro ResetOptions) bool {
	return cs.Type == changeset.TypeCreate && !ro.DiscardCreate
}

func (r *Repository) checkOwnership(entity store.Record, cs *changeset.ChangeSet) error {
	id := entity.ID()
	if id == "" {
		return errors.NewInvalidInput("entity id is required")
	}
	if cs.EntityID != id || (cs.Collection != "" && cs.Collection != r.meta.Name) {
		return errors.NewError(errors.ErrCodeOwnershipMismatch,
			fmt.Sprintf("change set %s does not belong to %s/%s", cs.ID, r.meta.Name, id)).
			WithContext("change_set_id", cs.ID).
			WithContext("entity_id", id)
	}
	return nil
}
