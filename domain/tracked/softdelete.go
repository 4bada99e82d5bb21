package tracked

import (
	"context"
	"fmt"
	"time"

	"changetrail/data/store"
	"changetrail/domain/changeset"
	"changetrail/errors"
	"changetrail/logging"
)

// DefaultDeletedKey 软删除标记的默认字段名
const DefaultDeletedKey = "deleted"

// SoftDeleteRepository 以布尔标记实现逻辑删除的追踪仓储。
//
// 标记字段不参与差异计算，回滚不会改变它；只有 SoftDelete 与 Restore 会修改它，
// 并分别记录 DELETE 与 RESTORE 变更集。
type SoftDeleteRepository struct {
	*Repository
}

// NewSoftDelete 创建软删除仓储；deletedKey 为空时使用 DefaultDeletedKey
func NewSoftDelete(backend store.IStore, cfg Config, deletedKey string) (*SoftDeleteRepository, error) {
	if deletedKey == "" {
		deletedKey = DefaultDeletedKey
	}
	if cfg.Collection.HasSchema() {
		if _, ok := cfg.Collection.Field(deletedKey); !ok {
			return nil, errors.NewInvalidInput(fmt.Sprintf("tracked: collection %s must declare field %q", cfg.Collection.Name, deletedKey))
		}
	}
	cfg.ExcludedKeys = append(append([]string(nil), cfg.ExcludedKeys...), deletedKey)
	repo, err := New(backend, cfg)
	if err != nil {
		return nil, err
	}
	repo.deletedKey = deletedKey
	return &SoftDeleteRepository{Repository: repo}, nil
}

// DeletedKey 返回软删除标记字段名
func (r *SoftDeleteRepository) DeletedKey() string { return r.deletedKey }

// SoftDelete 逻辑删除实体；已删除时记录警告并直接返回
func (r *SoftDeleteRepository) SoftDelete(ctx context.Context, entity store.Record, opts ...Option) error {
	if entity.ID() == "" {
		return errors.NewInvalidInput("soft delete: entity id is required")
	}
	return r.SoftDeleteByID(ctx, entity.ID(), opts...)
}

// SoftDeleteByID 按 ID 逻辑删除实体
func (r *SoftDeleteRepository) SoftDeleteByID(ctx context.Context, id string, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("soft delete: entity id is required")
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		_, err := r.setDeleted(ctx, u, id, true)
		return err
	})
}

// Restore 恢复逻辑删除的实体；未删除时记录警告并直接返回
func (r *SoftDeleteRepository) Restore(ctx context.Context, entity store.Record, opts ...Option) error {
	if entity.ID() == "" {
		return errors.NewInvalidInput("restore: entity id is required")
	}
	return r.RestoreByID(ctx, entity.ID(), opts...)
}

// RestoreByID 按 ID 恢复实体
func (r *SoftDeleteRepository) RestoreByID(ctx context.Context, id string, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("restore: entity id is required")
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		_, err := r.setDeleted(ctx, u, id, false)
		return err
	})
}

// setDeleted 记录 DELETE/RESTORE 变更集后修改标记；状态未变化时返回 false
func (r *SoftDeleteRepository) setDeleted(ctx context.Context, u *unitOfWork, id string, deleted bool) (bool, error) {
	current, err := r.load(ctx, u, id)
	if err != nil {
		return false, err
	}
	typ := changeset.TypeDelete
	if !deleted {
		typ = changeset.TypeRestore
	}
	if r.isDeleted(current) == deleted {
		r.logger.Warn(ctx, "soft delete state unchanged",
			logging.String("entity_id", id),
			logging.String("operation", string(typ)),
			logging.Bool("deleted", deleted))
		return false, nil
	}
	if _, err := r.createChangeSet(ctx, u, current, store.Record{}, typ, true); err != nil {
		return false, err
	}
	if err := r.updateWithoutChangeSet(ctx, u, id, store.Record{r.deletedKey: deleted}); err != nil {
		return false, err
	}
	return true, nil
}

// SoftDeleteAll 逻辑删除全部匹配实体，返回处理的实体数（含已删除的空操作）
func (r *SoftDeleteRepository) SoftDeleteAll(ctx context.Context, filter *store.Filter, opts ...Option) (int64, error) {
	return r.setDeletedAll(ctx, filter, true, opts)
}

// RestoreAll 恢复全部匹配实体，返回处理的实体数
func (r *SoftDeleteRepository) RestoreAll(ctx context.Context, filter *store.Filter, opts ...Option) (int64, error) {
	return r.setDeletedAll(ctx, filter, false, opts)
}

func (r *SoftDeleteRepository) setDeletedAll(ctx context.Context, filter *store.Filter, deleted bool, opts []Option) (int64, error) {
	op := "soft delete"
	if !deleted {
		op = "restore"
	}
	var n int64
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		matches, err := u.entities.Find(ctx, filter)
		if err != nil {
			return errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
		}
		for i, entity := range matches {
			if _, err := r.setDeleted(ctx, u, entity.ID(), deleted); err != nil {
				return newBatchError(op, i, entity.ID(), err)
			}
		}
		n = int64(len(matches))
		return nil
	})
	return n, err
}

// FindDeleted 查询已逻辑删除的实体
func (r *SoftDeleteRepository) FindDeleted(ctx context.Context, filter *store.Filter, opts ...Option) ([]store.Record, error) {
	return r.Find(ctx, r.scoped(filter, true), opts...)
}

// FindNonDeleted 查询未删除的实体
func (r *SoftDeleteRepository) FindNonDeleted(ctx context.Context, filter *store.Filter, opts ...Option) ([]store.Record, error) {
	return r.Find(ctx, r.scoped(filter, false), opts...)
}

// UpdateAllDeleted 仅更新已删除的匹配实体
func (r *SoftDeleteRepository) UpdateAllDeleted(ctx context.Context, data store.Record, filter *store.Filter, opts ...Option) (int64, error) {
	return r.UpdateAll(ctx, data, r.scoped(filter, true), opts...)
}

// UpdateAllNonDeleted 仅更新未删除的匹配实体
func (r *SoftDeleteRepository) UpdateAllNonDeleted(ctx context.Context, data store.Record, filter *store.Filter, opts ...Option) (int64, error) {
	return r.UpdateAll(ctx, data, r.scoped(filter, false), opts...)
}

func (r *SoftDeleteRepository) RollbackAllDeletedToDate(ctx context.Context, date time.Time, filter *store.Filter, ro RollbackOptions, opts ...Option) (int64, error) {
	return r.RollbackAllToDate(ctx, date, r.scoped(filter, true), ro, opts...)
}

func (r *SoftDeleteRepository) RollbackAllNonDeletedToDate(ctx context.Context, date time.Time, filter *store.Filter, ro RollbackOptions, opts ...Option) (int64, error) {
	return r.RollbackAllToDate(ctx, date, r.scoped(filter, false), ro, opts...)
}

// DeleteAllDeleted 物理删除已逻辑删除的实体及其变更集
func (r *SoftDeleteRepository) DeleteAllDeleted(ctx context.Context, filter *store.Filter, opts ...Option) (int64, error) {
	return r.DeleteAll(ctx, r.scoped(filter, true), opts...)
}

// scoped 复制调用方的条件并追加删除标记条件
func (r *SoftDeleteRepository) scoped(filter *store.Filter, deleted bool) *store.Filter {
	return filter.Clone().Eq(r.deletedKey, deleted)
}
