// Package tracked 提供带变更追踪的实体仓储。
//
// 每次修改实体（创建、更新、替换、删除、软删除、恢复）都会在同一个工作单元内
// 记录一个变更集；变更集可用于把实体重置或回滚到之前的状态。
package tracked

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"changetrail/codegen/snowflake"
	"changetrail/data/audit"
	"changetrail/data/store"
	"changetrail/domain/changeset"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
)

// Config 仓储配置
type Config struct {
	// Collection 被追踪的集合
	Collection *store.CollectionMeta
	// AuditTables 审计表名，审计数据与实体位于同一个存储
	AuditTables audit.Tables
	// ExcludedKeys 追加到 changeset.DefaultExcludedKeys 的不追踪字段
	ExcludedKeys []string
	// Publisher 变更集通知的发布者，可为空
	Publisher messaging.IPublisher
	// Clock 变更集序号生成器，默认 snowflake.Default()
	Clock *snowflake.Generator
	// ActorResolver 默认的操作者解析函数
	ActorResolver ActorResolver
	Logger        logging.Logger
}

// Repository 变更追踪仓储
type Repository struct {
	backend    store.IStore
	meta       *store.CollectionMeta
	audit      *audit.Store
	excluded   []string
	deletedKey string
	publisher  messaging.IPublisher
	clock      *snowflake.Generator
	resolver   ActorResolver
	logger     logging.Logger
}

// New 创建变更追踪仓储
func New(backend store.IStore, cfg Config) (*Repository, error) {
	if backend == nil {
		return nil, errors.NewInvalidInput("tracked: store is required")
	}
	if err := cfg.Collection.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "tracked: invalid collection")
	}
	if backend.Capabilities().Supports(store.CapabilitySchema) && !cfg.Collection.HasSchema() {
		return nil, errors.NewError(errors.ErrCodeInvalidInput, "tracked: store requires declared fields").
			WithContext("collection", cfg.Collection.Name)
	}
	excluded := append([]string(nil), changeset.DefaultExcludedKeys...)
	excluded = append(excluded, cfg.ExcludedKeys...)

	clock := cfg.Clock
	if clock == nil {
		clock = snowflake.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.ComponentLogger("tracked")
	}
	return &Repository{
		backend:   backend,
		meta:      cfg.Collection,
		audit:     audit.New(backend, audit.WithTables(cfg.AuditTables)),
		excluded:  excluded,
		publisher: cfg.Publisher,
		clock:     clock,
		resolver:  cfg.ActorResolver,
		logger:    logger.WithFields(logging.String("collection", cfg.Collection.Name)),
	}, nil
}

// Meta 返回被追踪集合的元信息
func (r *Repository) Meta() *store.CollectionMeta { return r.meta }

// Audit 返回审计存储
func (r *Repository) Audit() *audit.Store { return r.audit }

// Metas 返回实体与审计表的元信息，用于建表
func (r *Repository) Metas() []*store.CollectionMeta {
	return append([]*store.CollectionMeta{r.meta}, r.audit.Metas()...)
}

// Create 创建实体并记录 CREATE 变更集；未提供 id 时生成 UUID
func (r *Repository) Create(ctx context.Context, data store.Record, opts ...Option) (store.Record, error) {
	var out store.Record
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		out, err = r.create(ctx, u, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAll 逐个创建实体，每个实体一个变更集；任一失败则整批失败
func (r *Repository) CreateAll(ctx context.Context, data []store.Record, opts ...Option) ([]store.Record, error) {
	out := make([]store.Record, 0, len(data))
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		for i, d := range data {
			created, err := r.create(ctx, u, d)
			if err != nil {
				return newBatchError("create", i, d.ID(), err)
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) create(ctx context.Context, u *unitOfWork, data store.Record) (store.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = store.Record{}
	}
	if v, ok := rec[store.IDKey]; ok && v != nil && rec.ID() == "" {
		return nil, errors.NewInvalidInput(fmt.Sprintf("%s: id must be a non-empty string", r.meta.Name))
	}
	if rec.ID() == "" {
		rec[store.IDKey] = uuid.NewString()
	} else if err := r.ensureAbsent(ctx, u, rec.ID()); err != nil {
		return nil, err
	}
	if r.deletedKey != "" {
		// 新实体总是未删除状态
		if v, ok := rec[r.deletedKey]; ok && v != false {
			return nil, r.flagError("create")
		}
		rec[r.deletedKey] = false
	}
	if err := r.checkFields(rec); err != nil {
		return nil, err
	}

	if _, err := r.createChangeSet(ctx, u, store.Record{store.IDKey: rec.ID()}, rec, changeset.TypeCreate, false); err != nil {
		return nil, err
	}
	created, err := u.entities.Create(ctx, rec)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "create "+r.meta.Name)
	}
	return created, nil
}

// ensureAbsent 调用方指定 id 时先确认不存在，避免留下没有实体的变更集
func (r *Repository) ensureAbsent(ctx context.Context, u *unitOfWork, id string) error {
	_, err := u.entities.FindByID(ctx, id)
	if err == nil {
		return errors.NewError(errors.ErrCodeConflict, "entity already exists").
			WithContext("collection", r.meta.Name).
			WithContext("entity_id", id)
	}
	if errors.IsNotFound(errors.Normalize(err)) {
		return nil
	}
	return errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
}

// UpdateAll 先加载匹配实体并逐个记录 UPDATE 变更集，再批量更新；返回更新条数
func (r *Repository) UpdateAll(ctx context.Context, data store.Record, filter *store.Filter, opts ...Option) (int64, error) {
	var n int64
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		n, err = r.updateAll(ctx, u, data, filter)
		return err
	})
	return n, err
}

func (r *Repository) updateAll(ctx context.Context, u *unitOfWork, data store.Record, filter *store.Filter) (int64, error) {
	values, err := r.updateValues(data)
	if err != nil {
		return 0, err
	}
	matches, err := u.entities.Find(ctx, filter)
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
	}
	if len(matches) == 0 {
		return 0, nil
	}
	ids := make([]any, 0, len(matches))
	for i, entity := range matches {
		if _, err := r.createChangeSet(ctx, u, entity, values, changeset.TypeUpdate, false); err != nil {
			return 0, newBatchError("update", i, entity.ID(), err)
		}
		ids = append(ids, entity.ID())
	}
	n, err := u.entities.UpdateAll(ctx, values, store.NewFilter().In(store.IDKey, ids...))
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "update "+r.meta.Name)
	}
	return n, nil
}

// UpdateByID 局部更新单个实体并记录 UPDATE 变更集
func (r *Repository) UpdateByID(ctx context.Context, id string, data store.Record, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("update: id is required")
	}
	values, err := r.updateValues(data)
	if err != nil {
		return err
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		current, err := r.load(ctx, u, id)
		if err != nil {
			return err
		}
		if _, err := r.createChangeSet(ctx, u, current, values, changeset.TypeUpdate, false); err != nil {
			return err
		}
		return r.updateWithoutChangeSet(ctx, u, id, values)
	})
}

// UpdateByIDWithoutChangeSet 不记录变更集的局部更新；软删除标记仍只能通过 SoftDelete 与 Restore 修改
func (r *Repository) UpdateByIDWithoutChangeSet(ctx context.Context, id string, data store.Record, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("update: id is required")
	}
	values := withoutID(data)
	if r.deletedKey != "" && values.Has(r.deletedKey) {
		return r.flagError("update")
	}
	if err := r.checkFields(values); err != nil {
		return err
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		if len(values) == 0 {
			_, err := r.load(ctx, u, id)
			return err
		}
		return r.updateWithoutChangeSet(ctx, u, id, values)
	})
}

func (r *Repository) updateWithoutChangeSet(ctx context.Context, u *unitOfWork, id string, values store.Record) error {
	if len(values) == 0 {
		return nil
	}
	if err := store.UpdateByID(ctx, u.entities, id, values); err != nil {
		return r.entityError(ctx, err, "update", id)
	}
	return nil
}

// ReplaceByID 整体替换实体并记录 REPLACE 变更集。
// data 中缺失的字段会被清空，并以新值 nil 记入变更集。
func (r *Repository) ReplaceByID(ctx context.Context, id string, data store.Record, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("replace: id is required")
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		current, err := r.load(ctx, u, id)
		if err != nil {
			return err
		}
		rec := withoutID(data)
		if r.deletedKey != "" {
			if rec.Has(r.deletedKey) {
				return r.flagError("replace")
			}
			rec[r.deletedKey] = r.isDeleted(current)
		}
		for k, v := range current {
			if k == store.IDKey || r.isExcluded(k) || rec.Has(k) || v == nil {
				continue
			}
			rec[k] = nil
		}
		if err := r.checkFields(rec); err != nil {
			return err
		}
		if _, err := r.createChangeSet(ctx, u, current, rec, changeset.TypeReplace, false); err != nil {
			return err
		}
		if err := u.entities.ReplaceByID(ctx, id, rec); err != nil {
			return r.entityError(ctx, err, "replace", id)
		}
		return nil
	})
}

// DeleteByID 删除实体及其全部变更集
func (r *Repository) DeleteByID(ctx context.Context, id string, opts ...Option) error {
	if id == "" {
		return errors.NewInvalidInput("delete: id is required")
	}
	return r.run(ctx, opts, func(u *unitOfWork) error {
		if _, err := r.load(ctx, u, id); err != nil {
			return err
		}
		return r.deleteOne(ctx, u, id)
	})
}

// DeleteAll 逐个删除匹配实体及其变更集，返回删除数量
func (r *Repository) DeleteAll(ctx context.Context, filter *store.Filter, opts ...Option) (int64, error) {
	var n int64
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		n, err = r.deleteAll(ctx, u, filter)
		return err
	})
	return n, err
}

func (r *Repository) deleteAll(ctx context.Context, u *unitOfWork, filter *store.Filter) (int64, error) {
	matches, err := u.entities.Find(ctx, filter)
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
	}
	for i, entity := range matches {
		if err := r.deleteOne(ctx, u, entity.ID()); err != nil {
			return 0, newBatchError("delete", i, entity.ID(), err)
		}
	}
	return int64(len(matches)), nil
}

// deleteOne 先级联删除变更集，再删除实体
func (r *Repository) deleteOne(ctx context.Context, u *unitOfWork, id string) error {
	n, err := u.audit.DeleteForEntity(ctx, r.meta.Name, id)
	if err != nil {
		return errors.WrapAuditError(ctx, err, "delete change sets of "+id)
	}
	if err := u.entities.DeleteByID(ctx, id); err != nil {
		return r.entityError(ctx, err, "delete", id)
	}
	r.logger.Debug(ctx, "entity deleted", logging.String("entity_id", id), logging.Int64("change_sets", n))
	return nil
}

// FindByID 读取实体
func (r *Repository) FindByID(ctx context.Context, id string, opts ...Option) (store.Record, error) {
	if id == "" {
		return nil, errors.NewInvalidInput("find: id is required")
	}
	rec, err := r.reader(opts).FindByID(ctx, id)
	if err != nil {
		return nil, r.entityError(ctx, err, "find", id)
	}
	return rec, nil
}

// Find 按条件查询实体
func (r *Repository) Find(ctx context.Context, filter *store.Filter, opts ...Option) ([]store.Record, error) {
	recs, err := r.reader(opts).Find(ctx, filter)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "find "+r.meta.Name)
	}
	return recs, nil
}

// Count 按条件计数
func (r *Repository) Count(ctx context.Context, filter *store.Filter, opts ...Option) (int64, error) {
	n, err := r.reader(opts).Count(ctx, filter)
	if err != nil {
		return 0, errors.WrapDatabaseError(ctx, err, "count "+r.meta.Name)
	}
	return n, nil
}

// ChangeSetQuery 变更集列表条件
type ChangeSetQuery struct {
	Since      *time.Time
	Types      []changeset.Type
	Descending bool
	Limit      int
}

// ChangeSets 列出实体的变更集（含字段变更），默认按时间升序
func (r *Repository) ChangeSets(ctx context.Context, entityID string, q ChangeSetQuery, opts ...Option) ([]*changeset.ChangeSet, error) {
	if entityID == "" {
		return nil, errors.NewInvalidInput("change sets: entity id is required")
	}
	sets, err := r.auditReader(opts).List(ctx, audit.Query{
		Collection:     r.meta.Name,
		EntityID:       entityID,
		Since:          q.Since,
		Types:          q.Types,
		Descending:     q.Descending,
		Limit:          q.Limit,
		IncludeChanges: true,
	})
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "list change sets")
	}
	return sets, nil
}

// ChangeSet 读取本集合的单个变更集
func (r *Repository) ChangeSet(ctx context.Context, id string, opts ...Option) (*changeset.ChangeSet, error) {
	cs, err := r.auditReader(opts).Get(ctx, id)
	if err == nil && cs.Collection != r.meta.Name {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, r.changeSetError(ctx, err, id)
	}
	return cs, nil
}

// CreateChangeSet 计算 data 相对 entity 的变更并持久化。
// 没有变更且未强制时不记录，返回 nil。
func (r *Repository) CreateChangeSet(ctx context.Context, entity, data store.Record, typ changeset.Type, force bool, opts ...Option) (*changeset.ChangeSet, error) {
	if entity.ID() == "" {
		return nil, errors.NewInvalidInput("change set: entity id is required")
	}
	if !typ.Valid() {
		return nil, errors.NewInvalidInput(fmt.Sprintf("change set: unknown type %q", typ))
	}
	var cs *changeset.ChangeSet
	err := r.run(ctx, opts, func(u *unitOfWork) error {
		var err error
		cs, err = r.createChangeSet(ctx, u, entity, data, typ, force)
		return err
	})
	return cs, err
}

func (r *Repository) createChangeSet(ctx context.Context, u *unitOfWork, entity, data store.Record, typ changeset.Type, force bool) (*changeset.ChangeSet, error) {
	changes := changeset.ComputeChanges(entity, data, typ, r.excluded)
	if len(changes) == 0 && !force {
		return nil, nil
	}
	entityID := entity.ID()
	latest, err := u.audit.Latest(ctx, r.meta.Name, entityID)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "latest change set")
	}
	seq, createdAt := r.stamp(latest)
	cs := &changeset.ChangeSet{
		ID:         uuid.NewString(),
		Type:       typ,
		CreatedAt:  createdAt,
		Sequence:   seq,
		CreatedBy:  u.createdBy(ctx),
		EntityID:   entityID,
		Collection: r.meta.Name,
		Changes:    changes,
	}
	for i := range cs.Changes {
		cs.Changes[i].ID = uuid.NewString()
	}
	if err := u.audit.Save(ctx, cs); err != nil {
		return nil, errors.WrapAuditError(ctx, err, fmt.Sprintf("save %s change set of %s", typ, entityID))
	}
	u.notify(r.changeSetMessage(messaging.TypeChangeSetRecorded, cs))
	return cs, nil
}

// stamp 生成新变更集的序号与时间，二者都严格大于实体最新的变更集。
// 序号只有毫秒精度，同一毫秒内的变更集时间在上一个的基础上加 1ns。
func (r *Repository) stamp(latest *changeset.ChangeSet) (int64, time.Time) {
	if latest == nil {
		seq := r.clock.NextID()
		return seq, snowflake.Time(seq)
	}
	seq := r.clock.NextAfter(latest.Sequence)
	createdAt := snowflake.Time(seq)
	if !createdAt.After(latest.CreatedAt) {
		createdAt = latest.CreatedAt.Add(time.Nanosecond)
	}
	return seq, createdAt
}

func (r *Repository) load(ctx context.Context, u *unitOfWork, id string) (store.Record, error) {
	rec, err := u.entities.FindByID(ctx, id)
	if err != nil {
		return nil, r.entityError(ctx, err, "find", id)
	}
	return rec, nil
}

func (r *Repository) updateValues(data store.Record) (store.Record, error) {
	values := withoutID(data)
	if len(values) == 0 {
		return nil, errors.NewInvalidInput("update: data is empty")
	}
	if r.deletedKey != "" && values.Has(r.deletedKey) {
		return nil, r.flagError("update")
	}
	if err := r.checkFields(values); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *Repository) checkFields(rec store.Record) error {
	if err := r.meta.CheckFields(rec.Keys()...); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "unknown field")
	}
	return nil
}

// flagError 软删除标记只能通过 SoftDelete 与 Restore 修改
func (r *Repository) flagError(op string) error {
	return errors.NewError(errors.ErrCodeInvalidInput, op+": "+r.deletedKey+" is changed only by soft delete and restore").
		WithContext("collection", r.meta.Name)
}

func (r *Repository) isExcluded(key string) bool {
	for _, k := range r.excluded {
		if k == key {
			return true
		}
	}
	return false
}

func (r *Repository) isDeleted(rec store.Record) bool {
	deleted, _ := rec.Get(r.deletedKey).(bool)
	return deleted
}

func (r *Repository) entityError(ctx context.Context, err error, op, id string) error {
	wrapped := errors.WrapDatabaseError(ctx, err, fmt.Sprintf("%s %s", op, r.meta.Name))
	if appErr, ok := wrapped.(errors.IError); ok {
		return appErr.WithContext("entity_id", id)
	}
	return wrapped
}

func (r *Repository) changeSetError(ctx context.Context, err error, id string) error {
	wrapped := errors.WrapDatabaseError(ctx, err, "find change set")
	if appErr, ok := wrapped.(errors.IError); ok {
		return appErr.WithContext("change_set_id", id)
	}
	return wrapped
}

func withoutID(data store.Record) store.Record {
	out := data.Clone()
	if out == nil {
		return store.Record{}
	}
	delete(out, store.IDKey)
	return out
}
