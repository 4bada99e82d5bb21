// Package audit 持久化变更集与字段变更。
//
// 审计数据与被追踪实体可以放在同一个 store.IStore 中，
// 这样变更集与实体修改能共享同一个事务会话。
package audit

import (
	"context"
	"fmt"
	"time"

	"changetrail/data/store"
	"changetrail/domain/changeset"
)

// Store 变更集存储
type Store struct {
	backend    store.IStore
	tables     Tables
	setsMeta   *store.CollectionMeta
	changeMeta *store.CollectionMeta
}

// Option 配置审计存储
type Option func(*Store)

// WithTables 自定义表名
func WithTables(t Tables) Option {
	return func(s *Store) { s.tables = t.withDefaults() }
}

// New 创建审计存储
func New(backend store.IStore, opts ...Option) *Store {
	s := &Store{backend: backend, tables: DefaultTables}
	for _, opt := range opts {
		opt(s)
	}
	s.setsMeta = ChangeSetsMeta(s.tables.ChangeSets)
	s.changeMeta = ChangesMeta(s.tables.Changes)
	return s
}

// Bind 返回在 handle（通常是事务会话）上操作的副本
func (s *Store) Bind(handle store.IStore) *Store {
	if handle == nil {
		return s
	}
	out := *s
	out.backend = handle
	return &out
}

// Backend 返回当前绑定的存储
func (s *Store) Backend() store.IStore { return s.backend }

// Metas 返回审计表元信息，用于建表
func (s *Store) Metas() []*store.CollectionMeta {
	return []*store.CollectionMeta{s.setsMeta, s.changeMeta}
}

func (s *Store) sets() store.ICollection    { return s.backend.Collection(s.setsMeta) }
func (s *Store) changes() store.ICollection { return s.backend.Collection(s.changeMeta) }

// Save 保存变更集及其全部变更；变更的 ChangeSetID 被设置为 cs.ID
func (s *Store) Save(ctx context.Context, cs *changeset.ChangeSet) error {
	if cs.ID == "" || cs.EntityID == "" {
		return fmt.Errorf("audit: save change set: %w: id and entity id are required", store.ErrInvalidFilter)
	}
	if !cs.Type.Valid() {
		return fmt.Errorf("audit: save change set %s: %w: unknown type %q", cs.ID, store.ErrInvalidFilter, cs.Type)
	}
	if _, err := s.sets().Create(ctx, changeSetToRecord(cs)); err != nil {
		return fmt.Errorf("audit: save change set %s: %w", cs.ID, err)
	}
	for i := range cs.Changes {
		cs.Changes[i].ChangeSetID = cs.ID
		rec, err := changeToRecord(cs.Changes[i])
		if err != nil {
			return err
		}
		if _, err := s.changes().Create(ctx, rec); err != nil {
			return fmt.Errorf("audit: save change %s of %s: %w", cs.Changes[i].Key, cs.ID, err)
		}
	}
	return nil
}

// Get 读取变更集及其变更，不存在时返回 store.ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*changeset.ChangeSet, error) {
	rec, err := s.sets().FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("audit: get change set %s: %w", id, err)
	}
	cs, err := recordToChangeSet(rec)
	if err != nil {
		return nil, err
	}
	if cs.Changes, err = s.Changes(ctx, id); err != nil {
		return nil, err
	}
	return cs, nil
}

// Query 变更集查询条件
type Query struct {
	Collection string
	EntityID   string
	// Since 只返回 CreatedAt >= Since 的变更集
	Since *time.Time
	// FromSequence 只返回 Sequence >= FromSequence 的变更集，0 表示不限制
	FromSequence int64
	Types        []changeset.Type
	Descending   bool
	Limit        int
	// IncludeChanges 同时加载字段变更
	IncludeChanges bool
}

func (q Query) filter() *store.Filter {
	f := store.NewFilter()
	if q.Collection != "" {
		f.Eq(colCollection, q.Collection)
	}
	if q.EntityID != "" {
		f.Eq(colEntityID, q.EntityID)
	}
	if q.Since != nil {
		f.Gte(colCreatedAt, q.Since.UnixNano())
	}
	if q.FromSequence > 0 {
		f.Gte(colSequence, q.FromSequence)
	}
	if len(q.Types) > 0 {
		types := make([]any, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		f.In(colType, types...)
	}
	f.OrderBy(colCreatedAt, q.Descending).OrderBy(colSequence, q.Descending)
	return f.WithLimit(q.Limit)
}

// List 按 (CreatedAt, Sequence) 排序返回变更集
func (s *Store) List(ctx context.Context, q Query) ([]*changeset.ChangeSet, error) {
	recs, err := s.sets().Find(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("audit: list change sets of %s: %w", q.EntityID, err)
	}
	out := make([]*changeset.ChangeSet, 0, len(recs))
	for _, rec := range recs {
		cs, err := recordToChangeSet(rec)
		if err != nil {
			return nil, err
		}
		if q.IncludeChanges {
			if cs.Changes, err = s.Changes(ctx, cs.ID); err != nil {
				return nil, err
			}
		}
		out = append(out, cs)
	}
	return out, nil
}

// Changes 读取变更集的字段变更，按键排序
func (s *Store) Changes(ctx context.Context, changeSetID string) ([]changeset.Change, error) {
	recs, err := s.changes().Find(ctx, store.NewFilter().Eq(colChangeSetID, changeSetID).OrderBy(colKey, false))
	if err != nil {
		return nil, fmt.Errorf("audit: load changes of %s: %w", changeSetID, err)
	}
	out := make([]changeset.Change, 0, len(recs))
	for _, rec := range recs {
		c, err := recordToChange(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete 删除变更集及其变更，不存在时返回 store.ErrNotFound
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.changes().DeleteAll(ctx, store.NewFilter().Eq(colChangeSetID, id)); err != nil {
		return fmt.Errorf("audit: delete changes of %s: %w", id, err)
	}
	if err := s.sets().DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("audit: delete change set %s: %w", id, err)
	}
	return nil
}

// DeleteForEntity 级联删除实体的全部变更集，返回删除的变更集数量
func (s *Store) DeleteForEntity(ctx context.Context, collection, entityID string) (int64, error) {
	sets, err := s.List(ctx, Query{Collection: collection, EntityID: entityID})
	if err != nil {
		return 0, err
	}
	if len(sets) == 0 {
		return 0, nil
	}
	ids := make([]any, len(sets))
	for i, cs := range sets {
		ids[i] = cs.ID
	}
	if _, err := s.changes().DeleteAll(ctx, store.NewFilter().In(colChangeSetID, ids...)); err != nil {
		return 0, fmt.Errorf("audit: delete changes of entity %s: %w", entityID, err)
	}
	n, err := s.sets().DeleteAll(ctx, store.NewFilter().In(colID, ids...))
	if err != nil {
		return 0, fmt.Errorf("audit: delete change sets of entity %s: %w", entityID, err)
	}
	return n, nil
}

// Latest 返回实体按 (CreatedAt, Sequence) 排序的最新变更集，不含字段变更；没有变更集时为 nil
func (s *Store) Latest(ctx context.Context, collection, entityID string) (*changeset.ChangeSet, error) {
	sets, err := s.List(ctx, Query{Collection: collection, EntityID: entityID, Descending: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}
	return sets[0], nil
}

// LatestSequence 返回实体最新变更集的序号，没有变更集时为 0
func (s *Store) LatestSequence(ctx context.Context, collection, entityID string) (int64, error) {
	latest, err := s.Latest(ctx, collection, entityID)
	if err != nil || latest == nil {
		return 0, err
	}
	return latest.Sequence, nil
}
