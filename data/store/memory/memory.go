// Package memory 提供基于内存的 store.IStore 实现，用于测试与嵌入式场景。
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"changetrail/data/store"
)

// table 单个集合的数据，order 记录插入顺序以保证默认输出稳定
type table struct {
	rows  map[string]store.Record
	order []string
}

func newTable() *table {
	return &table{rows: make(map[string]store.Record)}
}

func (t *table) clone() *table {
	out := &table{
		rows:  make(map[string]store.Record, len(t.rows)),
		order: append([]string(nil), t.order...),
	}
	for id, rec := range t.rows {
		out.rows[id] = rec.Clone()
	}
	return out
}

func (t *table) remove(id string) {
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// state 全部集合，事务开启时整体复制
type state map[string]*table

func (s state) clone() state {
	out := make(state, len(s))
	for name, t := range s {
		out[name] = t.clone()
	}
	return out
}

func (s state) table(name string) *table {
	t, ok := s[name]
	if !ok {
		t = newTable()
		s[name] = t
	}
	return t
}

// Option 配置内存存储
type Option func(*Store)

// WithoutTransactions 关闭事务能力，用于验证调用方在无事务存储上的行为
func WithoutTransactions() Option {
	return func(s *Store) { s.transactional = false }
}

// Store 内存存储。
//
// 事务采用“开启时复制、提交时替换”的方式；txMu 串行化写事务，
// 非事务写操作同样需要获取 txMu，避免被并发事务的提交覆盖。
type Store struct {
	mu            sync.RWMutex
	txMu          sync.Mutex
	data          state
	transactional bool
}

// New 创建内存存储
func New(opts ...Option) *Store {
	s := &Store{data: make(state), transactional: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Capabilities() store.Capabilities {
	caps := store.NewCapabilities(store.CapabilityBasicCRUD, store.CapabilityQuery)
	if s.transactional {
		caps[store.CapabilityTransaction] = true
	}
	return caps
}

func (s *Store) Collection(meta *store.CollectionMeta) store.ICollection {
	return &collection{meta: meta, backend: s}
}

// BeginTx 开启事务；opts 中的隔离级别被忽略，内存事务总是串行化的
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (store.ISession, error) {
	if !s.transactional {
		return nil, fmt.Errorf("memory: begin tx: %w", store.ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()
	return &session{parent: s, data: snapshot, readOnly: opts != nil && opts.ReadOnly}, nil
}

// read 在读锁内访问已提交数据
func (s *Store) read(fn func(state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

// write 非事务写：串行于事务之后，直接修改已提交数据
func (s *Store) write(fn func(state) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// session 内存事务会话
type session struct {
	parent   *Store
	mu       sync.Mutex
	data     state
	readOnly bool
	done     bool
}

func (t *session) Capabilities() store.Capabilities { return t.parent.Capabilities() }

func (t *session) Collection(meta *store.CollectionMeta) store.ICollection {
	return &collection{meta: meta, backend: t}
}

func (t *session) BeginTx(ctx context.Context, opts *sql.TxOptions) (store.ISession, error) {
	return nil, fmt.Errorf("memory: nested transactions: %w", store.ErrUnsupported)
}

func (t *session) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if !t.readOnly {
		t.parent.mu.Lock()
		t.parent.data = t.data
		t.parent.mu.Unlock()
	}
	t.parent.txMu.Unlock()
	return nil
}

func (t *session) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.data = nil
	t.parent.txMu.Unlock()
	return nil
}

func (t *session) read(fn func(state) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	return fn(t.data)
}

func (t *session) write(fn func(state) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	if t.readOnly {
		return fmt.Errorf("memory: write in read-only transaction: %w", store.ErrUnsupported)
	}
	return fn(t.data)
}

type backend interface {
	read(fn func(state) error) error
	write(fn func(state) error) error
}

// collection 对 Store 或 session 的集合视图
type collection struct {
	meta    *store.CollectionMeta
	backend backend
}

func (c *collection) Meta() *store.CollectionMeta { return c.meta }

func (c *collection) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := rec.ID()
	if id == "" {
		return nil, fmt.Errorf("memory: create %s: %w: missing id", c.meta.Name, store.ErrInvalidFilter)
	}
	if err := c.meta.CheckFields(rec.Keys()...); err != nil {
		return nil, err
	}
	var out store.Record
	err := c.backend.write(func(s state) error {
		t := s.table(c.meta.Name)
		if _, exists := t.rows[id]; exists {
			return fmt.Errorf("memory: create %s/%s: %w", c.meta.Name, id, store.ErrDuplicate)
		}
		t.rows[id] = rec.Clone()
		t.order = append(t.order, id)
		out = rec.Clone()
		return nil
	})
	return out, err
}

func (c *collection) FindByID(ctx context.Context, id string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out store.Record
	err := c.backend.read(func(s state) error {
		t, ok := s[c.meta.Name]
		if !ok {
			return store.ErrNotFound
		}
		rec, ok := t.rows[id]
		if !ok {
			return store.ErrNotFound
		}
		out = rec.Clone()
		return nil
	})
	return out, err
}

func (c *collection) Find(ctx context.Context, filter *store.Filter) ([]store.Record, error) {
	if err := c.check(ctx, filter); err != nil {
		return nil, err
	}
	var out []store.Record
	err := c.backend.read(func(s state) error {
		out = c.match(s, filter)
		for i, rec := range out {
			out[i] = rec.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page(out, filter), nil
}

func (c *collection) Count(ctx context.Context, filter *store.Filter) (int64, error) {
	if err := c.check(ctx, filter); err != nil {
		return 0, err
	}
	var n int64
	err := c.backend.read(func(s state) error {
		n = int64(len(c.match(s, filter)))
		return nil
	})
	return n, err
}

func (c *collection) UpdateAll(ctx context.Context, values store.Record, filter *store.Filter) (int64, error) {
	if err := c.check(ctx, filter); err != nil {
		return 0, err
	}
	if _, ok := values[store.IDKey]; ok {
		values = values.Clone()
		delete(values, store.IDKey)
	}
	if err := c.meta.CheckFields(values.Keys()...); err != nil {
		return 0, err
	}
	var n int64
	err := c.backend.write(func(s state) error {
		t := s.table(c.meta.Name)
		for _, rec := range page(c.match(s, filter), filter) {
			t.rows[rec.ID()] = rec.Merge(values)
			n++
		}
		return nil
	})
	return n, err
}

func (c *collection) ReplaceByID(ctx context.Context, id string, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.meta.CheckFields(rec.Keys()...); err != nil {
		return err
	}
	return c.backend.write(func(s state) error {
		t := s.table(c.meta.Name)
		if _, ok := t.rows[id]; !ok {
			return store.ErrNotFound
		}
		replaced := rec.Clone()
		replaced[store.IDKey] = id
		t.rows[id] = replaced
		return nil
	})
}

func (c *collection) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.backend.write(func(s state) error {
		t := s.table(c.meta.Name)
		if _, ok := t.rows[id]; !ok {
			return store.ErrNotFound
		}
		t.remove(id)
		return nil
	})
}

func (c *collection) DeleteAll(ctx context.Context, filter *store.Filter) (int64, error) {
	if err := c.check(ctx, filter); err != nil {
		return 0, err
	}
	var n int64
	err := c.backend.write(func(s state) error {
		t := s.table(c.meta.Name)
		for _, rec := range page(c.match(s, filter), filter) {
			t.remove(rec.ID())
			n++
		}
		return nil
	})
	return n, err
}

func (c *collection) check(ctx context.Context, filter *store.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := filter.Validate(); err != nil {
		return err
	}
	return c.meta.CheckFields(filter.Fields()...)
}

// match 返回按插入顺序或 filter 排序后的匹配记录（未分页，未复制）
func (c *collection) match(s state, filter *store.Filter) []store.Record {
	t, ok := s[c.meta.Name]
	if !ok {
		return nil
	}
	out := make([]store.Record, 0, len(t.order))
	for _, id := range t.order {
		rec := t.rows[id]
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	if filter != nil && len(filter.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range filter.Order {
				cmp, ok := store.Compare(out[i].Get(o.Field), out[j].Get(o.Field))
				if !ok || cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	return out
}

func page(recs []store.Record, filter *store.Filter) []store.Record {
	if filter == nil {
		return recs
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(recs) {
			return nil
		}
		recs = recs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(recs) {
		recs = recs[:filter.Limit]
	}
	return recs
}
