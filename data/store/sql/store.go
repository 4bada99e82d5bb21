// Package sql 基于 data/db 与 data/db/sql 构建器实现 store.IStore。
//
// 字段与列的映射完全由 store.CollectionMeta 描述，不做反射。
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	dbcore "changetrail/data/db"
	dbsql "changetrail/data/db/sql"
	"changetrail/data/store"
)

// Store 是基于 IDatabase 的 store.IStore 实现。
type Store struct {
	db   dbcore.IDatabase
	sql  dbsql.ISql
	caps store.Capabilities
}

// New 创建 SQL 存储；db 可以是连接池也可以是事务。
func New(db dbcore.IDatabase) *Store {
	return &Store{
		db:  db,
		sql: dbsql.New(db),
		caps: store.NewCapabilities(
			store.CapabilityBasicCRUD,
			store.CapabilityQuery,
			store.CapabilityTransaction,
			store.CapabilitySchema,
		),
	}
}

func (s *Store) Capabilities() store.Capabilities { return s.caps }

// Database 返回底层数据库抽象。
func (s *Store) Database() dbcore.IDatabase { return s.db }

// Collection 返回集合操作入口；meta 必须声明字段。
func (s *Store) Collection(meta *store.CollectionMeta) store.ICollection {
	if meta == nil {
		panic("sql.Store: CollectionMeta cannot be nil")
	}
	if !meta.HasSchema() {
		panic("sql.Store: collection " + meta.Name + " declares no fields")
	}
	return &collection{store: s, meta: meta}
}

// BeginTx 开启事务会话。
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (store.ISession, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &session{Store: New(tx), tx: tx}, nil
}

// session 实现 store.ISession，委托给绑定事务的 Store。
type session struct {
	*Store
	tx dbcore.ITransaction
}

func (s *session) BeginTx(ctx context.Context, opts *sql.TxOptions) (store.ISession, error) {
	return nil, fmt.Errorf("sql: nested transactions: %w", store.ErrUnsupported)
}

func (s *session) Commit() error   { return s.tx.Commit() }
func (s *session) Rollback() error { return s.tx.Rollback() }

// ------------------------------------------------------------------------
// collection 实现 store.ICollection
// ------------------------------------------------------------------------

type collection struct {
	store *Store
	meta  *store.CollectionMeta
}

func (c *collection) Meta() *store.CollectionMeta { return c.meta }

func (c *collection) table() string { return c.meta.TableName() }

func (c *collection) quote(col string) string {
	return c.store.sql.Dialect().QuoteIdentifier(col)
}

func (c *collection) columns() []string {
	cols := make([]string, len(c.meta.Fields))
	for i, f := range c.meta.Fields {
		cols[i] = f.ColumnName()
	}
	return cols
}

func (c *collection) field(name string) (store.FieldMeta, error) {
	f, ok := c.meta.Field(name)
	if !ok {
		return store.FieldMeta{}, fmt.Errorf("%w: unknown field %q in collection %s", store.ErrInvalidFilter, name, c.meta.Name)
	}
	return f, nil
}

func (c *collection) Create(ctx context.Context, rec store.Record) (store.Record, error) {
	if rec.ID() == "" {
		return nil, fmt.Errorf("sql: create %s: %w: missing id", c.meta.Name, store.ErrInvalidFilter)
	}
	keys := rec.Keys()
	cols := make([]string, 0, len(keys))
	vals := make([]any, 0, len(keys))
	for _, k := range keys {
		if store.IsUndefined(rec[k]) {
			continue
		}
		f, err := c.field(k)
		if err != nil {
			return nil, err
		}
		v, err := encodeValue(f, rec[k])
		if err != nil {
			return nil, err
		}
		cols = append(cols, f.ColumnName())
		vals = append(vals, v)
	}

	if _, err := c.store.sql.InsertInto(c.table()).Columns(cols...).Values(vals...).Exec(ctx); err != nil {
		if c.store.sql.Dialect().IsUniqueViolation(err) {
			return nil, fmt.Errorf("sql: create %s/%s: %w", c.meta.Name, rec.ID(), store.ErrDuplicate)
		}
		return nil, err
	}
	return c.FindByID(ctx, rec.ID())
}

func (c *collection) FindByID(ctx context.Context, id string) (store.Record, error) {
	recs, err := c.Find(ctx, store.NewFilter().Eq(store.IDKey, id).WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

func (c *collection) Find(ctx context.Context, filter *store.Filter) ([]store.Record, error) {
	where, args, err := c.buildWhere(filter)
	if err != nil {
		return nil, err
	}
	builder := c.store.sql.Select(c.columns()...).From(c.table())
	if where != "" {
		builder = builder.Where(where, args...)
	}
	if order, err := c.buildOrder(filter); err != nil {
		return nil, err
	} else if order != "" {
		builder = builder.OrderBy(order)
	}
	if filter != nil {
		builder = builder.Limit(filter.Limit).Offset(filter.Offset)
	}

	rows, err := builder.Query(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec, err := c.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c *collection) scan(rows dbcore.IRows) (store.Record, error) {
	raw := make([]any, len(c.meta.Fields))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(store.Record, len(raw))
	for i, f := range c.meta.Fields {
		v, err := decodeValue(f, raw[i])
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func (c *collection) Count(ctx context.Context, filter *store.Filter) (int64, error) {
	if filter != nil && (filter.Limit > 0 || filter.Offset > 0) {
		ids, err := c.matchingIDs(ctx, filter)
		return int64(len(ids)), err
	}
	where, args, err := c.buildWhere(filter)
	if err != nil {
		return 0, err
	}
	builder := c.store.sql.Select("COUNT(*)").From(c.table())
	if where != "" {
		builder = builder.Where(where, args...)
	}
	var n int64
	if err := builder.QueryRow(ctx).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *collection) UpdateAll(ctx context.Context, values store.Record, filter *store.Filter) (int64, error) {
	set := make(map[string]any, len(values))
	for k, v := range values {
		if k == store.IDKey {
			continue
		}
		f, err := c.field(k)
		if err != nil {
			return 0, err
		}
		enc, err := encodeValue(f, v)
		if err != nil {
			return 0, err
		}
		set[f.ColumnName()] = enc
	}
	if len(set) == 0 {
		return c.Count(ctx, filter)
	}

	where, args, err := c.scopedWhere(ctx, filter)
	if err != nil || where == noMatch {
		return 0, err
	}
	builder := c.store.sql.Update(c.table()).SetMap(set)
	if where != "" {
		builder = builder.Where(where, args...)
	}
	res, err := builder.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *collection) ReplaceByID(ctx context.Context, id string, rec store.Record) error {
	if err := c.meta.CheckFields(rec.Keys()...); err != nil {
		return err
	}
	set := make(map[string]any, len(c.meta.Fields))
	for _, f := range c.meta.Fields {
		if f.Name == store.IDKey {
			continue
		}
		enc, err := encodeValue(f, rec.Get(f.Name))
		if err != nil {
			return err
		}
		set[f.ColumnName()] = enc
	}
	if len(set) == 0 {
		_, err := c.FindByID(ctx, id)
		return err
	}
	res, err := c.store.sql.Update(c.table()).SetMap(set).Where(c.quote(c.idColumn())+" = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (c *collection) DeleteByID(ctx context.Context, id string) error {
	res, err := c.store.sql.DeleteFrom(c.table()).Where(c.quote(c.idColumn())+" = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (c *collection) DeleteAll(ctx context.Context, filter *store.Filter) (int64, error) {
	where, args, err := c.scopedWhere(ctx, filter)
	if err != nil || where == noMatch {
		return 0, err
	}
	builder := c.store.sql.DeleteFrom(c.table())
	if where != "" {
		builder = builder.Where(where, args...)
	}
	res, err := builder.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *collection) idColumn() string {
	f, _ := c.meta.Field(store.IDKey)
	return f.ColumnName()
}

const noMatch = "1 = 0"

// scopedWhere UPDATE/DELETE 不支持 LIMIT/OFFSET，分页条件先解析为 id 列表
func (c *collection) scopedWhere(ctx context.Context, filter *store.Filter) (string, []any, error) {
	if filter == nil || (filter.Limit == 0 && filter.Offset == 0) {
		return c.buildWhere(filter)
	}
	ids, err := c.matchingIDs(ctx, filter)
	if err != nil {
		return "", nil, err
	}
	if len(ids) == 0 {
		return noMatch, nil, nil
	}
	return c.quote(c.idColumn()) + " IN (" + dbsql.Placeholders(len(ids)) + ")", ids, nil
}

func (c *collection) matchingIDs(ctx context.Context, filter *store.Filter) ([]any, error) {
	recs, err := c.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]any, len(recs))
	for i, r := range recs {
		ids[i] = r.ID()
	}
	return ids, nil
}

func (c *collection) buildWhere(filter *store.Filter) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if filter == nil || len(filter.Where) == 0 {
		return "", nil, nil
	}

	parts := make([]string, 0, len(filter.Where))
	var args []any
	for _, cond := range filter.Where {
		f, err := c.field(cond.Field)
		if err != nil {
			return "", nil, err
		}
		col := c.quote(f.ColumnName())

		if cond.Op == store.OpIn {
			values := cond.Value.([]any)
			if len(values) == 0 {
				parts = append(parts, noMatch)
				continue
			}
			for _, v := range values {
				enc, err := encodeValue(f, v)
				if err != nil {
					return "", nil, err
				}
				args = append(args, enc)
			}
			parts = append(parts, col+" IN ("+dbsql.Placeholders(len(values))+")")
			continue
		}

		enc, err := encodeValue(f, cond.Value)
		if err != nil {
			return "", nil, err
		}
		if enc == nil {
			switch cond.Op {
			case store.OpEq:
				parts = append(parts, col+" IS NULL")
			case store.OpNe:
				parts = append(parts, col+" IS NOT NULL")
			default:
				parts = append(parts, noMatch)
			}
			continue
		}

		var op string
		switch cond.Op {
		case store.OpEq:
			op = "="
		case store.OpNe:
			// 与内存实现保持一致：NULL 视为“不等于”任何非空值
			parts = append(parts, "("+col+" <> ? OR "+col+" IS NULL)")
			args = append(args, enc)
			continue
		case store.OpGt:
			op = ">"
		case store.OpGte:
			op = ">="
		case store.OpLt:
			op = "<"
		case store.OpLte:
			op = "<="
		}
		parts = append(parts, col+" "+op+" ?")
		args = append(args, enc)
	}
	return strings.Join(parts, " AND "), args, nil
}

func (c *collection) buildOrder(filter *store.Filter) (string, error) {
	if filter == nil || len(filter.Order) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filter.Order))
	for _, o := range filter.Order {
		f, err := c.field(o.Field)
		if err != nil {
			return "", err
		}
		expr := c.quote(f.ColumnName())
		if o.Desc {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, ", "), nil
}
