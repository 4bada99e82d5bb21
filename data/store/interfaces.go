// Package store 定义被追踪实体所在存储的最小契约。
//
// 变更追踪仓储与审计存储都只依赖这里的接口；
// memory 与 sql 两个子包提供具体实现。
package store

import (
	"context"
	"database/sql"
)

// IStore 表示存储适配器入口。
type IStore interface {
	// Capabilities 返回适配器支持的能力集合。
	Capabilities() Capabilities
	// Collection 返回指定集合的操作入口。
	Collection(meta *CollectionMeta) ICollection
	// BeginTx 开启事务会话；不支持事务的适配器返回 ErrUnsupported。
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ISession, error)
}

// ISession 表示事务会话，会话内的 Collection 操作共享同一事务。
type ISession interface {
	IStore
	Commit() error
	Rollback() error
}

// ICollection 封装集合级别的基础操作。
//
// 所有返回的 Record 都是副本，调用方修改不会影响存储。
type ICollection interface {
	Meta() *CollectionMeta

	// Create 插入记录；记录必须带 id。
	Create(ctx context.Context, rec Record) (Record, error)
	// FindByID 读取单条记录，不存在时返回 ErrNotFound。
	FindByID(ctx context.Context, id string) (Record, error)
	Find(ctx context.Context, filter *Filter) ([]Record, error)
	Count(ctx context.Context, filter *Filter) (int64, error)

	// UpdateAll 以 values 局部更新全部匹配记录，返回受影响条数；
	// values 中的 nil 表示把字段置空。
	UpdateAll(ctx context.Context, values Record, filter *Filter) (int64, error)
	// ReplaceByID 整体替换记录，未出现在 rec 中的字段被清空。
	ReplaceByID(ctx context.Context, id string, rec Record) error

	// DeleteByID 删除单条记录，不存在时返回 ErrNotFound。
	DeleteByID(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, filter *Filter) (int64, error)
}

// UpdateByID 局部更新单条记录，记录不存在时返回 ErrNotFound。
func UpdateByID(ctx context.Context, c ICollection, id string, values Record) error {
	n, err := c.UpdateAll(ctx, values, NewFilter().Eq(IDKey, id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
