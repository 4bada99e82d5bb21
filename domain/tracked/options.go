package tracked

import (
	"context"
	"database/sql"

	"changetrail/data/store"
)

// ActorResolver 解析当前操作者；返回错误或空串时 CreatedBy 留空
type ActorResolver func(ctx context.Context) (string, error)

// Option 单次操作的选项，会原样作用于该操作内的全部存储调用
type Option func(*opOptions)

type opOptions struct {
	session   store.ISession
	isolation sql.IsolationLevel
	actor     *string
	resolver  ActorResolver
}

func buildOptions(opts []Option) *opOptions {
	o := &opOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// WithSession 加入调用方的事务会话；仓储不会提交或回滚该会话。
// 传入 Repository.Begin 返回的 *Tx 时，变更集通知在 Tx 提交后发布。
func WithSession(s store.ISession) Option {
	return func(o *opOptions) { o.session = s }
}

// WithIsolation 仓储自行开启事务时使用的隔离级别
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *opOptions) { o.isolation = level }
}

// WithActor 指定操作者，优先于任何 ActorResolver
func WithActor(id string) Option {
	return func(o *opOptions) { o.actor = &id }
}

// WithActorResolver 为本次操作指定操作者解析函数
func WithActorResolver(fn ActorResolver) Option {
	return func(o *opOptions) { o.resolver = fn }
}

// ResetOptions 重置与回滚的行为开关，零值即默认行为
type ResetOptions struct {
	// SkipChangeSet 不记录 RESET 变更集
	SkipChangeSet bool
	// DiscardCreate 把 CREATE 变更集当作普通变更集撤销并删除；
	// 默认保留 CREATE 变更集，并把实体恢复到创建时的值
	DiscardCreate bool
}

// RollbackOptions 回滚选项，与 ResetOptions 相同
type RollbackOptions = ResetOptions
