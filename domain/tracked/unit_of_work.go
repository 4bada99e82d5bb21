package tracked

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sync"

	"changetrail/data/audit"
	"changetrail/data/store"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
)

// unitOfWork 一次公开操作的执行上下文：实体与审计数据共用同一个存储句柄
type unitOfWork struct {
	repo     *Repository
	opts     *opOptions
	handle   store.IStore
	entities store.ICollection
	audit    *audit.Store
	// transactional 为 false 时实体修改总是最后一步
	transactional bool

	actorResolved bool
	actor         *string
	pending       []messaging.IMessage
}

func (u *unitOfWork) notify(msgs ...messaging.IMessage) {
	u.pending = append(u.pending, msgs...)
}

// createdBy 解析一次操作者；解析失败不影响操作
func (u *unitOfWork) createdBy(ctx context.Context) *string {
	if u.actorResolved {
		return u.actor
	}
	u.actorResolved = true
	if u.opts.actor != nil {
		u.actor = u.opts.actor
		return u.actor
	}
	resolver := u.opts.resolver
	if resolver == nil {
		resolver = u.repo.resolver
	}
	if resolver == nil {
		return nil
	}
	id, err := resolver(ctx)
	if err != nil {
		u.repo.logger.Debug(ctx, "actor resolution failed", logging.Error(err))
		return nil
	}
	if id != "" {
		u.actor = &id
	}
	return u.actor
}

// run 在一个工作单元内执行 fn。
//
// 调用方传入会话时加入该会话；否则存储支持事务时自行开启并在结束时提交，
// fn 返回错误则回滚。通知在提交成功后发布。
func (r *Repository) run(ctx context.Context, opts []Option, fn func(u *unitOfWork) error) error {
	o := buildOptions(opts)
	u := &unitOfWork{repo: r, opts: o}

	if o.session != nil {
		u.bind(o.session, true)
		if err := fn(u); err != nil {
			return err
		}
		if tx, ok := o.session.(*Tx); ok {
			tx.enqueue(u.pending)
		} else if len(u.pending) > 0 {
			r.logger.Debug(ctx, "notifications skipped for external session",
				logging.Int("count", len(u.pending)))
		}
		return nil
	}

	if !r.backend.Capabilities().Supports(store.CapabilityTransaction) {
		u.bind(r.backend, false)
		if err := fn(u); err != nil {
			return err
		}
		r.publish(ctx, u.pending)
		return nil
	}

	session, err := r.backend.BeginTx(ctx, &sql.TxOptions{Isolation: o.isolation})
	if err != nil {
		return errors.WrapDatabaseError(ctx, err, "begin transaction")
	}
	u.bind(session, true)
	if err := fn(u); err != nil {
		if rbErr := session.Rollback(); rbErr != nil && !stdErrors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn(ctx, "rollback failed", logging.Error(rbErr))
		}
		return err
	}
	if err := session.Commit(); err != nil {
		return errors.WrapDatabaseError(ctx, err, "commit transaction")
	}
	r.publish(ctx, u.pending)
	return nil
}

func (u *unitOfWork) bind(handle store.IStore, transactional bool) {
	u.handle = handle
	u.entities = handle.Collection(u.repo.meta)
	u.audit = u.repo.audit.Bind(handle)
	u.transactional = transactional
}

// reader 只读操作使用的集合：调用方会话或基础存储
func (r *Repository) reader(opts []Option) store.ICollection {
	if o := buildOptions(opts); o.session != nil {
		return o.session.Collection(r.meta)
	}
	return r.backend.Collection(r.meta)
}

func (r *Repository) auditReader(opts []Option) *audit.Store {
	if o := buildOptions(opts); o.session != nil {
		return r.audit.Bind(o.session)
	}
	return r.audit
}

// Tx 由仓储开启的事务会话；提交成功后发布会话内积累的变更集通知，回滚时丢弃
type Tx struct {
	store.ISession
	ctx     context.Context
	repo    *Repository
	mu      sync.Mutex
	pending []messaging.IMessage
}

// Begin 开启事务会话，配合 WithSession 让多次操作共享一个事务
func (r *Repository) Begin(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	session, err := r.backend.BeginTx(ctx, opts)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "begin transaction")
	}
	return &Tx{ISession: session, ctx: ctx, repo: r}, nil
}

func (t *Tx) enqueue(msgs []messaging.IMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, msgs...)
}

// Commit 提交事务并发布通知
func (t *Tx) Commit() error {
	if err := t.ISession.Commit(); err != nil {
		return err
	}
	t.mu.Lock()
	msgs := t.pending
	t.pending = nil
	t.mu.Unlock()
	t.repo.publish(t.ctx, msgs)
	return nil
}

// Rollback 回滚事务并丢弃通知
func (t *Tx) Rollback() error {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	return t.ISession.Rollback()
}
