package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"changetrail/codegen/snowflake"
	"changetrail/config"
	"changetrail/data/audit"
	basicdb "changetrail/data/db/basic"
	"changetrail/data/store"
	sqlstore "changetrail/data/store/sql"
	"changetrail/domain/tracked"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging"
	"changetrail/messaging/middleware"
	"changetrail/messaging/transport/natsjetstream"
	"changetrail/messaging/transport/redisstreams"
	synctransport "changetrail/messaging/transport/sync"
)

// app 一次命令执行所需的资源
type app struct {
	cfg       *config.Config
	opts      *rootOptions
	logger    logging.Logger
	db        *basicdb.DB
	backend   store.IStore
	transport messaging.Transport
	bus       *messaging.MessageBus
	started   bool
}

// openApp 加载配置并打开数据库；配置了通知传输时同时启动消息总线
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.SetLogger(logging.NewStdLogger("[changetrail] ").WithLevel(level))

	if err := snowflake.SetDefaultGenerator(cfg.Node.DatacenterID, cfg.Node.WorkerID); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfig, "invalid node id")
	}

	db, err := basicdb.New(cfg.Database)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "open database")
	}
	a := &app{
		cfg:     cfg,
		opts:    opts,
		logger:  logging.ComponentLogger("cli"),
		db:      db,
		backend: sqlstore.New(db),
	}

	transport, err := newTransport(cfg.Notifications)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if transport != nil {
		bus := messaging.NewMessageBus(transport)
		bus.Use(middleware.NewCorrelationMiddleware())
		bus.Use(middleware.NewLoggingMiddleware(nil))
		a.transport, a.bus = transport, bus
	}
	return a, nil
}

// newTransport 按配置构造传输层；未配置时返回 nil
func newTransport(cfg config.NotificationsConfig) (messaging.Transport, error) {
	switch cfg.Transport {
	case config.TransportSync:
		return synctransport.NewSyncTransport(), nil
	case config.TransportRedis:
		rc := cfg.Redis
		rc.Logger = logging.ComponentLogger("messaging.redis")
		t, err := redisstreams.NewTransport(rc)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeQueue, "create redis transport")
		}
		return t, nil
	case config.TransportNATS:
		nc := cfg.NATS
		nc.Logger = logging.ComponentLogger("messaging.nats")
		return natsjetstream.NewTransport(nc), nil
	}
	return nil, nil
}

// start 启动传输层；订阅需在启动前完成
func (a *app) start(ctx context.Context) error {
	if a.transport == nil {
		return nil
	}
	if err := a.transport.Start(ctx); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "start notifications transport")
	}
	a.started = true
	return nil
}

func (a *app) Close() error {
	if a.started {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn(context.Background(), "close transport", logging.Error(err))
		}
	}
	return a.db.Close()
}

// withApp 打开资源、启动传输层后执行 fn，并为本次命令发布的通知分配同一关联ID
func withApp(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.start(ctx); err != nil {
		return err
	}
	return fn(middleware.WithCorrelationID(ctx, uuid.NewString()), a)
}

// repository 构造集合的追踪仓储；soft 在集合启用软删除时非空
func (a *app) repository(name string) (repo *tracked.Repository, soft *tracked.SoftDeleteRepository, err error) {
	col, ok := a.cfg.Collection(name)
	if !ok {
		return nil, nil, errors.NewError(errors.ErrCodeNotFound, fmt.Sprintf("unknown collection %q", name))
	}
	tc := tracked.Config{
		Collection:    col.Meta(),
		AuditTables:   a.cfg.Audit,
		ExcludedKeys:  col.ExcludedKeys,
		ActorResolver: a.resolveActor,
	}
	if a.bus != nil {
		tc.Publisher = a.bus
	}
	if col.SoftDelete {
		soft, err = tracked.NewSoftDelete(a.backend, tc, col.DeletedFlag())
		if err != nil {
			return nil, nil, err
		}
		return soft.Repository, soft, nil
	}
	repo, err = tracked.New(a.backend, tc)
	return repo, nil, err
}

// resolveActor --actor 优先，其次是 CHANGETRAIL_ACTOR 与 USER
func (a *app) resolveActor(ctx context.Context) (string, error) {
	if a.opts.actor != "" {
		return a.opts.actor, nil
	}
	if v := os.Getenv(config.EnvPrefix + "_ACTOR"); v != "" {
		return v, nil
	}
	return os.Getenv("USER"), nil
}

// metas 返回审计表与声明了字段的集合元信息；未声明字段的集合无法建表，跳过并告警
func (a *app) metas(ctx context.Context) ([]*store.CollectionMeta, error) {
	out := audit.New(a.backend, audit.WithTables(a.cfg.Audit)).Metas()
	for _, col := range a.cfg.Collections {
		meta := col.Meta()
		if !meta.HasSchema() {
			a.logger.Warn(ctx, "collection declares no fields, skipping", logging.String("collection", col.Name))
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
