// Package config 加载 changetrail 命令行工具的配置。
//
// 配置来自 YAML 文件，可用 CHANGETRAIL_ 前缀的环境变量覆盖，
// 例如 CHANGETRAIL_DATABASE_DSN 覆盖 database.dsn。
package config

import (
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"changetrail/data/audit"
	dbcore "changetrail/data/db"
	"changetrail/data/store"
	"changetrail/errors"
	"changetrail/logging"
	"changetrail/messaging/transport/natsjetstream"
	"changetrail/messaging/transport/redisstreams"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "CHANGETRAIL"

// 通知传输类型
const (
	TransportNone  = ""
	TransportSync  = "sync"
	TransportRedis = "redis"
	TransportNATS  = "nats"
)

// Config 顶层配置
type Config struct {
	Database      dbcore.DBConfig     `mapstructure:"database"`
	Audit         audit.Tables        `mapstructure:"audit"`
	Collections   []CollectionConfig  `mapstructure:"collections"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Node          NodeConfig          `mapstructure:"node"`
	Log           LogConfig           `mapstructure:"log"`
}

// CollectionConfig 被追踪集合
type CollectionConfig struct {
	Name         string        `mapstructure:"name"`
	Table        string        `mapstructure:"table"`
	SoftDelete   bool          `mapstructure:"soft_delete"`
	DeletedKey   string        `mapstructure:"deleted_key"`
	ExcludedKeys []string      `mapstructure:"excluded_keys"`
	Fields       []FieldConfig `mapstructure:"fields"`
}

// FieldConfig 字段到列的映射
type FieldConfig struct {
	Name    string `mapstructure:"name"`
	Column  string `mapstructure:"column"`
	Kind    string `mapstructure:"kind"`
	Indexed bool   `mapstructure:"indexed"`
}

// NotificationsConfig 变更集通知
type NotificationsConfig struct {
	// Transport 为空表示不发布通知
	Transport string               `mapstructure:"transport"`
	Redis     redisstreams.Config  `mapstructure:"redis"`
	NATS      natsjetstream.Config `mapstructure:"nats"`
}

// NodeConfig 序号生成器的节点标识，多进程写入同一存储时应互不相同
type NodeConfig struct {
	DatacenterID int64 `mapstructure:"datacenter_id"`
	WorkerID     int64 `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default 默认配置：当前目录下的 sqlite 文件
func Default() *Config {
	return &Config{
		Database: dbcore.DBConfig{Driver: "sqlite", Database: "changetrail.db", MaxOpenConns: 1},
		Audit:    audit.DefaultTables,
		Node:     NodeConfig{DatacenterID: 1, WorkerID: 1},
		Log:      LogConfig{Level: "info"},
	}
}

// Load 读取配置。path 为空时在当前目录查找 changetrail.yaml，找不到则使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("changetrail")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stdErrors.As(err, &notFound) {
			return nil, errors.WrapError(err, errors.ErrCodeConfig, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfig, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 注册默认值；AutomaticEnv 只对已知的键生效
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.Database)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", 0)
	v.SetDefault("database.conn_max_idle_time", 0)
	v.SetDefault("database.ping_timeout", 0)
	v.SetDefault("audit.change_sets", d.Audit.ChangeSets)
	v.SetDefault("audit.changes", d.Audit.Changes)
	v.SetDefault("notifications.transport", TransportNone)
	v.SetDefault("notifications.redis.addr", "")
	v.SetDefault("notifications.redis.password", "")
	v.SetDefault("notifications.nats.url", "")
	v.SetDefault("node.datacenter_id", d.Node.DatacenterID)
	v.SetDefault("node.worker_id", d.Node.WorkerID)
	v.SetDefault("log.level", d.Log.Level)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return configError("unknown log level %q", c.Log.Level)
	}
	switch c.Notifications.Transport {
	case TransportNone, TransportSync:
	case TransportRedis:
		if c.Notifications.Redis.Addr == "" {
			return configError("notifications.redis.addr is required")
		}
	case TransportNATS:
		if c.Notifications.NATS.URL == "" {
			return configError("notifications.nats.url is required")
		}
	default:
		return configError("unknown notifications transport %q", c.Notifications.Transport)
	}

	seen := make(map[string]bool, len(c.Collections))
	for _, col := range c.Collections {
		if seen[col.Name] {
			return configError("collection %s declared twice", col.Name)
		}
		seen[col.Name] = true
		if err := col.Meta().Validate(); err != nil {
			return errors.WrapError(err, errors.ErrCodeConfig, "invalid collection "+col.Name)
		}
		for _, f := range col.Fields {
			if !validKind(f.Kind) {
				return configError("collection %s field %s: unknown kind %q", col.Name, f.Name, f.Kind)
			}
		}
	}
	return nil
}

// Collection 按名称查找集合配置
func (c *Config) Collection(name string) (CollectionConfig, bool) {
	for _, col := range c.Collections {
		if col.Name == name {
			return col, true
		}
	}
	return CollectionConfig{}, false
}

// DeletedFlag 软删除标记字段名；未启用软删除时为空
func (c CollectionConfig) DeletedFlag() string {
	if !c.SoftDelete {
		return ""
	}
	if c.DeletedKey == "" {
		return "deleted"
	}
	return c.DeletedKey
}

// Meta 转换为集合元信息。声明了字段时自动补齐 id 与软删除标记。
func (c CollectionConfig) Meta() *store.CollectionMeta {
	meta := &store.CollectionMeta{Name: c.Name, Table: c.Table}
	if len(c.Fields) == 0 {
		return meta
	}
	hasID, hasFlag := false, false
	flag := c.DeletedFlag()
	for _, f := range c.Fields {
		kind := store.FieldKind(f.Kind)
		if kind == "" {
			kind = store.KindText
		}
		fm := store.FieldMeta{Name: f.Name, Column: f.Column, Kind: kind, Indexed: f.Indexed}
		if f.Name == store.IDKey {
			fm.PrimaryKey = true
			hasID = true
		}
		if flag != "" && f.Name == flag {
			hasFlag = true
		}
		meta.Fields = append(meta.Fields, fm)
	}
	if !hasID {
		meta.Fields = append([]store.FieldMeta{{Name: store.IDKey, Kind: store.KindText, PrimaryKey: true}}, meta.Fields...)
	}
	if flag != "" && !hasFlag {
		meta.Fields = append(meta.Fields, store.FieldMeta{Name: flag, Kind: store.KindBoolean, Indexed: true})
	}
	return meta
}

func validKind(kind string) bool {
	switch store.FieldKind(kind) {
	case "", store.KindText, store.KindInteger, store.KindReal, store.KindBoolean, store.KindTime, store.KindJSON:
		return true
	}
	return false
}

func configError(format string, args ...any) error {
	return errors.NewError(errors.ErrCodeConfig, fmt.Sprintf(format, args...))
}
