package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changetrail/data/store"
	"changetrail/errors"
)

const sample = `
database:
  driver: pgx
  dsn: postgres://localhost/app
  max_open_conns: 8
audit:
  change_sets: trail_sets
collections:
  - name: people
    table: people
    soft_delete: true
    excluded_keys: [updatedAt]
    fields:
      - name: firstName
        column: first_name
      - name: age
        kind: integer
notifications:
  transport: redis
  redis:
    addr: localhost:6379
    max_len: 1000
    block_timeout: 2s
node:
  worker_id: 7
log:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changetrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/app", cfg.Database.Database)
	assert.Equal(t, 8, cfg.Database.MaxOpenConns)
	assert.Equal(t, "trail_sets", cfg.Audit.ChangeSets)
	assert.Equal(t, "changes", cfg.Audit.Changes, "未配置的表名使用默认值")
	assert.Equal(t, "redis", cfg.Notifications.Transport)
	assert.Equal(t, "localhost:6379", cfg.Notifications.Redis.Addr)
	assert.Equal(t, int64(1000), cfg.Notifications.Redis.MaxLen)
	assert.Equal(t, 2*time.Second, cfg.Notifications.Redis.BlockTimeout)
	assert.Equal(t, int64(1), cfg.Node.DatacenterID)
	assert.Equal(t, int64(7), cfg.Node.WorkerID)
	assert.Equal(t, "debug", cfg.Log.Level)

	people, ok := cfg.Collection("people")
	require.True(t, ok)
	assert.Equal(t, []string{"updatedAt"}, people.ExcludedKeys)
	assert.Equal(t, "deleted", people.DeletedFlag())

	_, ok = cfg.Collection("pets")
	assert.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHANGETRAIL_DATABASE_DSN", "/tmp/other.db")
	t.Setenv("CHANGETRAIL_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Database)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "changetrail.db", cfg.Database.Database)
	assert.Equal(t, "change_sets", cfg.Audit.ChangeSets)
	assert.Empty(t, cfg.Notifications.Transport)
	assert.Empty(t, cfg.Collections)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeConfig), "显式指定的文件必须存在")

	cases := map[string]string{
		"未知日志级别": "log:\n  level: loud\n",
		"未知传输":   "notifications:\n  transport: kafka\n",
		"缺少 nats 地址": "notifications:\n  transport: nats\n",
		"重复集合":   "collections:\n  - name: a\n  - name: a\n",
		"未知字段类型": "collections:\n  - name: a\n    fields:\n      - name: x\n        kind: blob\n",
		"集合名为空":  "collections:\n  - table: a\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.True(t, errors.IsErrorCode(err, errors.ErrCodeConfig), err)
		})
	}
}

func TestCollectionConfig_Meta(t *testing.T) {
	meta := CollectionConfig{
		Name:       "people",
		SoftDelete: true,
		DeletedKey: "archived",
		Fields:     []FieldConfig{{Name: "firstName", Column: "first_name"}, {Name: "age", Kind: "integer"}},
	}.Meta()

	require.NoError(t, meta.Validate())
	id, ok := meta.Field("id")
	require.True(t, ok)
	assert.True(t, id.PrimaryKey)

	first, _ := meta.Field("firstName")
	assert.Equal(t, store.KindText, first.Kind)
	assert.Equal(t, "first_name", first.ColumnName())

	flag, ok := meta.Field("archived")
	require.True(t, ok)
	assert.Equal(t, store.KindBoolean, flag.Kind)

	open := CollectionConfig{Name: "notes"}.Meta()
	assert.False(t, open.HasSchema())
	assert.Empty(t, CollectionConfig{Name: "notes"}.DeletedFlag())
}
