package dialect

import (
	"strconv"
	"strings"

	core "changetrail/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// ColumnKind 建表时使用的逻辑列类型
type ColumnKind string

const (
	KindText    ColumnKind = "text"
	KindInteger ColumnKind = "integer"
	KindReal    ColumnKind = "real"
	KindBoolean ColumnKind = "boolean"
	KindJSON    ColumnKind = "json"
)

// Dialect 表示当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据 driver 名构造方言（大小写不敏感），pgx 视为 postgres
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言
//
// 需要 IDatabase 可选实现 IDialectNameProvider 接口；否则返回 Unknown。
func FromDatabase(db core.IDatabase) Dialect {
	if db == nil {
		return Dialect{name: NameUnknown}
	}
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

func (d Dialect) Name() Name {
	return d.name
}

// QuoteIdentifier 对标识符按段加双引号（schema.table 会分别加引号）。
// Unknown 方言返回原始字符串；本方法不校验标识符语法。
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" || d.name == NameUnknown {
		return name
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p != "" {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言特定形式。
//
// 仅 Postgres 需要替换为 $1、$2...。
// 简单字符扫描，不解析字符串字面量，SQL 中的字面量不要包含 ?。
func (d Dialect) Rebind(query string) string {
	if query == "" || d.name != NamePostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	argIndex := 1
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(argIndex))
			argIndex++
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}

// ColumnType 返回逻辑列类型在当前方言下的 DDL 类型
func (d Dialect) ColumnType(kind ColumnKind) string {
	switch d.name {
	case NamePostgres:
		switch kind {
		case KindInteger:
			return "BIGINT"
		case KindReal:
			return "DOUBLE PRECISION"
		case KindBoolean:
			return "BOOLEAN"
		default:
			return "TEXT"
		}
	default:
		switch kind {
		case KindInteger, KindBoolean:
			return "INTEGER"
		case KindReal:
			return "REAL"
		default:
			return "TEXT"
		}
	}
}

// IsUniqueViolation 以错误消息关键字判断唯一键/主键冲突
//
// 支持的数据库及其错误特征：
//   - SQLite: "UNIQUE constraint failed"
//   - Postgres: "duplicate key value" (SQLSTATE 23505)
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	case NamePostgres:
		return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
	default:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint")
	}
}
