package sql

import (
	"context"
	"fmt"
	"strings"

	dbcore "changetrail/data/db"
	"changetrail/data/db/dialect"
	dbsql "changetrail/data/db/sql"
	"changetrail/data/store"
)

var columnKinds = map[store.FieldKind]dialect.ColumnKind{
	store.KindText:    dialect.KindText,
	store.KindInteger: dialect.KindInteger,
	store.KindReal:    dialect.KindReal,
	store.KindBoolean: dialect.KindBoolean,
	store.KindTime:    dialect.KindText,
	store.KindJSON:    dialect.KindJSON,
}

// DDL 生成集合的 CREATE TABLE / CREATE INDEX 语句（幂等）。
func DDL(d dialect.Dialect, meta *store.CollectionMeta) ([]string, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if !meta.HasSchema() {
		return nil, fmt.Errorf("%w: collection %s declares no fields", store.ErrInvalidFilter, meta.Name)
	}
	table := meta.TableName()
	if !dbsql.IsSafeIdentifier(table) {
		return nil, fmt.Errorf("%w: unsafe table name %q", store.ErrInvalidFilter, table)
	}

	cols := make([]string, 0, len(meta.Fields))
	var indexes []string
	for _, f := range meta.Fields {
		col := f.ColumnName()
		if !dbsql.IsSafeIdentifier(col) {
			return nil, fmt.Errorf("%w: unsafe column name %q", store.ErrInvalidFilter, col)
		}
		kind, ok := columnKinds[f.Kind]
		if !ok {
			kind = dialect.KindText
		}
		def := d.QuoteIdentifier(col) + " " + d.ColumnType(kind)
		switch {
		case f.PrimaryKey || f.Name == store.IDKey:
			def += " PRIMARY KEY"
		case f.Kind == store.KindBoolean:
			def += " DEFAULT " + boolLiteral(d, false)
		}
		cols = append(cols, def)

		if f.Indexed {
			name := "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + col
			indexes = append(indexes, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				d.QuoteIdentifier(name), d.QuoteIdentifier(table), d.QuoteIdentifier(col)))
		}
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		d.QuoteIdentifier(table), strings.Join(cols, ",\n\t"))}
	return append(stmts, indexes...), nil
}

func boolLiteral(d dialect.Dialect, v bool) string {
	if d.Name() == dialect.NamePostgres {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// EnsureSchema 为集合建表（测试与 CLI 的 schema 命令使用）。
func EnsureSchema(ctx context.Context, db dbcore.IDatabase, metas ...*store.CollectionMeta) error {
	d := dialect.FromDatabase(db)
	for _, meta := range metas {
		stmts, err := DDL(d, meta)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema %s: %w", meta.Name, err)
			}
		}
	}
	return nil
}
