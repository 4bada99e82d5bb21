package sql

import (
	"context"
	"database/sql"
	"strings"

	core "changetrail/data/db"
	"changetrail/data/db/dialect"
)

type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table   string
	columns []string
	rows    [][]any
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

// Values 追加一行，多次调用生成多行 INSERT
func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	switch {
	case len(b.columns) == 0:
		panic("insertBuilder: Columns is required")
	case len(b.rows) == 0:
		panic("insertBuilder: at least one row is required")
	case !isSafeIdentifier(b.table):
		panic("insertBuilder: unsafe table name " + b.table)
	}

	quoted := make([]string, len(b.columns))
	for i, col := range b.columns {
		if !isSafeIdentifier(col) {
			panic("insertBuilder: unsafe column name " + col)
		}
		quoted[i] = b.dialect.QuoteIdentifier(col)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.dialect.QuoteIdentifier(b.table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	row := "(" + Placeholders(len(b.columns)) + ")"
	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, vals := range b.rows {
		if len(vals) != len(b.columns) {
			panic("insertBuilder: values length mismatch columns length")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		args = append(args, vals...)
	}
	return sb.String(), args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
