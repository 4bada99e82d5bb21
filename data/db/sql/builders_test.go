package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "changetrail/data/db"
	"changetrail/data/db/basic"
)

func newSQLite(t *testing.T) *basic.DB {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBuilders_SQLiteQuoting(t *testing.T) {
	s := New(newSQLite(t))

	q, args := s.Select("id", "COUNT(*)").From("people").
		Where(`"id" IN (`+Placeholders(2)+`)`, "a", "b").
		OrderBy(`"id" DESC`).Limit(10).Offset(5).Build()
	assert.Equal(t, `SELECT "id", COUNT(*) FROM "people" WHERE "id" IN (?, ?) ORDER BY "id" DESC LIMIT ? OFFSET ?`, q)
	assert.Equal(t, []any{"a", "b", 10, 5}, args)

	q, args = s.Update("people").SetMap(map[string]any{"last_name": "Smith", "first_name": "Max"}).
		Where(`"id" = ?`, "a").Build()
	assert.Equal(t, `UPDATE "people" SET "first_name" = ?, "last_name" = ? WHERE "id" = ?`, q)
	assert.Equal(t, []any{"Max", "Smith", "a"}, args)

	q, args = s.InsertInto("people").Columns("id", "first_name").Values("a", "James").Values("b", "Max").Build()
	assert.Equal(t, `INSERT INTO "people" ("id", "first_name") VALUES (?, ?), (?, ?)`, q)
	assert.Len(t, args, 4)

	q, _ = s.DeleteFrom("people").Build()
	assert.Equal(t, `DELETE FROM "people"`, q)
}

func TestSelect_OffsetWithoutLimitOnSQLite(t *testing.T) {
	s := New(newSQLite(t))
	q, args := s.Select().From("people").Offset(3).Build()
	assert.Equal(t, `SELECT * FROM "people" LIMIT -1 OFFSET ?`, q)
	assert.Equal(t, []any{3}, args)
}

func TestBuilders_UnsafeIdentifierPanics(t *testing.T) {
	s := New(newSQLite(t))
	assert.Panics(t, func() { s.Select().From("people; DROP TABLE x").Build() })
	assert.Panics(t, func() { s.Update("people").Set("bad col", 1).Build() })
	assert.Panics(t, func() { s.InsertInto("people").Columns("id").Build() })
}

func TestBuilders_ExecRoundTrip(t *testing.T) {
	db := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.ExecDDL(ctx, `CREATE TABLE people (id TEXT PRIMARY KEY, first_name TEXT)`))

	s := New(db)
	_, err := s.InsertInto("people").Columns("id", "first_name").Values("a", "James").Exec(ctx)
	require.NoError(t, err)

	res, err := s.Update("people").Set("first_name", "Max").Where(`"id" = ?`, "a").Exec(ctx)
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(1), n)

	var name string
	require.NoError(t, s.Select("first_name").From("people").Where(`"id" = ?`, "a").QueryRow(ctx).Scan(&name))
	assert.Equal(t, "Max", name)

	_, err = s.DeleteFrom("people").Where(`"id" = ?`, "a").Exec(ctx)
	require.NoError(t, err)

	var count int
	require.NoError(t, s.Select("COUNT(*)").From("people").QueryRow(ctx).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}
