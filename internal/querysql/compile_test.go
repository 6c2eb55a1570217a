package querysql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

func TestCompileSimpleSelect(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Where("Person",
		queryir.Equals{Field: "name", Value: ir.String("ada")},
	))
	require.NoError(t, err)

	assert.Equal(t, `SELECT t0.* FROM "class_Person" AS t0 WHERE t0."name" = ? ORDER BY t0._row ASC`, sql)
	assert.NotContains(t, sql, "ada")
	assert.Equal(t, []any{"ada"}, params)
}

func TestCompileAllRows(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.All("Dog"))
	require.NoError(t, err)
	assert.Equal(t, `SELECT t0.* FROM "class_Dog" AS t0 ORDER BY t0._row ASC`, sql)
	assert.Empty(t, params)
}

func TestCompileSortAndLimit(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Select{
		From:  "Person",
		Sort:  []queryir.SortKey{{Field: "age", Desc: true}, {Field: "name"}},
		Limit: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, `SELECT t0.* FROM "class_Person" AS t0 ORDER BY t0."age" COLLATE BINARY DESC, t0."name" COLLATE BINARY ASC, t0._row ASC LIMIT ?`, sql)
	assert.Equal(t, []any{int64(5)}, params)
}

func TestCompileNestedPredicates(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Select{
		From: "Person",
		Filter: queryir.Or{Predicates: []queryir.Predicate{
			queryir.And{Predicates: []queryir.Predicate{
				queryir.Compare{Field: "age", Op: queryir.GreaterEqual, Value: ir.Int(18)},
				queryir.NotEquals{Field: "admin", Value: ir.Bool(true)},
			}},
			queryir.Equals{Field: "tags", Value: ir.List{ir.String("x")}},
		}},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, `WHERE ((t0."age" >= ? AND t0."admin" != ?) OR t0."tags" = ?)`)
	assert.Equal(t, []any{int64(18), int64(1), `["x"]`}, params)
}

func TestCompileEmptyJunctions(t *testing.T) {
	sql, _, err := NewSQLCompiler().Compile(queryir.Select{From: "A", Filter: queryir.Or{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 0 = 1")

	sql, _, err = NewSQLCompiler().Compile(queryir.Select{From: "A", Filter: queryir.And{}})
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE 1 = 1")
}

func TestCompileJoin(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Join{
		Left:       queryir.Where("Person", queryir.Compare{Field: "age", Op: queryir.Less, Value: ir.Int(30)}),
		Right:      queryir.Where("Dog", queryir.Equals{Field: "breed", Value: ir.String("pug")}),
		LeftField:  "name",
		RightField: "owner",
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT t0.* FROM "class_Person" AS t0 WHERE t0."age" < ? AND EXISTS (SELECT 1 FROM "class_Dog" AS t1 WHERE t1."owner" = t0."name" AND t1."breed" = ?) ORDER BY t0._row ASC`,
		sql)
	assert.Equal(t, []any{int64(30), "pug"}, params)
}

func TestCompileErrors(t *testing.T) {
	_, _, err := NewSQLCompiler().Compile(nil)
	assert.Error(t, err)

	_, _, err = NewSQLCompiler().Compile(queryir.Where("A", queryir.Equals{Field: "x", Value: ir.Null{}}))
	assert.Error(t, err)

	_, _, err = NewSQLCompiler().Compile(queryir.Where("A", queryir.Compare{Field: "x", Op: "~", Value: ir.Int(1)}))
	assert.Error(t, err)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}

type fakeReader struct {
	model  string
	query  string
	args   []any
	result []ir.Object
}

func (f *fakeReader) QueryObjects(_ context.Context, model, query string, args ...any) ([]ir.Object, error) {
	f.model, f.query, f.args = model, query, args
	return f.result, nil
}

func TestEngineExecute(t *testing.T) {
	want := []ir.Object{{Ref: ir.RowRef{Model: "Person", ID: 1}, Fields: ir.Record{"name": ir.String("ada")}}}
	r := &fakeReader{result: want}
	e := NewEngine()

	j := queryir.Join{Left: queryir.All("Person"), Right: queryir.All("Dog"), LeftField: "name", RightField: "owner"}
	assert.Equal(t, []string{"Dog", "Person"}, e.Tables(j))

	got, err := e.Execute(context.Background(), r, j)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "Person", r.model)
	assert.Contains(t, r.query, "EXISTS")
}
