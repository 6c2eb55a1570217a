package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

// RowColumn is the row identity column of every model table.
const RowColumn = "_row"

// SQLCompiler compiles queryir queries to parameterized SQL for SQLite.
//
// Every query ends with ORDER BY ... _row ASC so results are deterministic.
// Values are always bound as parameters, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a query to parameterized SQL selecting every column of the
// result model. Returns (sql, params, error).
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	switch query := q.(type) {
	case nil:
		return "", nil, fmt.Errorf("cannot compile nil query")
	case queryir.Select:
		return c.compileSelect(query, nil)
	case queryir.Join:
		return c.compileJoin(query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

// compileSelect compiles a Select aliased as t0. extra conditions are ANDed
// into the WHERE clause after the filter.
func (c *SQLCompiler) compileSelect(q queryir.Select, extra *condition) (string, []any, error) {
	var (
		where  []string
		params []any
	)

	if q.Filter != nil {
		sql, p, err := c.compilePredicate("t0", q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		where = append(where, sql)
		params = append(params, p...)
	}
	if extra != nil {
		where = append(where, extra.sql)
		params = append(params, extra.params...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT t0.* FROM %s AS t0", QuoteIdent(ir.TableName(q.From)))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(stableOrderKey("t0", q.Sort))
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, int64(q.Limit))
	}

	return b.String(), params, nil
}

type condition struct {
	sql    string
	params []any
}

// compileJoin compiles a semi-join as an EXISTS subquery on the right model.
func (c *SQLCompiler) compileJoin(j queryir.Join) (string, []any, error) {
	inner := []string{fmt.Sprintf("t1.%s = t0.%s", QuoteIdent(j.RightField), QuoteIdent(j.LeftField))}
	var params []any
	if j.Right.Filter != nil {
		sql, p, err := c.compilePredicate("t1", j.Right.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile right filter: %w", err)
		}
		inner = append(inner, sql)
		params = p
	}

	exists := &condition{
		sql: fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS t1 WHERE %s)",
			QuoteIdent(ir.TableName(j.Right.From)), strings.Join(inner, " AND ")),
		params: params,
	}
	return c.compileSelect(j.Left, exists)
}

// stableOrderKey returns the ORDER BY list: explicit keys then row id.
// COLLATE BINARY keeps text ordering identical across SQLite builds.
func stableOrderKey(alias string, keys []queryir.SortKey) string {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s.%s COLLATE BINARY %s", alias, QuoteIdent(k.Field), dir))
	}
	parts = append(parts, fmt.Sprintf("%s.%s ASC", alias, RowColumn))
	return strings.Join(parts, ", ")
}

// compilePredicate compiles a predicate to a WHERE fragment.
func (c *SQLCompiler) compilePredicate(alias string, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return compileComparison(alias, pred.Field, "=", pred.Value)
	case queryir.NotEquals:
		return compileComparison(alias, pred.Field, "!=", pred.Value)
	case queryir.Compare:
		switch pred.Op {
		case queryir.Less, queryir.LessEqual, queryir.Greater, queryir.GreaterEqual:
		default:
			return "", nil, fmt.Errorf("invalid operator %q", pred.Op)
		}
		return compileComparison(alias, pred.Field, string(pred.Op), pred.Value)
	case queryir.And:
		return c.compileJunction(alias, "AND", "1 = 1", pred.Predicates)
	case queryir.Or:
		return c.compileJunction(alias, "OR", "0 = 1", pred.Predicates)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileComparison(alias, field, op string, v ir.Value) (string, []any, error) {
	param, err := ValueToParam(v)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", field, err)
	}
	return fmt.Sprintf("%s.%s %s ?", alias, QuoteIdent(field), op), []any{param}, nil
}

func (c *SQLCompiler) compileJunction(alias, op, empty string, preds []queryir.Predicate) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}

	parts := make([]string, 0, len(preds))
	var params []any
	for _, pred := range preds {
		sql, p, err := c.compilePredicate(alias, pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", params, nil
}

// ValueToParam converts a field value to the SQL parameter stored for it:
// bools as 0/1, lists and records as canonical JSON text.
func ValueToParam(v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case ir.List, ir.Record:
		data, err := ir.MarshalCanonical(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
