package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/querysql"
)

// Create inserts a row. Missing fields get their type's zero value.
// Requires a write.
func (s *Session) Create(ctx context.Context, model string, fields ir.Record) (ir.Object, error) {
	if !s.writing {
		return ir.Object{}, ErrNotWriting
	}
	spec, err := s.Model(ctx, model)
	if err != nil {
		return ir.Object{}, fmt.Errorf("create: %w", err)
	}

	full := make(ir.Record, len(spec.Fields))
	for _, f := range spec.Fields {
		full[f.Name] = f.Type.Zero()
	}
	for k, v := range fields {
		full[k] = v
	}
	cols, params, err := encodeFields(spec, full)
	if err != nil {
		return ir.Object{}, fmt.Errorf("create %s: %w", model, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		querysql.QuoteIdent(ir.TableName(model)), strings.Join(cols, ", "), placeholders)
	res, err := s.conn.ExecContext(ctx, stmt, params...)
	if err != nil {
		return ir.Object{}, fmt.Errorf("create %s: %w", model, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ir.Object{}, fmt.Errorf("create %s: %w", model, err)
	}

	if err := s.recordChange(ctx, model, id, "insert"); err != nil {
		return ir.Object{}, err
	}
	return ir.Object{Ref: ir.RowRef{Model: model, ID: id}, Fields: full}, nil
}

// Update sets the given fields of an existing row. Requires a write.
func (s *Session) Update(ctx context.Context, ref ir.RowRef, fields ir.Record) (ir.Object, error) {
	if !s.writing {
		return ir.Object{}, ErrNotWriting
	}
	spec, err := s.Model(ctx, ref.Model)
	if err != nil {
		return ir.Object{}, fmt.Errorf("update: %w", err)
	}
	if len(fields) == 0 {
		obj, ok, err := s.Get(ctx, ref)
		if err != nil {
			return ir.Object{}, err
		}
		if !ok {
			return ir.Object{}, fmt.Errorf("update %s: %w", ref, ErrNotFound)
		}
		return obj, nil
	}

	cols, params, err := encodeFields(spec, fields)
	if err != nil {
		return ir.Object{}, fmt.Errorf("update %s: %w", ref, err)
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		querysql.QuoteIdent(ir.TableName(ref.Model)), strings.Join(sets, ", "), querysql.RowColumn)
	res, err := s.conn.ExecContext(ctx, stmt, append(params, ref.ID)...)
	if err != nil {
		return ir.Object{}, fmt.Errorf("update %s: %w", ref, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ir.Object{}, fmt.Errorf("update %s: %w", ref, err)
	} else if n == 0 {
		return ir.Object{}, fmt.Errorf("update %s: %w", ref, ErrNotFound)
	}

	if err := s.recordChange(ctx, ref.Model, ref.ID, "update"); err != nil {
		return ir.Object{}, err
	}
	obj, _, err := s.Get(ctx, ref)
	return obj, err
}

// Upsert creates a row or, when a row with the same primary key exists,
// updates it. The model must declare a primary key. Requires a write.
func (s *Session) Upsert(ctx context.Context, model string, fields ir.Record) (ir.Object, error) {
	if !s.writing {
		return ir.Object{}, ErrNotWriting
	}
	spec, err := s.Model(ctx, model)
	if err != nil {
		return ir.Object{}, fmt.Errorf("upsert: %w", err)
	}
	if spec.PrimaryKey == "" {
		return ir.Object{}, fmt.Errorf("upsert %s: model has no primary key", model)
	}
	key, ok := fields[spec.PrimaryKey]
	if !ok {
		return ir.Object{}, fmt.Errorf("upsert %s: missing primary key %q", model, spec.PrimaryKey)
	}

	existing, found, err := s.FindByKey(ctx, model, key)
	if err != nil {
		return ir.Object{}, err
	}
	if !found {
		return s.Create(ctx, model, fields)
	}
	return s.Update(ctx, existing.Ref, fields)
}

// Delete removes a row. Requires a write.
func (s *Session) Delete(ctx context.Context, ref ir.RowRef) error {
	if !s.writing {
		return ErrNotWriting
	}
	if _, err := s.Model(ctx, ref.Model); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", querysql.QuoteIdent(ir.TableName(ref.Model)), querysql.RowColumn)
	res, err := s.conn.ExecContext(ctx, stmt, ref.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	} else if n == 0 {
		return fmt.Errorf("delete %s: %w", ref, ErrNotFound)
	}
	return s.recordChange(ctx, ref.Model, ref.ID, "delete")
}

// Clear removes every row of a model. Requires a write.
func (s *Session) Clear(ctx context.Context, model string) error {
	if !s.writing {
		return ErrNotWriting
	}
	if _, err := s.Model(ctx, model); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM "+querysql.QuoteIdent(ir.TableName(model))); err != nil {
		return fmt.Errorf("clear %s: %w", model, err)
	}
	return s.recordChange(ctx, model, 0, "clear")
}

// Get reads one row from the snapshot. ok is false when the row does not
// exist (deleted, never created, or its model table is gone).
func (s *Session) Get(ctx context.Context, ref ir.RowRef) (obj ir.Object, ok bool, err error) {
	exists, err := s.HasTable(ctx, ref.Model)
	if err != nil || !exists {
		return ir.Object{}, false, err
	}
	objs, err := s.QueryObjects(ctx, ref.Model,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", querysql.QuoteIdent(ir.TableName(ref.Model)), querysql.RowColumn),
		ref.ID)
	if err != nil {
		return ir.Object{}, false, fmt.Errorf("get %s: %w", ref, err)
	}
	if len(objs) == 0 {
		return ir.Object{}, false, nil
	}
	return objs[0], true, nil
}

// FindByKey reads the row whose primary key equals key.
func (s *Session) FindByKey(ctx context.Context, model string, key ir.Value) (ir.Object, bool, error) {
	spec, err := s.Model(ctx, model)
	if err != nil {
		return ir.Object{}, false, fmt.Errorf("find by key: %w", err)
	}
	if spec.PrimaryKey == "" {
		return ir.Object{}, false, fmt.Errorf("find by key %s: model has no primary key", model)
	}
	param, err := querysql.ValueToParam(key)
	if err != nil {
		return ir.Object{}, false, fmt.Errorf("find by key %s: %w", model, err)
	}
	objs, err := s.QueryObjects(ctx, model,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", querysql.QuoteIdent(ir.TableName(model)), querysql.QuoteIdent(spec.PrimaryKey)),
		param)
	if err != nil {
		return ir.Object{}, false, fmt.Errorf("find by key %s: %w", model, err)
	}
	if len(objs) == 0 {
		return ir.Object{}, false, nil
	}
	return objs[0], true, nil
}

// Count returns the number of rows of a model in the snapshot.
func (s *Session) Count(ctx context.Context, model string) (int64, error) {
	if _, err := s.Model(ctx, model); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+querysql.QuoteIdent(ir.TableName(model))).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", model, err)
	}
	return n, nil
}

// QueryObjects runs a SELECT over one model table and decodes each row.
// The result columns must be the row column plus any subset of fields.
// Implements querysql.Reader.
func (s *Session) QueryObjects(ctx context.Context, model, query string, args ...any) ([]ir.Object, error) {
	spec, err := s.Model(ctx, model)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}

	var objs []ir.Object
	for rows.Next() {
		obj, err := scanObject(rows, spec, cols)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", model, err)
		}
		objs = append(objs, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", model, err)
	}
	return objs, nil
}

func scanObject(rows *sql.Rows, spec ir.ModelSpec, cols []string) (ir.Object, error) {
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return ir.Object{}, fmt.Errorf("scan: %w", err)
	}

	obj := ir.Object{Ref: ir.RowRef{Model: spec.Name}, Fields: make(ir.Record, len(cols))}
	for i, col := range cols {
		if col == querysql.RowColumn {
			id, ok := raw[i].(int64)
			if !ok {
				return ir.Object{}, fmt.Errorf("row id has type %T", raw[i])
			}
			obj.Ref.ID = id
			continue
		}
		f, ok := spec.Field(col)
		if !ok {
			continue
		}
		v, err := decodeColumn(f, raw[i])
		if err != nil {
			return ir.Object{}, err
		}
		obj.Fields[col] = v
	}
	return obj, nil
}

// encodeFields validates fields against spec and returns quoted column names
// and SQL parameters in sorted field order.
func encodeFields(spec ir.ModelSpec, fields ir.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(fields))
	params := make([]any, 0, len(fields))
	for _, name := range fields.SortedKeys() {
		f, ok := spec.Field(name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown field %q", name)
		}
		v := fields[name]
		if !f.Type.Accepts(v) {
			return nil, nil, fmt.Errorf("field %q: %T is not a %s", name, v, f.Type)
		}
		p, err := querysql.ValueToParam(v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		cols = append(cols, querysql.QuoteIdent(name))
		params = append(params, p)
	}
	return cols, params, nil
}

// decodeColumn converts a scanned SQLite value back to a field value.
func decodeColumn(f ir.FieldSpec, raw any) (ir.Value, error) {
	switch f.Type {
	case ir.TypeString:
		s, err := asText(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return ir.String(s), nil
	case ir.TypeInt, ir.TypeBool:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("field %q: expected integer, got %T", f.Name, raw)
		}
		if f.Type == ir.TypeBool {
			return ir.Bool(n != 0), nil
		}
		return ir.Int(n), nil
	case ir.TypeList:
		s, err := asText(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		var l ir.List
		if err := json.Unmarshal([]byte(s), &l); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return l, nil
	case ir.TypeRecord:
		s, err := asText(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		var r ir.Record
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
	}
}

func asText(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("expected text, got %T", raw)
	}
}
