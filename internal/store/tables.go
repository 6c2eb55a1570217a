package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/querysql"
)

// ErrTableMismatch reports a model table whose shape differs from the
// expected descriptor.
var ErrTableMismatch = errors.New("store: table does not match model")

// SchemaVersion returns the caller schema version stamped in the file, or
// ir.Unversioned for a fresh file.
func (s *Session) SchemaVersion(ctx context.Context) (int64, error) {
	v, ok, err := readMeta(ctx, s.conn, metaSchemaVersion)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	if !ok {
		return ir.Unversioned, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return n, nil
}

// SetSchemaVersion stamps the caller schema version. Requires a write.
func (s *Session) SetSchemaVersion(ctx context.Context, version int64) error {
	if !s.writing {
		return ErrNotWriting
	}
	if version < 0 {
		return fmt.Errorf("set schema version: negative version %d", version)
	}
	if err := writeMeta(ctx, s.conn, metaSchemaVersion, strconv.FormatInt(version, 10)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	s.dirty = true
	return nil
}

// Models returns the model catalog of the snapshot, keyed by name.
func (s *Session) Models(ctx context.Context) (map[string]ir.ModelSpec, error) {
	if s.models != nil {
		return s.models, nil
	}

	rows, err := s.conn.QueryContext(ctx, "SELECT model, spec FROM keel_models ORDER BY model")
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	defer rows.Close()

	models := make(map[string]ir.ModelSpec)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		var spec ir.ModelSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("decode model %q: %w", name, err)
		}
		models[name] = spec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}

	s.models = models
	return models, nil
}

// Model returns one catalogued model.
func (s *Session) Model(ctx context.Context, name string) (ir.ModelSpec, error) {
	models, err := s.Models(ctx)
	if err != nil {
		return ir.ModelSpec{}, err
	}
	spec, ok := models[name]
	if !ok {
		return ir.ModelSpec{}, fmt.Errorf("model %q: %w", name, ErrNotFound)
	}
	return spec, nil
}

// HasTable reports whether a model table exists.
func (s *Session) HasTable(ctx context.Context, name string) (bool, error) {
	models, err := s.Models(ctx)
	if err != nil {
		return false, err
	}
	_, ok := models[name]
	return ok, nil
}

// TableNames returns catalogued model names in sorted order.
func (s *Session) TableNames(ctx context.Context) ([]string, error) {
	models, err := s.Models(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func columnDef(f ir.FieldSpec, primary bool) (string, error) {
	var def string
	switch f.Type {
	case ir.TypeString:
		def = "TEXT NOT NULL DEFAULT ''"
	case ir.TypeInt:
		def = "INTEGER NOT NULL DEFAULT 0"
	case ir.TypeBool:
		def = "INTEGER NOT NULL DEFAULT 0"
	case ir.TypeList:
		def = "TEXT NOT NULL DEFAULT '[]'"
	case ir.TypeRecord:
		def = "TEXT NOT NULL DEFAULT '{}'"
	default:
		return "", fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
	}
	if primary {
		def += " UNIQUE"
	}
	return querysql.QuoteIdent(f.Name) + " " + def, nil
}

func indexName(model, field string) string {
	return "idx_" + ir.TableName(model) + "_" + field
}

// CreateTable creates a model table and catalogues its descriptor.
// Requires a write.
func (s *Session) CreateTable(ctx context.Context, spec ir.ModelSpec) error {
	if !s.writing {
		return ErrNotWriting
	}
	if errs := spec.Validate(); len(errs) > 0 {
		return fmt.Errorf("create table %q: %w", spec.Name, errs[0])
	}
	exists, err := s.HasTable(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("create table %q: already exists", spec.Name)
	}

	cols := []string{querysql.RowColumn + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, f := range spec.Fields {
		col, err := columnDef(f, f.Name == spec.PrimaryKey)
		if err != nil {
			return fmt.Errorf("create table %q: %w", spec.Name, err)
		}
		cols = append(cols, col)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", querysql.QuoteIdent(ir.TableName(spec.Name)), strings.Join(cols, ", "))
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %q: %w", spec.Name, err)
	}
	for _, f := range spec.Fields {
		if f.Indexed {
			if err := s.createIndex(ctx, spec.Name, f.Name); err != nil {
				return err
			}
		}
	}

	if err := s.putModel(ctx, spec); err != nil {
		return err
	}
	return s.recordChange(ctx, spec.Name, 0, "clear")
}

func (s *Session) createIndex(ctx context.Context, model, field string) error {
	stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		querysql.QuoteIdent(indexName(model, field)),
		querysql.QuoteIdent(ir.TableName(model)),
		querysql.QuoteIdent(field))
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index %s.%s: %w", model, field, err)
	}
	return nil
}

func (s *Session) putModel(ctx context.Context, spec ir.ModelSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode model %q: %w", spec.Name, err)
	}
	if _, err := s.conn.ExecContext(ctx,
		"INSERT INTO keel_models (model, spec) VALUES (?, ?) ON CONFLICT(model) DO UPDATE SET spec = excluded.spec",
		spec.Name, string(data)); err != nil {
		return fmt.Errorf("catalog model %q: %w", spec.Name, err)
	}
	s.models = nil
	return nil
}

// ValidateTable checks that the stored table matches spec: same catalogued
// descriptor (field order aside) and every column present in the table.
func (s *Session) ValidateTable(ctx context.Context, spec ir.ModelSpec) error {
	stored, err := s.Model(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("%w: %q: missing table", ErrTableMismatch, spec.Name)
	}

	want, err := ir.ModelFingerprint(spec)
	if err != nil {
		return err
	}
	got, err := ir.ModelFingerprint(stored)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("%w: %q: %s", ErrTableMismatch, spec.Name, describeDiff(stored, spec))
	}

	cols, err := s.columns(ctx, spec.Name)
	if err != nil {
		return err
	}
	for _, f := range spec.Fields {
		if !cols[f.Name] {
			return fmt.Errorf("%w: %q: column %q missing", ErrTableMismatch, spec.Name, f.Name)
		}
	}
	return nil
}

func describeDiff(stored, want ir.ModelSpec) string {
	var diffs []string
	for _, f := range want.Fields {
		sf, ok := stored.Field(f.Name)
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("field %q missing", f.Name))
		case sf.Type != f.Type:
			diffs = append(diffs, fmt.Sprintf("field %q is %s, want %s", f.Name, sf.Type, f.Type))
		case sf.Indexed != f.Indexed:
			diffs = append(diffs, fmt.Sprintf("field %q index differs", f.Name))
		}
	}
	for _, f := range stored.Fields {
		if _, ok := want.Field(f.Name); !ok {
			diffs = append(diffs, fmt.Sprintf("unexpected field %q", f.Name))
		}
	}
	if stored.PrimaryKey != want.PrimaryKey {
		diffs = append(diffs, fmt.Sprintf("primary key %q, want %q", stored.PrimaryKey, want.PrimaryKey))
	}
	if len(diffs) == 0 {
		return "descriptor differs"
	}
	return strings.Join(diffs, "; ")
}

// columns returns the column names of a model table via PRAGMA table_info.
func (s *Session) columns(ctx context.Context, model string) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", ir.TableName(model))
	if err != nil {
		return nil, fmt.Errorf("table info %q: %w", model, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// DropTable drops a model table and its catalog entry. Requires a write.
func (s *Session) DropTable(ctx context.Context, model string) error {
	if !s.writing {
		return ErrNotWriting
	}
	if _, err := s.Model(ctx, model); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, "DROP TABLE "+querysql.QuoteIdent(ir.TableName(model))); err != nil {
		return fmt.Errorf("drop table %q: %w", model, err)
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM keel_models WHERE model = ?", model); err != nil {
		return fmt.Errorf("drop table %q: %w", model, err)
	}
	s.models = nil
	return s.recordChange(ctx, model, 0, "clear")
}

// AddField adds a column; existing rows get the type's zero value.
// Requires a write.
func (s *Session) AddField(ctx context.Context, model string, f ir.FieldSpec) error {
	if !s.writing {
		return ErrNotWriting
	}
	spec, err := s.Model(ctx, model)
	if err != nil {
		return fmt.Errorf("add field: %w", err)
	}
	if _, exists := spec.Field(f.Name); exists {
		return fmt.Errorf("add field %s.%s: already exists", model, f.Name)
	}
	next := spec
	next.Fields = append(slices.Clone(spec.Fields), f)
	if errs := next.Validate(); len(errs) > 0 {
		return fmt.Errorf("add field %s.%s: %w", model, f.Name, errs[0])
	}

	col, err := columnDef(f, false)
	if err != nil {
		return fmt.Errorf("add field %s.%s: %w", model, f.Name, err)
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", querysql.QuoteIdent(ir.TableName(model)), col)
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("add field %s.%s: %w", model, f.Name, err)
	}
	if f.Indexed {
		if err := s.createIndex(ctx, model, f.Name); err != nil {
			return err
		}
	}

	if err := s.putModel(ctx, next); err != nil {
		return err
	}
	return s.recordChange(ctx, model, 0, "clear")
}

// RemoveField drops a column. The primary key cannot be removed.
// Requires a write.
func (s *Session) RemoveField(ctx context.Context, model, field string) error {
	if !s.writing {
		return ErrNotWriting
	}
	spec, err := s.Model(ctx, model)
	if err != nil {
		return fmt.Errorf("remove field: %w", err)
	}
	f, ok := spec.Field(field)
	if !ok {
		return fmt.Errorf("remove field %s.%s: %w", model, field, ErrNotFound)
	}
	if spec.PrimaryKey == field {
		return fmt.Errorf("remove field %s.%s: field is the primary key", model, field)
	}
	if len(spec.Fields) == 1 {
		return fmt.Errorf("remove field %s.%s: last field", model, field)
	}

	if f.Indexed {
		if _, err := s.conn.ExecContext(ctx, "DROP INDEX IF EXISTS "+querysql.QuoteIdent(indexName(model, field))); err != nil {
			return fmt.Errorf("remove field %s.%s: %w", model, field, err)
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", querysql.QuoteIdent(ir.TableName(model)), querysql.QuoteIdent(field))
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("remove field %s.%s: %w", model, field, err)
	}

	next := spec
	next.Fields = slices.DeleteFunc(slices.Clone(spec.Fields), func(x ir.FieldSpec) bool { return x.Name == field })
	if err := s.putModel(ctx, next); err != nil {
		return err
	}
	return s.recordChange(ctx, model, 0, "clear")
}

// RenameField renames a column, keeping its data. Requires a write.
func (s *Session) RenameField(ctx context.Context, model, from, to string) error {
	if !s.writing {
		return ErrNotWriting
	}
	spec, err := s.Model(ctx, model)
	if err != nil {
		return fmt.Errorf("rename field: %w", err)
	}
	f, ok := spec.Field(from)
	if !ok {
		return fmt.Errorf("rename field %s.%s: %w", model, from, ErrNotFound)
	}
	if _, exists := spec.Field(to); exists {
		return fmt.Errorf("rename field %s.%s: %q already exists", model, from, to)
	}
	if !ir.ValidIdent(to) {
		return fmt.Errorf("rename field %s.%s: invalid name %q", model, from, to)
	}

	if f.Indexed {
		if _, err := s.conn.ExecContext(ctx, "DROP INDEX IF EXISTS "+querysql.QuoteIdent(indexName(model, from))); err != nil {
			return fmt.Errorf("rename field %s.%s: %w", model, from, err)
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		querysql.QuoteIdent(ir.TableName(model)), querysql.QuoteIdent(from), querysql.QuoteIdent(to))
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("rename field %s.%s: %w", model, from, err)
	}
	if f.Indexed {
		if err := s.createIndex(ctx, model, to); err != nil {
			return err
		}
	}

	next := spec
	next.Fields = slices.Clone(spec.Fields)
	for i := range next.Fields {
		if next.Fields[i].Name == from {
			next.Fields[i].Name = to
		}
	}
	if next.PrimaryKey == from {
		next.PrimaryKey = to
	}
	if err := s.putModel(ctx, next); err != nil {
		return err
	}
	return s.recordChange(ctx, model, 0, "clear")
}
