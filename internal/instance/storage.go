package instance

import (
	"context"
	"time"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
	"github.com/roach88/keel/internal/querysql"
	"github.com/roach88/keel/internal/store"
)

// Storage opens physical database files.
type Storage interface {
	Open(ctx context.Context, path string, key []byte) (File, error)
	Delete(path string) error
	Compact(ctx context.Context, path string, key []byte) error
	// Watch calls onChange when path is written by any process, until ctx
	// is done.
	Watch(ctx context.Context, path string, interval time.Duration, onChange func()) error
}

// File is one open physical database file.
type File interface {
	NewSession(ctx context.Context) (Session, error)
	LatestVersion(ctx context.Context) (int64, error)
	Close() error
}

// Session is a handle's connection to a File: a pinned read snapshot that
// can be promoted to the file's single write transaction.
type Session interface {
	querysql.Reader

	Version() int64
	BeginWrite(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	AdvanceRead(ctx context.Context, rows []ir.RowRef, tables []string) (store.Advance, error)
	HasChanged(ctx context.Context) (bool, error)
	Close() error

	SchemaVersion(ctx context.Context) (int64, error)
	SetSchemaVersion(ctx context.Context, version int64) error
	Model(ctx context.Context, name string) (ir.ModelSpec, error)
	HasTable(ctx context.Context, name string) (bool, error)
	TableNames(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, spec ir.ModelSpec) error
	ValidateTable(ctx context.Context, spec ir.ModelSpec) error
	DropTable(ctx context.Context, model string) error
	AddField(ctx context.Context, model string, f ir.FieldSpec) error
	RemoveField(ctx context.Context, model, field string) error
	RenameField(ctx context.Context, model, from, to string) error

	Create(ctx context.Context, model string, fields ir.Record) (ir.Object, error)
	Update(ctx context.Context, ref ir.RowRef, fields ir.Record) (ir.Object, error)
	Upsert(ctx context.Context, model string, fields ir.Record) (ir.Object, error)
	Delete(ctx context.Context, ref ir.RowRef) error
	Clear(ctx context.Context, model string) error
	Get(ctx context.Context, ref ir.RowRef) (ir.Object, bool, error)
	Count(ctx context.Context, model string) (int64, error)
}

// QueryEngine reports a query's dependencies and executes it.
type QueryEngine interface {
	Tables(q queryir.Query) []string
	Execute(ctx context.Context, r querysql.Reader, q queryir.Query) ([]ir.Object, error)
}

// SQLite is the Storage backed by internal/store.
type SQLite struct{}

var _ Storage = SQLite{}

// Open implements Storage.
func (SQLite) Open(ctx context.Context, path string, key []byte) (File, error) {
	f, err := store.Open(ctx, path, key)
	if err != nil {
		return nil, err
	}
	return sqliteFile{f}, nil
}

// Delete implements Storage.
func (SQLite) Delete(path string) error {
	return store.DeleteFiles(path)
}

// Compact implements Storage.
func (SQLite) Compact(ctx context.Context, path string, key []byte) error {
	return store.Compact(ctx, path, key)
}

// Watch implements Storage.
func (SQLite) Watch(ctx context.Context, path string, interval time.Duration, onChange func()) error {
	return store.Watch(ctx, path, interval, onChange)
}

type sqliteFile struct {
	*store.File
}

func (f sqliteFile) NewSession(ctx context.Context) (Session, error) {
	s, err := f.File.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
