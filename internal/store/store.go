package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/keel/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// KeySize is the required encryption key length in bytes.
const KeySize = 64

var (
	// ErrInvalidKey reports a key that does not match the file, a key of the
	// wrong size, or a key supplied for a file created without one.
	ErrInvalidKey = errors.New("store: invalid encryption key")
	// ErrEncrypted reports a keyed file opened without a key.
	ErrEncrypted = errors.New("store: file is encrypted")
	// ErrIncompatibleFormat reports a file written by a newer keel.
	ErrIncompatibleFormat = errors.New("store: incompatible file format")
	// ErrNotFound reports a missing row or model table.
	ErrNotFound = errors.New("store: not found")
	// ErrNotWriting reports a mutation outside a write transaction.
	ErrNotWriting = errors.New("store: no write transaction")
)

// File is one open database file. It is safe for concurrent use; each
// Session it hands out is not.
type File struct {
	path string
	db   *sql.DB
}

// Open creates or opens the database at path.
// Applies required pragmas, internal schema and format migrations, then
// checks the encryption key.
//
// key must be nil or exactly KeySize bytes. A file created with a key can only
// be opened with the same key; a file created without one cannot be opened
// with a key.
func Open(ctx context.Context, path string, key []byte) (*File, error) {
	if key != nil && len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Sessions pin their own connections; keep a couple spare for file-level
	// reads.
	db.SetMaxIdleConns(2)

	if err := verifyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := checkKey(ctx, db, key); err != nil {
		db.Close()
		return nil, err
	}

	return &File{path: path, db: db}, nil
}

// dsn builds the go-sqlite3 data source name. Pragmas go in the DSN so every
// pooled connection gets them.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	return "file:" + escapePath(path) + "?" + q.Encode()
}

// escapePath escapes each segment so '?', '#' and '%' in a file name stay
// part of the URI path.
func escapePath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

// Path returns the file path the File was opened with.
func (f *File) Path() string {
	return f.path
}

// Close closes every pooled connection. Sessions must be closed first.
func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// LatestVersion returns the newest committed version, read outside any
// session snapshot.
func (f *File) LatestVersion(ctx context.Context) (int64, error) {
	v, err := readMetaInt(ctx, f.db, metaCommitVersion)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// verifyPragmas checks the DSN pragmas actually took effect.
func verifyPragmas(ctx context.Context, db *sql.DB) error {
	expected := map[string]string{
		"journal_mode": "wal",
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"synchronous":  "1",
	}
	for name, want := range expected {
		var got string
		if err := db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&got); err != nil {
			return fmt.Errorf("failed to query %s: %w", name, err)
		}
		if got != want {
			return fmt.Errorf("%s = %q, expected %q", name, got, want)
		}
	}
	return nil
}

// applySchema creates internal tables if they don't exist and runs format
// migrations. This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > ir.FormatVersion {
		return fmt.Errorf("%w: file format %d, supported %d", ErrIncompatibleFormat, version, ir.FormatVersion)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(ctx, db, version); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental format migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB, version int) error {
	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", ir.FormatVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 stamps a freshly created file. Version 1 is the first layout,
// so schema.sql already created everything.
func migrateToV1(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM keel_meta").Scan(&n); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("migrate to v1: keel_meta not seeded")
	}
	return nil
}

const (
	metaCommitVersion = "commit_version"
	metaSchemaVersion = "schema_version"
	metaKeyCheck      = "key_check"
	metaPrunedThrough = "pruned_through"
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// readMeta returns a metadata value; ok is false when the key is absent.
func readMeta(ctx context.Context, q queryRower, key string) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx, "SELECT value FROM keel_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func readMetaInt(ctx context.Context, q queryRower, key string) (int64, error) {
	s, ok, err := readMeta(ctx, q, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s: %w", key, err)
	}
	return v, nil
}

func writeMeta(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx,
		"INSERT INTO keel_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}
