package instance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/schema"
)

// KeySize is the required encryption key length in bytes.
const KeySize = 64

// Migration upgrades a file from oldVersion to the configuration's schema
// version. It runs inside the migration's write transaction; h.Schema()
// edits tables and the row API moves data. Returning an error rolls the
// whole migration back.
type Migration func(ctx context.Context, h *Handle, oldVersion int64) error

// Config describes which file to open and how. A Config is immutable once
// built by NewConfig.
type Config struct {
	path             string
	schemaVersion    int64
	key              []byte
	deleteOnMismatch bool
	migration        Migration
	modules          []schema.Module
	models           []ir.ModelSpec
	modelHash        string
	autoRefresh      bool
	refreshInterval  time.Duration
}

// ConfigKey identifies equal configuration values. Two Configs with the same
// key share one handle per owner.
type ConfigKey struct {
	Path             string
	SchemaVersion    int64
	KeyHash          string
	ModelHash        string
	DeleteOnMismatch bool
	HasMigration     bool
}

// Option configures a Config.
type Option func(*Config)

// WithSchemaVersion sets the requested schema version (default 0).
func WithSchemaVersion(v int64) Option {
	return func(c *Config) {
		c.schemaVersion = v
	}
}

// WithKey sets the encryption key. It must be KeySize bytes.
func WithKey(key []byte) Option {
	return func(c *Config) {
		c.key = slices.Clone(key)
	}
}

// WithDeleteOnMismatch deletes and recreates the file when its schema is
// older than requested or does not validate.
func WithDeleteOnMismatch() Option {
	return func(c *Config) {
		c.deleteOnMismatch = true
	}
}

// WithMigration sets the callback that upgrades older files.
func WithMigration(m Migration) Option {
	return func(c *Config) {
		c.migration = m
	}
}

// WithModules adds registered modules to the permitted model set.
func WithModules(mods ...schema.Module) Option {
	return func(c *Config) {
		c.modules = append(c.modules, mods...)
	}
}

// WithModels adds models to the permitted model set directly.
func WithModels(models ...ir.ModelSpec) Option {
	return func(c *Config) {
		c.modules = append(c.modules, schema.Module{Name: "inline", Models: models})
	}
}

// WithAutoRefresh refreshes every handle on the path when another process
// writes the file. Bursts are coalesced to at most one refresh per interval;
// zero uses the store default.
func WithAutoRefresh(interval time.Duration) Option {
	return func(c *Config) {
		c.autoRefresh = true
		c.refreshInterval = interval
	}
}

// NewConfig builds a Config for the database file at path. The path is made
// absolute and symlinks in it are resolved. Without WithModules or
// WithModels the registered default module is used.
func NewConfig(path string, opts ...Option) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("new config: empty path")
	}
	canonical, err := CanonicalPath(path)
	if err != nil {
		return nil, fmt.Errorf("new config: %w", err)
	}

	c := &Config{path: canonical}
	for _, opt := range opts {
		opt(c)
	}

	if c.schemaVersion < 0 {
		return nil, fmt.Errorf("new config: negative schema version %d", c.schemaVersion)
	}
	if c.key != nil && len(c.key) != KeySize {
		return nil, fmt.Errorf("new config: key must be %d bytes, got %d", KeySize, len(c.key))
	}
	if c.deleteOnMismatch && c.migration != nil {
		return nil, fmt.Errorf("new config: delete-on-mismatch and a migration are mutually exclusive")
	}

	if len(c.modules) == 0 {
		def, ok := schema.Lookup(schema.DefaultModuleName)
		if !ok {
			return nil, fmt.Errorf("new config: no models and no %q module registered", schema.DefaultModuleName)
		}
		c.modules = []schema.Module{def}
	}
	c.models, err = schema.Models(c.modules...)
	if err != nil {
		return nil, fmt.Errorf("new config: %w", err)
	}
	c.modelHash, err = ir.ModelSetFingerprint(c.models)
	if err != nil {
		return nil, fmt.Errorf("new config: %w", err)
	}
	return c, nil
}

// CanonicalPath returns the absolute, cleaned form of path with symlinks
// resolved. The file itself need not exist; its directory is resolved
// instead.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	dir, base := filepath.Split(abs)
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, nil
		}
		return "", err
	}
	return filepath.Join(resolved, base), nil
}

// Path returns the canonical file path.
func (c *Config) Path() string { return c.path }

// SchemaVersion returns the requested schema version.
func (c *Config) SchemaVersion() int64 { return c.schemaVersion }

// EncryptionKey returns a copy of the key, or nil.
func (c *Config) EncryptionKey() []byte { return slices.Clone(c.key) }

// DeleteOnMismatch reports whether mismatched files are recreated.
func (c *Config) DeleteOnMismatch() bool { return c.deleteOnMismatch }

// HasMigration reports whether a migration callback is set.
func (c *Config) HasMigration() bool { return c.migration != nil }

// AutoRefresh reports whether cross-process writes refresh handles, and the
// coalescing interval.
func (c *Config) AutoRefresh() (bool, time.Duration) { return c.autoRefresh, c.refreshInterval }

// Models returns the permitted model set sorted by name.
func (c *Config) Models() []ir.ModelSpec { return slices.Clone(c.models) }

// Model returns a permitted model by name.
func (c *Config) Model(name string) (ir.ModelSpec, bool) {
	i, found := slices.BinarySearchFunc(c.models, name, func(m ir.ModelSpec, name string) int {
		return strings.Compare(m.Name, name)
	})
	if !found {
		return ir.ModelSpec{}, false
	}
	return c.models[i], true
}

// ModelHash returns the canonical fingerprint of the permitted model set.
func (c *Config) ModelHash() string { return c.modelHash }

// Key returns the identity of this configuration value.
func (c *Config) Key() ConfigKey {
	return ConfigKey{
		Path:             c.path,
		SchemaVersion:    c.schemaVersion,
		KeyHash:          c.keyHash(),
		ModelHash:        c.modelHash,
		DeleteOnMismatch: c.deleteOnMismatch,
		HasMigration:     c.migration != nil,
	}
}

// keyHash fingerprints the key so it never sits in map keys or logs.
func (c *Config) keyHash() string {
	if c.key == nil {
		return ""
	}
	sum := blake2b.Sum256(c.key)
	return hex.EncodeToString(sum[:])
}

// String describes the configuration without the key.
func (c *Config) String() string {
	return fmt.Sprintf("Config{path=%s version=%d encrypted=%t models=%d}",
		c.path, c.schemaVersion, c.key != nil, len(c.models))
}
