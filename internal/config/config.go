package config

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/roach88/keel/internal/compiler"
	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/schema"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrUnknownFormat      = errors.New("unknown config format")
)

// Format is a config file encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// File is the on-disk description of a database configuration.
type File struct {
	Path             string   `json:"path" yaml:"path" jsonschema:"description=Database file path. Relative paths resolve against the config file."`
	SchemaVersion    int64    `json:"schema_version,omitempty" yaml:"schema_version,omitempty" jsonschema:"minimum=0,description=Schema version the code expects."`
	Key              string   `json:"key,omitempty" yaml:"key,omitempty" jsonschema:"pattern=^[0-9a-fA-F]{128}$,description=Hex encoded 64-byte encryption key."`
	KeyEnv           string   `json:"key_env,omitempty" yaml:"key_env,omitempty" jsonschema:"description=Environment variable holding the hex key."`
	DeleteOnMismatch bool     `json:"delete_on_mismatch,omitempty" yaml:"delete_on_mismatch,omitempty" jsonschema:"description=Recreate the file instead of failing when its schema does not match."`
	Modules          []string `json:"modules,omitempty" yaml:"modules,omitempty" jsonschema:"description=Registered model modules to permit."`
	ModelsDir        string   `json:"models_dir,omitempty" yaml:"models_dir,omitempty" jsonschema:"description=Directory of CUE model files."`
	AutoRefresh      bool     `json:"auto_refresh,omitempty" yaml:"auto_refresh,omitempty" jsonschema:"description=Refresh handles when another process writes the file."`
	RefreshInterval  string   `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty" jsonschema:"description=Minimum spacing between automatic refreshes as a Go duration."`

	// Source is the file the config was loaded from.
	Source string `json:"-" yaml:"-"`
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc", ".hujson":
		return FormatJSONC, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Load reads and validates a config file. Relative paths in it are resolved
// against the file's directory.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	base := filepath.Dir(path)
	if f.Path != "" && !filepath.IsAbs(f.Path) {
		f.Path = filepath.Join(base, f.Path)
	}
	if f.ModelsDir != "" && !filepath.IsAbs(f.ModelsDir) {
		f.ModelsDir = filepath.Join(base, f.ModelsDir)
	}
	f.Source = path
	return f, nil
}

// Parse decodes and validates config data. Unknown fields are rejected.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case FormatJSONC:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("invalid JSONC: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(standardized))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	var errs []error
	if f.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	if f.SchemaVersion < 0 {
		errs = append(errs, fmt.Errorf("schema_version must be non-negative, got %d", f.SchemaVersion))
	}
	if f.Key != "" && f.KeyEnv != "" {
		errs = append(errs, errors.New("key and key_env are mutually exclusive"))
	}
	if f.Key != "" {
		if _, err := decodeKey(f.Key); err != nil {
			errs = append(errs, err)
		}
	}
	if f.RefreshInterval != "" {
		d, err := time.ParseDuration(f.RefreshInterval)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh_interval: %w", err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("refresh_interval must be non-negative, got %s", d))
		}
	}
	return errors.Join(errs...)
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key: not hex: %w", err)
	}
	if len(key) != instance.KeySize {
		return nil, fmt.Errorf("key: want %d bytes, got %d", instance.KeySize, len(key))
	}
	return key, nil
}

// EncryptionKey returns the configured key, reading key_env if set. A nil
// key means the file is not encrypted.
func (f *File) EncryptionKey() ([]byte, error) {
	switch {
	case f.Key != "":
		return decodeKey(f.Key)
	case f.KeyEnv != "":
		v, ok := os.LookupEnv(f.KeyEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("key_env: %s is not set", f.KeyEnv)
		}
		return decodeKey(v)
	}
	return nil, nil
}

// Options converts the file into instance options. Extra options are
// applied last, so callers can add a migration or override refresh.
func (f *File) Options(extra ...instance.Option) ([]instance.Option, error) {
	opts := []instance.Option{instance.WithSchemaVersion(f.SchemaVersion)}

	key, err := f.EncryptionKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		opts = append(opts, instance.WithKey(key))
	}
	if f.DeleteOnMismatch {
		opts = append(opts, instance.WithDeleteOnMismatch())
	}

	if len(f.Modules) > 0 {
		mods, err := schema.Resolve(f.Modules...)
		if err != nil {
			return nil, fmt.Errorf("modules: %w", err)
		}
		opts = append(opts, instance.WithModules(mods...))
	}
	if f.ModelsDir != "" {
		models, errs := compiler.LoadModels(f.ModelsDir)
		if len(errs) > 0 {
			return nil, fmt.Errorf("models_dir %s: %w", f.ModelsDir, errors.Join(errs...))
		}
		opts = append(opts, instance.WithModels(models...))
	}

	if f.AutoRefresh {
		var interval time.Duration
		if f.RefreshInterval != "" {
			d, err := time.ParseDuration(f.RefreshInterval)
			if err != nil {
				return nil, fmt.Errorf("refresh_interval: %w", err)
			}
			if d < 0 {
				return nil, fmt.Errorf("refresh_interval must be non-negative, got %s", d)
			}
			interval = d
		}
		opts = append(opts, instance.WithAutoRefresh(interval))
	}
	return append(opts, extra...), nil
}

// Build returns the instance configuration the file describes.
func (f *File) Build(extra ...instance.Option) (*instance.Config, error) {
	opts, err := f.Options(extra...)
	if err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	cfg, err := instance.NewConfig(f.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	return cfg, nil
}
