package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/roach88/keel/internal/config"
	"github.com/roach88/keel/internal/instance"
)

// loadConfig reads the --config file and builds its instance configuration.
// Failures are command errors.
func loadConfig(opts *RootOptions, f *OutputFormatter, extra ...instance.Option) (*config.File, *instance.Config, error) {
	file, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, "load config", err)
	}
	f.VerboseLog("Loaded %s (database %s)", file.Source, file.Path)

	cfg, err := file.Build(extra...)
	if err != nil {
		return nil, nil, f.Fail(ExitCommandError, "load config", err)
	}
	return file, cfg, nil
}

// withHandle acquires a handle for cfg on a private owner, runs fn and
// releases it.
func withHandle(ctx context.Context, cfg *instance.Config, name string, fn func(*instance.Cache, *instance.Handle) error) error {
	cache := instance.NewCache()
	owner := instance.NewOwner(name)
	defer owner.Stop()

	h, err := cache.Acquire(ctx, owner, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Release(owner, cfg); err != nil {
			slog.Warn("release failed", "path", cfg.Path(), "err", err)
		}
	}()
	return fn(cache, h)
}

// addMissingFields is a migration that adds configured fields the stored
// tables lack. Tables the file has no trace of are created after it runs.
func addMissingFields(ctx context.Context, h *instance.Handle, from int64) error {
	schema := h.Schema()
	tables, err := schema.Tables(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t] = true
	}

	for _, want := range h.Config().Models() {
		if !have[want.Name] {
			continue
		}
		stored, err := schema.Model(ctx, want.Name)
		if err != nil {
			return err
		}
		for _, f := range want.Fields {
			if _, ok := stored.Field(f.Name); ok {
				continue
			}
			slog.Info("adding field", "model", want.Name, "field", f.Name, "from_version", from)
			if err := schema.AddField(ctx, want.Name, f); err != nil {
				return fmt.Errorf("add %s.%s: %w", want.Name, f.Name, err)
			}
		}
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
