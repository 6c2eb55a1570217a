package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/natefinch/atomic"
)

// Sidecars returns the database file and its SQLite companion files.
func Sidecars(path string) []string {
	return []string{path, path + "-wal", path + "-shm", path + "-journal"}
}

// DeleteFiles removes a database and its companion files. Missing files are
// not an error. The file must not be open anywhere.
func DeleteFiles(path string) error {
	var errs []error
	for _, p := range Sidecars(path) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}
	return nil
}

// Compact rewrites the database into a minimal file and atomically replaces
// the original. The file must not be open anywhere.
func Compact(ctx context.Context, path string, key []byte) error {
	f, err := Open(ctx, path, key)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	tmp := path + ".compact"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.Close()
		return fmt.Errorf("compact: %w", err)
	}
	if _, err := f.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		f.Close()
		return fmt.Errorf("compact: vacuum: %w", err)
	}
	// Closing the last connection checkpoints and removes the WAL.
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compact: %w", err)
	}

	if err := atomic.ReplaceFile(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compact: replace: %w", err)
	}
	for _, p := range Sidecars(path)[1:] {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("compact: %w", err)
		}
	}
	return nil
}
