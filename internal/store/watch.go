package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// DefaultWatchInterval is the minimum spacing between change callbacks.
const DefaultWatchInterval = 50 * time.Millisecond

// Watch calls onChange when the database at path (or its WAL) is written by
// any process. Bursts of writes are coalesced: onChange runs at most once per
// interval, and once more after the burst settles. Watch returns after the
// watcher is set up; it stops when ctx is done.
func Watch(ctx context.Context, path string, interval time.Duration, onChange func()) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	// Watch the directory: the WAL is created and removed as connections
	// come and go.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch: %w", err)
	}

	targets := map[string]bool{
		filepath.Clean(path):          true,
		filepath.Clean(path + "-wal"): true,
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	go func() {
		defer func() { _ = w.Close() }()

		var trailing *time.Timer
		var trailingC <-chan time.Time
		defer func() {
			if trailing != nil {
				trailing.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if limiter.Allow() {
					onChange()
					continue
				}
				if trailing == nil {
					trailing = time.NewTimer(interval)
					trailingC = trailing.C
				}
			case <-trailingC:
				trailing, trailingC = nil, nil
				onChange()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching database", "path", path, "err", err)
			}
		}
	}()
	return nil
}
