package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Begin starts a write transaction. It waits for the file's write lock,
// which at most one session (in any process) holds at a time.
func (h *Handle) Begin(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.writing {
		return newError(CodeNestedTransaction, h.config.path, "begin: handle %s is already writing", h.id)
	}
	if err := h.session.BeginWrite(ctx); err != nil {
		return fmt.Errorf("begin %s: %w", h.config.path, err)
	}
	h.writing = true
	slog.Debug("transaction started",
		"path", h.config.path,
		"handle", h.id,
		"version", h.session.Version(),
	)
	return nil
}

// Commit publishes the write. The handle continues in a fresh read
// snapshot; its own observers are notified before Commit returns, and every
// other handle on the path gets a refresh posted to its owner.
func (h *Handle) Commit(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.migrating {
		return newError(CodeNestedTransaction, h.config.path, "commit: the migration transaction is managed by the cache")
	}
	if !h.writing {
		return newError(CodeNoActiveTransaction, h.config.path, "commit without begin")
	}

	if err := h.endWrite(ctx, true); err != nil {
		return fmt.Errorf("commit %s: %w", h.config.path, err)
	}
	slog.Debug("transaction committed",
		"path", h.config.path,
		"handle", h.id,
		"version", h.session.Version(),
	)

	h.cache.postRefresh(h.ps, h)
	return h.advance(ctx)
}

// Cancel discards the write and returns to a read snapshot. No observer is
// notified of the discarded changes.
func (h *Handle) Cancel(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.migrating {
		return newError(CodeNestedTransaction, h.config.path, "cancel: the migration transaction is managed by the cache")
	}
	if !h.writing {
		return newError(CodeNoActiveTransaction, h.config.path, "cancel without begin")
	}

	err := h.endWrite(ctx, false)
	slog.Debug("transaction cancelled", "path", h.config.path, "handle", h.id)

	if h.refreshPending {
		// Deliver refreshes that arrived during the write later, outside
		// this call.
		h.postRefresh()
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", h.config.path, err)
	}
	return nil
}

// RunInTransaction runs fn in a write transaction. The transaction commits
// if fn returns nil and is cancelled if fn returns an error or panics; the
// error or panic is then passed on.
func (h *Handle) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := h.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if h.writing && !h.closed {
				if err := h.Cancel(ctx); err != nil {
					slog.Error("cancel after panic failed", "path", h.config.path, "handle", h.id, "err", err)
				}
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if h.writing && !h.closed {
			if cerr := h.Cancel(ctx); cerr != nil {
				return errors.Join(err, cerr)
			}
		}
		return err
	}
	return h.Commit(ctx)
}

// Refresh advances the handle to the latest snapshot and notifies its
// observers of what changed.
func (h *Handle) Refresh(ctx context.Context) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if h.writing {
		return newError(CodeNestedTransaction, h.config.path, "refresh inside a write transaction")
	}
	return h.advance(ctx)
}

// HasChanged reports whether a commit newer than the handle's snapshot
// exists.
func (h *Handle) HasChanged(ctx context.Context) (bool, error) {
	if err := h.checkOpen(); err != nil {
		return false, err
	}
	return h.session.HasChanged(ctx)
}

// postRefresh schedules an advance on h's owner. Safe from any goroutine.
func (h *Handle) postRefresh() {
	if h.owner == nil {
		return
	}
	ok := h.owner.Post(func(ctx context.Context) {
		if h.closed {
			return
		}
		if err := h.advance(ctx); err != nil {
			slog.Warn("refresh failed", "path", h.config.path, "handle", h.id, "err", err)
		}
	})
	if !ok {
		slog.Debug("refresh dropped: owner stopped", "path", h.config.path, "handle", h.id, "owner", h.owner.name)
	}
}
