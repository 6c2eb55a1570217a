package instance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/keel/internal/ir"
)

// advance moves h to the latest snapshot and notifies its observers.
// Requests made while callbacks run, or while h is writing, are deferred:
// the former until dispatch ends, the latter until the write commits.
func (h *Handle) advance(ctx context.Context) error {
	if h.notifying || h.writing {
		h.refreshPending = true
		return nil
	}
	for {
		h.refreshPending = false
		if err := h.dispatch(ctx); err != nil {
			return err
		}
		if !h.refreshPending || h.closed || h.writing {
			return nil
		}
	}
}

// dispatch runs one advance.
//
//  1. collect the rows of object observers and the models of query observers
//  2. advance the session, getting back what changed and at which version
//  3. object observers whose row changed and still exists get the row
//  4. query observers whose models changed get a fresh result
//  5. object observers whose row is gone get Removed and are evicted,
//     back to front
//
// Each observer fires at most once, and only for changes newer than its
// registration.
func (h *Handle) dispatch(ctx context.Context) error {
	h.observers.compact()
	objs := slices.Clone(h.observers.objects)
	queries := slices.Clone(h.observers.queries)
	changes := slices.Clone(h.observers.changes)

	rows := make([]ir.RowRef, len(objs))
	for i, o := range objs {
		rows[i] = o.ref
	}
	tables := dependencyTables(queries)

	adv, err := h.session.AdvanceRead(ctx, rows, tables)
	if err != nil {
		return fmt.Errorf("advance %s: %w", h.config.path, err)
	}
	if adv.To != adv.From {
		slog.Debug("snapshot advanced",
			"path", h.config.path,
			"handle", h.id,
			"from", adv.From,
			"to", adv.To,
			"full", adv.Full,
		)
	}
	if adv.Empty() && (adv.To <= adv.From || len(changes) == 0) {
		return nil
	}

	// Read changed rows before any callback runs so every observer sees the
	// same snapshot.
	current := make(map[int]ir.Object, len(adv.Rows))
	detached := make(map[int]bool)
	for i, v := range adv.Rows {
		if v <= objs[i].since {
			continue
		}
		obj, ok, err := h.session.Get(ctx, objs[i].ref)
		if err != nil {
			slog.Warn("reading observed row failed",
				"path", h.config.path,
				"handle", h.id,
				"token", objs[i].token,
				"err", err,
			)
			continue
		}
		if ok {
			current[i] = obj
		} else {
			detached[i] = true
		}
	}

	h.notifying = true
	defer func() { h.notifying = false }()

	for i, o := range objs {
		obj, ok := current[i]
		if !ok || o.removed {
			continue
		}
		h.call(o, func() { o.onObject(ObjectChange{Object: obj, Version: adv.Rows[i]}) })
		if h.closed {
			return nil
		}
	}

	for _, o := range queries {
		if o.removed {
			continue
		}
		v := latestChange(adv.Tables, o.tables)
		if v <= o.since {
			continue
		}
		res, err := h.cache.queries.Execute(ctx, h.session, o.query)
		if err != nil {
			slog.Warn("re-running observed query failed",
				"path", h.config.path,
				"handle", h.id,
				"token", o.token,
				"err", err,
			)
			continue
		}
		h.call(o, func() { o.onQuery(QueryResult{Objects: res, Version: v}) })
		if h.closed {
			return nil
		}
	}

	for i := len(objs) - 1; i >= 0; i-- {
		if !detached[i] {
			continue
		}
		o := objs[i]
		if !o.removed {
			h.call(o, func() { o.onObject(ObjectChange{Removed: true, Version: adv.Rows[i]}) })
			if h.closed {
				return nil
			}
		}
		h.observers.evictObjectAt(i)
	}

	if adv.To <= adv.From {
		return nil
	}
	for _, o := range changes {
		if o.removed || adv.To <= o.since {
			continue
		}
		h.call(o, func() { o.onChange(adv.To) })
		if h.closed {
			return nil
		}
	}
	return nil
}

// settleWrite runs after a write ended. On commit, observers registered
// during the write become ordinary ones. On rollback, those whose row did
// not survive get Removed once and are evicted.
func (h *Handle) settleWrite(ctx context.Context, committed bool) {
	var lost []*observer
	for _, o := range h.observers.objects {
		if !o.inWrite || o.removed {
			continue
		}
		o.inWrite = false
		if committed {
			continue
		}
		_, ok, err := h.session.Get(ctx, o.ref)
		if err != nil {
			slog.Warn("reading observed row after rollback failed",
				"path", h.config.path,
				"handle", h.id,
				"token", o.token,
				"err", err,
			)
		}
		if !ok {
			lost = append(lost, o)
		}
	}
	if len(lost) == 0 {
		return
	}

	notifying := h.notifying
	h.notifying = true
	defer func() { h.notifying = notifying }()

	v := h.session.Version()
	for i := len(lost) - 1; i >= 0; i-- {
		o := lost[i]
		if !o.removed {
			h.call(o, func() { o.onObject(ObjectChange{Removed: true, Version: v}) })
		}
		// Marked only; dispatch may hold indices into the slice.
		h.observers.end(o)
		if h.closed {
			return
		}
	}
}

// call runs one callback; a panic is logged and does not stop dispatch.
func (h *Handle) call(o *observer, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer callback panicked",
				"path", h.config.path,
				"handle", h.id,
				"token", o.token,
				"panic", r,
			)
		}
	}()
	fn()
}

// dependencyTables returns the union of the query observers' models.
func dependencyTables(queries []*observer) []string {
	var tables []string
	for _, o := range queries {
		tables = append(tables, o.tables...)
	}
	slices.Sort(tables)
	return slices.Compact(tables)
}

func latestChange(changed map[string]int64, tables []string) int64 {
	var v int64
	for _, t := range tables {
		v = max(v, changed[t])
	}
	return v
}
