package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

// Handle is one owner's connection to one database file.
//
// A Handle is confined to its Owner: every method must be called from the
// owner's goroutine. It is created by Cache.Acquire and destroyed when the
// owner's count for its configuration drops to zero.
type Handle struct {
	id      string
	cache   *Cache
	owner   *Owner
	config  *Config
	ps      *pathState
	session Session

	closed    bool
	writing   bool
	migrating bool

	tables    map[string]*Table
	observers observerSet

	// notifying is set while callbacks run; advances requested meanwhile
	// set refreshPending and run after dispatch ends.
	notifying      bool
	refreshPending bool
}

func newHandle(c *Cache, o *Owner, cfg *Config, ps *pathState, s Session) *Handle {
	return &Handle{
		id:        uuid.Must(uuid.NewV7()).String(),
		cache:     c,
		owner:     o,
		config:    cfg,
		ps:        ps,
		session:   s,
		tables:    make(map[string]*Table),
		observers: newObserverSet(),
	}
}

// ID returns the handle's unique id, used to correlate logs.
func (h *Handle) ID() string { return h.id }

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() *Config { return h.config }

// Owner returns the owner the handle is confined to.
func (h *Handle) Owner() *Owner { return h.owner }

// Path returns the canonical file path.
func (h *Handle) Path() string { return h.config.path }

// IsClosed reports whether the handle has been torn down.
func (h *Handle) IsClosed() bool { return h.closed }

// InTransaction reports whether a write transaction is open.
func (h *Handle) InTransaction() bool { return h.writing }

// Version returns the snapshot version the handle reads.
func (h *Handle) Version() int64 {
	if h.closed {
		return 0
	}
	return h.session.Version()
}

// Close releases the owner's acquisition. The handle stays usable while the
// owner holds other acquisitions of the same configuration.
func (h *Handle) Close() error {
	if h.closed {
		return newError(CodeDoubleClose, h.config.path, "handle %s already closed", h.id)
	}
	if h.owner == nil {
		return fmt.Errorf("close: handle %s has no owner", h.id)
	}
	return h.cache.Release(h.owner, h.config)
}

// shutdown rolls back any open write, drops observers and closes the
// session. Called by the cache when the handle's count reaches zero.
func (h *Handle) shutdown() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.writing {
		slog.Warn("closing handle with open transaction; rolling back",
			"path", h.config.path,
			"handle", h.id,
		)
	}
	h.observers.clear()
	h.tables = nil
	return h.closeSession()
}

func (h *Handle) closeSession() error {
	h.writing = false
	if h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}

func (h *Handle) checkOpen() error {
	if h.closed {
		return newError(CodeHandleClosed, h.config.path, "handle %s is closed", h.id)
	}
	return nil
}

func (h *Handle) checkWrite(op string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if !h.writing {
		return newError(CodeNotInTransaction, h.config.path, "%s outside a write transaction", op)
	}
	return nil
}

// abortWrite rolls back the open write after a storage failure and returns
// the cause.
func (h *Handle) abortWrite(ctx context.Context, cause error) error {
	if !h.writing {
		return cause
	}
	slog.Warn("write failed; rolling back",
		"path", h.config.path,
		"handle", h.id,
		"err", cause,
	)
	if err := h.endWrite(ctx, false); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// endWrite commits or rolls back the open write. Every way a write ends
// goes through here. Observers are not notified of the write itself, but
// object observers registered on rows that a rollback discarded are removed.
func (h *Handle) endWrite(ctx context.Context, commit bool) error {
	if !h.writing {
		return nil
	}
	h.writing = false
	var err error
	if commit {
		// A failed commit rolls the write back.
		err = h.session.Commit(ctx)
	} else {
		err = h.session.Rollback(ctx)
	}
	if !h.closed && h.session != nil {
		h.settleWrite(ctx, commit && err == nil)
	}
	return err
}

// rollbackWith rolls back and returns cause, joined with any rollback error.
func (h *Handle) rollbackWith(ctx context.Context, cause error) error {
	if err := h.endWrite(ctx, false); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// modelMap returns the models queries may reference.
func (h *Handle) modelMap() map[string]ir.ModelSpec {
	m := make(map[string]ir.ModelSpec, len(h.config.models))
	for _, spec := range h.config.models {
		m[spec.Name] = spec
	}
	return m
}

// Table returns the handle's cached view of a permitted model's table.
// During a migration, models outside the configuration are reachable too.
func (h *Handle) Table(ctx context.Context, model string) (*Table, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if t, ok := h.tables[model]; ok {
		return t, nil
	}

	spec, ok := h.config.Model(model)
	if !ok {
		if !h.migrating {
			return nil, fmt.Errorf("table %q: model not in the configuration for %s", model, h.config.path)
		}
		stored, err := h.session.Model(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", model, err)
		}
		return &Table{h: h, spec: stored}, nil
	}

	t := &Table{h: h, spec: spec}
	h.tables[model] = t
	return t, nil
}

// Create inserts a row. Fields left out get their type's zero value.
func (h *Handle) Create(ctx context.Context, model string, fields ir.Record) (ir.Object, error) {
	if err := h.checkWrite("create"); err != nil {
		return ir.Object{}, err
	}
	if _, err := h.Table(ctx, model); err != nil {
		return ir.Object{}, err
	}
	obj, err := h.session.Create(ctx, model, fields)
	if err != nil {
		return ir.Object{}, h.abortWrite(ctx, err)
	}
	return obj, nil
}

// CreateOrUpdate creates a row, or updates the row with the same primary
// key.
func (h *Handle) CreateOrUpdate(ctx context.Context, model string, fields ir.Record) (ir.Object, error) {
	if err := h.checkWrite("create or update"); err != nil {
		return ir.Object{}, err
	}
	if _, err := h.Table(ctx, model); err != nil {
		return ir.Object{}, err
	}
	obj, err := h.session.Upsert(ctx, model, fields)
	if err != nil {
		return ir.Object{}, h.abortWrite(ctx, err)
	}
	return obj, nil
}

// Update sets fields on an existing row.
func (h *Handle) Update(ctx context.Context, ref ir.RowRef, fields ir.Record) (ir.Object, error) {
	if err := h.checkWrite("update"); err != nil {
		return ir.Object{}, err
	}
	if _, err := h.Table(ctx, ref.Model); err != nil {
		return ir.Object{}, err
	}
	obj, err := h.session.Update(ctx, ref, fields)
	if err != nil {
		return ir.Object{}, h.abortWrite(ctx, err)
	}
	return obj, nil
}

// Delete removes a row.
func (h *Handle) Delete(ctx context.Context, ref ir.RowRef) error {
	if err := h.checkWrite("delete"); err != nil {
		return err
	}
	if _, err := h.Table(ctx, ref.Model); err != nil {
		return err
	}
	if err := h.session.Delete(ctx, ref); err != nil {
		return h.abortWrite(ctx, err)
	}
	return nil
}

// Clear removes every row of a model.
func (h *Handle) Clear(ctx context.Context, model string) error {
	if err := h.checkWrite("clear"); err != nil {
		return err
	}
	if _, err := h.Table(ctx, model); err != nil {
		return err
	}
	if err := h.session.Clear(ctx, model); err != nil {
		return h.abortWrite(ctx, err)
	}
	return nil
}

// Get reads one row. ok is false when the row does not exist.
func (h *Handle) Get(ctx context.Context, ref ir.RowRef) (obj ir.Object, ok bool, err error) {
	if err := h.checkOpen(); err != nil {
		return ir.Object{}, false, err
	}
	return h.session.Get(ctx, ref)
}

// All returns every row of a model, in insertion order unless sort keys are
// given.
func (h *Handle) All(ctx context.Context, model string, sort ...queryir.SortKey) ([]ir.Object, error) {
	q := queryir.All(model)
	q.Sort = sort
	return h.Find(ctx, q)
}

// Find runs a query against the handle's snapshot.
func (h *Handle) Find(ctx context.Context, q queryir.Query) ([]ir.Object, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	if err := queryir.Validate(q, h.modelMap()); err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return h.cache.queries.Execute(ctx, h.session, q)
}

// Count returns the number of rows of a model.
func (h *Handle) Count(ctx context.Context, model string) (int64, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	return h.session.Count(ctx, model)
}

// Table is a handle's view of one model's table.
type Table struct {
	h    *Handle
	spec ir.ModelSpec
}

// Name returns the model name.
func (t *Table) Name() string { return t.spec.Name }

// Spec returns the model descriptor.
func (t *Table) Spec() ir.ModelSpec { return t.spec }

// Count returns the number of rows.
func (t *Table) Count(ctx context.Context) (int64, error) {
	return t.h.Count(ctx, t.spec.Name)
}

// All returns every row, optionally sorted.
func (t *Table) All(ctx context.Context, sort ...queryir.SortKey) ([]ir.Object, error) {
	return t.h.All(ctx, t.spec.Name, sort...)
}

// Where returns the rows matching every predicate.
func (t *Table) Where(ctx context.Context, preds ...queryir.Predicate) ([]ir.Object, error) {
	return t.h.Find(ctx, queryir.Where(t.spec.Name, preds...))
}

// Create inserts a row.
func (t *Table) Create(ctx context.Context, fields ir.Record) (ir.Object, error) {
	return t.h.Create(ctx, t.spec.Name, fields)
}
