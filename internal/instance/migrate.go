package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/keel/internal/ir"
)

// migrate brings h's file to the configured schema version. It runs once
// per process per path, with ps.mu held, on the path's first handle.
//
// The whole decision happens inside one write transaction so two processes
// cannot both create the schema. The transaction is committed only when
// schema work happened; a plain validation rolls back.
func (c *Cache) migrate(ctx context.Context, ps *pathState, h *Handle, migration Migration) error {
	cfg := h.config
	want := cfg.schemaVersion

	if err := h.session.BeginWrite(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", ps.path, err)
	}
	h.writing, h.migrating = true, true
	defer func() { h.migrating = false }()

	have, err := h.session.SchemaVersion(ctx)
	if err != nil {
		return h.rollbackWith(ctx, fmt.Errorf("migrate %s: %w", ps.path, err))
	}

	switch {
	case have == ir.Unversioned:
		return c.createSchema(ctx, h)

	case have > want:
		return h.rollbackWith(ctx, newError(CodeSchemaNewerThanCode, ps.path,
			"file is at schema version %d, code requests %d", have, want))

	case have == want:
		verr := validateSchema(ctx, h)
		if err := h.endWrite(ctx, false); err != nil {
			return fmt.Errorf("migrate %s: %w", ps.path, err)
		}
		if verr == nil {
			slog.Debug("schema validated", "path", ps.path, "version", have)
			return nil
		}
		if cfg.deleteOnMismatch {
			return c.recreate(ctx, ps, h, verr.Error())
		}
		return wrapError(CodeSchemaIncompatible, ps.path, verr, "tables do not match schema version %d", have)

	case cfg.deleteOnMismatch:
		if err := h.endWrite(ctx, false); err != nil {
			return fmt.Errorf("migrate %s: %w", ps.path, err)
		}
		return c.recreate(ctx, ps, h, fmt.Sprintf("schema version %d is older than %d", have, want))

	case migration == nil:
		return h.rollbackWith(ctx, newError(CodeMigrationNeeded, ps.path,
			"file is at schema version %d, code requests %d", have, want))

	default:
		return c.runMigration(ctx, h, migration, have)
	}
}

// createSchema creates every permitted table in a fresh file.
func (c *Cache) createSchema(ctx context.Context, h *Handle) error {
	cfg := h.config
	for _, spec := range cfg.models {
		if err := h.session.CreateTable(ctx, spec); err != nil {
			return h.rollbackWith(ctx, fmt.Errorf("create schema %s: %w", cfg.path, err))
		}
	}
	if err := h.session.SetSchemaVersion(ctx, cfg.schemaVersion); err != nil {
		return h.rollbackWith(ctx, fmt.Errorf("create schema %s: %w", cfg.path, err))
	}
	if err := validateSchema(ctx, h); err != nil {
		return h.rollbackWith(ctx, wrapError(CodeSchemaIncompatible, cfg.path, err, "created tables do not validate"))
	}
	if err := h.endWrite(ctx, true); err != nil {
		return fmt.Errorf("create schema %s: %w", cfg.path, err)
	}

	slog.Info("schema created",
		"path", cfg.path,
		"version", cfg.schemaVersion,
		"tables", len(cfg.models),
	)
	return nil
}

// runMigration calls the migration callback, creates tables for models the
// file does not have yet, bumps the version and commits. Any failure,
// including a panic in the callback, rolls everything back.
func (c *Cache) runMigration(ctx context.Context, h *Handle, migration Migration, have int64) error {
	cfg := h.config
	defer func() {
		if r := recover(); r != nil {
			_ = h.endWrite(ctx, false)
			panic(r)
		}
	}()

	slog.Info("migrating schema", "path", cfg.path, "from", have, "to", cfg.schemaVersion)

	if err := migration(ctx, h, have); err != nil {
		return h.rollbackWith(ctx, wrapError(CodeSchemaIncompatible, cfg.path, err,
			"migration from %d to %d failed", have, cfg.schemaVersion))
	}
	if !h.writing {
		return newError(CodeSchemaIncompatible, cfg.path,
			"migration from %d to %d: transaction was rolled back", have, cfg.schemaVersion)
	}

	for _, spec := range cfg.models {
		exists, err := h.session.HasTable(ctx, spec.Name)
		if err != nil {
			return h.rollbackWith(ctx, fmt.Errorf("migrate %s: %w", cfg.path, err))
		}
		if exists {
			continue
		}
		if err := h.session.CreateTable(ctx, spec); err != nil {
			return h.rollbackWith(ctx, fmt.Errorf("migrate %s: %w", cfg.path, err))
		}
	}
	if err := h.session.SetSchemaVersion(ctx, cfg.schemaVersion); err != nil {
		return h.rollbackWith(ctx, fmt.Errorf("migrate %s: %w", cfg.path, err))
	}
	if err := validateSchema(ctx, h); err != nil {
		return h.rollbackWith(ctx, wrapError(CodeSchemaIncompatible, cfg.path, err,
			"tables do not match schema version %d after migration", cfg.schemaVersion))
	}
	if err := h.endWrite(ctx, true); err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.path, err)
	}

	slog.Info("schema migrated", "path", cfg.path, "from", have, "to", cfg.schemaVersion)
	return nil
}

// recreate deletes the file and starts over from an empty one.
func (c *Cache) recreate(ctx context.Context, ps *pathState, h *Handle, reason string) error {
	slog.Warn("deleting database on schema mismatch", "path", ps.path, "reason", reason)

	if err := errors.Join(h.closeSession(), c.closeFile(ps)); err != nil {
		return fmt.Errorf("recreate %s: %w", ps.path, err)
	}
	if err := c.storage.Delete(ps.path); err != nil {
		return fmt.Errorf("recreate %s: %w", ps.path, err)
	}
	f, err := c.storage.Open(ctx, ps.path, h.config.key)
	if err != nil {
		return fmt.Errorf("recreate %s: %w", ps.path, err)
	}
	ps.file = f
	sess, err := f.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("recreate %s: %w", ps.path, err)
	}
	h.session = sess
	return c.migrate(ctx, ps, h, nil)
}

// validateSchema checks every permitted table against its model.
func validateSchema(ctx context.Context, h *Handle) error {
	var errs []error
	for _, spec := range h.config.models {
		if err := h.session.ValidateTable(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SchemaEditor changes table layouts. Every edit requires a write
// transaction; migration callbacks get one.
type SchemaEditor struct {
	h *Handle
}

// Schema returns the handle's schema editor.
func (h *Handle) Schema() *SchemaEditor {
	return &SchemaEditor{h: h}
}

// Version returns the file's schema version in the current snapshot.
func (e *SchemaEditor) Version(ctx context.Context) (int64, error) {
	if err := e.h.checkOpen(); err != nil {
		return 0, err
	}
	return e.h.session.SchemaVersion(ctx)
}

// Tables returns the names of the file's tables.
func (e *SchemaEditor) Tables(ctx context.Context) ([]string, error) {
	if err := e.h.checkOpen(); err != nil {
		return nil, err
	}
	return e.h.session.TableNames(ctx)
}

// Model returns the stored layout of a model's table.
func (e *SchemaEditor) Model(ctx context.Context, model string) (ir.ModelSpec, error) {
	if err := e.h.checkOpen(); err != nil {
		return ir.ModelSpec{}, err
	}
	return e.h.session.Model(ctx, model)
}

// CreateTable creates a table for spec.
func (e *SchemaEditor) CreateTable(ctx context.Context, spec ir.ModelSpec) error {
	return e.edit(ctx, "create table", spec.Name, func() error {
		return e.h.session.CreateTable(ctx, spec)
	})
}

// DropTable drops a model's table with all its rows.
func (e *SchemaEditor) DropTable(ctx context.Context, model string) error {
	return e.edit(ctx, "drop table", model, func() error {
		return e.h.session.DropTable(ctx, model)
	})
}

// AddField adds a field; existing rows get its zero value.
func (e *SchemaEditor) AddField(ctx context.Context, model string, f ir.FieldSpec) error {
	return e.edit(ctx, "add field", model, func() error {
		return e.h.session.AddField(ctx, model, f)
	})
}

// RemoveField removes a field and its data.
func (e *SchemaEditor) RemoveField(ctx context.Context, model, field string) error {
	return e.edit(ctx, "remove field", model, func() error {
		return e.h.session.RemoveField(ctx, model, field)
	})
}

// RenameField renames a field, keeping its data.
func (e *SchemaEditor) RenameField(ctx context.Context, model, from, to string) error {
	return e.edit(ctx, "rename field", model, func() error {
		return e.h.session.RenameField(ctx, model, from, to)
	})
}

func (e *SchemaEditor) edit(ctx context.Context, op, model string, fn func() error) error {
	if err := e.h.checkWrite(op); err != nil {
		return err
	}
	delete(e.h.tables, model)
	if err := fn(); err != nil {
		return e.h.abortWrite(ctx, fmt.Errorf("%s %s: %w", op, model, err))
	}
	return nil
}
