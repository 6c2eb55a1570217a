package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/ir"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	AddFields        bool
	DeleteOnMismatch bool
}

// MigrateResult reports the schema version before and after a migration.
type MigrateResult struct {
	Path    string `json:"path"`
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Created bool   `json:"created"`
}

func (r MigrateResult) String() string {
	switch {
	case r.Created:
		return fmt.Sprintf("%s: created at schema version %d", r.Path, r.To)
	case r.From == r.To:
		return fmt.Sprintf("%s: schema version %d is current", r.Path, r.To)
	}
	return fmt.Sprintf("%s: migrated from schema version %d to %d", r.Path, r.From, r.To)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring a database to the configured schema version",
		Long: `Run the schema checks on the configured database without keeping it
open. A fresh file gets every configured table. An older file needs
--add-fields (add configured fields the stored tables lack and create
missing tables) or --delete-on-mismatch (start over from an empty file).

Exit codes:
  0 - Schema is current
  2 - Migration needed, file is newer than the config, or storage error

Examples:
  keel migrate --config keel.yaml
  keel migrate --config keel.yaml --add-fields`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.AddFields, "add-fields", false, "add missing fields and tables when the file is older")
	cmd.Flags().BoolVar(&opts.DeleteOnMismatch, "delete-on-mismatch", false, "recreate the file when its schema does not match")

	return cmd
}

func runMigrate(ctx context.Context, opts *MigrateOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var extra []instance.Option
	if opts.DeleteOnMismatch {
		extra = append(extra, instance.WithDeleteOnMismatch())
	}
	_, cfg, err := loadConfig(opts.RootOptions, f, extra...)
	if err != nil {
		return err
	}

	before, err := peekSchemaVersion(ctx, cfg)
	if err != nil {
		return f.Fail(ExitCommandError, "read schema version", err)
	}

	var migration instance.Migration
	if opts.AddFields {
		migration = addMissingFields
	}
	cache := instance.NewCache()
	if err := cache.Migrate(ctx, cfg, migration); err != nil {
		return f.Fail(ExitCommandError, "migrate", err)
	}

	return f.Success(MigrateResult{
		Path:    cfg.Path(),
		From:    max(before, 0),
		To:      cfg.SchemaVersion(),
		Created: before < 0,
	})
}

// peekSchemaVersion returns the schema version of an existing file, or -1
// when the file does not exist or was never given a schema.
func peekSchemaVersion(ctx context.Context, cfg *instance.Config) (int64, error) {
	exists, err := fileExists(cfg.Path())
	if err != nil || !exists {
		return -1, err
	}

	f, err := instance.SQLite{}.Open(ctx, cfg.Path(), cfg.EncryptionKey())
	if err != nil {
		return 0, err
	}
	defer f.Close()

	s, err := f.NewSession(ctx)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if v == ir.Unversioned {
		return -1, nil
	}
	return v, nil
}
