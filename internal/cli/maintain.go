package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/instance"
)

// FileResult reports a file operation.
type FileResult struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Size   int64  `json:"size,omitempty"`
}

func (r FileResult) String() string {
	if r.Size > 0 {
		return fmt.Sprintf("%s: %s (%d bytes)", r.Path, r.Action, r.Size)
	}
	return fmt.Sprintf("%s: %s", r.Path, r.Action)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite a database into a minimal file",
		Long: `Rewrite the configured database into a minimal file and atomically
replace the original. No process may have the file open.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileOp(cmd, rootOpts, "compacted", func(ctx context.Context, c *instance.Cache, cfg *instance.Config) error {
				return c.Compact(ctx, cfg)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a database and its companion files",
		Long: `Delete the configured database file together with its WAL, shared
memory and journal files. Missing files are not an error.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileOp(cmd, rootOpts, "deleted", func(_ context.Context, c *instance.Cache, cfg *instance.Config) error {
				return c.Delete(cfg)
			})
		},
	}
}

func runFileOp(cmd *cobra.Command, opts *RootOptions, action string, op func(context.Context, *instance.Cache, *instance.Config) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	_, cfg, err := loadConfig(opts, f)
	if err != nil {
		return err
	}
	if err := op(ctx, instance.NewCache(), cfg); err != nil {
		return f.Fail(ExitCommandError, action, err)
	}

	result := FileResult{Path: cfg.Path(), Action: action}
	if info, err := os.Stat(cfg.Path()); err == nil {
		result.Size = info.Size()
	}
	return f.Success(result)
}
