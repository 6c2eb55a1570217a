package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/config"
)

// NewConfigSchemaCommand creates the config-schema command.
func NewConfigSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config-schema",
		Short: "Print the JSON Schema of the configuration file",
		Long: `Print the JSON Schema describing keel configuration files, for editor
completion and validation of keel.yaml and keel.jsonc. The schema is
printed as is regardless of --format.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Schema()
			if err != nil {
				f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
				return f.Fail(ExitCommandError, "generate schema", err)
			}
			if _, err := cmd.OutOrStdout().Write(append(data, '\n')); err != nil {
				return err
			}
			return nil
		},
	}
}
