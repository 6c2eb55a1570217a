package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/instance"
)

// InfoResult describes an open database file.
type InfoResult struct {
	Path          string      `json:"path"`
	SchemaVersion int64       `json:"schema_version"`
	Version       int64       `json:"version"`
	ModelHash     string      `json:"model_hash"`
	Encrypted     bool        `json:"encrypted"`
	Tables        []TableInfo `json:"tables"`
	Refs          int         `json:"refs"`
	Configs       []string    `json:"configs"`
}

// TableInfo describes one stored model.
type TableInfo struct {
	Name       string `json:"name"`
	Fields     int    `json:"fields"`
	PrimaryKey string `json:"primary_key,omitempty"`
	Rows       int64  `json:"rows"`
}

func (r InfoResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Path:           %s\n", r.Path)
	fmt.Fprintf(&b, "Schema version: %d\n", r.SchemaVersion)
	fmt.Fprintf(&b, "Commit version: %d\n", r.Version)
	fmt.Fprintf(&b, "Model hash:     %s\n", r.ModelHash)
	fmt.Fprintf(&b, "Encrypted:      %t\n", r.Encrypted)
	fmt.Fprintf(&b, "Open handles:   %d\n", r.Refs)
	for _, c := range r.Configs {
		fmt.Fprintf(&b, "Config:         %s\n", c)
	}
	fmt.Fprintf(&b, "Tables:         %d\n", len(r.Tables))
	for _, t := range r.Tables {
		key := ""
		if t.PrimaryKey != "" {
			key = ", key " + t.PrimaryKey
		}
		fmt.Fprintf(&b, "  %-20s %6d rows (%d fields%s)\n", t.Name, t.Rows, t.Fields, key)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Open a database and describe it",
		Long: `Open the configured database, running the schema checks and any
table creation an open performs, and print its versions and tables.

Examples:
  keel info --config keel.yaml
  keel info --config keel.jsonc --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runInfo(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	_, cfg, err := loadConfig(opts, f)
	if err != nil {
		return err
	}

	var result InfoResult
	err = withHandle(ctx, cfg, "info", func(cache *instance.Cache, h *instance.Handle) error {
		v, err := h.Schema().Version(ctx)
		if err != nil {
			return err
		}
		names, err := h.Schema().Tables(ctx)
		if err != nil {
			return err
		}

		result = InfoResult{
			Path:          h.Path(),
			SchemaVersion: v,
			Version:       h.Version(),
			ModelHash:     cfg.ModelHash(),
			Encrypted:     len(cfg.EncryptionKey()) > 0,
			Tables:        make([]TableInfo, 0, len(names)),
			Refs:          cache.Refs(h.Path()),
		}
		for _, c := range cache.Registry().Configs(h.Path()) {
			result.Configs = append(result.Configs, c.String())
		}
		for _, name := range names {
			spec, err := h.Schema().Model(ctx, name)
			if err != nil {
				return err
			}
			n, err := h.Count(ctx, name)
			if err != nil {
				return err
			}
			result.Tables = append(result.Tables, TableInfo{
				Name:       name,
				Fields:     len(spec.Fields),
				PrimaryKey: spec.PrimaryKey,
				Rows:       n,
			})
		}
		return nil
	})
	if err != nil {
		return f.Fail(ExitCommandError, "open database", err)
	}
	return f.Success(result)
}
