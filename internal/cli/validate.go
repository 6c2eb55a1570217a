package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/compiler"
	"github.com/roach88/keel/internal/ir"
)

// ValidationResult holds the outcome of compiling a models directory.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Models []ir.ModelSpec `json:"models,omitempty"`
	Errors []ModelProblem `json:"errors,omitempty"`
	Hash   string         `json:"hash,omitempty"`
}

// ModelProblem is one load or validation error.
type ModelProblem struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (r ValidationResult) String() string {
	var b strings.Builder
	if r.Valid {
		fmt.Fprintf(&b, "%d model(s) valid (hash %s)", len(r.Models), r.Hash)
		for _, m := range r.Models {
			fmt.Fprintf(&b, "\n  %s: %s", m.Name, strings.Join(m.FieldNames(), ", "))
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%d problem(s)", len(r.Errors))
	for _, p := range r.Errors {
		loc := ""
		if p.Line > 0 {
			loc = fmt.Sprintf(" (line %d)", p.Line)
		}
		if p.Field != "" {
			fmt.Fprintf(&b, "\n  [%s] %s: %s%s", p.Code, p.Field, p.Message, loc)
		} else {
			fmt.Fprintf(&b, "\n  [%s] %s%s", p.Code, p.Message, loc)
		}
	}
	return b.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <models-dir>",
		Short: "Compile CUE model files without opening a database",
		Long: `Compile every model in a CUE models directory and report syntax,
type and key errors. Prints the model set hash a configuration built from
the directory will carry.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	models, errs := compiler.LoadModels(dir)
	f.VerboseLog("Compiled %d model(s) from %s", len(models), dir)

	if len(errs) > 0 {
		result := ValidationResult{Errors: make([]ModelProblem, 0, len(errs))}
		for _, err := range errs {
			result.Errors = append(result.Errors, problemOf(err))
		}
		if f.Format == "json" {
			if err := f.Error(CodeInvalid, fmt.Sprintf("%d problem(s) in %s", len(errs), dir), result); err != nil {
				return err
			}
		} else if err := f.Success(result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("models in %s are invalid", dir))
	}

	hash, err := ir.ModelSetFingerprint(models)
	if err != nil {
		return f.Fail(ExitFailure, "hash models", err)
	}
	return f.Success(ValidationResult{Valid: true, Models: models, Hash: hash})
}

func problemOf(err error) ModelProblem {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		p := ModelProblem{Code: loadErr.Code, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			p.Line = loadErr.Pos.Line()
		}
		return p
	}
	var ve compiler.ValidationError
	if errors.As(err, &ve) {
		return ModelProblem{Code: ve.Code, Field: ve.Field, Message: ve.Message}
	}
	return ModelProblem{Code: compiler.ErrCodeGeneric, Message: err.Error()}
}
