package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/attrib/internal/policy"
)

// ValidationResult holds policy validation results.
type ValidationResult struct {
	Valid bool `json:"valid" yaml:"valid"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <policy.cue>",
		Short: "Validate a policy overrides file",
		Long: `Validate a CUE policy overrides file against the built-in schema
without touching a database.

Checks syntax, field types and value bounds, and the cross-field
constraints the engine enforces at startup.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := policy.Load(path); err != nil {
		if formatter.Structured() {
			_ = formatter.Error(ErrCodePolicy, "policy invalid", err.Error())
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Policy invalid")
			fmt.Fprintf(formatter.Writer, "  %v\n", err)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("policy invalid: %v", err))
	}

	if formatter.Structured() {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Policy valid")
	return nil
}
