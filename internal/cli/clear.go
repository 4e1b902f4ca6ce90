package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/store"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	Database       string
	From           string
	To             string
	Origin         string
	KeepRateLimits bool
}

// clearResult is the serialized outcome of a clear run.
type clearResult struct {
	Cleared        bool   `json:"cleared" yaml:"cleared"`
	From           string `json:"from,omitempty" yaml:"from,omitempty"`
	To             string `json:"to,omitempty" yaml:"to,omitempty"`
	Origin         string `json:"origin,omitempty" yaml:"origin,omitempty"`
	RateLimitsKept bool   `json:"rate_limits_kept" yaml:"rate_limits_kept"`
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stored attribution data",
		Long: `Delete sources and reports, optionally bounded by a time range and
an origin. With no bounds and no origin the whole database is wiped.

Rate-limit records are deleted with the rest unless --keep-rate-limits
is set; retaining them keeps the engine's limits intact across a wipe.

Example:
  attrib clear --db ./attrib.db
  attrib clear --db ./attrib.db --origin https://reporter.test --keep-rate-limits`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "start of the range, RFC 3339 (default unbounded)")
	cmd.Flags().StringVar(&opts.To, "to", "", "end of the range, RFC 3339 (default unbounded)")
	cmd.Flags().StringVar(&opts.Origin, "origin", "", "only data whose origins match this origin exactly")
	cmd.Flags().BoolVar(&opts.KeepRateLimits, "keep-rate-limits", false, "retain rate-limit records")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runClear(opts *ClearOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var begin, end time.Time
	var err error
	if opts.From != "" {
		if begin, err = time.Parse(time.RFC3339, opts.From); err != nil {
			_ = formatter.Error(ErrCodeBadFlag, fmt.Sprintf("invalid --from time: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --from time", err)
		}
	}
	if opts.To != "" {
		if end, err = time.Parse(time.RFC3339, opts.To); err != nil {
			_ = formatter.Error(ErrCodeBadFlag, fmt.Sprintf("invalid --to time: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --to time", err)
		}
	}

	var filter store.OriginFilter
	if opts.Origin != "" {
		match, err := attribution.ParseOrigin(opts.Origin)
		if err != nil {
			_ = formatter.Error(ErrCodeBadFlag, fmt.Sprintf("invalid --origin: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --origin", err)
		}
		filter = func(o attribution.Origin) bool { return o == match }
	}

	st, err := openStore(opts.Database, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	err = st.InTransaction(cmd.Context(), func(tx *store.Tx) error {
		return tx.ClearData(cmd.Context(), begin, end, filter, !opts.KeepRateLimits)
	})
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "clear data", err)
	}

	result := clearResult{
		Cleared:        true,
		From:           opts.From,
		To:             opts.To,
		Origin:         opts.Origin,
		RateLimitsKept: opts.KeepRateLimits,
	}
	if formatter.Structured() {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, "Cleared.")
	return nil
}
