package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/attrib/internal/policy"
	"github.com/halcyonlabs/attrib/internal/resolver"
	"github.com/halcyonlabs/attrib/internal/store"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Database string
	Policy   string
}

// sweepResult is the serialized outcome of a maintenance run.
type sweepResult struct {
	NextReportTime    *string `json:"next_report_time" yaml:"next_report_time"`
	RateLimitsDeleted int64   `json:"rate_limits_deleted" yaml:"rate_limits_deleted"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run offline maintenance against a database",
		Long: `Run the maintenance pass an embedding process performs after
downtime: reschedule overdue reports with a randomized delay and purge
rate-limit records older than the rate-limit window.

Example:
  attrib sweep --db ./attrib.db
  attrib sweep --db ./attrib.db --policy ./policy.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to CUE policy overrides (default built-in policy)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Configure logging based on verbose flag
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := policy.Default()
	if opts.Policy != "" {
		var err error
		cfg, err = policy.Load(opts.Policy)
		if err != nil {
			_ = formatter.Error(ErrCodePolicy, err.Error(), nil)
			return WrapExitError(ExitCommandError, "load policy", err)
		}
	}

	st, err := store.Open(opts.Database, log)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, fmt.Sprintf("open database: %v", err), nil)
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	r := resolver.New(st, cfg, log)

	next, err := r.AdjustOfflineReportTimes(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitFailure, "adjust offline report times", err)
	}

	deleted, err := r.DeleteOutdatedRateLimits(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitFailure, "delete outdated rate limits", err)
	}
	formatter.VerboseLog("Deleted %d outdated rate-limit record(s)", deleted)

	result := sweepResult{RateLimitsDeleted: deleted}
	if next != nil {
		s := next.UTC().Format(time.RFC3339)
		result.NextReportTime = &s
	}
	if formatter.Structured() {
		return formatter.Success(result)
	}
	if result.NextReportTime != nil {
		fmt.Fprintf(formatter.Writer, "Next report due at %s, deleted %d rate-limit record(s).\n",
			*result.NextReportTime, result.RateLimitsDeleted)
	} else {
		fmt.Fprintf(formatter.Writer, "No reports pending, deleted %d rate-limit record(s).\n",
			result.RateLimitsDeleted)
	}
	return nil
}
