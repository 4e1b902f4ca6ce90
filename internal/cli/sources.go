package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/store"
)

// Error codes for CLI responses.
const (
	ErrCodeDatabase = "E001"
	ErrCodeBadFlag  = "E002"
	ErrCodePolicy   = "E003"
)

// SourcesOptions holds flags for the sources command.
type SourcesOptions struct {
	*RootOptions
	Database string
	Limit    int
	At       string
}

// sourceView is the serialized form of one stored source.
type sourceView struct {
	ID                 int64    `json:"id" yaml:"id"`
	SourceEventID      uint64   `json:"source_event_id" yaml:"source_event_id"`
	SourceOrigin       string   `json:"source_origin" yaml:"source_origin"`
	Destinations       []string `json:"destinations" yaml:"destinations"`
	ReportingOrigin    string   `json:"reporting_origin" yaml:"reporting_origin"`
	SourceType         string   `json:"source_type" yaml:"source_type"`
	RegistrationTime   string   `json:"registration_time" yaml:"registration_time"`
	ExpiryTime         string   `json:"expiry_time" yaml:"expiry_time"`
	Priority           int64    `json:"priority" yaml:"priority"`
	AttributionLogic   string   `json:"attribution_logic" yaml:"attribution_logic"`
	RemainingBudget    int64    `json:"remaining_aggregatable_budget" yaml:"remaining_aggregatable_budget"`
	EventLevelActive   bool     `json:"event_level_active" yaml:"event_level_active"`
	AggregatableActive bool     `json:"aggregatable_active" yaml:"aggregatable_active"`
}

// NewSourcesCommand creates the sources command.
func NewSourcesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SourcesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List active attribution sources",
		Long: `List active, unexpired attribution sources, newest first.

Example:
  attrib sources --db ./attrib.db
  attrib sources --db ./attrib.db --limit 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSources(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum sources to list (0 = all)")
	cmd.Flags().StringVar(&opts.At, "at", "", "evaluate activity at this RFC 3339 time (default now)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSources(opts *SourcesOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	now := time.Now()
	if opts.At != "" {
		t, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			_ = formatter.Error(ErrCodeBadFlag, fmt.Sprintf("invalid --at time: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --at time", err)
		}
		now = t
	}

	st, err := openStore(opts.Database, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	sources, err := st.GetActiveSources(cmd.Context(), now, opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "list sources", err)
	}
	formatter.VerboseLog("Found %d active source(s)", len(sources))

	views := make([]sourceView, len(sources))
	for i, s := range sources {
		views[i] = newSourceView(&s)
	}
	if formatter.Structured() {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No active sources.")
		return nil
	}
	for _, v := range views {
		writeSourceText(formatter, v)
	}
	return nil
}

func newSourceView(s *attribution.StoredSource) sourceView {
	dests := make([]string, len(s.Destinations))
	for i, d := range s.Destinations {
		dests[i] = string(d)
	}
	return sourceView{
		ID:                 int64(s.ID),
		SourceEventID:      s.SourceEventID,
		SourceOrigin:       string(s.SourceOrigin),
		Destinations:       dests,
		ReportingOrigin:    string(s.ReportingOrigin),
		SourceType:         string(s.SourceType),
		RegistrationTime:   s.RegistrationTime.UTC().Format(time.RFC3339),
		ExpiryTime:         s.ExpiryTime.UTC().Format(time.RFC3339),
		Priority:           s.Priority,
		AttributionLogic:   string(s.AttributionLogic),
		RemainingBudget:    s.RemainingAggregatableBudget,
		EventLevelActive:   s.EventLevelActive,
		AggregatableActive: s.AggregatableActive,
	}
}

func writeSourceText(f *OutputFormatter, v sourceView) {
	w := f.Writer
	fmt.Fprintf(w, "source %d\n", v.ID)
	fmt.Fprintf(w, "  event id:         %d\n", v.SourceEventID)
	fmt.Fprintf(w, "  origin:           %s\n", v.SourceOrigin)
	fmt.Fprintf(w, "  destinations:     %s\n", strings.Join(v.Destinations, ", "))
	fmt.Fprintf(w, "  reporting origin: %s\n", v.ReportingOrigin)
	fmt.Fprintf(w, "  type:             %s\n", v.SourceType)
	fmt.Fprintf(w, "  registered:       %s\n", v.RegistrationTime)
	fmt.Fprintf(w, "  expires:          %s\n", v.ExpiryTime)
	fmt.Fprintf(w, "  priority:         %d\n", v.Priority)
	fmt.Fprintf(w, "  logic:            %s\n", v.AttributionLogic)
	fmt.Fprintf(w, "  agg budget left:  %d\n", v.RemainingBudget)
	fmt.Fprintf(w, "  active:           event-level=%t aggregatable=%t\n", v.EventLevelActive, v.AggregatableActive)
}

// openStore opens the database, emitting a formatted error on failure.
func openStore(path string, formatter *OutputFormatter) (*store.Store, error) {
	st, err := store.Open(path, slog.Default())
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, fmt.Sprintf("open database: %v", err), nil)
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return st, nil
}
