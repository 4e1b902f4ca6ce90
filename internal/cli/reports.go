package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// ReportsOptions holds flags for the reports command.
type ReportsOptions struct {
	*RootOptions
	Database  string
	Limit     int
	DueBefore string
}

// reportView is the serialized form of one pending report.
type reportView struct {
	ID              int64  `json:"id" yaml:"id"`
	Type            string `json:"type" yaml:"type"`
	ExternalID      string `json:"external_id" yaml:"external_id"`
	SourceID        int64  `json:"source_id" yaml:"source_id"`
	ContextOrigin   string `json:"context_origin" yaml:"context_origin"`
	ReportingOrigin string `json:"reporting_origin" yaml:"reporting_origin"`
	ReportTime      string `json:"report_time" yaml:"report_time"`
	FailedAttempts  int    `json:"failed_send_attempts,omitempty" yaml:"failed_send_attempts,omitempty"`

	// Event-level payload, empty for aggregatable reports.
	TriggerData *uint64 `json:"trigger_data,omitempty" yaml:"trigger_data,omitempty"`

	// Aggregatable payload, empty for event-level reports.
	Contributions []contributionView `json:"contributions,omitempty" yaml:"contributions,omitempty"`
}

type contributionView struct {
	Key   string `json:"key" yaml:"key"`
	Value uint32 `json:"value" yaml:"value"`
}

// NewReportsCommand creates the reports command.
func NewReportsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List pending attribution reports",
		Long: `List pending attribution reports of both kinds, ordered by
scheduled delivery time.

Example:
  attrib reports --db ./attrib.db
  attrib reports --db ./attrib.db --due-before 2026-01-01T00:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReports(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum reports to list (0 = all)")
	cmd.Flags().StringVar(&opts.DueBefore, "due-before", "", "only reports scheduled at or before this RFC 3339 time")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReports(opts *ReportsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Far-future default lists everything pending.
	maxTime := time.UnixMicro(1<<62 - 1)
	if opts.DueBefore != "" {
		t, err := time.Parse(time.RFC3339, opts.DueBefore)
		if err != nil {
			_ = formatter.Error(ErrCodeBadFlag, fmt.Sprintf("invalid --due-before time: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --due-before time", err)
		}
		maxTime = t
	}

	st, err := openStore(opts.Database, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	reports, err := st.GetReports(cmd.Context(), maxTime, opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeDatabase, err.Error(), nil)
		return WrapExitError(ExitCommandError, "list reports", err)
	}
	formatter.VerboseLog("Found %d pending report(s)", len(reports))

	views := make([]reportView, len(reports))
	for i, r := range reports {
		views[i] = newReportView(&r)
	}
	if formatter.Structured() {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No pending reports.")
		return nil
	}
	for _, v := range views {
		writeReportText(formatter, v)
	}
	return nil
}

func newReportView(r *attribution.Report) reportView {
	v := reportView{
		ID:              int64(r.ID),
		Type:            string(r.Data.ReportType()),
		ExternalID:      r.ExternalID.String(),
		SourceID:        int64(r.SourceID),
		ContextOrigin:   string(r.ContextOrigin),
		ReportingOrigin: string(r.ReportingOrigin),
		ReportTime:      r.ReportTime.UTC().Format(time.RFC3339),
		FailedAttempts:  r.FailedSendAttempts,
	}
	switch data := r.Data.(type) {
	case attribution.EventLevelData:
		td := data.TriggerData
		v.TriggerData = &td
	case attribution.AggregatableData:
		for _, c := range data.Contributions {
			v.Contributions = append(v.Contributions, contributionView{
				Key:   c.Key.String(),
				Value: c.Value,
			})
		}
	}
	return v
}

func writeReportText(f *OutputFormatter, v reportView) {
	w := f.Writer
	fmt.Fprintf(w, "report %s/%d\n", v.Type, v.ID)
	fmt.Fprintf(w, "  external id:      %s\n", v.ExternalID)
	fmt.Fprintf(w, "  source id:        %d\n", v.SourceID)
	fmt.Fprintf(w, "  context origin:   %s\n", v.ContextOrigin)
	fmt.Fprintf(w, "  reporting origin: %s\n", v.ReportingOrigin)
	fmt.Fprintf(w, "  scheduled:        %s\n", v.ReportTime)
	if v.TriggerData != nil {
		fmt.Fprintf(w, "  trigger data:     %d\n", *v.TriggerData)
	}
	for _, c := range v.Contributions {
		fmt.Fprintf(w, "  contribution:     %s = %d\n", c.Key, c.Value)
	}
	if v.FailedAttempts > 0 {
		fmt.Fprintf(w, "  failed attempts:  %d\n", v.FailedAttempts)
	}
}
