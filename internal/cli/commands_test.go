package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/store"
	"github.com/halcyonlabs/attrib/internal/testutil"
)

// seedDatabase creates a database with one source and one report of
// each kind, all at fixed times so command output is reproducible.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attrib.db")
	s, err := store.Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	src := &attribution.StoredSource{
		StorableSource: *testutil.NewSource().
			Priority(5).
			TriggerSpecs(mustSpec(t)).
			MaxReports(3).
			Build(),
		AttributionLogic:            attribution.LogicTruthful,
		RemainingAggregatableBudget: 65536,
		EventLevelActive:            true,
		AggregatableActive:          true,
	}
	require.NoError(t, s.InTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.InsertSource(ctx, src); err != nil {
			return err
		}
		event := &attribution.Report{
			ExternalID:        uuid.MustParse("11111111-1111-4111-8111-111111111111"),
			SourceID:          src.ID,
			AttributionTime:   testutil.BaseTime.Add(time.Hour),
			ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
			ReportingOrigin:   src.ReportingOrigin,
			ReportTime:        testutil.BaseTime.Add(24 * time.Hour),
			InitialReportTime: testutil.BaseTime.Add(24 * time.Hour),
			Data: attribution.EventLevelData{
				SourceEventID: src.SourceEventID,
				TriggerData:   2,
			},
		}
		if err := tx.InsertEventLevelReport(ctx, event); err != nil {
			return err
		}
		agg := &attribution.Report{
			ExternalID:        uuid.MustParse("22222222-2222-4222-8222-222222222222"),
			SourceID:          src.ID,
			AttributionTime:   testutil.BaseTime.Add(time.Hour),
			ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
			ReportingOrigin:   src.ReportingOrigin,
			ReportTime:        testutil.BaseTime.Add(65 * time.Minute),
			InitialReportTime: testutil.BaseTime.Add(65 * time.Minute),
			Data: attribution.AggregatableData{
				Contributions: []attribution.Contribution{
					{Key: attribution.AggregationKey{Lo: 0x559}, Value: 655},
				},
			},
		}
		return tx.InsertAggregatableReport(ctx, agg)
	}))
	return path
}

func mustSpec(t *testing.T) attribution.TriggerDataSpec {
	t.Helper()
	spec, err := attribution.NewTriggerDataSpec(attribution.MatchingModulus,
		[]uint64{0, 1, 2, 3}, 0, []time.Duration{30 * 24 * time.Hour})
	require.NoError(t, err)
	return spec
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestSourcesCommand_Text(t *testing.T) {
	db := seedDatabase(t)
	out, err := execute(t, "sources", "--db", db, "--at", "2025-03-02T00:00:00Z")
	require.NoError(t, err)
	newGoldie(t).Assert(t, "sources_text", []byte(out))
}

func TestSourcesCommand_JSON(t *testing.T) {
	db := seedDatabase(t)
	out, err := execute(t, "sources", "--db", db, "--at", "2025-03-02T00:00:00Z", "--format", "json")
	require.NoError(t, err)
	newGoldie(t).Assert(t, "sources_json", []byte(out))
}

func TestSourcesCommand_EmptyDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	out, err := execute(t, "sources", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "No active sources.\n", out)
}

func TestReportsCommand_Text(t *testing.T) {
	db := seedDatabase(t)
	out, err := execute(t, "reports", "--db", db)
	require.NoError(t, err)
	newGoldie(t).Assert(t, "reports_text", []byte(out))
}

func TestReportsCommand_DueBefore(t *testing.T) {
	db := seedDatabase(t)
	// Only the aggregatable report is due within two hours of the base
	// time; the event-level report is a day out.
	out, err := execute(t, "reports", "--db", db, "--due-before", "2025-03-01T02:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "report aggregatable/1")
	assert.NotContains(t, out, "report event-level/1")
}

func TestReportsCommand_BadTime(t *testing.T) {
	db := seedDatabase(t)
	_, err := execute(t, "reports", "--db", db, "--due-before", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestClearCommand_FullWipe(t *testing.T) {
	db := seedDatabase(t)
	out, err := execute(t, "clear", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Cleared.\n", out)

	out, err = execute(t, "sources", "--db", db, "--at", "2025-03-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "No active sources.\n", out)
}

func TestClearCommand_OriginMiss(t *testing.T) {
	db := seedDatabase(t)
	_, err := execute(t, "clear", "--db", db, "--origin", "https://unrelated.test")
	require.NoError(t, err)

	// A non-matching origin filter leaves the data alone.
	out, err := execute(t, "sources", "--db", db, "--at", "2025-03-02T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "source 1")
}

func TestSweepCommand(t *testing.T) {
	db := seedDatabase(t)
	// Both seeded reports are long overdue by the time the sweep runs,
	// so a fresh delivery time is scheduled for them.
	out, err := execute(t, "sweep", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Next report due at ")
}

func TestSweepCommand_EmptyDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "attrib.db")
	out, err := execute(t, "sweep", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No reports pending")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.cue")
	require.NoError(t, os.WriteFile(good, []byte("maxSourcesPerOrigin: 100\n"), 0o644))
	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Policy valid")

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte("maxSourcesPerOrigin: -1\n"), 0o644))
	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Policy invalid")
}
