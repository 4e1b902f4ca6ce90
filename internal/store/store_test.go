package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
	"github.com/halcyonlabs/attrib/internal/testutil"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attrib.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testSource(t *testing.T) *attribution.StoredSource {
	t.Helper()
	spec, err := attribution.NewTriggerDataSpec(attribution.MatchingModulus,
		[]uint64{0, 1, 2, 3}, 0, []time.Duration{time.Hour, 24 * time.Hour})
	require.NoError(t, err)

	src := testutil.NewSource().
		Destination("conversion.test", "other.test").
		TriggerSpecs(spec).
		MaxReports(3).
		Priority(5).
		FilterData(attribution.FilterData{"product": {"shoes"}}).
		AggregationKeys(map[string]attribution.AggregationKey{"campaign": {Lo: 0x159}}).
		Build()
	return &attribution.StoredSource{
		StorableSource:              *src,
		AttributionLogic:            attribution.LogicTruthful,
		RandomizedResponseRate:      0.0024,
		RemainingAggregatableBudget: 65536,
		EventLevelActive:            true,
		AggregatableActive:          true,
	}
}

func insertSource(t *testing.T, s *Store, src *attribution.StoredSource) {
	t.Helper()
	require.NoError(t, s.InTransaction(context.Background(), func(tx *Tx) error {
		return tx.InsertSource(context.Background(), src)
	}))
	require.NotZero(t, src.ID)
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	s, path := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	require.NoError(t, s.Close())

	reopened, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer reopened.Close()

	sources, err := reopened.GetActiveSources(context.Background(), testutil.BaseTime, 0)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, src.ID, sources[0].ID)
}

func TestOpen_RazesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrib.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a sqlite database"), 0o644))

	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()

	sources, err := s.GetActiveSources(context.Background(), testutil.BaseTime, 0)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestOpen_RazesFutureSchemaVersion(t *testing.T) {
	s, path := openTestStore(t)
	insertSource(t, s, testSource(t))
	_, err := s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer reopened.Close()

	// The unrecognized version forced a reset; the old row is gone.
	sources, err := reopened.GetActiveSources(context.Background(), testutil.BaseTime, 0)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestSource_Roundtrip(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)

	sources, err := s.GetActiveSources(context.Background(), testutil.BaseTime, 0)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	got := sources[0]

	assert.Equal(t, src.SourceEventID, got.SourceEventID)
	assert.Equal(t, src.SourceOrigin, got.SourceOrigin)
	assert.ElementsMatch(t, src.Destinations, got.Destinations)
	assert.Equal(t, src.ReportingOrigin, got.ReportingOrigin)
	assert.Equal(t, src.SourceType, got.SourceType)
	assert.Equal(t, src.RegistrationTime, got.RegistrationTime)
	assert.Equal(t, src.ExpiryTime, got.ExpiryTime)
	assert.Equal(t, src.TriggerSpecs, got.TriggerSpecs)
	assert.Equal(t, src.MaxEventLevelReports, got.MaxEventLevelReports)
	assert.Equal(t, src.AggregationKeys, got.AggregationKeys)
	assert.Equal(t, src.FilterData, got.FilterData)
	assert.Equal(t, src.Priority, got.Priority)
	assert.Equal(t, src.AttributionLogic, got.AttributionLogic)
	assert.Equal(t, src.RandomizedResponseRate, got.RandomizedResponseRate)
	assert.Equal(t, src.RemainingAggregatableBudget, got.RemainingAggregatableBudget)
	assert.True(t, got.EventLevelActive)
	assert.True(t, got.AggregatableActive)
}

func TestInvalidRowsAreSkipped(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)

	// Corrupt the stored enum out from under the reader.
	_, err := s.db.Exec("UPDATE sources SET source_type = 'banner' WHERE id = ?", int64(src.ID))
	require.NoError(t, err)

	sources, err := s.GetActiveSources(context.Background(), testutil.BaseTime, 0)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestReports_Roundtrip(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	ctx := context.Background()

	eventTime := testutil.BaseTime.Add(time.Hour)
	event := &attribution.Report{
		ExternalID:        uuid.New(),
		SourceID:          src.ID,
		AttributionTime:   eventTime,
		ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
		ReportingOrigin:   src.ReportingOrigin,
		ReportTime:        testutil.BaseTime.Add(24 * time.Hour),
		InitialReportTime: testutil.BaseTime.Add(24 * time.Hour),
		Data: attribution.EventLevelData{
			SourceEventID:         src.SourceEventID,
			TriggerData:           2,
			Priority:              9,
			RandomizedTriggerRate: src.RandomizedResponseRate,
		},
	}
	agg := &attribution.Report{
		ExternalID:        uuid.New(),
		SourceID:          src.ID,
		AttributionTime:   eventTime,
		ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
		ReportingOrigin:   src.ReportingOrigin,
		ReportTime:        eventTime.Add(5 * time.Minute),
		InitialReportTime: eventTime.Add(5 * time.Minute),
		Data: attribution.AggregatableData{
			Contributions: []attribution.Contribution{{Key: attribution.AggregationKey{Lo: 0x559}, Value: 655}},
		},
	}
	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		if err := tx.InsertEventLevelReport(ctx, event); err != nil {
			return err
		}
		return tx.InsertAggregatableReport(ctx, agg)
	}))
	require.NotZero(t, event.ID)
	require.NotZero(t, agg.ID)

	reports, err := s.GetReports(ctx, testutil.BaseTime.Add(48*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byType := map[attribution.ReportType]attribution.Report{}
	for _, r := range reports {
		byType[r.Data.ReportType()] = r
	}

	gotEvent := byType[attribution.ReportTypeEventLevel]
	assert.Equal(t, event.ExternalID, gotEvent.ExternalID)
	assert.Equal(t, event.ReportTime, gotEvent.ReportTime)
	assert.Equal(t, attribution.EventLevelData{
		SourceEventID:         src.SourceEventID,
		TriggerData:           2,
		Priority:              9,
		RandomizedTriggerRate: src.RandomizedResponseRate,
	}, gotEvent.Data)

	gotAgg := byType[attribution.ReportTypeAggregatable]
	assert.Equal(t, agg.ExternalID, gotAgg.ExternalID)
	assert.Equal(t, agg.Data, gotAgg.Data)

	// Nothing is due before the earliest scheduled time.
	early, err := s.GetReports(ctx, eventTime, 0)
	require.NoError(t, err)
	assert.Empty(t, early)
}

func TestGetReports_LimitSpansBothKinds(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	ctx := context.Background()

	at := func(d time.Duration) time.Time { return testutil.BaseTime.Add(d) }
	eventReport := func(due time.Time) *attribution.Report {
		return &attribution.Report{
			ExternalID:        uuid.New(),
			SourceID:          src.ID,
			AttributionTime:   testutil.BaseTime,
			ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
			ReportingOrigin:   src.ReportingOrigin,
			ReportTime:        due,
			InitialReportTime: due,
			Data: attribution.EventLevelData{
				SourceEventID:         src.SourceEventID,
				TriggerData:           1,
				RandomizedTriggerRate: src.RandomizedResponseRate,
			},
		}
	}
	agg := &attribution.Report{
		ExternalID:        uuid.New(),
		SourceID:          src.ID,
		AttributionTime:   testutil.BaseTime,
		ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
		ReportingOrigin:   src.ReportingOrigin,
		ReportTime:        at(time.Hour),
		InitialReportTime: at(time.Hour),
		Data: attribution.AggregatableData{
			Contributions: []attribution.Contribution{{Key: attribution.AggregationKey{Lo: 0x559}, Value: 655}},
		},
	}
	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		if err := tx.InsertEventLevelReport(ctx, eventReport(at(24*time.Hour))); err != nil {
			return err
		}
		if err := tx.InsertEventLevelReport(ctx, eventReport(at(48*time.Hour))); err != nil {
			return err
		}
		return tx.InsertAggregatableReport(ctx, agg)
	}))

	// The limit picks the earliest-due reports across both kinds, so
	// an event-level backlog cannot crowd out aggregatable delivery.
	got, err := s.GetReports(ctx, at(72*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, attribution.ReportTypeAggregatable, got[0].Data.ReportType())
	assert.Equal(t, at(time.Hour), got[0].ReportTime)
	assert.Equal(t, attribution.ReportTypeEventLevel, got[1].Data.ReportType())
	assert.Equal(t, at(24*time.Hour), got[1].ReportTime)
}

func TestDedupKeys(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	ctx := context.Background()

	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		seen, err := tx.HasDedupKey(ctx, src.ID, attribution.ReportTypeEventLevel, 42)
		if err != nil {
			return err
		}
		assert.False(t, seen)
		if err := tx.InsertDedupKey(ctx, src.ID, attribution.ReportTypeEventLevel, 42); err != nil {
			return err
		}
		seen, err = tx.HasDedupKey(ctx, src.ID, attribution.ReportTypeEventLevel, 42)
		if err != nil {
			return err
		}
		assert.True(t, seen)

		// The same key under the other report type is independent.
		seen, err = tx.HasDedupKey(ctx, src.ID, attribution.ReportTypeAggregatable, 42)
		if err != nil {
			return err
		}
		assert.False(t, seen)
		return nil
	}))
}

func TestRateLimitQueries(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	ctx := context.Background()

	rec := ratelimit.Record{
		Scope:           ratelimit.ScopeEventAttribution,
		SourceID:        src.ID,
		SourceSite:      "impression.test",
		DestinationSite: "conversion.test",
		ReportingOrigin: src.ReportingOrigin,
		ReportingSite:   "reporter.test",
		Time:            testutil.BaseTime,
		ExpiryTime:      src.ExpiryTime,
	}
	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		return tx.InsertRateLimitRecord(ctx, rec)
	}))

	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		n, err := tx.CountAttributions(ctx, ratelimit.ScopeEventAttribution,
			"impression.test", "conversion.test", "reporter.test", testutil.BaseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// Outside the window the row does not count.
		n, err = tx.CountAttributions(ctx, ratelimit.ScopeEventAttribution,
			"impression.test", "conversion.test", "reporter.test", testutil.BaseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		// Different scope, no match.
		n, err = tx.CountAttributions(ctx, ratelimit.ScopeAggregatableAttribution,
			"impression.test", "conversion.test", "reporter.test", testutil.BaseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		distinct, present, err := tx.CountDistinctReportingOrigins(ctx, ratelimit.ScopeEventAttribution,
			"impression.test", "conversion.test", src.ReportingOrigin, testutil.BaseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, distinct)
		assert.True(t, present)

		distinct, present, err = tx.CountDistinctReportingOrigins(ctx, ratelimit.ScopeEventAttribution,
			"impression.test", "conversion.test", attribution.MustParseOrigin("https://stranger.test"), testutil.BaseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, distinct)
		assert.False(t, present)
		return nil
	}))
}

func TestDeleteExpiredSources_KeepsPendingReports(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	withReport := testSource(t)
	insertSource(t, s, withReport)
	bare := testSource(t)
	bare.SourceEventID = 8
	insertSource(t, s, bare)

	report := &attribution.Report{
		ExternalID:        uuid.New(),
		SourceID:          withReport.ID,
		AttributionTime:   testutil.BaseTime,
		ContextOrigin:     attribution.MustParseOrigin("https://conversion.test"),
		ReportingOrigin:   withReport.ReportingOrigin,
		ReportTime:        testutil.BaseTime.Add(time.Hour),
		InitialReportTime: testutil.BaseTime.Add(time.Hour),
		Data:              attribution.EventLevelData{TriggerData: 1},
	}
	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		return tx.InsertEventLevelReport(ctx, report)
	}))

	afterExpiry := withReport.ExpiryTime.Add(time.Hour)
	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		n, err := tx.DeleteExpiredSources(ctx, afterExpiry)
		require.NoError(t, err)
		// Only the source without a pending report is deleted.
		assert.Equal(t, int64(1), n)
		return nil
	}))

	reports, err := s.GetReports(ctx, afterExpiry, 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestClearAll(t *testing.T) {
	s, _ := openTestStore(t)
	src := testSource(t)
	insertSource(t, s, src)
	ctx := context.Background()

	require.NoError(t, s.InTransaction(ctx, func(tx *Tx) error {
		return tx.ClearData(ctx, time.Time{}, time.Time{}, nil, true)
	}))

	sources, err := s.GetActiveSources(ctx, testutil.BaseTime, 0)
	require.NoError(t, err)
	assert.Empty(t, sources)

	keys, err := s.GetAllDataKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
