package resolver

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/attrib/internal/policy"
	"github.com/halcyonlabs/attrib/internal/store"
	"github.com/halcyonlabs/attrib/internal/testutil"
)

func TestMetricsCounters(t *testing.T) {
	cfg := policy.Default()
	cfg.RandomizedResponseEpsilon = 50

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "attrib.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	r := New(st, cfg, log,
		WithClock(testutil.NewManualClock(testutil.BaseTime)),
		WithRand(rand.New(rand.NewSource(1))),
		WithMetrics(reg))
	ctx := context.Background()

	_, err = r.StoreSource(ctx, testutil.NewSource().Build())
	require.NoError(t, err)
	_, err = r.MaybeCreateAndStoreReport(ctx, testutil.NewTrigger().Build())
	require.NoError(t, err)
	_, err = r.MaybeCreateAndStoreReport(ctx, testutil.NewTrigger().Destination("https://elsewhere.test").Build())
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(
		r.metrics.sourcesStored.WithLabelValues(string(StoreSourceSuccess))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(
		r.metrics.eventLevelOutcomes.WithLabelValues(string(EventLevelSuccess))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(
		r.metrics.eventLevelOutcomes.WithLabelValues(string(EventLevelNoMatchingImpressions))))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(
		r.metrics.aggregatableOutcomes.WithLabelValues(string(AggregatableNoMatchingImpressions))))

	reports, err := r.GetAttributionReports(ctx, testutil.BaseTime.AddDate(1, 0, 0), 0)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	require.NoError(t, r.DeleteReport(ctx, reports[0].Key()))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(r.metrics.reportsDelivered))
}
