package resolver

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/policy"
	"github.com/halcyonlabs/attrib/internal/store"
	"github.com/halcyonlabs/attrib/internal/testutil"
)

type harness struct {
	resolver *Resolver
	store    *store.Store
	clock    *testutil.ManualClock
	cfg      policy.Config
}

func newHarness(t *testing.T, mutate func(*policy.Config)) *harness {
	t.Helper()

	cfg := policy.Default()
	// Epsilon this high makes the flip rate vanish below float
	// granularity, so registrations stay truthful and deterministic.
	cfg.RandomizedResponseEpsilon = 50
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "attrib.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewManualClock(testutil.BaseTime)
	r := New(st, cfg, log,
		WithClock(clock),
		WithRand(rand.New(rand.NewSource(1))))
	return &harness{resolver: r, store: st, clock: clock, cfg: cfg}
}

func (h *harness) register(t *testing.T, src *attribution.StorableSource) StoreSourceResult {
	t.Helper()
	res, err := h.resolver.StoreSource(context.Background(), src)
	require.NoError(t, err)
	return res
}

func (h *harness) activeSources(t *testing.T) []attribution.StoredSource {
	t.Helper()
	sources, err := h.resolver.GetActiveSources(context.Background(), 0)
	require.NoError(t, err)
	return sources
}

func (h *harness) reports(t *testing.T) []attribution.Report {
	t.Helper()
	reports, err := h.resolver.GetAttributionReports(context.Background(), testutil.BaseTime.Add(365*24*time.Hour), 0)
	require.NoError(t, err)
	return reports
}

func TestStoreSource_Success(t *testing.T) {
	h := newHarness(t, nil)

	src := testutil.NewSource().Build()
	res := h.register(t, src)

	assert.Equal(t, StoreSourceSuccess, res.Status)
	assert.False(t, res.IsNoised)
	assert.Equal(t, testutil.BaseTime, res.SourceTime)

	sources := h.activeSources(t)
	require.Len(t, sources, 1)
	assert.Equal(t, attribution.LogicTruthful, sources[0].AttributionLogic)
	assert.Equal(t, uint64(7), sources[0].SourceEventID)
	assert.True(t, sources[0].EventLevelActive)
	assert.True(t, sources[0].AggregatableActive)

	// A truthful source produces nothing until a trigger resolves.
	assert.Empty(t, h.reports(t))
}

func TestStoreSource_DerivesDefaults(t *testing.T) {
	h := newHarness(t, nil)

	h.register(t, testutil.NewSource().Build())
	nav := h.activeSources(t)[0]
	assert.Equal(t, h.cfg.MaxEventLevelReportsNavigation, nav.MaxEventLevelReports)
	require.Len(t, nav.TriggerSpecs, 1)
	assert.Equal(t, h.cfg.DefaultTriggerDataCardinalityNavigation, nav.TriggerSpecs[0].Cardinality())

	h.register(t, testutil.NewSource().
		Origin("https://impression2.test").
		Type(attribution.SourceTypeEvent).
		Build())
	for _, s := range h.activeSources(t) {
		if s.SourceType != attribution.SourceTypeEvent {
			continue
		}
		assert.Equal(t, h.cfg.MaxEventLevelReportsEvent, s.MaxEventLevelReports)
		assert.Equal(t, h.cfg.DefaultTriggerDataCardinalityEvent, s.TriggerSpecs[0].Cardinality())
	}
}

func TestStoreSource_InvalidRegistration(t *testing.T) {
	h := newHarness(t, nil)

	noDest := testutil.NewSource().Destination().Build()
	assert.Equal(t, StoreSourceInvalidRegistration, h.register(t, noDest).Status)

	expired := testutil.NewSource().ExpiresAt(testutil.BaseTime.Add(-time.Hour)).Build()
	assert.Equal(t, StoreSourceInvalidRegistration, h.register(t, expired).Status)

	tooMany := testutil.NewSource().
		Destination("a.test", "b.test", "c.test", "d.test").
		Build()
	res := h.register(t, tooMany)
	assert.Equal(t, StoreSourceInvalidRegistration, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, float64(h.cfg.MaxDestinationsPerSource), *res.Limit)

	assert.Empty(t, h.activeSources(t))
}

func TestStoreSource_MultipleTriggerSpecs(t *testing.T) {
	h := newHarness(t, nil)

	spec, err := attribution.NewTriggerDataSpec(attribution.MatchingModulus, []uint64{0, 1}, 0, []time.Duration{time.Hour})
	require.NoError(t, err)
	src := testutil.NewSource().TriggerSpecs(spec, spec).Build()

	assert.Equal(t, StoreSourceMultipleTriggerSpecs, h.register(t, src).Status)
}

func TestStoreSource_ExceedsChannelCapacity(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxChannelCapacityNavigation = 1.0
	})

	res := h.register(t, testutil.NewSource().Build())
	assert.Equal(t, StoreSourceExceedsChannelCapacity, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 1.0, *res.Limit)
}

func TestStoreSource_ExceedsTriggerStateCardinality(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxTriggerStates = 5
	})

	res := h.register(t, testutil.NewSource().Build())
	assert.Equal(t, StoreSourceExceedsTriggerStateCardinality, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 5.0, *res.Limit)
}

func TestStoreSource_CapacityChurn(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxSourcesPerOrigin = 2
	})

	for i := 0; i < 10; i++ {
		src := testutil.NewSource().EventID(uint64(i)).Build()
		res := h.register(t, src)
		require.Equal(t, StoreSourceSuccess, res.Status, "registration %d", i)

		sources := h.activeSources(t)
		require.LessOrEqual(t, len(sources), 2, "registration %d", i)
		h.clock.Advance(time.Minute)
	}

	// The oldest source is evicted on each overflowing registration, so
	// only the two newest survive.
	sources := h.activeSources(t)
	require.Len(t, sources, 2)
	ids := []uint64{sources[0].SourceEventID, sources[1].SourceEventID}
	assert.ElementsMatch(t, []uint64{8, 9}, ids)
}

func TestStoreSource_ReportingOriginsPerSiteLimit(t *testing.T) {
	h := newHarness(t, nil) // MaxReportingOriginsPerSite defaults to 1

	first := testutil.NewSource().Reporting("https://a.reporter.test").Build()
	require.Equal(t, StoreSourceSuccess, h.register(t, first).Status)

	// Same registration, same reporting site, different origin.
	second := testutil.NewSource().Reporting("https://b.reporter.test").Build()
	res := h.register(t, second)
	assert.Equal(t, StoreSourceReportingOriginsPerSiteLimitReached, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, float64(h.cfg.MaxReportingOriginsPerSite), *res.Limit)

	// The origin already counted stays admitted.
	again := testutil.NewSource().Reporting("https://a.reporter.test").Build()
	assert.Equal(t, StoreSourceSuccess, h.register(t, again).Status)
}

func TestStoreSource_DestinationReportingLimit(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxDestinationsPerReportingSite = 1
	})

	require.Equal(t, StoreSourceSuccess, h.register(t, testutil.NewSource().Destination("a.test").Build()).Status)

	res := h.register(t, testutil.NewSource().Destination("b.test").Build())
	assert.Equal(t, StoreSourceDestinationReportingLimitReached, res.Status)

	// Outside the destination window the counter has moved on.
	h.clock.Advance(h.cfg.DestinationWindow + time.Second)
	late := testutil.NewSource().Destination("b.test").RegisteredAt(h.clock.Now()).Build()
	assert.Equal(t, StoreSourceSuccess, h.register(t, late).Status)
}

func TestStoreSource_DestinationBothLimits(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxDestinationsPerReportingSite = 1
		cfg.MaxDestinationsTotal = 1
	})

	require.Equal(t, StoreSourceSuccess, h.register(t, testutil.NewSource().Destination("a.test").Build()).Status)

	res := h.register(t, testutil.NewSource().Destination("b.test").Build())
	assert.Equal(t, StoreSourceDestinationBothLimitsReached, res.Status)
}

func TestStoreSource_DestinationGlobalLimit(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxDestinationsTotal = 1
	})

	first := testutil.NewSource().Destination("a.test").Reporting("https://r1.test").Build()
	require.Equal(t, StoreSourceSuccess, h.register(t, first).Status)

	// A different reporting site passes its own per-site limit but
	// trips the cross-site cap, which is checked last.
	second := testutil.NewSource().Destination("b.test").Reporting("https://r2.test").Build()
	res := h.register(t, second)
	assert.Equal(t, StoreSourceDestinationGlobalLimitReached, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 1.0, *res.Limit)
}

func TestStoreSource_ExcessiveReportingOrigins(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxRegistrationReportingOrigins = 1
	})

	require.Equal(t, StoreSourceSuccess, h.register(t, testutil.NewSource().Reporting("https://r1.test").Build()).Status)

	res := h.register(t, testutil.NewSource().Reporting("https://r2.test").Build())
	assert.Equal(t, StoreSourceExcessiveReportingOrigins, res.Status)
}

func TestStoreSource_DestinationDeactivation(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxDistinctDestinations = 2
	})

	h.register(t, testutil.NewSource().EventID(1).Destination("a.test").Build())
	h.clock.Advance(time.Minute)
	h.register(t, testutil.NewSource().EventID(2).Destination("b.test").RegisteredAt(h.clock.Now()).Build())
	h.clock.Advance(time.Minute)

	res := h.register(t, testutil.NewSource().EventID(3).
		Destination("c.test").
		DestinationLimitPriority(1).
		RegisteredAt(h.clock.Now()).
		Build())
	require.Equal(t, StoreSourceSuccess, res.Status)

	// The newcomer outranks both zero-priority sources; the oldest one
	// falls below the distinct-destination cut and is deactivated.
	var ids []uint64
	for _, s := range h.activeSources(t) {
		ids = append(ids, s.SourceEventID)
	}
	assert.ElementsMatch(t, []uint64{2, 3}, ids)
}

func TestDestinationDeactivations_OverfullActiveSet(t *testing.T) {
	// A limit lowered between runs leaves the stored active set past
	// the cap on its own. The keep walk then fills up before the
	// newcomer has been ranked in; it must be rejected, not admitted
	// uncounted.
	active := []store.DestinationSource{
		{ID: 1, Destinations: []attribution.Site{"a.test"}},
		{ID: 2, Destinations: []attribution.Site{"b.test"}},
		{ID: 3, Destinations: []attribution.Site{"c.test"}},
	}

	ids, ok := destinationDeactivations(active, []attribution.Site{"d.test"}, -1, 2)
	assert.False(t, ok)
	assert.Nil(t, ids)

	// Ranked above the stale sources instead, the newcomer is admitted
	// and the overflow is shed from the bottom of the ranking.
	ids, ok = destinationDeactivations(active, []attribution.Site{"d.test"}, 1, 2)
	assert.True(t, ok)
	assert.ElementsMatch(t, []attribution.SourceID{1, 2}, ids)
}

func TestStoreSource_InsufficientUniqueDestinationCapacity(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		cfg.MaxDistinctDestinations = 2
	})

	h.register(t, testutil.NewSource().EventID(1).Destination("a.test").Build())
	h.register(t, testutil.NewSource().EventID(2).Destination("b.test").Build())

	res := h.register(t, testutil.NewSource().EventID(3).
		Destination("c.test").
		DestinationLimitPriority(-1).
		Build())
	assert.Equal(t, StoreSourceInsufficientUniqueDestinationCapacity, res.Status)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 2.0, *res.Limit)

	var ids []uint64
	for _, s := range h.activeSources(t) {
		ids = append(ids, s.SourceEventID)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, ids)
}

func TestStoreSource_Noised(t *testing.T) {
	h := newHarness(t, func(cfg *policy.Config) {
		// Epsilon near zero forces the randomized response to replace
		// the truthful output.
		cfg.RandomizedResponseEpsilon = 1e-9
	})

	src := testutil.NewSource().Build()
	res := h.register(t, src)
	require.Equal(t, StoreSourceSuccessNoised, res.Status)
	assert.True(t, res.IsNoised)

	sources := h.activeSources(t)
	require.Len(t, sources, 1)
	assert.NotEqual(t, attribution.LogicTruthful, sources[0].AttributionLogic)

	// The committed fake output exists immediately and names the
	// source origin, never a destination.
	committed := h.reports(t)
	for _, report := range committed {
		assert.Equal(t, src.SourceOrigin, report.ContextOrigin)
		data, ok := report.Data.(attribution.EventLevelData)
		require.True(t, ok)
		assert.Equal(t, src.SourceEventID, data.SourceEventID)
	}
	if res.MinFakeReportTime != nil {
		assert.True(t, res.MinFakeReportTime.After(testutil.BaseTime))
		require.NotEmpty(t, committed)
	}

	// Real triggers neither add nor remove anything.
	trig, err := h.resolver.MaybeCreateAndStoreReport(context.Background(), testutil.NewTrigger().Build())
	require.NoError(t, err)
	assert.Equal(t, EventLevelFalselyAttributedSource, trig.EventLevel)
	assert.Len(t, h.reports(t), len(committed))
}
