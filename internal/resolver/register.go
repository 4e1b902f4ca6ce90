package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/noise"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
	"github.com/halcyonlabs/attrib/internal/store"
)

// StoreSource registers a source. The returned error is non-nil only
// for StoreSourceInternalError; every other status is terminal and the
// same input must not be retried.
//
// The checks preceding the rate limits run in a fixed order: structural
// validation, noise derivation, per-origin capacity, per-site limits,
// destination deactivation. The global destination limit and the
// reporting-origin rate limit run last, just before commit, so a
// cross-site limit can never be inferred from which earlier check
// fired.
func (r *Resolver) StoreSource(ctx context.Context, src *attribution.StorableSource) (StoreSourceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if src.RegistrationTime.IsZero() {
		src.RegistrationTime = now
	}
	res := StoreSourceResult{Status: StoreSourceInternalError, SourceTime: src.RegistrationTime}

	finish := func(status StoreSourceStatus, limit *float64) (StoreSourceResult, error) {
		res.Status = status
		res.Limit = limit
		r.metrics.recordSource(status)
		r.log.Debug("source registration",
			"status", string(status),
			"source_site", string(src.SourceSite()),
			"reporting_origin", string(src.ReportingOrigin))
		return res, nil
	}

	if err := r.normalizeSource(src); err != nil {
		return finish(StoreSourceInvalidRegistration, nil)
	}
	if len(src.Destinations) > r.cfg.MaxDestinationsPerSource {
		return finish(StoreSourceInvalidRegistration, limitPtr(float64(r.cfg.MaxDestinationsPerSource)))
	}
	if len(src.TriggerSpecs) > 1 {
		return finish(StoreSourceMultipleTriggerSpecs, limitPtr(1))
	}

	resp, err := noise.Do(r.rng, src.TriggerSpec(), src.MaxEventLevelReports, r.cfg.NoiseParams(src.SourceType))
	if err != nil {
		var cce *noise.ChannelCapacityError
		if errors.As(err, &cce) {
			return finish(StoreSourceExceedsChannelCapacity, limitPtr(cce.MaxBits))
		}
		if noise.IsCardinalityError(err) {
			return finish(StoreSourceExceedsTriggerStateCardinality, limitPtr(float64(r.cfg.MaxTriggerStates)))
		}
		return res, fmt.Errorf("randomized response: %w", err)
	}
	res.IsNoised = resp.Noised

	r.deleteExpiredSources(ctx, now)

	stored := &attribution.StoredSource{
		StorableSource:              *src,
		AttributionLogic:            resp.Logic(),
		RandomizedResponseRate:      resp.Rate,
		RemainingAggregatableBudget: r.cfg.AggregatableBudgetPerSource,
		EventLevelActive:            true,
		AggregatableActive:          true,
	}

	var status StoreSourceStatus
	err = r.store.InTransaction(ctx, func(tx *store.Tx) error {
		if err := r.churnSourceCapacity(ctx, tx, src, now); err != nil {
			return err
		}

		distinct, present, err := tx.CountSourceReportingOrigins(ctx, src.SourceSite(), src.ReportingSite(), src.ReportingOrigin, now)
		if err != nil {
			return err
		}
		if !present && distinct >= r.cfg.MaxReportingOriginsPerSite {
			res.Limit = limitPtr(float64(r.cfg.MaxReportingOriginsPerSite))
			return abort(StoreSourceReportingOriginsPerSiteLimitReached)
		}

		ok, err := r.ledger.CheckDestinationReportingLimit(ctx, tx, src.SourceSite(), src.ReportingSite(), src.Destinations, now)
		if err != nil {
			return err
		}
		if !ok {
			res.Limit = limitPtr(float64(r.cfg.MaxDestinationsPerReportingSite))
			globalOK, err := r.ledger.CheckDestinationGlobalLimit(ctx, tx, src.SourceSite(), src.Destinations, now)
			if err != nil {
				return err
			}
			if !globalOK {
				return abort(StoreSourceDestinationBothLimitsReached)
			}
			return abort(StoreSourceDestinationReportingLimitReached)
		}

		active, err := tx.ActiveSourcesForDestinationLimit(ctx, src.SourceSite(), src.ReportingSite(), now)
		if err != nil {
			return err
		}
		deactivate, fits := destinationDeactivations(active, src.Destinations, src.DestinationLimitPriority, r.cfg.MaxDistinctDestinations)
		if !fits {
			res.Limit = limitPtr(float64(r.cfg.MaxDistinctDestinations))
			return abort(StoreSourceInsufficientUniqueDestinationCapacity)
		}
		if err := tx.DeactivateSources(ctx, deactivate); err != nil {
			return err
		}

		if err := tx.InsertSource(ctx, stored); err != nil {
			return err
		}
		if stored.AttributionLogic == attribution.LogicFalselyAttributed {
			minTime, err := r.storeFakeReports(ctx, tx, stored, resp)
			if err != nil {
				return err
			}
			res.MinFakeReportTime = &minTime
		}

		// Cross-site limits run last so their outcome cannot be
		// distinguished from a commit-time failure by check order.
		globalOK, err := r.ledger.CheckDestinationGlobalLimit(ctx, tx, src.SourceSite(), src.Destinations, now)
		if err != nil {
			return err
		}
		if !globalOK {
			res.Limit = limitPtr(float64(r.cfg.MaxDestinationsTotal))
			return abort(StoreSourceDestinationGlobalLimitReached)
		}
		originOK, err := r.ledger.AllowRegistrationReportingOrigin(ctx, tx, src.SourceSite(), src.ReportingOrigin, now)
		if err != nil {
			return err
		}
		if !originOK {
			res.Limit = limitPtr(float64(r.cfg.MaxRegistrationReportingOrigins))
			return abort(StoreSourceExcessiveReportingOrigins)
		}

		for _, rec := range ratelimit.RegistrationRecord(stored) {
			if err := tx.InsertRateLimitRecord(ctx, rec); err != nil {
				return err
			}
		}
		if stored.AttributionLogic == attribution.LogicFalselyAttributed {
			// One attribution-scope entry covers the whole fake
			// episode, keyed to the first destination.
			rec := ratelimit.AttributionRecord(ratelimit.ScopeEventAttribution, stored, stored.Destinations[0], stored.RegistrationTime)
			if err := tx.InsertRateLimitRecord(ctx, rec); err != nil {
				return err
			}
		}

		if resp.Noised {
			status = StoreSourceSuccessNoised
		} else {
			status = StoreSourceSuccess
		}
		return nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return finish(se.status.(StoreSourceStatus), res.Limit)
		}
		r.metrics.recordSource(StoreSourceInternalError)
		return res, err
	}
	return finish(status, res.Limit)
}

// normalizeSource validates the candidate and fills derived defaults:
// sorted deduplicated destinations, the source-type default trigger
// spec when none was registered, and the default report cap.
func (r *Resolver) normalizeSource(src *attribution.StorableSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	slices.Sort(src.Destinations)
	src.Destinations = slices.Compact(src.Destinations)

	if src.MaxEventLevelReports == 0 {
		src.MaxEventLevelReports = r.cfg.MaxEventLevelReports(src.SourceType)
	}
	if len(src.TriggerSpecs) == 0 {
		spec, err := r.defaultTriggerSpec(src)
		if err != nil {
			return err
		}
		src.TriggerSpecs = []attribution.TriggerDataSpec{spec}
	}
	return nil
}

func (r *Resolver) defaultTriggerSpec(src *attribution.StorableSource) (attribution.TriggerDataSpec, error) {
	cardinality := r.cfg.DefaultTriggerDataCardinality(src.SourceType)
	values := make([]uint64, cardinality)
	for i := range values {
		values[i] = uint64(i)
	}
	end := src.EventReportWindowTime
	if end.IsZero() {
		end = src.ExpiryTime
	}
	return attribution.NewTriggerDataSpec(attribution.MatchingModulus, values, 0,
		[]time.Duration{end.Sub(src.RegistrationTime)})
}

// churnSourceCapacity enforces the per-origin source cap by deleting
// the globally-oldest source for the origin until the newcomer fits. A
// cap of zero admits nothing.
func (r *Resolver) churnSourceCapacity(ctx context.Context, tx *store.Tx, src *attribution.StorableSource, now time.Time) error {
	if r.cfg.MaxSourcesPerOrigin <= 0 {
		return abort(StoreSourceInsufficientSourceCapacity)
	}
	count, err := tx.CountSourcesForOrigin(ctx, src.SourceOrigin, now)
	if err != nil {
		return err
	}
	for ; count >= r.cfg.MaxSourcesPerOrigin; count-- {
		if err := tx.DeleteOldestSourceForOrigin(ctx, src.SourceOrigin); err != nil {
			return err
		}
	}
	return nil
}

// storeFakeReports materializes the committed fake output of a
// falsely-attributed source. Fake reports carry the source origin as
// their context: there was no real conversion, so no destination may
// be named.
func (r *Resolver) storeFakeReports(ctx context.Context, tx *store.Tx, src *attribution.StoredSource, resp noise.Response) (time.Time, error) {
	spec := src.TriggerSpec()
	var minTime time.Time
	for _, fake := range resp.FakeReports {
		reportTime := spec.ReportTimeForWindow(src.RegistrationTime, fake.WindowIndex)
		report := &attribution.Report{
			ExternalID:        uuid.New(),
			SourceID:          src.ID,
			AttributionTime:   src.RegistrationTime,
			ContextOrigin:     src.SourceOrigin,
			ReportingOrigin:   src.ReportingOrigin,
			ReportTime:        reportTime,
			InitialReportTime: reportTime,
			Data: attribution.EventLevelData{
				SourceEventID:         src.SourceEventID,
				TriggerData:           fake.TriggerData,
				RandomizedTriggerRate: src.RandomizedResponseRate,
			},
		}
		if err := tx.InsertEventLevelReport(ctx, report); err != nil {
			return time.Time{}, err
		}
		if minTime.IsZero() || reportTime.Before(minTime) {
			minTime = reportTime
		}
	}
	return minTime, nil
}

// destinationDeactivations ranks the newcomer among the active sources
// by (destination limit priority, registration time, recency) and
// keeps destinations from the top of the ranking until the distinct
// cap is reached. Sources below the cut are deactivated; a newcomer
// below the cut is rejected instead.
func destinationDeactivations(active []store.DestinationSource, newDests []attribution.Site, newPriority int64, limit int) ([]attribution.SourceID, bool) {
	distinct := make(map[attribution.Site]struct{})
	for _, s := range active {
		for _, d := range s.Destinations {
			distinct[d] = struct{}{}
		}
	}
	for _, d := range newDests {
		distinct[d] = struct{}{}
	}
	if len(distinct) <= limit {
		return nil, true
	}

	// active is ordered lowest-ranked first; the newcomer is newest,
	// so among equal priorities it ranks above every existing source.
	kept := make(map[attribution.Site]struct{})
	newcomerKept := false
	cut := len(active)
	addAll := func(dests []attribution.Site) bool {
		added := make([]attribution.Site, 0, len(dests))
		for _, d := range dests {
			if _, ok := kept[d]; !ok {
				added = append(added, d)
			}
		}
		if len(kept)+len(added) > limit {
			return false
		}
		for _, d := range added {
			kept[d] = struct{}{}
		}
		return true
	}

	i := len(active)
	for !newcomerKept || i > 0 {
		pickNew := !newcomerKept && (i == 0 || rankBelow(active[i-1], newPriority))
		if pickNew {
			if !addAll(newDests) {
				return nil, false
			}
			newcomerKept = true
			continue
		}
		i--
		if !addAll(active[i].Destinations) {
			cut = i + 1
			break
		}
	}
	// The break can fire before the newcomer was ranked in when the
	// stored active set already exceeds the cap (a limit lowered
	// between runs). Everything below the cut is rejected, the
	// newcomer included.
	if !newcomerKept {
		return nil, false
	}

	var ids []attribution.SourceID
	for _, s := range active[:cut] {
		ids = append(ids, s.ID)
	}
	return ids, true
}

// rankBelow reports whether the existing source ranks below a newcomer
// with the given destination limit priority.
func rankBelow(s store.DestinationSource, newPriority int64) bool {
	return s.DestinationLimitPriority <= newPriority
}

func limitPtr(v float64) *float64 { return &v }
