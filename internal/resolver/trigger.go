package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
	"github.com/halcyonlabs/attrib/internal/store"
)

// MaybeCreateAndStoreReport resolves a trigger against the stored
// sources. The event-level and aggregatable halves resolve
// independently against the same matched source; a terminal rejection
// of one never blocks the other. The returned error is non-nil only
// when both halves are internal errors; nothing is partially
// committed in that case.
func (r *Resolver) MaybeCreateAndStoreReport(ctx context.Context, trigger *attribution.Trigger) (CreateReportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if trigger.Time.IsZero() {
		trigger.Time = r.clock.Now()
	}
	res := CreateReportResult{
		EventLevel:   EventLevelInternalError,
		Aggregatable: AggregatableInternalError,
	}

	err := r.store.InTransaction(ctx, func(tx *store.Tx) error {
		sources, err := tx.GetMatchingSources(ctx, trigger.DestinationSite(), trigger.ReportingOrigin, trigger.Time)
		if err != nil {
			return err
		}
		source := matchSource(sources, trigger)
		if source == nil {
			res.EventLevel = EventLevelNoMatchingImpressions
			res.Aggregatable = AggregatableNoMatchingImpressions
			return nil
		}

		if err := r.resolveEventLevel(ctx, tx, trigger, source, &res); err != nil {
			return err
		}
		return r.resolveAggregatable(ctx, tx, trigger, source, &res)
	})
	if err != nil {
		res.EventLevel = EventLevelInternalError
		res.Aggregatable = AggregatableInternalError
		res.NewEventLevelReport = nil
		res.NewAggregatableReport = nil
		res.ReplacedReport = nil
		return res, err
	}

	r.metrics.recordTrigger(res)
	r.log.Debug("trigger resolution",
		"event_level", string(res.EventLevel),
		"aggregatable", string(res.Aggregatable),
		"destination_site", string(trigger.DestinationSite()))
	return res, nil
}

// matchSource picks the attributed source: the highest-priority, most
// recently registered active source whose filter data passes the
// trigger's top-level filters. A filter mismatch excludes the source
// from matching entirely, letting an older source win.
func matchSource(sources []attribution.StoredSource, trigger *attribution.Trigger) *attribution.StoredSource {
	for i := range sources {
		s := &sources[i]
		if trigger.Filters.IsEmpty() || trigger.Filters.Matches(s.FilterData, s.SourceType) {
			return s
		}
	}
	return nil
}

// resolveEventLevel runs the event-level half. Eligibility checks run
// first, the two shared rate limits strictly last; only after every
// check passes does it mutate.
func (r *Resolver) resolveEventLevel(ctx context.Context, tx *store.Tx, trigger *attribution.Trigger, source *attribution.StoredSource, res *CreateReportResult) error {
	if len(trigger.EventTriggers) == 0 {
		res.EventLevel = EventLevelNotRegistered
		return nil
	}
	if !source.EventLevelActive {
		res.EventLevel = EventLevelExcessiveAttributions
		return nil
	}
	if source.AttributionLogic != attribution.LogicTruthful {
		// The source committed to its fake output at registration;
		// real conversions neither add nor remove event-level reports.
		res.EventLevel = EventLevelFalselyAttributedSource
		return nil
	}

	event := matchEventTrigger(trigger.EventTriggers, source)
	if event == nil {
		res.EventLevel = EventLevelNoMatchingSourceFilterData
		return nil
	}

	spec := source.TriggerSpec()
	triggerData, ok := spec.MatchValue(event.Data)
	if !ok {
		res.EventLevel = EventLevelNoMatchingTriggerData
		return nil
	}
	window, wr := spec.WindowAt(source.RegistrationTime, trigger.Time)
	switch wr {
	case attribution.WindowNotStarted:
		res.EventLevel = EventLevelReportWindowNotStarted
		return nil
	case attribution.WindowPassed:
		res.EventLevel = EventLevelReportWindowPassed
		return nil
	case attribution.WindowOpen:
	}

	if event.DedupKey != nil {
		seen, err := tx.HasDedupKey(ctx, source.ID, attribution.ReportTypeEventLevel, *event.DedupKey)
		if err != nil {
			return err
		}
		if seen {
			res.EventLevel = EventLevelDeduplicated
			return nil
		}
	}

	report := &attribution.Report{
		ExternalID:      uuid.New(),
		SourceID:        source.ID,
		AttributionTime: trigger.Time,
		ContextOrigin:   trigger.DestinationOrigin,
		ReportingOrigin: trigger.ReportingOrigin,
		DebugKey:        trigger.DebugKey,
		Data: attribution.EventLevelData{
			SourceEventID:         source.SourceEventID,
			TriggerData:           triggerData,
			Priority:              event.Priority,
			RandomizedTriggerRate: source.RandomizedResponseRate,
		},
	}
	reportTime := spec.ReportTimeForWindow(source.RegistrationTime, window)
	report.ReportTime = reportTime
	report.InitialReportTime = reportTime

	var replaced *attribution.Report
	count, err := tx.CountEventLevelReports(ctx, source.ID)
	if err != nil {
		return err
	}
	if count >= source.MaxEventLevelReports {
		lowest, err := tx.LowestPriorityEventLevelReport(ctx, source.ID)
		if err != nil {
			return err
		}
		// A zero cap leaves nothing to replace; the report is dropped
		// outright.
		if lowest == nil || event.Priority <= lowest.Data.(attribution.EventLevelData).Priority {
			res.EventLevel = EventLevelPriorityTooLow
			res.DroppedReport = report
			return nil
		}
		replaced = lowest
	}

	allowed, err := r.ledger.AllowAttribution(ctx, tx, ratelimit.ScopeEventAttribution,
		source.SourceSite(), trigger.DestinationSite(), trigger.ReportingSite(), trigger.Time)
	if err != nil {
		return err
	}
	if !allowed {
		res.EventLevel = EventLevelExcessiveAttributions
		return nil
	}
	allowed, err = r.ledger.AllowAttributionReportingOrigin(ctx, tx, ratelimit.ScopeEventAttribution,
		source.SourceSite(), trigger.DestinationSite(), trigger.ReportingOrigin, trigger.Time)
	if err != nil {
		return err
	}
	if !allowed {
		res.EventLevel = EventLevelExcessiveReportingOrigins
		return nil
	}

	if replaced != nil {
		if _, err := tx.DeleteReport(ctx, replaced.Key()); err != nil {
			return err
		}
	}
	if err := tx.InsertEventLevelReport(ctx, report); err != nil {
		return err
	}
	if event.DedupKey != nil {
		if err := tx.InsertDedupKey(ctx, source.ID, attribution.ReportTypeEventLevel, *event.DedupKey); err != nil {
			return err
		}
	}
	if err := tx.RecordAttribution(ctx, source.ID); err != nil {
		return err
	}
	rec := ratelimit.AttributionRecord(ratelimit.ScopeEventAttribution, source, trigger.DestinationSite(), trigger.Time)
	if err := tx.InsertRateLimitRecord(ctx, rec); err != nil {
		return err
	}

	res.NewEventLevelReport = report
	if replaced != nil {
		res.ReplacedReport = replaced
		res.EventLevel = EventLevelSuccessDroppedLowerPriority
	} else {
		res.EventLevel = EventLevelSuccess
	}
	return nil
}

// matchEventTrigger picks the first event-level candidate whose
// filters match the source.
func matchEventTrigger(candidates []attribution.EventTriggerData, source *attribution.StoredSource) *attribution.EventTriggerData {
	for i := range candidates {
		c := &candidates[i]
		if c.Filters.IsEmpty() || c.Filters.Matches(source.FilterData, source.SourceType) {
			return c
		}
	}
	return nil
}

// resolveAggregatable runs the aggregatable half against the same
// matched source.
func (r *Resolver) resolveAggregatable(ctx context.Context, tx *store.Tx, trigger *attribution.Trigger, source *attribution.StoredSource, res *CreateReportResult) error {
	if len(trigger.AggregatableTriggers) == 0 && len(trigger.AggregatableValues) == 0 {
		res.Aggregatable = AggregatableNotRegistered
		return nil
	}
	if !source.AggregatableActive {
		res.Aggregatable = AggregatableExcessiveReports
		return nil
	}

	window := source.AggregatableReportWindowTime
	if window.IsZero() {
		window = source.ExpiryTime
	}
	if !trigger.Time.Before(window) {
		res.Aggregatable = AggregatableReportWindowPassed
		return nil
	}

	contributions, filtered := aggregatableContributions(trigger, source)
	if filtered {
		res.Aggregatable = AggregatableNoMatchingSourceFilterData
		return nil
	}
	if len(contributions) == 0 {
		res.Aggregatable = AggregatableNoHistograms
		return nil
	}

	if trigger.AggregatableDedupKey != nil {
		seen, err := tx.HasDedupKey(ctx, source.ID, attribution.ReportTypeAggregatable, *trigger.AggregatableDedupKey)
		if err != nil {
			return err
		}
		if seen {
			res.Aggregatable = AggregatableDeduplicated
			return nil
		}
	}

	if source.NumAggregatableReports >= r.cfg.MaxAggregatableReportsPerSource {
		res.Aggregatable = AggregatableExcessiveReports
		return nil
	}
	var total int64
	for _, c := range contributions {
		total += int64(c.Value)
	}
	if total > source.RemainingAggregatableBudget {
		res.Aggregatable = AggregatableInsufficientBudget
		return nil
	}

	allowed, err := r.ledger.AllowAttribution(ctx, tx, ratelimit.ScopeAggregatableAttribution,
		source.SourceSite(), trigger.DestinationSite(), trigger.ReportingSite(), trigger.Time)
	if err != nil {
		return err
	}
	if !allowed {
		res.Aggregatable = AggregatableExcessiveAttributions
		return nil
	}
	allowed, err = r.ledger.AllowAttributionReportingOrigin(ctx, tx, ratelimit.ScopeAggregatableAttribution,
		source.SourceSite(), trigger.DestinationSite(), trigger.ReportingOrigin, trigger.Time)
	if err != nil {
		return err
	}
	if !allowed {
		res.Aggregatable = AggregatableExcessiveReportingOrigins
		return nil
	}

	debited, err := tx.DebitAggregatableBudget(ctx, source.ID, total)
	if err != nil {
		return err
	}
	if !debited {
		res.Aggregatable = AggregatableInsufficientBudget
		return nil
	}

	reportTime := trigger.Time.Add(r.cfg.AggregatableReportMinDelay + r.randomDelay(r.cfg.AggregatableReportDelaySpan))
	report := &attribution.Report{
		ExternalID:        uuid.New(),
		SourceID:          source.ID,
		AttributionTime:   trigger.Time,
		ContextOrigin:     trigger.DestinationOrigin,
		ReportingOrigin:   trigger.ReportingOrigin,
		DebugKey:          trigger.DebugKey,
		ReportTime:        reportTime,
		InitialReportTime: reportTime,
		Data:              attribution.AggregatableData{Contributions: contributions},
	}
	if err := tx.InsertAggregatableReport(ctx, report); err != nil {
		return err
	}
	if trigger.AggregatableDedupKey != nil {
		if err := tx.InsertDedupKey(ctx, source.ID, attribution.ReportTypeAggregatable, *trigger.AggregatableDedupKey); err != nil {
			return err
		}
	}
	rec := ratelimit.AttributionRecord(ratelimit.ScopeAggregatableAttribution, source, trigger.DestinationSite(), trigger.Time)
	if err := tx.InsertRateLimitRecord(ctx, rec); err != nil {
		return err
	}

	res.NewAggregatableReport = report
	res.Aggregatable = AggregatableSuccess
	return nil
}

// aggregatableContributions builds the histogram contributions: trigger
// specs surviving their filters extend the named source keys with their
// key piece, then the trigger's requested values select which keys
// contribute. filtered reports that specs were registered but every one
// was excluded by its filters.
func aggregatableContributions(trigger *attribution.Trigger, source *attribution.StoredSource) (contributions []attribution.Contribution, filtered bool) {
	keys := make(map[string]attribution.AggregationKey, len(source.AggregationKeys))
	for name, key := range source.AggregationKeys {
		keys[name] = key
	}

	surviving := 0
	for _, spec := range trigger.AggregatableTriggers {
		if !spec.Filters.IsEmpty() && !spec.Filters.Matches(source.FilterData, source.SourceType) {
			continue
		}
		surviving++
		names := spec.SourceKeys
		if len(names) == 0 {
			for name := range keys {
				names = append(names, name)
			}
		}
		for _, name := range names {
			key, ok := keys[name]
			if !ok {
				continue
			}
			keys[name] = key.Or(spec.KeyPiece)
		}
	}
	if len(trigger.AggregatableTriggers) > 0 && surviving == 0 {
		return nil, true
	}

	names := make([]string, 0, len(trigger.AggregatableValues))
	for name := range trigger.AggregatableValues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := trigger.AggregatableValues[name]
		if value == 0 {
			continue
		}
		key, ok := keys[name]
		if !ok {
			continue
		}
		contributions = append(contributions, attribution.Contribution{Key: key, Value: value})
	}
	return contributions, false
}

func (r *Resolver) randomDelay(span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	return time.Duration(r.rng.Int63n(int64(span)))
}
