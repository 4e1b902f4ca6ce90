package resolver

import (
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// StoreSourceStatus is the closed outcome set of StoreSource. Every
// value except StoreSourceInternalError is terminal: retrying with the
// same input yields the same answer. InternalError alone indicates a
// storage failure and is safe to retry.
type StoreSourceStatus string

const (
	StoreSourceSuccess       StoreSourceStatus = "success"
	StoreSourceSuccessNoised StoreSourceStatus = "success-noised"
	StoreSourceInternalError StoreSourceStatus = "internal-error"

	// StoreSourceInvalidRegistration: the candidate fails structural
	// validation (no destinations, expiry before registration,
	// reserved filter key, too many destinations).
	StoreSourceInvalidRegistration StoreSourceStatus = "invalid-registration"

	// StoreSourceMultipleTriggerSpecs: more than one trigger-data
	// specification set was supplied.
	StoreSourceMultipleTriggerSpecs StoreSourceStatus = "multiple-trigger-data-specs"

	// StoreSourceExceedsChannelCapacity: the trigger-data config
	// carries more bits than the per-source-type channel capacity cap.
	StoreSourceExceedsChannelCapacity StoreSourceStatus = "exceeds-max-channel-capacity"

	// StoreSourceExceedsTriggerStateCardinality: the trigger-state
	// count exceeds the absolute system maximum.
	StoreSourceExceedsTriggerStateCardinality StoreSourceStatus = "exceeds-max-trigger-state-cardinality"

	StoreSourceInsufficientSourceCapacity            StoreSourceStatus = "insufficient-source-capacity"
	StoreSourceInsufficientUniqueDestinationCapacity StoreSourceStatus = "insufficient-unique-destination-capacity"
	StoreSourceReportingOriginsPerSiteLimitReached   StoreSourceStatus = "reporting-origins-per-site-limit-reached"
	StoreSourceDestinationReportingLimitReached      StoreSourceStatus = "destination-reporting-limit-reached"
	StoreSourceDestinationGlobalLimitReached         StoreSourceStatus = "destination-global-limit-reached"
	StoreSourceDestinationBothLimitsReached          StoreSourceStatus = "destination-both-limits-reached"
	StoreSourceExcessiveReportingOrigins             StoreSourceStatus = "excessive-reporting-origins"
)

// StoreSourceResult carries the registration outcome plus the data a
// caller needs to react: whether noise replaced the truthful output,
// the earliest fake report time (for delivery wake-up scheduling), and
// the configured limit behind a rejection.
type StoreSourceResult struct {
	Status     StoreSourceStatus
	SourceTime time.Time

	IsNoised          bool
	MinFakeReportTime *time.Time

	// Limit is the configured maximum behind a capacity or rate-limit
	// rejection, when one applies. Channel-capacity rejections report
	// bits, so the field is a float.
	Limit *float64
}

// EventLevelStatus is the closed outcome set of the event-level half of
// trigger resolution.
type EventLevelStatus string

const (
	EventLevelSuccess                     EventLevelStatus = "success"
	EventLevelSuccessDroppedLowerPriority EventLevelStatus = "success-dropped-lower-priority-report"
	EventLevelInternalError               EventLevelStatus = "internal-error"

	// EventLevelNotRegistered: the trigger carried no event-level
	// candidates at all.
	EventLevelNotRegistered EventLevelStatus = "not-registered"

	EventLevelNoMatchingImpressions      EventLevelStatus = "no-matching-impressions"
	EventLevelNoMatchingTriggerData      EventLevelStatus = "no-matching-trigger-data"
	EventLevelNoMatchingSourceFilterData EventLevelStatus = "no-matching-source-filter-data"

	// EventLevelFalselyAttributedSource: the matched source committed
	// to fake output at registration; real triggers add nothing.
	EventLevelFalselyAttributedSource EventLevelStatus = "falsely-attributed-source"

	EventLevelReportWindowNotStarted    EventLevelStatus = "report-window-not-started"
	EventLevelReportWindowPassed        EventLevelStatus = "report-window-passed"
	EventLevelDeduplicated              EventLevelStatus = "deduplicated"
	EventLevelPriorityTooLow            EventLevelStatus = "priority-too-low"
	EventLevelExcessiveAttributions     EventLevelStatus = "excessive-attributions"
	EventLevelExcessiveReportingOrigins EventLevelStatus = "excessive-reporting-origins"
)

// AggregatableStatus is the closed outcome set of the aggregatable half
// of trigger resolution.
type AggregatableStatus string

const (
	AggregatableSuccess       AggregatableStatus = "success"
	AggregatableInternalError AggregatableStatus = "internal-error"

	// AggregatableNotRegistered: the trigger carried no aggregatable
	// specs or values.
	AggregatableNotRegistered AggregatableStatus = "not-registered"

	AggregatableNoMatchingImpressions      AggregatableStatus = "no-matching-impressions"
	AggregatableNoMatchingSourceFilterData AggregatableStatus = "no-matching-source-filter-data"

	// AggregatableNoHistograms: filtering and key intersection left no
	// contributions to record.
	AggregatableNoHistograms AggregatableStatus = "no-histograms"

	AggregatableReportWindowPassed        AggregatableStatus = "report-window-passed"
	AggregatableDeduplicated              AggregatableStatus = "deduplicated"
	AggregatableInsufficientBudget        AggregatableStatus = "insufficient-budget"
	AggregatableExcessiveReports          AggregatableStatus = "excessive-reports"
	AggregatableExcessiveAttributions     AggregatableStatus = "excessive-attributions"
	AggregatableExcessiveReportingOrigins AggregatableStatus = "excessive-reporting-origins"
)

// CreateReportResult carries both sub-results of trigger resolution.
// The report pointers let the caller schedule delivery (new reports),
// surface diagnostics (dropped candidate), or cancel an in-flight send
// (replaced report).
type CreateReportResult struct {
	EventLevel   EventLevelStatus
	Aggregatable AggregatableStatus

	NewEventLevelReport   *attribution.Report
	NewAggregatableReport *attribution.Report

	// ReplacedReport is the prior lowest-priority report removed by the
	// priority-replacement rule.
	ReplacedReport *attribution.Report

	// DroppedReport is the candidate that lost the priority comparison
	// and was never stored.
	DroppedReport *attribution.Report
}
