package attribution

import "time"

// Trigger is a conversion-side event attempting to attribute against a
// prior source. Triggers are ephemeral: the engine persists reports and
// dedup keys derived from them, never the trigger itself.
type Trigger struct {
	DestinationOrigin Origin
	ReportingOrigin   Origin
	Time              time.Time

	// Filters applies during source MATCHING: a source whose filter
	// data fails this predicate is excluded from selection entirely,
	// letting an older matching source win.
	Filters FilterPair

	EventTriggers        []EventTriggerData
	AggregatableTriggers []AggregatableTriggerData

	// AggregatableValues maps source aggregation key names to the
	// contribution value requested for them.
	AggregatableValues map[string]uint32

	AggregatableDedupKey *uint64

	DebugKey         *uint64
	AttestationToken string
}

// DestinationSite is the site the conversion happened on.
func (t *Trigger) DestinationSite() Site { return SiteOf(t.DestinationOrigin) }

// ReportingSite is the site of the reporting origin.
func (t *Trigger) ReportingSite() Site { return SiteOf(t.ReportingOrigin) }

// EventTriggerData is one event-level candidate carried by a trigger.
// The first candidate whose filters match the source is used.
type EventTriggerData struct {
	Data     uint64
	Priority int64
	DedupKey *uint64
	Filters  FilterPair
}

// AggregatableTriggerData selects and extends source aggregation keys.
// SourceKeys names the subset of the source's aggregation keys the
// KeyPiece is OR-ed onto; an empty SourceKeys list applies to all keys.
type AggregatableTriggerData struct {
	KeyPiece   AggregationKey
	SourceKeys []string
	Filters    FilterPair
}
