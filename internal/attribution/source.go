package attribution

import (
	"fmt"
	"slices"
	"time"
)

// TriggerDataMatching selects how a trigger's data value is resolved
// against the spec's value set.
type TriggerDataMatching string

const (
	// MatchingExact: the trigger's value must appear in Values verbatim.
	MatchingExact TriggerDataMatching = "exact"

	// MatchingModulus: the trigger's value is reduced modulo the value
	// cardinality and indexes into Values.
	MatchingModulus TriggerDataMatching = "modulus"
)

// TriggerDataSpec declares the event-level output space of a source:
// which trigger-data values are valid, how trigger values map onto
// them, and the report windows reports fall into.
//
// Windows are expressed as offsets from the source registration time.
// WindowStart delays the first window; a trigger arriving before it
// yields "report window not started". WindowEnds must be strictly
// increasing; the last end is the event-level report deadline.
type TriggerDataSpec struct {
	Matching    TriggerDataMatching
	Values      []uint64
	WindowStart time.Duration
	WindowEnds  []time.Duration
}

// NewTriggerDataSpec validates and normalizes a spec. Values are
// sorted and deduplicated.
func NewTriggerDataSpec(matching TriggerDataMatching, values []uint64, windowStart time.Duration, windowEnds []time.Duration) (TriggerDataSpec, error) {
	switch matching {
	case MatchingExact, MatchingModulus:
	default:
		return TriggerDataSpec{}, fmt.Errorf("unknown trigger data matching %q", matching)
	}
	if len(values) == 0 {
		return TriggerDataSpec{}, fmt.Errorf("trigger data spec needs at least one value")
	}
	if len(windowEnds) == 0 {
		return TriggerDataSpec{}, fmt.Errorf("trigger data spec needs at least one report window")
	}
	if windowStart < 0 {
		return TriggerDataSpec{}, fmt.Errorf("window start must not be negative")
	}
	prev := windowStart
	for i, end := range windowEnds {
		if end <= prev {
			return TriggerDataSpec{}, fmt.Errorf("report window %d end %v must exceed %v", i, end, prev)
		}
		prev = end
	}
	vs := slices.Clone(values)
	slices.Sort(vs)
	vs = slices.Compact(vs)
	if matching == MatchingModulus {
		// Modulus indexing needs a contiguous value range starting at 0.
		for i, v := range vs {
			if v != uint64(i) {
				return TriggerDataSpec{}, fmt.Errorf("modulus matching requires contiguous values from 0, got %d at index %d", v, i)
			}
		}
	}
	return TriggerDataSpec{Matching: matching, Values: vs, WindowStart: windowStart, WindowEnds: slices.Clone(windowEnds)}, nil
}

// Cardinality is the number of distinct trigger-data values.
func (s TriggerDataSpec) Cardinality() int { return len(s.Values) }

// NumWindows is the number of report windows.
func (s TriggerDataSpec) NumWindows() int { return len(s.WindowEnds) }

// MatchValue resolves a trigger's raw data value to a spec value.
// The second return is false when the value has no match.
func (s TriggerDataSpec) MatchValue(data uint64) (uint64, bool) {
	switch s.Matching {
	case MatchingModulus:
		return s.Values[data%uint64(len(s.Values))], true
	default:
		_, ok := slices.BinarySearch(s.Values, data)
		return data, ok
	}
}

// ValueIndex returns the index of a spec value, for randomized-response
// state decoding. The value must be one returned by MatchValue.
func (s TriggerDataSpec) ValueIndex(value uint64) int {
	i, _ := slices.BinarySearch(s.Values, value)
	return i
}

// WindowResult classifies where a trigger time falls relative to the
// spec's report windows.
type WindowResult int

const (
	WindowNotStarted WindowResult = iota
	WindowPassed
	WindowOpen
)

// WindowAt locates the report window containing the offset of
// triggerTime from sourceTime. On WindowOpen the returned index is the
// window the report belongs to.
func (s TriggerDataSpec) WindowAt(sourceTime, triggerTime time.Time) (int, WindowResult) {
	offset := triggerTime.Sub(sourceTime)
	if offset < s.WindowStart {
		return 0, WindowNotStarted
	}
	for i, end := range s.WindowEnds {
		if offset < end {
			return i, WindowOpen
		}
	}
	return 0, WindowPassed
}

// ReportTimeForWindow is the absolute delivery time of a report in the
// given window: the window's end.
func (s TriggerDataSpec) ReportTimeForWindow(sourceTime time.Time, window int) time.Time {
	return sourceTime.Add(s.WindowEnds[window])
}

// StorableSource is a fully-specified source registration candidate, as
// handed to the resolver. The resolver derives the stored form.
type StorableSource struct {
	SourceEventID   uint64
	SourceOrigin    Origin
	Destinations    []Site
	ReportingOrigin Origin
	SourceType      SourceType

	RegistrationTime             time.Time
	ExpiryTime                   time.Time
	EventReportWindowTime        time.Time
	AggregatableReportWindowTime time.Time

	// TriggerSpecs is the registered trigger-data specification sets.
	// At most one set is currently supported; more is a registration
	// error, not a truncation.
	TriggerSpecs []TriggerDataSpec

	// MaxEventLevelReports of zero means "use the source-type default".
	MaxEventLevelReports int

	AggregationKeys map[string]AggregationKey
	FilterData      FilterData

	Priority                 int64
	DebugKey                 *uint64
	DestinationLimitPriority int64
}

// SourceSite is the site of the registering origin.
func (s *StorableSource) SourceSite() Site { return SiteOf(s.SourceOrigin) }

// ReportingSite is the site of the reporting origin.
func (s *StorableSource) ReportingSite() Site { return SiteOf(s.ReportingOrigin) }

// TriggerSpec returns the single active spec set. Callers must have
// checked len(TriggerSpecs) == 1 at registration.
func (s *StorableSource) TriggerSpec() TriggerDataSpec { return s.TriggerSpecs[0] }

// Validate applies registration-time structural checks that do not
// depend on configuration.
func (s *StorableSource) Validate() error {
	if len(s.Destinations) == 0 {
		return fmt.Errorf("source needs at least one destination site")
	}
	if !s.ExpiryTime.After(s.RegistrationTime) {
		return fmt.Errorf("source expiry %v must be after registration %v", s.ExpiryTime, s.RegistrationTime)
	}
	if err := s.FilterData.Validate(); err != nil {
		return err
	}
	return nil
}

// StoredSource is a source row as persisted, including the
// randomized-response outcome fixed at registration.
type StoredSource struct {
	StorableSource

	ID SourceID

	// AttributionLogic and RandomizedResponseRate are fixed at
	// registration and never re-derived. The rate is retained for
	// disclosure in later reports only.
	AttributionLogic       AttributionLogic
	RandomizedResponseRate float64

	NumAttributions             int
	NumAggregatableReports      int
	RemainingAggregatableBudget int64

	// The two eligibility flags are independent: destination-limit
	// deactivation and attribution exhaustion clear them separately.
	EventLevelActive   bool
	AggregatableActive bool
}
