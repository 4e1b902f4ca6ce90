// Package testutil holds shared test fixtures: a manually advanced
// clock and builders for registration candidates and triggers with
// sensible defaults.
package testutil

import (
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// BaseTime is the registration time fixtures default to. Chosen flat
// (midnight UTC) so window arithmetic in failures reads cleanly.
var BaseTime = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

// SourceBuilder accumulates a registration candidate. Methods mutate
// and return the builder; call Build to finish.
type SourceBuilder struct {
	src attribution.StorableSource
}

// NewSource starts a navigation-type candidate from impression.test
// registered by reporter.test at BaseTime, expiring after 30 days,
// destined for conversion.test.
func NewSource() *SourceBuilder {
	return &SourceBuilder{src: attribution.StorableSource{
		SourceEventID:    7,
		SourceOrigin:     attribution.MustParseOrigin("https://impression.test"),
		Destinations:     []attribution.Site{"conversion.test"},
		ReportingOrigin:  attribution.MustParseOrigin("https://reporter.test"),
		SourceType:       attribution.SourceTypeNavigation,
		RegistrationTime: BaseTime,
		ExpiryTime:       BaseTime.Add(30 * 24 * time.Hour),
	}}
}

func (b *SourceBuilder) EventID(id uint64) *SourceBuilder {
	b.src.SourceEventID = id
	return b
}

func (b *SourceBuilder) Origin(o string) *SourceBuilder {
	b.src.SourceOrigin = attribution.MustParseOrigin(o)
	return b
}

func (b *SourceBuilder) Reporting(o string) *SourceBuilder {
	b.src.ReportingOrigin = attribution.MustParseOrigin(o)
	return b
}

func (b *SourceBuilder) Destination(sites ...attribution.Site) *SourceBuilder {
	b.src.Destinations = sites
	return b
}

func (b *SourceBuilder) Type(st attribution.SourceType) *SourceBuilder {
	b.src.SourceType = st
	return b
}

func (b *SourceBuilder) RegisteredAt(t time.Time) *SourceBuilder {
	b.src.RegistrationTime = t
	return b
}

func (b *SourceBuilder) ExpiresAt(t time.Time) *SourceBuilder {
	b.src.ExpiryTime = t
	return b
}

func (b *SourceBuilder) Priority(p int64) *SourceBuilder {
	b.src.Priority = p
	return b
}

func (b *SourceBuilder) DestinationLimitPriority(p int64) *SourceBuilder {
	b.src.DestinationLimitPriority = p
	return b
}

func (b *SourceBuilder) MaxReports(n int) *SourceBuilder {
	b.src.MaxEventLevelReports = n
	return b
}

func (b *SourceBuilder) TriggerSpecs(specs ...attribution.TriggerDataSpec) *SourceBuilder {
	b.src.TriggerSpecs = specs
	return b
}

func (b *SourceBuilder) FilterData(f attribution.FilterData) *SourceBuilder {
	b.src.FilterData = f
	return b
}

func (b *SourceBuilder) AggregationKeys(keys map[string]attribution.AggregationKey) *SourceBuilder {
	b.src.AggregationKeys = keys
	return b
}

// Build returns a fresh copy so builders can be reused.
func (b *SourceBuilder) Build() *attribution.StorableSource {
	src := b.src
	src.Destinations = append([]attribution.Site(nil), b.src.Destinations...)
	return &src
}

// TriggerBuilder accumulates a trigger. Defaults pair with NewSource:
// a conversion on conversion.test reported by reporter.test one hour
// after BaseTime, carrying a single event-level candidate.
type TriggerBuilder struct {
	trigger attribution.Trigger
}

func NewTrigger() *TriggerBuilder {
	return &TriggerBuilder{trigger: attribution.Trigger{
		DestinationOrigin: attribution.MustParseOrigin("https://conversion.test"),
		ReportingOrigin:   attribution.MustParseOrigin("https://reporter.test"),
		Time:              BaseTime.Add(time.Hour),
		EventTriggers:     []attribution.EventTriggerData{{Data: 1}},
	}}
}

func (b *TriggerBuilder) Destination(o string) *TriggerBuilder {
	b.trigger.DestinationOrigin = attribution.MustParseOrigin(o)
	return b
}

func (b *TriggerBuilder) Reporting(o string) *TriggerBuilder {
	b.trigger.ReportingOrigin = attribution.MustParseOrigin(o)
	return b
}

func (b *TriggerBuilder) At(t time.Time) *TriggerBuilder {
	b.trigger.Time = t
	return b
}

func (b *TriggerBuilder) Events(events ...attribution.EventTriggerData) *TriggerBuilder {
	b.trigger.EventTriggers = events
	return b
}

func (b *TriggerBuilder) Filters(f attribution.FilterPair) *TriggerBuilder {
	b.trigger.Filters = f
	return b
}

func (b *TriggerBuilder) Aggregatable(specs []attribution.AggregatableTriggerData, values map[string]uint32) *TriggerBuilder {
	b.trigger.AggregatableTriggers = specs
	b.trigger.AggregatableValues = values
	return b
}

func (b *TriggerBuilder) AggregatableDedupKey(key uint64) *TriggerBuilder {
	b.trigger.AggregatableDedupKey = &key
	return b
}

func (b *TriggerBuilder) Build() *attribution.Trigger {
	trigger := b.trigger
	trigger.EventTriggers = append([]attribution.EventTriggerData(nil), b.trigger.EventTriggers...)
	return &trigger
}

// Uint64 returns a pointer to v, for optional dedup and debug keys.
func Uint64(v uint64) *uint64 { return &v }
