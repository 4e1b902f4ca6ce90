package attribution

import (
	"fmt"
	"strings"
)

// SourceType distinguishes how a source was registered. It affects
// report-window defaults and the default number of event-level reports.
type SourceType string

const (
	// SourceTypeNavigation is a click-through registration (top-level
	// navigation to the destination).
	SourceTypeNavigation SourceType = "navigation"

	// SourceTypeEvent is a view-through registration (no navigation).
	SourceTypeEvent SourceType = "event"
)

// ParseSourceType maps a stored string back to a SourceType.
// Unknown values are an error so corrupt rows are treated as absent
// rather than silently reinterpreted.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceTypeNavigation, SourceTypeEvent:
		return SourceType(s), nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// AttributionLogic records the randomized-response outcome fixed at
// source registration. It never changes for the life of the source.
type AttributionLogic string

const (
	// LogicTruthful: real triggers produce real reports.
	LogicTruthful AttributionLogic = "truthful"

	// LogicNever: no event-level report will ever be produced for this
	// source, real triggers notwithstanding.
	LogicNever AttributionLogic = "never"

	// LogicFalselyAttributed: a fixed set of fake event-level reports
	// was committed at registration; real triggers add nothing.
	LogicFalselyAttributed AttributionLogic = "falsely-attributed"
)

// ParseAttributionLogic maps a stored string back to an AttributionLogic.
func ParseAttributionLogic(s string) (AttributionLogic, error) {
	switch AttributionLogic(s) {
	case LogicTruthful, LogicNever, LogicFalselyAttributed:
		return AttributionLogic(s), nil
	}
	return "", fmt.Errorf("unknown attribution logic %q", s)
}

// AggregationKey is an unsigned 128-bit aggregation bucket key.
type AggregationKey struct {
	Hi uint64
	Lo uint64
}

// ParseAggregationKey parses a hex key of the form "0x159" (up to 32
// hex digits).
func ParseAggregationKey(s string) (AggregationKey, error) {
	body, ok := strings.CutPrefix(s, "0x")
	if !ok {
		body, ok = strings.CutPrefix(s, "0X")
	}
	if !ok || body == "" || len(body) > 32 {
		return AggregationKey{}, fmt.Errorf("aggregation key %q: want 0x-prefixed hex of at most 32 digits", s)
	}
	var k AggregationKey
	lo := body
	if len(body) > 16 {
		hiPart := body[:len(body)-16]
		lo = body[len(body)-16:]
		if _, err := fmt.Sscanf(hiPart, "%x", &k.Hi); err != nil {
			return AggregationKey{}, fmt.Errorf("aggregation key %q: %w", s, err)
		}
	}
	if _, err := fmt.Sscanf(lo, "%x", &k.Lo); err != nil {
		return AggregationKey{}, fmt.Errorf("aggregation key %q: %w", s, err)
	}
	return k, nil
}

// Or returns the bitwise OR of two keys. Trigger-side key pieces are
// combined with source-side keys this way.
func (k AggregationKey) Or(other AggregationKey) AggregationKey {
	return AggregationKey{Hi: k.Hi | other.Hi, Lo: k.Lo | other.Lo}
}

// String formats the key as 0x-prefixed hex without leading zeros.
func (k AggregationKey) String() string {
	if k.Hi == 0 {
		return fmt.Sprintf("0x%x", k.Lo)
	}
	return fmt.Sprintf("0x%x%016x", k.Hi, k.Lo)
}

// Contribution is one histogram bucket increment inside an aggregatable
// report.
type Contribution struct {
	Key   AggregationKey
	Value uint32
}

// SourceID identifies a stored source row.
type SourceID int64

// ReportID identifies a stored report row. Event-level and aggregatable
// reports draw from independent ID spaces; ReportKey disambiguates.
type ReportID int64

// ReportType tags the two report kinds. Used for dedup-key scoping and
// report lookup.
type ReportType string

const (
	ReportTypeEventLevel   ReportType = "event-level"
	ReportTypeAggregatable ReportType = "aggregatable"
)

// ParseReportType maps a stored string back to a ReportType.
func ParseReportType(s string) (ReportType, error) {
	switch ReportType(s) {
	case ReportTypeEventLevel, ReportTypeAggregatable:
		return ReportType(s), nil
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

// ReportKey is the full identity of a stored report.
type ReportKey struct {
	Type ReportType
	ID   ReportID
}
