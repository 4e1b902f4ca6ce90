package attribution

import (
	"time"

	"github.com/google/uuid"
)

// Report is a pending attribution report of either kind. Data holds the
// kind-specific payload; switch on it exhaustively.
type Report struct {
	ID         ReportID
	ExternalID uuid.UUID

	SourceID SourceID

	// AttributionTime is when the attribution occurred (trigger time,
	// or registration time for fake reports).
	AttributionTime time.Time

	// ContextOrigin is the origin context the report is associated
	// with. Real reports carry the destination origin; fake reports
	// carry the SOURCE origin so a report scheduled for a conversion
	// that never happened cannot leak a destination.
	ContextOrigin   Origin
	ReportingOrigin Origin

	DebugKey *uint64

	// ReportTime is the currently scheduled delivery time; it moves on
	// send failure and offline adjustment. InitialReportTime does not.
	ReportTime        time.Time
	InitialReportTime time.Time

	FailedSendAttempts int

	Data ReportData
}

// Key returns the report's full identity.
func (r *Report) Key() ReportKey {
	return ReportKey{Type: r.Data.ReportType(), ID: r.ID}
}

// ReportData is the closed union of report payloads. The two
// implementations are EventLevelData and AggregatableData; no others
// exist.
type ReportData interface {
	ReportType() ReportType
}

// EventLevelData is the payload of an event-level report.
type EventLevelData struct {
	SourceEventID uint64
	TriggerData   uint64
	Priority      int64

	// RandomizedTriggerRate is the flip probability in force when the
	// originating source was registered, disclosed with the report.
	RandomizedTriggerRate float64
}

// ReportType implements ReportData.
func (EventLevelData) ReportType() ReportType { return ReportTypeEventLevel }

// AggregatableData is the payload of an aggregatable report.
type AggregatableData struct {
	Contributions []Contribution

	// AssembledPayload is filled by the external delivery pipeline
	// after aggregation-service encryption. This engine only stores
	// what the pipeline wrote back.
	AssembledPayload []byte
}

// ReportType implements ReportData.
func (AggregatableData) ReportType() ReportType { return ReportTypeAggregatable }

// FakeReport is one pre-committed fake event-level report chosen by the
// randomized-response engine: a trigger-data value and the report
// window it is delivered in.
type FakeReport struct {
	TriggerData uint64
	WindowIndex int
}
