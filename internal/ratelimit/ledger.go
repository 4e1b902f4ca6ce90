package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// Scope tags the independent categories records are counted under.
type Scope string

const (
	ScopeSourceRegistration      Scope = "source-registration"
	ScopeEventAttribution        Scope = "event-attribution"
	ScopeAggregatableAttribution Scope = "aggregatable-attribution"
	ScopeDestination             Scope = "destination-limit"
)

// ParseScope maps a stored string back to a Scope.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeSourceRegistration, ScopeEventAttribution, ScopeAggregatableAttribution, ScopeDestination:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown rate limit scope %q", s)
}

// Record is one ledger row. SourceID back-references the originating
// source so a source deletion can bulk-delete its ledger rows.
type Record struct {
	Scope           Scope
	SourceID        attribution.SourceID
	SourceSite      attribution.Site
	DestinationSite attribution.Site
	ReportingOrigin attribution.Origin
	ReportingSite   attribution.Site

	// Time is the registration time for registration/destination
	// scopes and the attribution time for attribution scopes.
	Time time.Time

	// ExpiryTime is the source expiry for registration/destination
	// scopes; attribution records expire by window only and leave it
	// zero.
	ExpiryTime time.Time
}

// Querier is the counting surface the ledger decides against. A store
// transaction implements it; all counts observe uncommitted writes of
// the same transaction.
type Querier interface {
	// CountAttributions counts attribution-scope records for the site
	// triple at or after since.
	CountAttributions(ctx context.Context, scope Scope, sourceSite, destinationSite, reportingSite attribution.Site, since time.Time) (int, error)

	// CountDistinctReportingOrigins counts distinct reporting origins
	// in scope for (sourceSite, destinationSite) at or after since,
	// and reports whether origin is among them. Destination site may
	// be empty to count across all destinations.
	CountDistinctReportingOrigins(ctx context.Context, scope Scope, sourceSite, destinationSite attribution.Site, origin attribution.Origin, since time.Time) (distinct int, present bool, err error)

	// CountDistinctDestinations counts distinct destination sites in
	// scope for sourceSite at or after since, optionally restricted to
	// reportingSite (empty means all), and reports which of candidate
	// are already counted.
	CountDistinctDestinations(ctx context.Context, scope Scope, sourceSite, reportingSite attribution.Site, candidates []attribution.Site, since time.Time) (distinct int, newCandidates []attribution.Site, err error)

	// InsertRateLimitRecord appends a ledger row.
	InsertRateLimitRecord(ctx context.Context, rec Record) error
}

// Limits is the windowed-limit configuration the ledger enforces.
// Populated from policy.Config.
type Limits struct {
	// Window bounds attribution counting and the last-resort
	// registration reporting-origin check.
	Window time.Duration

	// MaxAttributions per (source site, destination site, reporting
	// site) within Window.
	MaxAttributions int

	// MaxAttributionReportingOrigins per (source site, destination
	// site) within Window.
	MaxAttributionReportingOrigins int

	// MaxRegistrationReportingOrigins per source site within Window.
	MaxRegistrationReportingOrigins int

	// DestinationWindow bounds the destination registration burst
	// limits below.
	DestinationWindow time.Duration

	// MaxDestinationsPerReportingSite within DestinationWindow.
	MaxDestinationsPerReportingSite int

	// MaxDestinationsTotal per source site within DestinationWindow,
	// across all reporting sites. This is the cross-site global limit
	// the resolver checks last.
	MaxDestinationsTotal int
}

// Ledger evaluates windowed limits. Stateless; safe to share.
type Ledger struct {
	limits Limits
}

// NewLedger returns a ledger enforcing the given limits.
func NewLedger(limits Limits) *Ledger {
	return &Ledger{limits: limits}
}

// Limits returns the configured limits, for caller-visible diagnostics.
func (l *Ledger) Limits() Limits { return l.limits }

// AllowAttribution answers whether one more attribution for the site
// triple fits under MaxAttributions.
func (l *Ledger) AllowAttribution(ctx context.Context, q Querier, scope Scope, sourceSite, destinationSite, reportingSite attribution.Site, now time.Time) (bool, error) {
	n, err := q.CountAttributions(ctx, scope, sourceSite, destinationSite, reportingSite, now.Add(-l.limits.Window))
	if err != nil {
		return false, fmt.Errorf("count attributions: %w", err)
	}
	return n < l.limits.MaxAttributions, nil
}

// AllowAttributionReportingOrigin answers whether origin may attribute
// for (sourceSite, destinationSite): either it already has, or the
// distinct-origin count is below the cap.
func (l *Ledger) AllowAttributionReportingOrigin(ctx context.Context, q Querier, scope Scope, sourceSite, destinationSite attribution.Site, origin attribution.Origin, now time.Time) (bool, error) {
	distinct, present, err := q.CountDistinctReportingOrigins(ctx, scope, sourceSite, destinationSite, origin, now.Add(-l.limits.Window))
	if err != nil {
		return false, fmt.Errorf("count attribution reporting origins: %w", err)
	}
	return present || distinct < l.limits.MaxAttributionReportingOrigins, nil
}

// AllowRegistrationReportingOrigin is the registration-scope
// reporting-origin rate limit, counted per source site across all
// destinations. The resolver runs it last, inside the registration
// transaction.
func (l *Ledger) AllowRegistrationReportingOrigin(ctx context.Context, q Querier, sourceSite attribution.Site, origin attribution.Origin, now time.Time) (bool, error) {
	distinct, present, err := q.CountDistinctReportingOrigins(ctx, ScopeSourceRegistration, sourceSite, "", origin, now.Add(-l.limits.Window))
	if err != nil {
		return false, fmt.Errorf("count registration reporting origins: %w", err)
	}
	return present || distinct < l.limits.MaxRegistrationReportingOrigins, nil
}

// DestinationResult enumerates the outcomes of the windowed destination
// burst limits at registration.
type DestinationResult int

const (
	DestinationAllowed DestinationResult = iota
	DestinationReportingLimitReached
	DestinationGlobalLimitReached
	DestinationBothLimitsReached
)

// CheckDestinationReportingLimit evaluates the per-reporting-site
// destination burst limit for a registration carrying the candidate
// destinations.
func (l *Ledger) CheckDestinationReportingLimit(ctx context.Context, q Querier, sourceSite, reportingSite attribution.Site, destinations []attribution.Site, now time.Time) (bool, error) {
	since := now.Add(-l.limits.DestinationWindow)
	distinct, fresh, err := q.CountDistinctDestinations(ctx, ScopeDestination, sourceSite, reportingSite, destinations, since)
	if err != nil {
		return false, fmt.Errorf("count destinations per reporting site: %w", err)
	}
	return distinct+len(fresh) <= l.limits.MaxDestinationsPerReportingSite, nil
}

// CheckDestinationGlobalLimit evaluates the cross-reporting-site
// destination burst limit. The resolver must call it after every
// same-site check, immediately before commit.
func (l *Ledger) CheckDestinationGlobalLimit(ctx context.Context, q Querier, sourceSite attribution.Site, destinations []attribution.Site, now time.Time) (bool, error) {
	since := now.Add(-l.limits.DestinationWindow)
	distinct, fresh, err := q.CountDistinctDestinations(ctx, ScopeDestination, sourceSite, "", destinations, since)
	if err != nil {
		return false, fmt.Errorf("count destinations globally: %w", err)
	}
	return distinct+len(fresh) <= l.limits.MaxDestinationsTotal, nil
}

// RegistrationRecord builds the ledger rows for a newly stored source:
// one registration-scope row and one destination-scope row per
// destination site.
func RegistrationRecord(src *attribution.StoredSource) []Record {
	recs := make([]Record, 0, 1+len(src.Destinations))
	base := Record{
		SourceID:        src.ID,
		SourceSite:      src.SourceSite(),
		ReportingOrigin: src.ReportingOrigin,
		ReportingSite:   src.ReportingSite(),
		Time:            src.RegistrationTime,
		ExpiryTime:      src.ExpiryTime,
	}
	for _, dest := range src.Destinations {
		rec := base
		rec.Scope = ScopeSourceRegistration
		rec.DestinationSite = dest
		recs = append(recs, rec)
		rec.Scope = ScopeDestination
		recs = append(recs, rec)
	}
	return recs
}

// AttributionRecord builds the ledger row for one attribution (real or
// the single record covering a falsely-attributed episode).
func AttributionRecord(scope Scope, src *attribution.StoredSource, destinationSite attribution.Site, t time.Time) Record {
	return Record{
		Scope:           scope,
		SourceID:        src.ID,
		SourceSite:      src.SourceSite(),
		DestinationSite: destinationSite,
		ReportingOrigin: src.ReportingOrigin,
		ReportingSite:   src.ReportingSite(),
		Time:            t,
	}
}
