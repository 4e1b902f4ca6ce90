package store

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
)

// Tx implements ratelimit.Querier so ledger decisions and the records
// they depend on live in the same transaction.

// CountAttributions counts attribution-scope ledger rows for the site
// triple at or after since.
func (t *Tx) CountAttributions(ctx context.Context, scope ratelimit.Scope, sourceSite, destinationSite, reportingSite attribution.Site, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limits
		WHERE scope = ? AND source_site = ? AND destination_site = ?
		  AND reporting_site = ? AND time >= ?
	`, string(scope), string(sourceSite), string(destinationSite),
		string(reportingSite), encodeTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attributions: %w", err)
	}
	return n, nil
}

// CountDistinctReportingOrigins counts distinct reporting origins in
// scope for (sourceSite, destinationSite) at or after since and whether
// origin is among them. An empty destinationSite counts across all
// destinations.
func (t *Tx) CountDistinctReportingOrigins(ctx context.Context, scope ratelimit.Scope, sourceSite, destinationSite attribution.Site, origin attribution.Origin, since time.Time) (int, bool, error) {
	query := `
		SELECT COUNT(DISTINCT reporting_origin),
		       COALESCE(MAX(reporting_origin = ?), 0)
		FROM rate_limits
		WHERE scope = ? AND source_site = ? AND time >= ?`
	args := []any{string(origin), string(scope), string(sourceSite), encodeTime(since)}
	if destinationSite != "" {
		query += ` AND destination_site = ?`
		args = append(args, string(destinationSite))
	}

	var distinct, present int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&distinct, &present); err != nil {
		return 0, false, fmt.Errorf("count distinct reporting origins: %w", err)
	}
	return distinct, present == 1, nil
}

// CountDistinctDestinations counts distinct destination sites in scope
// for sourceSite at or after since and splits candidates into already
// counted and new. An empty reportingSite counts across all reporting
// sites.
func (t *Tx) CountDistinctDestinations(ctx context.Context, scope ratelimit.Scope, sourceSite, reportingSite attribution.Site, candidates []attribution.Site, since time.Time) (int, []attribution.Site, error) {
	query := `
		SELECT DISTINCT destination_site FROM rate_limits
		WHERE scope = ? AND source_site = ? AND time >= ?`
	args := []any{string(scope), string(sourceSite), encodeTime(since)}
	if reportingSite != "" {
		query += ` AND reporting_site = ?`
		args = append(args, string(reportingSite))
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("count distinct destinations: %w", err)
	}
	defer rows.Close()

	seen := make(map[attribution.Site]struct{})
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return 0, nil, fmt.Errorf("scan destination: %w", err)
		}
		seen[attribution.Site(d)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate destinations: %w", err)
	}

	var fresh []attribution.Site
	for _, c := range candidates {
		if _, ok := seen[c]; !ok {
			fresh = append(fresh, c)
		}
	}
	return len(seen), fresh, nil
}

// InsertRateLimitRecord appends a ledger row.
func (t *Tx) InsertRateLimitRecord(ctx context.Context, rec ratelimit.Record) error {
	var expiry int64
	if !rec.ExpiryTime.IsZero() {
		expiry = encodeTime(rec.ExpiryTime)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rate_limits
		(scope, source_id, source_site, destination_site, reporting_origin,
		 reporting_site, time, expiry_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(rec.Scope),
		int64(rec.SourceID),
		string(rec.SourceSite),
		string(rec.DestinationSite),
		string(rec.ReportingOrigin),
		string(rec.ReportingSite),
		encodeTime(rec.Time),
		expiry,
	)
	if err != nil {
		return fmt.Errorf("insert rate limit record: %w", err)
	}
	return nil
}

// DeleteOutdatedRateLimits drops ledger rows older than the longest
// window still consulted. Maintenance; safe to run any time.
func (t *Tx) DeleteOutdatedRateLimits(ctx context.Context, before time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE time < ?`, encodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete outdated rate limits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete outdated rate limits: %w", err)
	}
	return n, nil
}
