package store

import (
	"context"
	"fmt"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// DataKey identifies one reporting origin's slice of stored data, for
// per-site deletion UIs.
type DataKey struct {
	ReportingOrigin attribution.Origin
}

// OriginFilter selects origins for clearing. A nil filter matches all.
type OriginFilter func(attribution.Origin) bool

// ClearData deletes all sources and reports intersecting [begin, end]
// whose origins match the filter, plus the now-vestigial reports of
// deleted sources (via FK cascade). A nil filter with an unbounded
// range takes the fast full-wipe path. Rate-limit rows are deleted only
// when deleteRateLimits is set; they are independently retainable.
//
// Sources intersect the range by registration time, reports by
// attribution time.
func (t *Tx) ClearData(ctx context.Context, begin, end time.Time, filter OriginFilter, deleteRateLimits bool) error {
	unbounded := begin.IsZero() && end.IsZero()
	if unbounded && filter == nil {
		return t.clearAll(ctx, deleteRateLimits)
	}
	if end.IsZero() {
		end = time.UnixMicro(1<<62 - 1)
	}

	sourceIDs, err := t.matchingSourceIDs(ctx, begin, end, filter)
	if err != nil {
		return err
	}
	for _, id := range sourceIDs {
		// Cascades destinations, reports, contributions, dedup keys.
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear source: %w", err)
		}
	}

	for _, table := range []string{"event_level_reports", "aggregatable_reports"} {
		if err := t.clearReports(ctx, table, begin, end, filter); err != nil {
			return err
		}
	}

	if deleteRateLimits {
		if err := t.clearRateLimits(ctx, begin, end, filter, sourceIDs); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) clearAll(ctx context.Context, deleteRateLimits bool) error {
	tables := []string{
		"aggregatable_contributions",
		"aggregatable_reports",
		"event_level_reports",
		"dedup_keys",
		"source_destinations",
		"sources",
	}
	if deleteRateLimits {
		tables = append(tables, "rate_limits")
	}
	for _, table := range tables {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func (t *Tx) matchingSourceIDs(ctx context.Context, begin, end time.Time, filter OriginFilter) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, source_origin, reporting_origin FROM sources
		WHERE registration_time >= ? AND registration_time <= ?
	`, encodeTime(begin), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("query sources to clear: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var srcOrigin, repOrigin string
		if err := rows.Scan(&id, &srcOrigin, &repOrigin); err != nil {
			return nil, fmt.Errorf("scan source to clear: %w", err)
		}
		if filterMatches(filter, srcOrigin) || filterMatches(filter, repOrigin) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources to clear: %w", err)
	}
	return ids, nil
}

func (t *Tx) clearReports(ctx context.Context, table string, begin, end time.Time, filter OriginFilter) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, context_origin, reporting_origin FROM `+table+`
		WHERE attribution_time >= ? AND attribution_time <= ?
	`, encodeTime(begin), encodeTime(end))
	if err != nil {
		return fmt.Errorf("query %s to clear: %w", table, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var ctxOrigin, repOrigin string
		if err := rows.Scan(&id, &ctxOrigin, &repOrigin); err != nil {
			return fmt.Errorf("scan %s to clear: %w", table, err)
		}
		if filterMatches(filter, ctxOrigin) || filterMatches(filter, repOrigin) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s to clear: %w", table, err)
	}

	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear %s row: %w", table, err)
		}
	}
	return nil
}

func (t *Tx) clearRateLimits(ctx context.Context, begin, end time.Time, filter OriginFilter, deletedSources []int64) error {
	// Ledger rows of deleted sources go via their back-reference.
	for _, id := range deletedSources {
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM rate_limits WHERE source_id = ?`, id); err != nil {
			return fmt.Errorf("clear rate limits for source: %w", err)
		}
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, reporting_origin FROM rate_limits
		WHERE time >= ? AND time <= ?
	`, encodeTime(begin), encodeTime(end))
	if err != nil {
		return fmt.Errorf("query rate limits to clear: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var repOrigin string
		if err := rows.Scan(&id, &repOrigin); err != nil {
			return fmt.Errorf("scan rate limit to clear: %w", err)
		}
		if filterMatches(filter, repOrigin) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rate limits to clear: %w", err)
	}

	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM rate_limits WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear rate limit row: %w", err)
		}
	}
	return nil
}

func filterMatches(filter OriginFilter, raw string) bool {
	if filter == nil {
		return true
	}
	origin, err := attribution.ParseOrigin(raw)
	if err != nil {
		// Rows with an unparseable origin are invalid; clearing is the
		// opportunistic cleanup moment for them.
		return true
	}
	return filter(origin)
}

// GetAllDataKeys lists every reporting origin with stored attribution
// state of any kind.
func (s *Store) GetAllDataKeys(ctx context.Context) ([]DataKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT reporting_origin FROM sources
		UNION SELECT DISTINCT reporting_origin FROM event_level_reports
		UNION SELECT DISTINCT reporting_origin FROM aggregatable_reports
		UNION SELECT DISTINCT reporting_origin FROM rate_limits
	`)
	if err != nil {
		return nil, fmt.Errorf("query data keys: %w", err)
	}
	defer rows.Close()

	var keys []DataKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan data key: %w", err)
		}
		origin, err := attribution.ParseOrigin(raw)
		if err != nil {
			continue
		}
		keys = append(keys, DataKey{ReportingOrigin: origin})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data keys: %w", err)
	}
	return keys, nil
}

// DeleteByDataKey removes all state attributable to one reporting
// origin: its sources (with cascaded reports), reports of surviving
// sources, and ledger rows.
func (t *Tx) DeleteByDataKey(ctx context.Context, key DataKey) error {
	origin := string(key.ReportingOrigin)
	stmts := []string{
		`DELETE FROM sources WHERE reporting_origin = ?`,
		`DELETE FROM event_level_reports WHERE reporting_origin = ?`,
		`DELETE FROM aggregatable_reports WHERE reporting_origin = ?`,
		`DELETE FROM rate_limits WHERE reporting_origin = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, origin); err != nil {
			return fmt.Errorf("delete by data key: %w", err)
		}
	}
	return nil
}
