package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

const sourceColumns = `
	id, source_event_id, source_origin, reporting_origin, source_type,
	registration_time, expiry_time, event_report_window_time,
	aggregatable_report_window_time, priority, destination_limit_priority,
	debug_key, trigger_spec, max_event_level_reports, aggregation_keys,
	filter_data, attribution_logic, randomized_response_rate,
	num_attributions, num_aggregatable_reports,
	remaining_aggregatable_budget, event_level_active, aggregatable_active`

// InsertSource persists a stored source and its destination satellite
// rows, assigning src.ID.
func (t *Tx) InsertSource(ctx context.Context, src *attribution.StoredSource) error {
	specJSON, err := marshalTriggerSpec(src.TriggerSpec())
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	keysJSON, err := marshalAggregationKeys(src.AggregationKeys)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	filterJSON, err := marshalFilterData(src.FilterData)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sources
		(source_event_id, source_origin, source_site, reporting_origin,
		 reporting_site, source_type, registration_time, expiry_time,
		 event_report_window_time, aggregatable_report_window_time,
		 priority, destination_limit_priority, debug_key, trigger_spec,
		 max_event_level_reports, aggregation_keys, filter_data,
		 attribution_logic, randomized_response_rate, num_attributions,
		 num_aggregatable_reports, remaining_aggregatable_budget,
		 event_level_active, aggregatable_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		encodeUint64(src.SourceEventID),
		string(src.SourceOrigin),
		string(src.SourceSite()),
		string(src.ReportingOrigin),
		string(src.ReportingSite()),
		string(src.SourceType),
		encodeTime(src.RegistrationTime),
		encodeTime(src.ExpiryTime),
		encodeTime(src.EventReportWindowTime),
		encodeTime(src.AggregatableReportWindowTime),
		src.Priority,
		src.DestinationLimitPriority,
		encodeOptUint64(src.DebugKey),
		specJSON,
		src.MaxEventLevelReports,
		keysJSON,
		filterJSON,
		string(src.AttributionLogic),
		src.RandomizedResponseRate,
		src.NumAttributions,
		src.NumAggregatableReports,
		src.RemainingAggregatableBudget,
		src.EventLevelActive,
		src.AggregatableActive,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	src.ID = attribution.SourceID(id)

	for _, dest := range src.Destinations {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO source_destinations (source_id, destination_site)
			VALUES (?, ?)
		`, id, string(dest)); err != nil {
			return fmt.Errorf("insert source destination: %w", err)
		}
	}
	return nil
}

// CountSourcesForOrigin counts unexpired sources registered by the
// origin, active or not.
func (t *Tx) CountSourcesForOrigin(ctx context.Context, origin attribution.Origin, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sources
		WHERE source_origin = ? AND expiry_time > ?
	`, string(origin), encodeTime(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sources for origin: %w", err)
	}
	return n, nil
}

// DeleteOldestSourceForOrigin removes the globally-oldest source for
// the origin, cascading its reports and dedup keys. Capacity churn at
// the per-origin source limit.
func (t *Tx) DeleteOldestSourceForOrigin(ctx context.Context, origin attribution.Origin) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM sources WHERE id IN (
			SELECT id FROM sources
			WHERE source_origin = ?
			ORDER BY registration_time ASC, id ASC
			LIMIT 1
		)
	`, string(origin))
	if err != nil {
		return fmt.Errorf("delete oldest source: %w", err)
	}
	return nil
}

// GetMatchingSources returns unexpired sources for (destination site,
// reporting origin) that are active for at least one report type,
// ordered most-recent-first within descending priority. The resolver
// applies trigger filter predicates on top of this ordering.
func (t *Tx) GetMatchingSources(ctx context.Context, destinationSite attribution.Site, reportingOrigin attribution.Origin, now time.Time) ([]attribution.StoredSource, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT
`+sourceColumns+`
		FROM sources
		WHERE reporting_origin = ?
		  AND expiry_time > ?
		  AND (event_level_active = 1 OR aggregatable_active = 1)
		  AND id IN (
			SELECT source_id FROM source_destinations WHERE destination_site = ?
		  )
		ORDER BY priority DESC, registration_time DESC, id DESC
	`, string(reportingOrigin), encodeTime(now), string(destinationSite))
	if err != nil {
		return nil, fmt.Errorf("query matching sources: %w", err)
	}
	return t.collectSources(ctx, rows)
}

// DestinationSource is the slim projection used by the
// unique-destination limit computation.
type DestinationSource struct {
	ID                       attribution.SourceID
	DestinationLimitPriority int64
	RegistrationTime         time.Time
	Destinations             []attribution.Site
}

// ActiveSourcesForDestinationLimit lists active unexpired sources for
// (source site, reporting site) with their destinations, for the
// unique-destination deactivation computation.
func (t *Tx) ActiveSourcesForDestinationLimit(ctx context.Context, sourceSite, reportingSite attribution.Site, now time.Time) ([]DestinationSource, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, destination_limit_priority, registration_time
		FROM sources
		WHERE source_site = ? AND reporting_site = ?
		  AND expiry_time > ?
		  AND (event_level_active = 1 OR aggregatable_active = 1)
		ORDER BY destination_limit_priority ASC, registration_time ASC, id ASC
	`, string(sourceSite), string(reportingSite), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("query destination sources: %w", err)
	}
	defer rows.Close()

	var out []DestinationSource
	for rows.Next() {
		var ds DestinationSource
		var reg int64
		if err := rows.Scan(&ds.ID, &ds.DestinationLimitPriority, &reg); err != nil {
			return nil, fmt.Errorf("scan destination source: %w", err)
		}
		ds.RegistrationTime = decodeTime(reg)
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destination sources: %w", err)
	}

	for i := range out {
		dests, err := t.sourceDestinations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Destinations = dests
	}
	return out, nil
}

// DeactivateSources clears both eligibility flags of the given sources.
// Deactivated sources stop matching triggers but keep their pending
// reports.
func (t *Tx) DeactivateSources(ctx context.Context, ids []attribution.SourceID) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE sources SET event_level_active = 0, aggregatable_active = 0
			WHERE id = ?
		`, int64(id)); err != nil {
			return fmt.Errorf("deactivate source %d: %w", id, err)
		}
	}
	return nil
}

// RecordAttribution bumps the source's attribution count.
func (t *Tx) RecordAttribution(ctx context.Context, id attribution.SourceID) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sources SET num_attributions = num_attributions + 1 WHERE id = ?
	`, int64(id))
	if err != nil {
		return fmt.Errorf("record attribution: %w", err)
	}
	return nil
}

// CountSourceReportingOrigins counts distinct reporting origins among
// unexpired sources of (source site, reporting site), and whether
// origin is already among them.
func (t *Tx) CountSourceReportingOrigins(ctx context.Context, sourceSite, reportingSite attribution.Site, origin attribution.Origin, now time.Time) (int, bool, error) {
	var distinct, present int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT reporting_origin),
		       COALESCE(MAX(reporting_origin = ?), 0)
		FROM sources
		WHERE source_site = ? AND reporting_site = ? AND expiry_time > ?
	`, string(origin), string(sourceSite), string(reportingSite), encodeTime(now)).Scan(&distinct, &present)
	if err != nil {
		return 0, false, fmt.Errorf("count source reporting origins: %w", err)
	}
	return distinct, present == 1, nil
}

// DebitAggregatableBudget atomically subtracts amount from the source's
// remaining budget. Returns false without mutating when the budget is
// insufficient.
func (t *Tx) DebitAggregatableBudget(ctx context.Context, id attribution.SourceID, amount int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sources
		SET remaining_aggregatable_budget = remaining_aggregatable_budget - ?,
		    num_aggregatable_reports = num_aggregatable_reports + 1
		WHERE id = ? AND remaining_aggregatable_budget >= ?
	`, amount, int64(id), amount)
	if err != nil {
		return false, fmt.Errorf("debit aggregatable budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit aggregatable budget: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredSources removes sources past expiry that have no pending
// reports of either kind. Rate-limit rows are deliberately retained:
// they expire by window, independent of their source.
func (t *Tx) DeleteExpiredSources(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM sources
		WHERE expiry_time <= ?
		  AND NOT EXISTS (SELECT 1 FROM event_level_reports r WHERE r.source_id = sources.id)
		  AND NOT EXISTS (SELECT 1 FROM aggregatable_reports r WHERE r.source_id = sources.id)
	`, encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sources: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sources: %w", err)
	}
	return n, nil
}

// GetActiveSources returns up to limit active unexpired sources,
// newest first. limit <= 0 means no limit. Diagnostics surface.
func (s *Store) GetActiveSources(ctx context.Context, now time.Time, limit int) ([]attribution.StoredSource, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []attribution.StoredSource
	err := s.InTransaction(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT
`+sourceColumns+`
			FROM sources
			WHERE expiry_time > ?
			  AND (event_level_active = 1 OR aggregatable_active = 1)
			ORDER BY registration_time DESC, id DESC
			LIMIT ?
		`, encodeTime(now), limit)
		if err != nil {
			return fmt.Errorf("query active sources: %w", err)
		}
		out, err = tx.collectSources(ctx, rows)
		return err
	})
	return out, err
}

// collectSources drains rows into domain sources. Rows that fail to
// deserialize are deleted and skipped.
func (t *Tx) collectSources(ctx context.Context, rows *sql.Rows) ([]attribution.StoredSource, error) {
	var out []attribution.StoredSource
	var invalid []attribution.SourceID

	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			if errors.Is(err, errInvalidRow) && src.ID != 0 {
				invalid = append(invalid, src.ID)
				continue
			}
			rows.Close()
			return nil, err
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	rows.Close()

	for _, id := range invalid {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, int64(id)); err != nil {
			return nil, fmt.Errorf("delete invalid source: %w", err)
		}
	}

	for i := range out {
		dests, err := t.sourceDestinations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Destinations = dests
	}
	return out, nil
}

func (t *Tx) sourceDestinations(ctx context.Context, id attribution.SourceID) ([]attribution.Site, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT destination_site FROM source_destinations
		WHERE source_id = ? ORDER BY destination_site ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query source destinations: %w", err)
	}
	defer rows.Close()

	var dests []attribution.Site
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan source destination: %w", err)
		}
		dests = append(dests, attribution.Site(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source destinations: %w", err)
	}
	return dests, nil
}

// scanSource maps one sources row to a StoredSource. Deserialization
// failures return errInvalidRow with the ID set so callers can clean
// the row up.
func scanSource(rows *sql.Rows) (attribution.StoredSource, error) {
	var (
		src                            attribution.StoredSource
		id, eventID                    int64
		sourceOrigin, reportingOrigin  string
		sourceType, logic              string
		reg, expiry, eventWin, aggWin  int64
		debugKey                       sql.NullInt64
		specJSON, keysJSON, filterJSON string
	)
	err := rows.Scan(
		&id, &eventID, &sourceOrigin, &reportingOrigin, &sourceType,
		&reg, &expiry, &eventWin, &aggWin, &src.Priority,
		&src.DestinationLimitPriority, &debugKey, &specJSON,
		&src.MaxEventLevelReports, &keysJSON, &filterJSON, &logic,
		&src.RandomizedResponseRate, &src.NumAttributions,
		&src.NumAggregatableReports, &src.RemainingAggregatableBudget,
		&src.EventLevelActive, &src.AggregatableActive,
	)
	if err != nil {
		return src, fmt.Errorf("scan source: %w", err)
	}
	src.ID = attribution.SourceID(id)
	src.SourceEventID = decodeUint64(eventID)
	src.RegistrationTime = decodeTime(reg)
	src.ExpiryTime = decodeTime(expiry)
	src.EventReportWindowTime = decodeTime(eventWin)
	src.AggregatableReportWindowTime = decodeTime(aggWin)
	src.DebugKey = decodeOptUint64(debugKey)

	if src.SourceOrigin, err = decodeOrigin(sourceOrigin); err != nil {
		return src, err
	}
	if src.ReportingOrigin, err = decodeOrigin(reportingOrigin); err != nil {
		return src, err
	}
	if src.SourceType, err = attribution.ParseSourceType(sourceType); err != nil {
		return src, fmt.Errorf("%w: %v", errInvalidRow, err)
	}
	if src.AttributionLogic, err = attribution.ParseAttributionLogic(logic); err != nil {
		return src, fmt.Errorf("%w: %v", errInvalidRow, err)
	}
	spec, err := unmarshalTriggerSpec(specJSON)
	if err != nil {
		return src, err
	}
	src.TriggerSpecs = []attribution.TriggerDataSpec{spec}
	if src.AggregationKeys, err = unmarshalAggregationKeys(keysJSON); err != nil {
		return src, err
	}
	if src.FilterData, err = unmarshalFilterData(filterJSON); err != nil {
		return src, err
	}
	return src, nil
}
