package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/attrib/internal/attribution"
)

// InsertEventLevelReport persists an event-level report, assigning
// r.ID. r.Data must be attribution.EventLevelData.
func (t *Tx) InsertEventLevelReport(ctx context.Context, r *attribution.Report) error {
	data, ok := r.Data.(attribution.EventLevelData)
	if !ok {
		return fmt.Errorf("insert event-level report: wrong payload type %T", r.Data)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_level_reports
		(external_id, source_id, source_event_id, trigger_data, priority,
		 randomized_trigger_rate, attribution_time, report_time,
		 initial_report_time, context_origin, reporting_origin, debug_key,
		 failed_send_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ExternalID.String(),
		int64(r.SourceID),
		encodeUint64(data.SourceEventID),
		encodeUint64(data.TriggerData),
		data.Priority,
		data.RandomizedTriggerRate,
		encodeTime(r.AttributionTime),
		encodeTime(r.ReportTime),
		encodeTime(r.InitialReportTime),
		string(r.ContextOrigin),
		string(r.ReportingOrigin),
		encodeOptUint64(r.DebugKey),
		r.FailedSendAttempts,
	)
	if err != nil {
		return fmt.Errorf("insert event-level report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert event-level report: %w", err)
	}
	r.ID = attribution.ReportID(id)
	return nil
}

// InsertAggregatableReport persists an aggregatable report and its
// contribution rows, assigning r.ID. r.Data must be
// attribution.AggregatableData.
func (t *Tx) InsertAggregatableReport(ctx context.Context, r *attribution.Report) error {
	data, ok := r.Data.(attribution.AggregatableData)
	if !ok {
		return fmt.Errorf("insert aggregatable report: wrong payload type %T", r.Data)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO aggregatable_reports
		(external_id, source_id, attribution_time, report_time,
		 initial_report_time, context_origin, reporting_origin, debug_key,
		 failed_send_attempts, assembled_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ExternalID.String(),
		int64(r.SourceID),
		encodeTime(r.AttributionTime),
		encodeTime(r.ReportTime),
		encodeTime(r.InitialReportTime),
		string(r.ContextOrigin),
		string(r.ReportingOrigin),
		encodeOptUint64(r.DebugKey),
		r.FailedSendAttempts,
		data.AssembledPayload,
	)
	if err != nil {
		return fmt.Errorf("insert aggregatable report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert aggregatable report: %w", err)
	}
	r.ID = attribution.ReportID(id)

	for _, c := range data.Contributions {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO aggregatable_contributions (report_id, key_hi, key_lo, value)
			VALUES (?, ?, ?, ?)
		`, id, encodeUint64(c.Key.Hi), encodeUint64(c.Key.Lo), int64(c.Value)); err != nil {
			return fmt.Errorf("insert contribution: %w", err)
		}
	}
	return nil
}

// CountEventLevelReports counts pending event-level reports for a
// source.
func (t *Tx) CountEventLevelReports(ctx context.Context, sourceID attribution.SourceID) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_level_reports WHERE source_id = ?
	`, int64(sourceID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count event-level reports: %w", err)
	}
	return n, nil
}

// LowestPriorityEventLevelReport returns the source's pending
// event-level report with the least priority, most recent first among
// ties, or nil when none exist. The priority-replacement rule compares
// candidates against this report.
func (t *Tx) LowestPriorityEventLevelReport(ctx context.Context, sourceID attribution.SourceID) (*attribution.Report, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+eventReportColumns+`
		FROM event_level_reports
		WHERE source_id = ?
		ORDER BY priority ASC, attribution_time DESC, id DESC
		LIMIT 1
	`, int64(sourceID))
	if err != nil {
		return nil, fmt.Errorf("query lowest-priority report: %w", err)
	}
	reports, err := collectEventReports(rows)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0], nil
}

// DeleteReport removes one report of either kind. Contributions cascade
// with the aggregatable row. Returns false when no such report exists.
func (t *Tx) DeleteReport(ctx context.Context, key attribution.ReportKey) (bool, error) {
	table := "event_level_reports"
	if key.Type == attribution.ReportTypeAggregatable {
		table = "aggregatable_reports"
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, int64(key.ID))
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete report: %w", err)
	}
	return n == 1, nil
}

// HasDedupKey reports whether the source already consumed the dedup key
// for the report type.
func (t *Tx) HasDedupKey(ctx context.Context, sourceID attribution.SourceID, typ attribution.ReportType, key uint64) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `
		SELECT 1 FROM dedup_keys
		WHERE source_id = ? AND report_type = ? AND dedup_key = ?
	`, int64(sourceID), string(typ), encodeUint64(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dedup key: %w", err)
	}
	return true, nil
}

// InsertDedupKey records a consumed dedup key.
func (t *Tx) InsertDedupKey(ctx context.Context, sourceID attribution.SourceID, typ attribution.ReportType, key uint64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dedup_keys (source_id, report_type, dedup_key)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, int64(sourceID), string(typ), encodeUint64(key))
	if err != nil {
		return fmt.Errorf("insert dedup key: %w", err)
	}
	return nil
}

// GetReports returns reports of both kinds due at or before maxTime,
// ordered by scheduled time. limit <= 0 means unlimited. The resolver
// shuffles before handing reports to the delivery pipeline.
func (s *Store) GetReports(ctx context.Context, maxTime time.Time, limit int) ([]attribution.Report, error) {
	var out []attribution.Report
	err := s.InTransaction(ctx, func(tx *Tx) error {
		lim := limit
		if lim <= 0 {
			lim = -1 // SQLite: negative LIMIT means no limit
		}
		rows, err := tx.tx.QueryContext(ctx, `
			SELECT `+eventReportColumns+`
			FROM event_level_reports
			WHERE report_time <= ?
			ORDER BY report_time ASC, id ASC
			LIMIT ?
		`, encodeTime(maxTime), lim)
		if err != nil {
			return fmt.Errorf("query due event-level reports: %w", err)
		}
		evs, err := collectEventReports(rows)
		if err != nil {
			return err
		}
		aggs, err := tx.dueAggregatableReports(ctx, maxTime, lim)
		if err != nil {
			return err
		}

		// Both kinds compete for the limit on scheduled time, so a
		// backlog of one kind cannot starve the other.
		out = append(evs, aggs...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].ReportTime.Before(out[j].ReportTime)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// GetNextReportTime returns the earliest scheduled report time strictly
// after t, or nil when nothing is pending.
func (s *Store) GetNextReportTime(ctx context.Context, t time.Time) (*time.Time, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(rt) FROM (
			SELECT MIN(report_time) AS rt FROM event_level_reports WHERE report_time > ?
			UNION ALL
			SELECT MIN(report_time) AS rt FROM aggregatable_reports WHERE report_time > ?
		)
	`, encodeTime(t), encodeTime(t)).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("query next report time: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	at := decodeTime(next.Int64)
	return &at, nil
}

// UpdateReportForSendFailure reschedules a report after a delivery
// failure, bumping its failure count. Returns false when the report no
// longer exists.
func (s *Store) UpdateReportForSendFailure(ctx context.Context, key attribution.ReportKey, newTime time.Time) (bool, error) {
	table := "event_level_reports"
	if key.Type == attribution.ReportTypeAggregatable {
		table = "aggregatable_reports"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET report_time = ?, failed_send_attempts = failed_send_attempts + 1
		WHERE id = ?
	`, encodeTime(newTime), int64(key.ID))
	if err != nil {
		return false, fmt.Errorf("update report for send failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update report for send failure: %w", err)
	}
	return n == 1, nil
}

// AdjustOfflineReportTimes reschedules every overdue report to now plus
// a caller-supplied delay, drawn per report. Returns the number of
// reports moved.
func (t *Tx) AdjustOfflineReportTimes(ctx context.Context, now time.Time, delay func() time.Duration) (int, error) {
	moved := 0
	for _, table := range []string{"event_level_reports", "aggregatable_reports"} {
		ids, err := t.overdueReportIDs(ctx, table, now)
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			if _, err := t.tx.ExecContext(ctx,
				`UPDATE `+table+` SET report_time = ? WHERE id = ?`,
				encodeTime(now.Add(delay())), id,
			); err != nil {
				return 0, fmt.Errorf("adjust report time: %w", err)
			}
			moved++
		}
	}
	return moved, nil
}

func (t *Tx) overdueReportIDs(ctx context.Context, table string, now time.Time) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE report_time < ?`, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("query overdue reports: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan overdue report: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue reports: %w", err)
	}
	return ids, nil
}

const eventReportColumns = `
	id, external_id, source_id, source_event_id, trigger_data, priority,
	randomized_trigger_rate, attribution_time, report_time,
	initial_report_time, context_origin, reporting_origin, debug_key,
	failed_send_attempts`

// collectEventReports drains an event_level_reports result set.
func collectEventReports(rows *sql.Rows) ([]attribution.Report, error) {
	defer rows.Close()
	var out []attribution.Report
	for rows.Next() {
		var (
			r                   attribution.Report
			id, srcID, eventID  int64
			externalID          string
			triggerData         int64
			priority            int64
			rate                float64
			at, rt, irt         int64
			ctxOrigin, repOrig  string
			debugKey            sql.NullInt64
		)
		if err := rows.Scan(&id, &externalID, &srcID, &eventID, &triggerData, &priority,
			&rate, &at, &rt, &irt, &ctxOrigin, &repOrig, &debugKey, &r.FailedSendAttempts); err != nil {
			return nil, fmt.Errorf("scan event-level report: %w", err)
		}
		ext, err := uuid.Parse(externalID)
		if err != nil {
			// Treat as absent; the row is cleaned up by ClearData.
			continue
		}
		co, err := attribution.ParseOrigin(ctxOrigin)
		if err != nil {
			continue
		}
		ro, err := attribution.ParseOrigin(repOrig)
		if err != nil {
			continue
		}
		r.ID = attribution.ReportID(id)
		r.ExternalID = ext
		r.SourceID = attribution.SourceID(srcID)
		r.AttributionTime = decodeTime(at)
		r.ReportTime = decodeTime(rt)
		r.InitialReportTime = decodeTime(irt)
		r.ContextOrigin = co
		r.ReportingOrigin = ro
		r.DebugKey = decodeOptUint64(debugKey)
		r.Data = attribution.EventLevelData{
			SourceEventID:         decodeUint64(eventID),
			TriggerData:           decodeUint64(triggerData),
			Priority:              priority,
			RandomizedTriggerRate: rate,
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event-level reports: %w", err)
	}
	return out, nil
}

func (t *Tx) dueAggregatableReports(ctx context.Context, maxTime time.Time, limit int) ([]attribution.Report, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, external_id, source_id, attribution_time, report_time,
		       initial_report_time, context_origin, reporting_origin,
		       debug_key, failed_send_attempts, assembled_payload
		FROM aggregatable_reports
		WHERE report_time <= ?
		ORDER BY report_time ASC, id ASC
		LIMIT ?
	`, encodeTime(maxTime), limit)
	if err != nil {
		return nil, fmt.Errorf("query due aggregatable reports: %w", err)
	}
	defer rows.Close()

	var out []attribution.Report
	for rows.Next() {
		var (
			r                  attribution.Report
			id, srcID          int64
			externalID         string
			at, rt, irt        int64
			ctxOrigin, repOrig string
			debugKey           sql.NullInt64
			payload            []byte
		)
		if err := rows.Scan(&id, &externalID, &srcID, &at, &rt, &irt,
			&ctxOrigin, &repOrig, &debugKey, &r.FailedSendAttempts, &payload); err != nil {
			return nil, fmt.Errorf("scan aggregatable report: %w", err)
		}
		ext, err := uuid.Parse(externalID)
		if err != nil {
			continue
		}
		co, err := attribution.ParseOrigin(ctxOrigin)
		if err != nil {
			continue
		}
		ro, err := attribution.ParseOrigin(repOrig)
		if err != nil {
			continue
		}
		r.ID = attribution.ReportID(id)
		r.ExternalID = ext
		r.SourceID = attribution.SourceID(srcID)
		r.AttributionTime = decodeTime(at)
		r.ReportTime = decodeTime(rt)
		r.InitialReportTime = decodeTime(irt)
		r.ContextOrigin = co
		r.ReportingOrigin = ro
		r.DebugKey = decodeOptUint64(debugKey)

		contribs, err := t.reportContributions(ctx, id)
		if err != nil {
			return nil, err
		}
		r.Data = attribution.AggregatableData{Contributions: contribs, AssembledPayload: payload}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregatable reports: %w", err)
	}
	return out, nil
}

func (t *Tx) reportContributions(ctx context.Context, reportID int64) ([]attribution.Contribution, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key_hi, key_lo, value FROM aggregatable_contributions
		WHERE report_id = ? ORDER BY key_hi ASC, key_lo ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	var out []attribution.Contribution
	for rows.Next() {
		var hi, lo, value int64
		if err := rows.Scan(&hi, &lo, &value); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		out = append(out, attribution.Contribution{
			Key:   attribution.AggregationKey{Hi: decodeUint64(hi), Lo: decodeUint64(lo)},
			Value: uint32(value),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return out, nil
}
