package resolver

import (
	"context"
	"time"

	"github.com/halcyonlabs/attrib/internal/store"
)

// ClearData deletes sources, reports and dedup keys whose times fall in
// [begin, end] and whose source or reporting origin matches filter. A
// nil filter matches every origin; zero begin and end are unbounded, so
// ClearData(ctx, time.Time{}, time.Time{}, nil, true) is a full wipe.
// Rate-limit rows are kept when deleteRateLimits is false, supporting a
// privacy setting that clears browsing data but keeps abuse counters.
func (r *Resolver) ClearData(ctx context.Context, begin, end time.Time, filter store.OriginFilter, deleteRateLimits bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.InTransaction(ctx, func(tx *store.Tx) error {
		return tx.ClearData(ctx, begin, end, filter, deleteRateLimits)
	})
}

// GetAllDataKeys lists the reporting origins holding any stored data,
// for per-site deletion UIs.
func (r *Resolver) GetAllDataKeys(ctx context.Context) ([]store.DataKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetAllDataKeys(ctx)
}

// DeleteByDataKey removes everything attributed to one reporting
// origin, rate limits included.
func (r *Resolver) DeleteByDataKey(ctx context.Context, key store.DataKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.store.InTransaction(ctx, func(tx *store.Tx) error {
		return tx.DeleteByDataKey(ctx, key)
	})
}

// AdjustOfflineReportTimes reschedules reports that came due while the
// engine was offline. Each overdue report gets an independent random
// delay from the configured window, so delivery after startup is not a
// fingerprintable burst. Returns the new earliest report time, or nil
// when no report is pending.
func (r *Resolver) AdjustOfflineReportTimes(ctx context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	min, max := r.cfg.OfflineReportDelayMin, r.cfg.OfflineReportDelayMax

	err := r.store.InTransaction(ctx, func(tx *store.Tx) error {
		_, err := tx.AdjustOfflineReportTimes(ctx, now, func() time.Duration {
			return min + r.randomDelay(max-min)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.store.GetNextReportTime(ctx, time.Time{})
}

// DeleteOutdatedRateLimits drops ledger rows older than the rate-limit
// window. Safe to run on any schedule.
func (r *Resolver) DeleteOutdatedRateLimits(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.cfg.RateLimitWindow)
	var deleted int64
	err := r.store.InTransaction(ctx, func(tx *store.Tx) error {
		var err error
		deleted, err = tx.DeleteOutdatedRateLimits(ctx, cutoff)
		return err
	})
	return deleted, err
}
