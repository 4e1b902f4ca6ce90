package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/policy"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
	"github.com/halcyonlabs/attrib/internal/store"
)

// Clock supplies the current time. Production code uses the system
// clock; tests substitute a manual one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Resolver is the attribution engine. All mutating operations take an
// exclusive lock, giving single-writer semantics over the store.
type Resolver struct {
	mu sync.Mutex

	store   *store.Store
	cfg     policy.Config
	ledger  *ratelimit.Ledger
	clock   Clock
	rng     *rand.Rand
	log     *slog.Logger
	metrics *metrics

	lastExpiryRun time.Time
}

// Option customizes a Resolver at construction.
type Option func(*Resolver)

// WithClock substitutes the time source.
func WithClock(c Clock) Option { return func(r *Resolver) { r.clock = c } }

// WithRand substitutes the noise and delay randomness source.
func WithRand(rng *rand.Rand) Option { return func(r *Resolver) { r.rng = rng } }

// WithMetrics registers operation counters on reg.
func WithMetrics(reg prometheusRegisterer) Option {
	return func(r *Resolver) { r.metrics = newMetrics(reg) }
}

// New builds a Resolver over st governed by cfg.
func New(st *store.Store, cfg policy.Config, log *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:  st,
		cfg:    cfg,
		ledger: ratelimit.NewLedger(cfg.RateLimits()),
		clock:  systemClock{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// statusError aborts a store transaction while carrying a terminal
// status out to the caller. It distinguishes "the operation decided no"
// from a genuine storage failure.
type statusError struct {
	status any
}

func (e *statusError) Error() string { return fmt.Sprintf("resolution aborted: %v", e.status) }

func abort(status any) error { return &statusError{status: status} }

// GetAttributionReports returns up to limit reports due at or before
// maxTime, in randomized order so delivery timing does not reveal
// storage order. limit <= 0 means no limit.
func (r *Resolver) GetAttributionReports(ctx context.Context, maxTime time.Time, limit int) ([]attribution.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reports, err := r.store.GetReports(ctx, maxTime, limit)
	if err != nil {
		return nil, err
	}
	r.rng.Shuffle(len(reports), func(i, j int) {
		reports[i], reports[j] = reports[j], reports[i]
	})
	return reports, nil
}

// NextReportTime returns the earliest report time strictly after t, or
// nil if none remain.
func (r *Resolver) NextReportTime(ctx context.Context, t time.Time) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetNextReportTime(ctx, t)
}

// DeleteReport removes a delivered (or permanently failed) report.
func (r *Resolver) DeleteReport(ctx context.Context, key attribution.ReportKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.store.InTransaction(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteReport(ctx, key)
		return err
	})
	if err == nil {
		r.metrics.recordReportDeleted()
	}
	return err
}

// UpdateReportForSendFailure reschedules a report after a failed send
// attempt and bumps its failure counter.
func (r *Resolver) UpdateReportForSendFailure(ctx context.Context, key attribution.ReportKey, newReportTime time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found, err := r.store.UpdateReportForSendFailure(ctx, key, newReportTime)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no stored report %v/%d", key.Type, key.ID)
	}
	return nil
}

// GetActiveSources lists sources still eligible for attribution.
func (r *Resolver) GetActiveSources(ctx context.Context, limit int) ([]attribution.StoredSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetActiveSources(ctx, r.clock.Now(), limit)
}

// deleteExpiredSources purges expired sources at most once per
// configured interval. Callers hold r.mu.
func (r *Resolver) deleteExpiredSources(ctx context.Context, now time.Time) {
	if !r.lastExpiryRun.IsZero() && now.Sub(r.lastExpiryRun) < r.cfg.ExpiredSourceDeletionInterval {
		return
	}
	r.lastExpiryRun = now

	err := r.store.InTransaction(ctx, func(tx *store.Tx) error {
		n, err := tx.DeleteExpiredSources(ctx, now)
		if err != nil {
			return err
		}
		if n > 0 {
			r.log.Debug("deleted expired sources", "count", n)
		}
		return nil
	})
	if err != nil {
		r.log.Warn("expired source deletion failed", "error", err)
	}
}
