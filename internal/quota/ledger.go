// Package quota implements the per-tenant admission ledger: daily, monthly,
// and concurrent run limits enforced with single atomic store operations.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// releaseTimeout bounds a release issued after the run's context is gone.
const releaseTimeout = 10 * time.Second

// Store is the atomic counter surface the ledger needs. Every method must be a
// single read-modify-write against storage, never read-then-write.
type Store interface {
	// TryAdmit checks all three limits and, when every check passes,
	// increments the period counters and the running count and records the
	// slot. It reports false, with no change, when any limit is reached.
	TryAdmit(ctx context.Context, req model.AdmitRequest) (bool, error)
	// ReleaseSlot frees the slot of runID and decrements the running count.
	// It reports false when the slot was already released or never existed.
	ReleaseSlot(ctx context.Context, runID string, at time.Time) (bool, error)
	// QuotaCounter returns the ledger row, or model.ErrNotFound.
	QuotaCounter(ctx context.Context, tenantID string) (*model.QuotaCounter, error)
	ResetDailyCounters(ctx context.Context, dayKey string, at time.Time) (int64, error)
	ResetMonthlyCounters(ctx context.Context, monthKey string, at time.Time) (int64, error)
	// StaleSlots lists unreleased slots admitted before the cutoff.
	StaleSlots(ctx context.Context, before time.Time) ([]model.QuotaSlot, error)
}

// LimitsSource supplies a tenant's configured plan limits. Zero fields fall
// back to the ledger defaults.
type LimitsSource interface {
	TenantLimits(ctx context.Context, tenantID string) (model.Limits, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the admission controller shared by every run.
type Ledger struct {
	store    Store
	limits   LimitsSource
	defaults model.Limits
	now      func() time.Time
	log      *zap.Logger
}

// New creates a Ledger. limits may be nil, in which case every tenant gets
// the defaults.
func New(store Store, limits LimitsSource, defaults model.Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		limits:   limits,
		defaults: defaults,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "quota.ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the effective limits for a tenant.
func (l *Ledger) Limits(ctx context.Context, tenantID string) (model.Limits, error) {
	if l.limits == nil {
		return l.defaults, nil
	}
	lim, err := l.limits.TenantLimits(ctx, tenantID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.Limits{}, eris.Wrapf(err, "quota: limits for tenant %s", tenantID)
	}
	return lim.Merge(l.defaults), nil
}

// TryAdmit atomically checks daily, monthly, and concurrent limits for the
// tenant and takes a slot for runID. On denial it returns *ExceededError and
// nothing is recorded.
func (l *Ledger) TryAdmit(ctx context.Context, tenantID, runID string) (*Lease, error) {
	now := l.now().UTC()
	limits, err := l.Limits(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ok, err := l.store.TryAdmit(ctx, model.AdmitRequest{
		TenantID: tenantID,
		RunID:    runID,
		DayKey:   model.DayKey(now),
		MonthKey: model.MonthKey(now),
		Limits:   limits,
		At:       now,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "quota: admit tenant %s", tenantID)
	}
	if !ok {
		return nil, l.denial(ctx, tenantID, limits, now)
	}

	l.log.Debug("admitted", zap.String("tenant", tenantID), zap.String("run_id", runID))
	return &Lease{RunID: runID, TenantID: tenantID, ledger: l}, nil
}

// denial reports the first limit, in check order, that the tenant is at.
func (l *Ledger) denial(ctx context.Context, tenantID string, limits model.Limits, now time.Time) error {
	usage := model.Usage{TenantID: tenantID}
	counter, err := l.store.QuotaCounter(ctx, tenantID)
	switch {
	case err == nil:
		usage = counter.UsageAt(now)
	case !errors.Is(err, model.ErrNotFound):
		l.log.Warn("read counter after denial", zap.String("tenant", tenantID), zap.Error(err))
	}

	daily := model.NextDailyReset(now)
	monthly := model.NextMonthlyReset(now)
	switch {
	case usage.DailyUsed >= limits.DailyMax:
		return &ExceededError{TenantID: tenantID, Limit: model.LimitDaily, Used: usage.DailyUsed, Max: limits.DailyMax, ResetAt: &daily}
	case usage.MonthlyUsed >= limits.MonthlyMax:
		return &ExceededError{TenantID: tenantID, Limit: model.LimitMonthly, Used: usage.MonthlyUsed, Max: limits.MonthlyMax, ResetAt: &monthly}
	default:
		return &ExceededError{TenantID: tenantID, Limit: model.LimitConcurrent, Used: usage.Running, Max: limits.ConcurrentMax}
	}
}

// Release frees the slot held by runID. It is safe to call more than once;
// only the first call decrements the running count.
func (l *Ledger) Release(ctx context.Context, runID string) (bool, error) {
	released, err := l.store.ReleaseSlot(ctx, runID, l.now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "quota: release run %s", runID)
	}
	if !released {
		l.log.Debug("slot already released", zap.String("run_id", runID))
	}
	return released, nil
}

// ResetDaily zeroes daily counters from earlier days. Counters already at
// zero are left untouched.
func (l *Ledger) ResetDaily(ctx context.Context) (int64, error) {
	now := l.now().UTC()
	n, err := l.store.ResetDailyCounters(ctx, model.DayKey(now), now)
	if err != nil {
		return 0, eris.Wrap(err, "quota: daily reset")
	}
	l.log.Info("daily counters reset", zap.Int64("tenants", n))
	return n, nil
}

// ResetMonthly zeroes monthly counters from earlier months.
func (l *Ledger) ResetMonthly(ctx context.Context) (int64, error) {
	now := l.now().UTC()
	n, err := l.store.ResetMonthlyCounters(ctx, model.MonthKey(now), now)
	if err != nil {
		return 0, eris.Wrap(err, "quota: monthly reset")
	}
	l.log.Info("monthly counters reset", zap.Int64("tenants", n))
	return n, nil
}

// SweepStale releases slots held longer than maxAge and returns the ones this
// call released.
func (l *Ledger) SweepStale(ctx context.Context, maxAge time.Duration) ([]model.QuotaSlot, error) {
	now := l.now().UTC()
	slots, err := l.store.StaleSlots(ctx, now.Add(-maxAge))
	if err != nil {
		return nil, eris.Wrap(err, "quota: list stale slots")
	}

	var released []model.QuotaSlot
	for _, slot := range slots {
		ok, err := l.store.ReleaseSlot(ctx, slot.RunID, now)
		if err != nil {
			return released, eris.Wrapf(err, "quota: release stale run %s", slot.RunID)
		}
		if !ok {
			continue
		}
		l.log.Warn("released stale slot",
			zap.String("tenant", slot.TenantID),
			zap.String("run_id", slot.RunID),
			zap.Duration("held", now.Sub(slot.AdmittedAt)),
		)
		released = append(released, slot)
	}
	return released, nil
}

// Usage returns the tenant's counters for the current periods with limits.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (model.Usage, error) {
	now := l.now().UTC()
	limits, err := l.Limits(ctx, tenantID)
	if err != nil {
		return model.Usage{}, err
	}

	usage := model.Usage{TenantID: tenantID, DayKey: model.DayKey(now), MonthKey: model.MonthKey(now)}
	counter, err := l.store.QuotaCounter(ctx, tenantID)
	switch {
	case err == nil:
		usage = counter.UsageAt(now)
	case !errors.Is(err, model.ErrNotFound):
		return model.Usage{}, eris.Wrapf(err, "quota: usage for tenant %s", tenantID)
	}
	usage.Limits = limits
	return usage, nil
}

// Lease is one admitted slot. Release must be called exactly once on every
// exit path of the run; extra calls are no-ops.
type Lease struct {
	RunID    string
	TenantID string

	ledger *Ledger
	once   sync.Once
	err    error
}

// Release frees the slot. It survives cancellation of ctx so that a
// force-failed run still gives its slot back.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_, l.err = l.ledger.Release(rctx, l.RunID)
	})
	return l.err
}
