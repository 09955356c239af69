package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore is a mutex-guarded Store with the same semantics as the SQL stores.
type memStore struct {
	mu       sync.Mutex
	counters map[string]*model.QuotaCounter
	slots    map[string]*model.QuotaSlot
	releases atomic.Int64
}

func newMemStore() *memStore {
	return &memStore{
		counters: make(map[string]*model.QuotaCounter),
		slots:    make(map[string]*model.QuotaSlot),
	}
}

func (m *memStore) TryAdmit(_ context.Context, req model.AdmitRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[req.TenantID]
	if !ok {
		c = &model.QuotaCounter{TenantID: req.TenantID}
		m.counters[req.TenantID] = c
	}
	u := c.UsageAt(req.At)
	if u.DailyUsed >= req.Limits.DailyMax || u.MonthlyUsed >= req.Limits.MonthlyMax || c.Running >= req.Limits.ConcurrentMax {
		return false, nil
	}
	c.DayKey, c.DailyUsed = req.DayKey, u.DailyUsed+1
	c.MonthKey, c.MonthlyUsed = req.MonthKey, u.MonthlyUsed+1
	c.Running++
	m.slots[req.RunID] = &model.QuotaSlot{RunID: req.RunID, TenantID: req.TenantID, AdmittedAt: req.At}
	return true, nil
}

func (m *memStore) ReleaseSlot(_ context.Context, runID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[runID]
	if !ok || s.ReleasedAt != nil {
		return false, nil
	}
	s.ReleasedAt = &at
	if c := m.counters[s.TenantID]; c.Running > 0 {
		c.Running--
	}
	m.releases.Add(1)
	return true, nil
}

func (m *memStore) QuotaCounter(_ context.Context, tenantID string) (*model.QuotaCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[tenantID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ResetDailyCounters(_ context.Context, dayKey string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.counters {
		if c.DayKey != dayKey && c.DailyUsed > 0 {
			c.DailyUsed, c.DayKey = 0, dayKey
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetMonthlyCounters(_ context.Context, monthKey string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.counters {
		if c.MonthKey != monthKey && c.MonthlyUsed > 0 {
			c.MonthlyUsed, c.MonthKey = 0, monthKey
			n++
		}
	}
	return n, nil
}

func (m *memStore) StaleSlots(_ context.Context, before time.Time) ([]model.QuotaSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QuotaSlot
	for _, s := range m.slots {
		if s.ReleasedAt == nil && s.AdmittedAt.Before(before) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type staticLimits map[string]model.Limits

func (s staticLimits) TenantLimits(_ context.Context, tenantID string) (model.Limits, error) {
	l, ok := s[tenantID]
	if !ok {
		return model.Limits{}, model.ErrNotFound
	}
	return l, nil
}

var defaults = model.Limits{DailyMax: 100, MonthlyMax: 1000, ConcurrentMax: 2}

func newLedger(store Store, clock *time.Time, limits LimitsSource) *Ledger {
	return New(store, limits, defaults, WithClock(func() time.Time { return *clock }))
}

func TestTryAdmit_ConcurrentLimitAndRelease(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, nil)
	ctx := context.Background()

	first, err := l.TryAdmit(ctx, "t1", "run-1")
	require.NoError(t, err)
	_, err = l.TryAdmit(ctx, "t1", "run-2")
	require.NoError(t, err)

	_, err = l.TryAdmit(ctx, "t1", "run-3")
	require.Error(t, err)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, model.LimitConcurrent, exceeded.Limit)
	assert.Equal(t, 2, exceeded.Used)
	assert.Equal(t, 2, exceeded.Max)
	assert.Nil(t, exceeded.ResetAt)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, resilience.ClassQuota, resilience.Classify(err))

	require.NoError(t, first.Release(ctx))

	_, err = l.TryAdmit(ctx, "t1", "run-4")
	require.NoError(t, err)
}

func TestTryAdmit_DenialRecordsNothing(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, staticLimits{"t1": {ConcurrentMax: 1}})
	ctx := context.Background()

	_, err := l.TryAdmit(ctx, "t1", "run-1")
	require.NoError(t, err)
	_, err = l.TryAdmit(ctx, "t1", "run-2")
	require.Error(t, err)

	u, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.DailyUsed)
	assert.Equal(t, 1, u.MonthlyUsed)
	assert.Equal(t, 1, u.Running)
	_, held := store.slots["run-2"]
	assert.False(t, held)
}

func TestTryAdmit_DailyLimitReportsReset(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, staticLimits{"t1": {DailyMax: 2, ConcurrentMax: 5}})
	ctx := context.Background()

	for i := range 2 {
		lease, err := l.TryAdmit(ctx, "t1", fmt.Sprintf("run-%d", i))
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))
	}

	_, err := l.TryAdmit(ctx, "t1", "run-x")
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, model.LimitDaily, exceeded.Limit)
	require.NotNil(t, exceeded.ResetAt)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), *exceeded.ResetAt)
	assert.Contains(t, err.Error(), "daily limit")

	// The next day admits again without an explicit reset.
	now = now.Add(24 * time.Hour)
	_, err = l.TryAdmit(ctx, "t1", "run-y")
	require.NoError(t, err)
}

func TestTryAdmit_MonthlyLimit(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, staticLimits{"t1": {MonthlyMax: 1}})
	ctx := context.Background()

	lease, err := l.TryAdmit(ctx, "t1", "run-1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	// Past midnight on the 1st but before 00:05 the old month still counts.
	now = time.Date(2026, 2, 1, 0, 3, 0, 0, time.UTC)
	_, err = l.TryAdmit(ctx, "t1", "run-2")
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, model.LimitMonthly, exceeded.Limit)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC), *exceeded.ResetAt)

	now = time.Date(2026, 2, 1, 0, 6, 0, 0, time.UTC)
	_, err = l.TryAdmit(ctx, "t1", "run-3")
	require.NoError(t, err)
}

func TestTryAdmit_ParallelNeverExceedsConcurrentMax(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, staticLimits{"t1": {ConcurrentMax: 3}})

	var admitted atomic.Int32
	var g errgroup.Group
	for i := range 50 {
		g.Go(func() error {
			_, err := l.TryAdmit(context.Background(), "t1", fmt.Sprintf("run-%d", i))
			if err == nil {
				admitted.Add(1)
				return nil
			}
			if errors.Is(err, ErrQuotaExceeded) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(3), admitted.Load())

	u, err := l.Usage(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Running)
}

func TestLease_ReleaseExactlyOnce(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, nil)

	lease, err := l.TryAdmit(context.Background(), "t1", "run-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	released, err := l.Release(context.Background(), "run-1")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(1), store.releases.Load())

	u, err := l.Usage(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Running)
}

func TestResets_Idempotent(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, nil)
	ctx := context.Background()

	_, err := l.TryAdmit(ctx, "t1", "run-1")
	require.NoError(t, err)

	n, err := l.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "same-day counters are not reset")

	now = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err = l.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = l.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "zeroed counters are not reset again")

	now = time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC)
	n, err = l.ResetMonthly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = l.ResetMonthly(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	u, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Running, "resets never touch the running count")
}

func TestSweepStale(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	l := newLedger(store, &now, staticLimits{"t1": {ConcurrentMax: 5}})
	ctx := context.Background()

	_, err := l.TryAdmit(ctx, "t1", "old")
	require.NoError(t, err)
	now = now.Add(5 * time.Hour)
	_, err = l.TryAdmit(ctx, "t1", "fresh")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	swept, err := l.SweepStale(ctx, 6*time.Hour)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "old", swept[0].RunID)

	swept, err = l.SweepStale(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, swept)

	u, err := l.Usage(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Running)
}

func TestUsage_UnknownTenant(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	l := newLedger(newMemStore(), &now, staticLimits{})

	u, err := l.Usage(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, defaults, u.Limits)
	assert.Equal(t, "2026-01-15", u.DayKey)
	assert.Zero(t, u.Running)
}
