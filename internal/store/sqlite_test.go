package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-pipeline/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "costpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestRun(id, tenant string, created time.Time) *model.PipelineRun {
	return &model.PipelineRun{
		ID:            id,
		TenantID:      tenant,
		Provider:      "gcp",
		Domain:        model.CapabilityCloud,
		TemplateID:    "gcp.cloud.daily",
		CredentialRef: "main",
		Range:         model.SingleDay(created.AddDate(0, 0, -1)),
		Status:        model.RunStatusPending,
		Trigger:       model.TriggerAPI,
		ExecutionID:   "exec-" + id,
		CreatedAt:     created,
	}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	run := newTestRun("run-1", "acme", testNow)
	require.NoError(t, s.CreateRun(ctx, run))
	assert.ErrorIs(t, s.CreateRun(ctx, run), ErrConflict)

	steps := []model.RunUpdate{
		{RunID: "run-1", From: model.RunStatusPending, To: model.RunStatusValidating, At: testNow.Add(time.Second)},
		{RunID: "run-1", From: model.RunStatusValidating, To: model.RunStatusRunning, At: testNow.Add(2 * time.Second)},
		{RunID: "run-1", From: model.RunStatusRunning, To: model.RunStatusCompleted, Reason: "done",
			At: testNow.Add(time.Minute), RowsWritten: 80, RowsDropped: 3},
	}
	for _, u := range steps {
		ok, err := s.TransitionRun(ctx, u)
		require.NoError(t, err)
		require.True(t, ok, "%s -> %s", u.From, u.To)
	}

	// A second writer holding the old status loses.
	ok, err := s.TransitionRun(ctx, model.RunUpdate{
		RunID: "run-1", From: model.RunStatusRunning, To: model.RunStatusFailed, At: testNow.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(80), got.RowsWritten)
	assert.Equal(t, int64(3), got.RowsDropped)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.StartedAt.Equal(testNow.Add(2*time.Second)))
	assert.True(t, got.EndedAt.Equal(testNow.Add(time.Minute)))
	assert.Equal(t, run.Range, got.Range)

	log, err := s.ListTransitions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, model.RunStatus(""), log[0].From)
	assert.Equal(t, model.RunStatusPending, log[0].To)
	assert.Equal(t, model.RunStatusCompleted, log[3].To)
	assert.Equal(t, "done", log[3].Reason)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_TransitionRun_RejectsBackwardMoves(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-1", "acme", testNow)))

	for _, u := range []model.RunUpdate{
		{RunID: "run-1", From: model.RunStatusPending, To: model.RunStatusRunning, At: testNow},
		{RunID: "run-1", From: model.RunStatusPending, To: model.RunStatusCompleted, At: testNow},
		{RunID: "run-1", From: model.RunStatusFailed, To: model.RunStatusPending, At: testNow},
	} {
		ok, err := s.TransitionRun(ctx, u)
		assert.ErrorIs(t, err, model.ErrIllegalTransition, "%s -> %s", u.From, u.To)
		assert.False(t, ok)
	}

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	log, err := s.ListTransitions(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestSQLite_FailedRunKeepsErrorSummary(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-1", "acme", testNow)))

	ok, err := s.TransitionRun(ctx, model.RunUpdate{
		RunID: "run-1", From: model.RunStatusPending, To: model.RunStatusFailed, At: testNow,
		ErrorSummary: "credential main not found", ErrorClass: "config",
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "credential main not found", got.ErrorSummary)
	assert.Equal(t, "config", got.ErrorClass)
	assert.Nil(t, got.StartedAt)
}

func TestSQLite_ListRunsPagesWithoutOverlap(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// Two runs share a timestamp to exercise the id tie-break.
	for i := range 5 {
		created := testNow.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateRun(ctx, newTestRun(fmt.Sprintf("run-%d", i), "acme", created)))
	}
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-4b", "acme", testNow.Add(4*time.Minute))))
	require.NoError(t, s.CreateRun(ctx, newTestRun("other-1", "globex", testNow)))

	var seen []string
	q := model.RunQuery{TenantID: "acme", Limit: 2}
	for {
		page, err := s.ListRuns(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			seen = append(seen, r.ID)
		}
		last := page[len(page)-1]
		q.Before = &model.Cursor{CreatedAt: last.CreatedAt, RunID: last.ID}
	}
	assert.Equal(t, []string{"run-4b", "run-4", "run-3", "run-2", "run-1", "run-0"}, seen)
}

func TestSQLite_ListRunsFilters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newTestRun("run-old", "acme", testNow.Add(-48*time.Hour))))
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-new", "acme", testNow)))
	_, err := s.TransitionRun(ctx, model.RunUpdate{RunID: "run-new", From: model.RunStatusPending, To: model.RunStatusFailed, At: testNow})
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, model.RunQuery{TenantID: "acme", Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-new", runs[0].ID)

	runs, err = s.ListRuns(ctx, model.RunQuery{TenantID: "acme", CreatedAfter: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	counts, err := s.CountRunsByStatus(ctx, testNow.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[model.RunStatus]int{model.RunStatusPending: 1, model.RunStatusFailed: 1}, counts)
}

func TestSQLite_Steps(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, newTestRun("run-1", "acme", testNow)))

	for i, name := range []string{"fetch", "normalize"} {
		require.NoError(t, s.SaveStep(ctx, &model.StepExecution{
			RunID: "run-1", Order: i, Name: name, Kind: model.StepKind(name),
			OnFailure: model.OnFailureStop, Status: model.StepStatusPending, MaxAttempts: 3,
		}))
	}
	started := testNow.Add(time.Second)
	ended := testNow.Add(3 * time.Second)
	require.NoError(t, s.SaveStep(ctx, &model.StepExecution{
		RunID: "run-1", Order: 0, Name: "fetch", Kind: model.StepKindFetch,
		OnFailure: model.OnFailureStop, Status: model.StepStatusSucceeded, Attempts: 2, MaxAttempts: 3,
		RowCount: 100, LastError: "503", StartedAt: &started, EndedAt: &ended,
	}))

	steps, err := s.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusSucceeded, steps[0].Status)
	assert.Equal(t, 2, steps[0].Attempts)
	assert.Equal(t, int64(100), steps[0].RowCount)
	require.NotNil(t, steps[0].EndedAt)
	assert.True(t, steps[0].EndedAt.Equal(ended))
	assert.Equal(t, model.StepStatusPending, steps[1].Status)
	assert.Nil(t, steps[1].StartedAt)
}

func TestSQLite_TryAdmit_ParallelNeverExceedsConcurrentMax(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := testAdmitRequest(fmt.Sprintf("run-%d", i))
			req.Limits.ConcurrentMax = 3
			ok, err := s.TryAdmit(ctx, req)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(3), admitted.Load())

	c, err := s.QuotaCounter(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Running)
	assert.Equal(t, 3, c.DailyUsed)
	assert.Equal(t, 3, c.MonthlyUsed)
}

func TestSQLite_ZeroLimitAdmitsNothing(t *testing.T) {
	s := newTestSQLite(t)
	req := testAdmitRequest("run-1")
	req.Limits.DailyMax = 0

	ok, err := s.TryAdmit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.QuotaCounter(context.Background(), "acme")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_DailyLimitRollsOver(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	req := testAdmitRequest("run-1")
	req.Limits.DailyMax = 1
	ok, err := s.TryAdmit(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.ReleaseSlot(ctx, "run-1", testNow)
	require.NoError(t, err)

	req.RunID = "run-2"
	ok, err = s.TryAdmit(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok, "daily limit reached")

	tomorrow := testNow.AddDate(0, 0, 1)
	req.DayKey = model.DayKey(tomorrow)
	req.At = tomorrow
	ok, err = s.TryAdmit(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok, "new day key starts from zero")

	c, err := s.QuotaCounter(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, c.DailyUsed)
	assert.Equal(t, 2, c.MonthlyUsed)
}

func TestSQLite_ReleaseSlotExactlyOnce(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ok, err := s.TryAdmit(ctx, testAdmitRequest("run-1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ReleaseSlot(ctx, "run-1", testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseSlot(ctx, "run-1", testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseSlot(ctx, "never-admitted", testNow)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := s.QuotaCounter(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Running)
	assert.Equal(t, 1, c.DailyUsed)
}

func TestSQLite_ResetsAreIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ok, err := s.TryAdmit(ctx, testAdmitRequest("run-1"))
	require.NoError(t, err)
	require.True(t, ok)

	tomorrow := testNow.AddDate(0, 0, 1)
	n, err := s.ResetDailyCounters(ctx, model.DayKey(tomorrow), tomorrow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ResetDailyCounters(ctx, model.DayKey(tomorrow), tomorrow)
	require.NoError(t, err)
	assert.Zero(t, n)

	nextMonth := time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC)
	n, err = s.ResetMonthlyCounters(ctx, model.MonthKey(nextMonth), nextMonth)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c, err := s.QuotaCounter(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, c.DailyUsed)
	assert.Zero(t, c.MonthlyUsed)
	assert.Equal(t, 1, c.Running, "resets never touch running slots")
}

func TestSQLite_StaleSlots(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i, at := range []time.Time{testNow.Add(-3 * time.Hour), testNow.Add(-time.Minute)} {
		req := testAdmitRequest(fmt.Sprintf("run-%d", i))
		req.At = at
		ok, err := s.TryAdmit(ctx, req)
		require.NoError(t, err)
		require.True(t, ok)
	}

	stale, err := s.StaleSlots(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "run-0", stale[0].RunID)
	assert.True(t, stale[0].AdmittedAt.Equal(testNow.Add(-3*time.Hour)))
}

func TestSQLite_Tenants(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	tenant := &model.Tenant{ID: "acme", Name: "Acme", APIKeyHash: "h1", Limits: model.Limits{DailyMax: 5}, CreatedAt: testNow}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	assert.ErrorIs(t, s.CreateTenant(ctx, tenant), ErrConflict)
	require.NoError(t, s.CreateTenant(ctx, &model.Tenant{ID: "globex", CreatedAt: testNow}))

	got, err := s.TenantByAPIKeyHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ID)

	_, err = s.TenantByAPIKeyHash(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.UpdateTenantLimits(ctx, "acme", model.Limits{DailyMax: 7, MonthlyMax: 70, ConcurrentMax: 2}))
	lim, err := s.TenantLimits(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.Limits{DailyMax: 7, MonthlyMax: 70, ConcurrentMax: 2}, lim)

	assert.ErrorIs(t, s.UpdateTenantLimits(ctx, "ghost", model.Limits{}), model.ErrNotFound)

	all, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].ID)
}

func TestSQLite_Credentials(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &model.Tenant{ID: "acme", CreatedAt: testNow}))

	c := &model.SealedCredential{TenantID: "acme", Ref: "main", Provider: "gcp", Sealed: []byte{1, 2, 3}, CreatedAt: testNow, UpdatedAt: testNow}
	require.NoError(t, s.PutCredential(ctx, c))

	later := testNow.Add(time.Hour)
	c2 := *c
	c2.Sealed = []byte{4, 5}
	c2.UpdatedAt = later
	require.NoError(t, s.PutCredential(ctx, &c2))

	got, err := s.GetCredential(ctx, "acme", "main")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, got.Sealed)
	assert.True(t, got.CreatedAt.Equal(testNow))
	assert.True(t, got.UpdatedAt.Equal(later))

	_, err = s.GetCredential(ctx, "acme", "backup")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLite_ReplacePartitionLeavesNoStaleRows(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	key := testPartitionKey()
	neighbour := key
	neighbour.DataDate = key.DataDate.AddDate(0, 0, 1)

	_, err := s.WritePartition(ctx, neighbour, testLineageRows(neighbour, 5))
	require.NoError(t, err)

	_, inserted, err := s.ReplacePartition(ctx, key, testLineageRows(key, 100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), inserted)

	deleted, inserted, err := s.ReplacePartition(ctx, key, testLineageRows(key, 80))
	require.NoError(t, err)
	assert.Equal(t, int64(100), deleted)
	assert.Equal(t, int64(80), inserted)

	n, err := s.CountPartition(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(80), n)

	n, err = s.CountPartition(ctx, neighbour)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	deleted, err = s.DeletePartition(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(80), deleted)
}
