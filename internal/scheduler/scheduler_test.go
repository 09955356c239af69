package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/config"
	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeQuota struct{ daily, monthly atomic.Int32 }

func (f *fakeQuota) ResetDaily(context.Context) (int64, error) {
	f.daily.Add(1)
	return 3, nil
}

func (f *fakeQuota) ResetMonthly(context.Context) (int64, error) {
	f.monthly.Add(1)
	return 1, nil
}

type fakeSweeper struct{}

func (fakeSweeper) SweepStale(context.Context) (int, error) { return 0, nil }

type fakeStarter struct {
	reqs chan coordinator.StartRequest
}

func (f *fakeStarter) StartRun(_ context.Context, req coordinator.StartRequest) (*model.PipelineRun, error) {
	f.reqs <- req
	return &model.PipelineRun{ID: "run-1", Range: req.Range}, nil
}

func TestAdd_RejectsInvalidSpec(t *testing.T) {
	s := New()
	err := s.Add("bad", "every day", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid spec")
	assert.Empty(t, s.Jobs())
}

func TestAddMaintenance_RegistersJobs(t *testing.T) {
	s := New()
	require.NoError(t, s.AddMaintenance(Maintenance{
		Quota:         &fakeQuota{},
		Sweeper:       fakeSweeper{},
		Check:         func(context.Context) error { return nil },
		CheckInterval: 30 * time.Second,
	}))
	assert.Equal(t, []string{"quota-daily-reset", "quota-monthly-reset", "stale-sweep", "monitoring-check"}, s.Jobs())

	s = New()
	require.NoError(t, s.AddMaintenance(Maintenance{Sweeper: fakeSweeper{}}))
	assert.Equal(t, []string{"stale-sweep"}, s.Jobs())
}

func TestScheduledRequest_PreviousUTCDay(t *testing.T) {
	sc := config.ScheduleConfig{
		TenantID: "acme", Provider: "gcp", Domain: "cloud", Pipeline: "billing-export",
		CredentialRef: "main", Cron: "0 30 1 * * *",
	}
	// 00:30 on Jan 1 in UTC+2 is still Dec 31 in UTC.
	now := time.Date(2026, 1, 1, 0, 30, 0, 0, time.FixedZone("EET", 2*3600))
	req := ScheduledRequest(sc, now)

	assert.Equal(t, "acme", req.TenantID)
	assert.Equal(t, model.CapabilityCloud, req.Domain)
	assert.Equal(t, model.TriggerSchedule, req.Trigger)
	assert.Equal(t, "2025-12-30..2025-12-30", req.Range.String())
}

func TestScheduler_RunsJobsAndStops(t *testing.T) {
	s := New()
	starter := &fakeStarter{reqs: make(chan coordinator.StartRequest, 4)}
	require.NoError(t, s.AddRunSchedule(config.ScheduleConfig{
		TenantID: "acme", Provider: "gcp", Domain: "cloud", Cron: "* * * * * *",
	}, starter))
	assert.Equal(t, []string{"run:acme/gcp/cloud"}, s.Jobs())

	s.Start()
	select {
	case req := <-starter.reqs:
		assert.Equal(t, model.TriggerSchedule, req.Trigger)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled run never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_SkipsOverlappingInvocations(t *testing.T) {
	s := New()
	var calls atomic.Int32
	release := make(chan struct{})
	require.NoError(t, s.Add("slow", "* * * * * *", func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	s.Start()
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	s := New()
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	require.NoError(t, s.Add("blocking", "* * * * * *", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(errors.Is(ctx.Err(), context.Canceled))
		return ctx.Err()
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, sawCancel.Load())
}
