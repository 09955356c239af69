// Package scheduler runs the engine's periodic jobs: quota period resets, the
// stale slot sweep, the monitoring check, and configured pipeline triggers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/config"
	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
)

// Cron specs use six fields with a leading seconds field and run in UTC.
const (
	DailyResetSpec   = "0 0 0 * * *"
	MonthlyResetSpec = "0 5 0 1 * *"
	StaleSweepSpec   = "0 */5 * * * *"
)

// jobTimeout bounds one invocation of a maintenance job.
const jobTimeout = 5 * time.Minute

// Job is one invocation of a scheduled task.
type Job func(ctx context.Context) error

// Scheduler owns a cron runner whose jobs share a cancellable context.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	log    *zap.Logger

	mu      sync.Mutex
	names   []string
	stopped bool
}

// New creates a stopped scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.NewWithLocation(time.UTC),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Add registers fn under name. An invocation that finds the previous one of
// the same job still running is skipped.
func (s *Scheduler) Add(name, spec string, fn Job) error {
	if _, err := cron.Parse(spec); err != nil {
		return eris.Wrapf(err, "scheduler: job %s: invalid spec %q", name, spec)
	}
	var running atomic.Bool
	err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Warn("previous invocation still running, skipping", zap.String("job", name))
			return
		}
		defer running.Store(false)
		s.invoke(name, fn)
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: add job %s", name)
	}
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) invoke(name string, fn Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	started := s.now()
	if err := fn(ctx); err != nil {
		s.log.Error("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.log.Debug("job finished", zap.String("job", name), zap.Duration("elapsed", s.now().Sub(started)))
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.log.Info("starting scheduler", zap.Strings("jobs", s.Jobs()))
	s.cron.Start()
}

// Stop stops triggering jobs, cancels running ones, and waits for them to
// return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: stop")
	}
}

// QuotaResetter rolls quota counters into a new period.
type QuotaResetter interface {
	ResetDaily(ctx context.Context) (int64, error)
	ResetMonthly(ctx context.Context) (int64, error)
}

// Sweeper reclaims slots of runs that outlived the stale threshold.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// RunStarter starts a pipeline run in the background.
type RunStarter interface {
	StartRun(ctx context.Context, req coordinator.StartRequest) (*model.PipelineRun, error)
}

// Maintenance holds the engine's housekeeping jobs. Nil fields are skipped.
type Maintenance struct {
	Quota   QuotaResetter
	Sweeper Sweeper
	// Check runs the monitoring evaluation every CheckInterval.
	Check         Job
	CheckInterval time.Duration
}

// AddMaintenance registers the quota resets, the stale sweep, and the
// monitoring check.
func (s *Scheduler) AddMaintenance(m Maintenance) error {
	if m.Quota != nil {
		if err := s.Add("quota-daily-reset", DailyResetSpec, func(ctx context.Context) error {
			n, err := m.Quota.ResetDaily(ctx)
			if err == nil {
				s.log.Info("daily quota reset", zap.Int64("counters", n))
			}
			return err
		}); err != nil {
			return err
		}
		if err := s.Add("quota-monthly-reset", MonthlyResetSpec, func(ctx context.Context) error {
			n, err := m.Quota.ResetMonthly(ctx)
			if err == nil {
				s.log.Info("monthly quota reset", zap.Int64("counters", n))
			}
			return err
		}); err != nil {
			return err
		}
	}
	if m.Sweeper != nil {
		if err := s.Add("stale-sweep", StaleSweepSpec, func(ctx context.Context) error {
			n, err := m.Sweeper.SweepStale(ctx)
			if n > 0 {
				s.log.Warn("reclaimed stale quota slots", zap.Int("slots", n))
			}
			return err
		}); err != nil {
			return err
		}
	}
	if m.Check != nil {
		interval := m.CheckInterval
		if interval < time.Second {
			interval = 5 * time.Minute
		}
		if err := s.Add("monitoring-check", fmt.Sprintf("@every %s", interval), m.Check); err != nil {
			return err
		}
	}
	return nil
}

// AddRunSchedule triggers the configured pipeline for the previous UTC day.
func (s *Scheduler) AddRunSchedule(sc config.ScheduleConfig, starter RunStarter) error {
	name := sc.Name
	if name == "" {
		name = fmt.Sprintf("run:%s/%s/%s", sc.TenantID, sc.Provider, sc.Domain)
	}
	return s.Add(name, sc.Cron, func(ctx context.Context) error {
		run, err := starter.StartRun(ctx, ScheduledRequest(sc, s.now()))
		if err != nil {
			return eris.Wrapf(err, "scheduler: start %s", name)
		}
		s.log.Info("scheduled run started",
			zap.String("job", name),
			zap.String("run_id", run.ID),
			zap.Stringer("range", run.Range),
		)
		return nil
	})
}

// ScheduledRequest builds the run request a schedule fires at now.
func ScheduledRequest(sc config.ScheduleConfig, now time.Time) coordinator.StartRequest {
	return coordinator.StartRequest{
		TenantID:      sc.TenantID,
		Provider:      sc.Provider,
		Domain:        model.Capability(sc.Domain),
		Pipeline:      sc.Pipeline,
		CredentialRef: sc.CredentialRef,
		Range:         model.PreviousDay(now.UTC()),
		Trigger:       model.TriggerSchedule,
	}
}
