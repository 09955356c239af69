// Package coordinator drives pipeline runs through their state machine:
// validation, quota admission, sequential step execution under each step's
// failure policy, and exactly one completion event per terminal transition.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/cost-pipeline/internal/executor"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/quota"
)

var (
	// ErrTerminal is returned when an operation needs a non-terminal run.
	ErrTerminal = eris.New("coordinator: run already finished")
	// ErrShuttingDown is returned by StartRun once Shutdown has begun.
	ErrShuttingDown = eris.New("coordinator: shutting down")
)

// Store is the run persistence the coordinator needs.
type Store interface {
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	TransitionRun(ctx context.Context, u model.RunUpdate) (bool, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, q model.RunQuery) ([]model.PipelineRun, error)
	ListTransitions(ctx context.Context, runID string) ([]model.Transition, error)
	ListSteps(ctx context.Context, runID string) ([]model.StepExecution, error)
}

// Admission is the quota ledger surface used by runs.
type Admission interface {
	TryAdmit(ctx context.Context, tenantID, runID string) (*quota.Lease, error)
	Release(ctx context.Context, runID string) (bool, error)
	SweepStale(ctx context.Context, maxAge time.Duration) ([]model.QuotaSlot, error)
}

// CredentialResolver decrypts a tenant's credential reference.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, provider, ref string) (*model.Credential, error)
}

// StepRunner plans and executes the steps of a run.
type StepRunner interface {
	Plan(ctx context.Context, runID string, tmpl *pipeline.Template) error
	Skip(ctx context.Context, runID string, order int, def pipeline.StepDef, reason string) error
	Execute(ctx context.Context, order int, def pipeline.StepDef, rc *pipeline.RunContext) executor.Result
}

// Notifier consumes completion events.
type Notifier interface {
	Notify(ctx context.Context, ev model.CompletionEvent) error
}

// Metrics records run outcomes. All methods must be safe for concurrent use.
type Metrics interface {
	RunAdmitted(tenantID, templateID string)
	RunDenied(tenantID string, limit model.LimitKind)
	RunFinished(run *model.PipelineRun, elapsed time.Duration)
}

// Config tunes the coordinator.
type Config struct {
	// MaxConcurrentRuns bounds runs executing in this process. Zero means 16.
	MaxConcurrentRuns int
	// StaleAfter is the age past which a held quota slot is considered leaked.
	StaleAfter time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) { c.now = fn }
}

// WithNotifier sets the completion event consumer.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithIDGenerator overrides run and execution identifier generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// inflight tracks a run executing in this process.
type inflight struct {
	cancel context.CancelFunc
	lease  *quota.Lease
	done   chan struct{}
}

// Coordinator is the run state machine. It is safe for concurrent use.
type Coordinator struct {
	cfg       Config
	store     Store
	registry  *pipeline.Registry
	admission Admission
	creds     CredentialResolver
	steps     StepRunner
	notifier  Notifier
	metrics   Metrics
	now       func() time.Time
	newID     func() string
	log       *zap.Logger

	sem *semaphore.Weighted

	// base is the parent of every run context; Shutdown cancels it when the
	// drain deadline passes.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup
	inflight map[string]*inflight
}

// New creates a Coordinator.
func New(cfg Config, st Store, reg *pipeline.Registry, adm Admission, creds CredentialResolver, steps StepRunner, opts ...Option) *Coordinator {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 16
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		store:      st,
		registry:   reg,
		admission:  adm,
		creds:      creds,
		steps:      steps,
		notifier:   nopNotifier{},
		metrics:    nopMetrics{},
		now:        time.Now,
		newID:      newUUID,
		log:        zap.L().With(zap.String("component", "coordinator")),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		base:       base,
		cancelBase: cancel,
		inflight:   make(map[string]*inflight),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) track(runID string, f *inflight) {
	c.mu.Lock()
	c.inflight[runID] = f
	c.mu.Unlock()
}

func (c *Coordinator) untrack(runID string) {
	c.mu.Lock()
	delete(c.inflight, runID)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(runID string) *inflight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[runID]
}

// cancelRun aborts the in-process execution of runID, if any.
func (c *Coordinator) cancelRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.inflight[runID]; f != nil && f.cancel != nil {
		f.cancel()
	}
}

// InFlight returns the number of runs executing in this process.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Shutdown stops accepting runs and waits for in-flight runs to finish. When
// ctx expires first, the remaining runs are cancelled and marked failed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	n := len(c.inflight)
	c.mu.Unlock()
	c.log.Info("draining runs", zap.Int("in_flight", n))

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancelBase()
		return nil
	case <-ctx.Done():
		c.log.Warn("drain deadline reached, cancelling runs")
		c.cancelBase()
		<-done
		return eris.Wrap(ctx.Err(), "coordinator: shutdown")
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, model.CompletionEvent) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RunAdmitted(string, string)                   {}
func (nopMetrics) RunDenied(string, model.LimitKind)            {}
func (nopMetrics) RunFinished(*model.PipelineRun, time.Duration) {}
