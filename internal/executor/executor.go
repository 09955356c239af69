// Package executor runs one pipeline step with a per-attempt timeout and
// bounded, jittered retry, and persists the step's execution record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrStepPanic is wrapped when a step implementation panics.
var ErrStepPanic = eris.New("executor: step panicked")

// Recorder persists step execution records keyed by (run, order).
type Recorder interface {
	SaveStep(ctx context.Context, rec *model.StepExecution) error
}

// Observer is told about every finished step.
type Observer interface {
	StepFinished(rec model.StepExecution, elapsed time.Duration)
}

// Result is the outcome of one step.
type Result struct {
	Record model.StepExecution
	Err    error
}

// Failed reports whether the step ended in failure.
func (r Result) Failed() bool { return r.Err != nil }

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(e *Executor) { e.now = fn }
}

// WithBackoff overrides the multiplier and jitter fraction of every step.
func WithBackoff(multiplier, jitterFraction float64) Option {
	return func(e *Executor) {
		e.multiplier = multiplier
		e.jitter = jitterFraction
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor runs steps. It is safe for concurrent use by many runs.
type Executor struct {
	rec        Recorder
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	multiplier float64
	jitter     float64
	observer   Observer
}

// New creates an Executor.
func New(rec Recorder, opts ...Option) *Executor {
	e := &Executor{
		rec:        rec,
		now:        time.Now,
		multiplier: 2.0,
		jitter:     0.25,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func newRecord(runID string, order int, def pipeline.StepDef, status model.StepStatus) model.StepExecution {
	return model.StepExecution{
		RunID:       runID,
		Order:       order,
		Name:        def.Name,
		Kind:        def.Kind,
		OnFailure:   def.OnFailure,
		Status:      status,
		MaxAttempts: def.MaxAttempts,
	}
}

// Plan records every step of tmpl as pending.
func (e *Executor) Plan(ctx context.Context, runID string, tmpl *pipeline.Template) error {
	for i, def := range tmpl.Steps {
		rec := newRecord(runID, i+1, def, model.StepStatusPending)
		if err := e.rec.SaveStep(ctx, &rec); err != nil {
			return eris.Wrapf(err, "executor: plan step %s", def.Name)
		}
	}
	return nil
}

// Skip records a step that will not run.
func (e *Executor) Skip(ctx context.Context, runID string, order int, def pipeline.StepDef, reason string) error {
	rec := newRecord(runID, order, def, model.StepStatusSkipped)
	rec.LastError = reason
	return eris.Wrapf(e.rec.SaveStep(ctx, &rec), "executor: skip step %s", def.Name)
}

// Execute runs def as step number order of the run in rc. Only retryable
// errors are retried, up to def.MaxAttempts attempts in total. An attempt
// that exceeds def.Timeout is abandoned and counts as a retryable failure.
func (e *Executor) Execute(ctx context.Context, order int, def pipeline.StepDef, rc *pipeline.RunContext) Result {
	log := zap.L().With(
		zap.String("component", "executor"),
		zap.String("run_id", rc.Run.ID),
		zap.String("tenant", rc.Run.TenantID),
		zap.String("step", def.Name),
	)

	started := e.now().UTC()
	rec := newRecord(rc.Run.ID, order, def, model.StepStatusRunning)
	rec.StartedAt = &started
	e.save(ctx, log, &rec)

	cfg := resilience.RetryConfig{
		MaxAttempts:    def.MaxAttempts,
		InitialBackoff: def.BaseDelay,
		MaxBackoff:     def.MaxDelay,
		Multiplier:     e.multiplier,
		JitterFraction: e.jitter,
		Sleep:          e.sleep,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			resilience.RetryLogger(log, def.Name)(attempt, err, delay)
			rec.LastError = err.Error()
			e.save(ctx, log, &rec)
		},
	}

	rows, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (int64, error) {
		rec.Attempts++
		return e.attempt(ctx, def, rc)
	})

	ended := e.now().UTC()
	rec.EndedAt = &ended
	rec.RowCount = rows
	if err != nil {
		rec.Status = model.StepStatusFailed
		rec.LastError = err.Error()
		log.Warn("step failed",
			zap.Int("attempts", rec.Attempts),
			zap.String("error_class", string(resilience.Classify(err))),
			zap.Error(err),
		)
	} else {
		rec.Status = model.StepStatusSucceeded
		rec.LastError = ""
		log.Info("step succeeded",
			zap.Int("attempts", rec.Attempts),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", ended.Sub(started)),
		)
	}

	// The final record must land even when the run was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	e.save(saveCtx, log, &rec)

	if e.observer != nil {
		e.observer.StepFinished(rec, ended.Sub(started))
	}
	return Result{Record: rec, Err: err}
}

type outcome struct {
	rows int64
	err  error
}

// attempt runs one try under the step timeout. The step runs in its own
// goroutine so a body that ignores ctx still cannot hold the run past its
// deadline. Each try works on its own copy of rc, committed only when the
// try succeeds in time, so an abandoned try cannot write into the run.
func (e *Executor) attempt(ctx context.Context, def pipeline.StepDef, rc *pipeline.RunContext) (int64, error) {
	actx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	work := *rc
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: eris.Wrapf(ErrStepPanic, "%s: %v", def.Name, p)}
			}
		}()
		n, err := def.Impl.Run(actx, &work)
		done <- outcome{rows: n, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, timeoutError(def)
		}
		if out.err == nil {
			*rc = work
		}
		return out.rows, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return 0, eris.Wrap(ctx.Err(), "executor: step aborted")
		}
		return 0, timeoutError(def)
	}
}

func timeoutError(def pipeline.StepDef) error {
	return resilience.NewTransientError(
		eris.Wrap(context.DeadlineExceeded, fmt.Sprintf("executor: step %s timed out after %s", def.Name, def.Timeout)), 0)
}

func (e *Executor) save(ctx context.Context, log *zap.Logger, rec *model.StepExecution) {
	if err := e.rec.SaveStep(ctx, rec); err != nil {
		log.Error("persist step record", zap.String("status", string(rec.Status)), zap.Error(err))
	}
}
