package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/quota"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// persistTimeout bounds terminal writes issued after the run context is gone.
const persistTimeout = 10 * time.Second

func newUUID() string { return uuid.NewString() }

// StartRequest asks for one run of a pipeline template.
type StartRequest struct {
	TenantID      string
	Provider      string
	Domain        model.Capability
	Pipeline      string // empty selects the pair's default template
	CredentialRef string
	// Range defaults to the previous UTC day when zero.
	Range   model.DateRange
	Trigger model.Trigger
}

// prepared is a validated, admitted run that has not started executing.
type prepared struct {
	run   *model.PipelineRun
	tmpl  *pipeline.Template
	lease *quota.Lease
}

// prepare validates the request, takes a quota slot, and creates the pending
// run. A denied admission creates no state.
func (c *Coordinator) prepare(ctx context.Context, req StartRequest) (*prepared, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	if err := model.ValidateTenantID(req.TenantID); err != nil {
		return nil, resilience.NewValidationError("tenant_id", err)
	}
	tmpl, err := c.registry.Resolve(req.Provider, req.Domain, req.Pipeline)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if req.Range.IsZero() {
		req.Range = model.PreviousDay(now)
	}
	if err := req.Range.Validate(); err != nil {
		return nil, resilience.NewValidationError("date_range", err)
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerAPI
	}

	run := &model.PipelineRun{
		ID:            c.newID(),
		TenantID:      req.TenantID,
		Provider:      tmpl.Provider,
		Domain:        tmpl.Domain,
		TemplateID:    tmpl.ID,
		CredentialRef: req.CredentialRef,
		Range:         req.Range,
		Status:        model.RunStatusPending,
		Trigger:       req.Trigger,
		ExecutionID:   c.newID(),
		CreatedAt:     now,
	}

	lease, err := c.admission.TryAdmit(ctx, run.TenantID, run.ID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			c.metrics.RunDenied(run.TenantID, exceeded.Limit)
		}
		return nil, err
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		if rerr := lease.Release(ctx); rerr != nil {
			c.log.Error("release after failed create", zap.String("run_id", run.ID), zap.Error(rerr))
		}
		return nil, eris.Wrap(err, "coordinator: create run")
	}
	c.metrics.RunAdmitted(run.TenantID, run.TemplateID)
	c.log.Info("run admitted",
		zap.String("run_id", run.ID),
		zap.String("tenant", run.TenantID),
		zap.String("template", run.TemplateID),
		zap.Stringer("range", run.Range),
		zap.String("trigger", string(run.Trigger)),
	)
	return &prepared{run: run, tmpl: tmpl, lease: lease}, nil
}

// StartRun validates and admits a run, then executes it in the background.
// It returns the run in its initial pending state.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (*model.PipelineRun, error) {
	p, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := *p.run
	f := c.launch(p)
	go func() {
		defer c.wg.Done()
		defer close(f.done)
		c.execute(c.base, p, f)
	}()
	return &snapshot, nil
}

// Run executes a run synchronously and returns its final state.
func (c *Coordinator) Run(ctx context.Context, req StartRequest) (*model.PipelineRun, error) {
	p, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	f := c.launch(p)
	func() {
		defer c.wg.Done()
		defer close(f.done)
		c.execute(ctx, p, f)
	}()
	return c.store.GetRun(context.WithoutCancel(ctx), p.run.ID)
}

func (c *Coordinator) launch(p *prepared) *inflight {
	f := &inflight{lease: p.lease, done: make(chan struct{})}
	c.wg.Add(1)
	c.track(p.run.ID, f)
	return f
}

// Wait blocks until the in-process run finishes or ctx expires. Runs not
// executing in this process return immediately.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	f := c.lookup(runID)
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one admitted run to a terminal state. The lease is released
// on every exit path.
func (c *Coordinator) execute(parent context.Context, p *prepared, f *inflight) {
	run := p.run
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.mu.Lock()
	f.cancel = cancel
	c.mu.Unlock()

	log := c.log.With(zap.String("run_id", run.ID), zap.String("tenant", run.TenantID))
	defer func() {
		if err := p.lease.Release(ctx); err != nil {
			log.Error("release slot", zap.Error(err))
		}
		c.untrack(run.ID)
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(ctx, run, run.Status, eris.Wrap(err, "waiting for a worker"), false)
		return
	}
	defer c.sem.Release(1)

	// validating
	if !c.advance(ctx, run, model.RunStatusValidating, "inputs valid") {
		return
	}
	cred, err := c.creds.Resolve(ctx, run.TenantID, run.Provider, run.CredentialRef)
	if err != nil {
		if resilience.Classify(err) != resilience.ClassCanceled {
			err = resilience.NewConfigError("credential "+run.CredentialRef, err)
		}
		c.fail(ctx, run, model.RunStatusValidating, err, false)
		return
	}
	if len(p.tmpl.Steps) == 0 {
		c.fail(ctx, run, model.RunStatusValidating,
			resilience.NewConfigError("template "+p.tmpl.ID, eris.New("template has no steps")), false)
		return
	}

	// running
	if !c.advance(ctx, run, model.RunStatusRunning, "credential resolved, slot admitted") {
		return
	}
	if err := c.steps.Plan(ctx, run.ID, p.tmpl); err != nil {
		log.Warn("plan steps", zap.Error(err))
	}

	rc := &pipeline.RunContext{
		Run:        run,
		Template:   p.tmpl,
		Credential: cred,
		IngestedAt: c.now().UTC(),
	}

	var (
		fatal     error
		fatalStep string
		alert     bool
		tolerated []string
	)
	for i, def := range p.tmpl.Steps {
		order := i + 1
		if fatal != nil || ctx.Err() != nil {
			reason := "run canceled"
			if fatal != nil {
				reason = "step " + fatalStep + " failed"
			}
			if err := c.steps.Skip(context.WithoutCancel(ctx), run.ID, order, def, reason); err != nil {
				log.Warn("record skipped step", zap.String("step", def.Name), zap.Error(err))
			}
			continue
		}

		res := c.steps.Execute(ctx, order, def, rc)
		if !res.Failed() {
			continue
		}
		if def.OnFailure.Fatal() {
			fatal, fatalStep = res.Err, def.Name
			alert = def.OnFailure == model.OnFailureAlert
			continue
		}
		log.Warn("step failed, continuing", zap.String("step", def.Name), zap.Error(res.Err))
		tolerated = append(tolerated, fmt.Sprintf("step %s (continued): %v", def.Name, res.Err))
	}

	written, dropped := rc.Written, rc.RowsDropped()
	switch {
	case fatal != nil:
		summary := append([]string{fmt.Sprintf("step %s: %v", fatalStep, fatal)}, tolerated...)
		c.finish(ctx, run, model.RunUpdate{
			From:         model.RunStatusRunning,
			To:           model.RunStatusFailed,
			Reason:       "step " + fatalStep + " failed",
			ErrorSummary: strings.Join(summary, "; "),
			ErrorClass:   string(resilience.Classify(fatal)),
			RowsWritten:  written,
			RowsDropped:  dropped,
		}, alert)
	case ctx.Err() != nil:
		c.fail(ctx, run, model.RunStatusRunning, ctx.Err(), false)
	default:
		c.finish(ctx, run, model.RunUpdate{
			From:         model.RunStatusRunning,
			To:           model.RunStatusCompleted,
			Reason:       "all required steps finished",
			ErrorSummary: strings.Join(tolerated, "; "),
			RowsWritten:  written,
			RowsDropped:  dropped,
		}, false)
	}
}

// advance moves run one state forward. It reports false when the run was
// moved elsewhere concurrently (a force-fail), in which case the caller stops.
func (c *Coordinator) advance(ctx context.Context, run *model.PipelineRun, to model.RunStatus, reason string) bool {
	if ctx.Err() != nil {
		c.fail(ctx, run, run.Status, ctx.Err(), false)
		return false
	}
	from := run.Status
	at := c.now().UTC()
	pctx, cancel := persistContext(ctx)
	defer cancel()
	ok, err := c.store.TransitionRun(pctx, model.RunUpdate{RunID: run.ID, From: from, To: to, Reason: reason, At: at})
	if err != nil {
		c.log.Error("transition run", zap.String("run_id", run.ID), zap.Error(err))
		c.fail(ctx, run, from, err, false)
		return false
	}
	if !ok {
		c.log.Info("run moved concurrently, stopping", zap.String("run_id", run.ID), zap.String("expected", string(from)))
		return false
	}
	run.Status = to
	if to == model.RunStatusRunning {
		run.StartedAt = &at
	}
	return true
}

// fail moves run from its current status to failed.
func (c *Coordinator) fail(ctx context.Context, run *model.PipelineRun, from model.RunStatus, cause error, alert bool) bool {
	class := resilience.Classify(cause)
	return c.finish(ctx, run, model.RunUpdate{
		From:         from,
		To:           model.RunStatusFailed,
		Reason:       "failed in " + string(from),
		ErrorSummary: cause.Error(),
		ErrorClass:   string(class),
	}, alert)
}

// finish applies a terminal transition. Only the caller whose conditional
// transition wins releases the slot and emits the completion event.
func (c *Coordinator) finish(ctx context.Context, run *model.PipelineRun, u model.RunUpdate, alert bool) bool {
	pctx, cancel := persistContext(ctx)
	defer cancel()

	u.RunID = run.ID
	u.At = c.now().UTC()
	ok, err := c.store.TransitionRun(pctx, u)
	if err != nil {
		c.log.Error("terminal transition", zap.String("run_id", run.ID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	run.Status = u.To
	run.EndedAt = &u.At
	run.ErrorSummary, run.ErrorClass = u.ErrorSummary, u.ErrorClass
	run.RowsWritten, run.RowsDropped = u.RowsWritten, u.RowsDropped

	c.releaseSlot(pctx, run.ID)
	c.metrics.RunFinished(run, u.At.Sub(run.CreatedAt))

	ev := model.CompletionEvent{
		RunID:        run.ID,
		TenantID:     run.TenantID,
		TemplateID:   run.TemplateID,
		Status:       run.Status,
		RowsWritten:  run.RowsWritten,
		RowsDropped:  run.RowsDropped,
		ErrorSummary: run.ErrorSummary,
		ErrorClass:   run.ErrorClass,
		Alert:        alert,
		FinishedAt:   u.At,
	}
	if err := c.notifier.Notify(pctx, ev); err != nil {
		c.log.Warn("completion event not delivered", zap.String("run_id", run.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("tenant", run.TenantID),
		zap.String("status", string(run.Status)),
		zap.Int64("rows_written", run.RowsWritten),
		zap.Int64("rows_dropped", run.RowsDropped),
	}
	if run.Status == model.RunStatusFailed {
		c.log.Warn("run failed", append(fields, zap.String("error", run.ErrorSummary), zap.String("class", run.ErrorClass))...)
	} else {
		c.log.Info("run completed", fields...)
	}
	return true
}

// releaseSlot frees the run's quota slot through its lease when the run is
// executing here, or directly through the ledger otherwise.
func (c *Coordinator) releaseSlot(ctx context.Context, runID string) {
	if f := c.lookup(runID); f != nil && f.lease != nil {
		if err := f.lease.Release(ctx); err != nil {
			c.log.Error("release slot", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	if _, err := c.admission.Release(ctx, runID); err != nil {
		c.log.Error("release slot", zap.String("run_id", runID), zap.Error(err))
	}
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
