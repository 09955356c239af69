package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrInvalidCursor is returned for a history cursor this service did not issue.
var ErrInvalidCursor = eris.New("coordinator: invalid cursor")

// RunDetail is a run with its step-level detail.
type RunDetail struct {
	Run   *model.PipelineRun     `json:"run"`
	Steps []model.StepExecution `json:"steps"`
}

// HistoryQuery pages one tenant's runs, most recent first.
type HistoryQuery struct {
	TenantID string
	Status   model.RunStatus
	Since    time.Time
	Limit    int
	Cursor   string
}

// HistoryPage is one page of run history. NextCursor is empty on the last page.
type HistoryPage struct {
	Runs       []model.PipelineRun `json:"runs"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// GetRun returns a run. A non-empty tenantID must own the run; runs of other
// tenants are reported as not found.
func (c *Coordinator) GetRun(ctx context.Context, tenantID, runID string) (*model.PipelineRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && run.TenantID != tenantID {
		return nil, eris.Wrapf(model.ErrNotFound, "coordinator: run %s", runID)
	}
	return run, nil
}

// GetRunStatus is a pure read of the run and its step records.
func (c *Coordinator) GetRunStatus(ctx context.Context, tenantID, runID string) (*RunDetail, error) {
	run, err := c.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "coordinator: steps of %s", runID)
	}
	return &RunDetail{Run: run, Steps: steps}, nil
}

// Steps returns the ordered step records of a run.
func (c *Coordinator) Steps(ctx context.Context, tenantID, runID string) ([]model.StepExecution, error) {
	if _, err := c.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return c.store.ListSteps(ctx, runID)
}

// Transitions returns the timestamped state machine log of a run.
func (c *Coordinator) Transitions(ctx context.Context, tenantID, runID string) ([]model.Transition, error) {
	if _, err := c.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return c.store.ListTransitions(ctx, runID)
}

// ListHistory returns one page of runs ordered by creation time descending.
// Paging by cursor is stable under concurrent inserts.
func (c *Coordinator) ListHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	rq := model.RunQuery{TenantID: q.TenantID, Status: q.Status, CreatedAfter: q.Since, Limit: limit}
	if q.Cursor != "" {
		cur, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, resilience.NewValidationError("cursor", err)
		}
		rq.Before = cur
	}

	runs, err := c.store.ListRuns(ctx, rq)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: list history")
	}
	page := &HistoryPage{Runs: runs}
	if page.Runs == nil {
		page.Runs = []model.PipelineRun{}
	}
	if len(runs) == limit {
		last := runs[len(runs)-1]
		page.NextCursor = EncodeCursor(model.Cursor{CreatedAt: last.CreatedAt, RunID: last.ID})
	}
	return page, nil
}

// EncodeCursor renders an opaque history cursor.
func EncodeCursor(c model.Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.RunID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (*model.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &model.Cursor{CreatedAt: at.UTC(), RunID: id}, nil
}

// ForceFail marks a non-terminal run failed without waiting for its current
// step, releases its quota slot, and cancels its execution if it is running
// in this process. The completion event is emitted once.
func (c *Coordinator) ForceFail(ctx context.Context, tenantID, runID, reason string) (*model.PipelineRun, error) {
	if reason == "" {
		reason = "operator request"
	}
	for range 5 {
		run, err := c.GetRun(ctx, tenantID, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, eris.Wrapf(ErrTerminal, "run %s is %s", runID, run.Status)
		}
		won := c.finish(ctx, run, model.RunUpdate{
			From:         run.Status,
			To:           model.RunStatusFailed,
			Reason:       "force-failed: " + reason,
			ErrorSummary: "force-failed: " + reason,
			ErrorClass:   string(resilience.ClassCanceled),
			RowsWritten:  run.RowsWritten,
			RowsDropped:  run.RowsDropped,
		}, false)
		if won {
			c.cancelRun(runID)
			return run, nil
		}
		// The run advanced under us; read it again.
	}
	return nil, eris.Errorf("coordinator: force-fail %s: run kept changing state", runID)
}

// SweepStale releases quota slots held past the stale threshold and fails
// their runs if they never reached a terminal state. It returns the number of
// slots released.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	slots, err := c.admission.SweepStale(ctx, c.cfg.StaleAfter)
	if err != nil {
		return len(slots), err
	}
	for _, slot := range slots {
		_, err := c.ForceFail(ctx, "", slot.RunID, "stale")
		switch {
		case err == nil:
			c.log.Warn("failed stale run", zap.String("run_id", slot.RunID), zap.String("tenant", slot.TenantID))
		case errors.Is(err, ErrTerminal), errors.Is(err, model.ErrNotFound):
		default:
			c.log.Error("fail stale run", zap.String("run_id", slot.RunID), zap.Error(err))
		}
	}
	return len(slots), nil
}
