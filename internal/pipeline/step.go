package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/cost-pipeline/internal/lineage"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/partition"
)

// Step is one executable unit of a template. Run returns the step's output
// row count. Steps must tolerate being re-run after a failed attempt.
type Step interface {
	Run(ctx context.Context, rc *RunContext) (int64, error)
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, rc *RunContext) (int64, error)

// Run calls f.
func (f StepFunc) Run(ctx context.Context, rc *RunContext) (int64, error) { return f(ctx, rc) }

// StepTable maps each step kind to its implementation. It is consulted once,
// when templates are loaded.
type StepTable map[model.StepKind]Step

// RunContext carries the state one run's steps share. Steps of a run execute
// sequentially, so it needs no locking. The executor hands each attempt a
// copy and keeps it only when the attempt succeeds; steps replace fields
// rather than mutating shared slices or maps in place.
type RunContext struct {
	Run        *model.PipelineRun
	Template   *Template
	Credential *model.Credential
	IngestedAt time.Time

	Raw     []model.RawRecord
	Fetched bool

	Rows        []model.CanonicalRow
	Normalized  bool
	Dropped     int
	DropReasons map[string]int
	// OutOfRange counts normalized rows dated outside the run's range. The
	// write step sets it, not adds to it, so retries do not double count.
	OutOfRange int

	Written    int64
	Partitions []model.PartitionWrite
	ArchiveKey string
}

// RowsDropped is the total number of rows excluded from the output.
func (rc *RunContext) RowsDropped() int64 {
	return int64(rc.Dropped + rc.OutOfRange)
}

// Scope returns the fixed partition scope of the run.
func (rc *RunContext) Scope() partition.Scope {
	return partition.Scope{
		TenantID:      rc.Run.TenantID,
		TemplateID:    rc.Run.TemplateID,
		CredentialRef: rc.Run.CredentialRef,
	}
}

// Lineage returns the stamping context of the run.
func (rc *RunContext) Lineage() lineage.Context {
	return lineage.Context{
		TenantID:      rc.Run.TenantID,
		TemplateID:    rc.Run.TemplateID,
		CredentialRef: rc.Run.CredentialRef,
		ExecutionID:   rc.Run.ExecutionID,
		IngestedAt:    rc.IngestedAt,
	}
}
