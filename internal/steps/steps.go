// Package steps implements the step kinds a pipeline template can name.
package steps

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/archive"
	"github.com/sells-group/cost-pipeline/internal/connector"
	"github.com/sells-group/cost-pipeline/internal/lineage"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/normalize"
	"github.com/sells-group/cost-pipeline/internal/partition"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrNoInput is returned when a step runs before the step that feeds it has
// succeeded.
var ErrNoInput = eris.New("steps: upstream output missing")

// ConnectorSource resolves a provider's connector.
type ConnectorSource interface {
	Get(provider string) (connector.Connector, error)
}

// PartitionCounter reads back the stored row count of a partition.
type PartitionCounter interface {
	CountPartition(ctx context.Context, key model.PartitionKey) (int64, error)
}

// Deps are the collaborators the step implementations share.
type Deps struct {
	Connectors ConnectorSource
	// Breakers guards connector calls per provider. Optional.
	Breakers   *resilience.ServiceBreakers
	Normalizer *normalize.Normalizer
	Archiver   archive.Archiver
	Partitions *partition.Manager
	Counter    PartitionCounter
}

// Table returns the step table for template loading.
func Table(d Deps) pipeline.StepTable {
	if d.Archiver == nil {
		d.Archiver = archive.Discard{}
	}
	return pipeline.StepTable{
		model.StepKindFetch:     pipeline.StepFunc(d.fetch),
		model.StepKindNormalize: pipeline.StepFunc(d.normalize),
		model.StepKindArchive:   pipeline.StepFunc(d.archive),
		model.StepKindWrite:     pipeline.StepFunc(d.write),
		model.StepKindVerify:    pipeline.StepFunc(d.verify),
	}
}

func logger(rc *pipeline.RunContext, step string) *zap.Logger {
	return zap.L().With(
		zap.String("component", "steps."+step),
		zap.String("run_id", rc.Run.ID),
		zap.String("tenant", rc.Run.TenantID),
	)
}

// fetch pulls raw records for the run's range through the provider's breaker.
func (d Deps) fetch(ctx context.Context, rc *pipeline.RunContext) (int64, error) {
	conn, err := d.Connectors.Get(rc.Run.Provider)
	if err != nil {
		return 0, err
	}

	call := func(ctx context.Context) ([]model.RawRecord, error) {
		return conn.Fetch(ctx, rc.Credential, rc.Run.Range)
	}
	var raw []model.RawRecord
	if d.Breakers != nil {
		raw, err = resilience.ExecuteVal(ctx, d.Breakers.Get(rc.Run.Provider), call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		return 0, err
	}

	rc.Raw = raw
	rc.Fetched = true
	return int64(len(raw)), nil
}

func (d Deps) normalize(_ context.Context, rc *pipeline.RunContext) (int64, error) {
	if !rc.Fetched {
		return 0, resilience.NewValidationError("raw", ErrNoInput)
	}
	res, err := d.Normalizer.Normalize(rc.Run.Provider, rc.Run.Domain, rc.Raw)
	if err != nil {
		return 0, err
	}

	rc.Rows = res.Rows
	rc.Dropped = res.Dropped
	rc.DropReasons = res.DropReasons
	rc.Normalized = true

	if res.Dropped > 0 {
		fields := []zap.Field{zap.Int("dropped", res.Dropped), zap.Int("kept", len(res.Rows))}
		for _, reason := range res.Reasons() {
			fields = append(fields, zap.Int("drop."+reason, res.DropReasons[reason]))
		}
		logger(rc, "normalize").Warn("rows dropped during normalization", fields...)
	}
	return int64(len(res.Rows)), nil
}

func (d Deps) archive(ctx context.Context, rc *pipeline.RunContext) (int64, error) {
	if !rc.Fetched {
		return 0, resilience.NewValidationError("raw", ErrNoInput)
	}
	loc, err := d.Archiver.Archive(ctx, archive.ObjectKey(rc.Run), rc.Raw)
	if err != nil {
		return 0, err
	}
	rc.ArchiveKey = loc
	return int64(len(rc.Raw)), nil
}

// write stamps lineage and replaces every partition of the run's range.
// Rows dated outside the range are dropped, so a provider that returns a
// wider window cannot touch partitions the run does not own.
func (d Deps) write(ctx context.Context, rc *pipeline.RunContext) (int64, error) {
	if !rc.Normalized {
		return 0, resilience.NewValidationError("rows", ErrNoInput)
	}

	inRange := make([]model.CanonicalRow, 0, len(rc.Rows))
	outside := 0
	for _, r := range rc.Rows {
		if !rc.Run.Range.Contains(r.UsageDate) {
			outside++
			continue
		}
		inRange = append(inRange, r)
	}
	rc.OutOfRange = outside
	if outside > 0 {
		logger(rc, "write").Warn("rows outside run range dropped",
			zap.Int("dropped", outside),
			zap.String("range", rc.Run.Range.String()),
		)
	}

	stamped, err := lineage.Stamp(inRange, rc.Lineage())
	if err != nil {
		return 0, err
	}

	writes, err := d.Partitions.Replace(ctx, rc.Scope(), rc.Run.Range.Days(), stamped)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, w := range writes {
		total += w.Rows
	}
	rc.Partitions = writes
	rc.Written = total
	return total, nil
}

// verify reads back every written partition. A mismatch usually means a
// concurrent run replaced the partition; it is reported as retryable so a
// lagging read replica gets a second look.
func (d Deps) verify(ctx context.Context, rc *pipeline.RunContext) (int64, error) {
	if d.Counter == nil {
		return 0, nil
	}
	var checked int64
	for _, w := range rc.Partitions {
		got, err := d.Counter.CountPartition(ctx, w.Key)
		if err != nil {
			return checked, err
		}
		if got != w.Rows {
			return checked, resilience.NewTransientError(
				eris.Errorf("steps: partition %s holds %d rows, wrote %d", w.Key, got, w.Rows), 0)
		}
		checked += got
	}
	return checked, nil
}
