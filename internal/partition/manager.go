// Package partition implements idempotent output writes: every partition a
// run covers is replaced wholesale, never appended to.
package partition

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// Writer is the storage surface for partitions. Each call is a single atomic
// statement scoped to exactly one partition key.
type Writer interface {
	DeletePartition(ctx context.Context, key model.PartitionKey) (int64, error)
	WritePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, error)
}

// TxReplacer is implemented by writers that can delete and insert in one
// transaction. Manager prefers it, which closes the empty-partition window.
type TxReplacer interface {
	ReplacePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (deleted, inserted int64, err error)
}

// Scope is the fixed part of every partition key a run writes.
type Scope struct {
	TenantID      string
	TemplateID    string
	CredentialRef string
}

// Key returns the partition key for one data date.
func (s Scope) Key(day time.Time) model.PartitionKey {
	return model.PartitionKey{
		TenantID:      s.TenantID,
		TemplateID:    s.TemplateID,
		CredentialRef: s.CredentialRef,
		DataDate:      model.Day(day),
	}
}

// Manager performs partition replacement.
type Manager struct {
	w   Writer
	log *zap.Logger
}

// NewManager creates a Manager over w.
func NewManager(w Writer) *Manager {
	return &Manager{w: w, log: zap.L().With(zap.String("component", "partition.manager"))}
}

// Replace replaces every partition in days with the rows dated on it. Days
// with no rows are emptied, so a rerun that now yields fewer rows leaves no
// stale ones behind. Rows outside scope or days are a validation error and
// nothing is written.
func (m *Manager) Replace(ctx context.Context, scope Scope, days []time.Time, rows []model.LineageRow) ([]model.PartitionWrite, error) {
	byDay := make(map[time.Time][]model.LineageRow, len(days))
	for _, d := range days {
		byDay[model.Day(d)] = nil
	}

	for i, r := range rows {
		key := r.Key()
		if key.TenantID != scope.TenantID || key.TemplateID != scope.TemplateID || key.CredentialRef != scope.CredentialRef {
			return nil, resilience.NewValidationError("partition",
				eris.Errorf("row %d belongs to %s, not this run's scope", i, key))
		}
		if _, ok := byDay[key.DataDate]; !ok {
			return nil, resilience.NewValidationError("data_date",
				eris.Errorf("row %d dated %s is outside the run's dates", i, key.DataDate.Format(model.DateLayout)))
		}
		byDay[key.DataDate] = append(byDay[key.DataDate], r)
	}

	ordered := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	writes := make([]model.PartitionWrite, 0, len(ordered))
	for _, d := range ordered {
		w, err := m.ReplaceOne(ctx, scope.Key(d), byDay[d])
		if err != nil {
			return writes, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// ReplaceOne replaces a single partition.
func (m *Manager) ReplaceOne(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (model.PartitionWrite, error) {
	if tx, ok := m.w.(TxReplacer); ok {
		deleted, inserted, err := tx.ReplacePartition(ctx, key, rows)
		if err != nil {
			return model.PartitionWrite{}, eris.Wrapf(err, "partition: replace %s", key)
		}
		m.logReplace(key, deleted, inserted)
		return model.PartitionWrite{Key: key, Rows: inserted}, nil
	}

	deleted, err := m.w.DeletePartition(ctx, key)
	if err != nil {
		return model.PartitionWrite{}, eris.Wrapf(err, "partition: delete %s", key)
	}
	// From here until the insert lands the partition reads as empty.
	inserted, err := m.w.WritePartition(ctx, key, rows)
	if err != nil {
		m.log.Warn("partition left empty after failed insert",
			zap.String("partition", key.String()), zap.Int64("deleted", deleted), zap.Error(err))
		return model.PartitionWrite{}, eris.Wrapf(err, "partition: write %s", key)
	}
	m.logReplace(key, deleted, inserted)
	return model.PartitionWrite{Key: key, Rows: inserted}, nil
}

func (m *Manager) logReplace(key model.PartitionKey, deleted, inserted int64) {
	m.log.Debug("partition replaced",
		zap.String("partition", key.String()),
		zap.Int64("deleted", deleted),
		zap.Int64("inserted", inserted),
	)
}
