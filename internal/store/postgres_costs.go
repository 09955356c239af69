package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/db"
	"github.com/sells-group/cost-pipeline/internal/model"
)

const costTable = "cost_rows"

var partitionColumns = []string{"tenant_id", "template_id", "credential_ref", "data_date"}

func partitionValues(key model.PartitionKey) []any {
	return []any{key.TenantID, key.TemplateID, key.CredentialRef, key.DataDate}
}

func costValues(r model.LineageRow) []any {
	return []any{
		r.TenantID, r.TemplateID, r.CredentialRef, model.Day(r.DataDate),
		model.Day(r.UsageDate), r.Provider, string(r.Domain), r.AccountID, r.Service, r.SKU,
		r.Region, r.ResourceID, r.UsageUnit, r.UsageQuantity,
		r.BilledCost, r.EffectiveCost, r.Currency,
		r.ExecutionID, r.IngestedAt, model.Day(r.IngestionDate),
	}
}

func (s *PostgresStore) DeletePartition(ctx context.Context, key model.PartitionKey) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cost_rows
		WHERE tenant_id = $1 AND template_id = $2 AND credential_ref = $3 AND data_date = $4`,
		partitionValues(key)...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete partition %s", key)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WritePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, error) {
	if err := checkPartition(key, rows); err != nil {
		return 0, err
	}
	vals := make([][]any, len(rows))
	for i, r := range rows {
		vals[i] = costValues(r)
	}
	n, err := db.CopyFrom(ctx, s.pool, costTable, costColumns, vals)
	return n, eris.Wrapf(err, "postgres: write partition %s", key)
}

// ReplacePartition swaps a partition's rows in one transaction.
func (s *PostgresStore) ReplacePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, int64, error) {
	if err := checkPartition(key, rows); err != nil {
		return 0, 0, err
	}
	vals := make([][]any, len(rows))
	for i, r := range rows {
		vals[i] = costValues(r)
	}
	deleted, inserted, err := db.ReplacePartition(ctx, s.pool, db.ReplaceConfig{
		Table:        costTable,
		Columns:      costColumns,
		MatchColumns: partitionColumns,
		MatchValues:  partitionValues(key),
	}, vals)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: replace partition %s", key)
	}
	return deleted, inserted, nil
}

func (s *PostgresStore) CountPartition(ctx context.Context, key model.PartitionKey) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM cost_rows
		WHERE tenant_id = $1 AND template_id = $2 AND credential_ref = $3 AND data_date = $4`,
		partitionValues(key)...,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count partition %s", key)
}
