package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

const sqlitePartitionWhere = `tenant_id = ? AND template_id = ? AND credential_ref = ? AND data_date = ?`

var sqliteInsertCost = `INSERT INTO cost_rows (` + strings.Join(costColumns, ", ") + `) VALUES (` +
	strings.TrimSuffix(strings.Repeat("?, ", len(costColumns)), ", ") + `)`

func sqlitePartitionArgs(key model.PartitionKey) []any {
	return []any{key.TenantID, key.TemplateID, key.CredentialRef, sqlDate(key.DataDate)}
}

func sqliteCostValues(r model.LineageRow) []any {
	return []any{
		r.TenantID, r.TemplateID, r.CredentialRef, sqlDate(r.DataDate),
		sqlDate(r.UsageDate), r.Provider, string(r.Domain), r.AccountID, r.Service, r.SKU,
		r.Region, r.ResourceID, r.UsageUnit, r.UsageQuantity,
		r.BilledCost, r.EffectiveCost, r.Currency,
		r.ExecutionID, sqlTime(r.IngestedAt), sqlDate(r.IngestionDate),
	}
}

func (s *SQLiteStore) DeletePartition(ctx context.Context, key model.PartitionKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cost_rows WHERE `+sqlitePartitionWhere, sqlitePartitionArgs(key)...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete partition %s", key)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) WritePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, error) {
	if err := checkPartition(key, rows); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin write partition")
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := insertCosts(ctx, tx, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: write partition %s", key)
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit write partition")
}

// ReplacePartition swaps a partition's rows in one transaction.
func (s *SQLiteStore) ReplacePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, int64, error) {
	if err := checkPartition(key, rows); err != nil {
		return 0, 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: begin replace partition")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM cost_rows WHERE `+sqlitePartitionWhere, sqlitePartitionArgs(key)...)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: replace partition %s: delete", key)
	}
	deleted, _ := res.RowsAffected()
	inserted, err := insertCosts(ctx, tx, rows)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: replace partition %s: insert", key)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: commit replace partition")
	}
	return deleted, inserted, nil
}

func insertCosts(ctx context.Context, tx *sql.Tx, rows []model.LineageRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, sqliteInsertCost)
	if err != nil {
		return 0, eris.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	var n int64
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, sqliteCostValues(r)...); err != nil {
			return n, eris.Wrap(err, "insert row")
		}
		n++
	}
	return n, nil
}

func (s *SQLiteStore) CountPartition(ctx context.Context, key model.PartitionKey) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cost_rows WHERE `+sqlitePartitionWhere,
		sqlitePartitionArgs(key)...).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count partition %s", key)
}
