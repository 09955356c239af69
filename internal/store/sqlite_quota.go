package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// sqliteAdmitSQL mirrors the Postgres admission: the upsert only touches the
// counter when every limit still has room.
const sqliteAdmitSQL = `
INSERT INTO quota_counters (tenant_id, day_key, daily_used, month_key, monthly_used, running, updated_at)
SELECT ?1, ?2, 1, ?3, 1, 1, ?7
WHERE ?4 > 0 AND ?5 > 0 AND ?6 > 0
ON CONFLICT (tenant_id) DO UPDATE SET
	daily_used   = CASE WHEN day_key = excluded.day_key THEN daily_used + 1 ELSE 1 END,
	day_key      = excluded.day_key,
	monthly_used = CASE WHEN month_key = excluded.month_key THEN monthly_used + 1 ELSE 1 END,
	month_key    = excluded.month_key,
	running      = running + 1,
	updated_at   = excluded.updated_at
WHERE (CASE WHEN day_key = excluded.day_key THEN daily_used ELSE 0 END) < ?4
  AND (CASE WHEN month_key = excluded.month_key THEN monthly_used ELSE 0 END) < ?5
  AND running < ?6`

func (s *SQLiteStore) TryAdmit(ctx context.Context, req model.AdmitRequest) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin admit")
	}
	defer tx.Rollback() //nolint:errcheck

	at := sqlTime(req.At)
	res, err := tx.ExecContext(ctx, sqliteAdmitSQL,
		req.TenantID, req.DayKey, req.MonthKey,
		req.Limits.DailyMax, req.Limits.MonthlyMax, req.Limits.ConcurrentMax, at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: admit %s", req.RunID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_slots (run_id, tenant_id, admitted_at) VALUES (?, ?, ?)`,
		req.RunID, req.TenantID, at,
	); err != nil {
		return false, sqliteConflict(err, "sqlite: record slot %s", req.RunID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit admit")
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseSlot(ctx context.Context, runID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin release")
	}
	defer tx.Rollback() //nolint:errcheck

	var tenantID string
	err = tx.QueryRowContext(ctx,
		`UPDATE quota_slots SET released_at = ? WHERE run_id = ? AND released_at IS NULL RETURNING tenant_id`,
		sqlTime(at), runID,
	).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release slot %s", runID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE quota_counters SET running = MAX(running - 1, 0), updated_at = ? WHERE tenant_id = ?`,
		sqlTime(at), tenantID,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: decrement running %s", tenantID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit release")
	}
	return true, nil
}

func (s *SQLiteStore) QuotaCounter(ctx context.Context, tenantID string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, day_key, daily_used, month_key, monthly_used, running, updated_at
		FROM quota_counters WHERE tenant_id = ?`, tenantID,
	).Scan(&c.TenantID, &c.DayKey, &c.DailyUsed, &c.MonthKey, &c.MonthlyUsed, &c.Running, &updated)
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: quota counter %s", tenantID)
	}
	if c.UpdatedAt, err = parseSQLTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ResetDailyCounters(ctx context.Context, dayKey string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quota_counters SET daily_used = 0, day_key = ?1, updated_at = ?2
		WHERE day_key <> ?1 AND daily_used > 0`, dayKey, sqlTime(at))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset daily counters")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ResetMonthlyCounters(ctx context.Context, monthKey string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quota_counters SET monthly_used = 0, month_key = ?1, updated_at = ?2
		WHERE month_key <> ?1 AND monthly_used > 0`, monthKey, sqlTime(at))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset monthly counters")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) StaleSlots(ctx context.Context, before time.Time) ([]model.QuotaSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, tenant_id, admitted_at FROM quota_slots
		WHERE released_at IS NULL AND admitted_at < ?
		ORDER BY admitted_at`, sqlTime(before))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stale slots")
	}
	defer rows.Close()

	var out []model.QuotaSlot
	for rows.Next() {
		var slot model.QuotaSlot
		var admitted string
		if err := rows.Scan(&slot.RunID, &slot.TenantID, &admitted); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan slot")
		}
		if slot.AdmittedAt, err = parseSQLTime(admitted); err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: stale slots iterate")
}
