package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// admitSQL checks all three limits and takes the slot in one statement. The
// counter row is locked by the upsert, and the WHERE clause is re-evaluated
// against the latest row version, so concurrent admissions serialize on it.
const admitSQL = `
WITH admitted AS (
	INSERT INTO quota_counters AS q (tenant_id, day_key, daily_used, month_key, monthly_used, running, updated_at)
	SELECT $1, $2, 1, $3, 1, 1, $7
	WHERE $4::int > 0 AND $5::int > 0 AND $6::int > 0
	ON CONFLICT (tenant_id) DO UPDATE SET
		daily_used   = CASE WHEN q.day_key = EXCLUDED.day_key THEN q.daily_used + 1 ELSE 1 END,
		day_key      = EXCLUDED.day_key,
		monthly_used = CASE WHEN q.month_key = EXCLUDED.month_key THEN q.monthly_used + 1 ELSE 1 END,
		month_key    = EXCLUDED.month_key,
		running      = q.running + 1,
		updated_at   = EXCLUDED.updated_at
	WHERE (CASE WHEN q.day_key = EXCLUDED.day_key THEN q.daily_used ELSE 0 END) < $4::int
	  AND (CASE WHEN q.month_key = EXCLUDED.month_key THEN q.monthly_used ELSE 0 END) < $5::int
	  AND q.running < $6::int
	RETURNING q.tenant_id
)
INSERT INTO quota_slots (run_id, tenant_id, admitted_at)
SELECT $8, tenant_id, $7 FROM admitted
RETURNING run_id`

const releaseSQL = `
WITH released AS (
	UPDATE quota_slots SET released_at = $2
	WHERE run_id = $1 AND released_at IS NULL
	RETURNING tenant_id
)
UPDATE quota_counters AS q SET running = GREATEST(q.running - 1, 0), updated_at = $2
FROM released WHERE q.tenant_id = released.tenant_id
RETURNING q.tenant_id`

func (s *PostgresStore) TryAdmit(ctx context.Context, req model.AdmitRequest) (bool, error) {
	var runID string
	err := s.pool.QueryRow(ctx, admitSQL,
		req.TenantID, req.DayKey, req.MonthKey,
		req.Limits.DailyMax, req.Limits.MonthlyMax, req.Limits.ConcurrentMax,
		req.At, req.RunID,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgConflict(err, "postgres: admit %s", req.RunID)
	}
	return true, nil
}

func (s *PostgresStore) ReleaseSlot(ctx context.Context, runID string, at time.Time) (bool, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx, releaseSQL, runID, at).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release slot %s", runID)
	}
	return true, nil
}

func (s *PostgresStore) QuotaCounter(ctx context.Context, tenantID string) (*model.QuotaCounter, error) {
	var c model.QuotaCounter
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, day_key, daily_used, month_key, monthly_used, running, updated_at
		FROM quota_counters WHERE tenant_id = $1`, tenantID,
	).Scan(&c.TenantID, &c.DayKey, &c.DailyUsed, &c.MonthKey, &c.MonthlyUsed, &c.Running, &c.UpdatedAt)
	if err != nil {
		return nil, pgNotFound(err, "postgres: quota counter %s", tenantID)
	}
	return &c, nil
}

func (s *PostgresStore) ResetDailyCounters(ctx context.Context, dayKey string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quota_counters SET daily_used = 0, day_key = $1, updated_at = $2
		WHERE day_key <> $1 AND daily_used > 0`, dayKey, at)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset daily counters")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ResetMonthlyCounters(ctx context.Context, monthKey string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quota_counters SET monthly_used = 0, month_key = $1, updated_at = $2
		WHERE month_key <> $1 AND monthly_used > 0`, monthKey, at)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset monthly counters")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) StaleSlots(ctx context.Context, before time.Time) ([]model.QuotaSlot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, tenant_id, admitted_at FROM quota_slots
		WHERE released_at IS NULL AND admitted_at < $1
		ORDER BY admitted_at`, before)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stale slots")
	}
	defer rows.Close()

	var out []model.QuotaSlot
	for rows.Next() {
		var slot model.QuotaSlot
		if err := rows.Scan(&slot.RunID, &slot.TenantID, &slot.AdmittedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan slot")
		}
		out = append(out, slot)
	}
	return out, eris.Wrap(rows.Err(), "postgres: stale slots iterate")
}
