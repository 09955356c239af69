package store

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/db"
	"github.com/sells-group/cost-pipeline/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationsFS, "migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgNotFound maps pgx.ErrNoRows onto model.ErrNotFound.
func pgNotFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

// pgConflict maps unique violations onto ErrConflict.
func pgConflict(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return eris.Wrapf(ErrConflict, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

// --- Runs ---

const runColumns = `id, tenant_id, provider, domain, template_id, credential_ref,
	range_start, range_end, status, triggered_by, execution_id, error_summary,
	error_class, rows_written, rows_dropped, created_at, started_at, ended_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	_, err := s.pool.Exec(ctx, `
		WITH run AS (
			INSERT INTO pipeline_runs (id, tenant_id, provider, domain, template_id, credential_ref,
				range_start, range_end, status, triggered_by, execution_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, status, created_at
		)
		INSERT INTO run_transitions (run_id, from_status, to_status, reason, at)
		SELECT id, '', status, 'created', created_at FROM run`,
		run.ID, run.TenantID, run.Provider, string(run.Domain), run.TemplateID, run.CredentialRef,
		run.Range.Start, run.Range.End, string(run.Status), string(run.Trigger), run.ExecutionID, run.CreatedAt,
	)
	if err != nil {
		return pgConflict(err, "postgres: create run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) TransitionRun(ctx context.Context, u model.RunUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		WITH moved AS (
			UPDATE pipeline_runs SET
				status        = $3::text,
				started_at    = CASE WHEN $3::text = 'running' AND started_at IS NULL THEN $5 ELSE started_at END,
				ended_at      = CASE WHEN $3::text IN ('completed', 'failed') THEN $5 ELSE ended_at END,
				error_summary = CASE WHEN $6::text <> '' THEN $6::text ELSE error_summary END,
				error_class   = CASE WHEN $7::text <> '' THEN $7::text ELSE error_class END,
				rows_written  = CASE WHEN $3::text IN ('completed', 'failed') THEN $8::bigint ELSE rows_written END,
				rows_dropped  = CASE WHEN $3::text IN ('completed', 'failed') THEN $9::bigint ELSE rows_dropped END
			WHERE id = $1 AND status = $2::text
			RETURNING id
		)
		INSERT INTO run_transitions (run_id, from_status, to_status, reason, at)
		SELECT id, $2::text, $3::text, $4, $5 FROM moved`,
		u.RunID, string(u.From), string(u.To), u.Reason, u.At,
		u.ErrorSummary, u.ErrorClass, u.RowsWritten, u.RowsDropped,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition run %s %s->%s", u.RunID, u.From, u.To)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, pgNotFound(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, q model.RunQuery) ([]model.PipelineRun, error) {
	query, args := buildRunQuery(q, dollar, nativeTime)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListTransitions(ctx context.Context, runID string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, from_status, to_status, reason, at FROM run_transitions WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transitions %s", runID)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to string
		if err := rows.Scan(&t.RunID, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		t.From, t.To = model.RunStatus(from), model.RunStatus(to)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transitions iterate")
}

func (s *PostgresStore) CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM pipeline_runs WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count runs")
	}
	defer rows.Close()

	out := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run count")
		}
		out[model.RunStatus(status)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count runs iterate")
}

// --- Steps ---

func (s *PostgresStore) SaveStep(ctx context.Context, rec *model.StepExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_executions (run_id, step_order, name, kind, on_failure, status,
			attempts, max_attempts, row_count, last_error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id, step_order) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			row_count = EXCLUDED.row_count, last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`,
		rec.RunID, rec.Order, rec.Name, string(rec.Kind), string(rec.OnFailure), string(rec.Status),
		rec.Attempts, rec.MaxAttempts, rec.RowCount, rec.LastError, rec.StartedAt, rec.EndedAt,
	)
	return eris.Wrapf(err, "postgres: save step %s/%d", rec.RunID, rec.Order)
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]model.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, step_order, name, kind, on_failure, status, attempts, max_attempts,
			row_count, last_error, started_at, ended_at
		FROM step_executions WHERE run_id = $1 ORDER BY step_order`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list steps %s", runID)
	}
	defer rows.Close()

	var out []model.StepExecution
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan step")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list steps iterate")
}

// --- Tenants ---

const tenantColumns = `id, name, api_key_hash, daily_max, monthly_max, concurrent_max, created_at`

func (s *PostgresStore) CreateTenant(ctx context.Context, t *model.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.APIKeyHash, t.Limits.DailyMax, t.Limits.MonthlyMax, t.Limits.ConcurrentMax, t.CreatedAt,
	)
	if err != nil {
		return pgConflict(err, "postgres: create tenant %s", t.ID)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID))
	if err != nil {
		return nil, pgNotFound(err, "postgres: get tenant %s", tenantID)
	}
	return t, nil
}

func (s *PostgresStore) TenantByAPIKeyHash(ctx context.Context, hash string) (*model.Tenant, error) {
	if hash == "" {
		return nil, eris.Wrap(model.ErrNotFound, "postgres: tenant by api key: empty hash")
	}
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, pgNotFound(err, "postgres: tenant by api key")
	}
	return t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tenant")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tenants iterate")
}

func (s *PostgresStore) UpdateTenantLimits(ctx context.Context, tenantID string, l model.Limits) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET daily_max = $2, monthly_max = $3, concurrent_max = $4 WHERE id = $1`,
		tenantID, l.DailyMax, l.MonthlyMax, l.ConcurrentMax,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update limits %s", tenantID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: update limits %s", tenantID)
	}
	return nil
}

func (s *PostgresStore) TenantLimits(ctx context.Context, tenantID string) (model.Limits, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return model.Limits{}, err
	}
	return t.Limits, nil
}

// --- Credentials ---

func (s *PostgresStore) GetCredential(ctx context.Context, tenantID, ref string) (*model.SealedCredential, error) {
	var c model.SealedCredential
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, ref, provider, sealed, created_at, updated_at
		FROM credentials WHERE tenant_id = $1 AND ref = $2`, tenantID, ref,
	).Scan(&c.TenantID, &c.Ref, &c.Provider, &c.Sealed, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, pgNotFound(err, "postgres: get credential %s/%s", tenantID, ref)
	}
	return &c, nil
}

func (s *PostgresStore) PutCredential(ctx context.Context, c *model.SealedCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (tenant_id, ref, provider, sealed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, ref) DO UPDATE SET
			provider = EXCLUDED.provider, sealed = EXCLUDED.sealed, updated_at = EXCLUDED.updated_at`,
		c.TenantID, c.Ref, c.Provider, c.Sealed, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: put credential %s/%s", c.TenantID, c.Ref)
}

// scannable is satisfied by pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var domain, status, trigger string
	err := row.Scan(&r.ID, &r.TenantID, &r.Provider, &domain, &r.TemplateID, &r.CredentialRef,
		&r.Range.Start, &r.Range.End, &status, &trigger, &r.ExecutionID, &r.ErrorSummary,
		&r.ErrorClass, &r.RowsWritten, &r.RowsDropped, &r.CreatedAt, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	r.Domain = model.Capability(domain)
	r.Status = model.RunStatus(status)
	r.Trigger = model.Trigger(trigger)
	r.Range.Start, r.Range.End = model.Day(r.Range.Start), model.Day(r.Range.End)
	return &r, nil
}

func scanStep(row scannable) (*model.StepExecution, error) {
	var rec model.StepExecution
	var kind, onFailure, status string
	err := row.Scan(&rec.RunID, &rec.Order, &rec.Name, &kind, &onFailure, &status,
		&rec.Attempts, &rec.MaxAttempts, &rec.RowCount, &rec.LastError, &rec.StartedAt, &rec.EndedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = model.StepKind(kind)
	rec.OnFailure = model.FailurePolicy(onFailure)
	rec.Status = model.StepStatus(status)
	return &rec, nil
}

func scanTenant(row scannable) (*model.Tenant, error) {
	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash,
		&t.Limits.DailyMax, &t.Limits.MonthlyMax, &t.Limits.ConcurrentMax, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
