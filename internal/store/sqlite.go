package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// sqliteTimeLayout is fixed-width so timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// local development and tests; a single connection serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tenants (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	api_key_hash    TEXT NOT NULL DEFAULT '',
	daily_max       INTEGER NOT NULL DEFAULT 0,
	monthly_max     INTEGER NOT NULL DEFAULT 0,
	concurrent_max  INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	ref         TEXT NOT NULL,
	provider    TEXT NOT NULL,
	sealed      BLOB NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ref)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	provider        TEXT NOT NULL,
	domain          TEXT NOT NULL,
	template_id     TEXT NOT NULL,
	credential_ref  TEXT NOT NULL,
	range_start     TEXT NOT NULL,
	range_end       TEXT NOT NULL,
	status          TEXT NOT NULL,
	triggered_by    TEXT NOT NULL,
	execution_id    TEXT NOT NULL,
	error_summary   TEXT NOT NULL DEFAULT '',
	error_class     TEXT NOT NULL DEFAULT '',
	rows_written    INTEGER NOT NULL DEFAULT 0,
	rows_dropped    INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	ended_at        TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_tenant_created ON pipeline_runs(tenant_id, created_at, id);

CREATE TABLE IF NOT EXISTS run_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES pipeline_runs(id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS step_executions (
	run_id        TEXT NOT NULL REFERENCES pipeline_runs(id),
	step_order    INTEGER NOT NULL,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	on_failure    TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	row_count     INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	started_at    TEXT,
	ended_at      TEXT,
	PRIMARY KEY (run_id, step_order)
);

CREATE TABLE IF NOT EXISTS quota_counters (
	tenant_id     TEXT PRIMARY KEY,
	day_key       TEXT NOT NULL,
	daily_used    INTEGER NOT NULL DEFAULT 0,
	month_key     TEXT NOT NULL,
	monthly_used  INTEGER NOT NULL DEFAULT 0,
	running       INTEGER NOT NULL DEFAULT 0 CHECK (running >= 0),
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_slots (
	run_id       TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	admitted_at  TEXT NOT NULL,
	released_at  TEXT
);

CREATE TABLE IF NOT EXISTS cost_rows (
	tenant_id       TEXT NOT NULL,
	template_id     TEXT NOT NULL,
	credential_ref  TEXT NOT NULL,
	data_date       TEXT NOT NULL,
	usage_date      TEXT NOT NULL,
	provider        TEXT NOT NULL,
	domain          TEXT NOT NULL,
	account_id      TEXT NOT NULL DEFAULT '',
	service         TEXT NOT NULL DEFAULT '',
	sku             TEXT NOT NULL DEFAULT '',
	region          TEXT NOT NULL DEFAULT '',
	resource_id     TEXT NOT NULL DEFAULT '',
	usage_unit      TEXT NOT NULL DEFAULT '',
	usage_quantity  REAL NOT NULL DEFAULT 0,
	billed_cost     REAL NOT NULL DEFAULT 0,
	effective_cost  REAL NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL,
	execution_id    TEXT NOT NULL,
	ingested_at     TEXT NOT NULL,
	ingestion_date  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cost_rows_partition ON cost_rows(tenant_id, template_id, credential_ref, data_date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// --- time encoding ---

func sqlTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func sqlTimeArg(t time.Time) any { return sqlTime(t) }

func sqlDate(t time.Time) string { return model.Day(t).Format(model.DateLayout) }

func sqlNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqlTime(*t)
}

func parseSQLTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t.UTC(), eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseSQLNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseSQLTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func sqliteNotFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

func sqliteConflict(err error, format string, args ...any) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return eris.Wrapf(ErrConflict, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

func checkRowsAffected(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, format, args...)
	}
	return nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create run")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, tenant_id, provider, domain, template_id, credential_ref,
			range_start, range_end, status, triggered_by, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.Provider, string(run.Domain), run.TemplateID, run.CredentialRef,
		sqlDate(run.Range.Start), sqlDate(run.Range.End), string(run.Status), string(run.Trigger),
		run.ExecutionID, sqlTime(run.CreatedAt),
	)
	if err != nil {
		return sqliteConflict(err, "sqlite: create run %s", run.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_transitions (run_id, from_status, to_status, reason, at) VALUES (?, '', ?, 'created', ?)`,
		run.ID, string(run.Status), sqlTime(run.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: log creation of %s", run.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create run")
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, u model.RunUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	terminal := u.To.Terminal()
	at := sqlTime(u.At)
	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			status        = ?1,
			started_at    = CASE WHEN ?1 = 'running' AND started_at IS NULL THEN ?2 ELSE started_at END,
			ended_at      = CASE WHEN ?3 THEN ?2 ELSE ended_at END,
			error_summary = CASE WHEN ?4 <> '' THEN ?4 ELSE error_summary END,
			error_class   = CASE WHEN ?5 <> '' THEN ?5 ELSE error_class END,
			rows_written  = CASE WHEN ?3 THEN ?6 ELSE rows_written END,
			rows_dropped  = CASE WHEN ?3 THEN ?7 ELSE rows_dropped END
		WHERE id = ?8 AND status = ?9`,
		string(u.To), at, terminal, u.ErrorSummary, u.ErrorClass, u.RowsWritten, u.RowsDropped,
		u.RunID, string(u.From),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition run %s %s->%s", u.RunID, u.From, u.To)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_transitions (run_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?)`,
		u.RunID, string(u.From), string(u.To), u.Reason, at,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: log transition %s", u.RunID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit transition")
	}
	return true, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, q model.RunQuery) ([]model.PipelineRun, error) {
	query, args := buildRunQuery(q, question, sqlTimeArg)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, from_status, to_status, reason, at FROM run_transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transitions %s", runID)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var from, to, at string
		if err := rows.Scan(&t.RunID, &from, &to, &t.Reason, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		if t.At, err = parseSQLTime(at); err != nil {
			return nil, err
		}
		t.From, t.To = model.RunStatus(from), model.RunStatus(to)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transitions iterate")
}

func (s *SQLiteStore) CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM pipeline_runs WHERE created_at >= ? GROUP BY status`, sqlTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs")
	}
	defer rows.Close()

	out := make(map[model.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run count")
		}
		out[model.RunStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count runs iterate")
}

func scanSQLiteRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var domain, status, trigger, start, end, created string
	var started, ended sql.NullString
	err := row.Scan(&r.ID, &r.TenantID, &r.Provider, &domain, &r.TemplateID, &r.CredentialRef,
		&start, &end, &status, &trigger, &r.ExecutionID, &r.ErrorSummary,
		&r.ErrorClass, &r.RowsWritten, &r.RowsDropped, &created, &started, &ended)
	if err != nil {
		return nil, err
	}
	r.Domain = model.Capability(domain)
	r.Status = model.RunStatus(status)
	r.Trigger = model.Trigger(trigger)
	if r.Range.Start, err = model.ParseDate(start); err != nil {
		return nil, err
	}
	if r.Range.End, err = model.ParseDate(end); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseSQLNullTime(started); err != nil {
		return nil, err
	}
	if r.EndedAt, err = parseSQLNullTime(ended); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Steps ---

func (s *SQLiteStore) SaveStep(ctx context.Context, rec *model.StepExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (run_id, step_order, name, kind, on_failure, status,
			attempts, max_attempts, row_count, last_error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_order) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts,
			row_count = excluded.row_count, last_error = excluded.last_error,
			started_at = excluded.started_at, ended_at = excluded.ended_at`,
		rec.RunID, rec.Order, rec.Name, string(rec.Kind), string(rec.OnFailure), string(rec.Status),
		rec.Attempts, rec.MaxAttempts, rec.RowCount, rec.LastError,
		sqlNullTime(rec.StartedAt), sqlNullTime(rec.EndedAt),
	)
	return eris.Wrapf(err, "sqlite: save step %s/%d", rec.RunID, rec.Order)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]model.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_order, name, kind, on_failure, status, attempts, max_attempts,
			row_count, last_error, started_at, ended_at
		FROM step_executions WHERE run_id = ? ORDER BY step_order`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list steps %s", runID)
	}
	defer rows.Close()

	var out []model.StepExecution
	for rows.Next() {
		var rec model.StepExecution
		var kind, onFailure, status string
		var started, ended sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Order, &rec.Name, &kind, &onFailure, &status,
			&rec.Attempts, &rec.MaxAttempts, &rec.RowCount, &rec.LastError, &started, &ended); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan step")
		}
		rec.Kind = model.StepKind(kind)
		rec.OnFailure = model.FailurePolicy(onFailure)
		rec.Status = model.StepStatus(status)
		if rec.StartedAt, err = parseSQLNullTime(started); err != nil {
			return nil, err
		}
		if rec.EndedAt, err = parseSQLNullTime(ended); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list steps iterate")
}

// --- Tenants ---

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *model.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.APIKeyHash, t.Limits.DailyMax, t.Limits.MonthlyMax, t.Limits.ConcurrentMax, sqlTime(t.CreatedAt),
	)
	return sqliteConflict(err, "sqlite: create tenant %s", t.ID)
}

func scanSQLiteTenant(row scannable) (*model.Tenant, error) {
	var t model.Tenant
	var created string
	if err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash,
		&t.Limits.DailyMax, &t.Limits.MonthlyMax, &t.Limits.ConcurrentMax, &created); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	t, err := scanSQLiteTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, tenantID))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get tenant %s", tenantID)
	}
	return t, nil
}

func (s *SQLiteStore) TenantByAPIKeyHash(ctx context.Context, hash string) (*model.Tenant, error) {
	if hash == "" {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: tenant by api key: empty hash")
	}
	t, err := scanSQLiteTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = ?`, hash))
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: tenant by api key")
	}
	return t, nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tenants")
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanSQLiteTenant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tenant")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tenants iterate")
}

func (s *SQLiteStore) UpdateTenantLimits(ctx context.Context, tenantID string, l model.Limits) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET daily_max = ?, monthly_max = ?, concurrent_max = ? WHERE id = ?`,
		l.DailyMax, l.MonthlyMax, l.ConcurrentMax, tenantID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update limits %s", tenantID)
	}
	return checkRowsAffected(res, "sqlite: update limits %s", tenantID)
}

func (s *SQLiteStore) TenantLimits(ctx context.Context, tenantID string) (model.Limits, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return model.Limits{}, err
	}
	return t.Limits, nil
}

// --- Credentials ---

func (s *SQLiteStore) GetCredential(ctx context.Context, tenantID, ref string) (*model.SealedCredential, error) {
	var c model.SealedCredential
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, ref, provider, sealed, created_at, updated_at
		FROM credentials WHERE tenant_id = ? AND ref = ?`, tenantID, ref,
	).Scan(&c.TenantID, &c.Ref, &c.Provider, &c.Sealed, &created, &updated)
	if err != nil {
		return nil, sqliteNotFound(err, "sqlite: get credential %s/%s", tenantID, ref)
	}
	if c.CreatedAt, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseSQLTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, c *model.SealedCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, ref, provider, sealed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, ref) DO UPDATE SET
			provider = excluded.provider, sealed = excluded.sealed, updated_at = excluded.updated_at`,
		c.TenantID, c.Ref, c.Provider, c.Sealed, sqlTime(c.CreatedAt), sqlTime(c.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: put credential %s/%s", c.TenantID, c.Ref)
}
