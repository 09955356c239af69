// Package store persists runs, step records, the quota ledger, tenants,
// sealed credentials, and canonical cost rows. Postgres is the production
// engine; SQLite backs local development and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// ErrConflict is returned when an insert collides with an existing record.
var ErrConflict = eris.New("store: already exists")

// Store is the persistence surface of the engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	// TransitionRun applies u only when the run's status still equals
	// u.From and appends the transition log entry in the same statement.
	TransitionRun(ctx context.Context, u model.RunUpdate) (bool, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, q model.RunQuery) ([]model.PipelineRun, error)
	ListTransitions(ctx context.Context, runID string) ([]model.Transition, error)
	CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error)

	// Steps
	SaveStep(ctx context.Context, rec *model.StepExecution) error
	ListSteps(ctx context.Context, runID string) ([]model.StepExecution, error)

	// Quota ledger
	TryAdmit(ctx context.Context, req model.AdmitRequest) (bool, error)
	ReleaseSlot(ctx context.Context, runID string, at time.Time) (bool, error)
	QuotaCounter(ctx context.Context, tenantID string) (*model.QuotaCounter, error)
	ResetDailyCounters(ctx context.Context, dayKey string, at time.Time) (int64, error)
	ResetMonthlyCounters(ctx context.Context, monthKey string, at time.Time) (int64, error)
	StaleSlots(ctx context.Context, before time.Time) ([]model.QuotaSlot, error)

	// Tenants
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	TenantByAPIKeyHash(ctx context.Context, hash string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	UpdateTenantLimits(ctx context.Context, tenantID string, limits model.Limits) error
	TenantLimits(ctx context.Context, tenantID string) (model.Limits, error)

	// Credentials
	GetCredential(ctx context.Context, tenantID, ref string) (*model.SealedCredential, error)
	PutCredential(ctx context.Context, c *model.SealedCredential) error

	// Cost rows
	DeletePartition(ctx context.Context, key model.PartitionKey) (int64, error)
	WritePartition(ctx context.Context, key model.PartitionKey, rows []model.LineageRow) (int64, error)
	CountPartition(ctx context.Context, key model.PartitionKey) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// Config selects and tunes the storage engine.
type Config struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
}

// Open connects to the configured engine.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// HistoryLimit clamps a page size to [1, 500], defaulting to 50.
func HistoryLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}

// costColumns is the column order of cost_rows for inserts and scans.
var costColumns = []string{
	"tenant_id", "template_id", "credential_ref", "data_date",
	"usage_date", "provider", "domain", "account_id", "service", "sku",
	"region", "resource_id", "usage_unit", "usage_quantity",
	"billed_cost", "effective_cost", "currency",
	"execution_id", "ingested_at", "ingestion_date",
}

// checkPartition rejects rows that do not belong to key, so a write can
// never spill into another tenant's or date's partition.
func checkPartition(key model.PartitionKey, rows []model.LineageRow) error {
	for i, r := range rows {
		k := r.Key()
		if k.TenantID != key.TenantID || k.TemplateID != key.TemplateID ||
			k.CredentialRef != key.CredentialRef || !k.DataDate.Equal(key.DataDate) {
			return eris.Errorf("store: row %d belongs to partition %s, not %s", i, r.Key(), key)
		}
	}
	return nil
}
