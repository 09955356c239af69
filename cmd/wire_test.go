package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-pipeline/internal/api"
	"github.com/sells-group/cost-pipeline/internal/config"
	"github.com/sells-group/cost-pipeline/internal/connector"
	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "costpipe.db")
	c.Quota = config.QuotaConfig{DailyMax: 5, MonthlyMax: 50, ConcurrentMax: 2, StaleAfterMins: 60}
	c.Engine.MaxConcurrentRuns = 4
	c.Engine.ShutdownTimeoutSecs = 5
	c.Credentials = config.CredentialsConfig{Passphrase: "test-passphrase", Salt: "costpipe"}
	c.Retry = config.RetryConfig{BaseDelayMs: 1, MaxDelayMs: 5, Multiplier: 2, JitterFraction: 0.1}
	c.Monitoring = config.MonitoringConfig{FailureRateThreshold: 0.25, MinFinished: 5, LookbackWindowHours: 24, CheckIntervalSecs: 60}
	return c
}

const gcpExport = `[
  {"usage_start_time": "2026-01-15T08:00:00Z", "billing_account_id": "0141AA-BB", "service.description": "Compute Engine",
   "sku.description": "N2 Instance Core", "location.region": "us-central1", "project.id": "acme-prod",
   "usage.amount": 24, "usage.unit": "hour", "cost": 12.50, "credits": -2.5, "currency": "usd"},
  {"usage_start_time": "2026-01-15T09:00:00Z", "billing_account_id": "0141AA-BB", "service.description": "Cloud Storage",
   "sku.description": "Standard Storage", "location.region": "us", "project.id": "acme-prod",
   "usage.amount": 100, "usage.unit": "gibibyte month", "cost": 2.00, "credits": 0, "currency": "usd"}
]`

func newEngine(t *testing.T, c *config.Config) (*engine, store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := initStore(ctx, c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng, err := buildEngine(ctx, c, st)
	require.NoError(t, err)
	return eng, st
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"
	_, err := initStore(context.Background(), c)
	assert.Error(t, err)
}

func TestBuildEngine_RequiresPassphrase(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()
	st, err := initStore(ctx, c)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	c.Credentials.Passphrase = ""
	_, err = buildEngine(ctx, c, st)
	assert.Error(t, err)
}

func TestBuildEngine_BadTemplatesPath(t *testing.T) {
	c := testConfig(t)
	c.Engine.TemplatesPath = filepath.Join(t.TempDir(), "missing.yaml")
	ctx := context.Background()
	st, err := initStore(ctx, c)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = buildEngine(ctx, c, st)
	assert.Error(t, err)
}

func TestBuildEngine_RunsPipelineEndToEnd(t *testing.T) {
	export := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("start_date") != "2026-01-15" || r.URL.Query().Get("end_date") != "2026-01-15" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, gcpExport)
	}))
	defer export.Close()

	c := testConfig(t)
	c.Connectors = []connector.HTTPConfig{{Provider: "gcp", BaseURL: export.URL}}
	eng, st := newEngine(t, c)
	ctx := context.Background()

	require.NoError(t, st.CreateTenant(ctx, &model.Tenant{
		ID: "acme", Name: "Acme", APIKeyHash: api.HashAPIKey("k"), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, eng.resolver.Put(ctx, "acme", "gcp", "main", map[string]string{"api_key": "tok-123"}))

	rng, err := model.NewDateRange("2026-01-15", "")
	require.NoError(t, err)
	run, err := eng.coordinator.Run(ctx, coordinator.StartRequest{
		TenantID:      "acme",
		Provider:      "gcp",
		Domain:        model.CapabilityCloud,
		CredentialRef: "main",
		Range:         rng,
		Trigger:       model.TriggerCLI,
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status, run.ErrorSummary)
	assert.Equal(t, "gcp/cloud/billing-export", run.TemplateID)
	assert.EqualValues(t, 2, run.RowsWritten)

	recs, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for _, rec := range recs {
		assert.Equal(t, model.StepStatusSucceeded, rec.Status, rec.Name)
	}

	n, err := st.CountPartition(ctx, model.PartitionKey{
		TenantID: "acme", TemplateID: run.TemplateID, CredentialRef: "main", DataDate: rng.Start,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	usage, err := eng.ledger.Usage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.DailyUsed)
	assert.Equal(t, 0, usage.Running)

	// Rerunning the same range replaces the partition instead of appending.
	again, err := eng.coordinator.Run(ctx, coordinator.StartRequest{
		TenantID: "acme", Provider: "gcp", Domain: model.CapabilityCloud, CredentialRef: "main", Range: rng,
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, again.Status, again.ErrorSummary)
	n, err = st.CountPartition(ctx, model.PartitionKey{
		TenantID: "acme", TemplateID: run.TemplateID, CredentialRef: "main", DataDate: rng.Start,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestBuildEngine_UnknownCredentialFailsRun(t *testing.T) {
	c := testConfig(t)
	eng, st := newEngine(t, c)
	ctx := context.Background()
	require.NoError(t, st.CreateTenant(ctx, &model.Tenant{ID: "acme", APIKeyHash: api.HashAPIKey("k"), CreatedAt: time.Now().UTC()}))

	run, err := eng.coordinator.Run(ctx, coordinator.StartRequest{
		TenantID: "acme", Provider: "gcp", Domain: model.CapabilityCloud, CredentialRef: "nope",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "config", run.ErrorClass)

	usage, err := eng.ledger.Usage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Running)
}

func TestBuildScheduler_RegistersJobs(t *testing.T) {
	c := testConfig(t)
	c.Schedules = []config.ScheduleConfig{
		{Name: "nightly", TenantID: "acme", Provider: "gcp", Domain: "cloud", CredentialRef: "main", Cron: "0 30 1 * * *"},
	}
	eng, _ := newEngine(t, c)

	sched, err := buildScheduler(c, eng)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"quota-daily-reset", "quota-monthly-reset", "stale-sweep", "monitoring-check", "nightly"},
		sched.Jobs())
	require.NoError(t, sched.Stop(context.Background()))
}

func TestBuildScheduler_BadCron(t *testing.T) {
	c := testConfig(t)
	c.Schedules = []config.ScheduleConfig{{TenantID: "acme", Provider: "gcp", Domain: "cloud", Cron: "whenever"}}
	eng, _ := newEngine(t, c)

	_, err := buildScheduler(c, eng)
	assert.Error(t, err)
}

func TestShutdown_DrainsEngine(t *testing.T) {
	c := testConfig(t)
	eng, _ := newEngine(t, c)
	sched, err := buildScheduler(c, eng)
	require.NoError(t, err)
	sched.Start()

	srv := &http.Server{Addr: "127.0.0.1:0"}
	require.NoError(t, shutdown(srv, sched, eng, time.Second))

	_, err = eng.coordinator.StartRun(context.Background(), coordinator.StartRequest{
		TenantID: "acme", Provider: "gcp", Domain: model.CapabilityCloud,
	})
	assert.ErrorIs(t, err, coordinator.ErrShuttingDown)
}

func TestWebhookConfig_SharesRetryBackoff(t *testing.T) {
	c := testConfig(t)
	c.Notify = config.NotifyConfig{WebhookURL: "https://hooks.example.com/cost", TimeoutSecs: 4, MaxAttempts: 5}
	c.Retry = config.RetryConfig{BaseDelayMs: 250, MaxDelayMs: 4000, Multiplier: 3, JitterFraction: 0.1}

	wc := webhookConfig(c)
	assert.Equal(t, "https://hooks.example.com/cost", wc.URL)
	assert.Equal(t, 4*time.Second, wc.Timeout)
	assert.Equal(t, 5, wc.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, wc.Retry.InitialBackoff)
	assert.Equal(t, 4*time.Second, wc.Retry.MaxBackoff)
	assert.InDelta(t, 3.0, wc.Retry.Multiplier, 0.001)
	assert.InDelta(t, 0.1, wc.Retry.JitterFraction, 0.001)
}
