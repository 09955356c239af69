package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/connector"
	"github.com/sells-group/cost-pipeline/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, model.Limits{DailyMax: 24, MonthlyMax: 500, ConcurrentMax: 2}, cfg.Quota.Limits())
	assert.Equal(t, 6*time.Hour, cfg.Quota.StaleAfter())
	assert.Equal(t, 16, cfg.Engine.MaxConcurrentRuns)
	assert.Equal(t, 60, cfg.Engine.ShutdownTimeoutSecs)
	assert.Equal(t, 3, cfg.Notify.MaxAttempts)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "cost-exports", cfg.Archive.Bucket)
	assert.False(t, cfg.Archive.Enabled())
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Empty(t, cfg.Connectors)
	assert.Empty(t, cfg.Schedules)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: costpipe.db
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://console.example.com"]
quota:
  concurrent_max: 4
connectors:
  - provider: gcp
    base_url: https://billing.example.com/export
    format: csv
    rate_per_sec: 2
    burst: 4
schedules:
  - name: nightly-gcp
    tenant_id: acme
    provider: gcp
    domain: cloud
    credential_ref: main
    cron: "0 30 1 * * *"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "costpipe.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Quota.ConcurrentMax)
	// Defaults still apply for unset values
	assert.Equal(t, 24, cfg.Quota.DailyMax)

	require.Len(t, cfg.Connectors, 1)
	assert.Equal(t, "gcp", cfg.Connectors[0].Provider)
	assert.Equal(t, connector.FormatCSV, cfg.Connectors[0].Format)
	assert.InDelta(t, 2.0, cfg.Connectors[0].RatePerSec, 0.001)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly-gcp", cfg.Schedules[0].Name)
	assert.Equal(t, "0 30 1 * * *", cfg.Schedules[0].Cron)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("COSTPIPE_STORE_DRIVER", "postgres")
	t.Setenv("COSTPIPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("COSTPIPE_SERVER_PORT", "3000")
	t.Setenv("COSTPIPE_CREDENTIALS_PASSPHRASE", "s3cret")
	t.Setenv("COSTPIPE_QUOTA_DAILY_MAX", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Credentials.Passphrase)
	assert.Equal(t, 7, cfg.Quota.DailyMax)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/costpipe"
	cfg.Server.Port = 8080
	cfg.Engine.MaxConcurrentRuns = 16
	cfg.Credentials.Passphrase = "passphrase"
	cfg.Retry.JitterFraction = 0.25
	cfg.Monitoring.FailureRateThreshold = 0.25
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "run", "store", "credentials"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Credentials.Passphrase = ""
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "credentials.passphrase is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateRun_Bounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Engine.MaxConcurrentRuns = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_runs must be between 1 and 256")

	cfg.Engine.MaxConcurrentRuns = 16
	cfg.Quota.DailyMax = -1
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota maxima")

	cfg.Quota.DailyMax = 0
	cfg.Retry.JitterFraction = 1.5
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_fraction")
}

func TestValidateServe_Schedules(t *testing.T) {
	cfg := validDefaults()
	cfg.Schedules = []ScheduleConfig{
		{TenantID: "acme", Provider: "gcp", Domain: "cloud", Cron: "0 0 2 * * *"},
		{TenantID: "acme", Provider: "gcp"},
	}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedules[1]")
	assert.NotContains(t, err.Error(), "schedules[0]")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
