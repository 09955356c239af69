package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/cost-pipeline/internal/archive"
	"github.com/sells-group/cost-pipeline/internal/connector"
	"github.com/sells-group/cost-pipeline/internal/cost"
	"github.com/sells-group/cost-pipeline/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig            `yaml:"store" mapstructure:"store"`
	Log         LogConfig              `yaml:"log" mapstructure:"log"`
	Server      ServerConfig           `yaml:"server" mapstructure:"server"`
	Quota       QuotaConfig            `yaml:"quota" mapstructure:"quota"`
	Retry       RetryConfig            `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig          `yaml:"circuit" mapstructure:"circuit"`
	Engine      EngineConfig           `yaml:"engine" mapstructure:"engine"`
	Credentials CredentialsConfig      `yaml:"credentials" mapstructure:"credentials"`
	Notify      NotifyConfig           `yaml:"notify" mapstructure:"notify"`
	Archive     archive.Config         `yaml:"archive" mapstructure:"archive"`
	Fetch       FetchConfig            `yaml:"fetch" mapstructure:"fetch"`
	Connectors  []connector.HTTPConfig `yaml:"connectors" mapstructure:"connectors"`
	Pricing     cost.Rates             `yaml:"pricing" mapstructure:"pricing"`
	Schedules   []ScheduleConfig       `yaml:"schedules" mapstructure:"schedules"`
	Monitoring  MonitoringConfig       `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// AdminKey authorizes operator endpoints such as force-fail.
	AdminKey    string   `yaml:"admin_key" mapstructure:"admin_key"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// QuotaConfig holds the plan maxima applied to tenants without their own.
type QuotaConfig struct {
	DailyMax       int `yaml:"daily_max" mapstructure:"daily_max"`
	MonthlyMax     int `yaml:"monthly_max" mapstructure:"monthly_max"`
	ConcurrentMax  int `yaml:"concurrent_max" mapstructure:"concurrent_max"`
	StaleAfterMins int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// Limits returns the default limits.
func (q QuotaConfig) Limits() model.Limits {
	return model.Limits{DailyMax: q.DailyMax, MonthlyMax: q.MonthlyMax, ConcurrentMax: q.ConcurrentMax}
}

// StaleAfter is how long a slot may be held before the sweep reclaims it.
func (q QuotaConfig) StaleAfter() time.Duration {
	return time.Duration(q.StaleAfterMins) * time.Minute
}

// RetryConfig overrides the backoff shape of every step.
type RetryConfig struct {
	BaseDelayMs    int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	// TemplatesPath replaces the built-in templates when set.
	TemplatesPath       string `yaml:"templates_path" mapstructure:"templates_path"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// CredentialsConfig holds the key material sealing provider credentials.
type CredentialsConfig struct {
	Passphrase string `yaml:"passphrase" mapstructure:"passphrase"`
	Salt       string `yaml:"salt" mapstructure:"salt"`
}

// NotifyConfig configures completion event delivery.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	AlertsOnly  bool   `yaml:"alerts_only" mapstructure:"alerts_only"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// MaxAttempts bounds webhook deliveries per event. Backoff follows retry.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// FetchConfig configures the shared HTTP fetcher.
type FetchConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ScheduleConfig triggers a run for the previous UTC day on a cron spec.
type ScheduleConfig struct {
	Name          string `yaml:"name" mapstructure:"name"`
	TenantID      string `yaml:"tenant_id" mapstructure:"tenant_id"`
	Provider      string `yaml:"provider" mapstructure:"provider"`
	Domain        string `yaml:"domain" mapstructure:"domain"`
	Pipeline      string `yaml:"pipeline" mapstructure:"pipeline"`
	CredentialRef string `yaml:"credential_ref" mapstructure:"credential_ref"`
	// Cron is a six-field spec with a leading seconds field, in UTC.
	Cron string `yaml:"cron" mapstructure:"cron"`
}

// MonitoringConfig configures the failure-rate alert check.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// MinFinished is the number of finished runs below which the failure
	// rate is not evaluated.
	MinFinished         int `yaml:"min_finished" mapstructure:"min_finished"`
	BacklogThreshold    int `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	LookbackWindowHours int `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs   int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COSTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("quota.daily_max", 24)
	v.SetDefault("quota.monthly_max", 500)
	v.SetDefault("quota.concurrent_max", 2)
	v.SetDefault("quota.stale_after_mins", 360)
	v.SetDefault("retry.base_delay_ms", 0)
	v.SetDefault("retry.max_delay_ms", 0)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("engine.max_concurrent_runs", 16)
	v.SetDefault("engine.templates_path", "")
	v.SetDefault("engine.shutdown_timeout_secs", 60)
	v.SetDefault("credentials.passphrase", "")
	v.SetDefault("credentials.salt", "costpipe")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.alerts_only", false)
	v.SetDefault("notify.timeout_secs", 10)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.bucket", "cost-exports")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "costpipe/1.0")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_finished", 5)
	v.SetDefault("monitoring.backlog_threshold", 50)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url must name the sqlite file")
			}
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}
	requireEngine := func() {
		if c.Credentials.Passphrase == "" {
			errs = append(errs, "credentials.passphrase is required")
		}
		if c.Engine.MaxConcurrentRuns < 1 || c.Engine.MaxConcurrentRuns > 256 {
			errs = append(errs, "engine.max_concurrent_runs must be between 1 and 256")
		}
		if c.Quota.DailyMax < 0 || c.Quota.MonthlyMax < 0 || c.Quota.ConcurrentMax < 0 {
			errs = append(errs, "quota maxima must be >= 0")
		}
		if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
			errs = append(errs, "retry.jitter_fraction must be in [0, 1)")
		}
	}

	switch mode {
	case "serve":
		requireStore()
		requireEngine()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
		for i, s := range c.Schedules {
			if s.TenantID == "" || s.Provider == "" || s.Domain == "" || s.Cron == "" {
				errs = append(errs, fmt.Sprintf("schedules[%d] needs tenant_id, provider, domain, and cron", i))
			}
		}
	case "run":
		requireStore()
		requireEngine()
	case "store":
		requireStore()
	case "credentials":
		requireStore()
		if c.Credentials.Passphrase == "" {
			errs = append(errs, "credentials.passphrase is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
