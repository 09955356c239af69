package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/archive"
	"github.com/sells-group/cost-pipeline/internal/config"
	"github.com/sells-group/cost-pipeline/internal/connector"
	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/cost"
	"github.com/sells-group/cost-pipeline/internal/credential"
	"github.com/sells-group/cost-pipeline/internal/executor"
	"github.com/sells-group/cost-pipeline/internal/fetcher"
	"github.com/sells-group/cost-pipeline/internal/monitoring"
	"github.com/sells-group/cost-pipeline/internal/normalize"
	"github.com/sells-group/cost-pipeline/internal/notify"
	"github.com/sells-group/cost-pipeline/internal/partition"
	"github.com/sells-group/cost-pipeline/internal/pipeline"
	"github.com/sells-group/cost-pipeline/internal/quota"
	"github.com/sells-group/cost-pipeline/internal/resilience"
	"github.com/sells-group/cost-pipeline/internal/steps"
	"github.com/sells-group/cost-pipeline/internal/store"
)

// initStore opens the configured store and applies pending migrations.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	dsn := c.Store.DatabaseURL
	if c.Store.Driver == "sqlite" && dsn == "" {
		dsn = "costpipe.db"
	}
	st, err := store.Open(ctx, store.Config{
		Driver:      c.Store.Driver,
		DatabaseURL: dsn,
		MaxConns:    c.Store.MaxConns,
		MinConns:    c.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initResolver(c *config.Config, st store.Store) (*credential.Resolver, error) {
	sealer, err := credential.NewSealer(c.Credentials.Passphrase, c.Credentials.Salt)
	if err != nil {
		return nil, err
	}
	return credential.NewResolver(st, sealer), nil
}

func initLedger(c *config.Config, st store.Store) *quota.Ledger {
	return quota.New(st, st, c.Quota.Limits())
}

// initRegistry loads the template set against the full step table.
func initRegistry(c *config.Config, table pipeline.StepTable, norm *normalize.Normalizer) (*pipeline.Registry, error) {
	opts := []pipeline.LoadOption{
		pipeline.RequireSupport(norm.Supports),
		pipeline.StepDelays(
			time.Duration(c.Retry.BaseDelayMs)*time.Millisecond,
			time.Duration(c.Retry.MaxDelayMs)*time.Millisecond,
		),
	}
	if c.Engine.TemplatesPath != "" {
		return pipeline.LoadFile(c.Engine.TemplatesPath, table, opts...)
	}
	return pipeline.LoadDefault(table, opts...)
}

// webhookConfig shares the retry section's backoff with completion
// deliveries.
func webhookConfig(c *config.Config) notify.WebhookConfig {
	return notify.WebhookConfig{
		URL:        c.Notify.WebhookURL,
		AlertsOnly: c.Notify.AlertsOnly,
		Timeout:    time.Duration(c.Notify.TimeoutSecs) * time.Second,
		Retry: resilience.FromRetryConfig(
			c.Notify.MaxAttempts,
			c.Retry.BaseDelayMs,
			c.Retry.MaxDelayMs,
			c.Retry.Multiplier,
			c.Retry.JitterFraction,
		),
	}
}

// engine is the wired run execution stack.
type engine struct {
	store       store.Store
	ledger      *quota.Ledger
	resolver    *credential.Resolver
	registry    *pipeline.Registry
	metrics     *monitoring.Metrics
	coordinator *coordinator.Coordinator
}

// buildEngine wires every collaborator of the coordinator over st.
func buildEngine(ctx context.Context, c *config.Config, st store.Store) (*engine, error) {
	log := zap.L().With(zap.String("component", "wire"))

	resolver, err := initResolver(c, st)
	if err != nil {
		return nil, err
	}

	norm := normalize.Default(cost.NewCalculator(c.Pricing))

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: c.Fetch.UserAgent,
		Timeout:   time.Duration(c.Fetch.TimeoutSecs) * time.Second,
	})
	conns, err := connector.NewHTTPRegistry(f, c.Connectors)
	if err != nil {
		return nil, eris.Wrap(err, "init connectors")
	}

	var arch archive.Archiver = archive.Discard{}
	if c.Archive.Enabled() {
		m, err := archive.NewMinIO(ctx, c.Archive)
		if err != nil {
			return nil, eris.Wrap(err, "init archive")
		}
		arch = m
		log.Info("raw payload archive enabled", zap.String("bucket", c.Archive.Bucket))
	}

	table := steps.Table(steps.Deps{
		Connectors: conns,
		Breakers:   resilience.NewServiceBreakers(resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)),
		Normalizer: norm,
		Archiver:   arch,
		Partitions: partition.NewManager(st),
		Counter:    st,
	})
	reg, err := initRegistry(c, table, norm)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	exec := executor.New(st,
		executor.WithObserver(metrics),
		executor.WithBackoff(c.Retry.Multiplier, c.Retry.JitterFraction),
	)
	ledger := initLedger(c, st)

	notifier := notify.Multi{
		notify.Log{},
		notify.NewWebhook(webhookConfig(c)),
	}

	coord := coordinator.New(
		coordinator.Config{
			MaxConcurrentRuns: c.Engine.MaxConcurrentRuns,
			StaleAfter:        c.Quota.StaleAfter(),
		},
		st, reg, ledger, resolver, exec,
		coordinator.WithMetrics(metrics),
		coordinator.WithNotifier(notifier),
	)
	metrics.WatchInFlight(coord.InFlight)

	log.Info("engine ready",
		zap.Int("templates", len(reg.Templates())),
		zap.Strings("providers", conns.Providers()),
	)
	return &engine{
		store:       st,
		ledger:      ledger,
		resolver:    resolver,
		registry:    reg,
		metrics:     metrics,
		coordinator: coord,
	}, nil
}
