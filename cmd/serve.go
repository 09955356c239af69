package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cost-pipeline/internal/api"
	"github.com/sells-group/cost-pipeline/internal/config"
	"github.com/sells-group/cost-pipeline/internal/monitoring"
	"github.com/sells-group/cost-pipeline/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API and run scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng, err := buildEngine(ctx, cfg, st)
		if err != nil {
			return err
		}

		sched, err := buildScheduler(cfg, eng)
		if err != nil {
			return err
		}
		sched.Start()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(
				api.Config{AdminKey: cfg.Server.AdminKey, CORSOrigins: cfg.Server.CORSOrigins},
				api.Deps{
					Runs:    eng.coordinator,
					Tenants: st,
					Quota:   eng.ledger,
					Health:  st,
					Metrics: eng.metrics.Handler(),
				},
			),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			return shutdown(srv, sched, eng, time.Duration(cfg.Engine.ShutdownTimeoutSecs)*time.Second)
		})
		return g.Wait()
	},
}

// buildScheduler registers the maintenance jobs and configured run schedules.
func buildScheduler(c *config.Config, eng *engine) (*scheduler.Scheduler, error) {
	checker := monitoring.NewChecker(
		monitoring.NewCollector(eng.store),
		monitoring.NewAlerter(c.Monitoring),
		c.Monitoring,
	)

	sched := scheduler.New()
	if err := sched.AddMaintenance(scheduler.Maintenance{
		Quota:   eng.ledger,
		Sweeper: eng.coordinator,
		Check: func(ctx context.Context) error {
			_, err := checker.Check(ctx)
			return err
		},
		CheckInterval: time.Duration(c.Monitoring.CheckIntervalSecs) * time.Second,
	}); err != nil {
		return nil, err
	}
	for _, sc := range c.Schedules {
		if err := sched.AddRunSchedule(sc, eng.coordinator); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// shutdown stops intake first, then drains runs within timeout.
func shutdown(srv *http.Server, sched *scheduler.Scheduler, eng *engine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, eris.Wrap(err, "server shutdown"))
	}
	if err := sched.Stop(ctx); err != nil {
		errs = append(errs, eris.Wrap(err, "scheduler stop"))
	}
	if err := eng.coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
