// Package api exposes the run coordinator over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
)

// Runs is the coordinator surface the API serves.
type Runs interface {
	StartRun(ctx context.Context, req coordinator.StartRequest) (*model.PipelineRun, error)
	GetRunStatus(ctx context.Context, tenantID, runID string) (*coordinator.RunDetail, error)
	Steps(ctx context.Context, tenantID, runID string) ([]model.StepExecution, error)
	Transitions(ctx context.Context, tenantID, runID string) ([]model.Transition, error)
	ListHistory(ctx context.Context, q coordinator.HistoryQuery) (*coordinator.HistoryPage, error)
	ForceFail(ctx context.Context, tenantID, runID, reason string) (*model.PipelineRun, error)
}

// Tenants resolves API keys.
type Tenants interface {
	TenantByAPIKeyHash(ctx context.Context, hash string) (*model.Tenant, error)
}

// Quota reports tenant usage.
type Quota interface {
	Usage(ctx context.Context, tenantID string) (model.Usage, error)
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the router.
type Config struct {
	// AdminKey grants operator access to every tenant. Empty disables it.
	AdminKey    string
	CORSOrigins []string
}

// Deps are the services behind the routes. Metrics and Health may be nil.
type Deps struct {
	Runs    Runs
	Tenants Tenants
	Quota   Quota
	Health  Pinger
	Metrics http.Handler
}

type server struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config, deps Deps) http.Handler {
	srv := &server{
		cfg:  cfg,
		deps: deps,
		log:  zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", srv.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Use(srv.authenticate)
		r.Use(srv.requireTenant)

		r.Get("/quota", srv.getQuota)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", srv.startRun)
			r.Get("/", srv.listRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", srv.getRun)
				r.Get("/steps", srv.getSteps)
				r.Get("/transitions", srv.getTransitions)
				r.With(srv.requireAdmin).Post("/fail", srv.forceFail)
			})
		})
	})

	return r
}

func (srv *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		srv.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (srv *server) health(w http.ResponseWriter, r *http.Request) {
	if srv.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := srv.deps.Health.Ping(ctx); err != nil {
			srv.log.Warn("health check failed", zap.Error(err))
			writeResponseAsJSON(srv.log, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, map[string]string{"status": "ok"})
}
