package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/cost-pipeline/internal/model"
)

const metricNamespace = "costpipe"

// Metrics exports run and step counters. Each instance owns its registry so
// tests and multiple engines do not collide.
type Metrics struct {
	registry *prometheus.Registry

	runsAdmitted  *prometheus.CounterVec
	runsDenied    *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	rowsWritten   *prometheus.CounterVec
	rowsDropped   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsFinished *prometheus.CounterVec
	stepAttempts  *prometheus.HistogramVec
	stepDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "runs_admitted_total",
			Help:      "Runs admitted by the quota ledger.",
		}, []string{"tenant", "template"}),
		runsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "runs_denied_total",
			Help:      "Run requests rejected by the quota ledger.",
		}, []string{"tenant", "limit"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"template", "status", "error_class"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "rows_written_total",
			Help:      "Canonical rows written by finished runs.",
		}, []string{"template"}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "rows_dropped_total",
			Help:      "Provider rows excluded by normalization or range checks.",
		}, []string{"template"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "run_duration_seconds",
			Help:      "Time from admission to terminal state.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"template", "status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "steps_finished_total",
			Help:      "Executed steps by kind and outcome.",
		}, []string{"kind", "status"}),
		stepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "step_attempts",
			Help:      "Attempts used per executed step.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"kind"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of executed steps including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.runsAdmitted, m.runsDenied, m.runsFinished, m.rowsWritten, m.rowsDropped,
		m.runDuration, m.stepsFinished, m.stepAttempts, m.stepDuration,
	)
	return m
}

// RunAdmitted counts an admitted run.
func (m *Metrics) RunAdmitted(tenant, template string) {
	m.runsAdmitted.WithLabelValues(tenant, template).Inc()
}

// RunDenied counts a quota denial.
func (m *Metrics) RunDenied(tenant string, limit model.LimitKind) {
	m.runsDenied.WithLabelValues(tenant, string(limit)).Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(run *model.PipelineRun, elapsed time.Duration) {
	m.runsFinished.WithLabelValues(run.TemplateID, string(run.Status), run.ErrorClass).Inc()
	m.rowsWritten.WithLabelValues(run.TemplateID).Add(float64(run.RowsWritten))
	m.rowsDropped.WithLabelValues(run.TemplateID).Add(float64(run.RowsDropped))
	m.runDuration.WithLabelValues(run.TemplateID, string(run.Status)).Observe(elapsed.Seconds())
}

// StepFinished records an executed step.
func (m *Metrics) StepFinished(rec model.StepExecution, elapsed time.Duration) {
	kind := string(rec.Kind)
	m.stepsFinished.WithLabelValues(kind, string(rec.Status)).Inc()
	m.stepAttempts.WithLabelValues(kind).Observe(float64(rec.Attempts))
	m.stepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// WatchInFlight exports fn as the number of runs executing in this process.
func (m *Metrics) WatchInFlight(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "runs_in_flight",
		Help:      "Runs executing in this process.",
	}, func() float64 { return float64(fn()) }))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
