package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMetrics_RunLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RunAdmitted("acme", "gcp/cloud/billing-export")
	m.RunAdmitted("acme", "gcp/cloud/billing-export")
	m.RunDenied("acme", model.LimitConcurrent)
	m.RunFinished(&model.PipelineRun{
		TemplateID:  "gcp/cloud/billing-export",
		Status:      model.RunStatusCompleted,
		RowsWritten: 80,
		RowsDropped: 3,
	}, 12*time.Second)
	m.RunFinished(&model.PipelineRun{
		TemplateID: "gcp/cloud/billing-export",
		Status:     model.RunStatusFailed,
		ErrorClass: "auth",
	}, time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.runsAdmitted.WithLabelValues("acme", "gcp/cloud/billing-export")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsDenied.WithLabelValues("acme", "concurrent")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsFinished.WithLabelValues("gcp/cloud/billing-export", "completed", "")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsFinished.WithLabelValues("gcp/cloud/billing-export", "failed", "auth")), 0)
	assert.InDelta(t, 80, testutil.ToFloat64(m.rowsWritten.WithLabelValues("gcp/cloud/billing-export")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.rowsDropped.WithLabelValues("gcp/cloud/billing-export")), 0)
}

func TestMetrics_StepFinished(t *testing.T) {
	m := NewMetrics()
	m.StepFinished(model.StepExecution{Kind: model.StepKindFetch, Status: model.StepStatusSucceeded, Attempts: 2}, time.Second)
	m.StepFinished(model.StepExecution{Kind: model.StepKindFetch, Status: model.StepStatusFailed, Attempts: 4}, time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.stepsFinished.WithLabelValues("fetch", "succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.stepsFinished.WithLabelValues("fetch", "failed")), 0)
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	m := NewMetrics()
	m.WatchInFlight(func() int { return 3 })
	m.RunAdmitted("acme", "aws/cloud/cur")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `costpipe_runs_admitted_total{template="aws/cloud/cur",tenant="acme"} 1`)
	assert.Contains(t, string(body), "costpipe_runs_in_flight 3")
}
