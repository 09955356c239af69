package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window, by status.
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsInProgress int     `json:"runs_in_progress"`
	FailureRate    float64 `json:"failure_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of runs in a terminal state.
func (s *MetricsSnapshot) Finished() int { return s.RunsCompleted + s.RunsFailed }

// RunCounter counts runs created since a cutoff by status.
type RunCounter interface {
	CountRunsByStatus(ctx context.Context, since time.Time) (map[model.RunStatus]int, error)
}

// Collector gathers snapshots from the run store.
type Collector struct {
	store RunCounter
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunCounter) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.store.CountRunsByStatus(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count runs")
	}
	for status, n := range counts {
		snap.RunsTotal += n
		switch status {
		case model.RunStatusCompleted:
			snap.RunsCompleted += n
		case model.RunStatusFailed:
			snap.RunsFailed += n
		default:
			snap.RunsInProgress += n
		}
	}
	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
