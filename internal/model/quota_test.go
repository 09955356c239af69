package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		at        time.Time
		wantDay   string
		wantMonth string
	}{
		{"mid month", time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), "2026-01-15", "2026-01"},
		{"first just after midnight", time.Date(2026, 2, 1, 0, 2, 0, 0, time.UTC), "2026-02-01", "2026-01"},
		{"first after monthly reset", time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC), "2026-02-01", "2026-02"},
		{"non-UTC input", time.Date(2026, 1, 15, 23, 0, 0, 0, time.FixedZone("EST", -5*3600)), "2026-01-16", "2026-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantDay, DayKey(tt.at))
			assert.Equal(t, tt.wantMonth, MonthKey(tt.at))
		})
	}
}

func TestNextResets(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 31, 18, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), NextDailyReset(now))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC), NextMonthlyReset(now))

	early := time.Date(2026, 2, 1, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 5, 0, 0, time.UTC), NextMonthlyReset(early))

	dec := time.Date(2026, 12, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 5, 0, 0, time.UTC), NextMonthlyReset(dec))
}

func TestQuotaCounter_UsageAt(t *testing.T) {
	t.Parallel()

	c := QuotaCounter{
		TenantID:    "t1",
		DayKey:      "2026-01-14",
		DailyUsed:   7,
		MonthKey:    "2026-01",
		MonthlyUsed: 30,
		Running:     1,
	}
	u := c.UsageAt(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, u.DailyUsed)
	assert.Equal(t, 30, u.MonthlyUsed)
	assert.Equal(t, 1, u.Running)
	assert.Equal(t, "2026-01-15", u.DayKey)
}

func TestLimits_Merge(t *testing.T) {
	t.Parallel()

	got := Limits{DailyMax: 5}.Merge(Limits{DailyMax: 10, MonthlyMax: 100, ConcurrentMax: 2})
	assert.Equal(t, Limits{DailyMax: 5, MonthlyMax: 100, ConcurrentMax: 2}, got)
}
