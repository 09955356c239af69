package model

import "time"

// PeriodKind distinguishes the two counted quota periods.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodMonthly PeriodKind = "monthly"
)

// LimitKind names the quota dimension that denied an admission.
type LimitKind string

const (
	LimitDaily      LimitKind = "daily"
	LimitMonthly    LimitKind = "monthly"
	LimitConcurrent LimitKind = "concurrent"
)

// MonthlyResetOffset delays the monthly rollover past midnight on the 1st.
const MonthlyResetOffset = 5 * time.Minute

// Limits are a tenant's plan maxima.
type Limits struct {
	DailyMax      int `json:"daily_max" yaml:"daily_max" mapstructure:"daily_max"`
	MonthlyMax    int `json:"monthly_max" yaml:"monthly_max" mapstructure:"monthly_max"`
	ConcurrentMax int `json:"concurrent_max" yaml:"concurrent_max" mapstructure:"concurrent_max"`
}

// Merge fills zero fields of l from defaults.
func (l Limits) Merge(defaults Limits) Limits {
	if l.DailyMax <= 0 {
		l.DailyMax = defaults.DailyMax
	}
	if l.MonthlyMax <= 0 {
		l.MonthlyMax = defaults.MonthlyMax
	}
	if l.ConcurrentMax <= 0 {
		l.ConcurrentMax = defaults.ConcurrentMax
	}
	return l
}

// QuotaCounter is the stored per-tenant ledger row. Period counts apply only
// while their key matches the current period.
type QuotaCounter struct {
	TenantID    string    `json:"tenant_id"`
	DayKey      string    `json:"day_key"`
	DailyUsed   int       `json:"daily_used"`
	MonthKey    string    `json:"month_key"`
	MonthlyUsed int       `json:"monthly_used"`
	Running     int       `json:"running"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Usage is a tenant's counters as seen at a point in time, with limits.
type Usage struct {
	TenantID    string `json:"tenant_id"`
	DayKey      string `json:"day_key"`
	DailyUsed   int    `json:"daily_used"`
	MonthKey    string `json:"month_key"`
	MonthlyUsed int    `json:"monthly_used"`
	Running     int    `json:"running"`
	Limits      Limits `json:"limits"`
}

// UsageAt projects a stored counter onto the periods current at now.
func (c QuotaCounter) UsageAt(now time.Time) Usage {
	u := Usage{
		TenantID: c.TenantID,
		DayKey:   DayKey(now),
		MonthKey: MonthKey(now),
		Running:  c.Running,
	}
	if c.DayKey == u.DayKey {
		u.DailyUsed = c.DailyUsed
	}
	if c.MonthKey == u.MonthKey {
		u.MonthlyUsed = c.MonthlyUsed
	}
	return u
}

// AdmitRequest is the input to an atomic admission.
type AdmitRequest struct {
	TenantID string
	RunID    string
	DayKey   string
	MonthKey string
	Limits   Limits
	At       time.Time
}

// QuotaSlot is one admitted run holding a concurrent slot.
type QuotaSlot struct {
	RunID      string     `json:"run_id"`
	TenantID   string     `json:"tenant_id"`
	AdmittedAt time.Time  `json:"admitted_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// DayKey returns the daily period key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// MonthKey returns the monthly period key for t. The month rolls over at
// 00:05 UTC on the 1st.
func MonthKey(t time.Time) string {
	return t.UTC().Add(-MonthlyResetOffset).Format("2006-01")
}

// NextDailyReset returns the next 00:00 UTC boundary after t.
func NextDailyReset(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, 1)
}

// NextMonthlyReset returns the next 00:05 UTC on the 1st after t.
func NextMonthlyReset(t time.Time) time.Time {
	t = t.UTC()
	candidate := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Add(MonthlyResetOffset)
	if !candidate.After(t) {
		candidate = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).Add(MonthlyResetOffset)
	}
	return candidate
}
