package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// MaxRangeDays caps the number of days a single run may cover.
const MaxRangeDays = 93

// DateRange is an inclusive range of UTC calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, eris.Wrapf(ErrInvalidDateRange, "parse date %q", s)
	}
	return t, nil
}

// NewDateRange parses and validates an inclusive range. An empty end means a
// single-day range.
func NewDateRange(start, end string) (DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateRange{}, err
	}
	e := s
	if end != "" {
		if e, err = ParseDate(end); err != nil {
			return DateRange{}, err
		}
	}
	r := DateRange{Start: s, End: e}
	return r, r.Validate()
}

// SingleDay returns a one-day range covering t.
func SingleDay(t time.Time) DateRange {
	d := Day(t)
	return DateRange{Start: d, End: d}
}

// PreviousDay returns the one-day range for the UTC day before now.
func PreviousDay(now time.Time) DateRange {
	return SingleDay(Day(now).AddDate(0, 0, -1))
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate rejects empty, inverted, and oversized ranges.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return eris.Wrap(ErrInvalidDateRange, "range is empty")
	}
	if r.End.Before(r.Start) {
		return eris.Wrapf(ErrInvalidDateRange, "end %s before start %s",
			r.End.Format(DateLayout), r.Start.Format(DateLayout))
	}
	if n := r.Len(); n > MaxRangeDays {
		return eris.Wrapf(ErrInvalidDateRange, "range spans %d days, max %d", n, MaxRangeDays)
	}
	return nil
}

// Len returns the number of calendar days in the range.
func (r DateRange) Len() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(Day(r.End).Sub(Day(r.Start)).Hours()/24) + 1
}

// Days lists every date in the range in ascending order.
func (r DateRange) Days() []time.Time {
	n := r.Len()
	days := make([]time.Time, 0, n)
	start := Day(r.Start)
	for i := range n {
		days = append(days, start.AddDate(0, 0, i))
	}
	return days
}

// Contains reports whether t falls on a date within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(Day(r.Start)) && !d.After(Day(r.End))
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

type dateRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON encodes the range as a pair of YYYY-MM-DD strings.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeJSON{
		Start: r.Start.Format(DateLayout),
		End:   r.End.Format(DateLayout),
	})
}

// UnmarshalJSON decodes a pair of YYYY-MM-DD strings.
func (r *DateRange) UnmarshalJSON(b []byte) error {
	var raw dateRangeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return eris.Wrap(err, "model: decode date range")
	}
	parsed, err := NewDateRange(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
