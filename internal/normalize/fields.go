package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
)

var (
	// ErrMissingField marks a required field that is absent or empty.
	ErrMissingField = eris.New("normalize: missing required field")
	// ErrInvalidField marks a field that is present but cannot be parsed.
	ErrInvalidField = eris.New("normalize: invalid field")
)

// FieldError names the field that caused a row to be dropped.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Err.Error() + ": " + e.Field }
func (e *FieldError) Unwrap() error { return e.Err }

// Reason is the drop-reason key, "missing:<field>" or "invalid:<field>".
func (e *FieldError) Reason() string {
	if e.Err == ErrMissingField {
		return "missing:" + e.Field
	}
	return "invalid:" + e.Field
}

func missing(field string) error { return &FieldError{Field: field, Err: ErrMissingField} }
func invalid(field string) error { return &FieldError{Field: field, Err: ErrInvalidField} }

// str returns the value at key as a trimmed string.
func str(raw model.RawRecord, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// firstStr returns the first non-empty value among keys.
func firstStr(raw model.RawRecord, keys ...string) string {
	for _, k := range keys {
		if s := str(raw, k); s != "" {
			return s
		}
	}
	return ""
}

func requireStr(raw model.RawRecord, key string) (string, error) {
	s := str(raw, key)
	if s == "" {
		return "", missing(key)
	}
	return s, nil
}

// num returns the number at key. present is false when the key is absent or
// an empty string; err is set when a value is present but not a finite number.
func num(raw model.RawRecord, key string) (v float64, present bool, err error) {
	var f float64
	switch x := raw[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case json.Number:
		parsed, perr := x.Float64()
		if perr != nil {
			return 0, true, invalid(key)
		}
		f = parsed
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		parsed, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			return 0, true, invalid(key)
		}
		f = parsed
	default:
		return 0, true, invalid(key)
	}
	// ParseFloat accepts NaN and Inf spellings.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, invalid(key)
	}
	return f, true, nil
}

func requireNum(raw model.RawRecord, key string) (float64, error) {
	v, ok, err := num(raw, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, missing(key)
	}
	return v, nil
}

// optNum returns the number at key, or 0 when absent.
func optNum(raw model.RawRecord, key string) (float64, error) {
	v, _, err := num(raw, key)
	return v, err
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	model.DateLayout,
	"01/02/2006",
}

// requireDate parses a timestamp or date string, or unix seconds.
func requireDate(raw model.RawRecord, key string) (time.Time, error) {
	switch x := raw[key].(type) {
	case nil:
		return time.Time{}, missing(key)
	case float64, int64, int, json.Number:
		secs, err := requireNum(raw, key)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, missing(key)
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
	}
	return time.Time{}, invalid(key)
}

func boolean(raw model.RawRecord, key string) bool {
	switch x := raw[key].(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	}
	return false
}
