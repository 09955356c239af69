package model

import "github.com/rotisserie/eris"

var (
	// ErrNotFound is returned by stores when a requested record does not exist.
	ErrNotFound = eris.New("not found")

	// ErrInvalidDateRange is returned for empty, inverted, or oversized ranges.
	ErrInvalidDateRange = eris.New("invalid date range")

	// ErrInvalidTenant is returned when a tenant identifier is malformed.
	ErrInvalidTenant = eris.New("invalid tenant identifier")

	// ErrIllegalTransition is returned for a run status change that would
	// leave a terminal state or move backward.
	ErrIllegalTransition = eris.New("illegal run transition")
)
