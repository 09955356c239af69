// Package model defines the core domain types shared across the cost pipeline engine.
package model

import (
	"regexp"
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus represents the state machine position of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusValidating RunStatus = "validating"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// runStatusRank orders the non-terminal states. Terminal states share the top rank.
var runStatusRank = map[RunStatus]int{
	RunStatusPending:    0,
	RunStatusValidating: 1,
	RunStatusRunning:    2,
	RunStatusCompleted:  3,
	RunStatusFailed:     3,
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	_, ok := runStatusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward step.
// Any non-terminal state may fail; completed is only reachable from running.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	switch next {
	case RunStatusFailed:
		return true
	case RunStatusCompleted:
		return s == RunStatusRunning
	default:
		return runStatusRank[next] == runStatusRank[s]+1
	}
}

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerCLI      Trigger = "cli"
)

// PipelineRun is one invocation of a pipeline template for one tenant.
type PipelineRun struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Provider      string     `json:"provider"`
	Domain        Capability `json:"domain"`
	TemplateID    string     `json:"template_id"`
	CredentialRef string     `json:"credential_ref"`
	Range         DateRange  `json:"date_range"`
	Status        RunStatus  `json:"status"`
	Trigger       Trigger    `json:"trigger"`
	ExecutionID   string     `json:"execution_id"`
	ErrorSummary  string     `json:"error_summary,omitempty"`
	ErrorClass    string     `json:"error_class,omitempty"`
	RowsWritten   int64      `json:"rows_written"`
	RowsDropped   int64      `json:"rows_dropped"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Transition is one entry of a run's state machine log.
type Transition struct {
	RunID  string    `json:"run_id"`
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// RunUpdate describes a conditional status change. It applies only when the
// stored status still equals From.
type RunUpdate struct {
	RunID        string
	From         RunStatus
	To           RunStatus
	Reason       string
	At           time.Time
	ErrorSummary string
	ErrorClass   string
	RowsWritten  int64
	RowsDropped  int64
}

// Validate rejects a status change the state machine does not allow.
func (u RunUpdate) Validate() error {
	if !u.From.CanTransition(u.To) {
		return eris.Wrapf(ErrIllegalTransition, "run %s: %s -> %s", u.RunID, u.From, u.To)
	}
	return nil
}

// RunQuery filters and pages run history. Results are ordered by creation
// time descending, then by ID descending.
type RunQuery struct {
	TenantID     string
	Status       RunStatus
	CreatedAfter time.Time
	Before       *Cursor
	Limit        int
}

// Cursor marks the last row of a history page.
type Cursor struct {
	CreatedAt time.Time
	RunID     string
}

// CompletionEvent is emitted once per terminal transition of a run.
type CompletionEvent struct {
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	TemplateID   string    `json:"template_id"`
	Status       RunStatus `json:"status"`
	RowsWritten  int64     `json:"rows_written"`
	RowsDropped  int64     `json:"rows_dropped"`
	ErrorSummary string    `json:"error_summary,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	Alert        bool      `json:"alert"`
	FinishedAt   time.Time `json:"finished_at"`
}

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

// ValidateTenantID checks the tenant identifier format.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return eris.Wrapf(ErrInvalidTenant, "tenant %q", id)
	}
	return nil
}
