package model

import "time"

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepKind names a step implementation.
type StepKind string

const (
	StepKindFetch     StepKind = "fetch"
	StepKindNormalize StepKind = "normalize"
	StepKindArchive   StepKind = "archive"
	StepKindWrite     StepKind = "write"
	StepKindVerify    StepKind = "verify"
)

// FailurePolicy decides what a step failure does to its run.
type FailurePolicy string

const (
	// OnFailureStop ends the run as failed.
	OnFailureStop FailurePolicy = "stop"
	// OnFailureAlert ends the run as failed and flags the completion event.
	OnFailureAlert FailurePolicy = "alert"
	// OnFailureContinue records the failure and proceeds with the next step.
	OnFailureContinue FailurePolicy = "continue"
)

// Valid reports whether p is one of the three known policies.
func (p FailurePolicy) Valid() bool {
	switch p {
	case OnFailureStop, OnFailureAlert, OnFailureContinue:
		return true
	}
	return false
}

// Fatal reports whether a failure under p ends the run.
func (p FailurePolicy) Fatal() bool {
	return p != OnFailureContinue
}

// StepExecution is the persisted record of one step within a run.
type StepExecution struct {
	RunID       string        `json:"run_id"`
	Order       int           `json:"order"`
	Name        string        `json:"name"`
	Kind        StepKind      `json:"kind"`
	OnFailure   FailurePolicy `json:"on_failure"`
	Status      StepStatus    `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	RowCount    int64         `json:"row_count"`
	LastError   string        `json:"last_error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}
