package models

import (
	"fmt"
	"time"
)

type RunState string

const (
	RunRunning               RunState = "running"
	RunCompleted             RunState = "completed"
	RunCompletedWithFailures RunState = "completed_with_failures"
	RunAborted               RunState = "aborted"
)

type AbortReason string

const (
	AbortCancelled    AbortReason = "cancelled"
	AbortInvalidGraph AbortReason = "invalid_graph"
	AbortEmptyCohort  AbortReason = "empty_cohort"
)

// RunStatus is the run-level state. Failures counts root-cause failure cells;
// dependency_skipped cells are not counted.
type RunStatus struct {
	State    RunState    `json:"state"`
	Failures int         `json:"failures,omitempty"`
	Reason   AbortReason `json:"reason,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (s RunStatus) Terminal() bool {
	return s.State != RunRunning && s.State != ""
}

func (s RunStatus) String() string {
	switch s.State {
	case RunCompletedWithFailures:
		return fmt.Sprintf("%s{%d}", s.State, s.Failures)
	case RunAborted:
		return fmt.Sprintf("%s{%s}", s.State, s.Reason)
	default:
		return string(s.State)
	}
}

// ProgressEvent types emitted by the orchestrator.
const (
	EventStageStarted   = "stage.started"
	EventStageCompleted = "stage.completed"
	EventStageFailed    = "stage.failed"
	EventStageSkipped   = "stage.skipped"
	EventRunStatus      = "run.status"
)

type ProgressEvent struct {
	Type        string      `json:"type"`
	RunID       string      `json:"run_id"`
	PatientID   string      `json:"patient_id,omitempty"`
	Stage       string      `json:"stage,omitempty"`
	Status      string      `json:"status,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	Message     string      `json:"message,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Fields flattens the event for structured logging and bus payloads.
func (e ProgressEvent) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"event":  e.Type,
		"run_id": e.RunID,
	}
	if e.PatientID != "" {
		fields["patient_id"] = e.PatientID
	}
	if e.Stage != "" {
		fields["stage"] = e.Stage
	}
	if e.Status != "" {
		fields["status"] = e.Status
	}
	if e.FailureKind != "" {
		fields["failure_kind"] = string(e.FailureKind)
	}
	if e.Attempts > 0 {
		fields["attempts"] = e.Attempts
	}
	if e.Message != "" {
		fields["message"] = e.Message
	}
	return fields
}
