package models

import (
	"time"
)

type StageKind string

const (
	StageInteraction  StageKind = "interaction"
	StageAdverseEvent StageKind = "adverse_event"
	StageDosing       StageKind = "dosing"
	StageCustom       StageKind = "custom"
)

func (k StageKind) Valid() bool {
	switch k {
	case StageInteraction, StageAdverseEvent, StageDosing, StageCustom:
		return true
	}
	return false
}

type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureInvalidOutput     FailureKind = "invalid_output"
	FailureDependencySkipped FailureKind = "dependency_skipped"
	FailureRateLimited       FailureKind = "rate_limited"
	FailureTransient         FailureKind = "transient"
	FailureUnavailable       FailureKind = "unavailable"
)

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

type StageFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// StageResult is the tagged outcome of one (patient, stage) cell. A success
// carries Payload and Confidence, a failure carries Failure.
type StageResult struct {
	Status     ResultStatus           `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Failure    *StageFailure          `json:"failure,omitempty"`
	Attempts   int                    `json:"attempts"`
	Duration   time.Duration          `json:"duration_ns"`
}

func Succeeded(payload map[string]interface{}, confidence float64) StageResult {
	return StageResult{Status: ResultSuccess, Payload: payload, Confidence: confidence}
}

func Failed(kind FailureKind, message string) StageResult {
	return StageResult{Status: ResultFailure, Failure: &StageFailure{Kind: kind, Message: message}}
}

func (r StageResult) IsSuccess() bool {
	return r.Status == ResultSuccess
}

func (r StageResult) FailureKind() FailureKind {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Kind
}

// IsSkip reports whether the cell was never invoked because a dependency failed.
func (r StageResult) IsSkip() bool {
	return r.Status == ResultFailure && r.FailureKind() == FailureDependencySkipped
}

// StageRequest is what a stage sees for one patient: the profile, the results
// of its declared dependencies, and its own parameters.
type StageRequest struct {
	Stage    string                 `json:"stage"`
	Kind     StageKind              `json:"kind"`
	Patient  *PatientProfile        `json:"patient"`
	Upstream map[string]StageResult `json:"upstream,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

type CellKey struct {
	PatientID string `json:"patient_id"`
	Stage     string `json:"stage"`
}

type Cell struct {
	CellKey
	Result StageResult `json:"result"`
}
