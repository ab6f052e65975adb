package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestRateUndefinedForZeroDenominator(t *testing.T) {
	rate := NewRate(0, 0)
	if rate.Defined {
		t.Fatal("expected undefined rate")
	}
	if rate.String() != "undefined" {
		t.Fatalf("expected 'undefined', got %q", rate.String())
	}
	data, err := json.Marshal(rate)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "null" {
		t.Fatalf("expected null, got %s", data)
	}
}

func TestRateJSONRoundTrip(t *testing.T) {
	var decoded struct {
		A Rate `json:"a"`
		B Rate `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":0.25,"b":null}`), &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.A.Defined || decoded.A.Value != 0.25 {
		t.Fatalf("unexpected rate %+v", decoded.A)
	}
	if decoded.B.Defined {
		t.Fatal("expected null to decode as undefined")
	}
}

func TestRunStatusString(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatus{State: RunCompleted}, "completed"},
		{RunStatus{State: RunCompletedWithFailures, Failures: 3}, "completed_with_failures{3}"},
		{RunStatus{State: RunAborted, Reason: AbortCancelled}, "aborted{cancelled}"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Fatalf("expected %q, got %q", tt.want, got)
		}
	}
	if (RunStatus{State: RunRunning}).Terminal() {
		t.Fatal("running status must not be terminal")
	}
}

func TestStageResultHelpers(t *testing.T) {
	ok := Succeeded(map[string]interface{}{"x": 1.0}, 0.9)
	if !ok.IsSuccess() || ok.IsSkip() {
		t.Fatal("expected plain success")
	}
	skip := Failed(FailureDependencySkipped, "upstream failed")
	if skip.IsSuccess() || !skip.IsSkip() {
		t.Fatal("expected skip")
	}
	if Failed(FailureTimeout, "slow").IsSkip() {
		t.Fatal("timeout is not a skip")
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("load trial: %w", NewConfigurationError("cohort.size", "must not be negative"))
	if !IsConfigurationError(err) {
		t.Fatal("expected configuration error to be detected through wrapping")
	}
	cycle := fmt.Errorf("graph: %w", &CyclicGraphError{Cycle: []string{"a", "b", "a"}})
	if !IsCyclicGraphError(cycle) {
		t.Fatal("expected cyclic graph error")
	}
	if errors.Is(cycle, ErrEmptyCohort) {
		t.Fatal("unexpected sentinel match")
	}
}

func TestAssessSafety(t *testing.T) {
	tests := []struct {
		name                     string
		total, serious, patients int
		want                     SafetyAssessment
	}{
		{"no patients", 0, 0, 0, ""},
		{"no events", 0, 0, 50, SafetyFavorable},
		{"mild and rare", 9, 0, 50, SafetyFavorable},
		{"mild but frequent", 10, 0, 50, SafetyConcern},
		{"rare serious", 30, 2, 50, SafetyAcceptable},
		{"serious at five percent", 30, 5, 100, SafetyConcern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessSafety(tt.total, tt.serious, tt.patients); got != tt.want {
				t.Fatalf("AssessSafety(%d, %d, %d) = %q, want %q", tt.total, tt.serious, tt.patients, got, tt.want)
			}
		})
	}
}
