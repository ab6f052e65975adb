package models

import (
	"encoding/json"
	"strconv"
)

// Rate is a ratio that may be undefined because its denominator is zero.
// Undefined rates marshal to JSON null and never masquerade as 0.
type Rate struct {
	Value   float64
	Defined bool
}

func NewRate(numerator, denominator int) Rate {
	if denominator == 0 {
		return Rate{}
	}
	return Rate{Value: float64(numerator) / float64(denominator), Defined: true}
}

func (r Rate) String() string {
	if !r.Defined {
		return "undefined"
	}
	return strconv.FormatFloat(r.Value, 'f', 4, 64)
}

func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Rate{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Rate{Value: v, Defined: true}
	return nil
}

// SafetyAssessment grades an adverse event stage from its event counts.
type SafetyAssessment string

const (
	SafetyFavorable  SafetyAssessment = "favorable"
	SafetyAcceptable SafetyAssessment = "acceptable"
	SafetyConcern    SafetyAssessment = "concern"
)

// AssessSafety grades events observed across assessed patients: favorable
// with no serious events and fewer than 0.2 events per patient, acceptable
// while serious events stay under 5% of patients, concern otherwise.
func AssessSafety(totalEvents, seriousEvents, patients int) SafetyAssessment {
	if patients <= 0 {
		return ""
	}
	n := float64(patients)
	switch {
	case totalEvents == 0:
		return SafetyFavorable
	case seriousEvents == 0 && float64(totalEvents)/n < 0.2:
		return SafetyFavorable
	case seriousEvents > 0 && float64(seriousEvents)/n < 0.05:
		return SafetyAcceptable
	}
	return SafetyConcern
}

type FindingSummary struct {
	Positives       int            `json:"positives"`
	Incidence       Rate           `json:"incidence"`
	Severity        map[string]int `json:"severity,omitempty"`
	Serious         int            `json:"serious,omitempty"`
	MeanProbability Rate           `json:"mean_probability,omitempty"`

	// Adverse event breakdown over patients with a predicted event.
	TotalEvents      int              `json:"total_events,omitempty"`
	SeriousEvents    int              `json:"serious_events,omitempty"`
	EventsByCategory map[string]int   `json:"events_by_category,omitempty"`
	EventsByGrade    map[int]int      `json:"events_by_grade,omitempty"`
	Assessment       SafetyAssessment `json:"safety_assessment,omitempty"`
}

type DoseDistribution struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P10    float64 `json:"p10"`
	P90    float64 `json:"p90"`
	StdDev float64 `json:"stddev"`
	Unit   string  `json:"unit"`
}

type StageSummary struct {
	Stage          string              `json:"stage"`
	Kind           StageKind           `json:"kind"`
	Attempts       int                 `json:"attempts"`
	Successes      int                 `json:"successes"`
	Failures       int                 `json:"failures"`
	Skipped        int                 `json:"skipped"`
	FailuresByKind map[FailureKind]int `json:"failures_by_kind,omitempty"`
	SuccessRate    Rate                `json:"success_rate"`
	MeanConfidence Rate                `json:"mean_confidence"`
	Finding        *FindingSummary     `json:"finding,omitempty"`
	Dosing         *DoseDistribution   `json:"dosing,omitempty"`
}

// TrialSummary is a projection of a run's result table. It is recomputed on
// demand and never stored as independent mutable state.
type TrialSummary struct {
	RunID      string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	CohortSize int            `json:"cohort_size"`
	Cells      int            `json:"cells"`
	Failures   int            `json:"failures"`
	Skipped    int            `json:"skipped"`
	Stages     []StageSummary `json:"stages"`
}

func (s TrialSummary) Stage(name string) (StageSummary, bool) {
	for _, st := range s.Stages {
		if st.Stage == name {
			return st, true
		}
	}
	return StageSummary{}, false
}
