// Package trial reduces a run's result table to a TrialSummary.
package trial

import (
	"math"
	"sort"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
)

// Aggregate summarizes a run from a snapshot of its result table. It has no
// side effects and may be called any number of times, including while the
// run is still in progress.
func Aggregate(run *pipeline.Run) models.TrialSummary {
	summary := AggregateCells(run.Graph(), len(run.Cohort()), run.Cells())
	summary.RunID = run.ID
	summary.Status = run.Status()
	return summary
}

type accumulator struct {
	summary     models.StageSummary
	confidences []float64
	positives   int
	serious     int
	severity    map[string]int
	probs       []float64
	doses       []float64

	events          int
	seriousEvents   int
	eventCategories map[string]int
	eventGrades     map[int]int
}

// AggregateCells summarizes an arbitrary set of cells. Stages are reported in
// graph order; the result does not depend on the order of cells.
func AggregateCells(graph *pipeline.Graph, cohortSize int, cells []models.Cell) models.TrialSummary {
	order, kinds := stageLayout(graph, cells)
	acc := make(map[string]*accumulator, len(order))
	for _, name := range order {
		acc[name] = &accumulator{
			summary: models.StageSummary{
				Stage:          name,
				Kind:           kinds[name],
				FailuresByKind: map[models.FailureKind]int{},
			},
			severity:        map[string]int{},
			eventCategories: map[string]int{},
			eventGrades:     map[int]int{},
		}
	}

	summary := models.TrialSummary{CohortSize: cohortSize, Cells: len(cells)}
	for _, cell := range cells {
		a, ok := acc[cell.Stage]
		if !ok {
			continue
		}
		a.summary.Attempts++
		r := cell.Result
		switch {
		case r.IsSuccess():
			a.summary.Successes++
			a.confidences = append(a.confidences, r.Confidence)
			a.observe(r.Payload)
		case r.IsSkip():
			a.summary.Skipped++
			summary.Skipped++
		default:
			a.summary.Failures++
			a.summary.FailuresByKind[r.FailureKind()]++
			summary.Failures++
		}
	}

	summary.Stages = make([]models.StageSummary, 0, len(order))
	for _, name := range order {
		summary.Stages = append(summary.Stages, acc[name].finish())
	}
	return summary
}

func stageLayout(graph *pipeline.Graph, cells []models.Cell) ([]string, map[string]models.StageKind) {
	kinds := map[string]models.StageKind{}
	if graph != nil {
		for _, def := range graph.Definitions() {
			kinds[def.Name] = def.Kind
		}
		return graph.Order(), kinds
	}
	var order []string
	for _, c := range cells {
		if _, ok := kinds[c.Stage]; !ok {
			kinds[c.Stage] = models.StageCustom
			order = append(order, c.Stage)
		}
	}
	sort.Strings(order)
	return order, kinds
}

func (a *accumulator) observe(payload map[string]interface{}) {
	switch a.summary.Kind {
	case models.StageInteraction:
		if detected, _ := payload["interaction_detected"].(bool); detected {
			a.positives++
		}
		if sev, ok := payload["severity"].(string); ok {
			a.severity[sev]++
		}
	case models.StageAdverseEvent:
		if predicted, _ := payload["adverse_event_predicted"].(bool); predicted {
			a.positives++
		}
		if serious, _ := payload["serious"].(bool); serious {
			a.serious++
		}
		if p, ok := payload["probability"].(float64); ok {
			a.probs = append(a.probs, p)
		}
		if predicted, _ := payload["adverse_event_predicted"].(bool); predicted {
			a.observeEvents(payload["events"])
		}
	case models.StageDosing:
		if dose, ok := payload["recommended_dose_mg"].(float64); ok {
			a.doses = append(a.doses, dose)
		}
	}
}

// observeEvents counts the individual events reported for a patient.
func (a *accumulator) observeEvents(raw interface{}) {
	events, _ := raw.([]interface{})
	for _, e := range events {
		ev, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		a.events++
		category, _ := ev["category"].(string)
		if category == "" {
			category = "unspecified"
		}
		a.eventCategories[category]++
		grade, hasGrade := ev["grade"].(float64)
		if hasGrade {
			a.eventGrades[int(grade)]++
		}
		serious, ok := ev["serious"].(bool)
		if !ok {
			serious = hasGrade && grade >= 3
		}
		if serious {
			a.seriousEvents++
		}
	}
}

func (a *accumulator) finish() models.StageSummary {
	s := a.summary
	s.SuccessRate = models.NewRate(s.Successes, s.Attempts)
	s.MeanConfidence = mean(a.confidences)
	if len(s.FailuresByKind) == 0 {
		s.FailuresByKind = nil
	}

	switch s.Kind {
	case models.StageInteraction:
		s.Finding = &models.FindingSummary{
			Positives: a.positives,
			Incidence: models.NewRate(a.positives, s.Successes),
			Severity:  a.severity,
		}
	case models.StageAdverseEvent:
		s.Finding = &models.FindingSummary{
			Positives:       a.positives,
			Incidence:       models.NewRate(a.positives, s.Successes),
			Serious:         a.serious,
			MeanProbability: mean(a.probs),

			TotalEvents:      a.events,
			SeriousEvents:    a.seriousEvents,
			EventsByCategory: nonEmpty(a.eventCategories),
			EventsByGrade:    nonEmpty(a.eventGrades),
			Assessment:       models.AssessSafety(a.events, a.seriousEvents, s.Successes),
		}
	case models.StageDosing:
		if len(a.doses) > 0 {
			s.Dosing = distribution(a.doses)
		}
	}
	return s
}

func nonEmpty[K comparable](m map[K]int) map[K]int {
	if len(m) == 0 {
		return nil
	}
	return m
}

// mean sums sorted values so the result is independent of input order.
func mean(values []float64) models.Rate {
	if len(values) == 0 {
		return models.Rate{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	total := 0.0
	for _, v := range sorted {
		total += v
	}
	return models.Rate{Value: total / float64(len(sorted)), Defined: true}
}

func distribution(values []float64) *models.DoseDistribution {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	total := 0.0
	for _, v := range sorted {
		total += v
	}
	avg := total / float64(n)
	variance := 0.0
	for _, v := range sorted {
		variance += (v - avg) * (v - avg)
	}
	return &models.DoseDistribution{
		Count:  n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   avg,
		Median: percentile(sorted, 0.5),
		P10:    percentile(sorted, 0.1),
		P90:    percentile(sorted, 0.9),
		StdDev: math.Sqrt(variance / float64(n)),
		Unit:   "mg",
	}
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
