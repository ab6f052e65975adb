package trial

import (
	"errors"
	"fmt"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/ml/linear"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
)

// ErrInsufficientOutcomes is returned when a stage has too few successful
// cells, or only one outcome class, to fit a model.
var ErrInsufficientOutcomes = errors.New("insufficient outcomes for risk factor analysis")

const minRiskSamples = 10

// Covariates are the patient features regressed against a stage outcome.
var Covariates = []string{
	"age",
	"bmi",
	"renal_egfr",
	"hepatic_impairment",
	"female",
	"cyp2d6_poor",
	"cyp3a4_poor",
	"medication_count",
	"comorbidity_count",
}

func covariates(p *models.PatientProfile) []float64 {
	return []float64{
		float64(p.Age),
		p.BMI,
		p.RenalFunction,
		p.HepaticFunction,
		indicator(p.Sex == models.SexFemale),
		indicator(p.Genetics.CYP2D6 == models.MetabolizerPoor),
		indicator(p.Genetics.CYP3A4 == models.MetabolizerPoor),
		float64(len(p.Medications)),
		float64(len(p.Comorbidities)),
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// outcomeKeys names the boolean payload field treated as the outcome.
var outcomeKeys = map[models.StageKind]string{
	models.StageInteraction:  "interaction_detected",
	models.StageAdverseEvent: "adverse_event_predicted",
}

type RiskFactor struct {
	Covariate   string  `json:"covariate"`
	Coefficient float64 `json:"coefficient"`
	OddsRatio   float64 `json:"odds_ratio_per_sd"`
}

type RiskReport struct {
	Stage     string         `json:"stage"`
	Outcome   string         `json:"outcome"`
	Samples   int            `json:"samples"`
	Positives int            `json:"positives"`
	Factors   []RiskFactor   `json:"factors"`
	Fit       linear.Metrics `json:"fit"`
}

// RiskFactors fits a logistic model of a stage's boolean outcome against
// patient covariates, using the stage's successful cells.
func RiskFactors(run *pipeline.Run, stageName string) (RiskReport, error) {
	def, ok := run.Graph().Stage(stageName)
	if !ok {
		return RiskReport{}, models.NewConfigurationError("stage", "unknown stage %q", stageName)
	}
	key, ok := outcomeKeys[def.Kind]
	if !ok {
		return RiskReport{}, models.NewConfigurationError("stage", "stage %q of kind %s has no boolean outcome", stageName, def.Kind)
	}

	profiles := make(map[string]*models.PatientProfile, len(run.Cohort()))
	for _, p := range run.Cohort() {
		profiles[p.ID] = p
	}

	report := RiskReport{Stage: stageName, Outcome: key}
	var samples [][]float64
	var labels []float64
	for _, c := range run.Cells() {
		if c.Stage != stageName || !c.Result.IsSuccess() {
			continue
		}
		p, ok := profiles[c.PatientID]
		if !ok {
			continue
		}
		outcome, ok := c.Result.Payload[key].(bool)
		if !ok {
			continue
		}
		samples = append(samples, covariates(p))
		labels = append(labels, indicator(outcome))
		if outcome {
			report.Positives++
		}
	}
	report.Samples = len(samples)
	if report.Samples < minRiskSamples || report.Positives == 0 || report.Positives == report.Samples {
		return report, fmt.Errorf("%w: %d samples, %d positive", ErrInsufficientOutcomes, report.Samples, report.Positives)
	}

	model, metrics, err := linear.Fit(Covariates, samples, labels, linear.Options{L2: 0.01})
	if err != nil {
		return report, err
	}
	report.Fit = metrics
	report.Factors = make([]RiskFactor, len(Covariates))
	for j, name := range Covariates {
		report.Factors[j] = RiskFactor{
			Covariate:   name,
			Coefficient: model.Coefficients[j],
			OddsRatio:   model.OddsRatio(j),
		}
	}
	return report, nil
}
