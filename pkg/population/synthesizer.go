// Package population synthesizes reproducible virtual trial cohorts.
package population

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// patientNamespace scopes the deterministic UUIDv5 patient identifiers.
var patientNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://synaptica.ai/trialsim/patients"))

const generationChunk = 256

type Config struct {
	Age             TruncatedNormal `yaml:"age" json:"age"`
	WeightKg        TruncatedNormal `yaml:"weight_kg" json:"weight_kg"`
	HeightCm        TruncatedNormal `yaml:"height_cm" json:"height_cm"`
	RenalFunction   TruncatedNormal `yaml:"renal_egfr" json:"renal_egfr"`
	HepaticFunction TruncatedNormal `yaml:"hepatic_impairment" json:"hepatic_impairment"`
	Sex             Categorical     `yaml:"sex" json:"sex"`
	CYP2D6          Categorical     `yaml:"cyp2d6" json:"cyp2d6"`
	CYP3A4          Categorical     `yaml:"cyp3a4" json:"cyp3a4"`
	Comorbidities   Bernoulli       `yaml:"comorbidities" json:"comorbidities"`
	Medications     Bernoulli       `yaml:"medications" json:"medications"`
}

// DefaultConfig returns an adult outpatient population typical of a
// cardiometabolic phase II trial.
func DefaultConfig() Config {
	return Config{
		Age:             TruncatedNormal{Mean: 52, SD: 13, Min: 18, Max: 75},
		WeightKg:        TruncatedNormal{Mean: 82, SD: 16, Min: 45, Max: 160},
		HeightCm:        TruncatedNormal{Mean: 170, SD: 10, Min: 145, Max: 200},
		RenalFunction:   TruncatedNormal{Mean: 88, SD: 20, Min: 15, Max: 130},
		HepaticFunction: TruncatedNormal{Mean: 0.1, SD: 0.12, Min: 0, Max: 1},
		Sex:             Categorical{string(models.SexFemale): 0.5, string(models.SexMale): 0.5},
		CYP2D6: Categorical{
			models.MetabolizerPoor:         0.07,
			models.MetabolizerIntermediate: 0.10,
			models.MetabolizerNormal:       0.77,
			models.MetabolizerUltrarapid:   0.06,
		},
		CYP3A4: Categorical{
			models.MetabolizerPoor:       0.15,
			models.MetabolizerNormal:     0.70,
			models.MetabolizerUltrarapid: 0.15,
		},
		Comorbidities: Bernoulli{
			"hypertension":    0.35,
			"type_2_diabetes": 0.25,
			"hyperlipidemia":  0.30,
			"chronic_kidney":  0.08,
			"liver_disease":   0.04,
			"heart_failure":   0.05,
			"depression":      0.12,
		},
		Medications: Bernoulli{
			"metformin":      0.22,
			"lisinopril":     0.25,
			"atorvastatin":   0.28,
			"warfarin":       0.05,
			"fluoxetine":     0.08,
			"clarithromycin": 0.03,
		},
	}
}

// Validate checks every distribution before any sampling happens.
func (c Config) Validate() error {
	normals := []struct {
		field string
		dist  TruncatedNormal
	}{
		{"age", c.Age},
		{"weight_kg", c.WeightKg},
		{"height_cm", c.HeightCm},
		{"renal_egfr", c.RenalFunction},
		{"hepatic_impairment", c.HepaticFunction},
	}
	for _, n := range normals {
		if err := n.dist.validate(n.field); err != nil {
			return err
		}
	}
	if c.Age.Min < 0 {
		return models.NewConfigurationError("age", "min must not be negative")
	}
	if c.HeightCm.Min <= 0 {
		return models.NewConfigurationError("height_cm", "min must be positive")
	}
	if c.WeightKg.Min <= 0 {
		return models.NewConfigurationError("weight_kg", "min must be positive")
	}
	if err := c.Sex.validate("sex"); err != nil {
		return err
	}
	if err := c.CYP2D6.validate("cyp2d6"); err != nil {
		return err
	}
	if err := c.CYP3A4.validate("cyp3a4"); err != nil {
		return err
	}
	if err := c.Comorbidities.validate("comorbidities"); err != nil {
		return err
	}
	return c.Medications.validate("medications")
}

type Synthesizer struct {
	cfg Config
}

func NewSynthesizer(cfg Config) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{cfg: cfg}, nil
}

// Generate produces exactly n profiles. Patient i draws from its own PCG
// stream seeded with (seed, i), so the output is identical for identical
// inputs regardless of how generation is scheduled.
func (s *Synthesizer) Generate(n int, seed uint64) ([]*models.PatientProfile, error) {
	if n < 0 {
		return nil, models.NewConfigurationError("cohort.size", "must not be negative, got %d", n)
	}
	cohort := make([]*models.PatientProfile, n)
	if n == 0 {
		return cohort, nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < n; start += generationChunk {
		end := min(start+generationChunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				cohort[i] = s.patient(seed, i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cohort, nil
}

// Generate is a convenience wrapper validating cfg and generating n patients.
func Generate(n int, cfg Config, seed uint64) ([]*models.PatientProfile, error) {
	s, err := NewSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	return s.Generate(n, seed)
}

func (s *Synthesizer) patient(seed uint64, index int) *models.PatientProfile {
	r := rand.New(rand.NewPCG(seed, uint64(index)))

	sex := models.Sex(s.cfg.Sex.sample(r))
	age := int(math.Round(s.cfg.Age.sample(r)))
	weight := round1(s.cfg.WeightKg.sample(r))
	height := round1(s.cfg.HeightCm.sample(r))

	// eGFR declines with age beyond 50.
	renal := s.cfg.RenalFunction.sample(r) - 0.5*math.Max(0, float64(age-50))
	renal = round1(s.cfg.RenalFunction.clamp(renal))
	hepatic := math.Round(s.cfg.HepaticFunction.sample(r)*1000) / 1000

	genetics := models.GeneticMarkers{
		CYP2D6: s.cfg.CYP2D6.sample(r),
		CYP3A4: s.cfg.CYP3A4.sample(r),
	}
	comorbidities := s.cfg.Comorbidities.sample(r)
	medications := s.cfg.Medications.sample(r)

	heightM := height / 100
	return &models.PatientProfile{
		ID:              uuid.NewSHA1(patientNamespace, []byte(fmt.Sprintf("%d:%d", seed, index))).String(),
		Code:            fmt.Sprintf("PT-%06d", index+1),
		Index:           index,
		Age:             age,
		Sex:             sex,
		WeightKg:        weight,
		HeightCm:        height,
		BMI:             round1(weight / (heightM * heightM)),
		RenalFunction:   renal,
		HepaticFunction: hepatic,
		Medications:     medications,
		Genetics:        genetics,
		Comorbidities:   comorbidities,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Summarize reports cohort demographics.
func Summarize(cohort []*models.PatientProfile) models.PopulationSummary {
	summary := models.PopulationSummary{
		TotalPatients: len(cohort),
		Sex:           map[string]int{},
		CYP2D6:        map[string]int{},
		Comorbidities: map[string]int{},
	}
	if len(cohort) == 0 {
		return summary
	}
	summary.AgeMin = cohort[0].Age
	summary.AgeMax = cohort[0].Age
	total := 0
	for _, p := range cohort {
		total += p.Age
		summary.AgeMin = min(summary.AgeMin, p.Age)
		summary.AgeMax = max(summary.AgeMax, p.Age)
		summary.Sex[string(p.Sex)]++
		summary.CYP2D6[p.Genetics.CYP2D6]++
		for _, c := range p.Comorbidities {
			summary.Comorbidities[c]++
		}
	}
	summary.AgeMean = float64(total) / float64(len(cohort))
	return summary
}
