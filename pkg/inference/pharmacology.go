package inference

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

type Pathway string

const (
	PathwayCYP2D6 Pathway = "CYP2D6"
	PathwayCYP3A4 Pathway = "CYP3A4"
	PathwayRenal  Pathway = "renal"
)

// Drug describes the pharmacokinetic properties used for adjustment and
// dose back-calculation. VdPerKg is in L/kg.
type Drug struct {
	Name            string
	Class           string
	HalfLifeHours   float64
	Bioavailability float64
	VdPerKg         float64
	Pathways        []Pathway
	StandardDoseMg  float64
	MinDoseMg       float64
	MaxDoseMg       float64
}

func (d Drug) metabolizedBy(p Pathway) bool {
	for _, x := range d.Pathways {
		if x == p {
			return true
		}
	}
	return false
}

// defaultTarget is the plasma concentration (mg/L) a 70 kg adult reaches on
// the standard dose.
func (d Drug) defaultTarget() float64 {
	return d.StandardDoseMg * d.Bioavailability / (d.VdPerKg * 70)
}

var drugDatabase = map[string]Drug{
	"metformin":      {"metformin", "biguanide", 6.2, 0.55, 9.3, []Pathway{PathwayRenal}, 1000, 500, 2000},
	"atorvastatin":   {"atorvastatin", "statin", 14, 0.14, 5.4, []Pathway{PathwayCYP3A4}, 20, 10, 80},
	"lisinopril":     {"lisinopril", "ace_inhibitor", 12, 0.25, 1.8, []Pathway{PathwayRenal}, 20, 5, 40},
	"fluoxetine":     {"fluoxetine", "ssri", 72, 0.72, 20, []Pathway{PathwayCYP2D6}, 20, 10, 80},
	"metoprolol":     {"metoprolol", "beta_blocker", 3.5, 0.5, 4.2, []Pathway{PathwayCYP2D6}, 100, 25, 400},
	"warfarin":       {"warfarin", "anticoagulant", 40, 0.95, 0.14, []Pathway{PathwayCYP3A4}, 5, 1, 10},
	"clarithromycin": {"clarithromycin", "macrolide", 5, 0.5, 2.9, []Pathway{PathwayCYP3A4}, 500, 250, 1000},
}

// unknownDrug stands in for investigational compounds with no record.
func unknownDrug(name string) Drug {
	return Drug{
		Name:            name,
		Class:           "unknown",
		HalfLifeHours:   12,
		Bioavailability: 0.5,
		VdPerKg:         1.4,
		Pathways:        []Pathway{PathwayCYP3A4},
		StandardDoseMg:  100,
		MinDoseMg:       5,
		MaxDoseMg:       1000,
	}
}

// LookupDrug returns the record for name and whether it was known.
func LookupDrug(name string) (Drug, bool) {
	d, ok := drugDatabase[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return unknownDrug(strings.ToLower(strings.TrimSpace(name))), false
	}
	return d, true
}

var severityRank = map[string]int{"none": 0, "minor": 1, "moderate": 2, "major": 3, "contraindicated": 4}
var severityByRank = []string{"none", "minor", "moderate", "major", "contraindicated"}

type interaction struct {
	severity  string
	mechanism string
	pathway   Pathway
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "+" + b
}

var interactionTable = map[string]interaction{
	pairKey("atorvastatin", "clarithromycin"): {"contraindicated", "CYP3A4 inhibition raises statin exposure", PathwayCYP3A4},
	pairKey("warfarin", "clarithromycin"):     {"major", "CYP3A4 inhibition potentiates anticoagulation", PathwayCYP3A4},
	pairKey("warfarin", "fluoxetine"):         {"moderate", "additive bleeding risk", ""},
	pairKey("warfarin", "atorvastatin"):       {"minor", "modest INR elevation", PathwayCYP3A4},
	pairKey("fluoxetine", "metoprolol"):       {"moderate", "CYP2D6 inhibition raises beta blocker exposure", PathwayCYP2D6},
	pairKey("lisinopril", "metformin"):        {"minor", "enhanced hypoglycemic effect", ""},
}

type knownEvent struct {
	name      string
	category  string
	incidence float64
	grade     int
}

var knownAdverseEvents = map[string][]knownEvent{
	"metformin": {
		{"nausea", "gastrointestinal", 0.25, 1},
		{"diarrhea", "gastrointestinal", 0.15, 1},
		{"lactic_acidosis", "metabolic", 0.001, 4},
	},
	"atorvastatin": {
		{"myalgia", "musculoskeletal", 0.05, 1},
		{"elevated_lfts", "hepatic", 0.02, 2},
		{"rhabdomyolysis", "musculoskeletal", 0.0001, 4},
	},
	"lisinopril": {
		{"dry_cough", "respiratory", 0.10, 1},
		{"hyperkalemia", "metabolic", 0.03, 2},
		{"angioedema", "other", 0.001, 4},
	},
	"fluoxetine": {
		{"nausea", "gastrointestinal", 0.20, 1},
		{"insomnia", "neurological", 0.15, 1},
		{"serotonin_syndrome", "neurological", 0.002, 4},
	},
	"metoprolol": {
		{"fatigue", "general", 0.10, 1},
		{"bradycardia", "cardiac", 0.03, 3},
	},
	"warfarin": {
		{"bruising", "hematologic", 0.15, 1},
		{"major_bleeding", "hematologic", 0.03, 3},
	},
	"clarithromycin": {
		{"dysgeusia", "gastrointestinal", 0.10, 1},
		{"qt_prolongation", "cardiac", 0.005, 3},
	},
}

// reportThreshold drops events whose adjusted risk does not exceed 1%.
const reportThreshold = 0.01

// PharmacologyProvider answers interaction, adverse-event and dosing stages
// from fixed pharmacological tables and the patient's pharmacogenomic
// profile. Its output depends only on the request, so runs using it are
// reproducible.
type PharmacologyProvider struct{}

func NewPharmacologyProvider() *PharmacologyProvider {
	return &PharmacologyProvider{}
}

func (p *PharmacologyProvider) Invoke(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Kind: ErrTransient, Message: "context done", Err: err}
	}
	if req.Patient == nil {
		return nil, NewError(ErrInvalidResponse, "request carries no patient")
	}

	switch req.Kind {
	case models.StageInteraction, models.StageAdverseEvent, models.StageDosing:
	default:
		return map[string]interface{}{"acknowledged": true, "confidence": 1.0}, nil
	}

	name, _ := req.Params["drug"].(string)
	if name == "" {
		return nil, NewError(ErrInvalidResponse, "stage %q has no drug parameter", stage)
	}
	drug, known := LookupDrug(name)

	switch req.Kind {
	case models.StageInteraction:
		return interactionJudgment(drug, known, req), nil
	case models.StageAdverseEvent:
		return adverseEventJudgment(stage, drug, known, req), nil
	default:
		return dosingJudgment(drug, known, req), nil
	}
}

// AdjustmentFactor scales expected drug clearance for the patient. Values
// below 1 mean slower elimination and call for lower doses.
func AdjustmentFactor(patient *models.PatientProfile, drug Drug) float64 {
	factor := 1.0
	if drug.metabolizedBy(PathwayCYP2D6) {
		switch patient.Genetics.CYP2D6 {
		case models.MetabolizerPoor:
			factor *= 0.5
		case models.MetabolizerIntermediate:
			factor *= 0.75
		case models.MetabolizerUltrarapid:
			factor *= 2.0
		}
	}
	if drug.metabolizedBy(PathwayCYP3A4) {
		switch patient.Genetics.CYP3A4 {
		case models.MetabolizerPoor:
			factor *= 0.7
		case models.MetabolizerUltrarapid:
			factor *= 1.5
		}
	}
	if drug.metabolizedBy(PathwayRenal) {
		switch {
		case patient.RenalFunction < 30:
			factor *= 0.5
		case patient.RenalFunction < 60:
			factor *= 0.75
		}
	}
	if patient.Age > 65 {
		factor *= 0.8
	}
	if patient.BMI > 30 {
		factor *= 1.1
	}
	return round3(factor)
}

func interactionJudgment(drug Drug, known bool, req models.StageRequest) map[string]interface{} {
	worst := 0
	mechanisms := []string{}
	interacting := []string{}
	for _, med := range req.Patient.Medications {
		if med == drug.Name {
			continue
		}
		ix, ok := interactionTable[pairKey(drug.Name, med)]
		if !ok {
			continue
		}
		rank := severityRank[ix.severity]
		if poorAt(req.Patient, ix.pathway) && rank < len(severityByRank)-1 {
			rank++
		}
		interacting = append(interacting, med)
		mechanisms = append(mechanisms, ix.mechanism)
		worst = max(worst, rank)
	}
	confidence := 0.9
	if !known {
		confidence = 0.6
	}
	return map[string]interface{}{
		"drug":                 drug.Name,
		"interaction_detected": worst > 0,
		"severity":             severityByRank[worst],
		"interacting_drugs":    interacting,
		"mechanisms":           mechanisms,
		"adjustment_factor":    AdjustmentFactor(req.Patient, drug),
		"confidence":           confidence,
	}
}

func poorAt(patient *models.PatientProfile, pathway Pathway) bool {
	switch pathway {
	case PathwayCYP2D6:
		return patient.Genetics.CYP2D6 == models.MetabolizerPoor
	case PathwayCYP3A4:
		return patient.Genetics.CYP3A4 == models.MetabolizerPoor
	}
	return false
}

func riskMultiplier(patient *models.PatientProfile, ev knownEvent, upstreamSeverity int) float64 {
	m := 1.0
	switch {
	case patient.Age > 75:
		m *= 1.5
	case patient.Age > 65:
		m *= 1.3
	}
	if patient.Genetics.CYP2D6 == models.MetabolizerPoor {
		m *= 1.4
	}
	if patient.HasCondition("chronic_kidney") || patient.RenalFunction < 45 {
		m *= 1.5
	}
	if ev.category == "hepatic" && (patient.HasCondition("liver_disease") || patient.HepaticFunction > 0.5) {
		m *= 2.0
	}
	if upstreamSeverity >= severityRank["major"] {
		m *= 1.5
	}
	return m
}

func adverseEventJudgment(stage string, drug Drug, known bool, req models.StageRequest) map[string]interface{} {
	upstreamSeverity := worstUpstreamSeverity(req.Upstream)
	events := []map[string]interface{}{}
	noEvent, noSerious := 1.0, 1.0
	maxGrade := 0
	for _, ev := range knownAdverseEvents[drug.Name] {
		prob := math.Min(ev.incidence*riskMultiplier(req.Patient, ev, upstreamSeverity), 1.0)
		if prob <= reportThreshold {
			continue
		}
		noEvent *= 1 - prob
		if ev.grade >= 3 {
			noSerious *= 1 - prob
		}
		maxGrade = max(maxGrade, ev.grade)
		events = append(events, map[string]interface{}{
			"name":        ev.name,
			"category":    ev.category,
			"grade":       ev.grade,
			"probability": round3(prob),
			"serious":     ev.grade >= 3,
		})
	}
	probability := 1 - noEvent
	seriousProbability := 1 - noSerious

	// A per-cell draw turns the risk into an outcome so cohort incidence
	// tracks the predicted probability.
	draw := cellDraw(req.Patient.ID, stage)
	confidence := 0.8
	if !known {
		confidence = 0.55
	}
	return map[string]interface{}{
		"drug":                    drug.Name,
		"adverse_event_predicted": draw < probability,
		"probability":             round3(probability),
		"serious":                 draw < seriousProbability,
		"max_grade":               maxGrade,
		"events":                  events,
		"confidence":              confidence,
	}
}

func dosingJudgment(drug Drug, known bool, req models.StageRequest) map[string]interface{} {
	target := drug.defaultTarget()
	if v, ok := number(req.Params["target_concentration"]); ok && v > 0 {
		target = v
	}
	adjustment := AdjustmentFactor(req.Patient, drug)
	if worstUpstreamSeverity(req.Upstream) >= severityRank["major"] {
		adjustment *= 0.75
	}
	if upstreamSerious(req.Upstream) {
		adjustment *= 0.75
	}
	adjustment = round3(adjustment)

	calculated := target * drug.VdPerKg * req.Patient.WeightKg / drug.Bioavailability * adjustment
	recommended := practicalDose(calculated, drug)
	confidence := 0.85
	if !known {
		confidence = 0.5
	}
	return map[string]interface{}{
		"drug":                 drug.Name,
		"calculated_dose_mg":   round3(calculated),
		"recommended_dose_mg":  recommended,
		"adjustment_factor":    adjustment,
		"target_concentration": target,
		"dosing_interval_h":    24,
		"confidence":           confidence,
	}
}

var practicalDoses = []float64{1, 2, 2.5, 5, 10, 15, 20, 25, 40, 50, 75, 100, 150, 200, 250, 300, 400, 500, 750, 850, 1000, 1500, 2000}

func practicalDose(dose float64, drug Drug) float64 {
	best := practicalDoses[0]
	for _, d := range practicalDoses {
		if math.Abs(d-dose) < math.Abs(best-dose) {
			best = d
		}
	}
	return math.Max(drug.MinDoseMg, math.Min(drug.MaxDoseMg, best))
}

func worstUpstreamSeverity(upstream map[string]models.StageResult) int {
	worst := 0
	for _, r := range upstream {
		if !r.IsSuccess() {
			continue
		}
		if s, ok := r.Payload["severity"].(string); ok {
			worst = max(worst, severityRank[s])
		}
	}
	return worst
}

func upstreamSerious(upstream map[string]models.StageResult) bool {
	for _, r := range upstream {
		if !r.IsSuccess() {
			continue
		}
		predicted, _ := r.Payload["adverse_event_predicted"].(bool)
		serious, _ := r.Payload["serious"].(bool)
		if predicted && serious {
			return true
		}
	}
	return false
}

func cellDraw(patientID, stage string) float64 {
	a := fnv.New64a()
	a.Write([]byte(patientID))
	b := fnv.New64a()
	b.Write([]byte(stage))
	return rand.New(rand.NewPCG(a.Sum64(), b.Sum64())).Float64()
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
