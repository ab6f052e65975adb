package models

import (
	"time"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

type Sex string

const (
	SexFemale Sex = "female"
	SexMale   Sex = "male"
)

// Metabolizer phenotypes used for both CYP2D6 status and CYP3A4 activity.
const (
	MetabolizerPoor         = "poor"
	MetabolizerIntermediate = "intermediate"
	MetabolizerNormal       = "normal"
	MetabolizerUltrarapid   = "ultrarapid"
)

type GeneticMarkers struct {
	CYP2D6 string `json:"cyp2d6"`
	CYP3A4 string `json:"cyp3a4"`
}

// PatientProfile is a synthesized trial subject. Profiles are created by the
// population synthesizer and are read-only afterwards; downstream stages hold
// pointers to the same value.
type PatientProfile struct {
	ID              string         `json:"id"`
	Code            string         `json:"code"`
	Index           int            `json:"index"`
	Age             int            `json:"age"`
	Sex             Sex            `json:"sex"`
	WeightKg        float64        `json:"weight_kg"`
	HeightCm        float64        `json:"height_cm"`
	BMI             float64        `json:"bmi"`
	RenalFunction   float64        `json:"renal_egfr"`
	HepaticFunction float64        `json:"hepatic_impairment"`
	Medications     []string       `json:"medications"`
	Genetics        GeneticMarkers `json:"genetics"`
	Comorbidities   []string       `json:"comorbidities"`
}

func (p *PatientProfile) HasCondition(name string) bool {
	for _, c := range p.Comorbidities {
		if c == name {
			return true
		}
	}
	return false
}

func (p *PatientProfile) TakesMedication(name string) bool {
	for _, m := range p.Medications {
		if m == name {
			return true
		}
	}
	return false
}

type PopulationSummary struct {
	TotalPatients int            `json:"total_patients"`
	AgeMean       float64        `json:"age_mean"`
	AgeMin        int            `json:"age_min"`
	AgeMax        int            `json:"age_max"`
	Sex           map[string]int `json:"sex_distribution"`
	CYP2D6        map[string]int `json:"cyp2d6_distribution"`
	Comorbidities map[string]int `json:"comorbidity_counts"`
}
