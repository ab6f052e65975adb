package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Concept carries the standard codes for one comorbidity or medication name
// used by the population synthesizer.
type Concept struct {
	Display string `yaml:"display" json:"display"`
	SNOMED  string `yaml:"snomed,omitempty" json:"snomed,omitempty"`
	ICD10   string `yaml:"icd10,omitempty" json:"icd10,omitempty"`
	RxNorm  string `yaml:"rxnorm,omitempty" json:"rxnorm,omitempty"`
	ATC     string `yaml:"atc,omitempty" json:"atc,omitempty"`
}

// Codes renders the non-empty codes as "SYSTEM code" pairs.
func (c Concept) Codes() string {
	var parts []string
	for _, p := range []struct{ system, code string }{
		{"ICD-10", c.ICD10},
		{"SNOMED", c.SNOMED},
		{"RxNorm", c.RxNorm},
		{"ATC", c.ATC},
	} {
		if p.code != "" {
			parts = append(parts, p.system+" "+p.code)
		}
	}
	return strings.Join(parts, ", ")
}

type Catalog struct {
	Conditions  map[string]Concept `yaml:"conditions" json:"conditions"`
	Medications map[string]Concept `yaml:"medications" json:"medications"`
}

// Load reads a catalog from YAML. An empty path yields DefaultCatalog.
func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Catalog{}, fmt.Errorf("read terminology catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse terminology catalog: %w", err)
	}
	if len(cat.Conditions) == 0 && len(cat.Medications) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

func (c Catalog) Condition(name string) (Concept, bool) {
	return lookup(c.Conditions, name)
}

func (c Catalog) Medication(name string) (Concept, bool) {
	return lookup(c.Medications, name)
}

func lookup(concepts map[string]Concept, key string) (Concept, bool) {
	if concept, ok := concepts[strings.ToLower(key)]; ok {
		return concept, true
	}
	for k, v := range concepts {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return Concept{}, false
}

// Describe annotates names with their display text and codes. Names missing
// from the catalog are returned as is. Output is sorted.
func (c Catalog) Describe(conditions, medications []string) []string {
	out := make([]string, 0, len(conditions)+len(medications))
	for _, n := range conditions {
		out = append(out, describe(c.Conditions, n))
	}
	for _, n := range medications {
		out = append(out, describe(c.Medications, n))
	}
	sort.Strings(out)
	return out
}

func describe(concepts map[string]Concept, name string) string {
	concept, ok := lookup(concepts, name)
	if !ok {
		return name
	}
	if codes := concept.Codes(); codes != "" {
		return fmt.Sprintf("%s (%s)", concept.Display, codes)
	}
	return concept.Display
}

func DefaultCatalog() Catalog {
	return Catalog{
		Conditions: map[string]Concept{
			"hypertension":    {Display: "Essential hypertension", SNOMED: "59621000", ICD10: "I10"},
			"type_2_diabetes": {Display: "Type 2 diabetes mellitus", SNOMED: "44054006", ICD10: "E11.9"},
			"hyperlipidemia":  {Display: "Hyperlipidemia", SNOMED: "55822004", ICD10: "E78.5"},
			"chronic_kidney":  {Display: "Chronic kidney disease", SNOMED: "709044004", ICD10: "N18.9"},
			"liver_disease":   {Display: "Liver disease", SNOMED: "235856003", ICD10: "K76.9"},
			"heart_failure":   {Display: "Heart failure", SNOMED: "84114007", ICD10: "I50.9"},
			"depression":      {Display: "Depressive disorder", SNOMED: "35489007", ICD10: "F32.A"},
		},
		Medications: map[string]Concept{
			"metformin":      {Display: "Metformin", RxNorm: "6809", ATC: "A10BA02"},
			"atorvastatin":   {Display: "Atorvastatin", RxNorm: "83367", ATC: "C10AA05"},
			"lisinopril":     {Display: "Lisinopril", RxNorm: "29046", ATC: "C09AA03"},
			"fluoxetine":     {Display: "Fluoxetine", RxNorm: "4493", ATC: "N06AB03"},
			"metoprolol":     {Display: "Metoprolol", RxNorm: "6918", ATC: "C07AB02"},
			"warfarin":       {Display: "Warfarin", RxNorm: "11289", ATC: "B01AA03"},
			"clarithromycin": {Display: "Clarithromycin", RxNorm: "21212", ATC: "J01FA09"},
		},
	}
}
