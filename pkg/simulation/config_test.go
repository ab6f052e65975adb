package simulation

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/synaptica-ai/trialsim/pkg/common/config"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/population"
)

func init() {
	logger.Silence()
}

const statinTrial = `
name: statin-phase2
seed: 7
cohort:
  size: 40
  distributions:
    age: {mean: 64}
    sex: {female: 1}
pipeline:
  concurrency: 4
  defaults:
    timeout: 2s
    max_attempts: 2
    initial_backoff: 1ms
    max_backoff: 2ms
  stages:
    - name: ddi
      kind: interaction
      params: {drug: atorvastatin}
    - name: ae
      kind: adverse_event
      depends_on: [ddi]
      params: {drug: atorvastatin}
    - name: dose
      kind: dosing
      depends_on: [ae]
      timeout: 5s
      params: {drug: atorvastatin}
`

func TestParseTrialConfig(t *testing.T) {
	cfg, err := ParseTrialConfig([]byte(statinTrial))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Name != "statin-phase2" || cfg.Seed != 7 || cfg.Cohort.Size != 40 {
		t.Fatalf("unexpected header %+v", cfg)
	}
	if cfg.Provider.Type != ProviderPharmacology {
		t.Fatalf("expected default provider, got %q", cfg.Provider.Type)
	}

	dist := cfg.Cohort.Distributions
	defaults := population.DefaultConfig()
	if dist.Age.Mean != 64 || dist.Age.SD != defaults.Age.SD || dist.Age.Max != defaults.Age.Max {
		t.Fatalf("expected age patched over defaults, got %+v", dist.Age)
	}
	if !reflect.DeepEqual(dist.Sex, population.Categorical{"female": 1}) {
		t.Fatalf("expected sex table replaced, got %v", dist.Sex)
	}
	if !reflect.DeepEqual(dist.CYP2D6, defaults.CYP2D6) {
		t.Fatalf("expected untouched tables to keep defaults, got %v", dist.CYP2D6)
	}

	defs := cfg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(defs))
	}
	if defs[0].Timeout != 2*time.Second || defs[0].MaxAttempts != 2 || defs[0].InitialBackoff != time.Millisecond {
		t.Fatalf("expected pipeline defaults on ddi, got %+v", defs[0])
	}
	if defs[2].Timeout != 5*time.Second {
		t.Fatalf("expected stage timeout to win, got %s", defs[2].Timeout)
	}
	if defs[0].Params["drug"] != "atorvastatin" {
		t.Fatalf("expected drug param, got %v", defs[0].Params)
	}
}

func TestLoadTrialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trial.yaml")
	if err := os.WriteFile(path, []byte(statinTrial), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadTrialConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "statin-phase2" {
		t.Fatalf("unexpected name %q", cfg.Name)
	}

	sample, err := LoadTrialConfig(filepath.Join("..", "..", "configs", "trial.yaml"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	graph, err := sample.Graph()
	if err != nil {
		t.Fatalf("sample graph: %v", err)
	}
	if len(graph.Levels()) != 3 || sample.Cohort.Distributions.Medications["warfarin"] != 0.06 {
		t.Fatalf("unexpected sample config %+v", sample)
	}
	if _, ok := sample.Cohort.Distributions.Medications["atorvastatin"]; ok {
		t.Fatal("expected the medication map to replace the defaults")
	}

	_, err = LoadTrialConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for a missing file, got %v", err)
	}
}

func TestParseTrialConfigRejects(t *testing.T) {
	stages := `
pipeline:
  stages:
    - {name: a, kind: custom}
`
	cases := []struct {
		name  string
		doc   string
		field string
	}{
		{"malformed yaml", "name: [unterminated", "trial"},
		{"unknown key", "cohort:\n  sise: 3\n" + stages, "trial"},
		{"negative size", "cohort:\n  size: -1\n" + stages, "cohort.size"},
		{"empty name", "name: \"\"\n" + stages, "name"},
		{"bad distribution", "cohort:\n  distributions:\n    age: {min: 80, max: 20}\n" + stages, "cohort.distributions.age"},
		{"negative concurrency", "pipeline:\n  concurrency: -2\n  stages:\n    - {name: a}\n", "pipeline.concurrency"},
		{"provider type", "provider:\n  type: oracle\n" + stages, "provider.type"},
		{"override unknown stage", "provider:\n  stages: {b: pharmacology}\n" + stages, "provider.stages.b"},
		{"no stages", "name: x\n", "stages"},
		{"bad kind", "pipeline:\n  stages:\n    - {name: a, kind: magic}\n", "stages.a.kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTrialConfig([]byte(tc.doc))
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q (%v)", tc.field, cfgErr.Field, err)
			}
		})
	}
}

func TestParseTrialConfigRejectsCycle(t *testing.T) {
	doc := `
pipeline:
  stages:
    - {name: a, depends_on: [b]}
    - {name: b, depends_on: [a]}
`
	_, err := ParseTrialConfig([]byte(doc))
	if !models.IsCyclicGraphError(err) {
		t.Fatalf("expected cyclic graph error, got %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg, err := ParseTrialConfig([]byte(statinTrial))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	registry, err := BuildRegistry(cfg, &config.Config{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	p, ok := registry.For("dose")
	if !ok {
		t.Fatal("expected fallback provider")
	}
	if _, ok := p.(*inference.PharmacologyProvider); !ok {
		t.Fatalf("expected pharmacology provider, got %T", p)
	}

	cfg.Provider.Stages = map[string]string{"ae": ProviderLLM}
	_, err = BuildRegistry(cfg, &config.Config{})
	if !models.IsConfigurationError(err) || !strings.Contains(err.Error(), "LLM_API_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}

	cfg.Provider.RateLimitRPS = 50
	registry, err = BuildRegistry(cfg, &config.Config{LLMAPIKey: "k", LLMBaseURL: "http://localhost"})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	p, _ = registry.For("ae")
	if _, ok := p.(*inference.RateLimited); !ok {
		t.Fatalf("expected rate limited llm provider, got %T", p)
	}

	_, err = BuildRegistry(cfg, &config.Config{LLMAPIKey: "k", TerminologyPath: "/nonexistent/codes.yaml"})
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for missing catalog, got %v", err)
	}
}
