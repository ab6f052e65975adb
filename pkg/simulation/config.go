// Package simulation ties the synthesizer, the stage pipeline and the
// aggregator together behind a YAML trial configuration.
package simulation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synaptica-ai/trialsim/pkg/common/config"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
	"github.com/synaptica-ai/trialsim/pkg/population"
	"github.com/synaptica-ai/trialsim/pkg/stage"
	"github.com/synaptica-ai/trialsim/pkg/terminology"
)

const (
	ProviderPharmacology = "pharmacology"
	ProviderLLM          = "llm"
)

type TrialConfig struct {
	Name     string         `yaml:"name" json:"name"`
	Seed     uint64         `yaml:"seed" json:"seed"`
	Cohort   CohortConfig   `yaml:"cohort" json:"cohort"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
}

type CohortConfig struct {
	Size            int           `yaml:"size" json:"size"`
	RequireNonEmpty bool          `yaml:"require_non_empty" json:"require_non_empty"`
	Distributions   Distributions `yaml:"distributions" json:"distributions"`
}

type PipelineConfig struct {
	Concurrency int                `yaml:"concurrency" json:"concurrency"`
	Defaults    StageDefaults      `yaml:"defaults" json:"defaults"`
	Stages      []stage.Definition `yaml:"stages" json:"stages"`
}

// StageDefaults apply to every stage that leaves the setting unset.
type StageDefaults struct {
	Timeout        time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff,omitempty"`
}

type ProviderConfig struct {
	Type         string  `yaml:"type" json:"type"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" json:"rate_limit_rps,omitempty"`
	Burst        int     `yaml:"burst" json:"burst,omitempty"`
	// Stages maps a stage name to a provider type other than Type.
	Stages map[string]string `yaml:"stages" json:"stages,omitempty"`
}

// Distributions decodes over the defaults: scalar distributions are patched
// field by field, categorical and prevalence tables are replaced whole.
type Distributions struct {
	population.Config `yaml:",inline"`
}

func (d *Distributions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: distributions must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "sex":
			d.Sex = nil
		case "cyp2d6":
			d.CYP2D6 = nil
		case "cyp3a4":
			d.CYP3A4 = nil
		case "comorbidities":
			d.Comorbidities = nil
		case "medications":
			d.Medications = nil
		}
	}
	return node.Decode(&d.Config)
}

func DefaultTrialConfig() *TrialConfig {
	return &TrialConfig{
		Name: "virtual-trial",
		Seed: 42,
		Cohort: CohortConfig{
			Size:          100,
			Distributions: Distributions{Config: population.DefaultConfig()},
		},
		Pipeline: PipelineConfig{Concurrency: pipeline.DefaultConcurrency},
		Provider: ProviderConfig{Type: ProviderPharmacology, Burst: 1},
	}
}

func LoadTrialConfig(path string) (*TrialConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "trial", Reason: "read " + path, Err: err}
	}
	return ParseTrialConfig(data)
}

// ParseTrialConfig decodes data over DefaultTrialConfig and validates the
// result. Unknown keys are rejected.
func ParseTrialConfig(data []byte) (*TrialConfig, error) {
	cfg := DefaultTrialConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &models.ConfigurationError{Field: "trial", Reason: "malformed YAML", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole document, including the stage graph, before any
// simulation work starts.
func (c *TrialConfig) Validate() error {
	if c.Name == "" {
		return models.NewConfigurationError("name", "must not be empty")
	}
	if c.Cohort.Size < 0 {
		return models.NewConfigurationError("cohort.size", "must not be negative, got %d", c.Cohort.Size)
	}
	if err := c.Cohort.Distributions.Validate(); err != nil {
		var cfgErr *models.ConfigurationError
		if errors.As(err, &cfgErr) {
			scoped := *cfgErr
			scoped.Field = "cohort.distributions." + cfgErr.Field
			return &scoped
		}
		return err
	}
	if c.Pipeline.Concurrency < 0 {
		return models.NewConfigurationError("pipeline.concurrency", "must not be negative, got %d", c.Pipeline.Concurrency)
	}
	d := c.Pipeline.Defaults
	if d.Timeout < 0 || d.MaxAttempts < 0 || d.InitialBackoff < 0 || d.MaxBackoff < 0 {
		return models.NewConfigurationError("pipeline.defaults", "values must not be negative")
	}
	if err := validProviderType("provider.type", c.Provider.Type); err != nil {
		return err
	}
	for name, typ := range c.Provider.Stages {
		if err := validProviderType("provider.stages."+name, typ); err != nil {
			return err
		}
	}
	if c.Provider.RateLimitRPS < 0 || c.Provider.Burst < 0 {
		return models.NewConfigurationError("provider", "rate limit must not be negative")
	}
	graph, err := c.Graph()
	if err != nil {
		return err
	}
	for name := range c.Provider.Stages {
		if _, ok := graph.Stage(name); !ok {
			return models.NewConfigurationError("provider.stages."+name, "no such stage")
		}
	}
	return nil
}

func validProviderType(field, typ string) error {
	switch typ {
	case ProviderPharmacology, ProviderLLM:
		return nil
	}
	return models.NewConfigurationError(field, "unknown provider type %q", typ)
}

// Definitions returns the stages with pipeline defaults and then built-in
// defaults applied.
func (c *TrialConfig) Definitions() []stage.Definition {
	d := c.Pipeline.Defaults
	defs := make([]stage.Definition, 0, len(c.Pipeline.Stages))
	for _, def := range c.Pipeline.Stages {
		if def.Timeout == 0 {
			def.Timeout = d.Timeout
		}
		if def.MaxAttempts == 0 {
			def.MaxAttempts = d.MaxAttempts
		}
		if def.InitialBackoff == 0 {
			def.InitialBackoff = d.InitialBackoff
		}
		if def.MaxBackoff == 0 {
			def.MaxBackoff = d.MaxBackoff
		}
		defs = append(defs, def.WithDefaults())
	}
	return defs
}

func (c *TrialConfig) Graph() (*pipeline.Graph, error) {
	return pipeline.NewGraph(c.Definitions())
}

// BuildRegistry creates the inference providers the trial asks for. The LLM
// provider takes its endpoint and credentials from the service environment.
func BuildRegistry(c *TrialConfig, env *config.Config) (*inference.Registry, error) {
	built := map[string]inference.Provider{}
	provider := func(field, typ string) (inference.Provider, error) {
		if p, ok := built[typ]; ok {
			return p, nil
		}
		var p inference.Provider
		switch typ {
		case ProviderPharmacology:
			p = inference.NewPharmacologyProvider()
		case ProviderLLM:
			if env == nil || env.LLMAPIKey == "" {
				return nil, models.NewConfigurationError(field, "llm provider requires LLM_API_KEY")
			}
			catalog, err := terminology.Load(env.TerminologyPath)
			if err != nil {
				return nil, models.NewConfigurationError(field, "%v", err)
			}
			p = inference.NewChatProvider(inference.ChatConfig{
				BaseURL:     env.LLMBaseURL,
				APIKey:      env.LLMAPIKey,
				Model:       env.LLMModelName,
				Temperature: env.LLMTemperature,
				Timeout:     env.LLMTimeout,
				Catalog:     &catalog,
			})
		default:
			return nil, models.NewConfigurationError(field, "unknown provider type %q", typ)
		}
		p = inference.NewRateLimited(p, c.Provider.RateLimitRPS, c.Provider.Burst)
		built[typ] = p
		return p, nil
	}

	fallback, err := provider("provider.type", c.Provider.Type)
	if err != nil {
		return nil, err
	}
	registry := inference.NewRegistry(fallback)
	for name, typ := range c.Provider.Stages {
		p, err := provider("provider.stages."+name, typ)
		if err != nil {
			return nil, err
		}
		registry.Register(name, p)
	}
	return registry, nil
}
