package stage

import (
	"time"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Definition is one node of the stage graph.
type Definition struct {
	Name           string                 `yaml:"name" json:"name"`
	Kind           models.StageKind       `yaml:"kind" json:"kind"`
	DependsOn      []string               `yaml:"depends_on" json:"depends_on,omitempty"`
	Timeout        time.Duration          `yaml:"timeout" json:"timeout,omitempty"`
	MaxAttempts    int                    `yaml:"max_attempts" json:"max_attempts,omitempty"`
	InitialBackoff time.Duration          `yaml:"initial_backoff" json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration          `yaml:"max_backoff" json:"max_backoff,omitempty"`
	Params         map[string]interface{} `yaml:"params" json:"params,omitempty"`
	// Schema overrides the built-in output schema for Kind.
	Schema map[string]interface{} `yaml:"schema" json:"schema,omitempty"`
}

// WithDefaults fills unset retry and timeout settings.
func (d Definition) WithDefaults() Definition {
	if d.Kind == "" {
		d.Kind = models.StageCustom
	}
	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = DefaultInitialBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = DefaultMaxBackoff
	}
	if d.MaxBackoff < d.InitialBackoff {
		d.MaxBackoff = d.InitialBackoff
	}
	return d
}

func (d Definition) Validate() error {
	field := "stages." + d.Name
	if d.Name == "" {
		return models.NewConfigurationError("stages", "stage name must not be empty")
	}
	if !d.Kind.Valid() {
		return models.NewConfigurationError(field+".kind", "unknown stage kind %q", d.Kind)
	}
	if d.Timeout <= 0 {
		return models.NewConfigurationError(field+".timeout", "must be positive, got %s", d.Timeout)
	}
	if d.MaxAttempts < 1 {
		return models.NewConfigurationError(field+".max_attempts", "must be at least 1, got %d", d.MaxAttempts)
	}
	if d.InitialBackoff < 0 || d.MaxBackoff < 0 {
		return models.NewConfigurationError(field, "backoff intervals must not be negative")
	}
	return nil
}
