package population

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

const maxRejections = 64

// TruncatedNormal samples N(Mean, SD) restricted to [Min, Max].
type TruncatedNormal struct {
	Mean float64 `yaml:"mean" json:"mean"`
	SD   float64 `yaml:"sd" json:"sd"`
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
}

func (d TruncatedNormal) validate(field string) error {
	for name, v := range map[string]float64{"mean": d.Mean, "sd": d.SD, "min": d.Min, "max": d.Max} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.NewConfigurationError(field, "%s must be finite", name)
		}
	}
	if d.SD < 0 {
		return models.NewConfigurationError(field, "sd must not be negative, got %g", d.SD)
	}
	if d.Min > d.Max {
		return models.NewConfigurationError(field, "min %g is greater than max %g", d.Min, d.Max)
	}
	return nil
}

func (d TruncatedNormal) sample(r *rand.Rand) float64 {
	if d.SD == 0 {
		return d.clamp(d.Mean)
	}
	for i := 0; i < maxRejections; i++ {
		v := d.Mean + d.SD*r.NormFloat64()
		if v >= d.Min && v <= d.Max {
			return v
		}
	}
	return d.clamp(d.Mean + d.SD*r.NormFloat64())
}

func (d TruncatedNormal) clamp(v float64) float64 {
	return math.Min(d.Max, math.Max(d.Min, v))
}

// Categorical draws one key with probability proportional to its weight.
type Categorical map[string]float64

func (c Categorical) validate(field string) error {
	if len(c) == 0 {
		return models.NewConfigurationError(field, "categorical weights must not be empty")
	}
	total := 0.0
	for key, w := range c {
		if key == "" {
			return models.NewConfigurationError(field, "category name must not be empty")
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return models.NewConfigurationError(field, "weight for %q must be a non-negative number, got %g", key, w)
		}
		total += w
	}
	if total <= 0 {
		return models.NewConfigurationError(field, "categorical weights must not all be zero")
	}
	return nil
}

func (c Categorical) sample(r *rand.Rand) string {
	keys := sortedKeys(c)
	total := 0.0
	for _, k := range keys {
		total += c[k]
	}
	u := r.Float64() * total
	acc := 0.0
	for _, k := range keys {
		acc += c[k]
		if u < acc {
			return k
		}
	}
	// Floating point slack: fall back to the last key with positive weight.
	for i := len(keys) - 1; i >= 0; i-- {
		if c[keys[i]] > 0 {
			return keys[i]
		}
	}
	return keys[len(keys)-1]
}

// Bernoulli holds independent per-item prevalences in [0, 1].
type Bernoulli map[string]float64

func (b Bernoulli) validate(field string) error {
	for key, p := range b {
		if key == "" {
			return models.NewConfigurationError(field, "item name must not be empty")
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return models.NewConfigurationError(field, "prevalence for %q must be within [0, 1], got %g", key, p)
		}
	}
	return nil
}

func (b Bernoulli) sample(r *rand.Rand) []string {
	selected := make([]string, 0, len(b))
	for _, k := range sortedKeys(b) {
		if r.Float64() < b[k] {
			selected = append(selected, k)
		}
	}
	return selected
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
