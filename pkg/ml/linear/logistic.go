// Package linear fits small logistic regression models by batch gradient
// descent. Fitting is deterministic for a given input.
package linear

import (
	"errors"
	"fmt"
	"math"
)

var ErrNoSamples = errors.New("no samples to fit")

type Options struct {
	Epochs       int
	LearningRate float64
	// L2 is the ridge penalty. It keeps coefficients finite when the
	// outcome is perfectly separable.
	L2 float64
}

func (o Options) withDefaults() Options {
	if o.Epochs <= 0 {
		o.Epochs = 500
	}
	if o.LearningRate <= 0 {
		o.LearningRate = 0.1
	}
	if o.L2 < 0 {
		o.L2 = 0
	}
	return o
}

// Model is a fitted logistic regression over standardized features.
// Coefficients are per standard deviation of the raw feature.
type Model struct {
	Features     []string  `json:"features"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
	Bias         float64   `json:"bias"`
	Coefficients []float64 `json:"coefficients"`
}

type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Fit trains a model on raw samples. Labels must be 0 or 1 and every sample
// must have one value per feature.
func Fit(features []string, samples [][]float64, labels []float64, opts Options) (Model, Metrics, error) {
	if len(samples) == 0 {
		return Model{}, Metrics{}, ErrNoSamples
	}
	if len(labels) != len(samples) {
		return Model{}, Metrics{}, fmt.Errorf("got %d labels for %d samples", len(labels), len(samples))
	}
	for i, s := range samples {
		if len(s) != len(features) {
			return Model{}, Metrics{}, fmt.Errorf("sample %d has %d values, want %d", i, len(s), len(features))
		}
		if labels[i] != 0 && labels[i] != 1 {
			return Model{}, Metrics{}, fmt.Errorf("label %d is %v, want 0 or 1", i, labels[i])
		}
	}
	opts = opts.withDefaults()

	m := Model{
		Features:     append([]string(nil), features...),
		Coefficients: make([]float64, len(features)),
	}
	m.Means, m.Scales = moments(samples, len(features))
	x := make([][]float64, len(samples))
	for i, s := range samples {
		x[i] = m.standardize(s)
	}

	n := float64(len(x))
	grad := make([]float64, len(features))
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		var biasGrad float64
		for i, sample := range x {
			residual := sigmoid(dot(m.Coefficients, sample)+m.Bias) - labels[i]
			for j, v := range sample {
				grad[j] += residual * v
			}
			biasGrad += residual
		}
		for j := range m.Coefficients {
			m.Coefficients[j] -= opts.LearningRate * (grad[j]/n + opts.L2*m.Coefficients[j])
		}
		m.Bias -= opts.LearningRate * biasGrad / n
	}

	return m, evaluate(m, x, labels), nil
}

// Predict returns the outcome probability for a raw sample.
func (m Model) Predict(sample []float64) float64 {
	return sigmoid(dot(m.Coefficients, m.standardize(sample)) + m.Bias)
}

// OddsRatio is exp(coefficient): the change in odds per standard deviation
// of feature j.
func (m Model) OddsRatio(j int) float64 {
	return math.Exp(m.Coefficients[j])
}

func (m Model) standardize(sample []float64) []float64 {
	out := make([]float64, len(sample))
	for j, v := range sample {
		out[j] = (v - m.Means[j]) / m.Scales[j]
	}
	return out
}

// moments returns per-feature means and standard deviations. Constant
// features get a scale of 1 so they standardize to zero.
func moments(samples [][]float64, width int) ([]float64, []float64) {
	means := make([]float64, width)
	scales := make([]float64, width)
	n := float64(len(samples))
	for _, s := range samples {
		for j, v := range s {
			means[j] += v / n
		}
	}
	for _, s := range samples {
		for j, v := range s {
			d := v - means[j]
			scales[j] += d * d / n
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j])
		if scales[j] < 1e-12 {
			scales[j] = 1
		}
	}
	return means, scales
}

func dot(weights, sample []float64) float64 {
	var sum float64
	for i := range weights {
		sum += weights[i] * sample[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func evaluate(m Model, x [][]float64, labels []float64) Metrics {
	var loss float64
	var correct int
	for i, sample := range x {
		p := sigmoid(dot(m.Coefficients, sample) + m.Bias)
		loss += -labels[i]*math.Log(p+1e-9) - (1-labels[i])*math.Log(1-p+1e-9)
		if (p >= 0.5) == (labels[i] == 1) {
			correct++
		}
	}
	n := float64(len(x))
	return Metrics{Loss: loss / n, Accuracy: float64(correct) / n}
}
