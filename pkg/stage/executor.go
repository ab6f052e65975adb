// Package stage runs a single stage for a single patient: provider
// invocation under a timeout, classified retries, and output validation.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
)

var (
	errAttemptTimeout = errors.New("stage attempt timed out")
	errNoSlot         = errors.New("cancelled while waiting for an invocation slot")
)

// Slots bounds concurrent provider invocations. semaphore.Weighted
// satisfies it.
type Slots interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

type Option func(*Executor)

// WithJitter sets the randomization factor applied to backoff intervals.
func WithJitter(factor float64) Option {
	return func(e *Executor) {
		e.jitter = factor
	}
}

type Executor struct {
	registry *inference.Registry
	jitter   float64

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewExecutor(registry *inference.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		jitter:   backoff.DefaultRandomizationFactor,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prepare compiles the output schema of every stage and checks that each
// has a provider. It must succeed before a run starts.
func (e *Executor) Prepare(defs []Definition) error {
	for _, def := range defs {
		def = def.WithDefaults()
		if err := def.Validate(); err != nil {
			return err
		}
		if _, ok := e.registry.For(def.Name); !ok {
			return models.NewConfigurationError("stages."+def.Name, "no inference provider registered")
		}
		compiled, err := compileSchema(def)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.schemas[def.Name] = compiled
		e.mu.Unlock()
	}
	return nil
}

func (e *Executor) schemaFor(def Definition) (*jsonschema.Schema, error) {
	e.mu.RLock()
	compiled, ok := e.schemas[def.Name]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}
	compiled, err := compileSchema(def)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.schemas[def.Name] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// Execute always returns a result; failures are values, never errors.
// Each attempt runs detached from ctx cancellation and is bounded only by
// def.Timeout. Cancelling ctx stops further retries.
func (e *Executor) Execute(ctx context.Context, def Definition, req models.StageRequest) models.StageResult {
	return e.execute(ctx, def, req, nil)
}

// ExecuteHolding is Execute for a caller that already holds one slot from
// slots. That slot covers the first invocation; every retry acquires its
// own. A slot is released only when its provider call returns, so an
// invocation abandoned on timeout keeps counting against slots until it
// actually finishes.
func (e *Executor) ExecuteHolding(ctx context.Context, def Definition, req models.StageRequest, slots Slots) models.StageResult {
	return e.execute(ctx, def, req, slots)
}

func (e *Executor) execute(ctx context.Context, def Definition, req models.StageRequest, slots Slots) models.StageResult {
	def = def.WithDefaults()
	start := time.Now()
	held := slots != nil
	releaseHeld := func() {
		if held {
			held = false
			slots.Release(1)
		}
	}

	provider, ok := e.registry.For(def.Name)
	if !ok {
		releaseHeld()
		return finish(models.Failed(models.FailureUnavailable, "no inference provider registered"), 0, start)
	}
	schema, err := e.schemaFor(def)
	if err != nil {
		releaseHeld()
		return finish(models.Failed(models.FailureInvalidOutput, err.Error()), 0, start)
	}

	attempts := 0
	var last models.StageResult
	operation := func() error {
		if slots != nil && !held {
			if err := slots.Acquire(ctx, 1); err != nil {
				return backoff.Permanent(errNoSlot)
			}
		}
		held = false
		attempts++
		out, err := e.attempt(ctx, provider, def, req, slots)
		if err != nil {
			last = failureFor(err)
			if retryable(last.FailureKind()) {
				return err
			}
			return backoff.Permanent(err)
		}
		result, err := e.validate(def, schema, out)
		if err != nil {
			last = models.Failed(models.FailureInvalidOutput, err.Error())
			return backoff.Permanent(err)
		}
		last = result
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = def.InitialBackoff
	b.MaxInterval = def.MaxBackoff
	b.RandomizationFactor = e.jitter
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(def.MaxAttempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		fields := map[string]interface{}{
			"stage":        def.Name,
			"attempt":      attempts,
			"max_attempts": def.MaxAttempts,
			"next_backoff": next.String(),
			"error":        err.Error(),
		}
		if req.Patient != nil {
			fields["patient_id"] = req.Patient.ID
		}
		logger.Log.WithFields(fields).Warn("Stage attempt failed, retrying")
	}

	// The outcome lives in last; the returned error only drives retries.
	_ = backoff.RetryNotify(operation, policy, notify)
	if attempts < def.MaxAttempts && ctx.Err() != nil && !last.IsSuccess() && retryable(last.FailureKind()) {
		last = models.Failed(last.FailureKind(), fmt.Sprintf("%s (retries stopped after %d of %d attempts: run cancelled)",
			last.Failure.Message, attempts, def.MaxAttempts))
	}
	return finish(last, attempts, start)
}

func finish(r models.StageResult, attempts int, start time.Time) models.StageResult {
	r.Attempts = attempts
	r.Duration = time.Since(start)
	return r
}

// attempt owns one slot from slots (when non-nil) and releases it once the
// provider call returns, which may be after attempt itself has timed out.
func (e *Executor) attempt(ctx context.Context, provider inference.Provider, def Definition, req models.StageRequest, slots Slots) (map[string]interface{}, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), def.Timeout)
	defer cancel()

	type outcome struct {
		out map[string]interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		if slots != nil {
			defer slots.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: inference.NewError(inference.ErrInvalidResponse, "provider panicked: %v", r)}
			}
		}()
		out, err := provider.Invoke(actx, def.Name, req)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", errAttemptTimeout, def.Timeout, o.err)
		}
		return o.out, o.err
	case <-actx.Done():
		return nil, fmt.Errorf("%w after %s", errAttemptTimeout, def.Timeout)
	}
}

func failureFor(err error) models.StageResult {
	if errors.Is(err, errAttemptTimeout) {
		return models.Failed(models.FailureTimeout, err.Error())
	}
	switch inference.KindOf(err) {
	case inference.ErrRateLimited:
		return models.Failed(models.FailureRateLimited, err.Error())
	case inference.ErrUnavailable:
		return models.Failed(models.FailureUnavailable, err.Error())
	case inference.ErrInvalidResponse:
		return models.Failed(models.FailureInvalidOutput, err.Error())
	default:
		return models.Failed(models.FailureTransient, err.Error())
	}
}

func retryable(kind models.FailureKind) bool {
	switch kind {
	case models.FailureTimeout, models.FailureRateLimited, models.FailureTransient, models.FailureUnavailable:
		return true
	}
	return false
}

// validate normalizes provider output to plain JSON values, checks it against
// the stage schema and applies domain rules the schema cannot express.
func (e *Executor) validate(def Definition, schema *jsonschema.Schema, out map[string]interface{}) (models.StageResult, error) {
	if out == nil {
		return models.StageResult{}, errors.New("provider returned no output")
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return models.StageResult{}, fmt.Errorf("output is not JSON encodable: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.StageResult{}, fmt.Errorf("output is not a JSON object: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return models.StageResult{}, fmt.Errorf("schema validation failed: %w", err)
	}

	confidence := 1.0
	if v, ok := payload["confidence"].(float64); ok {
		confidence = v
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return models.StageResult{}, fmt.Errorf("confidence %g outside [0, 1]", confidence)
	}
	if err := checkDomain(def.Kind, payload); err != nil {
		return models.StageResult{}, err
	}
	return models.Succeeded(payload, confidence), nil
}

func checkDomain(kind models.StageKind, payload map[string]interface{}) error {
	switch kind {
	case models.StageInteraction:
		detected, _ := payload["interaction_detected"].(bool)
		severity, _ := payload["severity"].(string)
		if detected == (severity == "none") {
			return fmt.Errorf("interaction_detected=%v contradicts severity %q", detected, severity)
		}
	case models.StageAdverseEvent:
		predicted, _ := payload["adverse_event_predicted"].(bool)
		serious, _ := payload["serious"].(bool)
		if serious && !predicted {
			return errors.New("serious adverse event reported without a predicted event")
		}
	case models.StageDosing:
		dose, _ := payload["recommended_dose_mg"].(float64)
		if dose <= 0 || math.IsInf(dose, 0) {
			return fmt.Errorf("recommended_dose_mg must be positive, got %g", dose)
		}
	}
	return nil
}
