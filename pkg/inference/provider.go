// Package inference holds the providers that judge a single (patient, stage)
// cell: a remote chat-completions model and a deterministic rule engine.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

type ErrorKind string

const (
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrTransient       ErrorKind = "transient"
	ErrInvalidResponse ErrorKind = "invalid_response"
	ErrUnavailable     ErrorKind = "unavailable"
)

// ProviderError is the classified failure of one provider invocation.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, format string, args ...interface{}) *ProviderError {
	return &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors that carry no classification are transient.
func KindOf(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ErrTransient
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	return KindOf(err) != ErrInvalidResponse
}

// Provider produces a structured judgment for one stage of one patient.
type Provider interface {
	Invoke(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error)
}

type ProviderFunc func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error)

func (f ProviderFunc) Invoke(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
	return f(ctx, stage, req)
}

// Registry maps stage names to providers, falling back to a default.
type Registry struct {
	mu       sync.RWMutex
	fallback Provider
	byStage  map[string]Provider
}

func NewRegistry(fallback Provider) *Registry {
	return &Registry{fallback: fallback, byStage: make(map[string]Provider)}
}

func (r *Registry) Register(stage string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStage[stage] = p
}

func (r *Registry) For(stage string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byStage[stage]; ok {
		return p, true
	}
	return r.fallback, r.fallback != nil
}
