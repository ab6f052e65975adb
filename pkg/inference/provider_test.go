package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("boom")) != ErrTransient {
		t.Fatal("unclassified errors must be transient")
	}
	wrapped := fmt.Errorf("call: %w", NewError(ErrInvalidResponse, "bad"))
	if KindOf(wrapped) != ErrInvalidResponse {
		t.Fatal("expected classification through wrapping")
	}
	if IsRetryable(wrapped) {
		t.Fatal("invalid responses are not retryable")
	}
	if !IsRetryable(NewError(ErrRateLimited, "slow down")) {
		t.Fatal("rate limited errors are retryable")
	}
}

func TestRegistryFallback(t *testing.T) {
	fallback := ProviderFunc(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"from": "fallback"}, nil
	})
	special := ProviderFunc(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"from": "special"}, nil
	})
	r := NewRegistry(fallback)
	r.Register("dose", special)

	p, ok := r.For("dose")
	if !ok {
		t.Fatal("expected provider for dose")
	}
	out, _ := p.Invoke(context.Background(), "dose", models.StageRequest{})
	if out["from"] != "special" {
		t.Fatalf("expected special provider, got %v", out)
	}
	p, _ = r.For("other")
	out, _ = p.Invoke(context.Background(), "other", models.StageRequest{})
	if out["from"] != "fallback" {
		t.Fatalf("expected fallback provider, got %v", out)
	}

	if _, ok := NewRegistry(nil).For("x"); ok {
		t.Fatal("expected no provider without fallback")
	}
}

func TestRateLimitedReportsQuotaWait(t *testing.T) {
	calls := 0
	next := ProviderFunc(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{}, nil
	})
	p := NewRateLimited(next, 0.001, 1)

	if _, err := p.Invoke(context.Background(), "s", models.StageRequest{}); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Invoke(ctx, "s", models.StageRequest{})
	if KindOf(err) != ErrRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one underlying call, got %d", calls)
	}
	if _, wrapped := NewRateLimited(next, 0, 1).(*RateLimited); wrapped {
		t.Fatal("zero rate should not wrap")
	}
}
