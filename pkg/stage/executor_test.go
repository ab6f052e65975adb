package stage

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
)

func init() {
	logger.Silence()
}

func dosingDef() Definition {
	return Definition{
		Name:           "dose",
		Kind:           models.StageDosing,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func request() models.StageRequest {
	return models.StageRequest{Stage: "dose", Kind: models.StageDosing, Patient: &models.PatientProfile{ID: "p-1"}}
}

func executorWith(fn inference.ProviderFunc) *Executor {
	return NewExecutor(inference.NewRegistry(fn), WithJitter(0))
}

func goodDose() map[string]interface{} {
	return map[string]interface{}{"recommended_dose_mg": 20, "adjustment_factor": 1.0, "confidence": 0.9}
}

func TestExecuteSuccess(t *testing.T) {
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return goodDose(), nil
	})
	res := e.Execute(context.Background(), dosingDef(), request())
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res.Failure)
	}
	if res.Attempts != 1 || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Payload["recommended_dose_mg"] != 20.0 {
		t.Fatalf("expected payload normalized to float64, got %T", res.Payload["recommended_dose_mg"])
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	var calls int32
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, inference.NewError(inference.ErrRateLimited, "slow down")
		}
		return goodDose(), nil
	})
	res := e.Execute(context.Background(), dosingDef(), request())
	if !res.IsSuccess() || res.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v attempts=%d", res.Failure, res.Attempts)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	var calls int32
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection reset")
	})
	res := e.Execute(context.Background(), dosingDef(), request())
	if res.FailureKind() != models.FailureTransient {
		t.Fatalf("expected transient failure, got %+v", res)
	}
	if res.Attempts != 3 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", res.Attempts, calls)
	}
}

func TestExecuteDoesNotRetryInvalidOutput(t *testing.T) {
	tests := []struct {
		name string
		fn   inference.ProviderFunc
	}{
		{"invalid response", func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
			return nil, inference.NewError(inference.ErrInvalidResponse, "garbled")
		}},
		{"zero dose", func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"recommended_dose_mg": 0, "confidence": 0.5}, nil
		}},
		{"missing field", func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"confidence": 0.5}, nil
		}},
		{"confidence out of range", func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"recommended_dose_mg": 10, "confidence": 1.5}, nil
		}},
		{"nil output", func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
			return nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executorWith(tt.fn).Execute(context.Background(), dosingDef(), request())
			if res.FailureKind() != models.FailureInvalidOutput {
				t.Fatalf("expected invalid_output, got %+v", res)
			}
			if res.Attempts != 1 {
				t.Fatalf("expected a single attempt, got %d", res.Attempts)
			}
		})
	}
}

func TestExecuteTimesOutUncooperativeProvider(t *testing.T) {
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return goodDose(), nil
	})
	def := dosingDef()
	def.Timeout = 20 * time.Millisecond
	def.MaxAttempts = 2

	start := time.Now()
	res := e.Execute(context.Background(), def, request())
	if res.FailureKind() != models.FailureTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected timeouts to be retried, got %d attempts", res.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestExecuteInteractionConsistency(t *testing.T) {
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"interaction_detected": true, "severity": "none", "confidence": 0.7}, nil
	})
	def := Definition{Name: "ddi", Kind: models.StageInteraction, MaxAttempts: 1}
	res := e.Execute(context.Background(), def, request())
	if res.FailureKind() != models.FailureInvalidOutput {
		t.Fatalf("expected invalid_output, got %+v", res)
	}
}

func TestCancellationStopsRetriesButNotInFlightAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	e := executorWith(func(actx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		select {
		case <-actx.Done():
			return nil, actx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		return nil, inference.NewError(inference.ErrTransient, "flaky")
	})
	def := dosingDef()
	def.MaxAttempts = 5

	res := e.Execute(ctx, def, request())
	if res.FailureKind() != models.FailureTransient {
		t.Fatalf("expected in-flight attempt to finish with its own failure, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 1 || res.Attempts != 1 {
		t.Fatalf("expected no retry after cancellation, got %d calls", calls)
	}
}

func TestExecuteMarksRetriesStoppedByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		cancel()
		return nil, inference.NewError(inference.ErrRateLimited, "slow down")
	})
	def := dosingDef()
	def.MaxAttempts = 5
	def.InitialBackoff = time.Second
	def.MaxBackoff = time.Second

	res := e.Execute(ctx, def, request())
	if res.FailureKind() != models.FailureRateLimited || res.Attempts != 1 {
		t.Fatalf("expected one rate limited attempt, got %+v", res)
	}
	if !strings.Contains(res.Failure.Message, "run cancelled") {
		t.Fatalf("expected the message to record cancellation, got %q", res.Failure.Message)
	}

	exhausted := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return nil, inference.NewError(inference.ErrRateLimited, "slow down")
	}).Execute(context.Background(), dosingDef(), request())
	if strings.Contains(exhausted.Failure.Message, "run cancelled") {
		t.Fatalf("exhausted retries must not mention cancellation: %q", exhausted.Failure.Message)
	}
}

func TestExecuteHoldingKeepsSlotsUntilProviderReturns(t *testing.T) {
	var inFlight, peak int32
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(30 * time.Millisecond)
		return goodDose(), nil
	})
	def := dosingDef()
	def.Timeout = 5 * time.Millisecond

	slots := semaphore.NewWeighted(1)
	if err := slots.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	res := e.ExecuteHolding(context.Background(), def, request(), slots)
	if res.FailureKind() != models.FailureTimeout || res.Attempts != 3 {
		t.Fatalf("expected three timed out attempts, got %+v", res)
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("expected retries to wait for the abandoned call, peak %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for !slots.TryAcquire(1) {
		if time.Now().After(deadline) {
			t.Fatal("slot never released after the provider returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrepare(t *testing.T) {
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return goodDose(), nil
	})
	if err := e.Prepare([]Definition{dosingDef()}); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	bad := dosingDef()
	bad.Schema = map[string]interface{}{"type": 5}
	if err := e.Prepare([]Definition{bad}); !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for bad schema, got %v", err)
	}

	unknown := dosingDef()
	unknown.Kind = "telepathy"
	if err := e.Prepare([]Definition{unknown}); !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for unknown kind, got %v", err)
	}

	none := NewExecutor(inference.NewRegistry(nil))
	if err := none.Prepare([]Definition{dosingDef()}); !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error without provider, got %v", err)
	}
}

func TestCustomSchemaOverride(t *testing.T) {
	e := executorWith(func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		return map[string]interface{}{"score": 12}, nil
	})
	def := Definition{
		Name:        "score",
		Kind:        models.StageCustom,
		MaxAttempts: 1,
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"score"},
			"properties": map[string]interface{}{
				"score": map[string]interface{}{"type": "number", "maximum": 10},
			},
		},
	}
	if err := e.Prepare([]Definition{def}); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	res := e.Execute(context.Background(), def, request())
	if res.FailureKind() != models.FailureInvalidOutput {
		t.Fatalf("expected schema override to reject score 12, got %+v", res)
	}
}
