package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/stage"
)

func init() {
	logger.Silence()
}

func fastDef(name string, deps ...string) stage.Definition {
	return stage.Definition{
		Name:           name,
		Kind:           models.StageCustom,
		DependsOn:      deps,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func cohortOf(n int) []*models.PatientProfile {
	cohort := make([]*models.PatientProfile, n)
	for i := range cohort {
		cohort[i] = &models.PatientProfile{ID: fmt.Sprintf("patient-%03d", i), Index: i}
	}
	return cohort
}

func orchestrator(fn inference.ProviderFunc, opts ...Option) *Orchestrator {
	executor := stage.NewExecutor(inference.NewRegistry(fn), stage.WithJitter(0))
	return NewOrchestrator(executor, opts...)
}

func succeed(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"stage": stage, "confidence": 0.9}, nil
}

func mustGraph(t *testing.T, defs ...stage.Definition) *Graph {
	t.Helper()
	g, err := NewGraph(defs)
	if err != nil {
		t.Fatalf("new graph: %v", err)
	}
	return g
}

func TestEmptyCohortCompletes(t *testing.T) {
	run, err := orchestrator(succeed).Run(context.Background(), []*models.PatientProfile{}, mustGraph(t, fastDef("a")), Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.Status().State != models.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status())
	}
	if len(run.Cells()) != 0 {
		t.Fatalf("expected empty result table, got %d cells", len(run.Cells()))
	}
}

func TestEmptyCohortAbortsWhenRequired(t *testing.T) {
	run, err := orchestrator(succeed, RequireNonEmptyCohort()).Run(context.Background(), nil, mustGraph(t, fastDef("a")), Options{})
	if !errors.Is(err, models.ErrEmptyCohort) {
		t.Fatalf("expected empty cohort error, got %v", err)
	}
	if s := run.Status(); s.State != models.RunAborted || s.Reason != models.AbortEmptyCohort {
		t.Fatalf("expected aborted{empty_cohort}, got %s", s)
	}
}

func TestLinearGraphSucceeds(t *testing.T) {
	run, err := orchestrator(succeed).Run(context.Background(), cohortOf(1), mustGraph(t, fastDef("a"), fastDef("b", "a")), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	cells := run.Cells()
	if len(cells) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(cells))
	}
	for _, c := range cells {
		if !c.Result.IsSuccess() {
			t.Fatalf("expected success for %s, got %+v", c.Stage, c.Result.Failure)
		}
	}
	if cells[0].Stage != "a" || cells[1].Stage != "b" {
		t.Fatalf("expected cells in topological order, got %s, %s", cells[0].Stage, cells[1].Stage)
	}
	if run.Status().State != models.RunCompleted {
		t.Fatalf("expected completed, got %s", run.Status())
	}
}

func TestFailurePropagatesAsSkip(t *testing.T) {
	var calls sync.Map
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		n, _ := calls.LoadOrStore(stage, new(int32))
		atomic.AddInt32(n.(*int32), 1)
		if stage == "a" {
			return nil, inference.NewError(inference.ErrInvalidResponse, "malformed")
		}
		return succeed(ctx, stage, req)
	}
	run, err := orchestrator(provider).Run(context.Background(), cohortOf(1), mustGraph(t, fastDef("a"), fastDef("b", "a")), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	pid := run.Cohort()[0].ID
	a, _ := run.Result(pid, "a")
	b, _ := run.Result(pid, "b")
	if a.FailureKind() != models.FailureInvalidOutput {
		t.Fatalf("expected invalid_output on a, got %+v", a)
	}
	if !b.IsSkip() || b.Attempts != 0 {
		t.Fatalf("expected b skipped without invocation, got %+v", b)
	}
	if _, invoked := calls.Load("b"); invoked {
		t.Fatal("b must not be invoked")
	}
	want := models.RunStatus{State: models.RunCompletedWithFailures, Failures: 1}
	if run.Status() != want {
		t.Fatalf("expected %s, got %s", want, run.Status())
	}
}

func TestRateLimitedRetriedUntilSuccess(t *testing.T) {
	var calls int32
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, inference.NewError(inference.ErrRateLimited, "quota")
		}
		return succeed(ctx, stage, req)
	}
	run, err := orchestrator(provider).Run(context.Background(), cohortOf(1), mustGraph(t, fastDef("a")), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	res, _ := run.Result(run.Cohort()[0].ID, "a")
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %+v", res.Failure)
	}
	if atomic.LoadInt32(&calls) != 3 || res.Attempts != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d (attempts %d)", calls, res.Attempts)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var inFlight, peak int32
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		raisePeak(&peak, atomic.AddInt32(&inFlight, 1))
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return succeed(ctx, stage, req)
	}
	graph := mustGraph(t, fastDef("a"), fastDef("b"), fastDef("c", "a", "b"))
	run, err := orchestrator(provider).Run(context.Background(), cohortOf(100), graph, Options{Concurrency: 10})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 10 {
		t.Fatalf("observed %d concurrent invocations, limit is 10", got)
	}
	if len(run.Cells()) != 300 {
		t.Fatalf("expected 300 cells, got %d", len(run.Cells()))
	}
}

func raisePeak(peak *int32, n int32) {
	for {
		p := atomic.LoadInt32(peak)
		if n <= p || atomic.CompareAndSwapInt32(peak, p, n) {
			return
		}
	}
}

func TestConcurrencyBoundHoldsForTimedOutAttempts(t *testing.T) {
	var inFlight, peak int32
	// The provider ignores ctx, so every attempt outlives its timeout.
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		raisePeak(&peak, atomic.AddInt32(&inFlight, 1))
		defer atomic.AddInt32(&inFlight, -1)
		time.Sleep(30 * time.Millisecond)
		return succeed(ctx, stage, req)
	}
	def := fastDef("a")
	def.Timeout = 5 * time.Millisecond
	def.MaxAttempts = 2

	run, err := orchestrator(provider).Run(context.Background(), cohortOf(12), mustGraph(t, def), Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("observed %d concurrent invocations, limit is 2", got)
	}
	if status := run.Status(); status.State != models.RunCompletedWithFailures || status.Failures != 12 {
		t.Fatalf("expected completed_with_failures{12}, got %s", status)
	}
	for _, c := range run.Cells() {
		if c.Result.FailureKind() != models.FailureTimeout || c.Result.Attempts != 2 {
			t.Fatalf("expected two timed out attempts, got %+v", c.Result)
		}
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&inFlight) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancellationStopsNewInvocations(t *testing.T) {
	release := make(chan struct{})
	blocked := make(chan struct{}, 16)
	var calls int32
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) > 4 {
			blocked <- struct{}{}
			<-release
		}
		return succeed(ctx, stage, req)
	}

	run, err := orchestrator(provider).Start(context.Background(), cohortOf(20), mustGraph(t, fastDef("a")), Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	<-blocked
	<-blocked

	before := run.Cells()
	if len(before) != 4 {
		t.Fatalf("expected 4 completed cells before cancel, got %d", len(before))
	}
	run.Cancel()
	close(release)
	status := run.Wait()

	if status.State != models.RunAborted || status.Reason != models.AbortCancelled {
		t.Fatalf("expected aborted{cancelled}, got %s", status)
	}
	if got := atomic.LoadInt32(&calls); got != 6 {
		t.Fatalf("expected no invocations after cancel, got %d total", got)
	}
	for _, c := range before {
		after, ok := run.Result(c.PatientID, c.Stage)
		if !ok || !reflect.DeepEqual(after, c.Result) {
			t.Fatalf("cell %v changed after cancellation", c.CellKey)
		}
	}
	if len(run.Cells()) != 6 {
		t.Fatalf("expected in-flight cells to be recorded, got %d", len(run.Cells()))
	}
}

func TestDependenciesRecordedBeforeInvocation(t *testing.T) {
	graph := mustGraph(t, fastDef("a"), fastDef("b", "a"), fastDef("c", "a"), fastDef("d", "b", "c"))
	var violations int32
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		if len(req.Upstream) != len(graph.Dependencies(stage)) {
			atomic.AddInt32(&violations, 1)
		}
		if stage == "b" && req.Patient.Index%3 == 0 {
			return nil, inference.NewError(inference.ErrInvalidResponse, "bad")
		}
		return succeed(ctx, stage, req)
	}
	run, err := orchestrator(provider).Run(context.Background(), cohortOf(30), graph, Options{Concurrency: 4})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if violations != 0 {
		t.Fatalf("%d invocations started before their dependencies were recorded", violations)
	}

	skips := 0
	for _, c := range run.Cells() {
		if !c.Result.IsSkip() {
			continue
		}
		skips++
		failedDep := false
		for _, dep := range graph.Dependencies(c.Stage) {
			r, _ := run.Result(c.PatientID, dep)
			if !r.IsSuccess() {
				failedDep = true
			}
		}
		if !failedDep {
			t.Fatalf("skip at %v without a failed dependency", c.CellKey)
		}
	}
	if skips != 10 {
		t.Fatalf("expected 10 skipped d cells, got %d", skips)
	}
	if s := run.Status(); s.Failures != 10 {
		t.Fatalf("expected 10 root-cause failures, got %s", s)
	}
}

func TestInvalidGraphAbortsRun(t *testing.T) {
	executor := stage.NewExecutor(inference.NewRegistry(nil))
	run, err := NewOrchestrator(executor).Run(context.Background(), cohortOf(2), mustGraph(t, fastDef("a")), Options{})
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if s := run.Status(); s.State != models.RunAborted || s.Reason != models.AbortInvalidGraph {
		t.Fatalf("expected aborted{invalid_graph}, got %s", s)
	}
	if len(run.Cells()) != 0 {
		t.Fatal("no cell may be recorded for an invalid graph")
	}
}

func TestObserversReceiveEvents(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	obs := ObserverFunc(func(e models.ProgressEvent) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	})
	provider := func(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
		if stage == "a" {
			return nil, inference.NewError(inference.ErrInvalidResponse, "bad")
		}
		return succeed(ctx, stage, req)
	}
	_, err := orchestrator(provider, WithObserver(obs), WithObserver(LogObserver{})).Run(
		context.Background(), cohortOf(3), mustGraph(t, fastDef("a"), fastDef("b", "a")), Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[models.EventStageStarted] != 3 || counts[models.EventStageFailed] != 3 || counts[models.EventStageSkipped] != 3 {
		t.Fatalf("unexpected event counts %v", counts)
	}
	if counts[models.EventRunStatus] != 2 {
		t.Fatalf("expected running and terminal status events, got %d", counts[models.EventRunStatus])
	}
}
