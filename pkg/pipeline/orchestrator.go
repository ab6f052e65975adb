// Package pipeline runs a stage graph over a cohort with bounded
// concurrency, failure isolation and cooperative cancellation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/stage"
)

const DefaultConcurrency = 10

type Options struct {
	Name        string
	Concurrency int
}

type Option func(*Orchestrator)

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}

// RequireNonEmptyCohort makes an empty cohort abort the run instead of
// completing it with no cells.
func RequireNonEmptyCohort() Option {
	return func(o *Orchestrator) {
		o.requireNonEmpty = true
	}
}

type Orchestrator struct {
	executor        *stage.Executor
	observers       Observers
	requireNonEmpty bool
}

func NewOrchestrator(executor *stage.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{executor: executor}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the graph over the cohort and blocks until the run is
// terminal. A cancelled run returns models.ErrRunCancelled alongside it.
func (o *Orchestrator) Run(ctx context.Context, cohort []*models.PatientProfile, graph *Graph, opts Options) (*Run, error) {
	run, err := o.Start(ctx, cohort, graph, opts)
	if err != nil {
		return run, err
	}
	status := run.Wait()
	if status.State == models.RunAborted && status.Reason == models.AbortCancelled {
		return run, models.ErrRunCancelled
	}
	return run, nil
}

// Start validates the run and executes it in the background. Validation
// failures return an aborted run together with the error.
func (o *Orchestrator) Start(ctx context.Context, cohort []*models.PatientProfile, graph *Graph, opts Options) (*Run, error) {
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	run := newRun(opts.Name, cohort, graph, concurrency)

	if concurrency < 0 {
		err := models.NewConfigurationError("pipeline.concurrency", "must be positive, got %d", concurrency)
		o.abort(run, models.AbortInvalidGraph, err)
		return run, err
	}
	if graph == nil {
		err := models.NewConfigurationError("stages", "no stage graph")
		o.abort(run, models.AbortInvalidGraph, err)
		return run, err
	}
	if err := o.executor.Prepare(graph.Definitions()); err != nil {
		o.abort(run, models.AbortInvalidGraph, err)
		return run, fmt.Errorf("prepare stages: %w", err)
	}
	if len(cohort) == 0 && o.requireNonEmpty {
		o.abort(run, models.AbortEmptyCohort, models.ErrEmptyCohort)
		return run, models.ErrEmptyCohort
	}

	runCtx, cancel := context.WithCancel(ctx)
	run.setCancel(cancel)
	o.emit(models.ProgressEvent{Type: models.EventRunStatus, RunID: run.ID, Status: string(models.RunRunning)})

	logger.Log.WithFields(map[string]interface{}{
		"run_id":      run.ID,
		"patients":    len(cohort),
		"stages":      graph.Len(),
		"concurrency": concurrency,
	}).Info("Trial run started")

	go func() {
		defer cancel()
		o.execute(runCtx, run)
	}()
	return run, nil
}

func (o *Orchestrator) abort(run *Run, reason models.AbortReason, err error) {
	status := models.RunStatus{State: models.RunAborted, Reason: reason}
	if err != nil {
		status.Detail = err.Error()
	}
	if run.finish(status) {
		o.emit(models.ProgressEvent{
			Type:    models.EventRunStatus,
			RunID:   run.ID,
			Status:  status.String(),
			Message: status.Detail,
		})
	}
	run.release()
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) {
	start := time.Now()
	sem := semaphore.NewWeighted(int64(run.Concurrency))

	var g errgroup.Group
	g.SetLimit(2 * run.Concurrency)
	for _, patient := range run.cohort {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.runPatient(ctx, run, sem, patient)
			return nil
		})
	}
	_ = g.Wait()

	status := o.finalStatus(ctx, run)
	if run.finish(status) {
		o.emit(models.ProgressEvent{Type: models.EventRunStatus, RunID: run.ID, Status: status.String()})
	}
	run.release()
	logger.Log.WithFields(map[string]interface{}{
		"run_id":      run.ID,
		"status":      status.String(),
		"cells":       run.table.Len(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Trial run finished")
}

func (o *Orchestrator) finalStatus(ctx context.Context, run *Run) models.RunStatus {
	if ctx.Err() != nil && run.table.Len() < run.expectedCells() {
		return models.RunStatus{State: models.RunAborted, Reason: models.AbortCancelled}
	}
	failures := 0
	for _, cell := range run.Cells() {
		if !cell.Result.IsSuccess() && !cell.Result.IsSkip() {
			failures++
		}
	}
	if failures > 0 {
		return models.RunStatus{State: models.RunCompletedWithFailures, Failures: failures}
	}
	return models.RunStatus{State: models.RunCompleted}
}

// runPatient walks the graph level by level. Stages within a level run
// concurrently; a level starts only after the previous one is recorded.
func (o *Orchestrator) runPatient(ctx context.Context, run *Run, sem *semaphore.Weighted, patient *models.PatientProfile) {
	for _, level := range run.graph.levels {
		if ctx.Err() != nil {
			return
		}
		if len(level) == 1 {
			o.runCell(ctx, run, sem, patient, level[0])
			continue
		}
		var wg sync.WaitGroup
		for _, name := range level {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runCell(ctx, run, sem, patient, name)
			}()
		}
		wg.Wait()
	}
}

func (o *Orchestrator) runCell(ctx context.Context, run *Run, sem *semaphore.Weighted, patient *models.PatientProfile, name string) {
	def, _ := run.graph.Stage(name)
	key := models.CellKey{PatientID: patient.ID, Stage: name}

	for _, dep := range run.graph.Dependencies(name) {
		upstream, ok := run.table.Get(models.CellKey{PatientID: patient.ID, Stage: dep})
		if !ok {
			// The dependency never ran because the run was cancelled.
			return
		}
		if !upstream.IsSuccess() {
			skip := models.Failed(models.FailureDependencySkipped,
				fmt.Sprintf("dependency %q failed: %s", dep, upstream.FailureKind()))
			if run.table.Insert(key, skip) {
				o.emit(models.ProgressEvent{
					Type:        models.EventStageSkipped,
					RunID:       run.ID,
					PatientID:   patient.ID,
					Stage:       name,
					Status:      string(models.ResultFailure),
					FailureKind: models.FailureDependencySkipped,
					Message:     skip.Failure.Message,
				})
			}
			return
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	if ctx.Err() != nil {
		sem.Release(1)
		return
	}

	// The executor takes over the slot and releases it when the provider
	// call returns, even if the attempt was abandoned on timeout.
	o.emit(models.ProgressEvent{Type: models.EventStageStarted, RunID: run.ID, PatientID: patient.ID, Stage: name})
	result := o.executor.ExecuteHolding(ctx, def, BuildRequest(def, patient, run.table), sem)
	if !run.table.Insert(key, result) {
		return
	}

	event := models.ProgressEvent{
		Type:      models.EventStageCompleted,
		RunID:     run.ID,
		PatientID: patient.ID,
		Stage:     name,
		Status:    string(result.Status),
		Attempts:  result.Attempts,
	}
	if !result.IsSuccess() {
		event.Type = models.EventStageFailed
		event.FailureKind = result.FailureKind()
		event.Message = result.Failure.Message
	}
	o.emit(event)
}

func (o *Orchestrator) emit(event models.ProgressEvent) {
	if len(o.observers) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	o.observers.OnEvent(event)
}
