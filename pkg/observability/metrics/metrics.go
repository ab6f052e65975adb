package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

var failureKinds = []models.FailureKind{
	models.FailureTimeout,
	models.FailureInvalidOutput,
	models.FailureDependencySkipped,
	models.FailureRateLimited,
	models.FailureTransient,
	models.FailureUnavailable,
}

// Recorder counts progress events. It is safe for concurrent use and is
// meant to be registered as a pipeline observer.
type Recorder struct {
	stagesStarted   atomic.Int64
	stagesSucceeded atomic.Int64
	stagesFailed    atomic.Int64
	stageAttempts   atomic.Int64
	failures        [6]atomic.Int64

	runsStarted      atomic.Int64
	runsActive       atomic.Int64
	runsCompleted    atomic.Int64
	runsWithFailures atomic.Int64
	runsAborted      atomic.Int64
}

var Default = &Recorder{}

func (r *Recorder) OnEvent(event models.ProgressEvent) {
	switch event.Type {
	case models.EventStageStarted:
		r.stagesStarted.Add(1)
	case models.EventStageCompleted:
		r.stagesSucceeded.Add(1)
		r.stageAttempts.Add(int64(event.Attempts))
	case models.EventStageFailed, models.EventStageSkipped:
		r.stagesFailed.Add(1)
		r.stageAttempts.Add(int64(event.Attempts))
		if i := failureIndex(event.FailureKind); i >= 0 {
			r.failures[i].Add(1)
		}
	case models.EventRunStatus:
		r.observeRun(event.Status)
	}
}

func (r *Recorder) observeRun(status string) {
	switch {
	case status == string(models.RunRunning):
		r.runsStarted.Add(1)
		r.runsActive.Add(1)
		return
	case status == string(models.RunCompleted):
		r.runsCompleted.Add(1)
	case strings.HasPrefix(status, string(models.RunCompletedWithFailures)):
		r.runsWithFailures.Add(1)
	case strings.HasPrefix(status, string(models.RunAborted)):
		r.runsAborted.Add(1)
		// Only cancellation aborts a run that was already running.
		if !strings.Contains(status, string(models.AbortCancelled)) {
			return
		}
	default:
		return
	}
	r.runsActive.Add(-1)
}

func failureIndex(kind models.FailureKind) int {
	for i, k := range failureKinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func (r *Recorder) Failures(kind models.FailureKind) int64 {
	if i := failureIndex(kind); i >= 0 {
		return r.failures[i].Load()
	}
	return 0
}

// FailureCounts returns failed cells keyed by failure kind.
func (r *Recorder) FailureCounts() map[string]int64 {
	out := make(map[string]int64, len(failureKinds))
	for i, kind := range failureKinds {
		out[string(kind)] = r.failures[i].Load()
	}
	return out
}

func (r *Recorder) ActiveRuns() int64 {
	return r.runsActive.Load()
}

// Render writes the counters in the Prometheus text exposition format.
func (r *Recorder) Render(w io.Writer) {
	metric := func(name, kind, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %d\n", name, value)
	}
	metric("trialsim_stage_invocations_started_total", "counter", "Stage invocations started.", r.stagesStarted.Load())
	metric("trialsim_stage_cells_succeeded_total", "counter", "Cells recorded as success.", r.stagesSucceeded.Load())
	metric("trialsim_stage_cells_failed_total", "counter", "Cells recorded as failure, including dependency skips.", r.stagesFailed.Load())
	metric("trialsim_stage_attempts_total", "counter", "Provider attempts spent on recorded cells.", r.stageAttempts.Load())

	fmt.Fprintf(w, "# HELP trialsim_stage_failures_total Failed cells by failure kind.\n")
	fmt.Fprintf(w, "# TYPE trialsim_stage_failures_total counter\n")
	for i, kind := range failureKinds {
		fmt.Fprintf(w, "trialsim_stage_failures_total{kind=%q} %d\n", kind, r.failures[i].Load())
	}

	metric("trialsim_runs_started_total", "counter", "Trial runs started.", r.runsStarted.Load())
	metric("trialsim_runs_active", "gauge", "Trial runs currently executing.", r.runsActive.Load())
	metric("trialsim_runs_completed_total", "counter", "Trial runs completed without failures.", r.runsCompleted.Load())
	metric("trialsim_runs_completed_with_failures_total", "counter", "Trial runs completed with failed cells.", r.runsWithFailures.Load())
	metric("trialsim_runs_aborted_total", "counter", "Trial runs aborted.", r.runsAborted.Load())
}

// WritePrometheus serves the default recorder.
func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	Default.Render(w)
}
