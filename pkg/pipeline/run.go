package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synaptica-ai/trialsim/pkg/common/models"
)

// Run is one execution of a stage graph over a cohort. Its result table is
// the single source of truth; everything else is derived from it.
type Run struct {
	ID          string
	Name        string
	Concurrency int
	CreatedAt   time.Time

	cohort       []*models.PatientProfile
	graph        *Graph
	table        *ResultTable
	patientOrder map[string]int

	mu         sync.RWMutex
	status     models.RunStatus
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

func newRun(name string, cohort []*models.PatientProfile, graph *Graph, concurrency int) *Run {
	order := make(map[string]int, len(cohort))
	for i, p := range cohort {
		order[p.ID] = i
	}
	return &Run{
		ID:           uuid.New().String(),
		Name:         name,
		Concurrency:  concurrency,
		CreatedAt:    time.Now().UTC(),
		cohort:       cohort,
		graph:        graph,
		table:        NewResultTable(),
		patientOrder: order,
		status:       models.RunStatus{State: models.RunRunning},
		done:         make(chan struct{}),
	}
}

func (r *Run) Status() models.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// finish moves the run to a terminal status. Terminal statuses are final; a
// second call is ignored and reports false. Waiters are released by release.
func (r *Run) finish(status models.RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = status
	r.finishedAt = time.Now().UTC()
	return true
}

func (r *Run) release() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Run) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

func (r *Run) Cohort() []*models.PatientProfile {
	return r.cohort
}

func (r *Run) Graph() *Graph {
	return r.graph
}

// Cells returns a snapshot of the result table ordered by patient and then
// topological stage position.
func (r *Run) Cells() []models.Cell {
	var stageOrder map[string]int
	if r.graph != nil {
		stageOrder = r.graph.position
	}
	return r.table.Snapshot(r.patientOrder, stageOrder)
}

func (r *Run) Result(patientID, stage string) (models.StageResult, bool) {
	return r.table.Get(models.CellKey{PatientID: patientID, Stage: stage})
}

// Done is closed once the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run is terminal and returns its final status.
func (r *Run) Wait() models.RunStatus {
	<-r.done
	return r.Status()
}

// Cancel requests cooperative cancellation. No new stage invocations start;
// invocations already in flight complete or time out normally.
func (r *Run) Cancel() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

// expectedCells is the table size of a run that finished every cell.
func (r *Run) expectedCells() int {
	if r.graph == nil {
		return 0
	}
	return len(r.cohort) * r.graph.Len()
}
