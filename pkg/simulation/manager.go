package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/trialsim/pkg/analytics/trial"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
	"github.com/synaptica-ai/trialsim/pkg/population"
	"github.com/synaptica-ai/trialsim/pkg/storage"
)

var (
	ErrTrialNotFound = errors.New("trial not found")
	ErrAtCapacity    = errors.New("maximum number of concurrent trials reached")
)

const persistTimeout = 30 * time.Second

// RunStore persists terminal runs. storage.RunRepository implements it.
type RunStore interface {
	SaveRun(ctx context.Context, run *pipeline.Run, summary models.TrialSummary) error
	LoadSummary(ctx context.Context, runID string) (models.TrialSummary, error)
	LoadCells(ctx context.Context, runID string) ([]models.Cell, error)
	List(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

// SummaryCache holds terminal summaries. storage.SummaryCache implements it.
type SummaryCache interface {
	Get(ctx context.Context, runID string) (models.TrialSummary, bool, error)
	Set(ctx context.Context, summary models.TrialSummary) error
}

// RegistryFactory builds the inference providers for one trial.
type RegistryFactory func(cfg *TrialConfig) (*inference.Registry, error)

// Trial is a run started by the Manager.
type Trial struct {
	Config     *TrialConfig
	Run        *pipeline.Run
	Population models.PopulationSummary
}

func (t *Trial) Record() storage.RunRecord {
	rec := storage.RunRecord{
		ID:         t.Run.ID,
		Name:       t.Run.Name,
		Status:     t.Run.Status(),
		CohortSize: len(t.Run.Cohort()),
		CreatedAt:  t.Run.CreatedAt,
	}
	if g := t.Run.Graph(); g != nil {
		rec.Stages = g.Order()
	}
	if finished := t.Run.FinishedAt(); !finished.IsZero() {
		rec.FinishedAt = &finished
	}
	return rec
}

type ManagerOption func(*Manager)

func WithRunStore(store RunStore) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

func WithSummaryCache(cache SummaryCache) ManagerOption {
	return func(m *Manager) {
		m.cache = cache
	}
}

func WithObservers(observers ...pipeline.Observer) ManagerOption {
	return func(m *Manager) {
		m.observers = append(m.observers, observers...)
	}
}

// WithMaxPatients rejects trials whose cohort is larger than n.
func WithMaxPatients(n int) ManagerOption {
	return func(m *Manager) {
		m.maxPatients = n
	}
}

// WithRetention keeps a finished trial in memory for d after it has been
// persisted, then drops it; later reads are served by the cache and store.
// Trials that were not persisted are never dropped.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retention = d
	}
}

// Manager runs trials in the background. At most maxTrials run at once;
// further starts are rejected with ErrAtCapacity rather than queued.
type Manager struct {
	ctx         context.Context
	registries  RegistryFactory
	workerSem   chan struct{}
	store       RunStore
	cache       SummaryCache
	observers   []pipeline.Observer
	maxPatients int
	retention   time.Duration

	mu     sync.RWMutex
	trials map[string]*Trial
	wg     sync.WaitGroup
}

// NewManager ties every trial to ctx; cancelling it cancels all trials.
func NewManager(ctx context.Context, maxTrials int, registries RegistryFactory, opts ...ManagerOption) *Manager {
	if maxTrials <= 0 {
		maxTrials = 1
	}
	m := &Manager{
		ctx:        ctx,
		registries: registries,
		workerSem:  make(chan struct{}, maxTrials),
		trials:     make(map[string]*Trial),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates cfg, synthesizes the cohort and starts the run. It returns
// as soon as the run is executing.
func (m *Manager) Start(cfg *TrialConfig) (*Trial, error) {
	select {
	case m.workerSem <- struct{}{}:
	default:
		return nil, ErrAtCapacity
	}
	release := func() { <-m.workerSem }

	if m.maxPatients > 0 && cfg.Cohort.Size > m.maxPatients {
		release()
		return nil, models.NewConfigurationError("cohort.size", "must not exceed %d, got %d", m.maxPatients, cfg.Cohort.Size)
	}
	if err := cfg.Validate(); err != nil {
		release()
		return nil, err
	}
	registry, err := m.registries(cfg)
	if err != nil {
		release()
		return nil, err
	}
	p, err := prepare(cfg, registry, m.observers)
	if err != nil {
		release()
		return nil, err
	}
	run, err := p.orchestrator.Start(m.ctx, p.cohort, p.graph, p.options)
	if err != nil {
		release()
		return nil, err
	}

	t := &Trial{Config: cfg, Run: run, Population: population.Summarize(p.cohort)}
	m.mu.Lock()
	m.trials[run.ID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.finish(t, release)
	return t, nil
}

func (m *Manager) finish(t *Trial, release func()) {
	defer m.wg.Done()
	defer release()

	status := t.Run.Wait()
	summary := trial.Aggregate(t.Run)
	log := logger.Log.WithFields(map[string]interface{}{
		"run_id": t.Run.ID,
		"status": status.String(),
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), persistTimeout)
	defer cancel()
	persisted := false
	if m.store != nil {
		if err := m.store.SaveRun(ctx, t.Run, summary); err != nil {
			log.WithError(err).Error("Failed to persist trial run")
		} else {
			persisted = true
		}
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, summary); err != nil {
			log.WithError(err).Warn("Failed to cache trial summary")
		}
	}
	if !persisted {
		return
	}
	if m.retention <= 0 {
		m.evict(t.Run.ID)
		return
	}
	time.AfterFunc(m.retention, func() { m.evict(t.Run.ID) })
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.trials, id)
	m.mu.Unlock()
	logger.Log.WithField("run_id", id).Debug("Evicted persisted trial from memory")
}

func (m *Manager) Get(id string) (*Trial, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trials[id]
	return t, ok
}

// Summary aggregates a live trial on demand. Trials from earlier service
// lifetimes are served from the cache and then the store.
func (m *Manager) Summary(ctx context.Context, id string) (models.TrialSummary, error) {
	if t, ok := m.Get(id); ok {
		return trial.Aggregate(t.Run), nil
	}
	if m.cache != nil {
		summary, ok, err := m.cache.Get(ctx, id)
		if err != nil {
			logger.Log.WithError(err).WithField("run_id", id).Warn("Summary cache lookup failed")
		} else if ok {
			return summary, nil
		}
	}
	if m.store == nil {
		return models.TrialSummary{}, ErrTrialNotFound
	}
	summary, err := m.store.LoadSummary(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		return models.TrialSummary{}, ErrTrialNotFound
	}
	if err != nil {
		return models.TrialSummary{}, fmt.Errorf("load summary: %w", err)
	}
	if m.cache != nil {
		_ = m.cache.Set(ctx, summary)
	}
	return summary, nil
}

// Cells returns the result table of a live or persisted trial.
func (m *Manager) Cells(ctx context.Context, id string) ([]models.Cell, error) {
	if t, ok := m.Get(id); ok {
		return t.Run.Cells(), nil
	}
	if m.store == nil {
		return nil, ErrTrialNotFound
	}
	if _, err := m.Summary(ctx, id); err != nil {
		return nil, err
	}
	return m.store.LoadCells(ctx, id)
}

// RiskFactors regresses a stage outcome on patient covariates. Patient
// profiles are kept in memory only, so trials already evicted after
// persistence are not eligible.
func (m *Manager) RiskFactors(id, stageName string) (trial.RiskReport, error) {
	t, ok := m.Get(id)
	if !ok {
		return trial.RiskReport{}, ErrTrialNotFound
	}
	return trial.RiskFactors(t.Run, stageName)
}

// Cancel requests cooperative cancellation of a live trial.
func (m *Manager) Cancel(id string) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrTrialNotFound
	}
	t.Run.Cancel()
	return nil
}

// List returns live trials followed by persisted ones, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	records := make([]storage.RunRecord, 0, len(m.trials))
	seen := make(map[string]bool, len(m.trials))
	for id, t := range m.trials {
		records = append(records, t.Record())
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.store != nil {
		persisted, err := m.store.List(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("list persisted trials: %w", err)
		}
		for _, rec := range persisted {
			if !seen[rec.ID] {
				records = append(records, rec)
			}
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Shutdown cancels every live trial and waits until each has been persisted
// or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, t := range m.trials {
		t.Run.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
