package simulation

import (
	"context"

	"github.com/synaptica-ai/trialsim/pkg/analytics/trial"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
	"github.com/synaptica-ai/trialsim/pkg/population"
	"github.com/synaptica-ai/trialsim/pkg/stage"
)

// Result is everything one simulated trial produced.
type Result struct {
	Config     *TrialConfig
	Cohort     []*models.PatientProfile
	Population models.PopulationSummary
	Run        *pipeline.Run
	Summary    models.TrialSummary
}

type plan struct {
	cohort       []*models.PatientProfile
	graph        *pipeline.Graph
	orchestrator *pipeline.Orchestrator
	options      pipeline.Options
}

func prepare(cfg *TrialConfig, registry *inference.Registry, observers []pipeline.Observer) (*plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	graph, err := cfg.Graph()
	if err != nil {
		return nil, err
	}
	cohort, err := population.Generate(cfg.Cohort.Size, cfg.Cohort.Distributions.Config, cfg.Seed)
	if err != nil {
		return nil, err
	}

	opts := make([]pipeline.Option, 0, len(observers)+1)
	for _, obs := range observers {
		opts = append(opts, pipeline.WithObserver(obs))
	}
	if cfg.Cohort.RequireNonEmpty {
		opts = append(opts, pipeline.RequireNonEmptyCohort())
	}
	return &plan{
		cohort:       cohort,
		graph:        graph,
		orchestrator: pipeline.NewOrchestrator(stage.NewExecutor(registry), opts...),
		options:      pipeline.Options{Name: cfg.Name, Concurrency: cfg.Pipeline.Concurrency},
	}, nil
}

// Simulate synthesizes the cohort, runs the stage graph over it and
// aggregates the result table. A cancelled run still returns its partial
// Result together with models.ErrRunCancelled.
func Simulate(ctx context.Context, cfg *TrialConfig, registry *inference.Registry, observers ...pipeline.Observer) (*Result, error) {
	p, err := prepare(cfg, registry, observers)
	if err != nil {
		return nil, err
	}
	run, err := p.orchestrator.Run(ctx, p.cohort, p.graph, p.options)
	result := &Result{
		Config:     cfg,
		Cohort:     p.cohort,
		Population: population.Summarize(p.cohort),
		Run:        run,
	}
	if run != nil {
		result.Summary = trial.Aggregate(run)
	}
	return result, err
}
