package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synaptica-ai/trialsim/pkg/analytics/trial"
	"github.com/synaptica-ai/trialsim/pkg/common/config"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
	"github.com/synaptica-ai/trialsim/pkg/population"
	"github.com/synaptica-ai/trialsim/pkg/simulation"
)

func main() {
	var quiet bool
	rootCmd := &cobra.Command{
		Use:           "trial-simulator",
		Short:         "Simulate virtual clinical-trial cohorts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init()
			logger.Log.SetOutput(os.Stderr)
			if quiet {
				logger.Silence()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress logs")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(cohortCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case models.IsConfigurationError(err), models.IsCyclicGraphError(err):
		return 2
	case errors.Is(err, models.ErrRunCancelled):
		return 130
	}
	return 1
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64("seed", 0, "override the trial seed")
	cmd.Flags().Int("size", 0, "override the cohort size")
}

// trialPath falls back to TRIAL_CONFIG when no file argument is given.
func trialPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if path := config.Load().TrialConfigPath; path != "" {
		return path, nil
	}
	return "", models.NewConfigurationError("trial", "no trial file given and TRIAL_CONFIG is not set")
}

func loadConfig(cmd *cobra.Command, args []string) (*simulation.TrialConfig, error) {
	path, err := trialPath(args)
	if err != nil {
		return nil, err
	}
	cfg, err := simulation.LoadTrialConfig(path)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	if cmd.Flags().Changed("size") {
		cfg.Cohort.Size, _ = cmd.Flags().GetInt("size")
	}
	return cfg, cfg.Validate()
}

func runCmd() *cobra.Command {
	var csvPath string
	var riskFactors bool
	cmd := &cobra.Command{
		Use:   "run [trial.yaml]",
		Short: "Run a trial and print its summary as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			registry, err := simulation.BuildRegistry(cfg, config.Load())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, runErr := simulation.Simulate(ctx, cfg, registry, pipeline.LogObserver{})
			if runErr != nil && result == nil {
				return runErr
			}
			if csvPath != "" {
				if err := writeCSV(csvPath, result.Run); err != nil {
					return err
				}
			}
			out := struct {
				Population  models.PopulationSummary    `json:"population"`
				Summary     models.TrialSummary         `json:"summary"`
				RiskFactors map[string]trial.RiskReport `json:"risk_factors,omitempty"`
			}{Population: result.Population, Summary: result.Summary}
			if riskFactors {
				out.RiskFactors = fitRiskFactors(result.Run)
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the result table to this CSV file")
	cmd.Flags().BoolVar(&riskFactors, "risk-factors", false, "fit patient covariates against interaction and adverse event outcomes")
	return cmd
}

func fitRiskFactors(run *pipeline.Run) map[string]trial.RiskReport {
	reports := map[string]trial.RiskReport{}
	for _, def := range run.Graph().Definitions() {
		if def.Kind != models.StageInteraction && def.Kind != models.StageAdverseEvent {
			continue
		}
		report, err := trial.RiskFactors(run, def.Name)
		if err != nil {
			logger.Log.WithError(err).WithField("stage", def.Name).Warn("Skipping risk factor analysis")
			continue
		}
		reports[def.Name] = report
	}
	return reports
}

func writeCSV(path string, run *pipeline.Run) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := trial.WriteCSV(f, run); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [trial.yaml]",
		Short: "Check a trial configuration and print its execution levels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := trialPath(args)
			if err != nil {
				return err
			}
			cfg, err := simulation.LoadTrialConfig(path)
			if err != nil {
				return err
			}
			graph, err := cfg.Graph()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "trial %q: %d patients, %d stages, provider %s\n",
				cfg.Name, cfg.Cohort.Size, graph.Len(), cfg.Provider.Type)
			for i, level := range graph.Levels() {
				fmt.Fprintf(w, "  level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}
}

func cohortCmd() *cobra.Command {
	var patients bool
	cmd := &cobra.Command{
		Use:   "cohort [trial.yaml]",
		Short: "Synthesize the trial cohort without running any stage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			cohort, err := population.Generate(cfg.Cohort.Size, cfg.Cohort.Distributions.Config, cfg.Seed)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !patients {
				return printJSON(w, population.Summarize(cohort))
			}
			enc := json.NewEncoder(w)
			for _, p := range cohort {
				if err := enc.Encode(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().BoolVar(&patients, "patients", false, "print every patient profile as a JSON line")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
