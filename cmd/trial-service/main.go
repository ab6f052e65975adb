package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/trialsim/pkg/common/config"
	"github.com/synaptica-ai/trialsim/pkg/common/database"
	"github.com/synaptica-ai/trialsim/pkg/common/kafka"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/gateway/middleware"
	"github.com/synaptica-ai/trialsim/pkg/gateway/routes"
	"github.com/synaptica-ai/trialsim/pkg/inference"
	"github.com/synaptica-ai/trialsim/pkg/observability/metrics"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
	"github.com/synaptica-ai/trialsim/pkg/simulation"
	"github.com/synaptica-ai/trialsim/pkg/storage"
)

func main() {
	logger.Init()
	cfg := config.Load()

	baseCtx, stopTrials := context.WithCancel(context.Background())
	defer stopTrials()

	observers := []pipeline.Observer{pipeline.LogObserver{}, metrics.Default}
	opts := []simulation.ManagerOption{
		simulation.WithMaxPatients(cfg.MaxPatientsPerTrial),
		simulation.WithRetention(cfg.TrialRetention),
	}
	var history routes.StageHistory

	if cfg.PostgresEnabled {
		db, err := database.NewPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to initialize PostgreSQL")
		}
		defer database.ClosePostgres(db)
		repo := storage.NewRunRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate trial tables")
		}
		opts = append(opts, simulation.WithRunStore(repo))
		history = repo
	}

	if cfg.RedisEnabled {
		client, err := database.NewRedis(baseCtx, cfg)
		if err != nil {
			logger.Log.WithError(err).Warn("Redis unavailable, summaries will not be cached")
		} else {
			defer client.Close()
			opts = append(opts, simulation.WithSummaryCache(storage.NewSummaryCache(client, cfg.SummaryCacheTTL)))
		}
	}

	if cfg.KafkaEnabled {
		publisher := kafka.NewProgressPublisher(kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaProgressTopic), cfg.ProgressBuffer)
		defer publisher.Close()
		observers = append(observers, publisher)
	}
	opts = append(opts, simulation.WithObservers(observers...))

	registries := func(trial *simulation.TrialConfig) (*inference.Registry, error) {
		if trial.Provider.RateLimitRPS == 0 && cfg.ProviderRateLimitRPS > 0 {
			trial.Provider.RateLimitRPS = cfg.ProviderRateLimitRPS
			trial.Provider.Burst = cfg.ProviderRateLimitBurst
		}
		if trial.Pipeline.Concurrency == 0 {
			trial.Pipeline.Concurrency = cfg.DefaultConcurrency
		}
		return simulation.BuildRegistry(trial, cfg)
	}
	manager := simulation.NewManager(baseCtx, cfg.MaxConcurrentTrials, registries, opts...)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	routes.NewMetricsHandler(metrics.Default).Register(router)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	routes.NewTrialHandler(manager, history).Register(apiRouter)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":       cfg.ServerHost,
			"port":       cfg.ServerPort,
			"postgres":   cfg.PostgresEnabled,
			"redis":      cfg.RedisEnabled,
			"kafka":      cfg.KafkaEnabled,
			"max_trials": cfg.MaxConcurrentTrials,
		}).Info("Trial Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Trial Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Warn("Trials still running at shutdown")
	}

	logger.Log.Info("Trial Service stopped")
}
