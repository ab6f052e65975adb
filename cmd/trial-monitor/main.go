package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/trialsim/pkg/common/config"
	"github.com/synaptica-ai/trialsim/pkg/common/kafka"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/gateway/routes"
	"github.com/synaptica-ai/trialsim/pkg/observability/metrics"
	"github.com/synaptica-ai/trialsim/pkg/pipeline"
)

// trial-monitor follows the progress topic, logs run transitions and
// failures, and exposes the aggregated counters for scraping.
func main() {
	logger.Init()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := &metrics.Recorder{}
	observers := pipeline.Observers{recorder, pipeline.LogObserver{}}

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaProgressTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	routes.NewMetricsHandler(recorder).Register(router)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	logger.Log.WithFields(map[string]interface{}{
		"brokers": cfg.KafkaBrokers,
		"topic":   cfg.KafkaProgressTopic,
		"group":   cfg.KafkaGroupID,
		"port":    cfg.ServerPort,
	}).Info("Trial Monitor started")

	err := consumer.Consume(ctx, func(ctx context.Context, event models.Event) error {
		progress, err := kafka.DecodeProgress(event)
		if err != nil {
			logger.Log.WithError(err).Warn("Skipping undecodable progress event")
			return nil
		}
		observers.OnEvent(progress)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.WithError(err).Error("Progress consumer stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}
	logger.Log.Info("Trial Monitor stopped")
}
