package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"guardian-checkin-service/pkg/config"
	"guardian-checkin-service/pkg/engine"
	"guardian-checkin-service/pkg/events"
	"guardian-checkin-service/pkg/handlers"
	"guardian-checkin-service/pkg/metrics"
	"guardian-checkin-service/pkg/server"
	"guardian-checkin-service/pkg/store"
	"guardian-checkin-service/pkg/stream"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("instance_id", cfg.InstanceID).Info("Starting safety check-in service")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	emitter := events.NewEmitter(logger)
	sessions := store.New(cfg)

	// Event journaling is optional; without Redis the engine still runs,
	// it just stops mirroring events to the stream.
	var journal *stream.Publisher
	if cfg.RedisURL != "" {
		rdb, err := stream.Connect(cfg.RedisURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		journal = stream.NewPublisher(rdb, cfg.EventStream, cfg.EventStreamMaxLen, logger)
	}

	eng := engine.New(sessions, emitter, journal, cfg, logger, m)
	handler := handlers.NewHandler(eng, sessions, emitter, logger)
	srv := server.NewHTTPServer(cfg, handler, logger)

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}
	eng.Stop()

	logger.Info("Shutdown complete")
}
