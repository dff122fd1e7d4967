package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/config"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("FRAUD_CONFIG"), "Path to a config file (yaml, json or toml)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address to serve /metrics on (empty to disable)")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		log := logger.New()
		log.Error().Err(err).Msg("Worker service failed")
		os.Exit(1)
	}
}

// run owns every resource so deferred cleanup happens on all exit paths.
func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.NewForService("worker", cfg.Log.Level, cfg.Log.Format)
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg, "worker", log)
	if err != nil {
		return fmt.Errorf("initialising components: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release resources")
		}
	}()

	log.Info().Msg("Starting worker service")

	if err := a.Queue.Start(ctx, a.Backlog.ScoreJobHandler()); err != nil {
		return fmt.Errorf("starting job consumer: %w", err)
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Backlog.Run(ctx, cfg.Worker.Interval, cfg.Worker.BatchSize)
	}()

	log.Info().
		Dur("interval", cfg.Worker.Interval).
		Int("batch_size", cfg.Worker.BatchSize).
		Msg("Worker service started, polling for unscored transactions")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Backlog run did not stop before the shutdown deadline")
	}

	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	log.Info().Msg("Worker service exited")
	return nil
}
