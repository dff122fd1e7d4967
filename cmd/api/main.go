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

	"github.com/gin-gonic/gin"

	"github.com/dvloznov/fraud-tracker/internal/api"
	"github.com/dvloznov/fraud-tracker/internal/app"
	"github.com/dvloznov/fraud-tracker/internal/config"
	"github.com/dvloznov/fraud-tracker/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("FRAUD_CONFIG"), "Path to a config file (yaml, json or toml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log := logger.New()
		log.Error().Err(err).Msg("API server failed")
		os.Exit(1)
	}
}

// run owns every resource so deferred cleanup happens on all exit paths.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logger.NewForService("api", cfg.Log.Level, cfg.Log.Format)
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, "api", log)
	if err != nil {
		return fmt.Errorf("initialising components: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release resources")
		}
	}()

	// Score jobs from /api/admin/import are consumed in this process; rows
	// whose job is lost are picked up by the worker's backlog poll.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if err := a.Queue.Start(workerCtx, a.Backlog.ScoreJobHandler()); err != nil {
		return fmt.Errorf("starting job consumer: %w", err)
	}

	im, err := a.Importer(ctx, false, true)
	if err != nil {
		return fmt.Errorf("initialising importer: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Transactions: a.Store,
		Ingester:     a.Ingester,
		Recorder:     a.Recorder,
		Settings:     a.Settings,
		Importer:     im,
		Jobs:         a.JobStore,
		Metrics:      a.Metrics.Handler(),
		AdminToken:   cfg.Server.AdminToken,
		Log:          log,
	})

	if cfg.Server.AdminToken == "" {
		log.Warn().Msg("No admin token configured - admin endpoints are disabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Info().Msg("Shutting down server...")
	case err := <-serveErr:
		runErr = fmt.Errorf("serving http: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancelWorker()
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
	return runErr
}
