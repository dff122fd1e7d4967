// Package app builds the shared component graph for the api, worker and cli
// binaries from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/config"
	"github.com/dvloznov/fraud-tracker/internal/events"
	infraBQ "github.com/dvloznov/fraud-tracker/internal/infra/bigquery"
	"github.com/dvloznov/fraud-tracker/internal/infra/postgres"
	"github.com/dvloznov/fraud-tracker/internal/importer"
	"github.com/dvloznov/fraud-tracker/internal/jobs"
	"github.com/dvloznov/fraud-tracker/internal/jobs/inmemory"
	"github.com/dvloznov/fraud-tracker/internal/lock"
	"github.com/dvloznov/fraud-tracker/internal/metrics"
	"github.com/dvloznov/fraud-tracker/internal/migrate"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/review"
	"github.com/dvloznov/fraud-tracker/internal/reviewsync"
	"github.com/dvloznov/fraud-tracker/internal/scoring"
	"github.com/dvloznov/fraud-tracker/internal/store"
	"github.com/dvloznov/fraud-tracker/internal/store/memory"
	"github.com/dvloznov/fraud-tracker/internal/worker"
)

const lockPrefix = "fraud:ingest-lock:"

// ErrNoMigrations is returned by Migrate for backends without a schema.
var ErrNoMigrations = errors.New("store has no migrations")

// App holds every long-lived component. Close releases them in reverse order.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	Store     store.TransactionStore
	Settings  *config.RiskSettings
	Metrics   *metrics.Metrics
	Publisher events.Publisher
	Locker    lock.Locker
	Assessor  *pipeline.Assessor
	Ingester  *pipeline.Ingester
	Backlog   *worker.Backlog
	Recorder  *review.Recorder
	JobStore  *inmemory.Store
	Queue     *inmemory.Queue

	closers []func() error
}

// New wires the components for service. Connections are opened eagerly so
// misconfiguration surfaces at startup.
func New(ctx context.Context, cfg *config.Config, service string, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	settings, err := config.NewRiskSettings(cfg.Risk.FlagThreshold)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	a.Settings = settings
	a.Metrics = metrics.New(service)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	primary, err := newPrimaryScorer(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		a.Locker = lock.NewRedis(client, lockPrefix)
	}

	a.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		a.closers = append(a.closers, kp.Close)
		a.Publisher = kp
	}

	history := pipeline.NewHistoryProvider(a.Store, cfg.Pipeline.HistoryLimit)
	a.Assessor = pipeline.NewAssessor(history, scoring.NewResilient(primary, a.Metrics), pipeline.NewPolicy(nil))
	a.Ingester = pipeline.NewIngester(a.Store, a.Assessor, a.Locker, a.Settings, a.Publisher, a.Metrics, pipeline.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		LockTTL:     cfg.Pipeline.LockTTL,
	})
	a.Backlog = worker.NewBacklog(a.Store, a.Assessor, a.Settings, a.Publisher, a.Metrics, cfg.Worker.ClaimTTL)
	a.Recorder = review.NewRecorder(a.Store, a.Publisher, a.Metrics)

	a.JobStore = inmemory.NewStore()
	a.Queue = inmemory.NewQueue(a.JobStore, inmemory.QueueOptions{})
	a.closers = append(a.closers, a.Queue.Close)

	log.Info().
		Str("service", service).
		Str("store", cfg.Store.Driver).
		Str("scorer", cfg.Scorer.Backend).
		Bool("redis_locks", cfg.Redis.Addr != "").
		Bool("kafka_events", len(cfg.Kafka.Brokers) > 0).
		Int("threshold", settings.Threshold()).
		Msg("Components initialised")

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.Open(cfg.Postgres.DSN, postgres.Options{
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.Store = s
	case "bigquery":
		s, err := infraBQ.NewStore(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
		if err != nil {
			return fmt.Errorf("New: %w", err)
		}
		a.Store = s
	default:
		a.Store = memory.NewStore()
	}
	a.closers = append(a.closers, a.Store.Close)
	return nil
}

// newPrimaryScorer returns nil for the "none" backend so every call takes the
// fallback rules.
func newPrimaryScorer(ctx context.Context, cfg *config.Config) (scoring.Scorer, error) {
	switch cfg.Scorer.Backend {
	case "gemini":
		g, err := scoring.NewGeminiScorer(ctx, cfg.Gemini.Model, cfg.Scorer.Timeout)
		if err != nil {
			return nil, fmt.Errorf("New: %w", err)
		}
		return g, nil
	case "none":
		return nil, nil
	default:
		return scoring.NewRemoteScorer(cfg.Scorer.URL, cfg.Scorer.Timeout, scoring.WithBreaker(scoring.BreakerSettings{
			MaxFailures: cfg.Scorer.Breaker.MaxFailures,
			OpenTimeout: cfg.Scorer.Breaker.OpenTimeout,
		})), nil
	}
}

// Importer builds a bulk importer. With enqueue, every imported row gets a
// score job on the app queue; only processes that consume the queue should
// ask for that. A GCS client is created only when a bucket is configured or
// gcs is true.
func (a *App) Importer(ctx context.Context, gcs, enqueue bool) (*importer.Importer, error) {
	src := importer.MultiSource{Local: importer.FileSource{}}
	if gcs || a.Config.GCS.Bucket != "" {
		g, err := importer.NewGCSSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("Importer: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		src.GCS = g
	}
	var publisher jobs.Publisher
	if enqueue {
		publisher = a.Queue
	}
	return importer.New(src, a.Store, publisher, a.Metrics), nil
}

// ReviewSyncer builds the Notion review-board syncer.
func (a *App) ReviewSyncer() (*reviewsync.Syncer, error) {
	token := a.Config.Notion.Token
	dbID := a.Config.Notion.DatabaseID
	if token == "" || dbID == "" {
		return nil, fmt.Errorf("ReviewSyncer: notion.token and notion.database_id are required")
	}
	return reviewsync.NewSyncer(a.Store, a.Recorder, reviewsync.NewNotionClient(token), dbID), nil
}

// Migrate applies the embedded migrations for the configured store.
func (a *App) Migrate(ctx context.Context) (int, error) {
	appliedBy := os.Getenv("USER")
	if appliedBy == "" {
		appliedBy = "fraud-tracker"
	}

	switch s := a.Store.(type) {
	case *postgres.Store:
		ms, err := migrate.Embedded(migrate.BackendPostgres, nil)
		if err != nil {
			return 0, err
		}
		return migrate.Apply(ctx, migrate.NewPostgresRunner(s.DB()), ms, appliedBy)
	case *infraBQ.Store:
		cfg := a.Config.BigQuery
		ms, err := migrate.Embedded(migrate.BackendBigQuery, map[string]string{
			"PROJECT_ID": cfg.ProjectID,
			"DATASET_ID": cfg.DatasetID,
		})
		if err != nil {
			return 0, err
		}
		return migrate.Apply(ctx, migrate.NewBigQueryRunner(s.Client(), cfg.ProjectID, cfg.DatasetID), ms, appliedBy)
	}
	return 0, fmt.Errorf("Migrate: %s: %w", a.Config.Store.Driver, ErrNoMigrations)
}

// Close releases every opened resource, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
