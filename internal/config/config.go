package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FRAUD_SERVER_PORT.
const EnvPrefix = "FRAUD"

// Config is the full runtime configuration shared by the api, worker and cli binaries.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Notion   NotionConfig   `mapstructure:"notion"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type ServerConfig struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

// StoreConfig selects the persistence backend: memory, postgres or bigquery.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	DatasetID string `mapstructure:"dataset_id"`
}

// RedisConfig enables distributed ingestion locks when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig enables flag events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ScorerConfig selects the primary scoring backend: http, gemini or none.
type ScorerConfig struct {
	Backend string        `mapstructure:"backend"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type GeminiConfig struct {
	Model string `mapstructure:"model"`
}

type RiskConfig struct {
	FlagThreshold int `mapstructure:"flag_threshold"`
}

type PipelineConfig struct {
	HistoryLimit int           `mapstructure:"history_limit"`
	Concurrency  int           `mapstructure:"concurrency"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

type WorkerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	ClaimTTL  time.Duration `mapstructure:"claim_ttl"`
}

type NotionConfig struct {
	Token      string `mapstructure:"token"`
	DatabaseID string `mapstructure:"database_id"`
}

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset_id", "fraud")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "transaction-risk-events")
	v.SetDefault("scorer.backend", "http")
	v.SetDefault("scorer.url", "http://localhost:5000")
	v.SetDefault("scorer.timeout", 3*time.Second)
	v.SetDefault("scorer.breaker.max_failures", 5)
	v.SetDefault("scorer.breaker.open_timeout", 30*time.Second)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("risk.flag_threshold", 75)
	v.SetDefault("pipeline.history_limit", 50)
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.lock_ttl", 30*time.Second)
	v.SetDefault("worker.interval", 10*time.Second)
	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.claim_ttl", 2*time.Minute)
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.database_id", "")
	v.SetDefault("gcs.bucket", "")
}

// legacyEnv maps config keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"risk.flag_threshold": "RISK_FLAG_THRESHOLD",
	"scorer.url":          "ML_SERVICE_URL",
	"postgres.dsn":        "DATABASE_URL",
	"redis.addr":          "REDIS_URL",
	"notion.token":        "NOTION_TOKEN",
	"gcs.bucket":          "GCS_BUCKET",
}

// Load reads defaults, then the optional config file at path, then environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("Load: binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Load: reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	cfg.Redis.Addr = strings.TrimPrefix(cfg.Redis.Addr, "redis://")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	if err := validateThreshold(c.Risk.FlagThreshold); err != nil {
		return fmt.Errorf("Validate: risk.flag_threshold: %w", err)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("Validate: postgres.dsn is required for the postgres store")
		}
	case "bigquery":
		if c.BigQuery.ProjectID == "" {
			return fmt.Errorf("Validate: bigquery.project_id is required for the bigquery store")
		}
	default:
		return fmt.Errorf("Validate: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Scorer.Backend {
	case "http", "gemini", "none":
	default:
		return fmt.Errorf("Validate: unknown scorer.backend %q", c.Scorer.Backend)
	}
	if c.Scorer.Timeout <= 0 {
		return fmt.Errorf("Validate: scorer.timeout must be positive")
	}
	if c.Pipeline.HistoryLimit <= 0 {
		return fmt.Errorf("Validate: pipeline.history_limit must be positive")
	}
	if c.Pipeline.Concurrency < 1 {
		c.Pipeline.Concurrency = 1
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("Validate: worker.batch_size must be positive")
	}
	return nil
}
