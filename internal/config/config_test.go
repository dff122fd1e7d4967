package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Risk.FlagThreshold != 75 {
		t.Errorf("FlagThreshold = %d, want 75", cfg.Risk.FlagThreshold)
	}
	if cfg.Scorer.URL != "http://localhost:5000" {
		t.Errorf("Scorer.URL = %q", cfg.Scorer.URL)
	}
	if cfg.Pipeline.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Pipeline.HistoryLimit)
	}
	if cfg.Worker.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want 20", cfg.Worker.BatchSize)
	}
	if cfg.Scorer.Timeout != 3*time.Second {
		t.Errorf("Scorer.Timeout = %v, want 3s", cfg.Scorer.Timeout)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Setenv("RISK_FLAG_THRESHOLD", "60")
	t.Setenv("ML_SERVICE_URL", "http://ml:5000")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Risk.FlagThreshold != 60 {
		t.Errorf("FlagThreshold = %d, want 60", cfg.Risk.FlagThreshold)
	}
	if cfg.Scorer.URL != "http://ml:5000" {
		t.Errorf("Scorer.URL = %q", cfg.Scorer.URL)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("Redis.Addr = %q, want cache:6379", cfg.Redis.Addr)
	}
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("RISK_FLAG_THRESHOLD", "60")
	t.Setenv("FRAUD_RISK_FLAG_THRESHOLD", "80")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Risk.FlagThreshold != 80 {
		t.Errorf("FlagThreshold = %d, want 80", cfg.Risk.FlagThreshold)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
scorer:
  backend: none
  timeout: 500ms
worker:
  batch_size: 5
pipeline:
  concurrency: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scorer.Backend != "none" {
		t.Errorf("Scorer.Backend = %q, want none", cfg.Scorer.Backend)
	}
	if cfg.Scorer.Timeout != 500*time.Millisecond {
		t.Errorf("Scorer.Timeout = %v", cfg.Scorer.Timeout)
	}
	if cfg.Worker.BatchSize != 5 || cfg.Pipeline.Concurrency != 4 {
		t.Errorf("unexpected worker/pipeline config: %+v %+v", cfg.Worker, cfg.Pipeline)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold too high", func(c *Config) { c.Risk.FlagThreshold = 101 }},
		{"negative threshold", func(c *Config) { c.Risk.FlagThreshold = -1 }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"bigquery without project", func(c *Config) { c.Store.Driver = "bigquery" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"unknown scorer", func(c *Config) { c.Scorer.Backend = "grpc" }},
		{"zero timeout", func(c *Config) { c.Scorer.Timeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRiskSettings(t *testing.T) {
	s, err := NewRiskSettings(75)
	if err != nil {
		t.Fatalf("NewRiskSettings failed: %v", err)
	}
	if s.Threshold() != 75 {
		t.Errorf("Threshold = %d, want 75", s.Threshold())
	}
	if err := s.SetThreshold(101); err == nil {
		t.Error("expected error for threshold above 100")
	}
	if s.Threshold() != 75 {
		t.Errorf("rejected write changed threshold to %d", s.Threshold())
	}
	if err := s.SetThreshold(0); err != nil {
		t.Errorf("SetThreshold(0) failed: %v", err)
	}

	if _, err := NewRiskSettings(-5); err == nil {
		t.Error("expected error for negative threshold")
	}
}

func TestRiskSettings_ConcurrentAccess(t *testing.T) {
	s, _ := NewRiskSettings(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(v int) {
			defer wg.Done()
			_ = s.SetThreshold(v)
		}(i)
		go func() {
			defer wg.Done()
			if th := s.Threshold(); th < 0 || th > 100 {
				t.Errorf("observed invalid threshold %d", th)
			}
		}()
	}
	wg.Wait()
}
