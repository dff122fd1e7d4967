package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_InvalidConfigReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  batch_size: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := run(path, "")
	if err == nil || !strings.Contains(err.Error(), "batch_size") {
		t.Fatalf("run() error = %v, want batch_size validation error", err)
	}
}
