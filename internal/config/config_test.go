package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/csms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.Worker.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want 1s", cfg.Worker.TickInterval)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.RequestTopic != "command-requests" {
		t.Errorf("RequestTopic = %q", cfg.Worker.RequestTopic)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no database url is set")
	}
}

func TestLoadFallsBackToPGDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "postgres://localhost/fallback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/fallback" {
		t.Errorf("DatabaseURL = %q, want the PG_DSN value", cfg.DatabaseURL)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/csms")
	t.Setenv("WORKER_BATCH_SIZE", "50")
	t.Setenv("WORKER_LOCK_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Worker.BatchSize)
	}
	if cfg.Worker.LockTTL != 90*time.Second {
		t.Errorf("LockTTL = %v, want 90s", cfg.Worker.LockTTL)
	}
}

func TestLoadYAMLOverlayWins(t *testing.T) {
	overlay := `
worker:
  batchSize: 7
  lockTTL: 45s
  requestTopic: custom-requests
`
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/csms")
	t.Setenv("WORKER_BATCH_SIZE", "50")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want the overlay value 7", cfg.Worker.BatchSize)
	}
	if cfg.Worker.LockTTL != 45*time.Second {
		t.Errorf("LockTTL = %v, want 45s", cfg.Worker.LockTTL)
	}
	if cfg.Worker.RequestTopic != "custom-requests" {
		t.Errorf("RequestTopic = %q", cfg.Worker.RequestTopic)
	}
	// Untouched fields keep their environment defaults.
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Worker.MaxAttempts)
	}
}
