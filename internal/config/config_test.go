package config

import (
	"testing"
	"time"
)

func TestLoadRequiresEndpoints(t *testing.T) {
	t.Setenv("ETAB_IDENTITY_URL", "")
	t.Setenv("ETAB_API_BASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when endpoints are missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ETAB_IDENTITY_URL", "https://id.example/connect/token")
	t.Setenv("ETAB_API_BASE_URL", "https://api.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.MaxBatchSize != 10 {
		t.Fatalf("unexpected batch size: %d", cfg.MaxBatchSize)
	}
	if cfg.TokenSafetyMargin != 60*time.Second {
		t.Fatalf("unexpected safety margin: %v", cfg.TokenSafetyMargin)
	}
	if cfg.PollMaxAttempts != 5 {
		t.Fatalf("unexpected poll attempts: %d", cfg.PollMaxAttempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ETAB_IDENTITY_URL", "https://id.example/connect/token")
	t.Setenv("ETAB_API_BASE_URL", "https://api.example")
	t.Setenv("ETAB_MAX_BATCH_SIZE", "25")
	t.Setenv("ETAB_TOKEN_SAFETY_MARGIN", "2m")
	t.Setenv("ETAB_POLL_BACKOFF", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBatchSize != 25 {
		t.Fatalf("unexpected batch size: %d", cfg.MaxBatchSize)
	}
	if cfg.TokenSafetyMargin != 2*time.Minute {
		t.Fatalf("unexpected safety margin: %v", cfg.TokenSafetyMargin)
	}
	if cfg.PollInitialBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.PollInitialBackoff)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("ETAB_IDENTITY_URL", "https://id.example/connect/token")
	t.Setenv("ETAB_API_BASE_URL", "https://api.example")
	t.Setenv("ETAB_REFRESH_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
