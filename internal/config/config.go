package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the service, read once at startup.
type Config struct {
	Port string

	// Authority endpoints.
	IdentityServiceURL string
	InvoicingBaseURL   string

	// Submission journal; empty DSN selects the in-memory journal.
	PostgresDSN string

	MaxBatchSize       int
	TokenSafetyMargin  time.Duration
	RefreshTimeout     time.Duration
	PollInitialBackoff time.Duration
	PollMaxAttempts    int

	// Outbound throttle towards the authority.
	RemoteRatePerSecond float64
	RemoteRateBurst     int
}

// Load reads configuration from ETAB_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                envOr("ETAB_PORT", "8080"),
		IdentityServiceURL:  os.Getenv("ETAB_IDENTITY_URL"),
		InvoicingBaseURL:    os.Getenv("ETAB_API_BASE_URL"),
		PostgresDSN:         os.Getenv("ETAB_PG_DSN"),
		MaxBatchSize:        10,
		TokenSafetyMargin:   60 * time.Second,
		RefreshTimeout:      30 * time.Second,
		PollInitialBackoff:  time.Second,
		PollMaxAttempts:     5,
		RemoteRatePerSecond: 10,
		RemoteRateBurst:     5,
	}

	if cfg.IdentityServiceURL == "" {
		return nil, fmt.Errorf("ETAB_IDENTITY_URL environment variable is required")
	}
	if cfg.InvoicingBaseURL == "" {
		return nil, fmt.Errorf("ETAB_API_BASE_URL environment variable is required")
	}

	var err error
	if cfg.MaxBatchSize, err = envInt("ETAB_MAX_BATCH_SIZE", cfg.MaxBatchSize); err != nil {
		return nil, err
	}
	if cfg.PollMaxAttempts, err = envInt("ETAB_POLL_MAX_ATTEMPTS", cfg.PollMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.RemoteRateBurst, err = envInt("ETAB_REMOTE_RATE_BURST", cfg.RemoteRateBurst); err != nil {
		return nil, err
	}
	if cfg.TokenSafetyMargin, err = envDuration("ETAB_TOKEN_SAFETY_MARGIN", cfg.TokenSafetyMargin); err != nil {
		return nil, err
	}
	if cfg.RefreshTimeout, err = envDuration("ETAB_REFRESH_TIMEOUT", cfg.RefreshTimeout); err != nil {
		return nil, err
	}
	if cfg.PollInitialBackoff, err = envDuration("ETAB_POLL_BACKOFF", cfg.PollInitialBackoff); err != nil {
		return nil, err
	}
	if v := os.Getenv("ETAB_REMOTE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("ETAB_REMOTE_RATE: %w", err)
		}
		cfg.RemoteRatePerSecond = f
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
