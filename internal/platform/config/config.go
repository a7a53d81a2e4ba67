package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Session lifecycle policy. The extend window matches the institutions'
	// observed four-minute validity period.
	ExtendInterval    time.Duration `env:"EXTEND_INTERVAL" default:"4m"`
	ExtendGrace       time.Duration `env:"EXTEND_GRACE" default:"30s"`
	MaxExtendFailures int           `env:"MAX_EXTEND_FAILURES" default:"3"`
	RetryBaseBackoff  time.Duration `env:"RETRY_BASE_BACKOFF" default:"10s"`
	RetryMaxBackoff   time.Duration `env:"RETRY_MAX_BACKOFF" default:"2m"`
	DriverTimeout     time.Duration `env:"DRIVER_TIMEOUT" default:"45s"`

	// Sync policy.
	MaxSyncPages       int           `env:"MAX_SYNC_PAGES" default:"50"`
	SyncTimeout        time.Duration `env:"SYNC_TIMEOUT" default:"10m"`
	FetchRatePerSecond float64       `env:"FETCH_RATE_PER_SECOND" default:"2"`

	// Stats reconciliation cadence.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" default:"10m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.ExtendInterval <= 0 {
		return fmt.Errorf("EXTEND_INTERVAL must be positive, got %s", cfg.ExtendInterval)
	}
	if cfg.ExtendGrace < 0 {
		return fmt.Errorf("EXTEND_GRACE must not be negative, got %s", cfg.ExtendGrace)
	}
	if cfg.MaxExtendFailures < 1 {
		return fmt.Errorf("MAX_EXTEND_FAILURES must be at least 1, got %d", cfg.MaxExtendFailures)
	}
	if cfg.RetryBaseBackoff <= 0 || cfg.RetryMaxBackoff < cfg.RetryBaseBackoff {
		return fmt.Errorf("retry backoff misconfigured: base=%s max=%s", cfg.RetryBaseBackoff, cfg.RetryMaxBackoff)
	}
	if cfg.MaxSyncPages < 1 {
		return fmt.Errorf("MAX_SYNC_PAGES must be at least 1, got %d", cfg.MaxSyncPages)
	}

	return nil
}
