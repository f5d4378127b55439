// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── AI — Google Gemini ───────────────────────────────────────────────────────
	GeminiAPIKey string `env:"GEMINI_API_KEY,required"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	// Requests per minute across all workflows sharing the client; 0 = unlimited.
	LLMRequestsPerMinute int           `env:"LLM_REQUESTS_PER_MINUTE" envDefault:"60"`
	LLMMaxAttempts       int           `env:"LLM_MAX_ATTEMPTS"        envDefault:"3"`
	LLMBackoffBase       time.Duration `env:"LLM_BACKOFF_BASE"        envDefault:"2s"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	ClaimBatchSize int `env:"CLAIM_BATCH_SIZE" envDefault:"20"`
	SubBatchSize   int `env:"SUB_BATCH_SIZE"   envDefault:"5"`
	Concurrency    int `env:"CONCURRENCY"      envDefault:"5"`
	// Empty WorkerID means a generated identity per process start.
	WorkerID     string        `env:"WORKER_ID"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	ErrorPause   time.Duration `env:"ERROR_PAUSE"   envDefault:"1m"`
	LockTTL      time.Duration `env:"LOCK_TTL"      envDefault:"10m"`
	// Comma-separated workflow names to run; empty = all registered workflows.
	Workflows []string `env:"WORKFLOWS" envSeparator:","`

	// ── Observability ────────────────────────────────────────────────────────────
	// Empty MetricsAddr disables the Prometheus endpoint.
	MetricsAddr string `env:"METRICS_ADDR"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClaimBatchSize < 1 {
		return fmt.Errorf("CLAIM_BATCH_SIZE must be at least 1, got %d", c.ClaimBatchSize)
	}
	if c.SubBatchSize < 1 {
		return fmt.Errorf("SUB_BATCH_SIZE must be at least 1, got %d", c.SubBatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1, got %d", c.LLMMaxAttempts)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	return nil
}
