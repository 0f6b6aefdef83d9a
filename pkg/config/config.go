// Package config loads runtime configuration: built-in defaults, then an
// optional YAML file, then HYPNOS_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/reconciler"
	"github.com/SharmARohitt/Hypnos/pkg/retry"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrInvalid = errors.New("invalid configuration")

// Config holds server configuration.
type Config struct {
	ListenAddr string               `yaml:"listen_addr" env:"HYPNOS_LISTEN_ADDR"`
	LogLevel   string               `yaml:"log_level" env:"HYPNOS_LOG_LEVEL"`
	LogFormat  string               `yaml:"log_format" env:"HYPNOS_LOG_FORMAT"` // text | json
	Storage    Storage              `yaml:"storage"`
	Reconciler Reconciler           `yaml:"reconciler"`
	API        API                  `yaml:"api"`
	Telemetry  observability.Config `yaml:"telemetry"`
}

// Storage selects where the event log, the mirror and the shard cursors live.
type Storage struct {
	Backend       string `yaml:"backend" env:"HYPNOS_STORAGE_BACKEND"`
	LogDSN        string `yaml:"log_dsn" env:"HYPNOS_LOG_DSN"`
	MirrorDSN     string `yaml:"mirror_dsn" env:"HYPNOS_MIRROR_DSN"`
	RedisAddr     string `yaml:"redis_addr" env:"HYPNOS_REDIS_ADDR"` // empty keeps cursors in the mirror
	RedisPassword string `yaml:"redis_password" env:"HYPNOS_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"HYPNOS_REDIS_DB"`
}

type Reconciler struct {
	Shards           int           `yaml:"shards" env:"HYPNOS_RECONCILER_SHARDS"`
	BatchSize        int           `yaml:"batch_size" env:"HYPNOS_RECONCILER_BATCH_SIZE"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"HYPNOS_RECONCILER_POLL_INTERVAL"`
	SchemaConstraint string        `yaml:"schema_constraint" env:"HYPNOS_RECONCILER_SCHEMA_CONSTRAINT"`
	RetryBaseMs      int64         `yaml:"retry_base_ms" env:"HYPNOS_RECONCILER_RETRY_BASE_MS"`
	RetryMaxMs       int64         `yaml:"retry_max_ms" env:"HYPNOS_RECONCILER_RETRY_MAX_MS"`
	RetryJitterMs    int64         `yaml:"retry_jitter_ms" env:"HYPNOS_RECONCILER_RETRY_JITTER_MS"`
}

type API struct {
	// JWTSecret enables HS256 bearer auth when set.
	JWTSecret string  `yaml:"jwt_secret" env:"HYPNOS_JWT_SECRET"`
	RateLimit float64 `yaml:"rate_limit" env:"HYPNOS_RATE_LIMIT"` // requests per second per client
	RateBurst int     `yaml:"rate_burst" env:"HYPNOS_RATE_BURST"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	opts := reconciler.DefaultOptions()
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "INFO",
		LogFormat:  "text",
		Storage:    Storage{Backend: BackendMemory},
		Reconciler: Reconciler{
			Shards:           opts.Shards,
			BatchSize:        opts.BatchSize,
			PollInterval:     opts.PollInterval,
			SchemaConstraint: opts.SchemaConstraint,
			RetryBaseMs:      opts.Retry.BaseMs,
			RetryMaxMs:       opts.Retry.MaxMs,
			RetryJitterMs:    opts.Retry.MaxJitterMs,
		},
		API:       API{RateLimit: 50, RateBurst: 100},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Storage.LogDSN == "" || c.Storage.MirrorDSN == "" {
			errs = append(errs, fmt.Errorf("%w: backend %s needs log_dsn and mirror_dsn", ErrInvalid, c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend))
	}
	if c.Reconciler.Shards <= 0 {
		errs = append(errs, fmt.Errorf("%w: reconciler shards must be positive", ErrInvalid))
	}
	if c.Reconciler.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: reconciler poll interval must be positive", ErrInvalid))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%w: log format %q", ErrInvalid, c.LogFormat))
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: negative rate limit", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ReconcilerOptions converts the reconciler section.
func (c *Config) ReconcilerOptions() reconciler.Options {
	return reconciler.Options{
		Shards:           c.Reconciler.Shards,
		BatchSize:        c.Reconciler.BatchSize,
		PollInterval:     c.Reconciler.PollInterval,
		SchemaConstraint: c.Reconciler.SchemaConstraint,
		Retry: retry.Policy{
			BaseMs:      c.Reconciler.RetryBaseMs,
			MaxMs:       c.Reconciler.RetryMaxMs,
			MaxJitterMs: c.Reconciler.RetryJitterMs,
		},
	}
}
