// Copyright 2025 The Orcheo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the Orcheo runtime configuration from
// a YAML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// BackendKind selects a storage backend implementation.
type BackendKind string

const (
	// BackendMemory selects the in-memory backend.
	BackendMemory BackendKind = "memory"
	// BackendSQLite selects the SQLite backend.
	BackendSQLite BackendKind = "sqlite"
	// BackendPostgres selects the Postgres backend.
	BackendPostgres BackendKind = "postgres"
)

// Config represents the complete Orcheo runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Repository StoreConfig      `yaml:"repository"`
	History    StoreConfig      `yaml:"history"`
	Chat       ChatConfig       `yaml:"chat"`
	Checkpoint StoreConfig      `yaml:"checkpoint"`
	Vault      VaultConfig      `yaml:"vault"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Engine     EngineConfig     `yaml:"engine"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`
}

// PostgresConfig configures a Postgres connection pool.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	// Environment: ORCHEO_POSTGRES_DSN
	DSN string `yaml:"dsn"`

	// MinConns is the minimum number of pooled connections.
	MinConns int32 `yaml:"min_conns"`

	// MaxConns is the maximum number of pooled connections.
	MaxConns int32 `yaml:"max_conns"`

	// AcquireTimeout bounds how long an operation waits for a connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// MaxConnIdleTime is how long an idle connection is kept before closing.
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres.
	Backend BackendKind `yaml:"backend"`

	// SQLitePath is the database file path (required for sqlite).
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// Postgres holds pool configuration (required for postgres).
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// ChatConfig configures the chat store and its retention loop.
type ChatConfig struct {
	StoreConfig `yaml:",inline"`

	// Retention is how long threads are kept before the prune loop
	// deletes them. Zero disables pruning.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often the prune loop runs.
	// Default: 1h
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	StoreConfig `yaml:",inline"`

	// EncryptionKey is the process-wide vault key. A 32-byte base64 value
	// is used directly; anything else is treated as a passphrase and a key
	// is derived from it. Rotating the key invalidates stored secrets.
	// Environment: ORCHEO_VAULT_KEY
	EncryptionKey string `yaml:"encryption_key"`
}

// OAuthConfig configures the OAuth health service.
type OAuthConfig struct {
	// RefreshMargin refreshes tokens this long before they expire.
	// Default: 5m
	RefreshMargin time.Duration `yaml:"refresh_margin"`

	// ProviderRateLimit bounds validation calls per provider per second.
	// Default: 5
	ProviderRateLimit float64 `yaml:"provider_rate_limit"`
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	// MaxStepsPerRun bounds the number of steps a single run may produce.
	// Breaching the budget fails the run. Default: 1000
	MaxStepsPerRun int `yaml:"max_steps_per_run"`

	// RunDeadline is the per-run overall deadline. When exceeded the
	// engine trips the run's cancel token. Zero disables the deadline.
	RunDeadline time.Duration `yaml:"run_deadline"`

	// MaxConcurrentRuns bounds how many runs execute in parallel.
	// Default: 16
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
}

// TracingConfig configures the tracing layer.
type TracingConfig struct {
	// Enabled toggles span emission. Exporter wiring is owned by the
	// transport layer.
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Repository: StoreConfig{Backend: BackendMemory},
		History:    StoreConfig{Backend: BackendMemory},
		Chat: ChatConfig{
			StoreConfig:   StoreConfig{Backend: BackendMemory},
			PruneInterval: time.Hour,
		},
		Checkpoint: StoreConfig{Backend: BackendMemory},
		Vault:      VaultConfig{StoreConfig: StoreConfig{Backend: BackendMemory}},
		OAuth: OAuthConfig{
			RefreshMargin:     5 * time.Minute,
			ProviderRateLimit: 5,
		},
		Engine: EngineConfig{
			MaxStepsPerRun:    1000,
			MaxConcurrentRuns: 16,
		},
		Tracing: TracingConfig{Enabled: true},
	}
}

// Load reads configuration from the given YAML file, applies environment
// overrides, fills defaults, and validates the result. An empty path loads
// defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if dsn := os.Getenv("ORCHEO_POSTGRES_DSN"); dsn != "" {
		for _, pg := range []*PostgresConfig{
			&c.Repository.Postgres, &c.History.Postgres,
			&c.Chat.Postgres, &c.Checkpoint.Postgres, &c.Vault.Postgres,
		} {
			if pg.DSN == "" {
				pg.DSN = dsn
			}
		}
	}
	if key := os.Getenv("ORCHEO_VAULT_KEY"); key != "" {
		c.Vault.EncryptionKey = key
	}
	if v := os.Getenv("ORCHEO_OAUTH_REFRESH_MARGIN"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.OAuth.RefreshMargin = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("ORCHEO_CHAT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Chat.Retention = d
		}
	}
}

// applyDefaults fills zero values that Unmarshal may have cleared.
func (c *Config) applyDefaults() {
	if c.OAuth.RefreshMargin == 0 {
		c.OAuth.RefreshMargin = 5 * time.Minute
	}
	if c.OAuth.ProviderRateLimit == 0 {
		c.OAuth.ProviderRateLimit = 5
	}
	if c.Engine.MaxStepsPerRun == 0 {
		c.Engine.MaxStepsPerRun = 1000
	}
	if c.Engine.MaxConcurrentRuns == 0 {
		c.Engine.MaxConcurrentRuns = 16
	}
	if c.Chat.PruneInterval == 0 {
		c.Chat.PruneInterval = time.Hour
	}
	for _, sc := range []*StoreConfig{
		&c.Repository, &c.History, &c.Chat.StoreConfig,
		&c.Checkpoint, &c.Vault.StoreConfig,
	} {
		if sc.Backend == "" {
			sc.Backend = BackendMemory
		}
		if sc.Backend == BackendPostgres {
			if sc.Postgres.MaxConns == 0 {
				sc.Postgres.MaxConns = 10
			}
			if sc.Postgres.AcquireTimeout == 0 {
				sc.Postgres.AcquireTimeout = 5 * time.Second
			}
			if sc.Postgres.MaxConnIdleTime == 0 {
				sc.Postgres.MaxConnIdleTime = 5 * time.Minute
			}
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	stores := map[string]*StoreConfig{
		"repository": &c.Repository,
		"history":    &c.History,
		"chat":       &c.Chat.StoreConfig,
		"checkpoint": &c.Checkpoint,
		"vault":      &c.Vault.StoreConfig,
	}
	for name, sc := range stores {
		switch sc.Backend {
		case BackendMemory:
		case BackendSQLite:
			if sc.SQLitePath == "" {
				return fmt.Errorf("%w: %s.sqlite_path is required for sqlite backend", ErrInvalidConfig, name)
			}
		case BackendPostgres:
			if sc.Postgres.DSN == "" {
				return fmt.Errorf("%w: %s.postgres.dsn is required for postgres backend", ErrInvalidConfig, name)
			}
			if sc.Postgres.MinConns > sc.Postgres.MaxConns {
				return fmt.Errorf("%w: %s.postgres min_conns exceeds max_conns", ErrInvalidConfig, name)
			}
		default:
			return fmt.Errorf("%w: %s.backend %q is not one of memory, sqlite, postgres", ErrInvalidConfig, name, sc.Backend)
		}
	}
	if c.Vault.StoreConfig.Backend != BackendMemory && c.Vault.EncryptionKey == "" {
		return fmt.Errorf("%w: vault.encryption_key is required for persistent vault backends", ErrInvalidConfig)
	}
	if c.Engine.MaxStepsPerRun < 1 {
		return fmt.Errorf("%w: engine.max_steps_per_run must be positive", ErrInvalidConfig)
	}
	return nil
}
