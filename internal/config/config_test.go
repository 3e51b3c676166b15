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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Repository.Backend)
	assert.Equal(t, 1000, cfg.Engine.MaxStepsPerRun)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.RefreshMargin)
	assert.Equal(t, time.Hour, cfg.Chat.PruneInterval)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orcheo.yaml")
	data := `
repository:
  backend: sqlite
  sqlite_path: /tmp/orcheo.db
history:
  backend: postgres
  postgres:
    dsn: postgres://localhost/orcheo
    min_conns: 2
    max_conns: 8
vault:
  encryption_key: test-passphrase
engine:
  max_steps_per_run: 50
chat:
  retention: 720h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Repository.Backend)
	assert.Equal(t, "/tmp/orcheo.db", cfg.Repository.SQLitePath)
	assert.Equal(t, BackendPostgres, cfg.History.Backend)
	assert.Equal(t, int32(8), cfg.History.Postgres.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.History.Postgres.AcquireTimeout)
	assert.Equal(t, 50, cfg.Engine.MaxStepsPerRun)
	assert.Equal(t, 720*time.Hour, cfg.Chat.Retention)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "sqlite without path",
			mutate: func(c *Config) { c.History.Backend = BackendSQLite },
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Chat.Backend = BackendPostgres },
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Repository.Backend = "redis" },
		},
		{
			name: "persistent vault without key",
			mutate: func(c *Config) {
				c.Vault.Backend = BackendSQLite
				c.Vault.SQLitePath = "/tmp/vault.db"
			},
		},
		{
			name: "pool min exceeds max",
			mutate: func(c *Config) {
				c.History.Backend = BackendPostgres
				c.History.Postgres.DSN = "postgres://localhost/x"
				c.History.Postgres.MinConns = 10
				c.History.Postgres.MaxConns = 2
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ORCHEO_VAULT_KEY", "from-env")
	t.Setenv("ORCHEO_OAUTH_REFRESH_MARGIN", "120")
	t.Setenv("ORCHEO_CHAT_RETENTION", "48h")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Vault.EncryptionKey)
	assert.Equal(t, 2*time.Minute, cfg.OAuth.RefreshMargin)
	assert.Equal(t, 48*time.Hour, cfg.Chat.Retention)
}
