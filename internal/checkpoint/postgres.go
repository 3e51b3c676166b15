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

package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orcheo/orcheo/pkg/errors"
)

// PostgresStore is a Postgres-backed checkpoint store on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresPoolConfig sizes the connection pool.
type PostgresPoolConfig struct {
	DSN             string
	MinConns        int32
	MaxConns        int32
	AcquireTimeout  time.Duration
	MaxConnIdleTime time.Duration
}

// NewPostgresStore connects to Postgres and initializes the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresPoolConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agentensor_checkpoints (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			config_version INTEGER NOT NULL,
			runnable_config JSONB,
			metrics JSONB,
			metadata JSONB,
			artifact_url TEXT,
			is_best BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (workflow_id, config_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agentensor_checkpoints_best
			ON agentensor_checkpoints(workflow_id, is_best)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if cp.IsBest {
		if _, err := tx.Exec(ctx,
			`UPDATE agentensor_checkpoints SET is_best = FALSE WHERE workflow_id = $1`,
			cp.WorkflowID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO agentensor_checkpoints
			(id, workflow_id, config_version, runnable_config, metrics, metadata,
			 artifact_url, is_best, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, cp.WorkflowID, cp.ConfigVersion,
		encodeMap(cp.RunnableConfig), encodeMap(cp.Metrics), encodeMap(cp.Metadata),
		nullable(cp.ArtifactURL), cp.IsBest, cp.CreatedAt.UTC()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) MaxVersion(ctx context.Context, workflowID string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(config_version), 0) FROM agentensor_checkpoints WHERE workflow_id = $1`,
		workflowID).Scan(&max)
	return max, err
}

const selectCheckpointPgSQL = `
	SELECT id, workflow_id, config_version, runnable_config::text, metrics::text,
	       metadata::text, artifact_url, is_best, created_at
	FROM agentensor_checkpoints`

func (s *PostgresStore) List(ctx context.Context, workflowID string, limit int) ([]*Checkpoint, error) {
	query := selectCheckpointPgSQL + ` WHERE workflow_id = $1 ORDER BY config_version DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, selectCheckpointPgSQL+` WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: id}
	}
	return cp, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
