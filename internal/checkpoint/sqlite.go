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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcheo/orcheo/pkg/errors"
)

// SQLiteStore is a SQLite-backed checkpoint store.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if necessary initializes) the checkpoint
// database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agentensor_checkpoints (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			config_version INTEGER NOT NULL,
			runnable_config TEXT,
			metrics TEXT,
			metadata TEXT,
			artifact_url TEXT,
			is_best INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (workflow_id, config_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agentensor_checkpoints_best
			ON agentensor_checkpoints(workflow_id, is_best)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cp.IsBest {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agentensor_checkpoints SET is_best = 0 WHERE workflow_id = ?`,
			cp.WorkflowID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agentensor_checkpoints
			(id, workflow_id, config_version, runnable_config, metrics, metadata,
			 artifact_url, is_best, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.WorkflowID, cp.ConfigVersion,
		encodeMap(cp.RunnableConfig), encodeMap(cp.Metrics), encodeMap(cp.Metadata),
		nullable(cp.ArtifactURL), cp.IsBest, cp.CreatedAt.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MaxVersion(ctx context.Context, workflowID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(config_version) FROM agentensor_checkpoints WHERE workflow_id = ?`,
		workflowID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

const selectCheckpointSQL = `
	SELECT id, workflow_id, config_version, runnable_config, metrics, metadata,
	       artifact_url, is_best, created_at
	FROM agentensor_checkpoints`

func (s *SQLiteStore) List(ctx context.Context, workflowID string, limit int) ([]*Checkpoint, error) {
	query := selectCheckpointSQL + ` WHERE workflow_id = ? ORDER BY config_version DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, workflowID)
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

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpointSQL+` WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: id}
	}
	return cp, err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp          Checkpoint
		runnable    sql.NullString
		metrics     sql.NullString
		metadata    sql.NullString
		artifactURL sql.NullString
	)
	if err := row.Scan(&cp.ID, &cp.WorkflowID, &cp.ConfigVersion,
		&runnable, &metrics, &metadata, &artifactURL, &cp.IsBest, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.RunnableConfig = decodeMap(runnable)
	cp.Metrics = decodeMap(metrics)
	cp.Metadata = decodeMap(metadata)
	cp.ArtifactURL = artifactURL.String
	return &cp, nil
}

func encodeMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(encoded)
}

func decodeMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
