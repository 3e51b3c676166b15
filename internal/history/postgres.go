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

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orcheo/orcheo/pkg/errors"
)

// PostgresStore is a Postgres-backed history store on a pgx pool. Step
// ordinals are assigned under a row lock so concurrent appenders cannot
// produce gaps or duplicates.
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
		`CREATE TABLE IF NOT EXISTS run_history_runs (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			error TEXT,
			inputs_json JSONB,
			runnable_config_json JSONB,
			trace_id TEXT,
			trace_started_at TIMESTAMPTZ,
			trace_completed_at TIMESTAMPTZ,
			trace_last_span_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS run_history_steps (
			execution_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			payload_json JSONB NOT NULL,
			PRIMARY KEY (execution_id, ordinal)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, params StartParams) (*Record, error) {
	rec := &Record{
		ExecutionID:    params.ExecutionID,
		WorkflowID:     params.WorkflowID,
		Status:         StatusRunning,
		StartedAt:      time.Now().UTC(),
		Inputs:         params.Inputs,
		RunnableConfig: params.RunnableConfig,
		TraceID:        params.TraceID,
		TraceStartedAt: params.TraceStartedAt,
	}
	inputsJSON, configJSON, err := encodeRecordJSON(rec)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO run_history_runs
			(execution_id, workflow_id, status, started_at, inputs_json,
			 runnable_config_json, trace_id, trace_started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (execution_id) DO NOTHING`,
		rec.ExecutionID, rec.WorkflowID, string(rec.Status), rec.StartedAt,
		inputsJSON, configJSON, nullable(rec.TraceID), rec.TraceStartedAt)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "start_run", ExecutionID: params.ExecutionID, Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return nil, &errors.RunHistoryError{
			Op: "start_run", ExecutionID: params.ExecutionID,
			Cause: fmt.Errorf("execution already exists"),
		}
	}
	return rec, nil
}

func (s *PostgresStore) AppendStep(ctx context.Context, executionID string, payload map[string]any) (*Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	defer tx.Rollback(ctx)

	// Lock the parent row so concurrent appends serialize on the
	// execution and see a consistent MAX(ordinal).
	var lockedID string
	err = tx.QueryRow(ctx,
		`SELECT execution_id FROM run_history_runs WHERE execution_id = $1 FOR UPDATE`,
		executionID).Scan(&lockedID)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM run_history_steps WHERE execution_id = $1`,
		executionID).Scan(&next); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	now := time.Now().UTC()
	step := &Step{Index: next, At: now, Payload: payload}

	if _, err := tx.Exec(ctx,
		`INSERT INTO run_history_steps (execution_id, ordinal, at, payload_json)
		 VALUES ($1, $2, $3, $4)`,
		executionID, step.Index, now, string(payloadJSON)); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE run_history_runs SET trace_last_span_at = $1 WHERE execution_id = $2`,
		now, executionID); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	return step, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, executionID string) error {
	return s.markTerminal(ctx, executionID, StatusCompleted, "")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, executionID, message string) error {
	return s.markTerminal(ctx, executionID, StatusFailed, message)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, executionID, reason string) error {
	return s.markTerminal(ctx, executionID, StatusCancelled, reason)
}

func (s *PostgresStore) markTerminal(ctx context.Context, executionID string, target Status, message string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &errors.RunHistoryError{Op: "mark_" + string(target), ExecutionID: executionID, Cause: err}
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM run_history_runs WHERE execution_id = $1 FOR UPDATE`,
		executionID).Scan(&current)
	if err == pgx.ErrNoRows {
		return &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if err != nil {
		return &errors.RunHistoryError{Op: "mark_" + string(target), ExecutionID: executionID, Cause: err}
	}
	if Status(current) == target {
		return nil
	}
	if Status(current).Terminal() {
		return &errors.InvalidTransitionError{
			Entity: "history record", ID: executionID, From: current, To: string(target),
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE run_history_runs SET status = $1, completed_at = $2, trace_completed_at = $3, error = $4
		 WHERE execution_id = $5`,
		string(target), now, now, nullable(message), executionID); err != nil {
		return &errors.RunHistoryError{Op: "mark_" + string(target), ExecutionID: executionID, Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &errors.RunHistoryError{Op: "mark_" + string(target), ExecutionID: executionID, Cause: err}
	}
	return nil
}

func (s *PostgresStore) UpdateTraceMetadata(ctx context.Context, executionID string, meta TraceMetadata) error {
	sets := ""
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		if sets != "" {
			sets += ", "
		}
		sets += fmt.Sprintf(expr, len(args))
	}
	if meta.TraceID != nil {
		add("trace_id = $%d", *meta.TraceID)
	}
	if meta.StartedAt != nil {
		add("trace_started_at = $%d", *meta.StartedAt)
	}
	if meta.UpdatedAt != nil {
		add("trace_last_span_at = $%d", *meta.UpdatedAt)
	}
	if sets == "" {
		return nil
	}
	args = append(args, executionID)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE run_history_runs SET %s WHERE execution_id = $%d`, sets, len(args)),
		args...)
	if err != nil {
		return &errors.RunHistoryError{Op: "update_trace_metadata", ExecutionID: executionID, Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, executionID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectRecordPgxSQL+` WHERE execution_id = $1`, executionID)
	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "get", ExecutionID: executionID, Cause: err}
	}

	rec.Steps, err = s.ListSteps(ctx, executionID, 0, 0)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, executionID string, from, limit int) ([]Step, error) {
	if from < 0 {
		from = 0
	}
	query := `SELECT ordinal, at, payload_json::text FROM run_history_steps
		WHERE execution_id = $1 AND ordinal >= $2 ORDER BY ordinal`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, executionID, from)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "list_steps", ExecutionID: executionID, Cause: err}
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var step Step
		var payloadJSON string
		if err := rows.Scan(&step.Index, &step.At, &payloadJSON); err != nil {
			return nil, &errors.RunHistoryError{Op: "list_steps", ExecutionID: executionID, Cause: err}
		}
		if err := json.Unmarshal([]byte(payloadJSON), &step.Payload); err != nil {
			return nil, &errors.RunHistoryError{Op: "list_steps", ExecutionID: executionID, Cause: err}
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.RunHistoryError{Op: "list_steps", ExecutionID: executionID, Cause: err}
	}
	return out, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Record, error) {
	query := selectRecordPgxSQL + ` WHERE 1 = 1`
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		query += fmt.Sprintf(` AND workflow_id = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY started_at DESC, execution_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "list_runs", Cause: err}
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &errors.RunHistoryError{Op: "list_runs", Cause: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.RunHistoryError{Op: "list_runs", Cause: err}
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const selectRecordPgxSQL = `SELECT
	execution_id, workflow_id, status, started_at, completed_at, error,
	inputs_json::text, runnable_config_json::text, trace_id, trace_started_at,
	trace_completed_at, trace_last_span_at
	FROM run_history_runs`
