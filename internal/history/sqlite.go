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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcheo/orcheo/pkg/errors"
)

// SQLiteStore is a SQLite-backed history store. Databases created by
// older builds are upgraded in place: missing trace columns are added on
// open.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if necessary initializes or upgrades) the
// history database at the given path.
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
		`CREATE TABLE IF NOT EXISTS run_history_runs (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error TEXT,
			inputs_json TEXT,
			runnable_config_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_history_steps (
			execution_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			at TIMESTAMP NOT NULL,
			payload_json TEXT NOT NULL,
			PRIMARY KEY (execution_id, ordinal)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return s.addMissingColumns(ctx)
}

// addMissingColumns upgrades databases written before the trace fields
// existed. ALTER TABLE ADD COLUMN is the only migration shape needed;
// columns are never removed or retyped.
func (s *SQLiteStore) addMissingColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(run_history_runs)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	wanted := map[string]string{
		"trace_id":           "TEXT",
		"trace_started_at":   "TIMESTAMP",
		"trace_completed_at": "TIMESTAMP",
		"trace_last_span_at": "TIMESTAMP",
	}
	for col, typ := range wanted {
		if have[col] {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`ALTER TABLE run_history_runs ADD COLUMN %s %s`, col, typ)); err != nil {
			return fmt.Errorf("adding column %s: %w", col, err)
		}
	}
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, params StartParams) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_history_runs WHERE execution_id = ?`,
		params.ExecutionID).Scan(&count); err != nil {
		return nil, &errors.RunHistoryError{Op: "start_run", ExecutionID: params.ExecutionID, Cause: err}
	}
	if count > 0 {
		return nil, &errors.RunHistoryError{
			Op: "start_run", ExecutionID: params.ExecutionID,
			Cause: fmt.Errorf("execution already exists"),
		}
	}

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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_history_runs
			(execution_id, workflow_id, status, started_at, inputs_json,
			 runnable_config_json, trace_id, trace_started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.WorkflowID, string(rec.Status), rec.StartedAt,
		inputsJSON, configJSON, nullable(rec.TraceID), rec.TraceStartedAt)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "start_run", ExecutionID: params.ExecutionID, Cause: err}
	}
	return rec, nil
}

func (s *SQLiteStore) AppendStep(ctx context.Context, executionID string, payload map[string]any) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_history_runs WHERE execution_id = ?`, executionID).Scan(&count); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	if count == 0 {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ordinal) + 1 FROM run_history_steps WHERE execution_id = ?`,
		executionID).Scan(&next); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	now := time.Now().UTC()
	step := &Step{Index: int(next.Int64), At: now, Payload: payload}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_history_steps (execution_id, ordinal, at, payload_json)
		 VALUES (?, ?, ?, ?)`,
		executionID, step.Index, now, string(payloadJSON)); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_history_runs SET trace_last_span_at = ? WHERE execution_id = ?`,
		now, executionID); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.RunHistoryError{Op: "append_step", ExecutionID: executionID, Cause: err}
	}
	return step, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, executionID string) error {
	return s.markTerminal(ctx, executionID, StatusCompleted, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, executionID, message string) error {
	return s.markTerminal(ctx, executionID, StatusFailed, message)
}

func (s *SQLiteStore) MarkCancelled(ctx context.Context, executionID, reason string) error {
	return s.markTerminal(ctx, executionID, StatusCancelled, reason)
}

func (s *SQLiteStore) markTerminal(ctx context.Context, executionID string, target Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM run_history_runs WHERE execution_id = ?`, executionID).Scan(&current)
	if err == sql.ErrNoRows {
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE run_history_runs SET status = ?, completed_at = ?, trace_completed_at = ?, error = ?
		 WHERE execution_id = ?`,
		string(target), now, now, nullable(message), executionID)
	if err != nil {
		return &errors.RunHistoryError{Op: "mark_" + string(target), ExecutionID: executionID, Cause: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateTraceMetadata(ctx context.Context, executionID string, meta TraceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sets := ""
	var args []any
	if meta.TraceID != nil {
		sets += `trace_id = ?`
		args = append(args, *meta.TraceID)
	}
	if meta.StartedAt != nil {
		if sets != "" {
			sets += `, `
		}
		sets += `trace_started_at = ?`
		args = append(args, *meta.StartedAt)
	}
	if meta.UpdatedAt != nil {
		if sets != "" {
			sets += `, `
		}
		sets += `trace_last_span_at = ?`
		args = append(args, *meta.UpdatedAt)
	}
	if sets == "" {
		return nil
	}
	args = append(args, executionID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_history_runs SET `+sets+` WHERE execution_id = ?`, args...)
	if err != nil {
		return &errors.RunHistoryError{Op: "update_trace_metadata", ExecutionID: executionID, Cause: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, executionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQL+` WHERE execution_id = ?`, executionID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) ListSteps(ctx context.Context, executionID string, from, limit int) ([]Step, error) {
	if from < 0 {
		from = 0
	}
	query := `SELECT ordinal, at, payload_json FROM run_history_steps
		WHERE execution_id = ? AND ordinal >= ? ORDER BY ordinal`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, executionID, from)
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

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Record, error) {
	query := selectRecordSQL + ` WHERE 1 = 1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, execution_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) Close() error { return s.db.Close() }

const selectRecordSQL = `SELECT
	execution_id, workflow_id, status, started_at, completed_at, error,
	inputs_json, runnable_config_json, trace_id, trace_started_at,
	trace_completed_at, trace_last_span_at
	FROM run_history_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                     Record
		status                  string
		completedAt             sql.NullTime
		recErr                  sql.NullString
		inputsJSON, configJSON  sql.NullString
		traceID                 sql.NullString
		traceStarted, traceDone sql.NullTime
		traceLast               sql.NullTime
	)
	err := row.Scan(&rec.ExecutionID, &rec.WorkflowID, &status, &rec.StartedAt,
		&completedAt, &recErr, &inputsJSON, &configJSON, &traceID,
		&traceStarted, &traceDone, &traceLast)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Error = recErr.String
	rec.TraceID = traceID.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if traceStarted.Valid {
		t := traceStarted.Time
		rec.TraceStartedAt = &t
	}
	if traceDone.Valid {
		t := traceDone.Time
		rec.TraceCompletedAt = &t
	}
	if traceLast.Valid {
		t := traceLast.Time
		rec.TraceLastSpanAt = &t
	}
	if inputsJSON.Valid {
		if err := json.Unmarshal([]byte(inputsJSON.String), &rec.Inputs); err != nil {
			return nil, fmt.Errorf("decoding inputs: %w", err)
		}
	}
	if configJSON.Valid {
		if err := json.Unmarshal([]byte(configJSON.String), &rec.RunnableConfig); err != nil {
			return nil, fmt.Errorf("decoding runnable config: %w", err)
		}
	}
	return &rec, nil
}

func encodeRecordJSON(rec *Record) (inputsJSON, configJSON any, err error) {
	if rec.Inputs != nil {
		data, err := json.Marshal(rec.Inputs)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding inputs: %w", err)
		}
		inputsJSON = string(data)
	}
	if rec.RunnableConfig != nil {
		data, err := json.Marshal(rec.RunnableConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding runnable config: %w", err)
		}
		configJSON = string(data)
	}
	return inputsJSON, configJSON, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
