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

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcheo/orcheo/pkg/errors"
)

// SQLiteStore is a SQLite-backed repository store. The file is owned by a
// single process; writes serialize through an in-process mutex on top of
// WAL mode.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if necessary initializes) the repository
// database at the given path. ":memory:" creates an in-memory database.
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
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			description TEXT,
			tags_json TEXT NOT NULL DEFAULT '[]',
			is_archived INTEGER NOT NULL DEFAULT 0,
			is_public INTEGER NOT NULL DEFAULT 0,
			publish_token_hash TEXT,
			published_at TIMESTAMP,
			published_by TEXT,
			require_login INTEGER NOT NULL DEFAULT 0,
			webhook_config_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			graph_json TEXT NOT NULL,
			metadata_json TEXT,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL,
			notes TEXT,
			UNIQUE(workflow_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT,
			input_json TEXT,
			output_json TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow
			ON workflow_runs(workflow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_audit_entity
			ON workflow_audit_events(entity_type, entity_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) InsertWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := encodeTags(wf.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows
			(id, name, slug, description, tags_json, is_archived, is_public,
			 publish_token_hash, published_at, published_by, require_login,
			 webhook_config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Slug, nullable(wf.Description), tagsJSON,
		boolInt(wf.IsArchived), boolInt(wf.IsPublic),
		nullable(wf.PublishTokenHash), wf.PublishedAt, nullable(wf.PublishedBy),
		boolInt(wf.RequireLogin), nullableRaw(wf.WebhookConfig),
		wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.NameConflictError{Name: wf.Slug, Scope: "workflow"}
		}
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return s.appendAuditEvents(ctx, "workflow", wf.ID, wf.AuditLog, 0)
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `slug = ?`, slug)
}

func (s *SQLiteStore) getWorkflowWhere(ctx context.Context, where string, arg any) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, selectWorkflowSQL+` WHERE `+where, arg)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAudit(ctx, "workflow", wf.ID, &wf.AuditLog); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, includeArchived bool) ([]*Workflow, error) {
	query := selectWorkflowSQL
	if !includeArchived {
		query += ` WHERE is_archived = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := encodeTags(wf.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
			name = ?, description = ?, tags_json = ?, is_archived = ?, is_public = ?,
			publish_token_hash = ?, published_at = ?, published_by = ?,
			require_login = ?, webhook_config_json = ?, updated_at = ?
		 WHERE id = ?`,
		wf.Name, nullable(wf.Description), tagsJSON,
		boolInt(wf.IsArchived), boolInt(wf.IsPublic),
		nullable(wf.PublishTokenHash), wf.PublishedAt, nullable(wf.PublishedBy),
		boolInt(wf.RequireLogin), nullableRaw(wf.WebhookConfig), wf.UpdatedAt, wf.ID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.ID}
	}

	stored, err := s.countAudit(ctx, "workflow", wf.ID)
	if err != nil {
		return err
	}
	return s.appendAuditEvents(ctx, "workflow", wf.ID, wf.AuditLog, stored-wf.AuditDropped)
}

func (s *SQLiteStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE slug = ?`, slug).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking slug: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) InsertVersion(ctx context.Context, v *WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	graphJSON, err := json.Marshal(v.Graph)
	if err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	var metaJSON any
	if v.Metadata != nil {
		data, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metaJSON = string(data)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_versions
			(id, workflow_id, version, graph_json, metadata_json, created_by, created_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.WorkflowID, v.Version, string(graphJSON), metaJSON,
		nullable(v.CreatedBy), v.CreatedAt, nullable(v.Notes))
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, selectVersionSQL+` WHERE workflow_id = ? AND version = ?`,
		workflowID, version)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_version", ID: fmt.Sprintf("%s@%d", workflowID, version)}
	}
	return v, err
}

func (s *SQLiteStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		selectVersionSQL+` WHERE workflow_id = ? ORDER BY version DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxVersion(ctx context.Context, workflowID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM workflow_versions WHERE workflow_id = ?`, workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("resolving max version: %w", err)
	}
	return int(max.Int64), nil
}

func (s *SQLiteStore) InsertRun(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputJSON, outputJSON, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs
			(id, workflow_id, workflow_version_id, status, triggered_by,
			 input_json, output_json, started_at, completed_at, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersionID, string(run.Status),
		nullable(run.TriggeredBy), inputJSON, outputJSON,
		run.StartedAt, run.CompletedAt, nullable(run.Error), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return s.appendAuditEvents(ctx, "run", run.ID, run.AuditLog, 0)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAudit(ctx, "run", run.ID, &run.AuditLog); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inputJSON, outputJSON, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET
			status = ?, input_json = ?, output_json = ?,
			started_at = ?, completed_at = ?, error = ?
		 WHERE id = ?`,
		string(run.Status), inputJSON, outputJSON,
		run.StartedAt, run.CompletedAt, nullable(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	stored, err := s.countAudit(ctx, "run", run.ID)
	if err != nil {
		return err
	}
	return s.appendAuditEvents(ctx, "run", run.ID, run.AuditLog, stored-run.AuditDropped)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	query := selectRunSQL
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, `workflow_id = ?`)
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) countAudit(ctx context.Context, entityType, entityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_audit_events WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) appendAuditEvents(ctx context.Context, entityType, entityID string, events []AuditEvent, from int) error {
	if from < 0 {
		from = 0
	}
	if from >= len(events) {
		return nil
	}
	for _, ev := range events[from:] {
		var metaJSON any
		if ev.Metadata != nil {
			data, err := json.Marshal(ev.Metadata)
			if err != nil {
				return fmt.Errorf("encoding audit metadata: %w", err)
			}
			metaJSON = string(data)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO workflow_audit_events (entity_type, entity_id, actor, action, at, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			entityType, entityID, ev.Actor, ev.Action, ev.Timestamp, metaJSON); err != nil {
			return fmt.Errorf("appending audit event: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadAudit(ctx context.Context, entityType, entityID string, into *[]AuditEvent) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, action, at, metadata_json FROM workflow_audit_events
		 WHERE entity_type = ? AND entity_id = ? ORDER BY id`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("loading audit events: %w", err)
	}
	defer rows.Close()

	*into = nil
	for rows.Next() {
		var ev AuditEvent
		var metaJSON sql.NullString
		if err := rows.Scan(&ev.Actor, &ev.Action, &ev.Timestamp, &metaJSON); err != nil {
			return err
		}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
				return fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		*into = append(*into, ev)
	}
	return rows.Err()
}

const selectWorkflowSQL = `SELECT
	id, name, slug, description, tags_json, is_archived, is_public,
	publish_token_hash, published_at, published_by, require_login,
	webhook_config_json, created_at, updated_at
	FROM workflows`

const selectVersionSQL = `SELECT
	id, workflow_id, version, graph_json, metadata_json, created_by, created_at, notes
	FROM workflow_versions`

const selectRunSQL = `SELECT
	id, workflow_id, workflow_version_id, status, triggered_by,
	input_json, output_json, started_at, completed_at, error, created_at
	FROM workflow_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf                     Workflow
		description            sql.NullString
		tagsJSON               string
		tokenHash, publishedBy sql.NullString
		publishedAt            sql.NullTime
		webhookJSON            sql.NullString
	)
	err := row.Scan(&wf.ID, &wf.Name, &wf.Slug, &description, &tagsJSON,
		&wf.IsArchived, &wf.IsPublic, &tokenHash, &publishedAt, &publishedBy,
		&wf.RequireLogin, &webhookJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.PublishTokenHash = tokenHash.String
	if publishedAt.Valid {
		t := publishedAt.Time
		wf.PublishedAt = &t
	}
	wf.PublishedBy = publishedBy.String
	if webhookJSON.Valid {
		wf.WebhookConfig = json.RawMessage(webhookJSON.String)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &wf.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return &wf, nil
}

func scanVersion(row rowScanner) (*WorkflowVersion, error) {
	var (
		v                 WorkflowVersion
		graphJSON         string
		metaJSON          sql.NullString
		createdBy, notes  sql.NullString
	)
	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &graphJSON, &metaJSON,
		&createdBy, &v.CreatedAt, &notes)
	if err != nil {
		return nil, err
	}
	v.CreatedBy = createdBy.String
	v.Notes = notes.String
	if err := json.Unmarshal([]byte(graphJSON), &v.Graph); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &v.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &v, nil
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	var (
		run                    WorkflowRun
		status                 string
		triggeredBy, runErr    sql.NullString
		inputJSON, outputJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &status,
		&triggeredBy, &inputJSON, &outputJSON, &startedAt, &completedAt,
		&runErr, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.TriggeredBy = triggeredBy.String
	run.Error = runErr.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if inputJSON.Valid {
		if err := json.Unmarshal([]byte(inputJSON.String), &run.InputPayload); err != nil {
			return nil, fmt.Errorf("decoding input payload: %w", err)
		}
	}
	if outputJSON.Valid {
		if err := json.Unmarshal([]byte(outputJSON.String), &run.OutputPayload); err != nil {
			return nil, fmt.Errorf("decoding output payload: %w", err)
		}
	}
	return &run, nil
}

func encodeRunPayloads(run *WorkflowRun) (inputJSON, outputJSON any, err error) {
	if run.InputPayload != nil {
		data, err := json.Marshal(run.InputPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding input payload: %w", err)
		}
		inputJSON = string(data)
	}
	if run.OutputPayload != nil {
		data, err := json.Marshal(run.OutputPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding output payload: %w", err)
		}
		outputJSON = string(data)
	}
	return inputJSON, outputJSON, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
