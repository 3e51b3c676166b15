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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orcheo/orcheo/pkg/errors"
)

// PostgresStore is a Postgres-backed repository store on a pgx pool.
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
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			description TEXT,
			tags_json JSONB NOT NULL DEFAULT '[]',
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			is_public BOOLEAN NOT NULL DEFAULT FALSE,
			publish_token_hash TEXT,
			published_at TIMESTAMPTZ,
			published_by TEXT,
			require_login BOOLEAN NOT NULL DEFAULT FALSE,
			webhook_config_json JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			graph_json JSONB NOT NULL,
			metadata_json JSONB,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			notes TEXT,
			UNIQUE(workflow_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT,
			input_json JSONB,
			output_json JSONB,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow
			ON workflow_runs(workflow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_audit_events (
			id BIGSERIAL PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			metadata_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_audit_entity
			ON workflow_audit_events(entity_type, entity_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertWorkflow(ctx context.Context, wf *Workflow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE slug = $1`, wf.Slug).Scan(&count); err != nil {
		return fmt.Errorf("checking slug: %w", err)
	}
	if count > 0 {
		return &errors.NameConflictError{Name: wf.Slug, Scope: "workflow"}
	}

	tagsJSON, err := encodeTags(wf.Tags)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO workflows
			(id, name, slug, description, tags_json, is_archived, is_public,
			 publish_token_hash, published_at, published_by, require_login,
			 webhook_config_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		wf.ID, wf.Name, wf.Slug, nullable(wf.Description), tagsJSON,
		wf.IsArchived, wf.IsPublic, nullable(wf.PublishTokenHash),
		wf.PublishedAt, nullable(wf.PublishedBy), wf.RequireLogin,
		nullableRaw(wf.WebhookConfig), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, "workflow", wf.ID, wf.AuditLog, 0); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error) {
	return s.getWorkflowWhere(ctx, `slug = $1`, slug)
}

func (s *PostgresStore) getWorkflowWhere(ctx context.Context, where string, arg any) (*Workflow, error) {
	row := s.pool.QueryRow(ctx, selectWorkflowPgxSQL+` WHERE `+where, arg)
	wf, err := scanWorkflow(row)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) ListWorkflows(ctx context.Context, includeArchived bool) ([]*Workflow, error) {
	query := selectWorkflowPgxSQL
	if !includeArchived {
		query += ` WHERE NOT is_archived`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
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

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tagsJSON, err := encodeTags(wf.Tags)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE workflows SET
			name = $1, description = $2, tags_json = $3, is_archived = $4,
			is_public = $5, publish_token_hash = $6, published_at = $7,
			published_by = $8, require_login = $9, webhook_config_json = $10,
			updated_at = $11
		 WHERE id = $12`,
		wf.Name, nullable(wf.Description), tagsJSON, wf.IsArchived,
		wf.IsPublic, nullable(wf.PublishTokenHash), wf.PublishedAt,
		nullable(wf.PublishedBy), wf.RequireLogin, nullableRaw(wf.WebhookConfig),
		wf.UpdatedAt, wf.ID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.ID}
	}

	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_audit_events WHERE entity_type = 'workflow' AND entity_id = $1`,
		wf.ID).Scan(&stored); err != nil {
		return fmt.Errorf("counting audit events: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, "workflow", wf.ID, wf.AuditLog, stored-wf.AuditDropped); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE slug = $1`, slug).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking slug: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) InsertVersion(ctx context.Context, v *WorkflowVersion) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_versions
			(id, workflow_id, version, graph_json, metadata_json, created_by, created_at, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.WorkflowID, v.Version, string(graphJSON), metaJSON,
		nullable(v.CreatedBy), v.CreatedAt, nullable(v.Notes))
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	row := s.pool.QueryRow(ctx,
		selectVersionPgxSQL+` WHERE workflow_id = $1 AND version = $2`, workflowID, version)
	v, err := scanVersion(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow_version", ID: fmt.Sprintf("%s@%d", workflowID, version)}
	}
	return v, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	rows, err := s.pool.Query(ctx,
		selectVersionPgxSQL+` WHERE workflow_id = $1 ORDER BY version DESC`, workflowID)
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

func (s *PostgresStore) MaxVersion(ctx context.Context, workflowID string) (int, error) {
	var max *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(version) FROM workflow_versions WHERE workflow_id = $1`, workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("resolving max version: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (s *PostgresStore) InsertRun(ctx context.Context, run *WorkflowRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inputJSON, outputJSON, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_runs
			(id, workflow_id, workflow_version_id, status, triggered_by,
			 input_json, output_json, started_at, completed_at, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.WorkflowID, run.WorkflowVersionID, string(run.Status),
		nullable(run.TriggeredBy), inputJSON, outputJSON,
		run.StartedAt, run.CompletedAt, nullable(run.Error), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, "run", run.ID, run.AuditLog, 0); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.pool.QueryRow(ctx, selectRunPgxSQL+` WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) UpdateRun(ctx context.Context, run *WorkflowRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inputJSON, outputJSON, err := encodeRunPayloads(run)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE workflow_runs SET
			status = $1, input_json = $2, output_json = $3,
			started_at = $4, completed_at = $5, error = $6
		 WHERE id = $7`,
		string(run.Status), inputJSON, outputJSON,
		run.StartedAt, run.CompletedAt, nullable(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}

	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_audit_events WHERE entity_type = 'run' AND entity_id = $1`,
		run.ID).Scan(&stored); err != nil {
		return fmt.Errorf("counting audit events: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, "run", run.ID, run.AuditLog, stored-run.AuditDropped); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	query := selectRunPgxSQL
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		conds = append(conds, fmt.Sprintf(`workflow_id = $%d`, len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf(`status = $%d`, len(args)))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) loadAudit(ctx context.Context, entityType, entityID string, into *[]AuditEvent) error {
	rows, err := s.pool.Query(ctx,
		`SELECT actor, action, at, metadata_json::text FROM workflow_audit_events
		 WHERE entity_type = $1 AND entity_id = $2 ORDER BY id`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("loading audit events: %w", err)
	}
	defer rows.Close()

	*into = nil
	for rows.Next() {
		var ev AuditEvent
		var metaJSON *string
		if err := rows.Scan(&ev.Actor, &ev.Action, &ev.Timestamp, &metaJSON); err != nil {
			return err
		}
		if metaJSON != nil {
			if err := json.Unmarshal([]byte(*metaJSON), &ev.Metadata); err != nil {
				return fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		*into = append(*into, ev)
	}
	return rows.Err()
}

func appendAuditEventsPgx(ctx context.Context, tx pgx.Tx, entityType, entityID string, events []AuditEvent, from int) error {
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_audit_events (entity_type, entity_id, actor, action, at, metadata_json)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entityType, entityID, ev.Actor, ev.Action, ev.Timestamp, metaJSON); err != nil {
			return fmt.Errorf("appending audit event: %w", err)
		}
	}
	return nil
}

const selectWorkflowPgxSQL = `SELECT
	id, name, slug, description, tags_json::text, is_archived, is_public,
	publish_token_hash, published_at, published_by, require_login,
	webhook_config_json::text, created_at, updated_at
	FROM workflows`

const selectVersionPgxSQL = `SELECT
	id, workflow_id, version, graph_json::text, metadata_json::text, created_by, created_at, notes
	FROM workflow_versions`

const selectRunPgxSQL = `SELECT
	id, workflow_id, workflow_version_id, status, triggered_by,
	input_json::text, output_json::text, started_at, completed_at, error, created_at
	FROM workflow_runs`
