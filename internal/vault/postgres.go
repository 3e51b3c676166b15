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

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orcheo/orcheo/pkg/errors"
)

// PostgresStore is a Postgres-backed credential store on a pgx pool.
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
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			kind TEXT NOT NULL,
			access TEXT NOT NULL,
			scopes_json JSONB NOT NULL DEFAULT '[]',
			template_id TEXT,
			ciphertext_json JSONB NOT NULL,
			health_status TEXT NOT NULL DEFAULT 'UNKNOWN',
			health_checked_at TIMESTAMPTZ,
			health_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			owner TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_scope_name
			ON credentials(workflow_id, name)`,
		`CREATE TABLE IF NOT EXISTS credential_audit_events (
			id BIGSERIAL PRIMARY KEY,
			credential_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			metadata_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credential_audit_credential
			ON credential_audit_events(credential_id, id)`,
		`CREATE TABLE IF NOT EXISTS credential_templates (
			provider TEXT PRIMARY KEY,
			template_json JSONB NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores a new credential inside a transaction so the conflict check
// and the write are atomic.
func (s *PostgresStore) Insert(ctx context.Context, cred *Credential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	scopeWorkflow := ""
	if cred.ScopeKey() != "public" {
		scopeWorkflow = cred.WorkflowID
	}
	var count int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM credentials WHERE workflow_id = $1 AND name = $2`,
		scopeWorkflow, cred.Name).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking name conflict: %w", err)
	}
	if count > 0 {
		return &errors.NameConflictError{Name: cred.Name, Scope: cred.ScopeKey()}
	}

	ctJSON, scopesJSON, err := encodeCredentialJSON(cred)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credentials
			(id, workflow_id, name, provider, kind, access, scopes_json, template_id,
			 ciphertext_json, health_status, health_checked_at, health_reason, created_at, owner)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cred.ID, cred.WorkflowID, cred.Name, cred.Provider, string(cred.Kind),
		string(cred.Access), scopesJSON, nullable(cred.TemplateID), ctJSON,
		string(cred.Health.Status), cred.Health.LastCheckedAt, nullable(cred.Health.FailureReason),
		cred.CreatedAt, nullable(cred.Owner))
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, cred.ID, cred.AuditLog, 0); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns a credential by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.pool.QueryRow(ctx, selectCredentialPgxSQL+` WHERE id = $1`, id)
	cred, err := scanCredential(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "credential", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAudit(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// FindByName resolves a name within a workflow context.
func (s *PostgresStore) FindByName(ctx context.Context, name, workflowID string) (*Credential, error) {
	rows, err := s.pool.Query(ctx, selectCredentialPgxSQL+` WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var sharedMatch, publicMatch, exactMatch *Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		if !cred.VisibleTo(workflowID) {
			continue
		}
		switch {
		case cred.WorkflowID == workflowID && workflowID != "":
			exactMatch = cred
		case cred.Access == AccessShared:
			sharedMatch = cred
		case cred.Access == AccessPublic:
			publicMatch = cred
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	match := exactMatch
	if match == nil {
		match = sharedMatch
	}
	if match == nil {
		match = publicMatch
	}
	if match == nil {
		return nil, &errors.NotFoundError{Resource: "credential", ID: name}
	}
	if err := s.loadAudit(ctx, match); err != nil {
		return nil, err
	}
	return match, nil
}

// List returns all credentials visible in the workflow context.
func (s *PostgresStore) List(ctx context.Context, workflowID string) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, selectCredentialPgxSQL)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		if cred.VisibleTo(workflowID) {
			out = append(out, cred)
		}
	}
	return out, rows.Err()
}

// Update persists changes to an existing credential.
func (s *PostgresStore) Update(ctx context.Context, cred *Credential) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ctJSON, scopesJSON, err := encodeCredentialJSON(cred)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE credentials SET
			workflow_id = $1, name = $2, provider = $3, kind = $4, access = $5,
			scopes_json = $6, template_id = $7, ciphertext_json = $8,
			health_status = $9, health_checked_at = $10, health_reason = $11, owner = $12
		 WHERE id = $13`,
		cred.WorkflowID, cred.Name, cred.Provider, string(cred.Kind), string(cred.Access),
		scopesJSON, nullable(cred.TemplateID), ctJSON,
		string(cred.Health.Status), cred.Health.LastCheckedAt, nullable(cred.Health.FailureReason),
		nullable(cred.Owner), cred.ID)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "credential", ID: cred.ID}
	}

	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM credential_audit_events WHERE credential_id = $1`,
		cred.ID).Scan(&stored); err != nil {
		return fmt.Errorf("counting audit events: %w", err)
	}
	if err := appendAuditEventsPgx(ctx, tx, cred.ID, cred.AuditLog, stored); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a credential and its audit trail.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "credential", ID: id}
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM credential_audit_events WHERE credential_id = $1`, id)
	return err
}

// PutTemplate upserts a credential template.
func (s *PostgresStore) PutTemplate(ctx context.Context, tpl *Template) error {
	data, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encoding template: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO credential_templates (provider, template_json) VALUES ($1, $2)
		 ON CONFLICT (provider) DO UPDATE SET template_json = EXCLUDED.template_json`,
		tpl.Provider, string(data))
	return err
}

// GetTemplate returns a template by provider slug.
func (s *PostgresStore) GetTemplate(ctx context.Context, provider string) (*Template, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT template_json FROM credential_templates WHERE provider = $1`, provider).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "credential template", ID: provider}
	}
	if err != nil {
		return nil, err
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	return &tpl, nil
}

// ListTemplates returns all templates.
func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT template_json FROM credential_templates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var tpl Template
		if err := json.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("decoding template: %w", err)
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) loadAudit(ctx context.Context, cred *Credential) error {
	rows, err := s.pool.Query(ctx,
		`SELECT actor, action, at, metadata_json FROM credential_audit_events
		 WHERE credential_id = $1 ORDER BY id`, cred.ID)
	if err != nil {
		return fmt.Errorf("loading audit events: %w", err)
	}
	defer rows.Close()

	cred.AuditLog = nil
	for rows.Next() {
		var ev AuditEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.Actor, &ev.Action, &ev.Timestamp, &metaJSON); err != nil {
			return err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		cred.AuditLog = append(cred.AuditLog, ev)
	}
	return rows.Err()
}

func appendAuditEventsPgx(ctx context.Context, tx pgx.Tx, credID string, events []AuditEvent, from int) error {
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
			`INSERT INTO credential_audit_events (credential_id, actor, action, at, metadata_json)
			 VALUES ($1, $2, $3, $4, $5)`,
			credID, ev.Actor, ev.Action, ev.Timestamp, metaJSON); err != nil {
			return fmt.Errorf("appending audit event: %w", err)
		}
	}
	return nil
}

const selectCredentialPgxSQL = `SELECT
	id, workflow_id, name, provider, kind, access, scopes_json::text, template_id,
	ciphertext_json::text, health_status, health_checked_at, health_reason, created_at, owner
	FROM credentials`
