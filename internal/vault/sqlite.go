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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcheo/orcheo/pkg/errors"
)

// SQLiteStore is a SQLite-backed credential store. The database file is
// single-process-owned, so writes serialize through an in-process mutex on
// top of WAL mode.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if necessary initializes) a SQLite credential
// store at the given path. ":memory:" creates an in-memory database.
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
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			kind TEXT NOT NULL,
			access TEXT NOT NULL,
			scopes_json TEXT NOT NULL DEFAULT '[]',
			template_id TEXT,
			ciphertext_json TEXT NOT NULL,
			health_status TEXT NOT NULL DEFAULT 'UNKNOWN',
			health_checked_at TIMESTAMP,
			health_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			owner TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_scope_name
			ON credentials(workflow_id, name)`,
		`CREATE TABLE IF NOT EXISTS credential_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			credential_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			metadata_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credential_audit_credential
			ON credential_audit_events(credential_id, id)`,
		`CREATE TABLE IF NOT EXISTS credential_templates (
			provider TEXT PRIMARY KEY,
			template_json TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores a new credential.
func (s *SQLiteStore) Insert(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	scopeWorkflow := ""
	if cred.ScopeKey() != "public" {
		scopeWorkflow = cred.WorkflowID
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE workflow_id = ? AND name = ?`,
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials
			(id, workflow_id, name, provider, kind, access, scopes_json, template_id,
			 ciphertext_json, health_status, health_checked_at, health_reason, created_at, owner)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.WorkflowID, cred.Name, cred.Provider, string(cred.Kind),
		string(cred.Access), scopesJSON, nullable(cred.TemplateID), ctJSON,
		string(cred.Health.Status), cred.Health.LastCheckedAt, nullable(cred.Health.FailureReason),
		cred.CreatedAt, nullable(cred.Owner))
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	return s.appendAuditEvents(ctx, cred.ID, cred.AuditLog, 0)
}

// Get returns a credential by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, selectCredentialSQL+` WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStore) FindByName(ctx context.Context, name, workflowID string) (*Credential, error) {
	rows, err := s.db.QueryContext(ctx, selectCredentialSQL+` WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var sharedMatch, publicMatch *Credential
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
			if err := s.loadAudit(ctx, cred); err != nil {
				return nil, err
			}
			return cred, nil
		case cred.Access == AccessShared:
			sharedMatch = cred
		case cred.Access == AccessPublic:
			publicMatch = cred
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	match := sharedMatch
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
func (s *SQLiteStore) List(ctx context.Context, workflowID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, selectCredentialSQL)
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

// Update persists changes to an existing credential, appending any audit
// events recorded since the last write.
func (s *SQLiteStore) Update(ctx context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctJSON, scopesJSON, err := encodeCredentialJSON(cred)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET
			workflow_id = ?, name = ?, provider = ?, kind = ?, access = ?,
			scopes_json = ?, template_id = ?, ciphertext_json = ?,
			health_status = ?, health_checked_at = ?, health_reason = ?, owner = ?
		 WHERE id = ?`,
		cred.WorkflowID, cred.Name, cred.Provider, string(cred.Kind), string(cred.Access),
		scopesJSON, nullable(cred.TemplateID), ctJSON,
		string(cred.Health.Status), cred.Health.LastCheckedAt, nullable(cred.Health.FailureReason),
		nullable(cred.Owner), cred.ID)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "credential", ID: cred.ID}
	}

	var stored int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_audit_events WHERE credential_id = ?`,
		cred.ID).Scan(&stored); err != nil {
		return fmt.Errorf("counting audit events: %w", err)
	}
	return s.appendAuditEvents(ctx, cred.ID, cred.AuditLog, stored)
}

// Delete removes a credential and its audit trail.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "credential", ID: id}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM credential_audit_events WHERE credential_id = ?`, id)
	return err
}

// PutTemplate upserts a credential template.
func (s *SQLiteStore) PutTemplate(ctx context.Context, tpl *Template) error {
	data, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encoding template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credential_templates (provider, template_json) VALUES (?, ?)
		 ON CONFLICT(provider) DO UPDATE SET template_json = excluded.template_json`,
		tpl.Provider, string(data))
	return err
}

// GetTemplate returns a template by provider slug.
func (s *SQLiteStore) GetTemplate(ctx context.Context, provider string) (*Template, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT template_json FROM credential_templates WHERE provider = ?`, provider).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "credential template", ID: provider}
	}
	if err != nil {
		return nil, err
	}
	var tpl Template
	if err := json.Unmarshal([]byte(data), &tpl); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	return &tpl, nil
}

// ListTemplates returns all templates.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template_json FROM credential_templates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var tpl Template
		if err := json.Unmarshal([]byte(data), &tpl); err != nil {
			return nil, fmt.Errorf("decoding template: %w", err)
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) appendAuditEvents(ctx context.Context, credID string, events []AuditEvent, from int) error {
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
			`INSERT INTO credential_audit_events (credential_id, actor, action, at, metadata_json)
			 VALUES (?, ?, ?, ?, ?)`,
			credID, ev.Actor, ev.Action, ev.Timestamp, metaJSON); err != nil {
			return fmt.Errorf("appending audit event: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadAudit(ctx context.Context, cred *Credential) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, action, at, metadata_json FROM credential_audit_events
		 WHERE credential_id = ? ORDER BY id`, cred.ID)
	if err != nil {
		return fmt.Errorf("loading audit events: %w", err)
	}
	defer rows.Close()

	cred.AuditLog = nil
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
		cred.AuditLog = append(cred.AuditLog, ev)
	}
	return rows.Err()
}

const selectCredentialSQL = `SELECT
	id, workflow_id, name, provider, kind, access, scopes_json, template_id,
	ciphertext_json, health_status, health_checked_at, health_reason, created_at, owner
	FROM credentials`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var (
		cred          Credential
		kind, access  string
		scopesJSON    string
		templateID    sql.NullString
		ctJSON        string
		healthStatus  string
		checkedAt     sql.NullTime
		healthReason  sql.NullString
		owner         sql.NullString
	)
	err := row.Scan(&cred.ID, &cred.WorkflowID, &cred.Name, &cred.Provider, &kind,
		&access, &scopesJSON, &templateID, &ctJSON, &healthStatus, &checkedAt,
		&healthReason, &cred.CreatedAt, &owner)
	if err != nil {
		return nil, err
	}
	cred.Kind = Kind(kind)
	cred.Access = Access(access)
	cred.TemplateID = templateID.String
	cred.Owner = owner.String
	cred.Health.Status = HealthStatus(healthStatus)
	if checkedAt.Valid {
		t := checkedAt.Time
		cred.Health.LastCheckedAt = &t
	}
	cred.Health.FailureReason = healthReason.String
	if err := json.Unmarshal([]byte(scopesJSON), &cred.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(ctJSON), &cred.Encrypted); err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	return &cred, nil
}

func encodeCredentialJSON(cred *Credential) (ctJSON, scopesJSON string, err error) {
	ct, err := json.Marshal(cred.Encrypted)
	if err != nil {
		return "", "", fmt.Errorf("encoding ciphertext: %w", err)
	}
	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	sc, err := json.Marshal(scopes)
	if err != nil {
		return "", "", fmt.Errorf("encoding scopes: %w", err)
	}
	return string(ct), string(sc), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
