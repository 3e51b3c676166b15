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

package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orcheo/orcheo/pkg/errors"
)

// PostgresStore is a Postgres-backed chat store on a pgx pool. Item
// ordinals are assigned under a row lock on the thread so concurrent
// appenders cannot collide on (thread_id, ordinal).
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
		`CREATE TABLE IF NOT EXISTS chat_threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			status_json JSONB,
			metadata_json JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_threads_updated
			ON chat_threads(updated_at)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			item_type TEXT,
			item_json JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (thread_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_attachments (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			attachment_type TEXT,
			name TEXT,
			mime_type TEXT,
			details_json JSONB,
			storage_path TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_attachments_thread
			ON chat_attachments(thread_id)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpsertThread(ctx context.Context, thread *Thread) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_threads (id, title, status_json, metadata_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status_json = EXCLUDED.status_json,
			metadata_json = EXCLUDED.metadata_json,
			updated_at = EXCLUDED.updated_at`,
		thread.ID, nullable(thread.Title), encodeMap(thread.Status), encodeMap(thread.Metadata),
		thread.CreatedAt.UTC(), thread.UpdatedAt.UTC())
	return err
}

const selectThreadPgSQL = `
	SELECT id, title, status_json::text, metadata_json::text, created_at, updated_at
	FROM chat_threads`

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.pool.QueryRow(ctx, selectThreadPgSQL+` WHERE id = $1`, id)
	thread, err := scanThread(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	return thread, err
}

func (s *PostgresStore) ListThreads(ctx context.Context, query ThreadQuery) ([]*Thread, error) {
	sql := selectThreadPgSQL
	var args []any

	if query.After != "" {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chat_threads WHERE id = $1)`, query.After).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			cmp := "<"
			if query.order() == OrderAsc {
				cmp = ">"
			}
			sql += fmt.Sprintf(` WHERE (created_at, id) %s (
				SELECT created_at, id FROM chat_threads WHERE id = $1)`, cmp)
			args = append(args, query.After)
		}
	}

	if query.order() == OrderAsc {
		sql += ` ORDER BY created_at ASC, id ASC`
	} else {
		sql += ` ORDER BY created_at DESC, id DESC`
	}
	if query.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, query.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, thread)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddItem(ctx context.Context, threadID string, item *Item) (*Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the thread row to serialize ordinal assignment.
	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM chat_threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&locked)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "thread", ID: threadID}
	}
	if err != nil {
		return nil, err
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM chat_messages WHERE thread_id = $1`,
		threadID).Scan(&next); err != nil {
		return nil, err
	}

	stored := cloneItem(item)
	stored.ThreadID = threadID
	stored.Ordinal = next

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_messages (id, thread_id, ordinal, item_type, item_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		stored.ID, threadID, stored.Ordinal, nullable(stored.Type),
		encodeMap(stored.Payload), stored.CreatedAt.UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) UpsertItem(ctx context.Context, item *Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM chat_threads WHERE id = $1 FOR UPDATE`, item.ThreadID).Scan(&locked)
	if err == pgx.ErrNoRows {
		return &errors.NotFoundError{Resource: "thread", ID: item.ThreadID}
	}
	if err != nil {
		return err
	}

	var ordinal int
	err = tx.QueryRow(ctx,
		`SELECT ordinal FROM chat_messages WHERE id = $1 AND thread_id = $2`,
		item.ID, item.ThreadID).Scan(&ordinal)
	switch err {
	case nil:
		if _, err := tx.Exec(ctx, `
			UPDATE chat_messages SET item_type = $1, item_json = $2
			WHERE id = $3 AND thread_id = $4`,
			nullable(item.Type), encodeMap(item.Payload), item.ID, item.ThreadID); err != nil {
			return err
		}
	case pgx.ErrNoRows:
		var next int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM chat_messages WHERE thread_id = $1`,
			item.ThreadID).Scan(&next); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_messages (id, thread_id, ordinal, item_type, item_json, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			item.ID, item.ThreadID, next, nullable(item.Type),
			encodeMap(item.Payload), item.CreatedAt.UTC()); err != nil {
			return err
		}
	default:
		return err
	}
	return tx.Commit(ctx)
}

const selectItemPgSQL = `
	SELECT id, thread_id, ordinal, item_type, item_json::text, created_at
	FROM chat_messages`

func (s *PostgresStore) markerOrdinal(ctx context.Context, query ItemQuery) (int, bool, error) {
	if query.After == "" {
		return 0, false, nil
	}
	var ordinal int
	err := s.pool.QueryRow(ctx,
		`SELECT ordinal FROM chat_messages WHERE id = $1 AND thread_id = $2`,
		query.After, query.ThreadID).Scan(&ordinal)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ordinal, true, nil
}

func (s *PostgresStore) threadExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_threads WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListItems(ctx context.Context, query ItemQuery) ([]*Item, error) {
	if exists, err := s.threadExists(ctx, query.ThreadID); err != nil {
		return nil, err
	} else if !exists {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded, err := s.markerOrdinal(ctx, query)
	if err != nil {
		return nil, err
	}

	sql := selectItemPgSQL + ` WHERE thread_id = $1`
	args := []any{query.ThreadID}
	if bounded {
		if query.order() == OrderAsc {
			sql += ` AND ordinal > $2`
		} else {
			sql += ` AND ordinal < $2`
		}
		args = append(args, afterOrdinal)
	}
	if query.order() == OrderAsc {
		sql += ` ORDER BY ordinal ASC`
	} else {
		sql += ` ORDER BY ordinal DESC`
	}
	if query.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, query.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItemsPg(rows)
}

func (s *PostgresStore) SearchItems(ctx context.Context, query ItemQuery, needle string) ([]*Item, error) {
	if exists, err := s.threadExists(ctx, query.ThreadID); err != nil {
		return nil, err
	} else if !exists {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded, err := s.markerOrdinal(ctx, query)
	if err != nil {
		return nil, err
	}

	sql := selectItemPgSQL + ` WHERE thread_id = $1 AND item_json::text ILIKE $2`
	args := []any{query.ThreadID, "%" + needle + "%"}
	if bounded {
		sql += ` AND ordinal > $3`
		args = append(args, afterOrdinal)
	}
	sql += ` ORDER BY ordinal ASC`
	if query.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, query.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItemsPg(rows)
}

func (s *PostgresStore) DeleteThread(ctx context.Context, id string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	paths, err := attachmentPathsPg(ctx, tx,
		`SELECT storage_path FROM chat_attachments WHERE thread_id = $1`, id)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM chat_threads WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE thread_id = $1`, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_attachments WHERE thread_id = $1`, id); err != nil {
		return nil, err
	}
	return paths, tx.Commit(ctx)
}

func (s *PostgresStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, []string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	paths, err := attachmentPathsPg(ctx, tx, `
		SELECT a.storage_path FROM chat_attachments a
		JOIN chat_threads t ON t.id = a.thread_id
		WHERE t.updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, nil, err
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM chat_messages WHERE thread_id IN
			(SELECT id FROM chat_threads WHERE updated_at < $1)`, cutoff.UTC()); err != nil {
		return 0, nil, err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM chat_attachments WHERE thread_id IN
			(SELECT id FROM chat_threads WHERE updated_at < $1)`, cutoff.UTC()); err != nil {
		return 0, nil, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM chat_threads WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, nil, err
	}
	return int(tag.RowsAffected()), paths, tx.Commit(ctx)
}

func (s *PostgresStore) SaveAttachment(ctx context.Context, att *Attachment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_attachments
			(id, thread_id, attachment_type, name, mime_type, details_json, storage_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			attachment_type = EXCLUDED.attachment_type,
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			details_json = EXCLUDED.details_json,
			storage_path = EXCLUDED.storage_path`,
		att.ID, nullable(att.ThreadID), nullable(att.Type), att.Name,
		nullable(att.MimeType), encodeMap(att.Details), nullable(att.StoragePath),
		att.CreatedAt.UTC())
	return err
}

const selectAttachmentPgSQL = `
	SELECT id, thread_id, attachment_type, name, mime_type, details_json::text, storage_path, created_at
	FROM chat_attachments`

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.pool.QueryRow(ctx, selectAttachmentPgSQL+` WHERE id = $1`, id)
	att, err := scanAttachment(row)
	if err == pgx.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "attachment", ID: id}
	}
	return att, err
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, id string) (*Attachment, error) {
	att, err := s.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_attachments WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return att, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanItemsPg(rows pgx.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		var (
			item     Item
			itemType sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Ordinal,
			&itemType, &payload, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Type = itemType.String
		item.Payload = decodeMap(payload)
		out = append(out, &item)
	}
	return out, rows.Err()
}

func attachmentPathsPg(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path sql.NullString
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		if path.String != "" {
			paths = append(paths, path.String)
		}
	}
	return paths, rows.Err()
}
