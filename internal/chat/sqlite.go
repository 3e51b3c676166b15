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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcheo/orcheo/pkg/errors"
)

// SQLiteStore is a SQLite-backed chat store. Databases written before
// chat_messages carried a thread_id column are upgraded on open, with
// existing rows back-filled from their containing thread.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if necessary initializes or upgrades) the
// chat database at the given path.
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
		`CREATE TABLE IF NOT EXISTS chat_threads (
			id TEXT PRIMARY KEY,
			title TEXT,
			status_json TEXT,
			metadata_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_threads_updated
			ON chat_threads(updated_at)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			item_type TEXT,
			item_json TEXT,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (thread_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_attachments (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			attachment_type TEXT,
			name TEXT,
			mime_type TEXT,
			details_json TEXT,
			storage_path TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_attachments_thread
			ON chat_attachments(thread_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return s.migrateThreadColumn(ctx)
}

// migrateThreadColumn upgrades chat_messages tables created before the
// thread_id column existed. Rows from the legacy single-thread layout
// are back-filled with the only thread on file; anything else is left
// for manual repair.
func (s *SQLiteStore) migrateThreadColumn(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(chat_messages)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasThreadID := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dflt      sql.NullString
			primaryKy int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &primaryKy); err != nil {
			return err
		}
		if name == "thread_id" {
			hasThreadID = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasThreadID {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`ALTER TABLE chat_messages ADD COLUMN thread_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_messages SET thread_id = (SELECT id FROM chat_threads)
		WHERE thread_id = '' AND (SELECT COUNT(*) FROM chat_threads) = 1`)
	return err
}

func (s *SQLiteStore) UpsertThread(ctx context.Context, thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_threads (id, title, status_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status_json = excluded.status_json,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		thread.ID, nullable(thread.Title), encodeMap(thread.Status), encodeMap(thread.Metadata),
		thread.CreatedAt.UTC(), thread.UpdatedAt.UTC())
	return err
}

const selectThreadSQL = `
	SELECT id, title, status_json, metadata_json, created_at, updated_at
	FROM chat_threads`

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, selectThreadSQL+` WHERE id = ?`, id)
	thread, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	return thread, err
}

func (s *SQLiteStore) ListThreads(ctx context.Context, query ThreadQuery) ([]*Thread, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(selectThreadSQL)

	if query.After != "" {
		cmp := "<"
		if query.order() == OrderAsc {
			cmp = ">"
		}
		// Keyset over (created_at, id); an unknown marker matches nothing
		// in the subqueries and the page starts from the beginning.
		if exists, err := s.threadExists(ctx, query.After); err != nil {
			return nil, err
		} else if exists {
			sb.WriteString(fmt.Sprintf(` WHERE (created_at, id) %s (
				(SELECT created_at FROM chat_threads WHERE id = ?),
				(SELECT id FROM chat_threads WHERE id = ?))`, cmp))
			args = append(args, query.After, query.After)
		}
	}

	if query.order() == OrderAsc {
		sb.WriteString(` ORDER BY created_at ASC, id ASC`)
	} else {
		sb.WriteString(` ORDER BY created_at DESC, id DESC`)
	}
	if query.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
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

func (s *SQLiteStore) threadExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_threads WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) AddItem(ctx context.Context, threadID string, item *Item) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, &errors.NotFoundError{Resource: "thread", ID: threadID}
	}

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ordinal) + 1 FROM chat_messages WHERE thread_id = ?`, threadID).Scan(&next); err != nil {
		return nil, err
	}

	stored := cloneItem(item)
	stored.ThreadID = threadID
	stored.Ordinal = int(next.Int64)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, thread_id, ordinal, item_type, item_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, threadID, stored.Ordinal, nullable(stored.Type),
		encodeMap(stored.Payload), stored.CreatedAt.UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) UpsertItem(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_threads WHERE id = ?`, item.ThreadID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "thread", ID: item.ThreadID}
	}

	var ordinal sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT ordinal FROM chat_messages WHERE id = ? AND thread_id = ?`,
		item.ID, item.ThreadID).Scan(&ordinal)
	switch err {
	case nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_messages SET item_type = ?, item_json = ?
			WHERE id = ? AND thread_id = ?`,
			nullable(item.Type), encodeMap(item.Payload), item.ID, item.ThreadID); err != nil {
			return err
		}
	case sql.ErrNoRows:
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(ordinal) + 1 FROM chat_messages WHERE thread_id = ?`,
			item.ThreadID).Scan(&next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_messages (id, thread_id, ordinal, item_type, item_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, item.ThreadID, int(next.Int64), nullable(item.Type),
			encodeMap(item.Payload), item.CreatedAt.UTC()); err != nil {
			return err
		}
	default:
		return err
	}
	return tx.Commit()
}

const selectItemSQL = `
	SELECT id, thread_id, ordinal, item_type, item_json, created_at
	FROM chat_messages`

// markerOrdinal resolves the After marker under (id AND thread_id).
// Markers from other threads resolve to nothing and page from ordinal 0.
func (s *SQLiteStore) markerOrdinal(ctx context.Context, query ItemQuery) (int, bool, error) {
	if query.After == "" {
		return 0, false, nil
	}
	var ordinal int
	err := s.db.QueryRowContext(ctx,
		`SELECT ordinal FROM chat_messages WHERE id = ? AND thread_id = ?`,
		query.After, query.ThreadID).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ordinal, true, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, query ItemQuery) ([]*Item, error) {
	if exists, err := s.threadExists(ctx, query.ThreadID); err != nil {
		return nil, err
	} else if !exists {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded, err := s.markerOrdinal(ctx, query)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(selectItemSQL)
	sb.WriteString(` WHERE thread_id = ?`)
	args = append(args, query.ThreadID)

	if bounded {
		if query.order() == OrderAsc {
			sb.WriteString(` AND ordinal > ?`)
		} else {
			sb.WriteString(` AND ordinal < ?`)
		}
		args = append(args, afterOrdinal)
	}
	if query.order() == OrderAsc {
		sb.WriteString(` ORDER BY ordinal ASC`)
	} else {
		sb.WriteString(` ORDER BY ordinal DESC`)
	}
	if query.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) SearchItems(ctx context.Context, query ItemQuery, needle string) ([]*Item, error) {
	if exists, err := s.threadExists(ctx, query.ThreadID); err != nil {
		return nil, err
	} else if !exists {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded, err := s.markerOrdinal(ctx, query)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(selectItemSQL)
	sb.WriteString(` WHERE thread_id = ? AND item_json LIKE ?`)
	args = append(args, query.ThreadID, "%"+needle+"%")
	if bounded {
		sb.WriteString(` AND ordinal > ?`)
		args = append(args, afterOrdinal)
	}
	sb.WriteString(` ORDER BY ordinal ASC`)
	if query.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	paths, err := attachmentPaths(ctx, tx, `SELECT storage_path FROM chat_attachments WHERE thread_id = ?`, id)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM chat_threads WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE thread_id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_attachments WHERE thread_id = ?`, id); err != nil {
		return nil, err
	}
	return paths, tx.Commit()
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	paths, err := attachmentPaths(ctx, tx, `
		SELECT a.storage_path FROM chat_attachments a
		JOIN chat_threads t ON t.id = a.thread_id
		WHERE t.updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE thread_id IN
			(SELECT id FROM chat_threads WHERE updated_at < ?)`, cutoff.UTC()); err != nil {
		return 0, nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_attachments WHERE thread_id IN
			(SELECT id FROM chat_threads WHERE updated_at < ?)`, cutoff.UTC()); err != nil {
		return 0, nil, err
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM chat_threads WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	return int(affected), paths, tx.Commit()
}

func (s *SQLiteStore) SaveAttachment(ctx context.Context, att *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_attachments
			(id, thread_id, attachment_type, name, mime_type, details_json, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			thread_id = excluded.thread_id,
			attachment_type = excluded.attachment_type,
			name = excluded.name,
			mime_type = excluded.mime_type,
			details_json = excluded.details_json,
			storage_path = excluded.storage_path`,
		att.ID, nullable(att.ThreadID), nullable(att.Type), att.Name,
		nullable(att.MimeType), encodeMap(att.Details), nullable(att.StoragePath),
		att.CreatedAt.UTC())
	return err
}

const selectAttachmentSQL = `
	SELECT id, thread_id, attachment_type, name, mime_type, details_json, storage_path, created_at
	FROM chat_attachments`

func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, selectAttachmentSQL+` WHERE id = ?`, id)
	att, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "attachment", ID: id}
	}
	return att, err
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, id string) (*Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, err := s.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_attachments WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return att, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var (
		thread   Thread
		title    sql.NullString
		status   sql.NullString
		metadata sql.NullString
	)
	if err := row.Scan(&thread.ID, &title, &status, &metadata,
		&thread.CreatedAt, &thread.UpdatedAt); err != nil {
		return nil, err
	}
	thread.Title = title.String
	thread.Status = decodeMap(status)
	thread.Metadata = decodeMap(metadata)
	return &thread, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
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

func scanAttachment(row rowScanner) (*Attachment, error) {
	var (
		att         Attachment
		threadID    sql.NullString
		attType     sql.NullString
		mimeType    sql.NullString
		details     sql.NullString
		storagePath sql.NullString
	)
	if err := row.Scan(&att.ID, &threadID, &attType, &att.Name,
		&mimeType, &details, &storagePath, &att.CreatedAt); err != nil {
		return nil, err
	}
	att.ThreadID = threadID.String
	att.Type = attType.String
	att.MimeType = mimeType.String
	att.Details = decodeMap(details)
	att.StoragePath = storagePath.String
	return &att, nil
}

func attachmentPaths(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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
