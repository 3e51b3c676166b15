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
	"errors"
	"time"
)

// ErrAttachmentsUnsupported is returned by backends that do not persist
// attachments.
var ErrAttachmentsUnsupported = errors.New("chat: attachments are not supported by this backend")

// Store is the contract shared by the memory, SQLite, and Postgres
// backends. Backends persist and enforce uniqueness; lifecycle rules
// (metadata merge, locking, file cleanup) live in the Service.
type Store interface {
	// UpsertThread inserts or replaces a thread by ID.
	UpsertThread(ctx context.Context, thread *Thread) error

	// GetThread fetches a thread. Fails NotFound when missing.
	GetThread(ctx context.Context, id string) (*Thread, error)

	// ListThreads returns a page of threads, keyset-paginated by
	// (created_at, id).
	ListThreads(ctx context.Context, query ThreadQuery) ([]*Thread, error)

	// AddItem appends an item with the thread's next ordinal, enforcing
	// (thread_id, ordinal) uniqueness. Fails NotFound for an unknown
	// thread.
	AddItem(ctx context.Context, threadID string, item *Item) (*Item, error)

	// UpsertItem inserts or replaces an item by (thread_id, item_id),
	// keeping its existing ordinal on replace.
	UpsertItem(ctx context.Context, item *Item) error

	// ListItems returns a page of a thread's items ordered by ordinal.
	// The After marker is resolved under (id AND thread_id); unresolved
	// markers start from ordinal 0.
	ListItems(ctx context.Context, query ItemQuery) ([]*Item, error)

	// SearchItems returns items whose serialized payload contains the
	// query substring, ordinal ascending.
	SearchItems(ctx context.Context, query ItemQuery, needle string) ([]*Item, error)

	// DeleteThread removes a thread, its items, and its attachments,
	// returning the storage paths of removed attachments so the caller
	// can delete files.
	DeleteThread(ctx context.Context, id string) ([]string, error)

	// PruneOlderThan deletes threads with updated_at before the cutoff,
	// cascading, and returns the count plus orphaned storage paths.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, []string, error)

	// SaveAttachment / GetAttachment / DeleteAttachment manage
	// attachment rows. Backends may return ErrAttachmentsUnsupported.
	SaveAttachment(ctx context.Context, att *Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
	DeleteAttachment(ctx context.Context, id string) (*Attachment, error)

	// Close releases backend resources.
	Close() error
}
