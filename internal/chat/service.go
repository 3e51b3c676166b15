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
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the chat store facade: per-thread locking, metadata
// mirroring, attachment file cleanup, and the retention prune loop.
type Service struct {
	store  Store
	logger *slog.Logger
	locks  sync.Map
}

// NewService creates a service over a backend store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) lock(threadID string) func() {
	mu, _ := s.locks.LoadOrStore(threadID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Close releases the backend.
func (s *Service) Close() error { return s.store.Close() }

// SaveThread upserts a thread. Workflow identity from the context is
// merged into metadata without overwriting fields the thread already
// carries.
func (s *Service) SaveThread(ctx context.Context, thread *Thread, reqCtx Context) (*Thread, error) {
	defer s.lock(thread.ID)()

	now := time.Now().UTC()
	stored, err := s.store.GetThread(ctx, thread.ID)
	if err == nil {
		if thread.CreatedAt.IsZero() {
			thread.CreatedAt = stored.CreatedAt
		}
		thread.Metadata = mergeMetadata(stored.Metadata, thread.Metadata)
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	if thread.Metadata == nil {
		thread.Metadata = make(map[string]any)
	}
	if reqCtx.WorkflowID != "" {
		if _, ok := thread.Metadata["workflow_id"]; !ok {
			thread.Metadata["workflow_id"] = reqCtx.WorkflowID
		}
	}
	if reqCtx.WorkflowName != "" {
		if _, ok := thread.Metadata["workflow_name"]; !ok {
			thread.Metadata["workflow_name"] = reqCtx.WorkflowName
		}
	}

	if err := s.store.UpsertThread(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// mergeMetadata keeps explicit incoming fields and fills the rest from
// what is stored.
func mergeMetadata(stored, incoming map[string]any) map[string]any {
	if incoming == nil {
		return cloneJSONMap(stored)
	}
	out := cloneJSONMap(incoming)
	if out == nil {
		out = make(map[string]any)
	}
	for key, value := range stored {
		if _, ok := out[key]; !ok {
			out[key] = value
		}
	}
	return out
}

// LoadThread fetches a thread by ID.
func (s *Service) LoadThread(ctx context.Context, id string) (*Thread, error) {
	return s.store.GetThread(ctx, id)
}

// LoadThreads pages through threads.
func (s *Service) LoadThreads(ctx context.Context, query ThreadQuery) ([]*Thread, error) {
	return s.store.ListThreads(ctx, query)
}

// AddThreadItem appends an item with the thread's next ordinal and
// touches the thread's updated_at.
func (s *Service) AddThreadItem(ctx context.Context, threadID string, item *Item) (*Item, error) {
	defer s.lock(threadID)()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.ThreadID = threadID

	added, err := s.store.AddItem(ctx, threadID, item)
	if err != nil {
		return nil, err
	}
	s.touchThread(ctx, threadID)
	return added, nil
}

// SaveItem upserts an item by (thread_id, item_id).
func (s *Service) SaveItem(ctx context.Context, item *Item) error {
	defer s.lock(item.ThreadID)()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := s.store.UpsertItem(ctx, item); err != nil {
		return err
	}
	s.touchThread(ctx, item.ThreadID)
	return nil
}

func (s *Service) touchThread(ctx context.Context, threadID string) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return
	}
	thread.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertThread(ctx, thread); err != nil {
		s.logger.Warn("thread touch failed", "thread_id", threadID, "error", err)
	}
}

// LoadThreadItems pages through a thread's items by ordinal.
func (s *Service) LoadThreadItems(ctx context.Context, query ItemQuery) ([]*Item, error) {
	return s.store.ListItems(ctx, query)
}

// SearchThreadItems finds items whose serialized payload contains the
// query substring.
func (s *Service) SearchThreadItems(ctx context.Context, query ItemQuery, needle string) ([]*Item, error) {
	return s.store.SearchItems(ctx, query, needle)
}

// DeleteThread cascades to items and attachments, removing attachment
// files from disk.
func (s *Service) DeleteThread(ctx context.Context, id string) error {
	defer s.lock(id)()

	paths, err := s.store.DeleteThread(ctx, id)
	if err != nil {
		return err
	}
	s.removeFiles(paths)
	return nil
}

// PruneThreadsOlderThan deletes threads untouched since the cutoff and
// returns how many were removed.
func (s *Service) PruneThreadsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	count, paths, err := s.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.removeFiles(paths)
	return count, nil
}

func (s *Service) removeFiles(paths []string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("attachment file removal failed", "path", path, "error", err)
		}
	}
}

// SaveAttachment stores an attachment row.
func (s *Service) SaveAttachment(ctx context.Context, att *Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	return s.store.SaveAttachment(ctx, att)
}

// LoadAttachment fetches an attachment row.
func (s *Service) LoadAttachment(ctx context.Context, id string) (*Attachment, error) {
	return s.store.GetAttachment(ctx, id)
}

// DeleteAttachment removes an attachment row and its file.
func (s *Service) DeleteAttachment(ctx context.Context, id string) error {
	att, err := s.store.DeleteAttachment(ctx, id)
	if err != nil {
		return err
	}
	if att != nil && att.StoragePath != "" {
		s.removeFiles([]string{att.StoragePath})
	}
	return nil
}

// StartPruneLoop runs PruneThreadsOlderThan(now - retention) every
// interval until ctx is cancelled.
func (s *Service) StartPruneLoop(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.PruneThreadsOlderThan(ctx, time.Now().UTC().Add(-retention))
				if err != nil {
					s.logger.Warn("thread prune failed", "error", err)
					continue
				}
				if count > 0 {
					s.logger.Info("pruned stale threads", "count", count)
				}
			}
		}
	}()
}
