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
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orcheo/orcheo/pkg/errors"
)

// MemoryStore is the in-process backend. It does not persist attachment
// rows; SaveAttachment fails ErrAttachmentsUnsupported.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	items   map[string][]*Item
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*Thread),
		items:   make(map[string][]*Item),
	}
}

func (s *MemoryStore) UpsertThread(_ context.Context, thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	return cloneThread(thread), nil
}

func (s *MemoryStore) ListThreads(_ context.Context, query ThreadQuery) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		all = append(all, thread)
	}
	asc := query.order() == OrderAsc
	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			if asc {
				return all[a].CreatedAt.Before(all[b].CreatedAt)
			}
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		if asc {
			return all[a].ID < all[b].ID
		}
		return all[a].ID > all[b].ID
	})

	start := 0
	if query.After != "" {
		for i, thread := range all {
			if thread.ID == query.After {
				start = i + 1
				break
			}
		}
	}

	var out []*Thread
	for _, thread := range all[start:] {
		out = append(out, cloneThread(thread))
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AddItem(_ context.Context, threadID string, item *Item) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, &errors.NotFoundError{Resource: "thread", ID: threadID}
	}
	stored := cloneItem(item)
	stored.ThreadID = threadID
	stored.Ordinal = len(s.items[threadID])
	s.items[threadID] = append(s.items[threadID], stored)
	return cloneItem(stored), nil
}

func (s *MemoryStore) UpsertItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[item.ThreadID]; !ok {
		return &errors.NotFoundError{Resource: "thread", ID: item.ThreadID}
	}
	for i, existing := range s.items[item.ThreadID] {
		if existing.ID == item.ID {
			replacement := cloneItem(item)
			replacement.Ordinal = existing.Ordinal
			s.items[item.ThreadID][i] = replacement
			return nil
		}
	}
	stored := cloneItem(item)
	stored.Ordinal = len(s.items[item.ThreadID])
	s.items[item.ThreadID] = append(s.items[item.ThreadID], stored)
	return nil
}

// resolveMarker finds the marker item's ordinal strictly within the
// thread. Unknown markers page from the start.
func (s *MemoryStore) resolveMarker(query ItemQuery) (int, bool) {
	if query.After == "" {
		return 0, false
	}
	for _, item := range s.items[query.ThreadID] {
		if item.ID == query.After {
			return item.Ordinal, true
		}
	}
	return 0, false
}

func (s *MemoryStore) ListItems(_ context.Context, query ItemQuery) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[query.ThreadID]; !ok {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded := s.resolveMarker(query)
	items := s.items[query.ThreadID]

	var page []*Item
	if query.order() == OrderAsc {
		for _, item := range items {
			if bounded && item.Ordinal <= afterOrdinal {
				continue
			}
			page = append(page, cloneItem(item))
			if query.Limit > 0 && len(page) >= query.Limit {
				break
			}
		}
		return page, nil
	}
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if bounded && item.Ordinal >= afterOrdinal {
			continue
		}
		page = append(page, cloneItem(item))
		if query.Limit > 0 && len(page) >= query.Limit {
			break
		}
	}
	return page, nil
}

func (s *MemoryStore) SearchItems(_ context.Context, query ItemQuery, needle string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[query.ThreadID]; !ok {
		return nil, &errors.NotFoundError{Resource: "thread", ID: query.ThreadID}
	}

	afterOrdinal, bounded := s.resolveMarker(query)
	needle = strings.ToLower(needle)

	var out []*Item
	for _, item := range s.items[query.ThreadID] {
		if bounded && item.Ordinal <= afterOrdinal {
			continue
		}
		encoded, err := json.Marshal(item.Payload)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(encoded)), needle) {
			out = append(out, cloneItem(item))
			if query.Limit > 0 && len(out) >= query.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return nil, &errors.NotFoundError{Resource: "thread", ID: id}
	}
	delete(s.threads, id)
	delete(s.items, id)
	return nil, nil
}

func (s *MemoryStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, thread := range s.threads {
		if thread.UpdatedAt.Before(cutoff) {
			delete(s.threads, id)
			delete(s.items, id)
			count++
		}
	}
	return count, nil, nil
}

func (s *MemoryStore) SaveAttachment(context.Context, *Attachment) error {
	return ErrAttachmentsUnsupported
}

func (s *MemoryStore) GetAttachment(_ context.Context, id string) (*Attachment, error) {
	return nil, ErrAttachmentsUnsupported
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, id string) (*Attachment, error) {
	return nil, ErrAttachmentsUnsupported
}

func (s *MemoryStore) Close() error { return nil }
