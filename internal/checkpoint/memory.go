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

package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/orcheo/orcheo/pkg/errors"
)

// MemoryStore is the in-process backend.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Insert(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.IsBest {
		for _, other := range s.byID {
			if other.WorkflowID == cp.WorkflowID {
				other.IsBest = false
			}
		}
	}
	s.byID[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (s *MemoryStore) MaxVersion(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, cp := range s.byID {
		if cp.WorkflowID == workflowID && cp.ConfigVersion > max {
			max = cp.ConfigVersion
		}
	}
	return max, nil
}

func (s *MemoryStore) List(_ context.Context, workflowID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, cp := range s.byID {
		if cp.WorkflowID == workflowID {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].ConfigVersion > out[b].ConfigVersion
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "checkpoint", ID: id}
	}
	return cloneCheckpoint(cp), nil
}

func (s *MemoryStore) Close() error { return nil }
