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
	"sort"
	"sync"

	"github.com/orcheo/orcheo/pkg/errors"
)

// MemoryStore is the in-process backend, used by tests and single-node
// development setups.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	slugs     map[string]string
	versions  map[string][]*WorkflowVersion
	runs      map[string]*WorkflowRun
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		slugs:     make(map[string]string),
		versions:  make(map[string][]*WorkflowVersion),
		runs:      make(map[string]*WorkflowRun),
	}
}

func (s *MemoryStore) InsertWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.slugs[wf.Slug]; taken {
		return &errors.NameConflictError{Name: wf.Slug, Scope: "workflow"}
	}
	s.workflows[wf.ID] = wf.clone()
	s.slugs[wf.Slug] = wf.ID
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf.clone(), nil
}

func (s *MemoryStore) GetWorkflowBySlug(_ context.Context, slug string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: slug}
	}
	return s.workflows[id].clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, includeArchived bool) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if wf.IsArchived && !includeArchived {
			continue
		}
		out = append(out, wf.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.ID}
	}
	s.workflows[wf.ID] = wf.clone()
	return nil
}

func (s *MemoryStore) SlugExists(_ context.Context, slug string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.slugs[slug]
	return taken, nil
}

func (s *MemoryStore) InsertVersion(_ context.Context, v *WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.WorkflowID] = append(s.versions[v.WorkflowID], v.clone())
	return nil
}

func (s *MemoryStore) GetVersion(_ context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[workflowID] {
		if v.Version == version {
			return v.clone(), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "workflow_version", ID: workflowID}
}

func (s *MemoryStore) ListVersions(_ context.Context, workflowID string) ([]*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowVersion, 0, len(s.versions[workflowID]))
	for _, v := range s.versions[workflowID] {
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *MemoryStore) MaxVersion(_ context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, v := range s.versions[workflowID] {
		if v.Version > max {
			max = v.Version
		}
	}
	return max, nil
}

func (s *MemoryStore) InsertRun(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run.clone(), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	s.runs[run.ID] = run.clone()
	return nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowRun
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
