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

// Package checkpoint stores versioned agentensor training snapshots.
// Each workflow accumulates a gapless, strictly increasing sequence of
// config versions, with at most one checkpoint marked best.
package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is one training snapshot for a workflow.
type Checkpoint struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	ConfigVersion  int            `json:"config_version"`
	RunnableConfig map[string]any `json:"runnable_config,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ArtifactURL    string         `json:"artifact_url,omitempty"`
	IsBest         bool           `json:"is_best"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RecordParams describes a checkpoint to record. ConfigVersion 0 means
// "assign the next version"; a positive value pins it.
type RecordParams struct {
	WorkflowID     string
	RunnableConfig map[string]any
	Metrics        map[string]any
	Metadata       map[string]any
	ArtifactURL    string
	IsBest         bool
	ConfigVersion  int
}

// Store is the contract shared by the memory, SQLite, and Postgres
// backends. Insert must be called under the service's per-workflow
// lock; it clears is_best on the workflow's other rows when the new
// checkpoint carries it.
type Store interface {
	Insert(ctx context.Context, cp *Checkpoint) error
	MaxVersion(ctx context.Context, workflowID string) (int, error)
	List(ctx context.Context, workflowID string, limit int) ([]*Checkpoint, error)
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Close() error
}

// Service assigns versions and serializes writers per workflow.
type Service struct {
	store Store
	locks sync.Map
}

// NewService creates a service over a backend store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) lock(workflowID string) func() {
	mu, _ := s.locks.LoadOrStore(workflowID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Close releases the backend.
func (s *Service) Close() error { return s.store.Close() }

// RecordCheckpoint inserts a checkpoint. Version assignment and the
// is_best handoff happen under the workflow's writer lock, so
// concurrent records produce a gapless version sequence and at most
// one best row.
func (s *Service) RecordCheckpoint(ctx context.Context, params RecordParams) (*Checkpoint, error) {
	defer s.lock(params.WorkflowID)()

	version := params.ConfigVersion
	if version <= 0 {
		max, err := s.store.MaxVersion(ctx, params.WorkflowID)
		if err != nil {
			return nil, err
		}
		version = max + 1
	}

	cp := &Checkpoint{
		ID:             uuid.NewString(),
		WorkflowID:     params.WorkflowID,
		ConfigVersion:  version,
		RunnableConfig: cloneJSONMap(params.RunnableConfig),
		Metrics:        cloneJSONMap(params.Metrics),
		Metadata:       cloneJSONMap(params.Metadata),
		ArtifactURL:    params.ArtifactURL,
		IsBest:         params.IsBest,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns a workflow's checkpoints, config_version
// descending. A limit of 0 returns all.
func (s *Service) ListCheckpoints(ctx context.Context, workflowID string, limit int) ([]*Checkpoint, error) {
	return s.store.List(ctx, workflowID, limit)
}

// GetCheckpoint fetches a checkpoint by ID. Fails NotFound when
// missing.
func (s *Service) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	return s.store.Get(ctx, id)
}

// LatestCheckpoint returns the workflow's highest-version checkpoint,
// or nil when it has none.
func (s *Service) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	list, err := s.store.List(ctx, workflowID, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// BestCheckpoint returns the workflow's is_best checkpoint, or nil when
// none is marked.
func (s *Service) BestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	list, err := s.store.List(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}
	for _, cp := range list {
		if cp.IsBest {
			return cp, nil
		}
	}
	return nil, nil
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	out.RunnableConfig = cloneJSONMap(cp.RunnableConfig)
	out.Metrics = cloneJSONMap(cp.Metrics)
	out.Metadata = cloneJSONMap(cp.Metadata)
	return &out
}
