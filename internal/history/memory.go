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

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orcheo/orcheo/pkg/errors"
)

// MemoryStore keeps history records in process memory behind a mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) StartRun(_ context.Context, params StartParams) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[params.ExecutionID]; exists {
		return nil, &errors.RunHistoryError{
			Op: "start_run", ExecutionID: params.ExecutionID,
			Cause: fmt.Errorf("execution already exists"),
		}
	}
	rec := &Record{
		ExecutionID:    params.ExecutionID,
		WorkflowID:     params.WorkflowID,
		Status:         StatusRunning,
		StartedAt:      time.Now().UTC(),
		Inputs:         params.Inputs,
		RunnableConfig: params.RunnableConfig,
		TraceID:        params.TraceID,
		TraceStartedAt: params.TraceStartedAt,
	}
	s.records[params.ExecutionID] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) AppendStep(_ context.Context, executionID string, payload map[string]any) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	now := time.Now().UTC()
	// Round-trip through JSON so readers see the same value types the
	// durable backends produce.
	step := Step{Index: len(rec.Steps), At: now, Payload: cloneJSONMap(payload)}
	rec.Steps = append(rec.Steps, step)
	rec.TraceLastSpanAt = &now
	return &step, nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, executionID string) error {
	return s.markTerminal(executionID, StatusCompleted, "")
}

func (s *MemoryStore) MarkFailed(ctx context.Context, executionID, message string) error {
	return s.markTerminal(executionID, StatusFailed, message)
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, executionID, reason string) error {
	return s.markTerminal(executionID, StatusCancelled, reason)
}

func (s *MemoryStore) markTerminal(executionID string, target Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if rec.Status == target {
		return nil
	}
	if rec.Status.Terminal() {
		return &errors.InvalidTransitionError{
			Entity: "history record", ID: executionID,
			From: string(rec.Status), To: string(target),
		}
	}
	now := time.Now().UTC()
	rec.Status = target
	rec.CompletedAt = &now
	rec.TraceCompletedAt = &now
	if message != "" {
		rec.Error = message
	}
	return nil
}

func (s *MemoryStore) UpdateTraceMetadata(_ context.Context, executionID string, meta TraceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if meta.TraceID != nil {
		rec.TraceID = *meta.TraceID
	}
	if meta.StartedAt != nil {
		rec.TraceStartedAt = meta.StartedAt
	}
	if meta.UpdatedAt != nil {
		rec.TraceLastSpanAt = meta.UpdatedAt
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ListSteps(_ context.Context, executionID string, from, limit int) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "history record", ID: executionID}
	}
	if from < 0 {
		from = 0
	}
	if from >= len(rec.Steps) {
		return nil, nil
	}
	steps := rec.Steps[from:]
	if limit > 0 && len(steps) > limit {
		steps = steps[:limit]
	}
	return append([]Step(nil), steps...), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.records {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		summary := cloneRecord(rec)
		summary.Steps = nil
		out = append(out, summary)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartedAt.Equal(out[b].StartedAt) {
			return out[a].StartedAt.After(out[b].StartedAt)
		}
		return out[a].ExecutionID > out[b].ExecutionID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Steps = append([]Step(nil), rec.Steps...)
	out.Inputs = cloneJSONMap(rec.Inputs)
	out.RunnableConfig = cloneJSONMap(rec.RunnableConfig)
	return &out
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
