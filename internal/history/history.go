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

// Package history persists run execution records and their ordered steps.
// The engine treats history writes as best-effort: failures are logged and
// the run continues, so every backend wraps transport errors in
// RunHistoryError rather than letting them bubble up raw.
package history

import (
	"context"
	"time"
)

// Status is the lifecycle state of a history record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one append-only entry in a run's step sequence. Index always
// equals the step's position in the sequence.
type Step struct {
	Index   int            `json:"index"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

// Record is the history view of one execution.
type Record struct {
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Error          string         `json:"error,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	RunnableConfig map[string]any `json:"runnable_config,omitempty"`
	Steps          []Step         `json:"steps,omitempty"`

	TraceID          string     `json:"trace_id,omitempty"`
	TraceStartedAt   *time.Time `json:"trace_started_at,omitempty"`
	TraceCompletedAt *time.Time `json:"trace_completed_at,omitempty"`
	TraceLastSpanAt  *time.Time `json:"trace_last_span_at,omitempty"`
}

// StartParams are the inputs to StartRun. ExecutionID is caller-supplied
// so the engine can correlate history with tracing and progress streams.
type StartParams struct {
	WorkflowID     string
	ExecutionID    string
	Inputs         map[string]any
	RunnableConfig map[string]any
	TraceID        string
	TraceStartedAt *time.Time
}

// TraceMetadata carries optional trace field updates. Nil fields are left
// unchanged.
type TraceMetadata struct {
	TraceID   *string
	StartedAt *time.Time
	UpdatedAt *time.Time
}

// RunFilter narrows a run listing. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	Status     Status
	Limit      int
}

// Store is the contract shared by the memory, SQLite, and Postgres
// backends.
type Store interface {
	// StartRun creates a new record in running state. Fails with
	// RunHistoryError when the execution ID already exists.
	StartRun(ctx context.Context, params StartParams) (*Record, error)

	// AppendStep appends a step with the next sequential index and
	// advances trace_last_span_at. Fails NotFound for unknown executions.
	AppendStep(ctx context.Context, executionID string, payload map[string]any) (*Step, error)

	// MarkCompleted sets the completed terminal state. Idempotent when
	// already completed; fails InvalidTransition on a different terminal
	// state.
	MarkCompleted(ctx context.Context, executionID string) error

	// MarkFailed sets the failed terminal state with an error message.
	MarkFailed(ctx context.Context, executionID, message string) error

	// MarkCancelled sets the cancelled terminal state with an optional
	// reason.
	MarkCancelled(ctx context.Context, executionID, reason string) error

	// UpdateTraceMetadata applies partial trace field updates.
	UpdateTraceMetadata(ctx context.Context, executionID string, meta TraceMetadata) error

	// Get fetches a record with all its steps.
	Get(ctx context.Context, executionID string) (*Record, error)

	// ListSteps returns steps with index >= from, up to limit entries.
	// Limit 0 means unbounded.
	ListSteps(ctx context.Context, executionID string, from, limit int) ([]Step, error)

	// ListRuns returns run records matching the filter, newest first,
	// without their steps.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Record, error)

	// Close releases backend resources.
	Close() error
}
