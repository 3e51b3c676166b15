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

import "context"

// RunFilter narrows ListRuns. Zero values mean "no filter"; Limit 0 means
// unbounded.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}

// Store is the persistence contract behind the Repository service. All
// lifecycle rules (state machine, slug uniqueness semantics, publish flow)
// live in the service; stores only persist and enforce uniqueness.
type Store interface {
	// InsertWorkflow persists a new workflow. Fails NameConflict when the
	// slug is taken.
	InsertWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow fetches by ID. Fails NotFound.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetWorkflowBySlug fetches by slug. Fails NotFound.
	GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error)

	// ListWorkflows returns workflows ordered by creation time, newest
	// first. Archived workflows are included only when asked for.
	ListWorkflows(ctx context.Context, includeArchived bool) ([]*Workflow, error)

	// UpdateWorkflow persists changes to an existing workflow.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// SlugExists reports whether a slug is already taken.
	SlugExists(ctx context.Context, slug string) (bool, error)

	// InsertVersion persists an immutable version snapshot.
	InsertVersion(ctx context.Context, v *WorkflowVersion) error

	// GetVersion fetches one version of a workflow. Fails NotFound.
	GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error)

	// ListVersions returns all versions of a workflow, newest first.
	ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)

	// MaxVersion returns the highest version number recorded for a
	// workflow, 0 when none exist.
	MaxVersion(ctx context.Context, workflowID string) (int, error)

	// InsertRun persists a new run record.
	InsertRun(ctx context.Context, run *WorkflowRun) error

	// GetRun fetches a run by ID. Fails NotFound.
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)

	// UpdateRun persists changes to an existing run.
	UpdateRun(ctx context.Context, run *WorkflowRun) error

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Close releases backend resources.
	Close() error
}
