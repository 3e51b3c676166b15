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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcheo/orcheo/internal/log"
	"github.com/orcheo/orcheo/pkg/errors"
)

// Repository is the service layer over a Store. It owns the workflow and
// run lifecycles; every mutation is audited.
type Repository struct {
	store  Store
	logger *slog.Logger

	// locks serializes mutations per entity ID so version numbering and
	// state transitions stay race-free across goroutines sharing a store.
	locks sync.Map
}

// New creates a Repository over a store.
func New(store Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:  store,
		logger: log.WithComponent(logger, "repository"),
	}
}

func (r *Repository) lock(id string) func() {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Close releases the underlying store.
func (r *Repository) Close() error { return r.store.Close() }

// CreateWorkflowParams are the inputs to CreateWorkflow.
type CreateWorkflowParams struct {
	Name        string
	Description string
	Tags        []string
	Actor       string
}

// CreateWorkflow inserts a new workflow with a unique slug derived from
// the name. Slug collisions get a numeric suffix.
func (r *Repository) CreateWorkflow(ctx context.Context, params CreateWorkflowParams) (*Workflow, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	slug, err := r.uniqueSlug(ctx, params.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:          uuid.NewString(),
		Name:        params.Name,
		Slug:        slug,
		Description: params.Description,
		Tags:        NormalizeTags(params.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	wf.RecordAudit(params.Actor, "create", map[string]any{"slug": slug})

	if err := r.store.InsertWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	r.logger.Info("workflow created",
		slog.String(log.WorkflowIDKey, wf.ID), slog.String("slug", slug))
	return wf, nil
}

func (r *Repository) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := Slugify(name)
	if base == "" {
		base = "workflow"
	}
	slug := base
	for i := 2; ; i++ {
		taken, err := r.store.SlugExists(ctx, slug)
		if err != nil {
			return "", fmt.Errorf("checking slug: %w", err)
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

// UpdateWorkflowParams carries optional field updates. Nil fields are left
// unchanged.
type UpdateWorkflowParams struct {
	Name        *string
	Description *string
	Tags        []string
	Actor       string
}

// UpdateWorkflow applies metadata changes. The slug is stable for life;
// renaming does not re-derive it.
func (r *Repository) UpdateWorkflow(ctx context.Context, id string, params UpdateWorkflowParams) (*Workflow, error) {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	changed := map[string]any{}
	if params.Name != nil && *params.Name != wf.Name {
		changed["name"] = *params.Name
		wf.Name = *params.Name
	}
	if params.Description != nil && *params.Description != wf.Description {
		changed["description"] = true
		wf.Description = *params.Description
	}
	if params.Tags != nil {
		wf.Tags = NormalizeTags(params.Tags)
		changed["tags"] = wf.Tags
	}
	if len(changed) == 0 {
		return wf, nil
	}
	wf.UpdatedAt = time.Now().UTC()
	wf.RecordAudit(params.Actor, "update", changed)

	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ArchiveWorkflow marks a workflow archived. Workflows are never deleted.
func (r *Repository) ArchiveWorkflow(ctx context.Context, id, actor string) (*Workflow, error) {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.IsArchived {
		return wf, nil
	}
	wf.IsArchived = true
	wf.UpdatedAt = time.Now().UTC()
	wf.RecordAudit(actor, "archive", nil)
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	r.logger.Info("workflow archived", slog.String(log.WorkflowIDKey, id))
	return wf, nil
}

// GetWorkflow fetches a workflow by ID.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return r.store.GetWorkflow(ctx, id)
}

// GetWorkflowBySlug fetches a workflow by slug.
func (r *Repository) GetWorkflowBySlug(ctx context.Context, slug string) (*Workflow, error) {
	return r.store.GetWorkflowBySlug(ctx, slug)
}

// ListWorkflows lists workflows, optionally including archived ones.
func (r *Repository) ListWorkflows(ctx context.Context, includeArchived bool) ([]*Workflow, error) {
	return r.store.ListWorkflows(ctx, includeArchived)
}

// SetWebhookConfig persists the webhook trigger configuration document.
func (r *Repository) SetWebhookConfig(ctx context.Context, id string, cfg json.RawMessage, actor string) error {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.WebhookConfig = cfg
	wf.UpdatedAt = time.Now().UTC()
	wf.RecordAudit(actor, "set_webhook_config", nil)
	return r.store.UpdateWorkflow(ctx, wf)
}

// SaveVersionParams are the inputs to SaveVersion.
type SaveVersionParams struct {
	Graph     map[string]any
	Metadata  map[string]any
	CreatedBy string
	Notes     string
}

// SaveVersion snapshots a new immutable version with the next monotonic
// version number.
func (r *Repository) SaveVersion(ctx context.Context, workflowID string, params SaveVersionParams) (*WorkflowVersion, error) {
	defer r.lock(workflowID)()

	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	max, err := r.store.MaxVersion(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("resolving next version: %w", err)
	}

	v := &WorkflowVersion{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Version:    max + 1,
		Graph:      params.Graph,
		Metadata:   params.Metadata,
		CreatedBy:  params.CreatedBy,
		CreatedAt:  time.Now().UTC(),
		Notes:      params.Notes,
	}
	if err := r.store.InsertVersion(ctx, v); err != nil {
		return nil, err
	}

	checksum, err := v.Checksum()
	if err != nil {
		checksum = ""
	}
	wf.UpdatedAt = v.CreatedAt
	wf.RecordAudit(params.CreatedBy, "save_version", map[string]any{
		"version":  v.Version,
		"checksum": checksum,
	})
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		r.logger.Warn("recording version audit failed",
			slog.String(log.WorkflowIDKey, workflowID), log.Error(err))
	}
	return v, nil
}

// GetVersion fetches one version of a workflow.
func (r *Repository) GetVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	return r.store.GetVersion(ctx, workflowID, version)
}

// LatestVersion fetches the newest version of a workflow.
func (r *Repository) LatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	max, err := r.store.MaxVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if max == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow_version", ID: workflowID}
	}
	return r.store.GetVersion(ctx, workflowID, max)
}

// ListVersions lists the versions of a workflow, newest first.
func (r *Repository) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	return r.store.ListVersions(ctx, workflowID)
}

// DiffVersions renders a unified diff between two stored versions.
func (r *Repository) DiffVersions(ctx context.Context, workflowID string, base, target int) (*VersionDiff, error) {
	baseV, err := r.store.GetVersion(ctx, workflowID, base)
	if err != nil {
		return nil, err
	}
	targetV, err := r.store.GetVersion(ctx, workflowID, target)
	if err != nil {
		return nil, err
	}
	return DiffVersions(baseV, targetV)
}

// PublishWorkflow makes a workflow publicly reachable. The caller supplies
// the hash of a token it generated; the raw token is never seen here.
func (r *Repository) PublishWorkflow(ctx context.Context, id, tokenHash string, requireLogin bool, actor string) (*Workflow, error) {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.IsPublic {
		return nil, &errors.WorkflowPublishStateError{
			WorkflowID: id, Operation: "publish", Reason: "already published",
		}
	}
	now := time.Now().UTC()
	wf.IsPublic = true
	wf.PublishTokenHash = tokenHash
	wf.PublishedAt = &now
	wf.PublishedBy = actor
	wf.RequireLogin = requireLogin
	wf.UpdatedAt = now
	wf.RecordAudit(actor, "publish", map[string]any{
		"token":         MaskPublishToken(tokenHash),
		"require_login": requireLogin,
	})
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	r.logger.Info("workflow published", slog.String(log.WorkflowIDKey, id))
	return wf, nil
}

// RotatePublishToken swaps the publish token hash on an already-public
// workflow. The audit event carries only masked forms of both hashes.
func (r *Repository) RotatePublishToken(ctx context.Context, id, tokenHash, actor string) (*Workflow, error) {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublic {
		return nil, &errors.WorkflowPublishStateError{
			WorkflowID: id, Operation: "rotate", Reason: "not published",
		}
	}
	previous := wf.PublishTokenHash
	wf.PublishTokenHash = tokenHash
	wf.UpdatedAt = time.Now().UTC()
	wf.RecordAudit(actor, "rotate_publish_token", map[string]any{
		"previous_token": MaskPublishToken(previous),
		"new_token":      MaskPublishToken(tokenHash),
	})
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// RevokePublish withdraws public access.
func (r *Repository) RevokePublish(ctx context.Context, id, actor string) (*Workflow, error) {
	defer r.lock(id)()

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublic {
		return nil, &errors.WorkflowPublishStateError{
			WorkflowID: id, Operation: "revoke", Reason: "not published",
		}
	}
	wf.IsPublic = false
	wf.PublishTokenHash = ""
	wf.PublishedAt = nil
	wf.PublishedBy = ""
	wf.RequireLogin = false
	wf.UpdatedAt = time.Now().UTC()
	wf.RecordAudit(actor, "revoke_publish", nil)
	if err := r.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	r.logger.Info("workflow publish revoked", slog.String(log.WorkflowIDKey, id))
	return wf, nil
}

// VerifyPublishToken checks a raw bearer token against the workflow found
// by slug. False for unknown slugs, unpublished workflows, and mismatches.
func (r *Repository) VerifyPublishToken(ctx context.Context, slug, raw string) (*Workflow, bool) {
	wf, err := r.store.GetWorkflowBySlug(ctx, slug)
	if err != nil || !wf.IsPublic {
		return nil, false
	}
	if !VerifyPublishToken(raw, wf.PublishTokenHash) {
		return nil, false
	}
	return wf, true
}

// CreateRunParams are the inputs to CreateRun.
type CreateRunParams struct {
	WorkflowID        string
	WorkflowVersionID string
	TriggeredBy       string
	InputPayload      map[string]any
}

// CreateRun records a new pending run.
func (r *Repository) CreateRun(ctx context.Context, params CreateRunParams) (*WorkflowRun, error) {
	if _, err := r.store.GetWorkflow(ctx, params.WorkflowID); err != nil {
		return nil, err
	}
	run := &WorkflowRun{
		ID:                uuid.NewString(),
		WorkflowID:        params.WorkflowID,
		WorkflowVersionID: params.WorkflowVersionID,
		Status:            RunPending,
		TriggeredBy:       params.TriggeredBy,
		InputPayload:      params.InputPayload,
		CreatedAt:         time.Now().UTC(),
	}
	run.RecordAudit(params.TriggeredBy, "create", nil)
	if err := r.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (r *Repository) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	return r.store.GetRun(ctx, id)
}

// ListRuns lists runs matching the filter, newest first.
func (r *Repository) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	return r.store.ListRuns(ctx, filter)
}

func (r *Repository) mutateRun(ctx context.Context, id, actor, action string, apply func(*WorkflowRun) error) (*WorkflowRun, error) {
	defer r.lock(id)()

	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(run); err != nil {
		return nil, err
	}
	run.RecordAudit(actor, action, nil)
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkRunStarted moves a pending run to running.
func (r *Repository) MarkRunStarted(ctx context.Context, id, actor string) (*WorkflowRun, error) {
	return r.mutateRun(ctx, id, actor, "mark_started", func(run *WorkflowRun) error {
		return run.markStarted()
	})
}

// MarkRunSucceeded moves a running run to succeeded.
func (r *Repository) MarkRunSucceeded(ctx context.Context, id string, output map[string]any, actor string) (*WorkflowRun, error) {
	return r.mutateRun(ctx, id, actor, "mark_succeeded", func(run *WorkflowRun) error {
		return run.markSucceeded(output)
	})
}

// MarkRunFailed moves a pending or running run to failed.
func (r *Repository) MarkRunFailed(ctx context.Context, id, message, actor string) (*WorkflowRun, error) {
	return r.mutateRun(ctx, id, actor, "mark_failed", func(run *WorkflowRun) error {
		return run.markFailed(message)
	})
}

// MarkRunCancelled moves any non-terminal run to cancelled.
func (r *Repository) MarkRunCancelled(ctx context.Context, id, reason, actor string) (*WorkflowRun, error) {
	return r.mutateRun(ctx, id, actor, "mark_cancelled", func(run *WorkflowRun) error {
		return run.markCancelled(reason)
	})
}
