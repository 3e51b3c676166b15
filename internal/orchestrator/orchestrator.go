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

// Package orchestrator wires the stores, the OAuth health gate, webhook
// admission, and the execution engine into the run-dispatch facade the
// transport layer calls.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/orcheo/orcheo/internal/chat"
	"github.com/orcheo/orcheo/internal/config"
	"github.com/orcheo/orcheo/internal/engine"
	"github.com/orcheo/orcheo/internal/history"
	"github.com/orcheo/orcheo/internal/repository"
	"github.com/orcheo/orcheo/internal/tracing"
	"github.com/orcheo/orcheo/internal/vault/oauth"
	"github.com/orcheo/orcheo/internal/webhook"
	"github.com/orcheo/orcheo/pkg/errors"
)

// maxThreadRunMirror caps the runs mirrored onto thread metadata. The
// repository run list stays authoritative; the mirror is a convenience
// for chat clients.
const maxThreadRunMirror = 20

// Orchestrator dispatches runs: trigger admission, then the credential
// health gate, then the engine.
type Orchestrator struct {
	backends *Backends
	health   *oauth.Service
	admitter *webhook.Admitter
	engine   *engine.Engine
	logger   *slog.Logger

	runSlots *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]*engine.CancelToken
}

// New creates an orchestrator over opened backends.
func New(backends *Backends, health *oauth.Service, eng *engine.Engine,
	cfg config.EngineConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.MaxConcurrentRuns
	if slots <= 0 {
		slots = 16
	}
	return &Orchestrator{
		backends: backends,
		health:   health,
		admitter: webhook.NewAdmitter(),
		engine:   eng,
		logger:   logger,
		runSlots: semaphore.NewWeighted(int64(slots)),
		cancels:  make(map[string]*engine.CancelToken),
	}
}

// TriggerParams describe one run request after transport decoding.
type TriggerParams struct {
	WorkflowID string
	Version    int
	Inputs     map[string]any
	Actor      string

	// ThreadID, when set, mirrors the run onto that chat thread's
	// metadata.
	ThreadID string

	Sink engine.ProgressSink
}

// RunResult is what a completed dispatch returns.
type RunResult struct {
	ExecutionID string
	Output      map[string]any
	Run         *repository.WorkflowRun
}

// TriggerRun admits, gates, and executes a run to completion. The
// credential health gate consults the cached report; callers refresh it
// with CheckHealth when staleness matters.
func (o *Orchestrator) TriggerRun(ctx context.Context, params TriggerParams) (*RunResult, error) {
	if err := o.health.RequireHealthy(params.WorkflowID); err != nil {
		return nil, err
	}
	return o.execute(ctx, params)
}

// TriggerWebhook validates an inbound webhook request against the
// workflow's stored admission config, then dispatches the run with the
// scrubbed headers and payload as inputs.
func (o *Orchestrator) TriggerWebhook(ctx context.Context, workflowID string, req webhook.Request) (*RunResult, error) {
	wf, err := o.backends.Repository.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	cfg, err := webhook.ParseConfig(wf.WebhookConfig)
	if err != nil {
		return nil, err
	}

	scrubbed, err := o.admitter.Admit(workflowID, cfg, req)
	if err != nil {
		return nil, err
	}
	if err := o.health.RequireHealthy(workflowID); err != nil {
		return nil, err
	}

	inputs := map[string]any{
		"headers":      scrubbed,
		"query_params": req.QueryParams,
		"payload":      req.Payload,
	}
	return o.execute(ctx, TriggerParams{
		WorkflowID: workflowID,
		Inputs:     inputs,
		Actor:      "webhook",
		Sink:       engine.NopSink{},
	})
}

// TriggerPublished resolves a published workflow by slug and bearer
// token, then dispatches a run as the anonymous public actor.
func (o *Orchestrator) TriggerPublished(ctx context.Context, slug, token string, inputs map[string]any) (*RunResult, error) {
	wf, ok := o.backends.Repository.VerifyPublishToken(ctx, slug, token)
	if !ok {
		return nil, &errors.WebhookAuthenticationError{Reason: "invalid publish token"}
	}
	if err := o.health.RequireHealthy(wf.ID); err != nil {
		return nil, err
	}
	return o.execute(ctx, TriggerParams{
		WorkflowID: wf.ID,
		Inputs:     inputs,
		Actor:      "public",
	})
}

func (o *Orchestrator) execute(ctx context.Context, params TriggerParams) (*RunResult, error) {
	if err := o.runSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.runSlots.Release(1)

	version, err := o.resolveVersion(ctx, params.WorkflowID, params.Version)
	if err != nil {
		return nil, err
	}

	run, err := o.backends.Repository.CreateRun(ctx, repository.CreateRunParams{
		WorkflowID:        params.WorkflowID,
		WorkflowVersionID: version.ID,
		TriggeredBy:       params.Actor,
		InputPayload:      params.Inputs,
	})
	if err != nil {
		return nil, err
	}

	cancel := engine.NewCancelToken()
	o.trackCancel(run.ID, cancel)
	defer o.untrackCancel(run.ID)

	output, err := o.engine.Run(ctx, engine.RunParams{
		WorkflowID:  params.WorkflowID,
		Version:     version.Version,
		Inputs:      params.Inputs,
		ExecutionID: run.ID,
		Actor:       params.Actor,
		Sink:        params.Sink,
		Cancel:      cancel,
	})

	final, getErr := o.backends.Repository.GetRun(ctx, run.ID)
	if getErr != nil {
		final = run
	}
	o.mirrorRun(ctx, params.ThreadID, final)

	if err != nil {
		return nil, err
	}
	return &RunResult{ExecutionID: run.ID, Output: output, Run: final}, nil
}

func (o *Orchestrator) resolveVersion(ctx context.Context, workflowID string, version int) (*repository.WorkflowVersion, error) {
	if version > 0 {
		return o.backends.Repository.GetVersion(ctx, workflowID, version)
	}
	return o.backends.Repository.LatestVersion(ctx, workflowID)
}

func (o *Orchestrator) trackCancel(executionID string, token *engine.CancelToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[executionID] = token
}

func (o *Orchestrator) untrackCancel(executionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, executionID)
}

// CancelRun trips the cancel token of an in-flight run. Unknown or
// already-finished executions fail NotFound.
func (o *Orchestrator) CancelRun(executionID, reason string) error {
	o.mu.Lock()
	token, ok := o.cancels[executionID]
	o.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: executionID}
	}
	token.Trip(reason)
	return nil
}

// CheckHealth refreshes the workflow's credential health report.
func (o *Orchestrator) CheckHealth(ctx context.Context, workflowID string) (*oauth.Report, error) {
	return o.health.EnsureWorkflowHealth(ctx, workflowID)
}

// GetTrace serializes a page of the execution's trace view.
func (o *Orchestrator) GetTrace(ctx context.Context, executionID string, cursor, limit int) (*tracing.TraceResponse, error) {
	record, err := o.backends.History.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	resp := tracing.BuildTraceResponse(record, cursor, limit)
	return &resp, nil
}

// GetHistory returns the raw run record.
func (o *Orchestrator) GetHistory(ctx context.Context, executionID string) (*history.Record, error) {
	return o.backends.History.Get(ctx, executionID)
}

// mirrorRun appends the run to the thread's metadata.runs mirror,
// deduped by execution ID and capped at the newest entries. Mirror
// failures only log; the repository run list is the source of truth.
func (o *Orchestrator) mirrorRun(ctx context.Context, threadID string, run *repository.WorkflowRun) {
	if threadID == "" || run == nil {
		return
	}
	thread, err := o.backends.Chat.LoadThread(ctx, threadID)
	if err != nil {
		o.logger.Warn("run mirror skipped", "thread_id", threadID, "error", err)
		return
	}
	if thread.Metadata == nil {
		thread.Metadata = make(map[string]any)
	}

	entry := map[string]any{
		"execution_id": run.ID,
		"workflow_id":  run.WorkflowID,
		"status":       string(run.Status),
	}
	if run.StartedAt != nil {
		entry["started_at"] = run.StartedAt.UTC()
	}

	existing, _ := thread.Metadata["runs"].([]any)
	runs := make([]any, 0, len(existing)+1)
	for _, raw := range existing {
		if m, ok := raw.(map[string]any); ok && m["execution_id"] == run.ID {
			continue
		}
		runs = append(runs, raw)
	}
	runs = append(runs, entry)
	if len(runs) > maxThreadRunMirror {
		runs = runs[len(runs)-maxThreadRunMirror:]
	}
	thread.Metadata["runs"] = runs

	if _, err := o.backends.Chat.SaveThread(ctx, thread, chat.Context{
		WorkflowID: run.WorkflowID,
	}); err != nil {
		o.logger.Warn("run mirror write failed", "thread_id", threadID, "error", err)
	}
}
