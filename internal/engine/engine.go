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

// Package engine drives compiled graphs to a terminal state: it streams
// node executions, persists history, records traces, emits progress, and
// honors cooperative cancellation. History writes after the run has
// started are best-effort; the repository's terminal transition is the
// source of truth for run state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orcheo/orcheo/internal/config"
	"github.com/orcheo/orcheo/internal/graph"
	"github.com/orcheo/orcheo/internal/history"
	"github.com/orcheo/orcheo/internal/repository"
	"github.com/orcheo/orcheo/internal/tracing"
	"github.com/orcheo/orcheo/internal/vault"
	"github.com/orcheo/orcheo/pkg/errors"
)

// Engine executes workflow runs.
type Engine struct {
	repo         *repository.Repository
	history      history.Store
	compiler     *graph.Compiler
	vault        *vault.Vault
	recorder     *tracing.Recorder
	checkpointer Checkpointer
	metrics      *Metrics
	logger       *slog.Logger
	cfg          config.EngineConfig
}

// Options carries optional engine collaborators.
type Options struct {
	Checkpointer Checkpointer
	Metrics      *Metrics
}

// New creates an engine. A nil checkpointer gets the in-memory default;
// nil metrics disable instrumentation.
func New(repo *repository.Repository, hist history.Store, compiler *graph.Compiler,
	v *vault.Vault, recorder *tracing.Recorder, cfg config.EngineConfig,
	logger *slog.Logger, opts Options) *Engine {
	checkpointer := opts.Checkpointer
	if checkpointer == nil {
		checkpointer = NewMemoryCheckpointer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:         repo,
		history:      hist,
		compiler:     compiler,
		vault:        v,
		recorder:     recorder,
		checkpointer: checkpointer,
		metrics:      opts.Metrics,
		logger:       logger,
		cfg:          cfg,
	}
}

// RunParams identify one execution. ExecutionID doubles as the run ID in
// the repository and the record ID in history.
type RunParams struct {
	WorkflowID  string
	Version     int
	Inputs      map[string]any
	ExecutionID string
	Actor       string
	Sink        ProgressSink
	Cancel      *CancelToken
}

// Run drives one execution to a terminal state. The returned output is
// the run's output view on success; a cancelled run returns (nil, nil)
// with the run marked cancelled. Failures are recorded best-effort in
// history and tracing, marked on the repository run, and returned.
func (e *Engine) Run(ctx context.Context, params RunParams) (map[string]any, error) {
	if params.Sink == nil {
		params.Sink = NopSink{}
	}
	started := time.Now().UTC()
	e.metrics.runStarted()

	resolver := vault.NewResolver(e.vault, params.WorkflowID)

	version, err := e.repo.GetVersion(ctx, params.WorkflowID, params.Version)
	if err != nil {
		return nil, e.fail(ctx, params, nil, started, err)
	}
	if _, err := e.repo.MarkRunStarted(ctx, params.ExecutionID, params.Actor); err != nil {
		// A run already in running state is a crash-recovery resume, not a
		// conflict; any other state rejects the transition.
		existing, getErr := e.repo.GetRun(ctx, params.ExecutionID)
		if getErr != nil || existing.Status != repository.RunRunning {
			return nil, e.fail(ctx, params, nil, started, err)
		}
	}

	// StartRun is the single-driver guard: a duplicate execution ID means
	// another driver owns this run. The one exception is resuming from a
	// checkpoint, where the record legitimately already exists.
	record, err := e.history.StartRun(ctx, history.StartParams{
		WorkflowID:  params.WorkflowID,
		ExecutionID: params.ExecutionID,
		Inputs:      params.Inputs,
	})
	if err != nil {
		snap, _ := e.checkpointer.Latest(ctx, params.ExecutionID)
		if snap == nil || !errors.IsRunHistory(err) {
			return nil, e.fail(ctx, params, nil, started, err)
		}
		if record, err = e.history.Get(ctx, params.ExecutionID); err != nil {
			return nil, e.fail(ctx, params, nil, started, err)
		}
	}

	run := e.recorder.StartRun(ctx, params.WorkflowID, params.ExecutionID, params.Inputs)
	traceID := run.TraceID()
	traceStart := time.Now().UTC()
	if err := e.history.UpdateTraceMetadata(ctx, params.ExecutionID, history.TraceMetadata{
		TraceID:   &traceID,
		StartedAt: &traceStart,
	}); err != nil {
		e.logger.Warn("trace metadata update failed",
			"execution_id", params.ExecutionID, "error", err)
	}
	record.TraceID = traceID

	params.Sink.EmitTrace(tracing.BuildTraceUpdate(record,
		[]tracing.Span{tracing.SerializeRoot(record)}, false))

	compiled, err := e.compiler.Compile(ctx, version.Graph, resolver)
	if err != nil {
		return nil, e.fail(ctx, params, run, started, err)
	}

	state := compiled.StartState(params.Inputs)
	cursor := compiled.Stream(state)
	if snap, err := e.checkpointer.Latest(ctx, params.ExecutionID); err != nil {
		e.logger.Warn("checkpoint lookup failed",
			"execution_id", params.ExecutionID, "error", err)
	} else if snap != nil {
		// Restore by assignment, not Merge: the snapshot already holds the
		// accumulated _messages and must not append to itself.
		for k, v := range snap.State {
			state[k] = v
		}
		cursor.SkipTo(snap.NextNode, snap.StepIndex)
	}

	if e.cfg.RunDeadline > 0 && params.Cancel != nil {
		timer := time.AfterFunc(e.cfg.RunDeadline, func() {
			params.Cancel.Trip("run deadline exceeded")
		})
		defer timer.Stop()
	}

	budget := e.cfg.MaxStepsPerRun
	if budget <= 0 {
		budget = 1000
	}

	for {
		if params.Cancel.Triggered() {
			return nil, e.cancelled(ctx, params, run, record, started)
		}

		step, err := cursor.Next(ctx)
		if err != nil {
			return nil, e.fail(ctx, params, run, started, err)
		}
		if step == nil {
			break
		}
		// A trip during node execution discards the in-flight result.
		if params.Cancel.Triggered() {
			return nil, e.cancelled(ctx, params, run, record, started)
		}
		if step.Index >= budget {
			return nil, e.fail(ctx, params, run, started, &errors.ExecutionError{
				Code:    "step_budget_exceeded",
				NodeID:  step.NodeID,
				Message: fmt.Sprintf("run exceeded the %d step budget", budget),
			})
		}

		e.metrics.stepExecuted()
		payload := step.Payload()
		run.RecordStep(step.Index, payload)
		appended := e.appendStep(ctx, params.ExecutionID, payload)
		params.Sink.EmitStep(params.ExecutionID, payload)
		params.Sink.EmitTrace(tracing.BuildTraceUpdate(record,
			[]tracing.Span{tracing.SerializeStep(params.ExecutionID, appended)}, false))

		if err := e.checkpointer.Save(ctx, params.ExecutionID, Snapshot{
			NodeID:    step.NodeID,
			NextNode:  cursor.CurrentNode(),
			StepIndex: step.Index + 1,
			State:     state.Snapshot(),
			At:        time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("checkpoint save failed",
				"execution_id", params.ExecutionID, "error", err)
		}
		record.Steps = append(record.Steps, appended)
	}

	snapshot := cursor.FinalState().Snapshot()

	completion := map[string]any{"status": "completed"}
	record.Steps = append(record.Steps, e.appendStep(ctx, params.ExecutionID, completion))
	if err := e.history.MarkCompleted(ctx, params.ExecutionID); err != nil {
		e.logger.Warn("history completion failed",
			"execution_id", params.ExecutionID, "error", err)
	}
	run.CloseRoot(tracing.StatusOK, "")
	record.Status = history.StatusCompleted
	params.Sink.EmitTrace(tracing.BuildTraceUpdate(record, nil, true))

	output := extractReply(snapshot)
	if _, err := e.repo.MarkRunSucceeded(ctx, params.ExecutionID, output, params.Actor); err != nil {
		return nil, fmt.Errorf("marking run succeeded: %w", err)
	}
	_ = e.checkpointer.Clear(ctx, params.ExecutionID)
	e.metrics.runFinished("succeeded", started)
	return output, nil
}

// cancelled finalizes the CANCELLED path: one cancelled step, terminal
// marks, root span closed with the reason.
func (e *Engine) cancelled(ctx context.Context, params RunParams, run *tracing.RunTrace,
	record *history.Record, started time.Time) error {
	reason := params.Cancel.Reason()
	if reason == "" {
		reason = "cancelled"
	}

	record.Steps = append(record.Steps, e.appendStep(ctx, params.ExecutionID,
		map[string]any{"status": "cancelled", "reason": reason}))
	if err := e.history.MarkCancelled(ctx, params.ExecutionID, reason); err != nil {
		e.logger.Warn("history cancellation failed",
			"execution_id", params.ExecutionID, "error", err)
	}
	run.CloseRoot(tracing.StatusError, reason)
	record.Status = history.StatusCancelled
	params.Sink.EmitTrace(tracing.BuildTraceUpdate(record, nil, true))

	if _, err := e.repo.MarkRunCancelled(ctx, params.ExecutionID, reason, params.Actor); err != nil {
		e.logger.Error("repository cancellation failed",
			"execution_id", params.ExecutionID, "error", err)
		return err
	}
	e.metrics.runFinished("cancelled", started)
	return nil
}

// fail finalizes the failure path best-effort and returns the original
// error for the caller.
func (e *Engine) fail(ctx context.Context, params RunParams, run *tracing.RunTrace,
	started time.Time, cause error) error {
	message := cause.Error()

	if run != nil {
		e.appendStep(ctx, params.ExecutionID,
			map[string]any{"status": "error", "error": message})
		if err := e.history.MarkFailed(ctx, params.ExecutionID, message); err != nil {
			e.logger.Warn("history failure mark failed",
				"execution_id", params.ExecutionID, "error", err)
		}
		run.CloseRoot(tracing.StatusError, message)
		params.Sink.EmitTrace(tracing.TraceUpdate{
			Type:        tracing.TraceUpdateType,
			ExecutionID: params.ExecutionID,
			TraceID:     run.TraceID(),
			Complete:    true,
		})
	}

	if _, err := e.repo.MarkRunFailed(ctx, params.ExecutionID, message, params.Actor); err != nil {
		e.logger.Error("repository failure mark failed",
			"execution_id", params.ExecutionID, "error", err)
	}
	e.metrics.runFinished("failed", started)
	return cause
}

// appendStep writes a history step best-effort; on failure it returns a
// synthetic step so serialization and sinks still see the payload.
func (e *Engine) appendStep(ctx context.Context, executionID string, payload map[string]any) history.Step {
	step, err := e.history.AppendStep(ctx, executionID, payload)
	if err != nil {
		e.logger.Warn("history append failed",
			"execution_id", executionID, "error", err)
		return history.Step{At: time.Now().UTC(), Payload: payload}
	}
	return *step
}

// extractReply builds the run's output view: the final state, with a
// reply derived from the last message when the graph produced messages
// but no explicit reply. The _messages field passes through intact.
func extractReply(snapshot map[string]any) map[string]any {
	output := make(map[string]any, len(snapshot)+1)
	for k, v := range snapshot {
		output[k] = v
	}
	if _, ok := output["reply"]; ok {
		return output
	}
	messages, _ := snapshot[graph.MessagesKey].([]any)
	if len(messages) == 0 {
		return output
	}
	switch last := messages[len(messages)-1].(type) {
	case string:
		output["reply"] = last
	case map[string]any:
		if content, ok := last["content"].(string); ok {
			output["reply"] = content
		}
	}
	return output
}
