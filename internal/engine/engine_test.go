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

package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/orcheo/orcheo/internal/config"
	"github.com/orcheo/orcheo/internal/graph"
	"github.com/orcheo/orcheo/internal/history"
	"github.com/orcheo/orcheo/internal/repository"
	"github.com/orcheo/orcheo/internal/tracing"
	"github.com/orcheo/orcheo/internal/vault"
	"github.com/orcheo/orcheo/pkg/errors"
)

type fixture struct {
	engine   *Engine
	repo     *repository.Repository
	history  history.Store
	registry *graph.Registry
	spans    *tracetest.SpanRecorder
	ckpt     *MemoryCheckpointer
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := repository.New(repository.NewMemoryStore(), logger)
	hist := history.NewMemoryStore()

	cipher, err := vault.NewAESGCM([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	v := vault.New(vault.NewMemoryStore(), cipher, logger)

	registry := graph.NewRegistry()
	graph.RegisterBuiltins(registry)
	compiler := graph.NewCompiler(registry, nil)

	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	recorder := tracing.NewRecorder(provider.Tracer("test"))

	ckpt := NewMemoryCheckpointer()
	eng := New(repo, hist, compiler, v, recorder, cfg, logger, Options{Checkpointer: ckpt})
	return &fixture{engine: eng, repo: repo, history: hist, registry: registry, spans: spans, ckpt: ckpt}
}

// newRun creates a workflow, a version over the given graph, and a
// pending run.
func (f *fixture) newRun(t *testing.T, doc map[string]any, inputs map[string]any) (*repository.Workflow, *repository.WorkflowRun, int) {
	t.Helper()
	ctx := context.Background()

	wf, err := f.repo.CreateWorkflow(ctx, repository.CreateWorkflowParams{
		Name: "Demo", Actor: "tester",
	})
	require.NoError(t, err)

	version, err := f.repo.SaveVersion(ctx, wf.ID, repository.SaveVersionParams{
		Graph: doc, CreatedBy: "tester",
	})
	require.NoError(t, err)

	run, err := f.repo.CreateRun(ctx, repository.CreateRunParams{
		WorkflowID:   wf.ID,
		TriggeredBy:  "tester",
		InputPayload: inputs,
	})
	require.NoError(t, err)
	return wf, run, version.Version
}

func linearGraph() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "a", "type": "set",
				"config": map[string]any{"values": map[string]any{"ok": true}}},
			map[string]any{"id": "b", "type": "set",
				"config": map[string]any{"values": map[string]any{"reply": "done"}}},
		},
		"edges": []any{[]any{"a", "b"}},
	}
}

func rootSpanStatus(t *testing.T, spans *tracetest.SpanRecorder) (codes.Code, string) {
	t.Helper()
	for _, span := range spans.Ended() {
		if span.Name() == tracing.RootSpanName {
			return span.Status().Code, span.Status().Description
		}
	}
	t.Fatal("no root span recorded")
	return codes.Unset, ""
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	wf, run, version := f.newRun(t, linearGraph(), map[string]any{"x": 1})

	output, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		Inputs:      map[string]any{"x": 1},
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	})
	require.NoError(t, err)
	assert.Equal(t, "done", output["reply"])

	runs, err := f.repo.ListRuns(ctx, repository.RunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, repository.RunSucceeded, runs[0].Status)
	assert.Equal(t, "done", runs[0].OutputPayload["reply"])

	record, err := f.history.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, record.Status)
	require.Len(t, record.Steps, 3)
	for i, step := range record.Steps {
		assert.Equal(t, i, step.Index)
	}
	assert.Equal(t, map[string]any{"ok": true}, record.Steps[0].Payload["a"])
	assert.Equal(t, "completed", record.Steps[2].Payload["status"])
	assert.NotEmpty(t, record.TraceID)

	code, _ := rootSpanStatus(t, f.spans)
	assert.Equal(t, codes.Ok, code)
}

// trippingSink trips the cancel token right after the first node payload
// is emitted, simulating an external cancel between steps.
type trippingSink struct {
	cancel *CancelToken
	reason string
	steps  int
}

func (s *trippingSink) EmitStep(string, map[string]any) {
	s.steps++
	if s.steps == 1 {
		s.cancel.Trip(s.reason)
	}
}

func (s *trippingSink) EmitTrace(tracing.TraceUpdate) {}

func TestRunCancellationMidRun(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	wf, run, version := f.newRun(t, linearGraph(), nil)

	cancel := NewCancelToken()
	output, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Sink:        &trippingSink{cancel: cancel, reason: "user-cancel"},
		Cancel:      cancel,
	})
	require.NoError(t, err)
	assert.Nil(t, output)

	record, err := f.history.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCancelled, record.Status)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, 1, record.Steps[1].Index)
	assert.Equal(t, "cancelled", record.Steps[1].Payload["status"])
	assert.Equal(t, "user-cancel", record.Steps[1].Payload["reason"])

	stored, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RunCancelled, stored.Status)

	code, message := rootSpanStatus(t, f.spans)
	assert.Equal(t, codes.Error, code)
	assert.Equal(t, "user-cancel", message)
}

func TestRunStepBudgetExceeded(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 5})
	ctx := context.Background()

	// Conditional self-loop that never matches a terminating branch.
	doc := map[string]any{
		"nodes": []any{
			map[string]any{"id": "loop", "type": "set",
				"config": map[string]any{"values": map[string]any{"spin": true}}},
			map[string]any{"id": "exit", "type": "passthrough"},
		},
		"conditional_edges": []any{map[string]any{
			"from": "loop", "predicate": `"never"`,
			"branches": map[string]any{"done": "exit"},
			"default":  "loop",
		}},
		"entry": "loop",
	}
	wf, run, version := f.newRun(t, doc, nil)

	_, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	})
	require.Error(t, err)

	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "step_budget_exceeded", execErr.Code)

	stored, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RunFailed, stored.Status)
}

func TestRunNodeFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	f.registry.Register("explode", func(map[string]any) (graph.Node, error) {
		return graph.NodeFunc(func(context.Context, graph.State) (map[string]any, error) {
			return nil, assert.AnError
		}), nil
	})

	doc := map[string]any{
		"nodes": []any{map[string]any{"id": "boom", "type": "explode"}},
	}
	wf, run, version := f.newRun(t, doc, nil)

	_, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsExecution(err))

	record, err := f.history.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, record.Status)
	require.NotEmpty(t, record.Steps)
	last := record.Steps[len(record.Steps)-1]
	assert.Equal(t, "error", last.Payload["status"])

	stored, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RunFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)

	code, _ := rootSpanStatus(t, f.spans)
	assert.Equal(t, codes.Error, code)
}

func TestRunDuplicateExecutionRejected(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	wf, run, version := f.newRun(t, linearGraph(), nil)

	params := RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	}
	_, err := f.engine.Run(ctx, params)
	require.NoError(t, err)

	// The run is terminal and its checkpoints are cleared; re-running the
	// same execution ID must be refused.
	_, err = f.engine.Run(ctx, params)
	require.Error(t, err)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	wf, run, version := f.newRun(t, linearGraph(), nil)

	// Simulate a driver that crashed after node a: the run is in running
	// state, history holds step 0, and a checkpoint points at node b.
	_, err := f.repo.MarkRunStarted(ctx, run.ID, "tester")
	require.NoError(t, err)
	_, err = f.history.StartRun(ctx, history.StartParams{
		WorkflowID: wf.ID, ExecutionID: run.ID,
	})
	require.NoError(t, err)
	_, err = f.history.AppendStep(ctx, run.ID, map[string]any{"a": map[string]any{"ok": true}})
	require.NoError(t, err)
	require.NoError(t, f.ckpt.Save(ctx, run.ID, Snapshot{
		NodeID:    "a",
		NextNode:  "b",
		StepIndex: 1,
		State:     map[string]any{"ok": true},
	}))

	output, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	})
	require.NoError(t, err)
	assert.Equal(t, "done", output["reply"])
	assert.Equal(t, true, output["ok"])

	record, err := f.history.Get(ctx, run.ID)
	require.NoError(t, err)
	// Step 0 predates the crash; the resumed driver appends only node b
	// and the completion marker.
	require.Len(t, record.Steps, 3)
	assert.Contains(t, record.Steps[1].Payload, "b")
	assert.Equal(t, "completed", record.Steps[2].Payload["status"])

	stored, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RunSucceeded, stored.Status)
}

func TestRunMessagesPassThroughToOutput(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000})
	ctx := context.Background()
	f.registry.Register("speak", func(config map[string]any) (graph.Node, error) {
		text, _ := config["text"].(string)
		return graph.NodeFunc(func(context.Context, graph.State) (map[string]any, error) {
			return map[string]any{
				graph.MessagesKey: []any{map[string]any{"role": "assistant", "content": text}},
			}, nil
		}), nil
	})

	doc := map[string]any{
		"nodes": []any{
			map[string]any{"id": "first", "type": "speak",
				"config": map[string]any{"text": "thinking"}},
			map[string]any{"id": "second", "type": "speak",
				"config": map[string]any{"text": "the answer"}},
		},
		"edges": []any{[]any{"first", "second"}},
	}
	wf, run, version := f.newRun(t, doc, nil)

	output, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      NewCancelToken(),
	})
	require.NoError(t, err)

	messages, ok := output[graph.MessagesKey].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
	assert.Equal(t, "the answer", output["reply"])
}

func TestRunDeadlineTripsCancelToken(t *testing.T) {
	f := newFixture(t, config.EngineConfig{MaxStepsPerRun: 1000, RunDeadline: 1})
	ctx := context.Background()
	blocked := make(chan struct{})
	f.registry.Register("stall", func(map[string]any) (graph.Node, error) {
		return graph.NodeFunc(func(ctx context.Context, _ graph.State) (map[string]any, error) {
			<-blocked
			return map[string]any{"ok": true}, nil
		}), nil
	})
	t.Cleanup(func() { close(blocked) })

	doc := map[string]any{
		"nodes": []any{
			map[string]any{"id": "slow", "type": "stall"},
			map[string]any{"id": "after", "type": "passthrough"},
		},
		"edges": []any{[]any{"slow", "after"}},
	}
	wf, run, version := f.newRun(t, doc, nil)

	cancel := NewCancelToken()
	go func() {
		<-cancel.Done()
		blocked <- struct{}{}
	}()

	_, err := f.engine.Run(ctx, RunParams{
		WorkflowID:  wf.ID,
		Version:     version,
		ExecutionID: run.ID,
		Actor:       "tester",
		Cancel:      cancel,
	})
	require.NoError(t, err)

	stored, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RunCancelled, stored.Status)
	assert.Equal(t, "run deadline exceeded", cancel.Reason())
}

func TestCancelTokenIsSticky(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Triggered())
	token.Trip("first")
	token.Trip("second")
	assert.True(t, token.Triggered())
	assert.Equal(t, "first", token.Reason())

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestMemoryCheckpointerLatestAndClear(t *testing.T) {
	ctx := context.Background()
	ckpt := NewMemoryCheckpointer()

	snap, err := ckpt.Latest(ctx, "exec")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, ckpt.Save(ctx, "exec", Snapshot{NodeID: "a", NextNode: "b", StepIndex: 1}))
	require.NoError(t, ckpt.Save(ctx, "exec", Snapshot{NodeID: "b", NextNode: "c", StepIndex: 2}))

	snap, err = ckpt.Latest(ctx, "exec")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "b", snap.NodeID)
	assert.Equal(t, 2, snap.StepIndex)

	require.NoError(t, ckpt.Clear(ctx, "exec"))
	snap, err = ckpt.Latest(ctx, "exec")
	require.NoError(t, err)
	assert.Nil(t, snap)
}
