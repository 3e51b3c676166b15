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
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

// storeFixtures runs every shared-contract test against both local
// backends.
func storeFixtures(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func startTestRun(t *testing.T, store Store, executionID string) *Record {
	t.Helper()
	rec, err := store.StartRun(context.Background(), StartParams{
		WorkflowID:  "wf-1",
		ExecutionID: executionID,
		Inputs:      map[string]any{"q": "hello"},
	})
	require.NoError(t, err)
	return rec
}

func TestStartRunDuplicateExecutionFails(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			startTestRun(t, store, "exec-1")
			_, err := store.StartRun(context.Background(), StartParams{
				WorkflowID: "wf-1", ExecutionID: "exec-1",
			})
			assert.True(t, errors.IsRunHistory(err))
		})
	}
}

func TestAppendStepAssignsGaplessIndexes(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-steps")

			for i := 0; i < 5; i++ {
				step, err := store.AppendStep(ctx, "exec-steps", map[string]any{"n": i})
				require.NoError(t, err)
				assert.Equal(t, i, step.Index)
			}

			rec, err := store.Get(ctx, "exec-steps")
			require.NoError(t, err)
			require.Len(t, rec.Steps, 5)
			for i, step := range rec.Steps {
				assert.Equal(t, i, step.Index)
				assert.Equal(t, float64(i), step.Payload["n"])
			}
			assert.NotNil(t, rec.TraceLastSpanAt)
		})
	}
}

func TestAppendStepUnknownExecution(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.AppendStep(context.Background(), "missing", map[string]any{})
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-conc")

			const appenders = 20
			var wg sync.WaitGroup
			for i := 0; i < appenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.AppendStep(ctx, "exec-conc", map[string]any{"writer": i})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			steps, err := store.ListSteps(ctx, "exec-conc", 0, 0)
			require.NoError(t, err)
			require.Len(t, steps, appenders)
			for i, step := range steps {
				assert.Equal(t, i, step.Index, "gap or duplicate at position %d", i)
			}
		})
	}
}

func TestTerminalMarksAreIdempotentSameTarget(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-done")

			require.NoError(t, store.MarkCompleted(ctx, "exec-done"))
			require.NoError(t, store.MarkCompleted(ctx, "exec-done"))

			rec, err := store.Get(ctx, "exec-done")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, rec.Status)
			assert.NotNil(t, rec.CompletedAt)
		})
	}
}

func TestConflictingTerminalStateRejected(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-fail")

			require.NoError(t, store.MarkFailed(ctx, "exec-fail", "boom"))
			err := store.MarkCompleted(ctx, "exec-fail")
			assert.True(t, errors.IsInvalidTransition(err))
			err = store.MarkCancelled(ctx, "exec-fail", "")
			assert.True(t, errors.IsInvalidTransition(err))

			rec, err := store.Get(ctx, "exec-fail")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, rec.Status)
			assert.Equal(t, "boom", rec.Error)
		})
	}
}

func TestMarkCancelledRecordsReason(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-cancel")
			require.NoError(t, store.MarkCancelled(ctx, "exec-cancel", "operator request"))

			rec, err := store.Get(ctx, "exec-cancel")
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, rec.Status)
			assert.Equal(t, "operator request", rec.Error)
		})
	}
}

func TestUpdateTraceMetadataPartialUpdate(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := startTestRun(t, store, "exec-trace")

			traceID := "trace-abc"
			require.NoError(t, store.UpdateTraceMetadata(ctx, "exec-trace", TraceMetadata{
				TraceID: &traceID,
			}))

			got, err := store.Get(ctx, "exec-trace")
			require.NoError(t, err)
			assert.Equal(t, "trace-abc", got.TraceID)
			// Untouched fields survive.
			assert.Equal(t, rec.WorkflowID, got.WorkflowID)

			err = store.UpdateTraceMetadata(ctx, "missing", TraceMetadata{TraceID: &traceID})
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestListStepsWindowing(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			startTestRun(t, store, "exec-window")
			for i := 0; i < 10; i++ {
				_, err := store.AppendStep(ctx, "exec-window", map[string]any{"n": i})
				require.NoError(t, err)
			}

			steps, err := store.ListSteps(ctx, "exec-window", 4, 3)
			require.NoError(t, err)
			require.Len(t, steps, 3)
			assert.Equal(t, 4, steps[0].Index)
			assert.Equal(t, 6, steps[2].Index)

			steps, err = store.ListSteps(ctx, "exec-window", 100, 0)
			require.NoError(t, err)
			assert.Empty(t, steps)
		})
	}
}

func TestSQLiteLazyColumnMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.db")

	// Simulate a database created before the trace columns existed.
	old, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()
	for _, col := range []string{"trace_id", "trace_started_at", "trace_completed_at", "trace_last_span_at"} {
		_, err := old.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE run_history_runs DROP COLUMN %s`, col))
		require.NoError(t, err)
	}
	require.NoError(t, old.Close())

	// Reopening upgrades the schema in place.
	upgraded, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer upgraded.Close()

	startTestRun(t, upgraded, "exec-migrated")
	_, err = upgraded.AppendStep(ctx, "exec-migrated", map[string]any{"ok": true})
	require.NoError(t, err)

	rec, err := upgraded.Get(ctx, "exec-migrated")
	require.NoError(t, err)
	assert.NotNil(t, rec.TraceLastSpanAt)
}

func TestListRunsFilters(t *testing.T) {
	for name, store := range storeFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_, err := store.StartRun(ctx, StartParams{
					WorkflowID: "wf-a", ExecutionID: fmt.Sprintf("exec-a-%d", i),
				})
				require.NoError(t, err)
			}
			_, err := store.StartRun(ctx, StartParams{
				WorkflowID: "wf-b", ExecutionID: "exec-b-0",
			})
			require.NoError(t, err)
			require.NoError(t, store.MarkCompleted(ctx, "exec-a-0"))

			all, err := store.ListRuns(ctx, RunFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			byWorkflow, err := store.ListRuns(ctx, RunFilter{WorkflowID: "wf-a"})
			require.NoError(t, err)
			require.Len(t, byWorkflow, 3)
			for _, rec := range byWorkflow {
				assert.Equal(t, "wf-a", rec.WorkflowID)
				assert.Empty(t, rec.Steps)
			}

			completed, err := store.ListRuns(ctx, RunFilter{
				WorkflowID: "wf-a", Status: StatusCompleted,
			})
			require.NoError(t, err)
			require.Len(t, completed, 1)
			assert.Equal(t, "exec-a-0", completed[0].ExecutionID)

			limited, err := store.ListRuns(ctx, RunFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}
