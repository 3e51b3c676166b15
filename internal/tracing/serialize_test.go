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

package tracing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/internal/history"
)

func sampleRecord(stepCount int) *history.Record {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	record := &history.Record{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      history.StatusCompleted,
		StartedAt:   start,
		Inputs:      map[string]any{"query": "hello"},
		TraceID:     "trace-1",
	}
	for i := 0; i < stepCount; i++ {
		record.Steps = append(record.Steps, history.Step{
			Index: i,
			At:    start.Add(time.Duration(i+1) * time.Second),
			Payload: map[string]any{
				fmt.Sprintf("node-%d", i): map[string]any{
					"output":      "done",
					"token_usage": map[string]any{"input": float64(10), "output": float64(5)},
				},
			},
		})
	}
	return record
}

func TestTraceResponseFirstPageIncludesRoot(t *testing.T) {
	record := sampleRecord(5)
	resp := BuildTraceResponse(record, 0, 2)

	require.Len(t, resp.Spans, 3)
	assert.Equal(t, RootSpanName, resp.Spans[0].Name)
	assert.Equal(t, "exec-1-root", resp.Spans[0].SpanID)
	assert.Equal(t, "workflow.step.node-0", resp.Spans[1].Name)
	assert.Equal(t, "exec-1-root", resp.Spans[1].ParentSpanID)

	assert.Equal(t, 0, resp.PageInfo.Cursor)
	assert.Equal(t, 2, resp.PageInfo.NextCursor)
	assert.True(t, resp.PageInfo.HasMore)
	assert.Equal(t, 5, resp.PageInfo.Total)
}

func TestTraceResponseLaterPagesOmitRoot(t *testing.T) {
	record := sampleRecord(5)
	resp := BuildTraceResponse(record, 2, 2)

	require.Len(t, resp.Spans, 2)
	assert.Equal(t, "workflow.step.node-2", resp.Spans[0].Name)
	assert.Equal(t, "workflow.step.node-3", resp.Spans[1].Name)
	assert.Equal(t, 4, resp.PageInfo.NextCursor)
	assert.True(t, resp.PageInfo.HasMore)

	last := BuildTraceResponse(record, 4, 2)
	require.Len(t, last.Spans, 1)
	assert.False(t, last.PageInfo.HasMore)
	assert.Equal(t, 5, last.PageInfo.NextCursor)
}

func TestTraceResponseAggregatesTokensAcrossAllSteps(t *testing.T) {
	record := sampleRecord(5)
	resp := BuildTraceResponse(record, 0, 1)

	// The page holds one step, but usage sums over all five.
	assert.Equal(t, float64(50), resp.Execution.TokenUsage["input"])
	assert.Equal(t, float64(25), resp.Execution.TokenUsage["output"])
	assert.Equal(t, 5, resp.Execution.StepCount)
}

func TestTraceResponseZeroLimitReturnsAllSteps(t *testing.T) {
	record := sampleRecord(3)
	resp := BuildTraceResponse(record, 0, 0)
	require.Len(t, resp.Spans, 4)
	assert.False(t, resp.PageInfo.HasMore)
}

func TestRootSpanStatusFollowsRecord(t *testing.T) {
	record := sampleRecord(1)
	record.Status = history.StatusFailed
	record.Error = "node blew up"

	root := SerializeRoot(record)
	assert.Equal(t, StatusError, root.Status.Code)
	assert.Equal(t, "node blew up", root.Status.Message)
	assert.Equal(t, "failed", root.Attributes["orcheo.execution.status"])
}

func TestStepSpanCarriesCancellationReason(t *testing.T) {
	step := history.Step{
		Index:   1,
		At:      time.Now().UTC(),
		Payload: map[string]any{"status": "cancelled", "reason": "user-cancel"},
	}
	span := SerializeStep("exec-1", step)
	assert.Equal(t, StatusError, span.Status.Code)
	assert.Equal(t, "user-cancel", span.Status.Message)
}

func TestSpansSortDeterministically(t *testing.T) {
	record := sampleRecord(3)
	// Force equal timestamps to exercise the span_id tiebreak.
	at := record.StartedAt
	for i := range record.Steps {
		record.Steps[i].At = at
	}
	first := BuildTraceResponse(record, 0, 0)
	second := BuildTraceResponse(record, 0, 0)
	assert.Equal(t, first.Spans, second.Spans)
}

func TestTraceUpdateCursorDefaults(t *testing.T) {
	record := sampleRecord(3)

	partial := BuildTraceUpdate(record, []Span{SerializeStep(record.ExecutionID, record.Steps[1])}, false)
	assert.Equal(t, TraceUpdateType, partial.Type)
	assert.Equal(t, 2, partial.Cursor)
	assert.False(t, partial.Complete)

	complete := BuildTraceUpdate(record, nil, true)
	assert.True(t, complete.Complete)
	assert.Equal(t, 3, complete.Cursor)
	assert.Equal(t, "trace-1", complete.TraceID)
}
