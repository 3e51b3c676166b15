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
	"sort"
	"strings"
	"time"

	"github.com/orcheo/orcheo/internal/history"
)

// tokenUsagePrefix is the attribute namespace aggregated into the
// execution summary.
const tokenUsagePrefix = "orcheo.step.token_usage."

// TraceUpdateType is the type discriminator on streamed trace payloads.
const TraceUpdateType = "trace:update"

// ExecutionSummary is the run overview attached to a trace response.
// Token usage is aggregated across every step of the record, not just
// the requested page.
type ExecutionSummary struct {
	ExecutionID string             `json:"execution_id"`
	WorkflowID  string             `json:"workflow_id"`
	Status      string             `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	TraceID     string             `json:"trace_id,omitempty"`
	StepCount   int                `json:"step_count"`
	TokenUsage  map[string]float64 `json:"token_usage,omitempty"`
}

// PageInfo describes the step window a trace response covers.
type PageInfo struct {
	Cursor     int  `json:"cursor"`
	NextCursor int  `json:"next_cursor"`
	HasMore    bool `json:"has_more"`
	Total      int  `json:"total"`
}

// TraceResponse is the paginated REST view of a run's trace.
type TraceResponse struct {
	Execution ExecutionSummary `json:"execution"`
	Spans     []Span           `json:"spans"`
	PageInfo  PageInfo         `json:"page_info"`
}

// TraceUpdate is the websocket-shaped incremental trace payload.
type TraceUpdate struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
	TraceID     string `json:"trace_id,omitempty"`
	Spans       []Span `json:"spans"`
	Complete    bool   `json:"complete"`
	Cursor      int    `json:"cursor"`
}

// BuildTraceResponse serializes a history record into a page of spans.
// The root span is emitted only on the first page (cursor 0); child
// spans cover steps [cursor, cursor+limit). Limit 0 means no cap.
func BuildTraceResponse(record *history.Record, cursor, limit int) TraceResponse {
	if cursor < 0 {
		cursor = 0
	}

	var spans []Span
	if cursor == 0 {
		spans = append(spans, SerializeRoot(record))
	}

	end := len(record.Steps)
	if limit > 0 && cursor+limit < end {
		end = cursor + limit
	}
	for i := cursor; i < end; i++ {
		spans = append(spans, SerializeStep(record.ExecutionID, record.Steps[i]))
	}
	sortSpans(spans)

	return TraceResponse{
		Execution: summarize(record),
		Spans:     spans,
		PageInfo: PageInfo{
			Cursor:     cursor,
			NextCursor: end,
			HasMore:    end < len(record.Steps),
			Total:      len(record.Steps),
		},
	}
}

// BuildTraceUpdate wraps spans in the websocket payload shape. Cursor
// defaults to the next step index, or the full step count once the run
// is complete.
func BuildTraceUpdate(record *history.Record, spans []Span, complete bool) TraceUpdate {
	cursor := len(record.Steps)
	if !complete {
		next := -1
		for _, span := range spans {
			if idx, ok := span.Attributes["orcheo.step.index"].(int); ok && idx+1 > next {
				next = idx + 1
			}
		}
		if next >= 0 {
			cursor = next
		}
	}
	return TraceUpdate{
		Type:        TraceUpdateType,
		ExecutionID: record.ExecutionID,
		TraceID:     record.TraceID,
		Spans:       spans,
		Complete:    complete,
		Cursor:      cursor,
	}
}

// SerializeRoot builds the root span from the record's trace metadata.
func SerializeRoot(record *history.Record) Span {
	start := record.StartedAt
	if record.TraceStartedAt != nil {
		start = *record.TraceStartedAt
	}
	end := record.CompletedAt
	if record.TraceCompletedAt != nil {
		end = record.TraceCompletedAt
	}

	attrs := map[string]any{
		"orcheo.workflow.id":      record.WorkflowID,
		"orcheo.execution.id":     record.ExecutionID,
		"orcheo.execution.status": string(record.Status),
	}
	if len(record.Inputs) > 0 {
		attrs["orcheo.workflow.inputs"] = stringifyItem(record.Inputs)
	}

	status := SpanStatus{Code: MapStatus(string(record.Status))}
	if status.Code == StatusError && record.Error != "" {
		status.Message = record.Error
	}

	return Span{
		SpanID:     rootSpanID(record.ExecutionID),
		Name:       RootSpanName,
		StartTime:  start,
		EndTime:    end,
		Attributes: attrs,
		Events:     []SpanEvent{},
		Status:     status,
	}
}

// SerializeStep builds the child span for one history step. Steps are
// observed after the node finished, so the span is a point in time.
func SerializeStep(executionID string, step history.Step) Span {
	attrs := ExtractStepAttributes(step.Payload)
	attrs["orcheo.step.index"] = step.Index

	status := SpanStatus{Code: StatusUnset}
	if raw, ok := step.Payload["status"].(string); ok {
		status.Code = MapStatus(raw)
		if status.Code == StatusError {
			if reason, ok := step.Payload["reason"].(string); ok {
				status.Message = reason
			} else if msg, ok := step.Payload["error"].(string); ok {
				status.Message = msg
			}
		}
	}

	at := step.At
	return Span{
		SpanID:       stepSpanID(executionID, step.Index),
		ParentSpanID: rootSpanID(executionID),
		Name:         stepSpanName(step.Payload, step.Index),
		StartTime:    at,
		EndTime:      &at,
		Attributes:   attrs,
		Events:       []SpanEvent{},
		Status:       status,
	}
}

func summarize(record *history.Record) ExecutionSummary {
	return ExecutionSummary{
		ExecutionID: record.ExecutionID,
		WorkflowID:  record.WorkflowID,
		Status:      string(record.Status),
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		Error:       record.Error,
		TraceID:     record.TraceID,
		StepCount:   len(record.Steps),
		TokenUsage:  aggregateTokenUsage(record.Steps),
	}
}

// aggregateTokenUsage sums token counters across every step.
func aggregateTokenUsage(steps []history.Step) map[string]float64 {
	totals := make(map[string]float64)
	for _, step := range steps {
		for key, value := range ExtractStepAttributes(step.Payload) {
			if !strings.HasPrefix(key, tokenUsagePrefix) {
				continue
			}
			if n, ok := value.(float64); ok {
				totals[strings.TrimPrefix(key, tokenUsagePrefix)] += n
			}
		}
	}
	if len(totals) == 0 {
		return nil
	}
	return totals
}

func sortSpans(spans []Span) {
	sort.SliceStable(spans, func(a, b int) bool {
		if !spans[a].StartTime.Equal(spans[b].StartTime) {
			return spans[a].StartTime.Before(spans[b].StartTime)
		}
		return spans[a].SpanID < spans[b].SpanID
	})
}
