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
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Recorder emits OpenTelemetry spans for run executions. A nil-safe noop
// tracer is used when tracing is disabled, so the engine never branches
// on whether tracing is on.
type Recorder struct {
	tracer trace.Tracer
}

// NewRecorder creates a recorder over the given tracer. A nil tracer
// disables export; span recording becomes a no-op.
func NewRecorder(tracer trace.Tracer) *Recorder {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orcheo")
	}
	return &Recorder{tracer: tracer}
}

// RunTrace is the live trace of one execution. It owns the root span and
// parents every step span under it.
type RunTrace struct {
	recorder    *Recorder
	ctx         context.Context
	root        trace.Span
	executionID string
	traceID     string
	closed      bool
}

// StartRun opens the root span for an execution. Inputs are stringified
// and truncated before they become an attribute.
func (r *Recorder) StartRun(ctx context.Context, workflowID, executionID string, inputs map[string]any) *RunTrace {
	attrs := []attribute.KeyValue{
		attribute.String("orcheo.workflow.id", workflowID),
		attribute.String("orcheo.execution.id", executionID),
		attribute.String("orcheo.execution.status", "running"),
	}
	if len(inputs) > 0 {
		if encoded, err := json.Marshal(inputs); err == nil {
			attrs = append(attrs, attribute.String("orcheo.workflow.inputs", truncateString(string(encoded))))
		}
	}

	spanCtx, root := r.tracer.Start(ctx, RootSpanName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return &RunTrace{
		recorder:    r,
		ctx:         spanCtx,
		root:        root,
		executionID: executionID,
		traceID:     root.SpanContext().TraceID().String(),
	}
}

// TraceID returns the root trace ID for correlation with history.
func (t *RunTrace) TraceID() string { return t.traceID }

// RecordStep emits one child span for a step payload. The span opens and
// closes immediately; node wall time is not measured here because the
// step is observed only after the node has finished.
func (t *RunTrace) RecordStep(index int, payload map[string]any) {
	if t == nil || t.closed {
		return
	}
	_, span := t.recorder.tracer.Start(t.ctx, stepSpanName(payload, index),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int("orcheo.step.index", index))
	for key, value := range ExtractStepAttributes(payload) {
		span.SetAttributes(otelAttribute(key, value))
	}
	if status, ok := payload["status"].(string); ok {
		switch MapStatus(status) {
		case StatusOK:
			span.SetStatus(codes.Ok, "")
		case StatusError:
			reason, _ := payload["reason"].(string)
			span.SetStatus(codes.Error, reason)
		}
	}
	span.End()
}

// CloseRoot sets the terminal status on the root span and ends it.
// Closing twice is a no-op.
func (t *RunTrace) CloseRoot(code string, message string) {
	if t == nil || t.closed {
		return
	}
	t.closed = true
	status := "completed"
	switch code {
	case StatusError:
		status = "error"
		t.root.SetStatus(codes.Error, message)
	case StatusOK:
		t.root.SetStatus(codes.Ok, "")
	}
	t.root.SetAttributes(attribute.String("orcheo.execution.status", status))
	t.root.End()
}

// CompletedAt returns the wall-clock close time for history metadata.
func (t *RunTrace) CompletedAt() time.Time { return time.Now().UTC() }

func otelAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case float64:
		return attribute.Float64(key, v)
	case int:
		return attribute.Int(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			if s, ok := item.(string); ok {
				items[i] = s
			} else {
				items[i] = truncateString(jsonString(item))
			}
		}
		return attribute.StringSlice(key, items)
	default:
		return attribute.String(key, truncateString(jsonString(v)))
	}
}

func jsonString(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
