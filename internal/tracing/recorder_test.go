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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorderFixture(t *testing.T) (*Recorder, *tracetest.SpanRecorder) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewRecorder(provider.Tracer("test")), spans
}

func TestRecorderEmitsRootAndStepSpans(t *testing.T) {
	recorder, spans := recorderFixture(t)

	run := recorder.StartRun(context.Background(), "wf-1", "exec-1",
		map[string]any{"query": "hello"})
	require.NotEmpty(t, run.TraceID())

	run.RecordStep(0, map[string]any{"fetch": map[string]any{"output": "ok"}})
	run.CloseRoot(StatusOK, "")

	ended := spans.Ended()
	require.Len(t, ended, 2)

	step := ended[0]
	assert.Equal(t, "workflow.step.fetch", step.Name())
	assert.Equal(t, run.TraceID(), step.SpanContext().TraceID().String())

	root := ended[1]
	assert.Equal(t, RootSpanName, root.Name())
	assert.Equal(t, codes.Ok, root.Status().Code)

	attrs := map[string]any{}
	for _, kv := range root.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "wf-1", attrs["orcheo.workflow.id"])
	assert.Equal(t, "exec-1", attrs["orcheo.execution.id"])
	assert.Contains(t, attrs["orcheo.workflow.inputs"], "hello")
}

func TestRecorderCloseRootWithError(t *testing.T) {
	recorder, spans := recorderFixture(t)

	run := recorder.StartRun(context.Background(), "wf-1", "exec-2", nil)
	run.CloseRoot(StatusError, "user-cancel")
	run.CloseRoot(StatusOK, "")

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "user-cancel", ended[0].Status().Description)
}

func TestRecorderStepAfterCloseIsDropped(t *testing.T) {
	recorder, spans := recorderFixture(t)

	run := recorder.StartRun(context.Background(), "wf-1", "exec-3", nil)
	run.CloseRoot(StatusOK, "")
	run.RecordStep(0, map[string]any{"late": map[string]any{}})

	require.Len(t, spans.Ended(), 1)
}

func TestRecorderNilTracerIsNoop(t *testing.T) {
	recorder := NewRecorder(nil)
	run := recorder.StartRun(context.Background(), "wf-1", "exec-4", nil)
	run.RecordStep(0, map[string]any{"a": map[string]any{}})
	run.CloseRoot(StatusOK, "")
}
