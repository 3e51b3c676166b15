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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStepAttributesScansNodeOutput(t *testing.T) {
	payload := map[string]any{
		"answer": map[string]any{
			"prompt":   "why is the sky blue",
			"response": "rayleigh scattering",
			"token_usage": map[string]any{
				"input":  float64(12),
				"output": float64(40),
			},
			"artifacts": []any{"art-1", "art-2"},
		},
	}

	attrs := ExtractStepAttributes(payload)

	assert.Equal(t, []any{"answer"}, attrs["orcheo.step.nodes"])
	assert.Equal(t, []any{"why is the sky blue"}, attrs["orcheo.step.prompts"])
	assert.Equal(t, []any{"rayleigh scattering"}, attrs["orcheo.step.responses"])
	assert.Equal(t, []any{"art-1", "art-2"}, attrs["orcheo.step.artifacts"])
	assert.Equal(t, float64(12), attrs["orcheo.step.token_usage.input"])
	assert.Equal(t, float64(40), attrs["orcheo.step.token_usage.output"])
}

func TestExtractStepAttributesStatus(t *testing.T) {
	attrs := ExtractStepAttributes(map[string]any{"status": "completed"})
	assert.Equal(t, "completed", attrs["orcheo.step.status"])
}

func TestExtractStepAttributesMessageObjectsSerialize(t *testing.T) {
	attrs := ExtractStepAttributes(map[string]any{
		"chat": map[string]any{
			"messages": []any{
				map[string]any{"role": "user", "content": "hi"},
			},
		},
	})
	prompts, ok := attrs["orcheo.step.prompts"].([]any)
	require.True(t, ok)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], `"role":"user"`)
}

func TestTruncateLongString(t *testing.T) {
	long := strings.Repeat("x", 5000)
	got := TruncateValue(long).(string)
	assert.LessOrEqual(t, len([]rune(got)), maxStringLen)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestTruncateLongSequence(t *testing.T) {
	items := make([]any, 60)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	got := TruncateValue(items).([]any)
	require.Len(t, got, maxSeqItems+1)
	assert.Equal(t, "...(+35 more)", got[maxSeqItems])
}

func TestTruncateShortValuesUntouched(t *testing.T) {
	assert.Equal(t, "short", TruncateValue("short"))
	assert.Equal(t, []any{"a", "b"}, TruncateValue([]any{"a", "b"}))
}

func TestMapStatus(t *testing.T) {
	cases := map[string]string{
		"completed": StatusOK,
		"success":   StatusOK,
		"succeeded": StatusOK,
		"error":     StatusError,
		"failed":    StatusError,
		"failure":   StatusError,
		"cancelled": StatusError,
		"canceled":  StatusError,
		"running":   StatusUnset,
		"":          StatusUnset,
		"weird":     StatusUnset,
	}
	for status, want := range cases {
		assert.Equal(t, want, MapStatus(status), "status %q", status)
	}
}

func TestStepSpanName(t *testing.T) {
	assert.Equal(t, "workflow.step.fetch",
		stepSpanName(map[string]any{"fetch": map[string]any{}}, 3))
	assert.Equal(t, "workflow.step.3",
		stepSpanName(map[string]any{"a": 1, "b": 2}, 3))
}
