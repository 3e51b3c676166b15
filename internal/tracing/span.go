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

// Package tracing records per-run observability: one root span per
// execution plus a child span per step, with attributes extracted from
// step payloads and truncated to keep exports small. The same span shape
// is serialized to trace listeners over the wire.
package tracing

import (
	"fmt"
	"time"
)

// Status codes carried on serialized spans.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
	StatusUnset = "UNSET"
)

// Span names.
const (
	RootSpanName   = "workflow.execution"
	stepSpanPrefix = "workflow.step."
)

// SpanStatus is the outcome of a span.
type SpanStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	At         time.Time      `json:"at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is the wire shape of one trace span. Span IDs are deterministic
// functions of the execution and step index, so repeated serializations
// of the same record produce identical output.
type Span struct {
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Events       []SpanEvent    `json:"events"`
	Status       SpanStatus     `json:"status"`
}

func rootSpanID(executionID string) string {
	return executionID + "-root"
}

func stepSpanID(executionID string, index int) string {
	return fmt.Sprintf("%s-step-%d", executionID, index)
}

// stepSpanName picks the span name for a step payload: the node ID when
// the payload has a single top-level key, else the step index.
func stepSpanName(payload map[string]any, index int) string {
	if len(payload) == 1 {
		for key := range payload {
			return stepSpanPrefix + key
		}
	}
	return fmt.Sprintf("%s%d", stepSpanPrefix, index)
}

// MapStatus translates a payload status string into a span status code.
// Cancellation maps to ERROR so listeners render it as a failed span; the
// reason travels in the status message.
func MapStatus(status string) string {
	switch status {
	case "completed", "success", "succeeded":
		return StatusOK
	case "error", "failed", "failure":
		return StatusError
	case "cancelled", "canceled":
		return StatusError
	case "running", "":
		return StatusUnset
	default:
		return StatusUnset
	}
}
