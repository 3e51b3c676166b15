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

import "github.com/orcheo/orcheo/internal/tracing"

// ProgressSink receives run updates in emission order: raw node step
// payloads interleaved with trace updates. Implementations bridge to
// websockets or other transports; emission may block on back-pressure.
type ProgressSink interface {
	EmitStep(executionID string, payload map[string]any)
	EmitTrace(update tracing.TraceUpdate)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) EmitStep(string, map[string]any)  {}
func (NopSink) EmitTrace(tracing.TraceUpdate)    {}
