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
	"encoding/json"
	"fmt"
	"sort"
)

// Truncation limits. Attribute payloads come from arbitrary node output,
// so everything is clamped before it reaches an exporter or the wire.
const (
	maxStringLen = 2048
	maxSeqItems  = 25
)

// Attribute key sets scanned out of step payloads.
var (
	promptKeys   = map[string]bool{"prompt": true, "prompts": true, "messages": true}
	responseKeys = map[string]bool{
		"response": true, "responses": true,
		"output": true, "outputs": true,
		"result": true, "results": true,
	}
	artifactKeys   = map[string]bool{"artifact_ids": true, "artifacts": true}
	tokenUsageKeys = map[string]bool{"token_usage": true, "usage": true}
)

// ExtractStepAttributes scans a step payload and produces the orcheo.step
// attribute set. The payload's top-level keys are node IDs; the scan
// descends one level into each node's output.
func ExtractStepAttributes(payload map[string]any) map[string]any {
	attrs := make(map[string]any)

	nodes := make([]string, 0, len(payload))
	for key := range payload {
		nodes = append(nodes, key)
	}
	sort.Strings(nodes)
	attrs["orcheo.step.nodes"] = truncateSequence(toAny(nodes))

	var prompts, responses, artifacts []any
	tokenUsage := make(map[string]float64)

	scan := func(fields map[string]any) {
		for key, value := range fields {
			switch {
			case promptKeys[key]:
				prompts = append(prompts, collectStrings(value)...)
			case responseKeys[key]:
				responses = append(responses, collectStrings(value)...)
			case artifactKeys[key]:
				artifacts = append(artifacts, collectStrings(value)...)
			case tokenUsageKeys[key]:
				if usage, ok := value.(map[string]any); ok {
					for name, raw := range usage {
						if n, ok := toFloat(raw); ok {
							tokenUsage[name] += n
						}
					}
				}
			}
		}
	}

	scan(payload)
	for _, value := range payload {
		if output, ok := value.(map[string]any); ok {
			scan(output)
		}
	}

	if len(prompts) > 0 {
		attrs["orcheo.step.prompts"] = truncateSequence(prompts)
	}
	if len(responses) > 0 {
		attrs["orcheo.step.responses"] = truncateSequence(responses)
	}
	if len(artifacts) > 0 {
		attrs["orcheo.step.artifacts"] = truncateSequence(artifacts)
	}
	for name, total := range tokenUsage {
		attrs["orcheo.step.token_usage."+name] = total
	}
	if status, ok := payload["status"].(string); ok {
		attrs["orcheo.step.status"] = TruncateValue(status)
	}
	return attrs
}

// collectStrings flattens a value into attribute-sized strings: scalars
// stringify, sequences flatten one level, mappings serialize to JSON.
func collectStrings(value any) []any {
	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, stringifyItem(item))
		}
		return out
	default:
		return []any{stringifyItem(value)}
	}
}

func stringifyItem(value any) any {
	switch v := value.(type) {
	case string:
		return truncateString(v)
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return truncateString(fmt.Sprint(v))
		}
		return truncateString(string(encoded))
	default:
		return truncateString(fmt.Sprint(v))
	}
}

// TruncateValue clamps any value to the attribute limits: strings to
// maxStringLen, sequences to maxSeqItems with an overflow sentinel,
// mappings to their JSON form.
func TruncateValue(value any) any {
	switch v := value.(type) {
	case string:
		return truncateString(v)
	case []any:
		return truncateSequence(v)
	case map[string]any:
		return stringifyItem(v)
	default:
		return v
	}
}

func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStringLen {
		return s
	}
	return string(runes[:maxStringLen-1]) + "…"
}

func truncateSequence(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, TruncateValue(item))
	}
	if len(out) <= maxSeqItems {
		return out
	}
	extra := len(out) - maxSeqItems
	out = out[:maxSeqItems]
	return append(out, fmt.Sprintf("...(+%d more)", extra))
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
