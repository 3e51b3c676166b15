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

package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders a value as deterministic JSON: object keys are
// sorted, no insignificant whitespace. Two structurally equal graphs always
// produce identical bytes, so checksums and diffs are stable.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through the generic representation first. encoding/json
	// sorts map keys on marshal, which gives us the canonical ordering.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical form: %w", err)
	}
	return out, nil
}

// canonicalIndented is the indented canonical form used for diffing, split
// into lines.
func canonicalIndented(v any) ([]string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, fmt.Errorf("indenting canonical form: %w", err)
	}
	return splitLines(buf.String()), nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
