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

import "fmt"

// VersionDiff is an ordered unified-style diff between two versions of a
// workflow graph, computed over the indented canonical JSON of each.
type VersionDiff struct {
	WorkflowID  string   `json:"workflow_id"`
	BaseVersion int      `json:"base_version"`
	Target      int      `json:"target_version"`
	Lines       []string `json:"lines"`
}

// diffLines computes a unified diff over two line sequences using a
// longest-common-subsequence walk. Unchanged lines carry a leading space,
// removals a '-', additions a '+'.
func diffLines(base, target []string) []string {
	n, m := len(base), len(target)

	// lcs[i][j] is the LCS length of base[i:] and target[j:].
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if base[i] == target[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	out := make([]string, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case base[i] == target[j]:
			out = append(out, " "+base[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, "-"+base[i])
			i++
		default:
			out = append(out, "+"+target[j])
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, "-"+base[i])
	}
	for ; j < m; j++ {
		out = append(out, "+"+target[j])
	}
	return out
}

// DiffVersions renders the unified diff between two immutable versions.
func DiffVersions(base, target *WorkflowVersion) (*VersionDiff, error) {
	baseLines, err := canonicalIndented(base.Graph)
	if err != nil {
		return nil, fmt.Errorf("rendering base version %d: %w", base.Version, err)
	}
	targetLines, err := canonicalIndented(target.Graph)
	if err != nil {
		return nil, fmt.Errorf("rendering target version %d: %w", target.Version, err)
	}
	return &VersionDiff{
		WorkflowID:  base.WorkflowID,
		BaseVersion: base.Version,
		Target:      target.Version,
		Lines:       diffLines(baseLines, targetLines),
	}, nil
}
