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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id, typ string) map[string]any {
	return map[string]any{"id": id, "type": typ}
}

func TestParseDefinitionEdgeShapes(t *testing.T) {
	def, err := ParseDefinition(map[string]any{
		"nodes": []any{node("a", "passthrough"), node("b", "passthrough")},
		"edges": []any{
			map[string]any{"from": "a", "to": "b"},
			[]any{"b", EndNode},
		},
	})
	require.NoError(t, err)
	require.Len(t, def.Edges, 2)
	assert.Equal(t, EdgeDef{From: "a", To: "b"}, def.Edges[0])
	assert.Equal(t, EdgeDef{From: "b", To: EndNode}, def.Edges[1])
}

func TestParseDefinitionEntryResolution(t *testing.T) {
	t.Run("explicit entry wins", func(t *testing.T) {
		def, err := ParseDefinition(map[string]any{
			"nodes": []any{node("a", "t"), node("b", "t")},
			"entry": "b",
		})
		require.NoError(t, err)
		assert.Equal(t, "b", def.Entry)
	})

	t.Run("START edge names the entry", func(t *testing.T) {
		def, err := ParseDefinition(map[string]any{
			"nodes": []any{node("a", "t"), node("b", "t")},
			"edges": []any{[]any{StartNode, "b"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "b", def.Entry)
	})

	t.Run("first node is the fallback", func(t *testing.T) {
		def, err := ParseDefinition(map[string]any{
			"nodes": []any{node("a", "t"), node("b", "t")},
		})
		require.NoError(t, err)
		assert.Equal(t, "a", def.Entry)
	})
}

func TestParseDefinitionRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{
			name: "no nodes",
			doc:  map[string]any{"nodes": []any{}},
			want: "no nodes",
		},
		{
			name: "reserved id",
			doc:  map[string]any{"nodes": []any{node(StartNode, "t")}},
			want: "reserved",
		},
		{
			name: "duplicate id",
			doc:  map[string]any{"nodes": []any{node("a", "t"), node("a", "t")}},
			want: "duplicate",
		},
		{
			name: "missing type",
			doc:  map[string]any{"nodes": []any{map[string]any{"id": "a"}}},
			want: "requires id and type",
		},
		{
			name: "edge to unknown node",
			doc: map[string]any{
				"nodes": []any{node("a", "t")},
				"edges": []any{[]any{"a", "ghost"}},
			},
			want: "unknown node",
		},
		{
			name: "entry to unknown node",
			doc: map[string]any{
				"nodes": []any{node("a", "t")},
				"entry": "ghost",
			},
			want: "unknown node",
		},
		{
			name: "conditional edge without branches",
			doc: map[string]any{
				"nodes": []any{node("a", "t")},
				"conditional_edges": []any{map[string]any{
					"from": "a", "predicate": "x",
				}},
			},
			want: "at least one branch",
		},
		{
			name: "branch to unknown node",
			doc: map[string]any{
				"nodes": []any{node("a", "t")},
				"conditional_edges": []any{map[string]any{
					"from": "a", "predicate": "x",
					"branches": map[string]any{"yes": "ghost"},
				}},
			},
			want: "unknown node",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition(tc.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestStateMergeAppendsMessages(t *testing.T) {
	state := NewState(map[string]any{"query": "hi"})
	state.Merge(map[string]any{MessagesKey: []any{"m1"}})
	state.Merge(map[string]any{MessagesKey: []any{"m2", "m3"}, "query": "bye"})

	assert.Equal(t, []any{"m1", "m2", "m3"}, state.Messages())
	assert.Equal(t, "bye", state["query"])
}

func TestStateSnapshotIsDetached(t *testing.T) {
	state := NewState(map[string]any{"a": 1})
	snap := state.Snapshot()
	state["a"] = 2
	assert.Equal(t, 1, snap["a"])
}
