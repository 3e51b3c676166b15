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

// Package graph compiles stored workflow graph documents into executable
// form. Two input formats are supported: a structured node/edge document
// and a sandboxed script that builds the graph programmatically.
package graph

import (
	"fmt"
)

// Sentinel vertices. START is the implicit source of the entry edge; a
// transition to END terminates the stream.
const (
	StartNode = "START"
	EndNode   = "END"
)

// Graph document formats.
const (
	FormatStructured = "structured"
	FormatScript     = "langgraph-script"
)

// NodeDef declares one node of a structured graph.
type NodeDef struct {
	ID     string
	Type   string
	Config map[string]any
}

// EdgeDef is an unconditional transition.
type EdgeDef struct {
	From string
	To   string
}

// ConditionalEdgeDef routes by evaluating a predicate expression against
// the current state. The predicate yields a branch key which is looked up
// in Branches; Default applies when the key is absent.
type ConditionalEdgeDef struct {
	From      string
	Predicate string
	Branches  map[string]string
	Default   string
}

// Definition is the parsed, validated form of a graph document.
type Definition struct {
	Format      string
	Nodes       []NodeDef
	Edges       []EdgeDef
	Conditional []ConditionalEdgeDef
	Entry       string
}

// ParseDefinition parses the structured graph format. Edges accept both
// the object form {from, to} and the pair form [src, dst].
func ParseDefinition(graph map[string]any) (*Definition, error) {
	def := &Definition{Format: FormatStructured}

	rawNodes, ok := graph["nodes"].([]any)
	if !ok || len(rawNodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}
	seen := make(map[string]bool, len(rawNodes))
	for i, raw := range rawNodes {
		node, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %d is not an object", i)
		}
		id, _ := node["id"].(string)
		typ, _ := node["type"].(string)
		if id == "" || typ == "" {
			return nil, fmt.Errorf("node %d requires id and type", i)
		}
		if id == StartNode || id == EndNode {
			return nil, fmt.Errorf("node id %q is reserved", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate node id %q", id)
		}
		seen[id] = true

		config, _ := node["config"].(map[string]any)
		def.Nodes = append(def.Nodes, NodeDef{ID: id, Type: typ, Config: config})
	}

	if rawEdges, ok := graph["edges"].([]any); ok {
		for i, raw := range rawEdges {
			edge, err := parseEdge(raw)
			if err != nil {
				return nil, fmt.Errorf("edge %d: %w", i, err)
			}
			def.Edges = append(def.Edges, edge)
		}
	}

	if rawCond, ok := graph["conditional_edges"].([]any); ok {
		for i, raw := range rawCond {
			cond, err := parseConditionalEdge(raw)
			if err != nil {
				return nil, fmt.Errorf("conditional edge %d: %w", i, err)
			}
			def.Conditional = append(def.Conditional, cond)
		}
	}

	if entry, ok := graph["entry"].(string); ok {
		def.Entry = entry
	}
	if def.Entry == "" {
		// An explicit START edge names the entry; otherwise the first
		// declared node is it.
		for _, e := range def.Edges {
			if e.From == StartNode {
				def.Entry = e.To
				break
			}
		}
	}
	if def.Entry == "" {
		def.Entry = def.Nodes[0].ID
	}

	if err := def.validate(seen); err != nil {
		return nil, err
	}
	return def, nil
}

func parseEdge(raw any) (EdgeDef, error) {
	switch v := raw.(type) {
	case map[string]any:
		from, _ := v["from"].(string)
		to, _ := v["to"].(string)
		if from == "" || to == "" {
			return EdgeDef{}, fmt.Errorf("requires from and to")
		}
		return EdgeDef{From: from, To: to}, nil
	case []any:
		if len(v) != 2 {
			return EdgeDef{}, fmt.Errorf("pair form requires exactly two elements")
		}
		from, okFrom := v[0].(string)
		to, okTo := v[1].(string)
		if !okFrom || !okTo {
			return EdgeDef{}, fmt.Errorf("pair elements must be strings")
		}
		return EdgeDef{From: from, To: to}, nil
	default:
		return EdgeDef{}, fmt.Errorf("unsupported edge shape %T", raw)
	}
}

func parseConditionalEdge(raw any) (ConditionalEdgeDef, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return ConditionalEdgeDef{}, fmt.Errorf("not an object")
	}
	from, _ := obj["from"].(string)
	predicate, _ := obj["predicate"].(string)
	if from == "" || predicate == "" {
		return ConditionalEdgeDef{}, fmt.Errorf("requires from and predicate")
	}

	cond := ConditionalEdgeDef{From: from, Predicate: predicate, Branches: map[string]string{}}
	if branches, ok := obj["branches"].(map[string]any); ok {
		for key, dst := range branches {
			dstID, ok := dst.(string)
			if !ok {
				return ConditionalEdgeDef{}, fmt.Errorf("branch %q destination must be a string", key)
			}
			cond.Branches[key] = dstID
		}
	}
	if len(cond.Branches) == 0 {
		return ConditionalEdgeDef{}, fmt.Errorf("requires at least one branch")
	}
	if dflt, ok := obj["default"].(string); ok {
		cond.Default = dflt
	}
	return cond, nil
}

func (d *Definition) validate(nodeIDs map[string]bool) error {
	known := func(id string) bool {
		return id == StartNode || id == EndNode || nodeIDs[id]
	}
	for _, e := range d.Edges {
		if !known(e.From) {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if !known(e.To) {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
	}
	for _, c := range d.Conditional {
		if !nodeIDs[c.From] {
			return fmt.Errorf("conditional edge references unknown node %q", c.From)
		}
		for key, dst := range c.Branches {
			if !known(dst) {
				return fmt.Errorf("branch %q references unknown node %q", key, dst)
			}
		}
		if c.Default != "" && !known(c.Default) {
			return fmt.Errorf("default branch references unknown node %q", c.Default)
		}
	}
	if !nodeIDs[d.Entry] {
		return fmt.Errorf("entry references unknown node %q", d.Entry)
	}
	return nil
}
