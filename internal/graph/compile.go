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
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orcheo/orcheo/internal/vault"
	"github.com/orcheo/orcheo/pkg/errors"
)

// ScriptIngestor turns a sandboxed graph-building script into a
// Definition. Implemented by the script subpackage; injected here so the
// compiler stays decoupled from the interpreter.
type ScriptIngestor interface {
	Ingest(source, entrypoint string) (*Definition, error)
}

// Compiler turns stored graph documents into compiled graphs.
type Compiler struct {
	registry *Registry
	scripts  ScriptIngestor
}

// NewCompiler creates a compiler. scripts may be nil, in which case the
// script format is rejected.
func NewCompiler(registry *Registry, scripts ScriptIngestor) *Compiler {
	return &Compiler{registry: registry, scripts: scripts}
}

// Compile parses, validates, and instantiates a graph document. Node
// construction happens here, with credential substitution applied through
// the resolver, so compile failures surface before any state mutates.
func (c *Compiler) Compile(ctx context.Context, graph map[string]any, resolver *vault.Resolver) (*CompiledGraph, error) {
	var (
		def *Definition
		err error
	)
	format, _ := graph["format"].(string)
	switch format {
	case FormatScript:
		if c.scripts == nil {
			return nil, &errors.ScriptIngestionError{Reason: "script ingestion is not enabled"}
		}
		source, _ := graph["source"].(string)
		if source == "" {
			return nil, &errors.ScriptIngestionError{Reason: "script source is empty"}
		}
		entrypoint, _ := graph["entrypoint"].(string)
		def, err = c.scripts.Ingest(source, entrypoint)
	case FormatStructured, "":
		def, err = ParseDefinition(graph)
	default:
		return nil, fmt.Errorf("unsupported graph format %q", format)
	}
	if err != nil {
		return nil, err
	}

	compiled := &CompiledGraph{
		def:         def,
		nodes:       make(map[string]Node, len(def.Nodes)),
		edges:       make(map[string]string),
		conditional: make(map[string]*compiledConditional),
	}
	for _, nodeDef := range def.Nodes {
		node, err := c.registry.Construct(ctx, nodeDef, resolver)
		if err != nil {
			return nil, err
		}
		compiled.nodes[nodeDef.ID] = node
	}
	for _, e := range def.Edges {
		if e.From == StartNode {
			continue
		}
		if _, dup := compiled.edges[e.From]; dup {
			return nil, fmt.Errorf("node %q has multiple outgoing edges; use conditional_edges", e.From)
		}
		compiled.edges[e.From] = e.To
	}
	for _, cond := range def.Conditional {
		program, err := expr.Compile(cond.Predicate, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compiling predicate on %q: %w", cond.From, err)
		}
		compiled.conditional[cond.From] = &compiledConditional{
			def:     cond,
			program: program,
		}
	}
	return compiled, nil
}

type compiledConditional struct {
	def     ConditionalEdgeDef
	program *vm.Program
}

// CompiledGraph is an executable graph. It is immutable and safe to
// reuse across runs; per-run mutability lives in the State and Cursor.
type CompiledGraph struct {
	def         *Definition
	nodes       map[string]Node
	edges       map[string]string
	conditional map[string]*compiledConditional
}

// Entry returns the entry node ID.
func (g *CompiledGraph) Entry() string { return g.def.Entry }

// NodeIDs returns the IDs of all nodes in declaration order.
func (g *CompiledGraph) NodeIDs() []string {
	out := make([]string, len(g.def.Nodes))
	for i, n := range g.def.Nodes {
		out[i] = n.ID
	}
	return out
}

// StartState seeds the run state from inputs.
func (g *CompiledGraph) StartState(inputs map[string]any) State {
	return NewState(inputs)
}

// Step is one node execution produced by the stream. Payload has the
// node ID as its single top-level key, matching the shape persisted to
// history and streamed to listeners.
type Step struct {
	Index  int
	NodeID string
	Output map[string]any
}

// Payload renders the step in wire shape.
func (s *Step) Payload() map[string]any {
	return map[string]any{s.NodeID: s.Output}
}

// Stream starts a pull-based traversal from the entry node. The caller
// drives it by calling Next, which lets the engine interleave
// cancellation checks, tracing, and history writes between nodes.
func (g *CompiledGraph) Stream(state State) *Cursor {
	return &Cursor{graph: g, state: state, current: g.def.Entry}
}

// Cursor walks a run through the graph one node at a time.
type Cursor struct {
	graph   *CompiledGraph
	state   State
	current string
	index   int
	done    bool
}

// Next executes the current node, merges its output into the state, and
// advances along the graph's edges. It returns nil when the traversal has
// reached END.
func (c *Cursor) Next(ctx context.Context) (*Step, error) {
	if c.done || c.current == EndNode {
		c.done = true
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node, ok := c.graph.nodes[c.current]
	if !ok {
		return nil, &errors.ExecutionError{
			Code: "unknown_node", NodeID: c.current,
			Message: fmt.Sprintf("graph references unknown node %q", c.current),
		}
	}

	output, err := node.Run(ctx, c.state)
	if err != nil {
		return nil, &errors.ExecutionError{
			Code: "node_failed", NodeID: c.current,
			Message: err.Error(), Cause: err,
		}
	}
	c.state.Merge(output)

	step := &Step{Index: c.index, NodeID: c.current, Output: output}
	c.index++

	next, err := c.graph.nextNode(c.current, c.state)
	if err != nil {
		return nil, err
	}
	c.current = next
	if next == EndNode {
		c.done = true
	}
	return step, nil
}

// State returns the live run state.
func (c *Cursor) State() State { return c.state }

// CurrentNode returns the node the cursor will execute next, or END once
// the traversal has finished.
func (c *Cursor) CurrentNode() string { return c.current }

// SkipTo positions the cursor at a node without executing anything.
// Checkpoint resume uses it to continue after already-completed nodes.
func (c *Cursor) SkipTo(nodeID string, stepIndex int) {
	c.current = nodeID
	c.index = stepIndex
	c.done = nodeID == EndNode
}

func (g *CompiledGraph) nextNode(current string, state State) (string, error) {
	if cond, ok := g.conditional[current]; ok {
		result, err := expr.Run(cond.program, map[string]any(state))
		if err != nil {
			return "", &errors.ExecutionError{
				Code: "predicate_failed", NodeID: current,
				Message: err.Error(), Cause: err,
			}
		}
		key := fmt.Sprint(result)
		if dst, ok := cond.def.Branches[key]; ok {
			return dst, nil
		}
		if cond.def.Default != "" {
			return cond.def.Default, nil
		}
		return "", &errors.ExecutionError{
			Code: "unmatched_branch", NodeID: current,
			Message: fmt.Sprintf("predicate yielded %q with no matching branch or default", key),
		}
	}
	if next, ok := g.edges[current]; ok {
		return next, nil
	}
	// A node with no outgoing edge terminates the run.
	return EndNode, nil
}

// FinalState returns the state after the stream has finished.
func (c *Cursor) FinalState() State { return c.state }
