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

// Package script ingests graph-building scripts. Scripts run in an
// embedded JavaScript interpreter with no ambient capabilities: no
// filesystem, no network, no host globals. The only doorway is an
// intercepted require() restricted to an allow-listed module set.
package script

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"

	"github.com/orcheo/orcheo/internal/graph"
	"github.com/orcheo/orcheo/pkg/errors"
)

// defaultTimeout bounds script execution during ingestion. Scripts build
// graphs; they do not get to loop forever.
const defaultTimeout = 5 * time.Second

// builderMarker is the hidden property that tags builder objects so they
// can be recognized among the script's globals.
const builderMarker = "__orcheoBuilder"

// Ingestor executes graph-building scripts in a sandbox.
type Ingestor struct {
	timeout time.Duration
}

// New creates an ingestor with the default execution timeout.
func New() *Ingestor {
	return &Ingestor{timeout: defaultTimeout}
}

// builderState accumulates graph structure as the script calls builder
// methods.
type builderState struct {
	nodes       []map[string]any
	edges       []any
	conditional []any
	entry       string
}

// Ingest runs the script and extracts the graph it built. The script
// must leave a builder object (or a zero-arg factory returning one) in
// scope; entrypoint names it explicitly when several candidates exist.
func (i *Ingestor) Ingest(source, entrypoint string) (*graph.Definition, error) {
	vm := goja.New()

	var builders []*builderState
	var disallowed string

	modules := i.buildModules(vm, &builders)
	err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		mod, ok := modules[name]
		if !ok {
			disallowed = name
			panic(vm.ToValue(fmt.Sprintf("module %q is not available", name)))
		}
		return mod
	})
	if err != nil {
		return nil, fmt.Errorf("preparing sandbox: %w", err)
	}

	timer := time.AfterFunc(i.timeout, func() { vm.Interrupt("script timeout") })
	defer timer.Stop()

	if _, err := vm.RunString(source); err != nil {
		if disallowed != "" {
			return nil, &errors.ScriptIngestionError{
				Reason: fmt.Sprintf("disallowed import %q", disallowed),
			}
		}
		return nil, &errors.ScriptIngestionError{Reason: "script execution failed", Cause: err}
	}

	state, err := i.resolveBuilder(vm, builders, entrypoint)
	if err != nil {
		return nil, err
	}
	return state.toDefinition()
}

// resolveBuilder finds the graph the script built. Direct builder
// objects win over factories; factories are only probed when no direct
// builder is in scope.
func (i *Ingestor) resolveBuilder(vm *goja.Runtime, builders []*builderState, entrypoint string) (*builderState, error) {
	global := vm.GlobalObject()

	if entrypoint != "" {
		v := global.Get(entrypoint)
		if v == nil || goja.IsUndefined(v) {
			return nil, &errors.ScriptIngestionError{
				Reason: fmt.Sprintf("entrypoint %q is not defined", entrypoint),
			}
		}
		state := i.builderFromValue(vm, v, builders)
		if state == nil {
			return nil, &errors.ScriptIngestionError{
				Reason: fmt.Sprintf("entrypoint %q is not a graph builder or factory", entrypoint),
			}
		}
		return state, nil
	}

	var candidates []*builderState
	var factories []goja.Callable
	for _, key := range global.Keys() {
		if key == "require" {
			continue
		}
		v := global.Get(key)
		if state := directBuilder(v, builders); state != nil {
			candidates = append(candidates, state)
			continue
		}
		if fn, ok := goja.AssertFunction(v); ok {
			factories = append(factories, fn)
		}
	}

	if len(candidates) == 0 {
		for _, fn := range factories {
			result, err := fn(goja.Undefined())
			if err != nil {
				continue
			}
			if state := directBuilder(result, builders); state != nil {
				candidates = append(candidates, state)
			}
		}
	}

	switch len(candidates) {
	case 0:
		return nil, &errors.ScriptIngestionError{
			Reason: "script left no graph builder in scope",
		}
	case 1:
		return candidates[0], nil
	default:
		return nil, &errors.ScriptIngestionError{
			Reason: "multiple graph builders in scope; name one with entrypoint",
		}
	}
}

func (i *Ingestor) builderFromValue(vm *goja.Runtime, v goja.Value, builders []*builderState) *builderState {
	if state := directBuilder(v, builders); state != nil {
		return state
	}
	if fn, ok := goja.AssertFunction(v); ok {
		result, err := fn(goja.Undefined())
		if err != nil {
			return nil
		}
		return directBuilder(result, builders)
	}
	return nil
}

func directBuilder(v goja.Value, builders []*builderState) *builderState {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	marker := obj.Get(builderMarker)
	if marker == nil || goja.IsUndefined(marker) {
		return nil
	}
	idx := int(marker.ToInteger())
	if idx < 0 || idx >= len(builders) {
		return nil
	}
	return builders[idx]
}

// toDefinition reuses the structured-format parser so script-built
// graphs face the same validation as stored documents.
func (b *builderState) toDefinition() (*graph.Definition, error) {
	doc := map[string]any{
		"format": graph.FormatStructured,
		"nodes":  toAnySlice(b.nodes),
	}
	if len(b.edges) > 0 {
		doc["edges"] = b.edges
	}
	if len(b.conditional) > 0 {
		doc["conditional_edges"] = b.conditional
	}
	if b.entry != "" {
		doc["entry"] = b.entry
	}
	def, err := graph.ParseDefinition(doc)
	if err != nil {
		return nil, &errors.ScriptIngestionError{Reason: "script built an invalid graph", Cause: err}
	}
	def.Format = graph.FormatScript
	return def, nil
}

func toAnySlice(nodes []map[string]any) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

// buildModules constructs the allow-listed module set.
func (i *Ingestor) buildModules(vm *goja.Runtime, builders *[]*builderState) map[string]goja.Value {
	return map[string]goja.Value{
		"graph":       i.graphModule(vm, builders),
		"collections": collectionsModule(vm),
		"math":        mathModule(vm),
		"dates":       datesModule(vm),
		"validation":  validationModule(vm),
	}
}

func (i *Ingestor) graphModule(vm *goja.Runtime, builders *[]*builderState) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("START", graph.StartNode)
	_ = mod.Set("END", graph.EndNode)
	_ = mod.Set("builder", func(goja.FunctionCall) goja.Value {
		state := &builderState{}
		*builders = append(*builders, state)
		return newBuilderObject(vm, state, len(*builders)-1)
	})
	return mod
}

func newBuilderObject(vm *goja.Runtime, state *builderState, index int) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set(builderMarker, index)

	_ = obj.Set("addNode", func(call goja.FunctionCall) goja.Value {
		node := map[string]any{
			"id":   call.Argument(0).String(),
			"type": call.Argument(1).String(),
		}
		if config, ok := call.Argument(2).Export().(map[string]any); ok {
			node["config"] = config
		}
		state.nodes = append(state.nodes, node)
		return obj
	})
	_ = obj.Set("addEdge", func(call goja.FunctionCall) goja.Value {
		state.edges = append(state.edges, map[string]any{
			"from": call.Argument(0).String(),
			"to":   call.Argument(1).String(),
		})
		return obj
	})
	_ = obj.Set("addConditionalEdges", func(call goja.FunctionCall) goja.Value {
		cond := map[string]any{
			"from":      call.Argument(0).String(),
			"predicate": call.Argument(1).String(),
		}
		if branches, ok := call.Argument(2).Export().(map[string]any); ok {
			cond["branches"] = branches
		}
		if dflt := call.Argument(3); !goja.IsUndefined(dflt) {
			cond["default"] = dflt.String()
		}
		state.conditional = append(state.conditional, cond)
		return obj
	})
	_ = obj.Set("setEntry", func(call goja.FunctionCall) goja.Value {
		state.entry = call.Argument(0).String()
		return obj
	})
	return obj
}

func collectionsModule(vm *goja.Runtime) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("unique", func(call goja.FunctionCall) goja.Value {
		items, ok := call.Argument(0).Export().([]any)
		if !ok {
			return call.Argument(0)
		}
		seen := map[string]bool{}
		var out []any
		for _, item := range items {
			key := fmt.Sprint(item)
			if !seen[key] {
				seen[key] = true
				out = append(out, item)
			}
		}
		return vm.ToValue(out)
	})
	_ = mod.Set("sorted", func(call goja.FunctionCall) goja.Value {
		items, ok := call.Argument(0).Export().([]any)
		if !ok {
			return call.Argument(0)
		}
		out := append([]any(nil), items...)
		sort.Slice(out, func(a, b int) bool {
			return fmt.Sprint(out[a]) < fmt.Sprint(out[b])
		})
		return vm.ToValue(out)
	})
	return mod
}

func mathModule(vm *goja.Runtime) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("abs", math.Abs)
	_ = mod.Set("floor", math.Floor)
	_ = mod.Set("ceil", math.Ceil)
	_ = mod.Set("round", math.Round)
	_ = mod.Set("min", math.Min)
	_ = mod.Set("max", math.Max)
	return mod
}

func datesModule(vm *goja.Runtime) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("now", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(time.Now().UTC().Format(time.RFC3339))
	})
	return mod
}

func validationModule(vm *goja.Runtime) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("requireString", func(call goja.FunctionCall) goja.Value {
		if _, ok := call.Argument(0).Export().(string); !ok {
			panic(vm.ToValue(fmt.Sprintf("expected a string, got %v", call.Argument(0))))
		}
		return call.Argument(0)
	})
	_ = mod.Set("requireObject", func(call goja.FunctionCall) goja.Value {
		if _, ok := call.Argument(0).Export().(map[string]any); !ok {
			panic(vm.ToValue(fmt.Sprintf("expected an object, got %v", call.Argument(0))))
		}
		return call.Argument(0)
	})
	return mod
}
