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
)

// RegisterBuiltins installs the node types every deployment gets.
// Domain-specific nodes (LLM calls, connectors) are registered by their
// own packages at startup.
func RegisterBuiltins(r *Registry) {
	r.Register("passthrough", newPassthroughNode)
	r.Register("set", newSetNode)
	r.Register("transform", newTransformNode)
}

// passthrough echoes selected state fields, or the whole state when no
// fields are configured. Useful as a join or terminal node.
func newPassthroughNode(config map[string]any) (Node, error) {
	var fields []string
	if raw, ok := config["fields"].([]any); ok {
		for _, f := range raw {
			name, ok := f.(string)
			if !ok {
				return nil, fmt.Errorf("fields entries must be strings")
			}
			fields = append(fields, name)
		}
	}
	return NodeFunc(func(_ context.Context, state State) (map[string]any, error) {
		if len(fields) == 0 {
			return state.Snapshot(), nil
		}
		out := make(map[string]any, len(fields))
		for _, name := range fields {
			if v, ok := state[name]; ok {
				out[name] = v
			}
		}
		return out, nil
	}), nil
}

// set writes static values into the state. Credential references in the
// values have been substituted by the time the constructor runs.
func newSetNode(config map[string]any) (Node, error) {
	values, ok := config["values"].(map[string]any)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("set node requires a values object")
	}
	return NodeFunc(func(_ context.Context, _ State) (map[string]any, error) {
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	}), nil
}

// transform evaluates expressions against the state and writes each
// result under its configured key.
func newTransformNode(config map[string]any) (Node, error) {
	exprs, ok := config["expressions"].(map[string]any)
	if !ok || len(exprs) == 0 {
		return nil, fmt.Errorf("transform node requires an expressions object")
	}
	programs := make(map[string]*exprProgram, len(exprs))
	for key, raw := range exprs {
		src, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expression %q must be a string", key)
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compiling expression %q: %w", key, err)
		}
		programs[key] = &exprProgram{src: src, program: program}
	}
	return NodeFunc(func(_ context.Context, state State) (map[string]any, error) {
		out := make(map[string]any, len(programs))
		for key, p := range programs {
			result, err := expr.Run(p.program, map[string]any(state))
			if err != nil {
				return nil, fmt.Errorf("evaluating %q: %w", p.src, err)
			}
			out[key] = result
		}
		return out, nil
	}), nil
}

type exprProgram struct {
	src     string
	program *vm.Program
}
