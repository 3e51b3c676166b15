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
	"sync"

	"github.com/orcheo/orcheo/internal/vault"
)

// Node is one executable unit of a compiled graph. Run receives the
// shared state and returns an update to merge into it. Long-running
// nodes must honor ctx cancellation.
type Node interface {
	Run(ctx context.Context, state State) (map[string]any, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(ctx context.Context, state State) (map[string]any, error)

// Run implements Node.
func (f NodeFunc) Run(ctx context.Context, state State) (map[string]any, error) {
	return f(ctx, state)
}

// Constructor builds a node from its validated config. Credential
// references in the config have already been substituted; constructors
// never see the vault.
type Constructor func(config map[string]any) (Node, error)

// Registry maps node type names to constructors.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Constructor)}
}

// Register adds a node type. Re-registering a name replaces the previous
// constructor.
func (r *Registry) Register(typeName string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typeName] = ctor
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// Construct resolves a node type and builds an instance. When a resolver
// is present, [[name]] credential references in string config fields are
// substituted first, so plaintext reaches only the constructed node.
func (r *Registry) Construct(ctx context.Context, def NodeDef, resolver *vault.Resolver) (Node, error) {
	r.mu.RLock()
	ctor, ok := r.types[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q for node %q", def.Type, def.ID)
	}

	config := def.Config
	if resolver != nil && config != nil {
		substituted, err := resolver.SubstituteConfig(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials for node %q: %w", def.ID, err)
		}
		config = substituted
	}

	node, err := ctor(config)
	if err != nil {
		return nil, fmt.Errorf("constructing node %q: %w", def.ID, err)
	}
	return node, nil
}
