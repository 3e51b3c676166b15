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

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the per-node state capture taken after each step. NextNode
// and StepIndex position a resumed cursor past the completed node.
type Snapshot struct {
	NodeID    string
	NextNode  string
	StepIndex int
	State     map[string]any
	At        time.Time
}

// Checkpointer persists per-node snapshots keyed by (execution ID, node
// ID). Re-running with the same execution ID resumes from the latest
// snapshot and skips already-completed nodes.
type Checkpointer interface {
	Save(ctx context.Context, executionID string, snap Snapshot) error
	Latest(ctx context.Context, executionID string) (*Snapshot, error)
	Clear(ctx context.Context, executionID string) error
}

// MemoryCheckpointer is the default in-process checkpointer.
type MemoryCheckpointer struct {
	mu     sync.Mutex
	byNode map[string]map[string]Snapshot
	latest map[string]Snapshot
}

// NewMemoryCheckpointer creates an empty checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		byNode: make(map[string]map[string]Snapshot),
		latest: make(map[string]Snapshot),
	}
}

// Save stores a snapshot under (executionID, snap.NodeID) and advances
// the latest pointer.
func (c *MemoryCheckpointer) Save(_ context.Context, executionID string, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes, ok := c.byNode[executionID]
	if !ok {
		nodes = make(map[string]Snapshot)
		c.byNode[executionID] = nodes
	}
	nodes[snap.NodeID] = snap
	c.latest[executionID] = snap
	return nil
}

// Latest returns the most recent snapshot for an execution, or nil.
func (c *MemoryCheckpointer) Latest(_ context.Context, executionID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.latest[executionID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// Clear drops all snapshots for an execution.
func (c *MemoryCheckpointer) Clear(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byNode, executionID)
	delete(c.latest, executionID)
	return nil
}
