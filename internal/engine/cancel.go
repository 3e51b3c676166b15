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

import "sync"

// CancelToken is the cooperative cancellation handle for one run.
// External callers trip it; the engine polls it between node
// transitions. Tripping is sticky: the first reason wins.
type CancelToken struct {
	mu      sync.Mutex
	tripped bool
	reason  string
	done    chan struct{}
}

// NewCancelToken creates an untripped token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Trip requests cancellation. Subsequent calls are no-ops.
func (t *CancelToken) Trip(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tripped {
		return
	}
	t.tripped = true
	t.reason = reason
	close(t.done)
}

// Triggered reports whether cancellation has been requested.
func (t *CancelToken) Triggered() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped
}

// Reason returns the cancellation reason, or "" while untripped.
func (t *CancelToken) Reason() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed when the token trips. Nodes can select
// on it during long operations.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}
