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

// MessagesKey is the reserved state field that carries LLM message
// objects through the graph and out into the run output untouched.
const MessagesKey = "_messages"

// State is the mutable data flowing through a run. All nodes of a run
// share one State; node outputs are merged in as they are produced.
type State map[string]any

// NewState seeds a state from run inputs.
func NewState(inputs map[string]any) State {
	state := make(State, len(inputs))
	for k, v := range inputs {
		state[k] = v
	}
	return state
}

// Merge applies a node's output. The _messages field appends rather than
// replaces, so conversation history accumulates across nodes.
func (s State) Merge(update map[string]any) {
	for k, v := range update {
		if k == MessagesKey {
			s.appendMessages(v)
			continue
		}
		s[k] = v
	}
}

func (s State) appendMessages(v any) {
	incoming, ok := v.([]any)
	if !ok {
		s[MessagesKey] = v
		return
	}
	existing, _ := s[MessagesKey].([]any)
	s[MessagesKey] = append(existing, incoming...)
}

// Messages returns the accumulated message objects, if any.
func (s State) Messages() []any {
	msgs, _ := s[MessagesKey].([]any)
	return msgs
}

// Snapshot returns a shallow copy safe to hand to checkpointers and
// serializers while the run keeps mutating the live state.
func (s State) Snapshot() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
