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

package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

func TestResolverSubstitution(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.CreateCredential(ctx, CreateParams{
		Name: "api_key", Provider: "openai", Kind: KindAPIKey,
		Secret: "sk-12345", Actor: "alice", WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	r := NewResolver(v, "wf-1")

	out, err := r.SubstituteString(ctx, "Bearer [[api_key]]")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-12345", out)

	// Strings without references pass through untouched.
	out, err = r.SubstituteString(ctx, "no refs here")
	require.NoError(t, err)
	assert.Equal(t, "no refs here", out)
}

func TestResolverConfigWalk(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.CreateCredential(ctx, CreateParams{
		Name: "token", Provider: "github", Kind: KindSecret,
		Secret: "gh-token", Actor: "alice", WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	r := NewResolver(v, "wf-1")
	config := map[string]any{
		"url": "https://api.github.com",
		"headers": map[string]any{
			"Authorization": "token [[token]]",
		},
		"retries": 3,
		"tags":    []any{"[[token]]", "static"},
	}

	resolved, err := r.SubstituteConfig(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, "token gh-token", resolved["headers"].(map[string]any)["Authorization"])
	assert.Equal(t, []any{"gh-token", "static"}, resolved["tags"])
	assert.Equal(t, 3, resolved["retries"])

	// The input config is not mutated.
	assert.Equal(t, "token [[token]]", config["headers"].(map[string]any)["Authorization"])
}

func TestResolverMissingCredentialFails(t *testing.T) {
	v := newTestVault(t)
	r := NewResolver(v, "wf-1")

	_, err := r.SubstituteString(context.Background(), "x [[missing]] y")
	assert.True(t, errors.IsNotFound(err))
}

func TestResolverScope(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.CreateCredential(ctx, CreateParams{
		Name: "private", Provider: "p", Kind: KindSecret,
		Secret: "s", Actor: "a", WorkflowID: "wf-1", Access: AccessPrivate,
	})
	require.NoError(t, err)

	other := NewResolver(v, "wf-2")
	_, err = other.Resolve(ctx, "private")
	assert.Error(t, err)
}
