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

package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

func TestPublishTokenRoundTrip(t *testing.T) {
	raw, err := GeneratePublishToken()
	require.NoError(t, err)
	assert.Len(t, raw, 43) // 32 bytes, raw URL-safe base64

	hash := HashPublishToken(raw)
	assert.True(t, VerifyPublishToken(raw, hash))
	assert.False(t, VerifyPublishToken(raw+"x", hash))
	assert.False(t, VerifyPublishToken(raw, ""))

	other, err := GeneratePublishToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
	assert.NotEqual(t, hash, HashPublishToken(other))
}

func TestMaskPublishToken(t *testing.T) {
	hash := HashPublishToken("token")
	masked := MaskPublishToken(hash)
	assert.True(t, strings.HasPrefix(masked, "publish:******"))
	assert.True(t, strings.HasSuffix(masked, hash[len(hash)-6:]))
	assert.NotContains(t, masked, hash[:10])
	assert.Equal(t, "publish:******", MaskPublishToken("abc"))
}

func TestPublishRotateRevokeLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	wf := createTestWorkflow(t, repo, "published")
	ctx := context.Background()

	raw1, err := GeneratePublishToken()
	require.NoError(t, err)
	h1 := HashPublishToken(raw1)

	got, err := repo.PublishWorkflow(ctx, wf.ID, h1, false, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsPublic)
	assert.Equal(t, "alice", got.PublishedBy)
	assert.NotNil(t, got.PublishedAt)

	// Double publish conflicts.
	_, err = repo.PublishWorkflow(ctx, wf.ID, h1, false, "alice")
	assert.True(t, errors.IsPublishState(err))

	// The raw token verifies through the slug lookup.
	found, ok := repo.VerifyPublishToken(ctx, wf.Slug, raw1)
	require.True(t, ok)
	assert.Equal(t, wf.ID, found.ID)
	_, ok = repo.VerifyPublishToken(ctx, wf.Slug, "wrong")
	assert.False(t, ok)

	// Rotate swaps the hash and audits both masked forms.
	raw2, err := GeneratePublishToken()
	require.NoError(t, err)
	h2 := HashPublishToken(raw2)
	got, err = repo.RotatePublishToken(ctx, wf.ID, h2, "alice")
	require.NoError(t, err)

	last := got.AuditLog[len(got.AuditLog)-1]
	assert.Equal(t, "rotate_publish_token", last.Action)
	assert.Equal(t, MaskPublishToken(h1), last.Metadata["previous_token"])
	assert.Equal(t, MaskPublishToken(h2), last.Metadata["new_token"])
	for _, v := range last.Metadata {
		assert.NotContains(t, v.(string), h1[:20])
		assert.NotContains(t, v.(string), h2[:20])
	}

	_, ok = repo.VerifyPublishToken(ctx, wf.Slug, raw1)
	assert.False(t, ok)
	_, ok = repo.VerifyPublishToken(ctx, wf.Slug, raw2)
	assert.True(t, ok)

	// Revoke withdraws access; a second revoke conflicts.
	got, err = repo.RevokePublish(ctx, wf.ID, "alice")
	require.NoError(t, err)
	assert.False(t, got.IsPublic)
	assert.Empty(t, got.PublishTokenHash)
	_, ok = repo.VerifyPublishToken(ctx, wf.Slug, raw2)
	assert.False(t, ok)

	_, err = repo.RevokePublish(ctx, wf.ID, "alice")
	assert.True(t, errors.IsPublishState(err))
}

func TestRotateRequiresPublished(t *testing.T) {
	repo := newTestRepo(t)
	wf := createTestWorkflow(t, repo, "draft")
	_, err := repo.RotatePublishToken(context.Background(), wf.ID, HashPublishToken("h"), "a")
	assert.True(t, errors.IsPublishState(err))
}
