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
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteWorkflowRoundTrip(t *testing.T) {
	repo := New(newSQLiteTestStore(t), nil)
	ctx := context.Background()

	wf, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{
		Name: "Nightly ETL", Description: "loads the warehouse",
		Tags: []string{"ETL", "nightly"}, Actor: "alice",
	})
	require.NoError(t, err)

	got, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nightly ETL", got.Name)
	assert.Equal(t, "nightly-etl", got.Slug)
	assert.Equal(t, []string{"etl", "nightly"}, got.Tags)
	require.Len(t, got.AuditLog, 1)
	assert.Equal(t, "create", got.AuditLog[0].Action)

	bySlug, err := repo.GetWorkflowBySlug(ctx, "nightly-etl")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, bySlug.ID)
}

func TestSQLiteSlugUnique(t *testing.T) {
	store := newSQLiteTestStore(t)
	repo := New(store, nil)
	ctx := context.Background()

	a, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{Name: "dup", Actor: "a"})
	require.NoError(t, err)
	b, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{Name: "dup", Actor: "a"})
	require.NoError(t, err)
	assert.Equal(t, "dup", a.Slug)
	assert.Equal(t, "dup-2", b.Slug)

	// The store itself rejects raw slug collisions.
	err = store.InsertWorkflow(ctx, &Workflow{ID: "x", Name: "dup", Slug: "dup"})
	assert.True(t, errors.IsNameConflict(err))
}

func TestSQLiteVersionsAndRuns(t *testing.T) {
	repo := New(newSQLiteTestStore(t), nil)
	ctx := context.Background()

	wf, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{Name: "flow", Actor: "a"})
	require.NoError(t, err)

	v1, err := repo.SaveVersion(ctx, wf.ID, SaveVersionParams{
		Graph:    map[string]any{"nodes": []any{"a"}},
		Metadata: map[string]any{"source": "editor"},
		Notes:    "initial",
	})
	require.NoError(t, err)
	v2, err := repo.SaveVersion(ctx, wf.ID, SaveVersionParams{
		Graph: map[string]any{"nodes": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	latest, err := repo.LatestVersion(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	got, err := repo.GetVersion(ctx, wf.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "initial", got.Notes)
	assert.Equal(t, "editor", got.Metadata["source"])

	run, err := repo.CreateRun(ctx, CreateRunParams{
		WorkflowID: wf.ID, WorkflowVersionID: v2.ID,
		TriggeredBy: "webhook", InputPayload: map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	_, err = repo.MarkRunStarted(ctx, run.ID, "engine")
	require.NoError(t, err)
	done, err := repo.MarkRunSucceeded(ctx, run.ID, map[string]any{"out": true}, "engine")
	require.NoError(t, err)

	fetched, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, fetched.Status)
	assert.Equal(t, done.OutputPayload, fetched.OutputPayload)
	assert.NotNil(t, fetched.StartedAt)
	assert.NotNil(t, fetched.CompletedAt)
	require.Len(t, fetched.AuditLog, 3)
	assert.Equal(t, "mark_succeeded", fetched.AuditLog[2].Action)

	// Terminal state survives the round trip through the state machine.
	_, err = repo.MarkRunStarted(ctx, run.ID, "engine")
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestSQLitePublishFlowPersists(t *testing.T) {
	repo := New(newSQLiteTestStore(t), nil)
	ctx := context.Background()

	wf, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{Name: "public", Actor: "a"})
	require.NoError(t, err)

	raw, err := GeneratePublishToken()
	require.NoError(t, err)
	_, err = repo.PublishWorkflow(ctx, wf.ID, HashPublishToken(raw), true, "a")
	require.NoError(t, err)

	found, ok := repo.VerifyPublishToken(ctx, wf.Slug, raw)
	require.True(t, ok)
	assert.True(t, found.RequireLogin)

	_, err = repo.RevokePublish(ctx, wf.ID, "a")
	require.NoError(t, err)
	_, ok = repo.VerifyPublishToken(ctx, wf.Slug, raw)
	assert.False(t, ok)
}

func TestSQLiteWebhookConfigPersists(t *testing.T) {
	repo := New(newSQLiteTestStore(t), nil)
	ctx := context.Background()

	wf, err := repo.CreateWorkflow(ctx, CreateWorkflowParams{Name: "hooked", Actor: "a"})
	require.NoError(t, err)

	cfg := json.RawMessage(`{"allowed_methods":["POST"],"rate_limit":{"limit":5,"interval_seconds":60}}`)
	require.NoError(t, repo.SetWebhookConfig(ctx, wf.ID, cfg, "a"))

	got, err := repo.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(cfg), string(got.WebhookConfig))
}
