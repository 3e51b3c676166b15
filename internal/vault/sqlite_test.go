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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleCredential(name, workflowID string, access Access) *Credential {
	return &Credential{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Name:       name,
		Provider:   "test",
		Kind:       KindSecret,
		Access:     access,
		Scopes:     []string{"read"},
		Encrypted:  Ciphertext{Nonce: []byte("0123456789ab"), Data: []byte("ciphertext"), KeyVersion: 1},
		Health:     Health{Status: HealthUnknown},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestSQLiteInsertGetRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	cred := sampleCredential("a", "wf-1", AccessPrivate)
	cred.RecordAudit("alice", "create", map[string]any{"k": "v"})
	require.NoError(t, store.Insert(ctx, cred))

	got, err := store.Get(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.Name, got.Name)
	assert.Equal(t, cred.Encrypted.Data, got.Encrypted.Data)
	assert.Equal(t, []string{"read"}, got.Scopes)
	require.Len(t, got.AuditLog, 1)
	assert.Equal(t, "create", got.AuditLog[0].Action)
	assert.Equal(t, "v", got.AuditLog[0].Metadata["k"])
}

func TestSQLiteNameConflict(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, sampleCredential("dup", "wf-1", AccessPrivate)))
	err := store.Insert(ctx, sampleCredential("dup", "wf-1", AccessPrivate))
	assert.True(t, errors.IsNameConflict(err))

	// Different scope, same name is allowed.
	require.NoError(t, store.Insert(ctx, sampleCredential("dup", "wf-2", AccessPrivate)))
}

func TestSQLiteFindByNamePrefersWorkflowScope(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	pub := sampleCredential("key", "", AccessPublic)
	require.NoError(t, store.Insert(ctx, pub))
	private := sampleCredential("key", "wf-1", AccessPrivate)
	require.NoError(t, store.Insert(ctx, private))

	got, err := store.FindByName(ctx, "key", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, private.ID, got.ID)

	got, err = store.FindByName(ctx, "key", "wf-2")
	require.NoError(t, err)
	assert.Equal(t, pub.ID, got.ID)
}

func TestSQLiteUpdateAppendsAudit(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	cred := sampleCredential("c", "wf-1", AccessPrivate)
	cred.RecordAudit("alice", "create", nil)
	require.NoError(t, store.Insert(ctx, cred))

	cred.Health = Health{Status: HealthHealthy}
	cred.RecordAudit("system", "mark_health", nil)
	require.NoError(t, store.Update(ctx, cred))

	got, err := store.Get(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, got.Health.Status)
	require.Len(t, got.AuditLog, 2)
	assert.Equal(t, "mark_health", got.AuditLog[1].Action)
}

func TestSQLiteDeleteCascadesAudit(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	cred := sampleCredential("gone", "wf-1", AccessPrivate)
	cred.RecordAudit("a", "create", nil)
	require.NoError(t, store.Insert(ctx, cred))
	require.NoError(t, store.Delete(ctx, cred.ID))

	_, err := store.Get(ctx, cred.ID)
	assert.True(t, errors.IsNotFound(err))

	err = store.Delete(ctx, cred.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestSQLiteVaultServiceIntegration(t *testing.T) {
	store := newSQLiteTestStore(t)
	cipher, err := NewCipherFromConfig("integration-key")
	require.NoError(t, err)
	v := New(store, cipher, nil)
	ctx := context.Background()

	cred, err := v.CreateCredential(ctx, CreateParams{
		Name: "db", Provider: "postgres", Kind: KindSecret,
		Secret: "pa55", Actor: "alice", WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	secret, err := v.RevealSecret(ctx, cred.ID, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "pa55", secret)

	_, err = v.RevealSecret(ctx, cred.ID, "wf-other")
	assert.True(t, errors.IsWorkflowScope(err))
}
