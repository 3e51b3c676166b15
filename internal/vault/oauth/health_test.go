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

package oauth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/internal/vault"
	"github.com/orcheo/orcheo/pkg/errors"
)

type fakeHandler struct {
	refreshed   vault.OAuthTokens
	refreshErr  error
	validation  Validation
	validateErr error
	refreshes   int
	validations int
}

func (f *fakeHandler) RefreshTokens(_ context.Context, _ *vault.Credential, _ vault.OAuthTokens) (vault.OAuthTokens, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return vault.OAuthTokens{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeHandler) ValidateTokens(_ context.Context, _ *vault.Credential, _ vault.OAuthTokens) (Validation, error) {
	f.validations++
	if f.validateErr != nil {
		return Validation{}, f.validateErr
	}
	return f.validation, nil
}

func newHealthFixture(t *testing.T) (*vault.Vault, *Service) {
	t.Helper()
	cipher, err := vault.NewCipherFromConfig("health-test")
	require.NoError(t, err)
	v := vault.New(vault.NewMemoryStore(), cipher, nil)
	svc := NewService(v, 5*time.Minute, 100, nil)
	return v, svc
}

func createOAuthCred(t *testing.T, v *vault.Vault, name, provider, workflowID string, tokens vault.OAuthTokens) *vault.Credential {
	t.Helper()
	payload, err := tokens.Marshal()
	require.NoError(t, err)
	cred, err := v.CreateCredential(context.Background(), vault.CreateParams{
		Name: name, Provider: provider, Kind: vault.KindOAuth,
		Secret: string(payload), Actor: "test", WorkflowID: workflowID,
	})
	require.NoError(t, err)
	return cred
}

func TestNonOAuthCredentialsAreHealthy(t *testing.T) {
	v, svc := newHealthFixture(t)
	_, err := v.CreateCredential(context.Background(), vault.CreateParams{
		Name: "apikey", Provider: "openai", Kind: vault.KindAPIKey,
		Secret: "sk-1", Actor: "test", WorkflowID: "wf-1",
	})
	require.NoError(t, err)

	report, err := svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, report.Credentials, 1)
	assert.Equal(t, vault.HealthHealthy, report.Credentials[0].Status)
	assert.True(t, report.IsHealthy())
}

func TestUnregisteredProviderIsUnhealthy(t *testing.T) {
	v, svc := newHealthFixture(t)
	createOAuthCred(t, v, "g", "google", "wf-1", vault.OAuthTokens{
		AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})

	report, err := svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, report.Credentials, 1)
	assert.Equal(t, vault.HealthUnhealthy, report.Credentials[0].Status)
	assert.Equal(t, "no provider registered", report.Credentials[0].FailureReason)
}

func TestExpiringTokensAreRefreshedAndPersisted(t *testing.T) {
	v, svc := newHealthFixture(t)
	cred := createOAuthCred(t, v, "g", "google", "wf-1", vault.OAuthTokens{
		AccessToken: "old", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Minute), // inside the 5m margin
	})

	handler := &fakeHandler{
		refreshed: vault.OAuthTokens{
			AccessToken: "new", RefreshToken: "rt",
			ExpiresAt: time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second),
		},
		validation: Validation{Status: vault.HealthHealthy},
	}
	svc.RegisterHandler("google", handler)

	report, err := svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, report.IsHealthy())
	assert.Equal(t, 1, handler.refreshes)
	assert.Equal(t, 1, handler.validations)

	// Refreshed tokens were re-encrypted and persisted through the vault.
	got, err := v.OAuthTokensFor(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
}

func TestRefreshFailureMarksUnhealthy(t *testing.T) {
	v, svc := newHealthFixture(t)
	cred := createOAuthCred(t, v, "g", "google", "wf-1", vault.OAuthTokens{
		AccessToken: "old", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute),
	})

	handler := &fakeHandler{refreshErr: fmt.Errorf("provider rejected refresh")}
	svc.RegisterHandler("google", handler)

	report, err := svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, report.Credentials, 1)
	assert.Equal(t, vault.HealthUnhealthy, report.Credentials[0].Status)
	assert.Contains(t, report.Credentials[0].FailureReason, "provider rejected refresh")

	// Health is recorded on the credential as well.
	listed, err := v.ListCredentials(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, cred.ID, listed[0].ID)
	assert.Equal(t, vault.HealthUnhealthy, listed[0].Health.Status)
}

func TestFreshTokensSkipRefresh(t *testing.T) {
	v, svc := newHealthFixture(t)
	createOAuthCred(t, v, "g", "google", "wf-1", vault.OAuthTokens{
		AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	})

	handler := &fakeHandler{validation: Validation{Status: vault.HealthHealthy}}
	svc.RegisterHandler("google", handler)

	_, err := svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 0, handler.refreshes)
	assert.Equal(t, 1, handler.validations)
}

func TestRequireHealthy(t *testing.T) {
	v, svc := newHealthFixture(t)

	// No report cached yet.
	err := svc.RequireHealthy("wf-1")
	assert.True(t, errors.IsCredentialHealth(err))

	createOAuthCred(t, v, "bad", "nope", "wf-1", vault.OAuthTokens{
		AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})
	_, err = svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)

	err = svc.RequireHealthy("wf-1")
	require.Error(t, err)
	var healthErr *errors.CredentialHealthError
	require.ErrorAs(t, err, &healthErr)
	assert.Contains(t, healthErr.Unhealthy, "bad")

	// After registering the provider and re-checking, the gate opens.
	svc.RegisterHandler("nope", &fakeHandler{validation: Validation{Status: vault.HealthHealthy}})
	_, err = svc.EnsureWorkflowHealth(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.NoError(t, svc.RequireHealthy("wf-1"))
}
