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

	"golang.org/x/oauth2"

	"github.com/orcheo/orcheo/internal/vault"
)

// Endpoint2Handler is a generic handler for providers that speak standard
// OAuth2 token refresh. Validation succeeds when a refresh-capable, not-yet
// expired access token is present; providers with richer introspection
// endpoints should ship their own Handler.
type Endpoint2Handler struct {
	// Config carries the client credentials and token endpoint.
	Config oauth2.Config
}

// NewEndpoint2Handler creates a handler for a standard OAuth2 provider.
func NewEndpoint2Handler(clientID, clientSecret, tokenURL string, scopes ...string) *Endpoint2Handler {
	return &Endpoint2Handler{
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       scopes,
		},
	}
}

// RefreshTokens exchanges the refresh token for a fresh bundle.
func (h *Endpoint2Handler) RefreshTokens(ctx context.Context, _ *vault.Credential, tokens vault.OAuthTokens) (vault.OAuthTokens, error) {
	if tokens.RefreshToken == "" {
		return vault.OAuthTokens{}, fmt.Errorf("no refresh token available")
	}

	src := h.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: tokens.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return vault.OAuthTokens{}, fmt.Errorf("refreshing token: %w", err)
	}

	out := vault.OAuthTokens{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
		Scope:        tokens.Scope,
	}
	// Providers may omit the refresh token on renewal; keep the old one.
	if out.RefreshToken == "" {
		out.RefreshToken = tokens.RefreshToken
	}
	return out, nil
}

// ValidateTokens checks that the bundle is usable.
func (h *Endpoint2Handler) ValidateTokens(_ context.Context, _ *vault.Credential, tokens vault.OAuthTokens) (Validation, error) {
	if tokens.AccessToken == "" {
		return Validation{Status: vault.HealthUnhealthy, FailureReason: "no access token"}, nil
	}
	if !(&oauth2.Token{AccessToken: tokens.AccessToken, Expiry: tokens.ExpiresAt}).Valid() {
		return Validation{Status: vault.HealthUnhealthy, FailureReason: "access token expired"}, nil
	}
	return Validation{Status: vault.HealthHealthy}, nil
}
