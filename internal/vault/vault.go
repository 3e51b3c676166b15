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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcheo/orcheo/internal/log"
	"github.com/orcheo/orcheo/pkg/errors"
)

// Vault provides scoped, audited access to encrypted credentials.
// Single writer per credential; reads are concurrent.
type Vault struct {
	store  Store
	cipher Cipher
	logger *slog.Logger

	// locks holds a mutex per credential ID
	locks sync.Map
}

// New creates a vault over the given store and cipher.
func New(store Store, cipher Cipher, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:  store,
		cipher: cipher,
		logger: log.WithComponent(logger, "vault"),
	}
}

func (v *Vault) lock(id string) *sync.Mutex {
	mu, _ := v.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateParams carries the inputs for CreateCredential.
type CreateParams struct {
	Name       string
	Provider   string
	Kind       Kind
	Secret     string
	Actor      string
	WorkflowID string
	Access     Access
	TemplateID string
	Scopes     []string
}

// CreateCredential encrypts and stores a new credential. Fails with
// NameConflictError when the name is taken in the same scope.
func (v *Vault) CreateCredential(ctx context.Context, p CreateParams) (*Credential, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("credential name is required")
	}
	if p.Access == "" {
		p.Access = AccessPrivate
	}
	if p.Access == AccessPrivate && p.WorkflowID == "" {
		return nil, fmt.Errorf("private credentials require a workflow")
	}

	encrypted, err := v.cipher.Encrypt([]byte(p.Secret))
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	cred := &Credential{
		ID:         uuid.NewString(),
		WorkflowID: p.WorkflowID,
		Name:       p.Name,
		Provider:   p.Provider,
		Kind:       p.Kind,
		Access:     p.Access,
		Scopes:     append([]string(nil), p.Scopes...),
		TemplateID: p.TemplateID,
		Encrypted:  encrypted,
		Health:     Health{Status: HealthUnknown},
		CreatedAt:  time.Now().UTC(),
		Owner:      p.Actor,
	}
	cred.RecordAudit(p.Actor, "create", map[string]any{"provider": p.Provider, "kind": string(p.Kind)})

	if err := v.store.Insert(ctx, cred); err != nil {
		return nil, err
	}

	v.logger.Info("credential created",
		slog.String(log.CredentialIDKey, cred.ID),
		slog.String("name", cred.Name),
		slog.String("provider", cred.Provider))
	return v.redact(cred), nil
}

// ListCredentials returns the credentials visible in the workflow context.
// Secrets are never included; each entry carries only a ciphertext preview.
func (v *Vault) ListCredentials(ctx context.Context, workflowID string) ([]*Credential, error) {
	creds, err := v.store.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, len(creds))
	for i, cred := range creds {
		out[i] = v.redact(cred)
	}
	return out, nil
}

// RevealSecret decrypts a credential's secret, enforcing workflow scope.
func (v *Vault) RevealSecret(ctx context.Context, id, workflowID string) (string, error) {
	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !cred.VisibleTo(workflowID) {
		return "", &errors.WorkflowScopeError{Credential: id, WorkflowID: workflowID}
	}
	plaintext, err := v.cipher.Decrypt(cred.Encrypted)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// UpdateParams carries optional mutations for UpdateCredential.
type UpdateParams struct {
	Secret *string
	Scopes []string
	Access *Access
	Actor  string
}

// UpdateCredential applies the given mutations and records an audit event.
func (v *Vault) UpdateCredential(ctx context.Context, id string, p UpdateParams) (*Credential, error) {
	mu := v.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if p.Secret != nil {
		encrypted, err := v.cipher.Encrypt([]byte(*p.Secret))
		if err != nil {
			return nil, fmt.Errorf("encrypting secret: %w", err)
		}
		cred.Encrypted = encrypted
		changed["secret"] = "rotated"
	}
	if p.Scopes != nil {
		cred.Scopes = append([]string(nil), p.Scopes...)
		changed["scopes"] = p.Scopes
	}
	if p.Access != nil {
		cred.Access = *p.Access
		changed["access"] = string(*p.Access)
	}
	cred.RecordAudit(p.Actor, "update", changed)

	if err := v.store.Update(ctx, cred); err != nil {
		return nil, err
	}
	return v.redact(cred), nil
}

// DeleteCredential removes a credential, enforcing workflow scope when a
// workflow context is supplied.
func (v *Vault) DeleteCredential(ctx context.Context, id, workflowID, actor string) error {
	mu := v.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if workflowID != "" && !cred.VisibleTo(workflowID) {
		return &errors.WorkflowScopeError{Credential: id, WorkflowID: workflowID}
	}
	if err := v.store.Delete(ctx, id); err != nil {
		return err
	}
	v.logger.Info("credential deleted",
		slog.String(log.CredentialIDKey, id),
		slog.String("actor", actor))
	return nil
}

// MarkHealth records the outcome of a health check.
func (v *Vault) MarkHealth(ctx context.Context, id string, status HealthStatus, reason, actor string) error {
	mu := v.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cred.Health = Health{Status: status, LastCheckedAt: &now, FailureReason: reason}
	cred.RecordAudit(actor, "mark_health", map[string]any{"status": string(status), "reason": reason})
	return v.store.Update(ctx, cred)
}

// UpdateOAuthTokens re-encrypts and persists a refreshed token bundle for
// an OAUTH-kind credential.
func (v *Vault) UpdateOAuthTokens(ctx context.Context, id string, tokens OAuthTokens, actor string) error {
	mu := v.lock(id)
	mu.Lock()
	defer mu.Unlock()

	cred, err := v.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cred.Kind != KindOAuth {
		return fmt.Errorf("credential %s is not OAUTH kind", id)
	}
	payload, err := tokens.Marshal()
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}
	encrypted, err := v.cipher.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypting tokens: %w", err)
	}
	cred.Encrypted = encrypted
	cred.RecordAudit(actor, "update_oauth_tokens", map[string]any{
		"expires_at": tokens.ExpiresAt.Format(time.RFC3339),
	})
	return v.store.Update(ctx, cred)
}

// OAuthTokensFor decrypts the token bundle of an OAUTH-kind credential.
// Used by the OAuth health service; not exposed to node code.
func (v *Vault) OAuthTokensFor(ctx context.Context, cred *Credential) (OAuthTokens, error) {
	full, err := v.store.Get(ctx, cred.ID)
	if err != nil {
		return OAuthTokens{}, err
	}
	payload, err := v.cipher.Decrypt(full.Encrypted)
	if err != nil {
		return OAuthTokens{}, err
	}
	return UnmarshalOAuthTokens(payload)
}

// PutTemplate registers a credential template.
func (v *Vault) PutTemplate(ctx context.Context, tpl *Template) error {
	return v.store.PutTemplate(ctx, tpl)
}

// GetTemplate returns a template by provider slug.
func (v *Vault) GetTemplate(ctx context.Context, provider string) (*Template, error) {
	return v.store.GetTemplate(ctx, provider)
}

// ListTemplates returns all registered templates.
func (v *Vault) ListTemplates(ctx context.Context) ([]*Template, error) {
	return v.store.ListTemplates(ctx)
}

// redact strips ciphertext and sets the listing preview.
func (v *Vault) redact(cred *Credential) *Credential {
	out := cred.clone()
	out.Preview = out.Encrypted.Preview()
	out.Encrypted = Ciphertext{}
	return out
}
