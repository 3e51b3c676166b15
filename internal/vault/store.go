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

import "context"

// Store is the persistence contract shared by the memory, SQLite, and
// Postgres credential backends. Scope enforcement and encryption live in
// the Vault service; stores persist and retrieve records.
type Store interface {
	// Insert stores a new credential. Returns a NameConflictError when a
	// credential with the same name exists in the same scope.
	Insert(ctx context.Context, cred *Credential) error

	// Get returns a credential by ID, or NotFoundError.
	Get(ctx context.Context, id string) (*Credential, error)

	// FindByName resolves a credential name within a workflow context,
	// preferring the workflow's own scope, then unbound shared, then
	// public. Returns NotFoundError when nothing visible matches.
	FindByName(ctx context.Context, name, workflowID string) (*Credential, error)

	// List returns all credentials visible in the workflow context, with
	// no particular order guaranteed.
	List(ctx context.Context, workflowID string) ([]*Credential, error)

	// Update persists changes to an existing credential.
	Update(ctx context.Context, cred *Credential) error

	// Delete removes a credential by ID.
	Delete(ctx context.Context, id string) error

	// PutTemplate upserts a credential template keyed by provider slug.
	PutTemplate(ctx context.Context, tpl *Template) error

	// GetTemplate returns a template by provider slug, or NotFoundError.
	GetTemplate(ctx context.Context, provider string) (*Template, error)

	// ListTemplates returns all templates.
	ListTemplates(ctx context.Context) ([]*Template, error)

	// Close releases backend resources.
	Close() error
}
