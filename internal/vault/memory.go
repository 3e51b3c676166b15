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
	"sync"

	"github.com/orcheo/orcheo/pkg/errors"
)

// MemoryStore is an in-memory credential store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
	templates   map[string]*Template
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*Credential),
		templates:   make(map[string]*Template),
	}
}

// Insert stores a new credential.
func (s *MemoryStore) Insert(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.credentials {
		if existing.Name == cred.Name && existing.ScopeKey() == cred.ScopeKey() {
			return &errors.NameConflictError{Name: cred.Name, Scope: cred.ScopeKey()}
		}
	}
	s.credentials[cred.ID] = cred.clone()
	return nil
}

// Get returns a credential by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "credential", ID: id}
	}
	return cred.clone(), nil
}

// FindByName resolves a name within a workflow context. The workflow's own
// scope wins over unbound shared credentials, which win over public ones.
func (s *MemoryStore) FindByName(_ context.Context, name, workflowID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sharedMatch, publicMatch *Credential
	for _, cred := range s.credentials {
		if cred.Name != name || !cred.VisibleTo(workflowID) {
			continue
		}
		switch {
		case cred.WorkflowID == workflowID && workflowID != "":
			return cred.clone(), nil
		case cred.Access == AccessShared:
			sharedMatch = cred
		case cred.Access == AccessPublic:
			publicMatch = cred
		}
	}
	if sharedMatch != nil {
		return sharedMatch.clone(), nil
	}
	if publicMatch != nil {
		return publicMatch.clone(), nil
	}
	return nil, &errors.NotFoundError{Resource: "credential", ID: name}
}

// List returns all credentials visible in the workflow context.
func (s *MemoryStore) List(_ context.Context, workflowID string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Credential
	for _, cred := range s.credentials {
		if cred.VisibleTo(workflowID) {
			out = append(out, cred.clone())
		}
	}
	return out, nil
}

// Update persists changes to an existing credential.
func (s *MemoryStore) Update(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[cred.ID]; !ok {
		return &errors.NotFoundError{Resource: "credential", ID: cred.ID}
	}
	s.credentials[cred.ID] = cred.clone()
	return nil
}

// Delete removes a credential by ID.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[id]; !ok {
		return &errors.NotFoundError{Resource: "credential", ID: id}
	}
	delete(s.credentials, id)
	return nil
}

// PutTemplate upserts a credential template.
func (s *MemoryStore) PutTemplate(_ context.Context, tpl *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tpl
	s.templates[tpl.Provider] = &copied
	return nil
}

// GetTemplate returns a template by provider slug.
func (s *MemoryStore) GetTemplate(_ context.Context, provider string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[provider]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "credential template", ID: provider}
	}
	copied := *tpl
	return &copied, nil
}

// ListTemplates returns all templates.
func (s *MemoryStore) ListTemplates(_ context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		copied := *tpl
		out = append(out, &copied)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
