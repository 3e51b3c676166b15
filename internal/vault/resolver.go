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
	"regexp"

	"github.com/orcheo/orcheo/pkg/errors"
)

// referencePattern matches [[credential_name]] tokens in config strings.
var referencePattern = regexp.MustCompile(`\[\[([A-Za-z0-9_][A-Za-z0-9_.\-]*)\]\]`)

// Resolver is the only bridge from graph node config to plaintext secrets.
// It is bound to one workflow context and attached to the current
// execution; node code never receives the vault directly.
type Resolver struct {
	vault      *Vault
	workflowID string
}

// NewResolver creates a resolver scoped to the given workflow.
func NewResolver(v *Vault, workflowID string) *Resolver {
	return &Resolver{vault: v, workflowID: workflowID}
}

// Resolve returns the plaintext secret for a credential name visible in the
// resolver's workflow context.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	cred, err := r.vault.store.FindByName(ctx, name, r.workflowID)
	if err != nil {
		return "", err
	}
	if !cred.VisibleTo(r.workflowID) {
		return "", &errors.WorkflowScopeError{Credential: name, WorkflowID: r.workflowID}
	}
	plaintext, err := r.vault.cipher.Decrypt(cred.Encrypted)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SubstituteString replaces every [[name]] token in s with the referenced
// secret. A missing credential fails the whole substitution.
func (r *Resolver) SubstituteString(ctx context.Context, s string) (string, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var out []byte
	last := 0
	for _, m := range matches {
		name := s[m[2]:m[3]]
		secret, err := r.Resolve(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolving credential reference %q: %w", name, err)
		}
		out = append(out, s[last:m[0]]...)
		out = append(out, secret...)
		last = m[1]
	}
	out = append(out, s[last:]...)
	return string(out), nil
}

// SubstituteConfig walks every string field of a node config (after
// deserialization, before node construction) and substitutes credential
// references. Nested maps and slices are walked recursively.
func (r *Resolver) SubstituteConfig(ctx context.Context, config map[string]any) (map[string]any, error) {
	resolved, err := r.substituteValue(ctx, config)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (r *Resolver) substituteValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.SubstituteString(ctx, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			resolved, err := r.substituteValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := r.substituteValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}
