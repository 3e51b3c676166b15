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

// Package vault implements encrypted credential storage with per-workflow
// scoping, audit logging, and reference resolution for graph node configs.
package vault

import (
	"encoding/json"
	"time"
)

// Kind categorizes credential material.
type Kind string

const (
	// KindSecret is an opaque secret value.
	KindSecret Kind = "SECRET"
	// KindOAuth is an OAuth token bundle (access/refresh/expiry/scope).
	KindOAuth Kind = "OAUTH"
	// KindAPIKey is a provider API key.
	KindAPIKey Kind = "API_KEY"
)

// Access controls which workflows can see a credential.
type Access string

const (
	// AccessPrivate restricts the credential to its owning workflow.
	AccessPrivate Access = "private"
	// AccessShared makes the credential visible to its workflow, or to all
	// workflows when no workflow is set.
	AccessShared Access = "shared"
	// AccessPublic makes the credential visible everywhere.
	AccessPublic Access = "public"
)

// HealthStatus is the result of the most recent credential health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Health records the outcome of the last health check.
type Health struct {
	Status        HealthStatus `json:"status"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// AuditEvent is one entry in a credential's append-only audit log.
type AuditEvent struct {
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// maxAuditEvents caps the audit events kept on an in-memory credential.
// Persistent backends store events in a dedicated table without a cap.
const maxAuditEvents = 256

// Credential is encrypted secret material with scope and health state.
// The Secret field is never populated outside RevealSecret; listings carry
// only Preview.
type Credential struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	Name       string     `json:"name"`
	Provider   string     `json:"provider"`
	Kind       Kind       `json:"kind"`
	Access     Access     `json:"access"`
	Scopes     []string   `json:"scopes,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
	Encrypted  Ciphertext `json:"-"`
	Health     Health     `json:"health"`
	CreatedAt  time.Time  `json:"created_at"`
	Owner      string     `json:"owner,omitempty"`

	// Preview is a redacted rendering of the ciphertext for listings.
	Preview string `json:"preview,omitempty"`

	AuditLog []AuditEvent `json:"audit_log,omitempty"`
	// AuditDropped counts audit events evicted by the in-memory cap.
	AuditDropped int `json:"audit_dropped,omitempty"`
}

// VisibleTo reports whether the credential is visible in the given workflow
// context per the scoping rules: public everywhere, shared within its
// workflow (or everywhere when unbound), private only within its workflow.
func (c *Credential) VisibleTo(workflowID string) bool {
	switch c.Access {
	case AccessPublic:
		return true
	case AccessShared:
		return c.WorkflowID == "" || c.WorkflowID == workflowID
	case AccessPrivate:
		return c.WorkflowID != "" && c.WorkflowID == workflowID
	default:
		return false
	}
}

// ScopeKey returns the uniqueness scope for the credential name: the owning
// workflow ID, or "public" for unbound credentials.
func (c *Credential) ScopeKey() string {
	if c.WorkflowID == "" {
		return "public"
	}
	return c.WorkflowID
}

// RecordAudit appends an audit event, enforcing the in-memory cap.
func (c *Credential) RecordAudit(actor, action string, metadata map[string]any) {
	c.AuditLog = append(c.AuditLog, AuditEvent{
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if over := len(c.AuditLog) - maxAuditEvents; over > 0 {
		c.AuditLog = append([]AuditEvent(nil), c.AuditLog[over:]...)
		c.AuditDropped += over
	}
}

// clone returns a deep copy safe to hand to callers.
func (c *Credential) clone() *Credential {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	out.AuditLog = append([]AuditEvent(nil), c.AuditLog...)
	out.Encrypted.Nonce = append([]byte(nil), c.Encrypted.Nonce...)
	out.Encrypted.Data = append([]byte(nil), c.Encrypted.Data...)
	return &out
}

// OAuthTokens is the payload encrypted for OAUTH-kind credentials.
type OAuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// Marshal serializes the token bundle for encryption.
func (t OAuthTokens) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalOAuthTokens parses a decrypted OAUTH payload.
func UnmarshalOAuthTokens(data []byte) (OAuthTokens, error) {
	var t OAuthTokens
	err := json.Unmarshal(data, &t)
	return t, err
}

// TemplateField describes one field a credential template collects.
type TemplateField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
	Pattern  string `json:"pattern,omitempty"`
	Example  string `json:"example,omitempty"`
}

// Template is a schema for issuing credentials of a specific provider.
type Template struct {
	Provider         string          `json:"provider"`
	DisplayName      string          `json:"display_name"`
	Description      string          `json:"description,omitempty"`
	Kind             Kind            `json:"kind"`
	Scopes           []string        `json:"scopes,omitempty"`
	Fields           []TemplateField `json:"fields"`
	RotateAfterDays  int             `json:"rotate_after_days,omitempty"`
	GovernanceChecks []string        `json:"governance_checks,omitempty"`
}
