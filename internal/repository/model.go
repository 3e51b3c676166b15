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

// Package repository owns workflows, their immutable versions, and run
// records. Workflows are never deleted, only archived; runs move through a
// strict state machine and terminal states are never overwritten.
package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/orcheo/orcheo/pkg/errors"
)

// AuditEvent is one entry in an entity's append-only audit log.
type AuditEvent struct {
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// maxAuditEvents caps the audit events kept on an in-memory entity.
const maxAuditEvents = 256

// Workflow is a versioned graph definition owned by a user.
type Workflow struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Slug             string          `json:"slug"`
	Description      string          `json:"description,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	IsArchived       bool            `json:"is_archived"`
	IsPublic         bool            `json:"is_public"`
	PublishTokenHash string          `json:"-"`
	PublishedAt      *time.Time      `json:"published_at,omitempty"`
	PublishedBy      string          `json:"published_by,omitempty"`
	RequireLogin     bool            `json:"require_login"`
	WebhookConfig    json.RawMessage `json:"webhook_config,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	AuditLog     []AuditEvent `json:"audit_log,omitempty"`
	AuditDropped int          `json:"audit_dropped,omitempty"`
}

// RecordAudit appends an audit event, enforcing the in-memory cap.
func (w *Workflow) RecordAudit(actor, action string, metadata map[string]any) {
	w.AuditLog = append(w.AuditLog, AuditEvent{
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if over := len(w.AuditLog) - maxAuditEvents; over > 0 {
		w.AuditLog = append([]AuditEvent(nil), w.AuditLog[over:]...)
		w.AuditDropped += over
	}
}

func (w *Workflow) clone() *Workflow {
	out := *w
	out.Tags = append([]string(nil), w.Tags...)
	out.AuditLog = append([]AuditEvent(nil), w.AuditLog...)
	out.WebhookConfig = append(json.RawMessage(nil), w.WebhookConfig...)
	return &out
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a lower-kebab slug from a workflow name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugNonAlnum.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// NormalizeTags lowercases, trims, dedupes, and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// WorkflowVersion is an immutable snapshot of a workflow graph. Version
// numbers are monotonic positive per workflow.
type WorkflowVersion struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Version    int            `json:"version"`
	Graph      map[string]any `json:"graph"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Notes      string         `json:"notes,omitempty"`
}

// Checksum returns the SHA-256 of the canonical JSON of the graph.
func (v *WorkflowVersion) Checksum() (string, error) {
	data, err := CanonicalJSON(v.Graph)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (v *WorkflowVersion) clone() *WorkflowVersion {
	out := *v
	out.Graph = cloneMap(v.Graph)
	out.Metadata = cloneMap(v.Metadata)
	return &out
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is terminal.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// WorkflowRun is one execution of a version against an input payload.
type WorkflowRun struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	WorkflowVersionID string         `json:"workflow_version_id"`
	Status            RunStatus      `json:"status"`
	TriggeredBy       string         `json:"triggered_by,omitempty"`
	InputPayload      map[string]any `json:"input_payload,omitempty"`
	OutputPayload     map[string]any `json:"output_payload,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`

	AuditLog     []AuditEvent `json:"audit_log,omitempty"`
	AuditDropped int          `json:"audit_dropped,omitempty"`
}

// RecordAudit appends an audit event, enforcing the in-memory cap.
func (r *WorkflowRun) RecordAudit(actor, action string, metadata map[string]any) {
	r.AuditLog = append(r.AuditLog, AuditEvent{
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
	if over := len(r.AuditLog) - maxAuditEvents; over > 0 {
		r.AuditLog = append([]AuditEvent(nil), r.AuditLog[over:]...)
		r.AuditDropped += over
	}
}

func (r *WorkflowRun) clone() *WorkflowRun {
	out := *r
	out.InputPayload = cloneMap(r.InputPayload)
	out.OutputPayload = cloneMap(r.OutputPayload)
	out.AuditLog = append([]AuditEvent(nil), r.AuditLog...)
	return &out
}

func (r *WorkflowRun) transition(to RunStatus) error {
	return &errors.InvalidTransitionError{
		Entity: "run", ID: r.ID, From: string(r.Status), To: string(to),
	}
}

// markStarted moves pending -> running.
func (r *WorkflowRun) markStarted() error {
	if r.Status != RunPending {
		return r.transition(RunRunning)
	}
	now := time.Now().UTC()
	r.Status = RunRunning
	r.StartedAt = &now
	return nil
}

// markSucceeded moves running -> succeeded and sets the output.
func (r *WorkflowRun) markSucceeded(output map[string]any) error {
	if r.Status != RunRunning {
		return r.transition(RunSucceeded)
	}
	now := time.Now().UTC()
	r.Status = RunSucceeded
	r.OutputPayload = output
	r.CompletedAt = &now
	return nil
}

// markFailed moves pending or running -> failed and sets the error.
// Once a terminal state is set it is never overwritten.
func (r *WorkflowRun) markFailed(message string) error {
	if r.Status != RunPending && r.Status != RunRunning {
		return r.transition(RunFailed)
	}
	now := time.Now().UTC()
	r.Status = RunFailed
	r.Error = message
	r.CompletedAt = &now
	return nil
}

// markCancelled moves any non-terminal state -> cancelled.
func (r *WorkflowRun) markCancelled(reason string) error {
	if r.Status.Terminal() {
		return r.transition(RunCancelled)
	}
	now := time.Now().UTC()
	r.Status = RunCancelled
	if reason != "" {
		r.Error = reason
	}
	r.CompletedAt = &now
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
