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

// Package errors defines the error taxonomy shared across the Orcheo core.
//
// Each error kind is a distinct struct so callers can classify failures with
// errors.As without string matching. HTTP-facing layers map the kinds to
// status codes: NotFoundError -> 404, InvalidTransitionError and
// WorkflowPublishStateError -> 409, WebhookValidationError -> 400,
// WebhookAuthenticationError -> 401, RateLimitError -> 429.
package errors

import (
	"fmt"
	"time"
)

// NotFoundError reports that a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "run", "credential")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InvalidTransitionError reports an illegal state machine transition, either
// on a run (pending/running/succeeded/failed/cancelled) or on the workflow
// publish lifecycle.
type InvalidTransitionError struct {
	// Entity is the kind of entity being transitioned (e.g., "run")
	Entity string

	// ID identifies the entity
	ID string

	// From is the current state
	From string

	// To is the requested state
	To string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// NameConflictError reports a duplicate credential name within a scope.
type NameConflictError struct {
	// Name is the conflicting credential name
	Name string

	// Scope describes the scope the conflict occurred in ("public" or a workflow ID)
	Scope string
}

// Error implements the error interface.
func (e *NameConflictError) Error() string {
	return fmt.Sprintf("credential name %q already exists in scope %s", e.Name, e.Scope)
}

// WorkflowScopeError reports an attempt to read or modify a credential from
// outside its workflow scope.
type WorkflowScopeError struct {
	// Credential identifies the credential (ID or name)
	Credential string

	// WorkflowID is the workflow that attempted the access
	WorkflowID string
}

// Error implements the error interface.
func (e *WorkflowScopeError) Error() string {
	return fmt.Sprintf("credential %s is not accessible from workflow %s", e.Credential, e.WorkflowID)
}

// WorkflowPublishStateError reports a publish/rotate/revoke call made in the
// wrong publish state.
type WorkflowPublishStateError struct {
	// WorkflowID identifies the workflow
	WorkflowID string

	// Operation is the attempted operation ("publish", "rotate", "revoke")
	Operation string

	// Reason explains why the operation is invalid in the current state
	Reason string
}

// Error implements the error interface.
func (e *WorkflowPublishStateError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s: %s", e.Operation, e.WorkflowID, e.Reason)
}

// RunHistoryError reports a persistence failure in the run history
// subsystem. History failures are non-fatal to a run: the engine logs them
// and continues, so this error carries enough context to be actionable in
// logs.
type RunHistoryError struct {
	// Op is the history operation that failed (e.g., "append_step")
	Op string

	// ExecutionID identifies the affected run, if known
	ExecutionID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RunHistoryError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("run history %s failed for %s: %v", e.Op, e.ExecutionID, e.Cause)
	}
	return fmt.Sprintf("run history %s failed: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RunHistoryError) Unwrap() error {
	return e.Cause
}

// CredentialHealthError reports that the pre-run health gate rejected a
// workflow because one or more of its credentials are unhealthy.
type CredentialHealthError struct {
	// WorkflowID identifies the gated workflow
	WorkflowID string

	// Unhealthy lists the names of the failing credentials
	Unhealthy []string

	// Reason carries additional context (e.g., "no health report")
	Reason string
}

// Error implements the error interface.
func (e *CredentialHealthError) Error() string {
	if len(e.Unhealthy) > 0 {
		return fmt.Sprintf("workflow %s has unhealthy credentials: %v", e.WorkflowID, e.Unhealthy)
	}
	return fmt.Sprintf("workflow %s failed credential health check: %s", e.WorkflowID, e.Reason)
}

// WebhookValidationError reports a structural webhook admission failure
// (method, required header, or required query parameter). Maps to HTTP 400.
type WebhookValidationError struct {
	// Reason describes the failed check
	Reason string
}

// Error implements the error interface.
func (e *WebhookValidationError) Error() string {
	return fmt.Sprintf("webhook validation failed: %s", e.Reason)
}

// WebhookAuthenticationError reports a failed shared secret or HMAC check,
// including replay and timestamp tolerance failures. Maps to HTTP 401.
type WebhookAuthenticationError struct {
	// Reason describes the failed check
	Reason string
}

// Error implements the error interface.
func (e *WebhookAuthenticationError) Error() string {
	return fmt.Sprintf("webhook authentication failed: %s", e.Reason)
}

// RateLimitError reports that a webhook invocation exceeded the configured
// rate limit. Maps to HTTP 429.
type RateLimitError struct {
	// Limit is the maximum number of invocations allowed per interval
	Limit int

	// Interval is the rate limit window
	Interval time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d per %s", e.Limit, e.Interval)
}

// ScriptIngestionError reports a failure to ingest a sandboxed graph
// script: a disallowed import, a compile error, or ambiguous graph
// discovery.
type ScriptIngestionError struct {
	// Reason describes the ingestion failure
	Reason string

	// Cause is the underlying interpreter error, if any
	Cause error
}

// Error implements the error interface.
func (e *ScriptIngestionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("script ingestion failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("script ingestion failed: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ScriptIngestionError) Unwrap() error {
	return e.Cause
}

// ExecutionError is a terminal run failure propagated from node code or the
// engine itself (e.g., the per-run step budget).
type ExecutionError struct {
	// Code is a stable machine-readable code (e.g., "step_budget_exceeded")
	Code string

	// NodeID identifies the node that failed, if the failure is node-scoped
	NodeID string

	// Message is the human-readable description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := "execution failed"
	if e.NodeID != "" {
		msg = fmt.Sprintf("%s at node %s", msg, e.NodeID)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
