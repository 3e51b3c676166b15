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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "not found",
			err:  &NotFoundError{Resource: "workflow", ID: "wf-1"},
			want: "workflow not found: wf-1",
		},
		{
			name: "invalid transition",
			err:  &InvalidTransitionError{Entity: "run", ID: "r-1", From: "succeeded", To: "failed"},
			want: "invalid run transition for r-1: succeeded -> failed",
		},
		{
			name: "name conflict",
			err:  &NameConflictError{Name: "slack", Scope: "wf-1"},
			want: `credential name "slack" already exists in scope wf-1`,
		},
		{
			name: "workflow scope",
			err:  &WorkflowScopeError{Credential: "cred-1", WorkflowID: "wf-2"},
			want: "credential cred-1 is not accessible from workflow wf-2",
		},
		{
			name: "publish state",
			err:  &WorkflowPublishStateError{WorkflowID: "wf-1", Operation: "rotate", Reason: "workflow is not published"},
			want: "cannot rotate workflow wf-1: workflow is not published",
		},
		{
			name: "rate limit",
			err:  &RateLimitError{Limit: 5, Interval: time.Minute},
			want: "rate limit exceeded: 5 per 1m0s",
		},
		{
			name: "execution with node and code",
			err:  &ExecutionError{Code: "step_budget_exceeded", NodeID: "loop", Message: "exceeded 1000 steps"},
			want: "execution failed at node loop (step_budget_exceeded): exceeded 1000 steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")

	wrapped := fmt.Errorf("starting run: %w", &RunHistoryError{Op: "start_run", ExecutionID: "exec-1", Cause: cause})
	assert.True(t, IsRunHistory(wrapped))
	assert.True(t, stderrors.Is(wrapped, cause))

	script := &ScriptIngestionError{Reason: "compile failed", Cause: cause}
	assert.True(t, stderrors.Is(script, cause))

	exec := &ExecutionError{Message: "boom", Cause: cause}
	assert.True(t, stderrors.Is(exec, cause))
}

func TestClassifiers(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("load: %w", &NotFoundError{Resource: "thread", ID: "t1"})))
	assert.False(t, IsNotFound(stderrors.New("thread not found")))

	assert.True(t, IsInvalidTransition(&InvalidTransitionError{Entity: "run"}))
	assert.True(t, IsNameConflict(&NameConflictError{Name: "x"}))
	assert.True(t, IsWorkflowScope(&WorkflowScopeError{}))
	assert.True(t, IsPublishState(&WorkflowPublishStateError{}))
	assert.True(t, IsCredentialHealth(&CredentialHealthError{}))
	assert.True(t, IsWebhookValidation(&WebhookValidationError{}))
	assert.True(t, IsWebhookAuthentication(&WebhookAuthenticationError{}))
	assert.True(t, IsRateLimit(&RateLimitError{}))
	assert.True(t, IsScriptIngestion(&ScriptIngestionError{}))
	assert.True(t, IsExecution(&ExecutionError{}))

	// Kinds do not cross-match.
	assert.False(t, IsWebhookValidation(&WebhookAuthenticationError{}))
	assert.False(t, IsExecution(&RunHistoryError{}))
}
