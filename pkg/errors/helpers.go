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

import "errors"

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsInvalidTransition reports whether err is (or wraps) an
// InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsNameConflict reports whether err is (or wraps) a NameConflictError.
func IsNameConflict(err error) bool {
	var target *NameConflictError
	return errors.As(err, &target)
}

// IsWorkflowScope reports whether err is (or wraps) a WorkflowScopeError.
func IsWorkflowScope(err error) bool {
	var target *WorkflowScopeError
	return errors.As(err, &target)
}

// IsPublishState reports whether err is (or wraps) a
// WorkflowPublishStateError.
func IsPublishState(err error) bool {
	var target *WorkflowPublishStateError
	return errors.As(err, &target)
}

// IsRunHistory reports whether err is (or wraps) a RunHistoryError.
func IsRunHistory(err error) bool {
	var target *RunHistoryError
	return errors.As(err, &target)
}

// IsCredentialHealth reports whether err is (or wraps) a
// CredentialHealthError.
func IsCredentialHealth(err error) bool {
	var target *CredentialHealthError
	return errors.As(err, &target)
}

// IsWebhookValidation reports whether err is (or wraps) a
// WebhookValidationError.
func IsWebhookValidation(err error) bool {
	var target *WebhookValidationError
	return errors.As(err, &target)
}

// IsWebhookAuthentication reports whether err is (or wraps) a
// WebhookAuthenticationError.
func IsWebhookAuthentication(err error) bool {
	var target *WebhookAuthenticationError
	return errors.As(err, &target)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsScriptIngestion reports whether err is (or wraps) a
// ScriptIngestionError.
func IsScriptIngestion(err error) bool {
	var target *ScriptIngestionError
	return errors.As(err, &target)
}

// IsExecution reports whether err is (or wraps) an ExecutionError.
func IsExecution(err error) bool {
	var target *ExecutionError
	return errors.As(err, &target)
}
