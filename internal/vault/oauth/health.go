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

// Package oauth implements the credential health service: it refreshes
// OAuth tokens ahead of expiry, validates them with their providers, and
// gates workflow execution on the cached result.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orcheo/orcheo/internal/log"
	"github.com/orcheo/orcheo/internal/vault"
	"github.com/orcheo/orcheo/pkg/errors"
)

// Validation is the outcome of a provider-side token check.
type Validation struct {
	Status        vault.HealthStatus
	FailureReason string
}

// Handler is the per-provider capability set. Orcheo ships no provider
// implementations; the registry is populated at startup.
type Handler interface {
	// RefreshTokens exchanges the refresh token for a new bundle.
	RefreshTokens(ctx context.Context, cred *vault.Credential, tokens vault.OAuthTokens) (vault.OAuthTokens, error)

	// ValidateTokens checks the bundle with the provider.
	ValidateTokens(ctx context.Context, cred *vault.Credential, tokens vault.OAuthTokens) (Validation, error)
}

// CredentialReport is the health outcome for one credential.
type CredentialReport struct {
	CredentialID  string             `json:"credential_id"`
	Name          string             `json:"name"`
	Provider      string             `json:"provider"`
	Status        vault.HealthStatus `json:"status"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// Report is the cached per-workflow health report.
type Report struct {
	WorkflowID  string             `json:"workflow_id"`
	CheckedAt   time.Time          `json:"checked_at"`
	Credentials []CredentialReport `json:"credentials"`
}

// IsHealthy reports whether every credential in the report is healthy.
func (r *Report) IsHealthy() bool {
	for _, c := range r.Credentials {
		if c.Status != vault.HealthHealthy {
			return false
		}
	}
	return true
}

// unhealthyNames returns the names of failing credentials.
func (r *Report) unhealthyNames() []string {
	var out []string
	for _, c := range r.Credentials {
		if c.Status != vault.HealthHealthy {
			out = append(out, c.Name)
		}
	}
	return out
}

// Service runs health checks and caches per-workflow reports.
type Service struct {
	vault         *vault.Vault
	refreshMargin time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	reports  map[string]*Report

	// limiters throttle provider validation calls, one limiter per provider
	limiters    sync.Map
	limiterRate rate.Limit
}

// NewService creates a health service. refreshMargin is how long before
// expiry tokens are refreshed; providerRate bounds validation calls per
// provider per second.
func NewService(v *vault.Vault, refreshMargin time.Duration, providerRate float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if providerRate <= 0 {
		providerRate = 5
	}
	return &Service{
		vault:         v,
		refreshMargin: refreshMargin,
		logger:        log.WithComponent(logger, "oauth_health"),
		handlers:      make(map[string]Handler),
		reports:       make(map[string]*Report),
		limiterRate:   rate.Limit(providerRate),
	}
}

// RegisterHandler registers a provider handler. Called at startup.
func (s *Service) RegisterHandler(provider string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[provider] = h
}

func (s *Service) handler(provider string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[provider]
	return h, ok
}

func (s *Service) limiter(provider string) *rate.Limiter {
	l, _ := s.limiters.LoadOrStore(provider, rate.NewLimiter(s.limiterRate, 1))
	return l.(*rate.Limiter)
}

// EnsureWorkflowHealth checks every credential scoped to the workflow,
// refreshing expiring OAuth tokens and validating with providers, then
// caches and returns the report.
func (s *Service) EnsureWorkflowHealth(ctx context.Context, workflowID string) (*Report, error) {
	creds, err := s.vault.ListCredentials(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	report := &Report{WorkflowID: workflowID, CheckedAt: time.Now().UTC()}
	for _, cred := range creds {
		cr := s.checkCredential(ctx, cred)
		report.Credentials = append(report.Credentials, cr)

		reason := ""
		if cr.Status != vault.HealthHealthy {
			reason = cr.FailureReason
		}
		if err := s.vault.MarkHealth(ctx, cred.ID, cr.Status, reason, "health-service"); err != nil {
			s.logger.Warn("recording credential health failed",
				slog.String(log.CredentialIDKey, cred.ID), log.Error(err))
		}
	}

	s.mu.Lock()
	s.reports[workflowID] = report
	s.mu.Unlock()
	return report, nil
}

func (s *Service) checkCredential(ctx context.Context, cred *vault.Credential) CredentialReport {
	cr := CredentialReport{
		CredentialID: cred.ID,
		Name:         cred.Name,
		Provider:     cred.Provider,
	}

	// Non-OAuth credentials are healthy by definition; there is no
	// provider to consult.
	if cred.Kind != vault.KindOAuth {
		cr.Status = vault.HealthHealthy
		return cr
	}

	handler, ok := s.handler(cred.Provider)
	if !ok {
		cr.Status = vault.HealthUnhealthy
		cr.FailureReason = "no provider registered"
		return cr
	}

	tokens, err := s.vault.OAuthTokensFor(ctx, cred)
	if err != nil {
		cr.Status = vault.HealthUnhealthy
		cr.FailureReason = fmt.Sprintf("decrypting tokens: %v", err)
		return cr
	}

	if time.Until(tokens.ExpiresAt) <= s.refreshMargin {
		refreshed, err := handler.RefreshTokens(ctx, cred, tokens)
		if err != nil {
			cr.Status = vault.HealthUnhealthy
			cr.FailureReason = err.Error()
			return cr
		}
		if err := s.vault.UpdateOAuthTokens(ctx, cred.ID, refreshed, "health-service"); err != nil {
			cr.Status = vault.HealthUnhealthy
			cr.FailureReason = fmt.Sprintf("persisting refreshed tokens: %v", err)
			return cr
		}
		tokens = refreshed
		s.logger.Info("oauth tokens refreshed",
			slog.String(log.CredentialIDKey, cred.ID),
			slog.String("provider", cred.Provider))
	}

	if err := s.limiter(cred.Provider).Wait(ctx); err != nil {
		cr.Status = vault.HealthUnknown
		cr.FailureReason = err.Error()
		return cr
	}
	validation, err := handler.ValidateTokens(ctx, cred, tokens)
	if err != nil {
		cr.Status = vault.HealthUnhealthy
		cr.FailureReason = err.Error()
		return cr
	}
	cr.Status = validation.Status
	cr.FailureReason = validation.FailureReason
	return cr
}

// Report returns the cached report for a workflow, if any.
func (s *Service) Report(workflowID string) (*Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[workflowID]
	return r, ok
}

// RequireHealthy gates execution: it fails with CredentialHealthError
// unless a cached report exists and is healthy. Transport layers call this
// before dispatching a run.
func (s *Service) RequireHealthy(workflowID string) error {
	report, ok := s.Report(workflowID)
	if !ok {
		return &errors.CredentialHealthError{WorkflowID: workflowID, Reason: "no health report"}
	}
	if !report.IsHealthy() {
		return &errors.CredentialHealthError{WorkflowID: workflowID, Unhealthy: report.unhealthyNames()}
	}
	return nil
}
