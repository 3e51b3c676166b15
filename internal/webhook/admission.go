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

package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orcheo/orcheo/pkg/errors"
)

// maxSeenSignatures caps the per-workflow replay cache. Oldest entries
// are evicted first; an evicted signature is also long outside the
// timestamp tolerance.
const maxSeenSignatures = 1024

// Request is one inbound webhook invocation.
type Request struct {
	Method      string
	Headers     map[string]string
	QueryParams map[string]string

	// Payload is the request body: a map for JSON objects, or a string /
	// []byte for raw bodies. The HMAC base uses canonical JSON (sorted
	// keys, compact) for maps and the raw bytes otherwise.
	Payload any
}

// workflowState is the mutable admission state for one workflow.
type workflowState struct {
	mu          sync.Mutex
	seen        map[string]bool
	seenOrder   []string
	invocations []time.Time
}

// Admitter validates inbound webhook requests per workflow.
type Admitter struct {
	mu     sync.Mutex
	states map[string]*workflowState
	now    func() time.Time
}

// NewAdmitter creates an admitter.
func NewAdmitter() *Admitter {
	return &Admitter{
		states: make(map[string]*workflowState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Admitter) state(workflowID string) *workflowState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[workflowID]
	if !ok {
		st = &workflowState{seen: make(map[string]bool)}
		a.states[workflowID] = st
	}
	return st
}

// Admit runs the admission checks in order and returns the scrubbed
// header map on success. Check failures map to HTTP status by error
// kind: validation 400, authentication 401, rate limit 429.
func (a *Admitter) Admit(workflowID string, cfg *Config, req Request) (map[string]string, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := checkMethod(cfg, req); err != nil {
		return nil, err
	}
	if err := checkSharedSecret(cfg, req); err != nil {
		return nil, err
	}
	if err := checkRequiredHeaders(cfg, req); err != nil {
		return nil, err
	}
	if err := checkRequiredQueryParams(cfg, req); err != nil {
		return nil, err
	}

	st := a.state(workflowID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := a.checkHMAC(cfg, req, st); err != nil {
		return nil, err
	}
	if err := a.checkRateLimit(cfg, st); err != nil {
		return nil, err
	}

	return scrubHeaders(cfg, req.Headers), nil
}

func checkMethod(cfg *Config, req Request) error {
	for _, method := range cfg.methods() {
		if strings.EqualFold(method, req.Method) {
			return nil
		}
	}
	return &errors.WebhookValidationError{
		Reason: fmt.Sprintf("method %s is not allowed", req.Method),
	}
}

func checkSharedSecret(cfg *Config, req Request) error {
	if cfg.SharedSecret == "" {
		return nil
	}
	header := cfg.SharedSecretHeader
	if header == "" {
		header = "x-webhook-secret"
	}
	got, ok := lookupHeader(req.Headers, header)
	if !ok {
		return &errors.WebhookAuthenticationError{Reason: "missing shared secret header"}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.SharedSecret)) != 1 {
		return &errors.WebhookAuthenticationError{Reason: "shared secret mismatch"}
	}
	return nil
}

func checkRequiredHeaders(cfg *Config, req Request) error {
	for name, want := range cfg.RequiredHeaders {
		got, ok := lookupHeader(req.Headers, name)
		if !ok || got != want {
			return &errors.WebhookValidationError{
				Reason: fmt.Sprintf("required header %s missing or mismatched", name),
			}
		}
	}
	return nil
}

func checkRequiredQueryParams(cfg *Config, req Request) error {
	for name, want := range cfg.RequiredQueryParams {
		if got, ok := req.QueryParams[name]; !ok || got != want {
			return &errors.WebhookValidationError{
				Reason: fmt.Sprintf("required query parameter %s missing or mismatched", name),
			}
		}
	}
	return nil
}

func (a *Admitter) checkHMAC(cfg *Config, req Request, st *workflowState) error {
	if cfg.HMACSecret == "" {
		return nil
	}
	header := cfg.HMACHeader
	if header == "" {
		header = "x-signature"
	}
	signature, ok := lookupHeader(req.Headers, header)
	if !ok || signature == "" {
		return &errors.WebhookAuthenticationError{Reason: "missing signature header"}
	}

	var timestamp string
	if cfg.TimestampHeader != "" {
		ts, ok := lookupHeader(req.Headers, cfg.TimestampHeader)
		if !ok || ts == "" {
			return &errors.WebhookAuthenticationError{Reason: "missing timestamp header"}
		}
		seconds, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return &errors.WebhookAuthenticationError{Reason: "malformed timestamp"}
		}
		drift := a.now().Sub(time.Unix(seconds, 0))
		if drift < 0 {
			drift = -drift
		}
		if drift > cfg.tolerance() {
			return &errors.WebhookAuthenticationError{Reason: "timestamp outside tolerance"}
		}
		timestamp = ts
	}

	payload, err := canonicalPayload(req.Payload)
	if err != nil {
		return &errors.WebhookAuthenticationError{Reason: "unsignable payload"}
	}
	base := payload
	if timestamp != "" {
		base = append([]byte(timestamp+"."), payload...)
	}

	want, err := ComputeSignature(cfg.HMACAlgorithm, cfg.HMACSecret, base)
	if err != nil {
		return &errors.WebhookAuthenticationError{Reason: err.Error()}
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(want)) != 1 {
		return &errors.WebhookAuthenticationError{Reason: "signature mismatch"}
	}

	if st.seen[want] {
		return &errors.WebhookAuthenticationError{Reason: "replayed signature"}
	}
	st.seen[want] = true
	st.seenOrder = append(st.seenOrder, want)
	if len(st.seenOrder) > maxSeenSignatures {
		evicted := st.seenOrder[0]
		st.seenOrder = st.seenOrder[1:]
		delete(st.seen, evicted)
	}
	return nil
}

func (a *Admitter) checkRateLimit(cfg *Config, st *workflowState) error {
	if cfg.RateLimit <= 0 {
		return nil
	}
	now := a.now()
	cutoff := now.Add(-cfg.rateInterval())

	kept := st.invocations[:0]
	for _, at := range st.invocations {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	st.invocations = kept

	if len(st.invocations) >= cfg.RateLimit {
		return &errors.RateLimitError{Limit: cfg.RateLimit, Interval: cfg.rateInterval()}
	}
	st.invocations = append(st.invocations, now)
	return nil
}

// ComputeSignature returns the lowercase hex HMAC of base. Senders and
// the admission check share this exact construction.
func ComputeSignature(algorithm, secret string, base []byte) (string, error) {
	var newHash func() hash.Hash
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	case "sha512":
		newHash = sha512.New
	default:
		return "", fmt.Errorf("unsupported hmac algorithm %q", algorithm)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(base)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalPayload renders the signing base for a payload: canonical
// JSON (sorted keys, compact) for mappings, raw bytes otherwise.
func canonicalPayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case map[string]any:
		return json.Marshal(v)
	default:
		return json.Marshal(v)
	}
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value, true
		}
	}
	return "", false
}

// scrubHeaders copies the header map minus the shared secret header, so
// trigger metadata never carries the secret downstream.
func scrubHeaders(cfg *Config, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	secretHeader := cfg.SharedSecretHeader
	if secretHeader == "" && cfg.SharedSecret != "" {
		secretHeader = "x-webhook-secret"
	}
	for key, value := range headers {
		if secretHeader != "" && strings.EqualFold(key, secretHeader) {
			continue
		}
		out[key] = value
	}
	return out
}
