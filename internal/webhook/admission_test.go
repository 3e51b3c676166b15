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
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

func fixedAdmitter(now time.Time) *Admitter {
	a := NewAdmitter()
	a.now = func() time.Time { return now }
	return a
}

func signedRequest(t *testing.T, cfg *Config, now time.Time, payload map[string]any) Request {
	t.Helper()
	ts := strconv.FormatInt(now.Unix(), 10)
	base, err := canonicalPayload(payload)
	require.NoError(t, err)
	sig, err := ComputeSignature(cfg.HMACAlgorithm, cfg.HMACSecret, append([]byte(ts+"."), base...))
	require.NoError(t, err)
	return Request{
		Method: "POST",
		Headers: map[string]string{
			cfg.HMACHeader:      sig,
			cfg.TimestampHeader: ts,
		},
		Payload: payload,
	}
}

func TestAdmitDefaultConfigAllowsPost(t *testing.T) {
	a := NewAdmitter()
	headers, err := a.Admit("wf", &Config{}, Request{
		Method:  "POST",
		Headers: map[string]string{"x-custom": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", headers["x-custom"])

	_, err = a.Admit("wf", &Config{}, Request{Method: "GET"})
	require.Error(t, err)
	assert.True(t, errors.IsWebhookValidation(err))
}

func TestAdmitSharedSecret(t *testing.T) {
	cfg := &Config{SharedSecret: "s3cret", SharedSecretHeader: "x-hook-secret"}
	a := NewAdmitter()

	_, err := a.Admit("wf", cfg, Request{Method: "POST"})
	assert.True(t, errors.IsWebhookAuthentication(err))

	_, err = a.Admit("wf", cfg, Request{
		Method:  "POST",
		Headers: map[string]string{"x-hook-secret": "wrong"},
	})
	assert.True(t, errors.IsWebhookAuthentication(err))

	headers, err := a.Admit("wf", cfg, Request{
		Method:  "POST",
		Headers: map[string]string{"X-Hook-Secret": "s3cret", "x-other": "keep"},
	})
	require.NoError(t, err)
	assert.NotContains(t, headers, "X-Hook-Secret")
	assert.Equal(t, "keep", headers["x-other"])
}

func TestAdmitRequiredHeadersCaseInsensitive(t *testing.T) {
	cfg := &Config{RequiredHeaders: map[string]string{"X-Source": "github"}}
	a := NewAdmitter()

	_, err := a.Admit("wf", cfg, Request{
		Method:  "POST",
		Headers: map[string]string{"x-source": "github"},
	})
	require.NoError(t, err)

	_, err = a.Admit("wf", cfg, Request{
		Method:  "POST",
		Headers: map[string]string{"x-source": "gitlab"},
	})
	assert.True(t, errors.IsWebhookValidation(err))
}

func TestAdmitRequiredQueryParams(t *testing.T) {
	cfg := &Config{RequiredQueryParams: map[string]string{"token": "abc"}}
	a := NewAdmitter()

	_, err := a.Admit("wf", cfg, Request{
		Method:      "POST",
		QueryParams: map[string]string{"token": "abc"},
	})
	require.NoError(t, err)

	_, err = a.Admit("wf", cfg, Request{Method: "POST"})
	assert.True(t, errors.IsWebhookValidation(err))
}

func TestAdmitHMACAndReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &Config{
		HMACSecret:       "s",
		HMACHeader:       "x-sig",
		HMACAlgorithm:    "sha256",
		TimestampHeader:  "x-sig-ts",
		ToleranceSeconds: 600,
	}
	a := fixedAdmitter(now)
	req := signedRequest(t, cfg, now, map[string]any{"foo": "bar"})

	_, err := a.Admit("wf", cfg, req)
	require.NoError(t, err)

	// Identical request replays the same signature.
	_, err = a.Admit("wf", cfg, req)
	require.Error(t, err)
	assert.True(t, errors.IsWebhookAuthentication(err))
	assert.Contains(t, err.Error(), "replay")
}

func TestAdmitHMACTimestampOutsideTolerance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &Config{
		HMACSecret:       "s",
		HMACHeader:       "x-sig",
		TimestampHeader:  "x-sig-ts",
		ToleranceSeconds: 600,
	}
	a := fixedAdmitter(now)

	// Correctly signed, but a thousand seconds stale.
	req := signedRequest(t, cfg, now.Add(-1000*time.Second), map[string]any{"foo": "bar"})
	_, err := a.Admit("wf", cfg, req)
	require.Error(t, err)
	assert.True(t, errors.IsWebhookAuthentication(err))
	assert.Contains(t, err.Error(), "tolerance")
}

func TestAdmitHMACSignatureMismatch(t *testing.T) {
	now := time.Now().UTC()
	cfg := &Config{
		HMACSecret:      "s",
		HMACHeader:      "x-sig",
		TimestampHeader: "x-sig-ts",
	}
	a := fixedAdmitter(now)
	req := signedRequest(t, cfg, now, map[string]any{"foo": "bar"})
	req.Payload = map[string]any{"foo": "tampered"}

	_, err := a.Admit("wf", cfg, req)
	require.Error(t, err)
	assert.True(t, errors.IsWebhookAuthentication(err))
}

func TestAdmitHMACCanonicalJSONKeyOrder(t *testing.T) {
	now := time.Now().UTC()
	cfg := &Config{
		HMACSecret:      "s",
		HMACHeader:      "x-sig",
		TimestampHeader: "x-sig-ts",
	}
	a := fixedAdmitter(now)

	// Sign with keys in one order, submit with another: canonical JSON
	// makes the signatures agree.
	req := signedRequest(t, cfg, now, map[string]any{"b": 2.0, "a": 1.0})
	req.Payload = map[string]any{"a": 1.0, "b": 2.0}
	_, err := a.Admit("wf", cfg, req)
	require.NoError(t, err)
}

func TestAdmitRateLimitBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := &Config{RateLimit: 3, RateLimitInterval: 60}
	a := fixedAdmitter(now)

	for i := 0; i < 3; i++ {
		_, err := a.Admit("wf", cfg, Request{Method: "POST"})
		require.NoError(t, err, "request %d", i)
	}

	_, err := a.Admit("wf", cfg, Request{Method: "POST"})
	require.Error(t, err)
	assert.True(t, errors.IsRateLimit(err))

	// The window resets once the interval has fully elapsed.
	a.now = func() time.Time { return now.Add(61 * time.Second) }
	_, err = a.Admit("wf", cfg, Request{Method: "POST"})
	require.NoError(t, err)
}

func TestAdmitRateLimitIsPerWorkflow(t *testing.T) {
	cfg := &Config{RateLimit: 1, RateLimitInterval: 60}
	a := NewAdmitter()

	_, err := a.Admit("wf-1", cfg, Request{Method: "POST"})
	require.NoError(t, err)
	_, err = a.Admit("wf-2", cfg, Request{Method: "POST"})
	require.NoError(t, err)
	_, err = a.Admit("wf-1", cfg, Request{Method: "POST"})
	assert.True(t, errors.IsRateLimit(err))
}

func TestAdmitRawStringPayloadSignsRawBytes(t *testing.T) {
	now := time.Now().UTC()
	cfg := &Config{
		HMACSecret:      "s",
		HMACHeader:      "x-sig",
		TimestampHeader: "x-sig-ts",
	}
	a := fixedAdmitter(now)

	ts := strconv.FormatInt(now.Unix(), 10)
	body := "raw body bytes"
	sig, err := ComputeSignature("", "s", []byte(ts+"."+body))
	require.NoError(t, err)

	_, err = a.Admit("wf", cfg, Request{
		Method: "POST",
		Headers: map[string]string{
			"x-sig":    sig,
			"x-sig-ts": ts,
		},
		Payload: body,
	})
	require.NoError(t, err)
}

func TestReplayCacheEvictsOldest(t *testing.T) {
	now := time.Now().UTC()
	cfg := &Config{HMACSecret: "s", HMACHeader: "x-sig"}
	a := fixedAdmitter(now)

	sign := func(i int) Request {
		body := fmt.Sprintf("payload-%d", i)
		sig, err := ComputeSignature("", "s", []byte(body))
		require.NoError(t, err)
		return Request{
			Method:  "POST",
			Headers: map[string]string{"x-sig": sig},
			Payload: body,
		}
	}

	first := sign(0)
	_, err := a.Admit("wf", cfg, first)
	require.NoError(t, err)

	for i := 1; i <= maxSeenSignatures; i++ {
		_, err := a.Admit("wf", cfg, sign(i))
		require.NoError(t, err)
	}

	// The first signature has been evicted, so it admits again.
	_, err = a.Admit("wf", cfg, first)
	require.NoError(t, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"allowed_methods":["PUT"],"rate_limit":5}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"PUT"}, cfg.AllowedMethods)
	assert.Equal(t, 5, cfg.RateLimit)

	cfg, err = ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"POST"}, cfg.methods())

	_, err = ParseConfig([]byte(`{bad`))
	require.Error(t, err)
}
