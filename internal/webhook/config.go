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

// Package webhook admits or rejects inbound trigger requests against a
// workflow's webhook configuration: method and header checks, shared
// secret, HMAC signature with replay protection, and a sliding-window
// rate limit.
package webhook

import (
	"encoding/json"
	"time"
)

// Config is the per-workflow webhook admission policy. It is persisted
// on the workflow as a JSON document.
type Config struct {
	// AllowedMethods lists acceptable HTTP methods. Empty allows POST
	// only.
	AllowedMethods []string `json:"allowed_methods,omitempty"`

	// SharedSecret, when set, must arrive verbatim in SharedSecretHeader.
	SharedSecret       string `json:"shared_secret,omitempty"`
	SharedSecretHeader string `json:"shared_secret_header,omitempty"`

	// RequiredHeaders maps header names to exact expected values. Lookup
	// is case-insensitive on the header name.
	RequiredHeaders map[string]string `json:"required_headers,omitempty"`

	// RequiredQueryParams maps query parameter names to exact values.
	RequiredQueryParams map[string]string `json:"required_query_params,omitempty"`

	// HMAC signature verification.
	HMACSecret       string `json:"hmac_secret,omitempty"`
	HMACHeader       string `json:"hmac_header,omitempty"`
	HMACAlgorithm    string `json:"hmac_algorithm,omitempty"`
	TimestampHeader  string `json:"timestamp_header,omitempty"`
	ToleranceSeconds int    `json:"tolerance_seconds,omitempty"`

	// Sliding-window rate limit. Zero limit disables it.
	RateLimit         int `json:"rate_limit,omitempty"`
	RateLimitInterval int `json:"rate_limit_interval_seconds,omitempty"`
}

// ParseConfig decodes a persisted webhook config document.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) methods() []string {
	if len(c.AllowedMethods) == 0 {
		return []string{"POST"}
	}
	return c.AllowedMethods
}

func (c *Config) tolerance() time.Duration {
	if c.ToleranceSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ToleranceSeconds) * time.Second
}

func (c *Config) rateInterval() time.Duration {
	if c.RateLimitInterval <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitInterval) * time.Second
}
