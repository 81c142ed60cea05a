// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"
)

// BackendType identifies a backend implementation.
type BackendType string

const (
	BackendLMStudio  BackendType = "lmstudio"
	BackendAnthropic BackendType = "anthropic"
	BackendClaudeCLI BackendType = "claudecli"
	BackendCLIProxy  BackendType = "cliproxy"
)

// BackendConfig configures one LLM backend.
type BackendConfig struct {
	// Type selects the backend implementation.
	Type BackendType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=lmstudio,enum=anthropic,enum=claudecli,enum=cliproxy"`

	// Model is the default model identifier.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL"`

	// APIKey authenticates requests. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key"`

	// Temperature for generation.
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,minimum=1,default=4096"`

	// ContextWindow is the model context size used for compaction pressure.
	ContextWindow int `yaml:"context_window,omitempty" json:"context_window,omitempty" jsonschema:"title=Context Window,minimum=1,default=32768"`

	// TimeoutSeconds bounds non-streaming requests.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" jsonschema:"title=Timeout,minimum=1,default=120"`
}

func (c *BackendConfig) SetDefaults() {
	switch c.Type {
	case BackendAnthropic:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.anthropic.com"
		}
		if c.Model == "" {
			c.Model = "claude-sonnet-4-20250514"
		}
		if c.ContextWindow == 0 {
			c.ContextWindow = 200000
		}
	case BackendClaudeCLI, BackendCLIProxy:
		if c.BaseURL == "" {
			c.BaseURL = "http://127.0.0.1:8317/v1"
		}
		if c.Model == "" {
			c.Model = "claude-sonnet-4-20250514"
		}
		if c.ContextWindow == 0 {
			c.ContextWindow = 200000
		}
	default:
		if c.BaseURL == "" {
			c.BaseURL = "http://127.0.0.1:1234/v1"
		}
		if c.Model == "" {
			c.Model = "mistralai/devstral-small-2-2512"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = 32768
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
}

func (c *BackendConfig) Validate() error {
	switch c.Type {
	case BackendLMStudio, BackendAnthropic, BackendClaudeCLI, BackendCLIProxy, "":
	default:
		return fmt.Errorf("invalid backend type %q (valid: lmstudio, anthropic, claudecli, cliproxy)", c.Type)
	}
	if c.Type == BackendAnthropic && c.APIKey == "" {
		return fmt.Errorf("api_key is required for the anthropic backend")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// LLMConfig configures the backend chain and circuit breaker thresholds.
type LLMConfig struct {
	// Chain lists backend names in fallback priority order.
	Chain []string `yaml:"chain,omitempty" json:"chain,omitempty" jsonschema:"title=Chain,description=Backend names in fallback priority order"`

	// Backends maps backend name to its configuration.
	Backends map[string]*BackendConfig `yaml:"backends,omitempty" json:"backends,omitempty" jsonschema:"title=Backends"`

	// FailureThreshold is the consecutive failure count that opens a circuit.
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty" jsonschema:"title=Failure threshold,minimum=1,default=3"`

	// CooldownSeconds is how long an open circuit waits before half-open.
	CooldownSeconds int `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty" jsonschema:"title=Cooldown,minimum=1,default=60"`

	// HealthCacheTTLSeconds caches successful health probes.
	HealthCacheTTLSeconds int `yaml:"health_cache_ttl_seconds,omitempty" json:"health_cache_ttl_seconds,omitempty" jsonschema:"title=Health cache TTL,minimum=1,default=30"`
}

func (c *LLMConfig) SetDefaults() {
	if len(c.Backends) == 0 {
		c.Backends = map[string]*BackendConfig{
			"lmstudio": {Type: BackendLMStudio},
			"cliproxy": {Type: BackendCLIProxy},
		}
	}
	for name, backend := range c.Backends {
		if backend.Type == "" {
			backend.Type = BackendType(name)
		}
		backend.SetDefaults()
	}
	if len(c.Chain) == 0 {
		c.Chain = []string{"lmstudio", "cliproxy"}
	}
	for i, name := range c.Chain {
		c.Chain[i] = strings.ToLower(strings.TrimSpace(name))
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = 60
	}
	if c.HealthCacheTTLSeconds == 0 {
		c.HealthCacheTTLSeconds = 30
	}
}

func (c *LLMConfig) Validate() error {
	for _, name := range c.Chain {
		if _, ok := c.Backends[name]; !ok {
			return fmt.Errorf("chain references unknown backend %q", name)
		}
	}
	for name, backend := range c.Backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("backend %s: %w", name, err)
		}
	}
	return nil
}
