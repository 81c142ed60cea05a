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

package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/registry"
)

// ConfigurationError marks unknown backend names and malformed chains.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// BackendCapabilities describes one registered backend.
type BackendCapabilities struct {
	Name                string `json:"name"`
	SupportsNativeTools bool   `json:"supports_native_tools"`
	DefaultModel        string `json:"default_model"`
}

// BackendRegistry maps backend names to constructors and caches singletons.
type BackendRegistry struct {
	cfg   *config.LLMConfig
	cache *registry.BaseRegistry[Backend]
	mu    sync.Mutex
}

// NewBackendRegistry creates a registry over the configured backend set.
func NewBackendRegistry(cfg *config.LLMConfig) *BackendRegistry {
	if cfg == nil {
		cfg = &config.LLMConfig{}
		cfg.SetDefaults()
	}
	return &BackendRegistry{
		cfg:   cfg,
		cache: registry.NewBaseRegistry[Backend](),
	}
}

// construct builds a fresh backend instance for a configured name.
func (r *BackendRegistry) construct(name string, overrides *config.BackendConfig) (Backend, error) {
	backendCfg, ok := r.cfg.Backends[name]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown backend: %s (available: %v)", name, r.KnownNames())}
	}
	if overrides != nil {
		merged := *backendCfg
		if overrides.Model != "" {
			merged.Model = overrides.Model
		}
		if overrides.BaseURL != "" {
			merged.BaseURL = overrides.BaseURL
		}
		if overrides.APIKey != "" {
			merged.APIKey = overrides.APIKey
		}
		if overrides.Temperature != 0 {
			merged.Temperature = overrides.Temperature
		}
		if overrides.MaxTokens != 0 {
			merged.MaxTokens = overrides.MaxTokens
		}
		backendCfg = &merged
	}

	switch backendCfg.Type {
	case config.BackendLMStudio:
		return NewLMStudioBackend(backendCfg), nil
	case config.BackendAnthropic:
		return NewAnthropicBackend(backendCfg)
	case config.BackendClaudeCLI:
		return NewClaudeCLIBackend(backendCfg), nil
	case config.BackendCLIProxy:
		return NewCLIProxyBackend(backendCfg), nil
	default:
		return nil, &ConfigurationError{Message: fmt.Sprintf("unsupported backend type: %s", backendCfg.Type)}
	}
}

// Get returns the cached singleton for a backend name, constructing on first
// use.
func (r *BackendRegistry) Get(name string) (Backend, error) {
	if cached, ok := r.cache.Get(name); ok {
		return cached, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the lock: another caller may have constructed it.
	if cached, ok := r.cache.Get(name); ok {
		return cached, nil
	}
	backend, err := r.construct(name, nil)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Register(name, backend); err != nil {
		return nil, err
	}
	return backend, nil
}

// Create always returns a fresh instance with optional overrides applied.
func (r *BackendRegistry) Create(name string, overrides *config.BackendConfig) (Backend, error) {
	return r.construct(name, overrides)
}

// KnownNames returns the configured backend names.
func (r *BackendRegistry) KnownNames() []string {
	names := make([]string, 0, len(r.cfg.Backends))
	for name := range r.cfg.Backends {
		names = append(names, name)
	}
	return names
}

// List reports each configured backend with its capability flags.
func (r *BackendRegistry) List() []BackendCapabilities {
	caps := make([]BackendCapabilities, 0, len(r.cfg.Backends))
	for name := range r.cfg.Backends {
		backend, err := r.Get(name)
		if err != nil {
			caps = append(caps, BackendCapabilities{Name: name})
			continue
		}
		caps = append(caps, BackendCapabilities{
			Name:                name,
			SupportsNativeTools: backend.SupportsNativeTools(),
			DefaultModel:        backend.DefaultModel(),
		})
	}
	return caps
}

// HealthCheckAll probes every configured backend.
func (r *BackendRegistry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	results := make(map[string]HealthStatus, len(r.cfg.Backends))
	for name := range r.cfg.Backends {
		backend, err := r.Get(name)
		if err != nil {
			results[name] = HealthStatus{OK: false, Backend: name, Error: err.Error()}
			continue
		}
		results[name] = backend.HealthCheck(ctx)
	}
	return results
}

// Chain returns the configured fallback chain.
func (r *BackendRegistry) Chain() []string {
	return r.cfg.Chain
}
