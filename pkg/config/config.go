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

// Package config defines the gateway configuration model.
//
// Configuration is loaded from YAML with ${ENV_VAR} expansion. Every section
// implements SetDefaults and Validate; Load applies both.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP server settings"`

	// LLM configures the backend chain and per-backend parameters.
	LLM LLMConfig `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=Backend chain and provider settings"`

	// Tools configures the external tool host and dispatch limits.
	Tools ToolsConfig `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Tool host and dispatch settings"`

	// Session configures the session hook collaborator.
	Session SessionConfig `yaml:"session,omitempty" json:"session,omitempty" jsonschema:"title=Session,description=Session hook endpoint"`

	// Agent configures the tool loop driver.
	Agent AgentConfig `yaml:"agent,omitempty" json:"agent,omitempty" jsonschema:"title=Agent,description=Tool loop driver settings"`

	// Orchestrator configures the iteration engine.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty" jsonschema:"title=Orchestrator,description=Iteration engine settings"`

	// Workspace configures the ai/ working directory layout.
	Workspace WorkspaceConfig `yaml:"workspace,omitempty" json:"workspace,omitempty" jsonschema:"title=Workspace,description=Working directory layout"`

	// Logging configures log level and format.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging,description=Log level and format"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Tracing and metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,minimum=1,maximum=65535,default=8200"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8200
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// SessionConfig configures the session hook collaborator endpoint.
type SessionConfig struct {
	// HooksURL is the base URL of the session hook service. Empty disables hooks.
	HooksURL string `yaml:"hooks_url,omitempty" json:"hooks_url,omitempty" jsonschema:"title=Hooks URL,description=Base URL of the session hook service"`

	// TimeoutSeconds bounds each hook call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty" jsonschema:"title=Timeout,minimum=1,default=10"`
}

func (c *SessionConfig) SetDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
}

func (c *SessionConfig) Validate() error { return nil }

// WorkspaceConfig configures the ai/ directory layout.
type WorkspaceConfig struct {
	// Root is the workspace directory shared with agents.
	Root string `yaml:"root,omitempty" json:"root,omitempty" jsonschema:"title=Root,default=ai"`

	// TodoPath is the canonical task list file.
	TodoPath string `yaml:"todo_path,omitempty" json:"todo_path,omitempty" jsonschema:"title=Todo path,default=ai/todo.md"`

	// EvidenceRoot holds per-task escalation evidence packs.
	EvidenceRoot string `yaml:"evidence_root,omitempty" json:"evidence_root,omitempty" jsonschema:"title=Evidence root,default=ai/evidence"`

	// CheckpointRoot holds task checkpoints and iteration archives.
	CheckpointRoot string `yaml:"checkpoint_root,omitempty" json:"checkpoint_root,omitempty" jsonschema:"title=Checkpoint root,default=ai/checkpoints"`
}

func (c *WorkspaceConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "ai"
	}
	if c.TodoPath == "" {
		c.TodoPath = c.Root + "/todo.md"
	}
	if c.EvidenceRoot == "" {
		c.EvidenceRoot = c.Root + "/evidence"
	}
	if c.CheckpointRoot == "" {
		c.CheckpointRoot = c.Root + "/checkpoints"
	}
}

func (c *WorkspaceConfig) Validate() error { return nil }

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"title=Level,enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"title=Format,enum=simple,enum=verbose,enum=json,default=simple"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "simple", "verbose", "json":
		return nil
	}
	return fmt.Errorf("invalid log format %q (valid: simple, verbose, json)", c.Format)
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// TracingEnabled turns on span emission around LLM streams and tool dispatch.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty" json:"tracing_enabled,omitempty" jsonschema:"title=Tracing enabled,default=false"`

	// MetricsEnabled exposes /metrics in Prometheus format.
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty" jsonschema:"title=Metrics enabled,default=true"`
}

func (c *ObservabilityConfig) SetDefaults() {}

func (c *ObservabilityConfig) Validate() error { return nil }

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Tools.SetDefaults()
	c.Session.SetDefaults()
	c.Agent.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Workspace.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate validates all sections.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"llm", c.LLM.Validate},
		{"tools", c.Tools.Validate},
		{"session", c.Session.Validate},
		{"agent", c.Agent.Validate},
		{"orchestrator", c.Orchestrator.Validate},
		{"workspace", c.Workspace.Validate},
		{"logging", c.Logging.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(groups[1]); ok {
			return val
		}
		return groups[2]
	})
}

// Load reads, expands, defaults, and validates a config file.
// A missing path yields the zero config with defaults applied.
func Load(path string) (*Config, error) {
	// Best-effort .env loading so ${VAR} expansion sees local overrides.
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if expanded := ExpandEnv(string(raw)); strings.TrimSpace(expanded) != "" {
			decoder := yaml.NewDecoder(strings.NewReader(expanded))
			decoder.KnownFields(true)
			if err := decoder.Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
