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

import "fmt"

// OperationMode gates write-class tool actions.
type OperationMode string

const (
	ModeNormal OperationMode = "normal"
	ModePlan   OperationMode = "plan"
	ModeRead   OperationMode = "read"
)

func (m OperationMode) Valid() bool {
	switch m {
	case ModeNormal, ModePlan, ModeRead:
		return true
	}
	return false
}

// ToolsConfig configures the external tool host and dispatch behavior.
type ToolsConfig struct {
	// HostURL is the MCP tool host endpoint (streamable HTTP).
	HostURL string `yaml:"host_url,omitempty" json:"host_url,omitempty" jsonschema:"title=Host URL,default=http://127.0.0.1:8100/mcp"`

	// CallTimeoutSeconds bounds each external tool dispatch.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds,omitempty" json:"call_timeout_seconds,omitempty" jsonschema:"title=Call timeout,minimum=1,default=20"`

	// PermissionsPath persists permission grants between sessions.
	PermissionsPath string `yaml:"permissions_path,omitempty" json:"permissions_path,omitempty" jsonschema:"title=Permissions path,default=.ryu_permissions.json"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.HostURL == "" {
		c.HostURL = "http://127.0.0.1:8100/mcp"
	}
	if c.CallTimeoutSeconds == 0 {
		c.CallTimeoutSeconds = 20
	}
	if c.PermissionsPath == "" {
		c.PermissionsPath = ".ryu_permissions.json"
	}
}

func (c *ToolsConfig) Validate() error {
	if c.CallTimeoutSeconds < 1 {
		return fmt.Errorf("call_timeout_seconds must be positive")
	}
	return nil
}

// AgentConfig configures the tool loop driver.
type AgentConfig struct {
	// Stateless resets history to system + current user message each turn.
	Stateless bool `yaml:"stateless,omitempty" json:"stateless,omitempty" jsonschema:"title=Stateless,default=false"`

	// OperationMode is the default gate for write actions.
	OperationMode OperationMode `yaml:"operation_mode,omitempty" json:"operation_mode,omitempty" jsonschema:"title=Operation mode,enum=normal,enum=plan,enum=read,default=normal"`

	// MaxToolCalls caps tool calls per request, clamped to 1..50 when set.
	// An explicit 0 disables the cap; unset means the default of 25.
	MaxToolCalls *int `yaml:"max_tool_calls,omitempty" json:"max_tool_calls,omitempty" jsonschema:"title=Max tool calls,default=25"`

	// CompactThreshold is the fraction of the context window that triggers
	// auto-compaction in stateful mode.
	CompactThreshold float64 `yaml:"compact_threshold,omitempty" json:"compact_threshold,omitempty" jsonschema:"title=Compact threshold,minimum=0,maximum=1,default=0.8"`

	// KeepRecentMessages survive compaction untouched.
	KeepRecentMessages int `yaml:"keep_recent_messages,omitempty" json:"keep_recent_messages,omitempty" jsonschema:"title=Keep recent,minimum=1,default=6"`

	// ContextRefreshInterval re-renders the system prompt every N user turns.
	// Unset or 0 means the default of 5; a negative value disables the refresh.
	ContextRefreshInterval int `yaml:"context_refresh_interval,omitempty" json:"context_refresh_interval,omitempty" jsonschema:"title=Context refresh interval,default=5"`
}

const maxToolCallsCeiling = 50

func (c *AgentConfig) SetDefaults() {
	if c.OperationMode == "" {
		c.OperationMode = ModeNormal
	}
	if c.MaxToolCalls == nil {
		defaultCap := 25
		c.MaxToolCalls = &defaultCap
	}
	if c.CompactThreshold == 0 {
		c.CompactThreshold = 0.8
	}
	if c.KeepRecentMessages == 0 {
		c.KeepRecentMessages = 6
	}
	if c.ContextRefreshInterval == 0 {
		c.ContextRefreshInterval = 5
	}
}

func (c *AgentConfig) Validate() error {
	if !c.OperationMode.Valid() {
		return fmt.Errorf("invalid operation_mode %q (valid: normal, plan, read)", c.OperationMode)
	}
	if c.CompactThreshold < 0 || c.CompactThreshold > 1 {
		return fmt.Errorf("compact_threshold must be between 0 and 1")
	}
	return nil
}

// EffectiveMaxToolCalls clamps the configured cap to [1,50]. An explicit 0
// disables the cap; unset falls back to 25.
func (c *AgentConfig) EffectiveMaxToolCalls() int {
	if c.MaxToolCalls == nil {
		return 25
	}
	if *c.MaxToolCalls <= 0 {
		return 0
	}
	if *c.MaxToolCalls > maxToolCallsCeiling {
		return maxToolCallsCeiling
	}
	return *c.MaxToolCalls
}

// OrchestratorConfig configures the iteration engine and monitors.
type OrchestratorConfig struct {
	// DefaultMaxIterations is the per-subtask iteration budget.
	DefaultMaxIterations int `yaml:"default_max_iterations,omitempty" json:"default_max_iterations,omitempty" jsonschema:"title=Default max iterations,minimum=1,default=5"`

	// DefaultContextBudgetTokens is the per-subtask context budget.
	DefaultContextBudgetTokens int `yaml:"default_context_budget_tokens,omitempty" json:"default_context_budget_tokens,omitempty" jsonschema:"title=Default context budget,minimum=1,default=120000"`

	// ContextAlertRatio fires the context-pressure hook.
	ContextAlertRatio float64 `yaml:"context_alert_ratio,omitempty" json:"context_alert_ratio,omitempty" jsonschema:"title=Context alert ratio,default=0.8"`

	// SilentCheckIntervalSeconds is the silent-worker scan period.
	SilentCheckIntervalSeconds int `yaml:"silent_check_interval_seconds,omitempty" json:"silent_check_interval_seconds,omitempty" jsonschema:"title=Silent check interval,minimum=1,default=30"`

	// SilenceThresholdSeconds marks a worker silent.
	SilenceThresholdSeconds int `yaml:"silence_threshold_seconds,omitempty" json:"silence_threshold_seconds,omitempty" jsonschema:"title=Silence threshold,minimum=1,default=300"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.DefaultMaxIterations == 0 {
		c.DefaultMaxIterations = 5
	}
	if c.DefaultContextBudgetTokens == 0 {
		c.DefaultContextBudgetTokens = 120000
	}
	if c.ContextAlertRatio == 0 {
		c.ContextAlertRatio = 0.8
	}
	if c.SilentCheckIntervalSeconds == 0 {
		c.SilentCheckIntervalSeconds = 30
	}
	if c.SilenceThresholdSeconds == 0 {
		c.SilenceThresholdSeconds = 300
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.ContextAlertRatio <= 0 || c.ContextAlertRatio > 1 {
		return fmt.Errorf("context_alert_ratio must be in (0, 1]")
	}
	return nil
}
