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
	"strings"

	"github.com/kadirpekel/ryu/pkg/config"
)

// CLIProxyBackend fronts a multi-provider proxy that wraps several vendor
// CLIs behind one OpenAI-compatible endpoint. Native tool support depends on
// the model family the proxy routes to.
type CLIProxyBackend struct {
	*LMStudioBackend
}

// NewCLIProxyBackend creates a proxy backend.
func NewCLIProxyBackend(cfg *config.BackendConfig) *CLIProxyBackend {
	if cfg == nil {
		cfg = &config.BackendConfig{Type: config.BackendCLIProxy}
		cfg.SetDefaults()
	}
	inner := NewLMStudioBackend(cfg)
	inner.name = "cliproxy"
	return &CLIProxyBackend{LMStudioBackend: inner}
}

func (b *CLIProxyBackend) Name() string { return "cliproxy" }

// SupportsNativeTools is dynamic: it depends on the configured model family.
func (b *CLIProxyBackend) SupportsNativeTools() bool {
	return b.ModelSupportsTools(b.cfg.Model)
}

// ModelFamily detects the model family from the model id.
func (b *CLIProxyBackend) ModelFamily(model string) string {
	id := strings.ToLower(model)
	if id == "" {
		id = strings.ToLower(b.cfg.Model)
	}

	switch {
	case strings.HasPrefix(id, "kiro-"), strings.Contains(id, "codewhisperer"), strings.Contains(id, "amazon-q"):
		return "kiro"
	case strings.HasPrefix(id, "gemini-claude-"), strings.Contains(id, "antigravity"),
		id == "tab_flash_lite_preview", id == "gpt-oss-120b-medium":
		return "antigravity"
	case strings.Contains(id, "claude"):
		return "claude"
	case strings.HasPrefix(id, "gemini-"):
		return "gemini"
	case strings.Contains(id, "gpt"), strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"):
		return "openai"
	case strings.Contains(id, "copilot"), id == "grok-code-fast-1", id == "oswe-vscode-prime":
		return "copilot"
	case strings.Contains(id, "qwen"):
		return "qwen"
	case strings.Contains(id, "deepseek"):
		return "deepseek"
	}
	return "other"
}

// ModelSupportsTools overrides the LM Studio heuristic with family rules.
// Reasoning-only models (o1 series) and proxied families without function
// calling are marked non-native.
func (b *CLIProxyBackend) ModelSupportsTools(model string) bool {
	id := strings.ToLower(model)
	if id == "" {
		id = strings.ToLower(b.cfg.Model)
	}

	switch b.ModelFamily(id) {
	case "claude", "gemini", "copilot":
		return true
	case "openai":
		return !(strings.HasPrefix(id, "o1-") || id == "o1")
	case "kiro":
		return strings.Contains(id, "agentic")
	default:
		return false
	}
}

// StreamChat delegates to the OpenAI-compatible transport but applies the
// family-aware native-tool decision for the requested model.
func (b *CLIProxyBackend) StreamChat(ctx context.Context, messages []Message, cfg GenConfig) (<-chan StreamEvent, error) {
	if len(cfg.Tools) > 0 && !b.ModelSupportsTools(cfg.Model) {
		// Non-native model: tools are rendered into the system prompt by the
		// driver, never into the provider request.
		cfg.Tools = nil
	}
	payload := b.buildRequest(messages, cfg, true)

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		b.streamInto(ctx, payload, out)
	}()
	return out, nil
}

// HealthCheck extends the transport probe with the wrapped CLI identity.
func (b *CLIProxyBackend) HealthCheck(ctx context.Context) HealthStatus {
	status := b.LMStudioBackend.HealthCheck(ctx)
	status.Backend = b.Name()
	if !status.OK {
		return status
	}

	family := b.ModelFamily("")
	cliNames := map[string]string{
		"claude":      "claude-code",
		"openai":      "chatgpt-codex",
		"gemini":      "gemini-cli",
		"qwen":        "qwen-code",
		"copilot":     "github-copilot",
		"kiro":        "kiro-codewhisperer",
		"antigravity": "antigravity",
		"deepseek":    "deepseek",
	}
	if status.Detail == nil {
		status.Detail = map[string]any{}
	}
	status.Detail["model_family"] = family
	status.Detail["supports_tools"] = b.SupportsNativeTools()
	if cli, ok := cliNames[family]; ok {
		status.Detail["wrapped_cli"] = cli
	} else {
		status.Detail["wrapped_cli"] = "unknown"
	}
	return status
}
