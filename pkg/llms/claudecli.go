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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/ryu/pkg/config"
)

// ClaudeCLIBackend wraps the `claude` command-line binary in print mode with
// stream-json output. Tool use stays inside the CLI's own loop, so this
// backend reports non-native tools and the driver extracts textual calls.
type ClaudeCLIBackend struct {
	cfg    *config.BackendConfig
	binary string
}

// NewClaudeCLIBackend creates a CLI-wrapped backend.
func NewClaudeCLIBackend(cfg *config.BackendConfig) *ClaudeCLIBackend {
	if cfg == nil {
		cfg = &config.BackendConfig{Type: config.BackendClaudeCLI}
		cfg.SetDefaults()
	}
	return &ClaudeCLIBackend{cfg: cfg, binary: "claude"}
}

func (b *ClaudeCLIBackend) Name() string { return "claudecli" }

func (b *ClaudeCLIBackend) SupportsNativeTools() bool { return false }

func (b *ClaudeCLIBackend) DefaultModel() string { return b.cfg.Model }

func (b *ClaudeCLIBackend) Close() error { return nil }

// renderPrompt flattens the conversation into one prompt for print mode.
func renderPrompt(messages []Message) (system string, prompt string) {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
		case RoleUser:
			sb.WriteString("User: ")
			sb.WriteString(msg.Text())
			sb.WriteString("\n")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
			sb.WriteString(msg.Text())
			sb.WriteString("\n")
		case RoleTool:
			sb.WriteString("[tool ")
			sb.WriteString(msg.Name)
			sb.WriteString("] ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
	}
	return system, sb.String()
}

type claudeCLIEvent struct {
	Type  string `json:"type"`
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// StreamChat spawns the CLI and translates its stream-json lines.
func (b *ClaudeCLIBackend) StreamChat(ctx context.Context, messages []Message, cfg GenConfig) (<-chan StreamEvent, error) {
	system, prompt := renderPrompt(messages)

	model := cfg.Model
	if model == "" {
		model = b.cfg.Model
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose", "--model", model}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", b.binary, err)
	}

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = cmd.Wait() }()

		var usage *Usage
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var event claudeCLIEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			switch event.Type {
			case "stream_event":
				if event.Event != nil && event.Event.Delta != nil {
					switch event.Event.Delta.Type {
					case "text_delta":
						out <- StreamEvent{Type: EventDelta, Text: event.Event.Delta.Text}
					case "thinking_delta":
						out <- StreamEvent{Type: EventThinkingDelta, Text: event.Event.Delta.Text}
					}
				}
			case "result":
				if event.Usage != nil {
					usage = &Usage{InputTokens: event.Usage.InputTokens, OutputTokens: event.Usage.OutputTokens}
				}
				if event.IsError {
					out <- StreamEvent{Type: EventError, ErrMessage: event.Result, ErrCode: "cli_error"}
					return
				}
				out <- StreamEvent{Type: EventDone, StopReason: "end_turn", Usage: usage}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "stream_error"}
			return
		}
		out <- StreamEvent{Type: EventDone, StopReason: "end_turn", Usage: usage}
	}()
	return out, nil
}

// Complete runs the CLI in plain print mode and returns the result text.
func (b *ClaudeCLIBackend) Complete(ctx context.Context, messages []Message, cfg GenConfig) (string, error) {
	system, prompt := renderPrompt(messages)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	args := []string{"-p", prompt, "--output-format", "json"}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}
	raw, err := exec.CommandContext(ctx, b.binary, args...).Output()
	if err != nil {
		return "", fmt.Errorf("claude CLI failed: %w", err)
	}
	var parsed struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if parsed.IsError {
		return "", fmt.Errorf("claude CLI error: %s", parsed.Result)
	}
	return parsed.Result, nil
}

// HealthCheck verifies the binary is on PATH and responds to --version.
func (b *ClaudeCLIBackend) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := exec.CommandContext(ctx, b.binary, "--version").Output()
	if err != nil {
		return HealthStatus{OK: false, Backend: b.Name(), Error: fmt.Sprintf("%s not available: %v", b.binary, err)}
	}
	return HealthStatus{
		OK:      true,
		Backend: b.Name(),
		Detail:  map[string]any{"version": strings.TrimSpace(string(raw)), "model": b.cfg.Model},
	}
}
