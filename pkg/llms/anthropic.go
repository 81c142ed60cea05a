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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/ryu/pkg/config"
)

const anthropicVersion = "2023-06-01"

// AnthropicBackend implements Backend for the Anthropic Messages API.
type AnthropicBackend struct {
	cfg        *config.BackendConfig
	httpClient *http.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Source    map[string]any  `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicBackend creates an Anthropic backend. The API key is required.
func NewAnthropicBackend(cfg *config.BackendConfig) (*AnthropicBackend, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &AnthropicBackend{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) SupportsNativeTools() bool { return true }

func (b *AnthropicBackend) DefaultModel() string { return b.cfg.Model }

func (b *AnthropicBackend) Close() error { return nil }

func (b *AnthropicBackend) buildRequest(messages []Message, cfg GenConfig, stream bool) anthropicRequest {
	var systemParts []string
	converted := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Anthropic carries the system prompt in a dedicated field.
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case RoleUser:
			contents := make([]anthropicContent, 0, 1+len(msg.Blocks))
			if len(msg.Blocks) > 0 {
				for _, block := range msg.Blocks {
					switch block.Type {
					case "text":
						contents = append(contents, anthropicContent{Type: "text", Text: block.Text})
					case "image":
						source := map[string]any{
							"type":       "base64",
							"media_type": block.MediaType,
							"data":       block.Data,
						}
						if block.URL != "" {
							source = map[string]any{"type": "url", "url": block.URL}
						}
						contents = append(contents, anthropicContent{Type: "image", Source: source})
					}
				}
			} else {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			converted = append(converted, anthropicMessage{Role: "user", Content: contents})

		case RoleTool:
			converted = append(converted, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleAssistant:
			contents := []anthropicContent{}
			if text := msg.Text(); text != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				// Input must always be present as an object for tool_use blocks.
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) > 0 {
				converted = append(converted, anthropicMessage{Role: "assistant", Content: contents})
			}
		}
	}

	model := cfg.Model
	if model == "" {
		model = b.cfg.Model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.cfg.MaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = b.cfg.Temperature
	}

	req := anthropicRequest{
		Model:       model,
		Messages:    converted,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}

	for _, t := range cfg.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return req
}

func (b *AnthropicBackend) newRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

// StreamChat streams a Messages API response, assembling tool-use argument
// fragments from index-keyed input_json_delta events.
func (b *AnthropicBackend) StreamChat(ctx context.Context, messages []Message, cfg GenConfig) (<-chan StreamEvent, error) {
	payload := b.buildRequest(messages, cfg, true)

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		b.streamInto(ctx, payload, out)
	}()
	return out, nil
}

func (b *AnthropicBackend) streamInto(ctx context.Context, payload anthropicRequest, out chan<- StreamEvent) {
	req, err := b.newRequest(ctx, payload)
	if err != nil {
		out <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "request_error"}
		return
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		out <- StreamEvent{
			Type:       EventError,
			ErrMessage: redactSecrets(fmt.Sprintf("request failed: %v", err), b.cfg.APIKey),
			ErrCode:    "connection_error",
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		out <- StreamEvent{
			Type:       EventError,
			ErrMessage: redactSecrets(fmt.Sprintf("HTTP %d from anthropic: %s", resp.StatusCode, parseAnthropicError(body)), b.cfg.APIKey),
			ErrCode:    "http_error",
		}
		return
	}

	toolCalls := make(map[int]*ToolCall)
	jsonBuffers := make(map[int]*strings.Builder)
	var usage Usage
	stopReason := "end_turn"

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &ToolCall{
					ID:        event.ContentBlock.ID,
					Name:      event.ContentBlock.Name,
					Arguments: map[string]any{},
				}
				jsonBuffers[event.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				out <- StreamEvent{Type: EventDelta, Text: event.Delta.Text}
			}
			if event.Delta.Thinking != "" {
				out <- StreamEvent{Type: EventThinkingDelta, Text: event.Delta.Thinking}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				if buf, ok := jsonBuffers[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			tc, ok := toolCalls[event.Index]
			if !ok {
				continue
			}
			raw := jsonBuffers[event.Index].String()
			if raw != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(raw), &args); err == nil {
					tc.Arguments = args
				} else {
					tc.Arguments = map[string]any{"raw": raw}
				}
				tc.RawArgs = raw
			}
			out <- StreamEvent{Type: EventToolCall, ToolCall: tc}

		case "message_delta":
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}

		case "message_stop":
			out <- StreamEvent{Type: EventDone, StopReason: stopReason, Usage: &usage}
			return

		case "error":
			msg := "anthropic stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			out <- StreamEvent{
				Type:       EventError,
				ErrMessage: redactSecrets(msg, b.cfg.APIKey),
				ErrCode:    "provider_error",
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamEvent{
			Type:       EventError,
			ErrMessage: redactSecrets(fmt.Sprintf("stream read failed: %v", err), b.cfg.APIKey),
			ErrCode:    "stream_error",
		}
		return
	}
	out <- StreamEvent{Type: EventDone, StopReason: stopReason, Usage: &usage}
}

func parseAnthropicError(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Complete performs a non-streaming Messages request.
func (b *AnthropicBackend) Complete(ctx context.Context, messages []Message, cfg GenConfig) (string, error) {
	payload := b.buildRequest(messages, cfg, false)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := b.newRequest(ctx, payload)
	if err != nil {
		return "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %s", redactSecrets(err.Error(), b.cfg.APIKey))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d from anthropic: %s", resp.StatusCode, redactSecrets(parseAnthropicError(body), b.cfg.APIKey))
	}

	var parsed struct {
		Content []anthropicContent `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text, nil
}

// HealthCheck verifies credentials are configured and the endpoint resolves.
// A full completion probe is avoided to keep health checks cheap.
func (b *AnthropicBackend) HealthCheck(ctx context.Context) HealthStatus {
	if b.cfg.APIKey == "" {
		return HealthStatus{OK: false, Backend: b.Name(), Error: "ANTHROPIC_API_KEY not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The models listing is the cheapest authenticated endpoint.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(b.cfg.BaseURL, "/")+"/v1/models", nil)
	if err != nil {
		return HealthStatus{OK: false, Backend: b.Name(), Error: err.Error()}
	}
	req.Header.Set("x-api-key", b.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return HealthStatus{OK: false, Backend: b.Name(), Error: redactSecrets(err.Error(), b.cfg.APIKey)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{OK: false, Backend: b.Name(), Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return HealthStatus{OK: true, Backend: b.Name(), Detail: map[string]any{"model": b.cfg.Model}}
}
