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
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/ryu/pkg/config"
)

// LMStudioBackend talks to any local OpenAI-compatible chat completion
// endpoint (LM Studio, Ollama's OpenAI shim, vLLM).
type LMStudioBackend struct {
	cfg        *config.BackendConfig
	name       string
	httpClient *http.Client
}

// openAI wire structures (request and streaming response).

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model          string         `json:"model"`
	Stream         bool           `json:"stream"`
	Messages       []oaiMessage   `json:"messages"`
	Temperature    float64        `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Tools          []oaiTool      `json:"tools,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewLMStudioBackend creates a local OpenAI-compatible backend.
func NewLMStudioBackend(cfg *config.BackendConfig) *LMStudioBackend {
	if cfg == nil {
		cfg = &config.BackendConfig{Type: config.BackendLMStudio}
		cfg.SetDefaults()
	}
	return &LMStudioBackend{
		cfg:  cfg,
		name: "lmstudio",
		httpClient: &http.Client{
			// No overall timeout: long streams are bounded by the request
			// context. Connect window is 30s.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
	}
}

func (b *LMStudioBackend) Name() string { return b.name }

func (b *LMStudioBackend) SupportsNativeTools() bool { return b.ModelSupportsTools(b.cfg.Model) }

func (b *LMStudioBackend) DefaultModel() string { return b.cfg.Model }

func (b *LMStudioBackend) Close() error { return nil }

// nativeToolModels are model id fragments known to support native tool calls.
var nativeToolModels = []string{"qwen", "llama-3", "mistral", "devstral", "ministral"}

// ModelSupportsTools checks the model id against the known native-tool set.
func (b *LMStudioBackend) ModelSupportsTools(model string) bool {
	if model == "" {
		model = b.cfg.Model
	}
	lower := strings.ToLower(model)
	for _, fragment := range nativeToolModels {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func (b *LMStudioBackend) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return h
}

func (b *LMStudioBackend) buildRequest(messages []Message, cfg GenConfig, stream bool) oaiRequest {
	oaiMessages := make([]oaiMessage, 0, len(messages))
	for _, msg := range messages {
		m := oaiMessage{
			Role:       msg.Role,
			Content:    msg.Text(),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if msg.HasImages() {
			// OpenAI-style multimodal content array.
			parts := make([]map[string]any, 0, len(msg.Blocks))
			for _, block := range msg.Blocks {
				switch block.Type {
				case "text":
					parts = append(parts, map[string]any{"type": "text", "text": block.Text})
				case "image":
					url := block.URL
					if url == "" {
						url = fmt.Sprintf("data:%s;base64,%s", block.MediaType, block.Data)
					}
					parts = append(parts, map[string]any{
						"type":      "image_url",
						"image_url": map[string]any{"url": url},
					})
				}
			}
			m.Content = parts
		}
		for _, tc := range msg.ToolCalls {
			args := tc.RawArgs
			if args == "" {
				encoded, _ := json.Marshal(tc.Arguments)
				args = string(encoded)
			}
			m.ToolCalls = append(m.ToolCalls, oaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaiFunction{Name: tc.Name, Arguments: args},
			})
		}
		oaiMessages = append(oaiMessages, m)
	}

	model := cfg.Model
	if model == "" {
		model = b.cfg.Model
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = b.cfg.Temperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.cfg.MaxTokens
	}

	req := oaiRequest{
		Model:       model,
		Stream:      stream,
		Messages:    oaiMessages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	// Callers only pass tools to native-capable backends; the driver renders
	// tools textually for the rest.
	if len(cfg.Tools) > 0 {
		for _, t := range cfg.Tools {
			var ot oaiTool
			ot.Type = "function"
			ot.Function.Name = t.Name
			ot.Function.Description = t.Description
			ot.Function.Parameters = t.Parameters
			req.Tools = append(req.Tools, ot)
		}
	}

	if cfg.ResponseFormat != nil {
		req.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": cfg.ResponseFormat,
			},
		}
	}
	return req
}

// StreamChat streams a chat completion, translating OpenAI SSE chunks into
// normalized events: reasoning and content deltas as they arrive, then at the
// finish signal one tool_call event per call index (its index-keyed argument
// fragments concatenated) followed by done.
func (b *LMStudioBackend) StreamChat(ctx context.Context, messages []Message, cfg GenConfig) (<-chan StreamEvent, error) {
	payload := b.buildRequest(messages, cfg, true)

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		b.streamInto(ctx, payload, out)
	}()
	return out, nil
}

// pendingCall accumulates streamed tool-call fragments for one index.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func flushPendingCall(tc *pendingCall, out chan<- StreamEvent) {
	args := map[string]any{}
	raw := tc.args.String()
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			// Unparseable arguments get wrapped so dispatch still happens.
			args = map[string]any{"raw": raw}
		}
	}
	out <- StreamEvent{Type: EventToolCall, ToolCall: &ToolCall{
		ID:        tc.id,
		Name:      tc.name,
		Arguments: args,
		RawArgs:   raw,
	}}
}

func (b *LMStudioBackend) streamInto(ctx context.Context, payload oaiRequest, out chan<- StreamEvent) {
	body, err := json.Marshal(payload)
	if err != nil {
		out <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "encode_error"}
		return
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		out <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "request_error"}
		return
	}
	req.Header = b.requestHeaders()

	resp, err := b.httpClient.Do(req)
	if err != nil {
		out <- StreamEvent{
			Type:       EventError,
			ErrMessage: redactSecrets(fmt.Sprintf("cannot connect to %s at %s: %v", b.name, b.cfg.BaseURL, err), b.cfg.APIKey),
			ErrCode:    "connection_error",
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		out <- StreamEvent{
			Type:       EventError,
			ErrMessage: redactSecrets(b.readErrorBody(resp), b.cfg.APIKey),
			ErrCode:    "http_error",
		}
		return
	}

	pending := make(map[int]*pendingCall)
	order := make([]int, 0, 4)
	var usage *Usage
	flushed := false

	flushAll := func() {
		if flushed {
			return
		}
		flushed = true
		for _, idx := range order {
			flushPendingCall(pending[idx], out)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if strings.TrimSpace(data) == "[DONE]" {
			flushAll()
			out <- StreamEvent{Type: EventDone, StopReason: "end_turn", Usage: usage}
			return
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Reasoning != "" {
			out <- StreamEvent{Type: EventThinkingDelta, Text: choice.Delta.Reasoning}
		}
		if choice.Delta.Content != "" {
			out <- StreamEvent{Type: EventDelta, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			entry, ok := pending[tc.Index]
			if !ok {
				entry = &pendingCall{id: fmt.Sprintf("call_%d", tc.Index)}
				pending[tc.Index] = entry
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				entry.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			flushAll()
			out <- StreamEvent{Type: EventDone, StopReason: choice.FinishReason, Usage: usage}
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

	// Stream ended without an explicit finish signal.
	flushAll()
	out <- StreamEvent{Type: EventDone, StopReason: "end_turn", Usage: usage}
}

func (b *LMStudioBackend) readErrorBody(resp *http.Response) string {
	base := fmt.Sprintf("HTTP %d from %s", resp.StatusCode, b.name)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(body) == 0 {
		return base
	}
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return base + ": " + parsed.Error.Message
		}
		if parsed.Detail != "" {
			return base + ": " + parsed.Detail
		}
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return base + ": " + snippet
}

// Complete performs a non-streaming completion; used for summaries.
func (b *LMStudioBackend) Complete(ctx context.Context, messages []Message, cfg GenConfig) (string, error) {
	payload := b.buildRequest(messages, cfg, false)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/chat/completions"
	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header = b.requestHeaders()

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %s", redactSecrets(err.Error(), b.cfg.APIKey))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s", redactSecrets(b.readErrorBody(resp), b.cfg.APIKey))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty completion from %s", b.name)
	}
	return parsed.Choices[0].Message.Content, nil
}

// HealthCheck probes the models listing with a short timeout.
func (b *LMStudioBackend) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthStatus{OK: false, Backend: b.name, Error: err.Error()}
	}
	req.Header = b.requestHeaders()

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return HealthStatus{
			OK:      false,
			Backend: b.name,
			Error:   redactSecrets(err.Error(), b.cfg.APIKey),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{OK: false, Backend: b.name, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	detail := map[string]any{"base_url": b.cfg.BaseURL}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err == nil {
		models := make([]string, 0, len(listing.Data))
		for _, m := range listing.Data {
			models = append(models, m.ID)
		}
		detail["models"] = models
	}
	slog.Debug("backend healthy", "backend", b.name, "base_url", b.cfg.BaseURL)
	return HealthStatus{OK: true, Backend: b.name, Detail: detail}
}
