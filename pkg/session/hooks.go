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

// Package session talks to the external session collaborator: lifecycle
// hooks around tool dispatch, progress logging, and context retrieval.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Role of the calling agent within the leader/worker protocol.
type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

// PreToolResult is the pre-tool hook verdict.
type PreToolResult struct {
	OK     bool   `json:"ok"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Hooks is the session hook contract consumed by the tool dispatcher.
type Hooks interface {
	PreTool(ctx context.Context, toolName string, args map[string]any) PreToolResult
	PostTool(ctx context.Context, toolName string, ok bool, truncatedResult string) error
	LogProgress(ctx context.Context, message string) error
	GetContext(ctx context.Context) (string, error)
}

// HTTPHooks calls a hook service over HTTP JSON.
type HTTPHooks struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPHooks creates a hook client. An empty baseURL yields NoopHooks.
func NewHTTPHooks(baseURL string, timeout time.Duration) Hooks {
	if baseURL == "" {
		return NoopHooks{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHooks{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPHooks) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hook %s returned HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PreTool is fail-closed: any transport or decode failure blocks the call.
func (h *HTTPHooks) PreTool(ctx context.Context, toolName string, args map[string]any) PreToolResult {
	var result PreToolResult
	err := h.post(ctx, "/hooks/pre_tool", map[string]any{
		"tool_name": toolName,
		"arguments": args,
	}, &result)
	if err != nil {
		slog.Error("pre-tool hook failed", "tool", toolName, "error", err)
		return PreToolResult{OK: false, Allow: false, Reason: err.Error()}
	}
	return result
}

// PostTool truncates the result to 500 chars; failures are non-fatal.
func (h *HTTPHooks) PostTool(ctx context.Context, toolName string, ok bool, truncatedResult string) error {
	if len(truncatedResult) > 500 {
		truncatedResult = truncatedResult[:500]
	}
	var result struct {
		OK bool `json:"ok"`
	}
	err := h.post(ctx, "/hooks/post_tool", map[string]any{
		"tool_name": toolName,
		"ok":        ok,
		"result":    truncatedResult,
	}, &result)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("post-tool hook rejected %s", toolName)
	}
	return nil
}

func (h *HTTPHooks) LogProgress(ctx context.Context, message string) error {
	var result struct {
		OK bool `json:"ok"`
	}
	return h.post(ctx, "/hooks/log_progress", map[string]any{"message": message}, &result)
}

func (h *HTTPHooks) GetContext(ctx context.Context) (string, error) {
	var result struct {
		Context string `json:"context"`
	}
	if err := h.post(ctx, "/hooks/get_context", map[string]any{}, &result); err != nil {
		return "", err
	}
	return result.Context, nil
}

// NoopHooks allows everything and returns empty context. Used when no hook
// service is configured.
type NoopHooks struct{}

func (NoopHooks) PreTool(context.Context, string, map[string]any) PreToolResult {
	return PreToolResult{OK: true, Allow: true}
}

func (NoopHooks) PostTool(context.Context, string, bool, string) error { return nil }

func (NoopHooks) LogProgress(context.Context, string) error { return nil }

func (NoopHooks) GetContext(context.Context) (string, error) { return "", nil }
