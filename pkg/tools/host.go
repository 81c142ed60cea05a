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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// routedToolActions is the gateway's own closed table of known actions per
// routed tool. Validation against it is permissive: the external host stays
// authoritative.
var routedToolActions = map[string]map[string]bool{
	"k_session": set("help", "start", "end", "context", "pre_tool", "post_tool", "log"),
	"k_files":   set("help", "read", "write", "edit", "list"),
	"k_memory":  set("help", "get", "set_goal", "add_blocker", "clear_blockers", "set_steps", "reset"),
	"k_inbox":   set("help", "send", "list", "read", "claim", "complete", "mark_read", "stats"),
	"k_checkpoint": set(
		"help", "save", "list", "load"),
	"k_rag": set("help", "query", "status", "index", "query_semantic", "query_hybrid",
		"query_reranked", "query_multi", "query_reflective", "query_agentic",
		"query_interactive", "index_semantic"),
	"k_interact": set("help", "ask", "approve", "plan", "screenshot"),
	"k_pty": set("help", "list", "create", "write", "send_line", "read", "talk",
		"term_read", "resize", "resolve", "send_line_to_agent"),
	"k_collective": set("help", "record_success", "record_failure", "query_patterns",
		"get_skill_matrix", "update_skill"),
	"k_repo_intel": set("help", "status", "run", "get", "list"),
	"k_capture": set("help", "start", "stop", "screenshot", "get_latest",
		"get_storyboard", "get_status", "poll"),
}

// ValidateRoutedAction validates the action argument of a routed tool.
// Returns an error message only when the action is missing entirely; unknown
// actions are logged and allowed through.
func ValidateRoutedAction(toolName string, args map[string]any, schemaEnum []string) string {
	valid, known := routedToolActions[toolName]
	if !known && schemaEnum == nil {
		return ""
	}

	action, _ := args["action"].(string)
	if action == "" {
		return fmt.Sprintf("Missing required 'action' parameter for %s", toolName)
	}

	inSchema := false
	for _, e := range schemaEnum {
		if e == action {
			inSchema = true
			break
		}
	}
	if !inSchema && known && !valid[action] {
		slog.Warn("unknown routed action, passing through", "tool", toolName, "action", action)
	}
	return ""
}

// MCPHost talks to the external tool host over the MCP protocol. The stdio
// transport spawns a subprocess via mcp-go; the HTTP transport speaks
// streamable-http JSON-RPC.
type MCPHost struct {
	url         string
	command     string
	args        []string
	callTimeout time.Duration

	mu        sync.Mutex
	client    *client.Client
	connected bool
	tools     []ToolInfo
}

// MCPHostOption configures an MCPHost.
type MCPHostOption func(*MCPHost)

// WithStdioCommand switches the host to a stdio subprocess transport.
func WithStdioCommand(command string, args ...string) MCPHostOption {
	return func(h *MCPHost) {
		h.command = command
		h.args = args
	}
}

// WithCallTimeout bounds each tool call.
func WithCallTimeout(d time.Duration) MCPHostOption {
	return func(h *MCPHost) { h.callTimeout = d }
}

// NewMCPHost creates a tool host client for the given URL.
func NewMCPHost(url string, opts ...MCPHostOption) *MCPHost {
	h := &MCPHost{url: url, callTimeout: 20 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// connect lazily establishes the MCP session and discovers tools.
func (h *MCPHost) connect(ctx context.Context) error {
	if h.connected {
		return nil
	}

	var mcpClient *client.Client
	var err error
	if h.command != "" {
		mcpClient, err = client.NewStdioMCPClient(h.command, nil, h.args...)
	} else {
		mcpClient, err = client.NewStreamableHttpClient(h.url)
	}
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ryu", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}

	h.client = mcpClient
	h.tools = tools
	h.connected = true
	slog.Info("connected to tool host", "url", h.url, "tools", len(tools))
	return nil
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ListTools returns the host's tool catalog, connecting lazily.
func (h *MCPHost) ListTools(ctx context.Context) ([]ToolInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.connect(ctx); err != nil {
		return nil, err
	}
	return h.tools, nil
}

// CallTool forwards a call to the host and flattens the response content.
func (h *MCPHost) CallTool(ctx context.Context, name string, arguments map[string]any) Result {
	h.mu.Lock()
	if err := h.connect(ctx); err != nil {
		h.mu.Unlock()
		return hostError(name, -1, fmt.Sprintf("cannot connect to tool host: %v", err))
	}
	mcpClient := h.client
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return hostError(name, -1, err.Error())
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	combined := ""
	for i, t := range texts {
		if i > 0 {
			combined += "\n"
		}
		combined += t
	}

	if resp.IsError {
		message := combined
		if message == "" {
			message = "unknown error"
		}
		return hostError(name, -32000, message)
	}
	return okResult(name, combined)
}

func hostError(name string, code int, message string) Result {
	return Result{
		Name:    name,
		OK:      false,
		Content: message,
		Error:   &HostError{Code: code, Message: message},
	}
}

// Close tears down the MCP session.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		err := h.client.Close()
		h.client = nil
		h.connected = false
		h.tools = nil
		return err
	}
	return nil
}
