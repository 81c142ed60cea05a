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

// Package tools implements the tool dispatcher: permission and mode gates,
// session hooks, routed-action validation, and the external tool host client.
package tools

import (
	"context"

	"github.com/kadirpekel/ryu/pkg/llms"
)

// ToolInfo describes a tool exposed by the host.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// HostError is a structured error from the tool host.
type HostError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of one tool dispatch.
type Result struct {
	Name    string     `json:"name"`
	OK      bool       `json:"ok"`
	Content string     `json:"content"`
	Error   *HostError `json:"error,omitempty"`
}

// Host is the external tool host contract.
type Host interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) Result
}

// Event types yielded around dispatch.
const (
	EventToolStart   = "tool_start"
	EventToolEnd     = "tool_end"
	EventToolPlanned = "tool_planned"
	EventToolBlocked = "tool_blocked"
	EventInterrupt   = "interrupt"
	EventSubagent    = "subagent"
)

// Event is a dispatch-level event forwarded to the stream consumer.
type Event struct {
	Type string         `json:"type"`
	Name string         `json:"name,omitempty"`
	ID   string         `json:"id,omitempty"`
	OK   bool           `json:"ok,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// LocalHandler executes tools that never leave the gateway process
// (ask-user, subagent spawning). The tool loop driver implements this.
type LocalHandler interface {
	HandleLocal(ctx context.Context, call llms.ToolCall, emit func(Event)) Result
}

// localToolNames is the closed set of tools that are never forwarded to the
// external host.
var localToolNames = map[string]bool{
	"ask_user_question":        true,
	"spawn_subagent":           true,
	"spawn_parallel_subagents": true,
}

// IsLocalTool reports whether a tool is handled in-process.
func IsLocalTool(name string) bool {
	return localToolNames[name]
}

// interactTools are leader-only human-in-the-loop tools.
var interactTools = map[string]bool{
	"k_interact":       true,
	"ask_user":         true,
	"request_approval": true,
	"present_plan":     true,
}

// IsInteractTool reports whether a tool requests human input.
func IsInteractTool(name string) bool {
	return interactTools[name]
}

func errResult(name, content string) Result {
	return Result{Name: name, OK: false, Content: content}
}

func okResult(name, content string) Result {
	return Result{Name: name, OK: true, Content: content}
}
