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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/ryu/pkg/config"
)

// Decision is an approval handler verdict.
type Decision string

const (
	DecisionAllow      Decision = "allow"
	DecisionBlock      Decision = "block"
	DecisionAlwaysTool Decision = "always_tool"
	DecisionAlwaysAll  Decision = "always_all"
)

// readOnlyActions classifies read-only actions per routed tool.
var readOnlyActions = map[string]map[string]bool{
	"k_files": set("read", "list"),
	"k_rag": set("help", "query", "status", "query_semantic", "query_hybrid",
		"query_reranked", "query_multi", "query_reflective",
		"query_agentic", "query_interactive"),
	"k_repo_intel": set("help", "status", "get", "list", "run"),
	"k_checkpoint": set("help", "list", "load"),
	"k_session":    set("help", "context", "start", "end", "log"),
	"k_memory":     set("help", "get"),
	"k_collective": set("help", "query_patterns", "get_skill_matrix"),
	"k_inbox":      set("help", "list", "read", "stats"),
	"k_pty":        set("help", "list", "read", "term_read", "resolve"),
}

// writeActions classifies write/execute actions per routed tool.
var writeActions = map[string]map[string]bool{
	"k_files":      set("write", "edit", "delete"),
	"k_pty":        set("send_line", "write", "talk", "create", "send_line_to_agent", "resize"),
	"k_checkpoint": set("save"),
	"k_inbox":      set("send", "complete", "claim", "mark_read"),
	"k_memory":     set("set_goal", "add_blocker", "clear_blockers", "set_steps", "reset"),
	"k_interact":   set("ask", "approve", "plan", "screenshot"),
	"k_collective": set("record_success", "record_failure", "update_skill"),
}

// dangerousActions always require confirmation, regardless of grants.
var dangerousActions = map[string]map[string]bool{
	"k_files": set("write", "edit", "delete"),
	"k_pty":   set("send_line", "write", "talk", "create", "send_line_to_agent"),
}

// Safe paths exempt from the dangerous check: agent working files, not user
// code.
var safeWritePaths = map[string]bool{
	"ai/agent_context.md": true,
	"ai/todo.md":          true,
	"ai/progress.md":      true,
	"ai/sessions.json":    true,
}

var safeWritePrefixes = []string{"ai/checkpoints/", "ai/inbox/", "ai/evidence/"}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// PermissionManager tracks per-tool approval state for one session.
//
// The state machine is the triple (accept-all, always-approved, always-denied)
// with a closed dangerous predicate that overrides grants.
type PermissionManager struct {
	mu             sync.Mutex
	acceptAll      bool
	alwaysApproved map[string]bool
	alwaysDenied   map[string]bool
	persistPath    string
	mode           config.OperationMode
}

// NewPermissionManager creates a manager in the given operation mode.
func NewPermissionManager(mode config.OperationMode, persistPath string) *PermissionManager {
	if !mode.Valid() {
		mode = config.ModeNormal
	}
	return &PermissionManager{
		alwaysApproved: make(map[string]bool),
		alwaysDenied:   make(map[string]bool),
		persistPath:    persistPath,
		mode:           mode,
	}
}

// Mode returns the current operation mode.
func (m *PermissionManager) Mode() config.OperationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the operation mode.
func (m *PermissionManager) SetMode(mode config.OperationMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid operation mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

// ShouldBlock reports whether the tool is on the always-deny list.
func (m *PermissionManager) ShouldBlock(toolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alwaysDenied[toolName]
}

// ShouldAutoApprove reports whether the tool skips the approval prompt.
// Dangerous calls always prompt unless the target path is whitelisted.
func (m *PermissionManager) ShouldAutoApprove(toolName string, args map[string]any) bool {
	if m.IsDangerous(toolName, args) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptAll {
		return true
	}
	return m.alwaysApproved[toolName]
}

// IsDangerous checks the (tool, action) pair against the closed danger table,
// honoring the safe-path whitelist for file writes.
func (m *PermissionManager) IsDangerous(toolName string, args map[string]any) bool {
	actions, dangerous := dangerousActions[toolName]
	if !dangerous {
		return false
	}

	action, _ := args["action"].(string)
	if action == "" {
		// No action to inspect: assume the worst for a dangerous tool.
		return true
	}
	if !actions[action] {
		return false
	}

	if toolName == "k_files" && (action == "write" || action == "edit") {
		path, _ := args["path"].(string)
		normalized := strings.ReplaceAll(path, "\\", "/")
		if safeWritePaths[normalized] {
			return false
		}
		for _, prefix := range safeWritePrefixes {
			if strings.HasPrefix(normalized, prefix) {
				return false
			}
		}
	}
	return true
}

// GrantTool grants session-scoped always-allow for a tool.
func (m *PermissionManager) GrantTool(toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysApproved[toolName] = true
	delete(m.alwaysDenied, toolName)
	slog.Info("granted always-allow", "tool", toolName)
}

// GrantAll enables accept-all; dangerous tools still prompt.
func (m *PermissionManager) GrantAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptAll = true
	slog.Info("granted accept-all for session")
}

// DenyTool blocks a tool without prompting.
func (m *PermissionManager) DenyTool(toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysDenied[toolName] = true
	delete(m.alwaysApproved, toolName)
	slog.Info("set always-deny", "tool", toolName)
}

// Reset returns every tool to the default ask state.
func (m *PermissionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptAll = false
	m.alwaysApproved = make(map[string]bool)
	m.alwaysDenied = make(map[string]bool)
}

// Status reports the current permission state.
func (m *PermissionManager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"accept_all":      m.acceptAll,
		"always_approved": sortedKeys(m.alwaysApproved),
		"always_denied":   sortedKeys(m.alwaysDenied),
		"operation_mode":  string(m.mode),
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsReadOnlyAction reports whether the call is classified read-only.
func IsReadOnlyAction(toolName string, args map[string]any) bool {
	allowed, known := readOnlyActions[toolName]
	if !known {
		return false
	}
	action, _ := args["action"].(string)
	if action == "" {
		// Known tools default to their safe actions when no action is given.
		return true
	}
	return allowed[action]
}

// IsWriteAction reports whether the call is classified write/execute.
// Unknown tools default to write, the safer classification for gating.
func IsWriteAction(toolName string, args map[string]any) bool {
	if actions, known := writeActions[toolName]; known {
		action, _ := args["action"].(string)
		return actions[action]
	}
	_, knownReadOnly := readOnlyActions[toolName]
	return !knownReadOnly
}

// CheckOperationMode reports whether the call may proceed in the manager's
// mode; a false verdict carries the reason.
func (m *PermissionManager) CheckOperationMode(toolName string, args map[string]any) (bool, string) {
	mode := m.Mode()
	if mode == config.ModeNormal {
		return true, ""
	}
	if IsReadOnlyAction(toolName, args) {
		return true, ""
	}

	action, _ := args["action"].(string)
	if action == "" {
		action = "unknown"
	}
	if mode == config.ModeRead {
		return false, fmt.Sprintf("Blocked in READ mode: %s:%s", toolName, action)
	}
	return false, fmt.Sprintf("Planned (not executed): %s:%s", toolName, action)
}

// permissionState is the persisted form.
type permissionState struct {
	AcceptAll      bool     `json:"accept_all"`
	AlwaysApproved []string `json:"always_approved"`
	AlwaysDenied   []string `json:"always_denied"`
}

// Save persists grants to the configured path.
func (m *PermissionManager) Save() error {
	if m.persistPath == "" {
		return nil
	}
	m.mu.Lock()
	state := permissionState{
		AcceptAll:      m.acceptAll,
		AlwaysApproved: sortedKeys(m.alwaysApproved),
		AlwaysDenied:   sortedKeys(m.alwaysDenied),
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.persistPath, data, 0644)
}

// Load restores grants from the configured path; a missing file is fine.
func (m *PermissionManager) Load() error {
	if m.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state permissionState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptAll = state.AcceptAll
	m.alwaysApproved = make(map[string]bool, len(state.AlwaysApproved))
	for _, name := range state.AlwaysApproved {
		m.alwaysApproved[name] = true
	}
	m.alwaysDenied = make(map[string]bool, len(state.AlwaysDenied))
	for _, name := range state.AlwaysDenied {
		m.alwaysDenied[name] = true
	}
	return nil
}
