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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/tools"
)

// SubagentType describes a restricted inner loop configuration.
type SubagentType struct {
	Description string
	// Tools are "tool:action1,action2" permission specs.
	Tools    []string
	Mode     config.OperationMode
	MaxTurns int
	Prompt   string
}

// subagentTypes is the closed set of built-in subagent types.
var subagentTypes = map[string]SubagentType{
	"explorer": {
		Description: "Fast codebase exploration and file discovery",
		Tools:       []string{"k_files:read,list", "k_rag:query", "k_repo_intel:get"},
		Mode:        config.ModeRead,
		MaxTurns:    15,
		Prompt: `You are an Explorer subagent. Your job is to quickly discover and map relevant parts of the codebase.

Rules:
- Use k_files(action="list") to explore directories
- Use k_rag to search for patterns
- Be fast and focused - you have limited turns
- Return a clear summary of what you found

You are in READ mode - you cannot modify files.`,
	},
	"planner": {
		Description: "Design implementation plans without executing",
		Tools:       []string{"k_files:read", "k_rag:query", "k_repo_intel:get"},
		Mode:        config.ModePlan,
		MaxTurns:    20,
		Prompt: `You are a Planner subagent. Your job is to design implementation approaches.

Rules:
- Analyze the codebase to understand patterns
- Create step-by-step implementation plans
- Identify files that need to be modified
- Consider edge cases and potential issues

You are in PLAN mode - describe what WOULD be done, don't execute.`,
	},
}

// respondTool is the distinguished tool subagents call to finish.
var respondTool = llms.ToolDefinition{
	Name:        "respond",
	Description: "Return your final response to the parent agent. Call this when you have completed your task.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Your complete findings/summary to return to the parent agent",
			},
		},
		"required": []any{"summary"},
	},
}

// SubagentResult is the outcome of one subagent run.
type SubagentResult struct {
	OK          bool
	Content     string
	TurnsUsed   int
	ToolsCalled []string
	Type        string
	Task        string
}

// SubAgent is a restricted inner tool loop launched as a tool call.
type SubAgent struct {
	typeName string
	typeCfg  SubagentType
	task     string
	context  string
	maxTurns int

	backend    llms.Backend
	dispatcher *tools.Dispatcher
	allTools   []llms.ToolDefinition

	// tool -> allowed action set ("*" = all).
	allowed map[string]map[string]bool

	messages    []llms.Message
	toolsCalled []string
}

// NewSubAgent creates a subagent of a built-in type.
func NewSubAgent(typeName, task, taskContext string, backend llms.Backend, dispatcher *tools.Dispatcher, allTools []llms.ToolDefinition, maxTurns int) (*SubAgent, error) {
	typeCfg, ok := subagentTypes[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown subagent type: %s", typeName)
	}
	if maxTurns <= 0 {
		maxTurns = typeCfg.MaxTurns
	}
	return &SubAgent{
		typeName:   typeName,
		typeCfg:    typeCfg,
		task:       task,
		context:    taskContext,
		maxTurns:   maxTurns,
		backend:    backend,
		dispatcher: dispatcher,
		allTools:   allTools,
		allowed:    parseToolPermissions(typeCfg.Tools),
	}, nil
}

// parseToolPermissions parses "tool:action1,action2" specs.
func parseToolPermissions(specs []string) map[string]map[string]bool {
	perms := make(map[string]map[string]bool, len(specs))
	for _, spec := range specs {
		tool, actions, found := strings.Cut(spec, ":")
		if !found {
			perms[spec] = map[string]bool{"*": true}
			continue
		}
		actionSet := make(map[string]bool)
		for _, action := range strings.Split(actions, ",") {
			actionSet[strings.TrimSpace(action)] = true
		}
		perms[tool] = actionSet
	}
	return perms
}

func (s *SubAgent) canUseTool(name string, action string) bool {
	allowed, ok := s.allowed[name]
	if !ok {
		return false
	}
	if allowed["*"] || action == "" {
		return true
	}
	return allowed[action]
}

// filteredTools returns the schemas visible to this subagent plus respond.
func (s *SubAgent) filteredTools() []llms.ToolDefinition {
	filtered := make([]llms.ToolDefinition, 0, len(s.allowed)+1)
	for _, tool := range s.allTools {
		if _, ok := s.allowed[tool.Name]; ok {
			filtered = append(filtered, tool)
		}
	}
	return append(filtered, respondTool)
}

func (s *SubAgent) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(s.typeCfg.Prompt)
	if s.context != "" {
		sb.WriteString("\n\n## Context\n")
		sb.WriteString(s.context)
	}
	specs := make([]string, 0, len(s.typeCfg.Tools))
	specs = append(specs, s.typeCfg.Tools...)
	sb.WriteString("\n\n## Available Tools\n")
	sb.WriteString(strings.Join(specs, ", "))
	sb.WriteString(fmt.Sprintf("\n\n## Limits\nYou have %d turns maximum. Be efficient.", s.maxTurns))
	return sb.String()
}

// Run executes the restricted loop until respond is called, a turn ends
// without tool calls (its text is the answer), the stream fails, or the turn
// budget is exhausted.
func (s *SubAgent) Run(ctx context.Context) SubagentResult {
	native := s.backend.SupportsNativeTools()
	toolDefs := s.filteredTools()

	system := s.systemPrompt()
	if !native {
		system += "\n\n" + RenderToolsForPrompt(toolDefs)
	}
	s.messages = []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: s.task},
	}

	var lastText string
	for turn := 1; turn <= s.maxTurns; turn++ {
		cfg := llms.GenConfig{}
		if native {
			cfg.Tools = toolDefs
		}

		stream, err := s.backend.StreamChat(ctx, s.messages, cfg)
		if err != nil {
			return SubagentResult{OK: false, Content: fmt.Sprintf("Error: %v", err), TurnsUsed: turn, Type: s.typeName, Task: s.task, ToolsCalled: s.toolsCalled}
		}

		var accumulated strings.Builder
		var calls []llms.ToolCall
		streamFailed := ""
		for ev := range stream {
			switch ev.Type {
			case llms.EventDelta:
				accumulated.WriteString(ev.Text)
			case llms.EventToolCall:
				calls = append(calls, *ev.ToolCall)
			case llms.EventError:
				streamFailed = ev.ErrMessage
			}
		}
		if streamFailed != "" {
			return SubagentResult{OK: false, Content: "Error: " + streamFailed, TurnsUsed: turn, Type: s.typeName, Task: s.task, ToolsCalled: s.toolsCalled}
		}

		text := accumulated.String()
		if !native && text != "" {
			calls = append(calls, ParseTextualToolCalls(text)...)
			text = StripToolCallTags(text)
		}
		if text != "" {
			lastText = text
		}

		if len(calls) == 0 {
			// No tool calls and no respond: treat the text as the answer.
			return SubagentResult{OK: true, Content: lastText, TurnsUsed: turn, Type: s.typeName, Task: s.task, ToolsCalled: s.toolsCalled}
		}

		s.messages = append(s.messages, llms.Message{Role: llms.RoleAssistant, Content: text, ToolCalls: ensureCallIDs(calls)})

		for _, call := range calls {
			if call.Name == "respond" {
				summary, _ := call.Arguments["summary"].(string)
				if summary == "" {
					summary = lastText
				}
				return SubagentResult{OK: true, Content: summary, TurnsUsed: turn, Type: s.typeName, Task: s.task, ToolsCalled: s.toolsCalled}
			}

			action, _ := call.Arguments["action"].(string)
			var result tools.Result
			if !s.canUseTool(call.Name, action) {
				result = tools.Result{Name: call.Name, OK: false, Content: fmt.Sprintf("Tool %s not allowed for %s subagent", call.Name, s.typeName)}
			} else {
				result = s.dispatcher.Dispatch(ctx, call, func(tools.Event) {})
				s.toolsCalled = append(s.toolsCalled, call.Name)
			}
			s.messages = append(s.messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    result.Content,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}

	// Turn budget reached: return the best partial result.
	return SubagentResult{
		OK:          false,
		Content:     fmt.Sprintf("Turn budget reached (%d). Partial: %s", s.maxTurns, lastText),
		TurnsUsed:   s.maxTurns,
		Type:        s.typeName,
		Task:        s.task,
		ToolsCalled: s.toolsCalled,
	}
}

// IsLocalLLMURL detects local inference endpoints; local LLMs serialize
// requests, so parallel subagents run sequentially against them.
func IsLocalLLMURL(url string) bool {
	lower := strings.ToLower(url)
	patterns := []string{
		"localhost",
		"127.0.0.1",
		"0.0.0.0",
		"192.168.",
		"10.0.",
		":1234",  // LM Studio default
		":11434", // Ollama default
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

const maxParallelSubagents = 5

// SpawnSpec describes one subagent in a parallel spawn.
type SpawnSpec struct {
	Type    string
	Task    string
	Context string
}

// SpawnParallel runs up to five subagents, concurrently for cloud backends
// and sequentially for local ones.
func SpawnParallel(ctx context.Context, specs []SpawnSpec, sharedContext string, backend llms.Backend, baseURL string, dispatcher *tools.Dispatcher, allTools []llms.ToolDefinition, onProgress func(index, total int, subagentType, status string)) []SubagentResult {
	if len(specs) > maxParallelSubagents {
		specs = specs[:maxParallelSubagents]
	}
	results := make([]SubagentResult, len(specs))

	runOne := func(i int, spec SpawnSpec) SubagentResult {
		fullContext := spec.Context
		if sharedContext != "" {
			fullContext = strings.TrimSpace(sharedContext + "\n\n" + spec.Context)
		}
		if onProgress != nil {
			onProgress(i, len(specs), spec.Type, "starting")
		}
		sub, err := NewSubAgent(spec.Type, spec.Task, fullContext, backend, dispatcher, allTools, 0)
		if err != nil {
			if onProgress != nil {
				onProgress(i, len(specs), spec.Type, "error")
			}
			return SubagentResult{OK: false, Content: fmt.Sprintf("Error: %v", err), Type: spec.Type, Task: spec.Task}
		}
		result := sub.Run(ctx)
		if onProgress != nil {
			status := "completed"
			if !result.OK {
				status = "failed"
			}
			onProgress(i, len(specs), spec.Type, status)
		}
		return result
	}

	if IsLocalLLMURL(baseURL) {
		slog.Info("spawning subagents sequentially (local LLM detected)", "count", len(specs))
		for i, spec := range specs {
			results[i] = runOne(i, spec)
		}
		return results
	}

	slog.Info("spawning subagents in parallel", "count", len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runOne(i, spec)
		}()
	}
	wg.Wait()
	return results
}

// formatParallelResults combines subagent outputs for the parent model.
func formatParallelResults(results []SubagentResult) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		status := "ok"
		if !r.OK {
			status = "failed"
		}
		label := strings.ToUpper(r.Type)
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		parts = append(parts, fmt.Sprintf("## [%s] %s\n%s", status, label, r.Content))
	}
	return strings.Join(parts, "\n\n")
}
