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

	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/tools"
)

// LocalToolDefinitions returns the schemas of tools handled inside the
// gateway: user questions and subagent spawning.
func LocalToolDefinitions() []llms.ToolDefinition {
	return []llms.ToolDefinition{
		{
			Name:        "ask_user_question",
			Description: "Ask the user a question and wait for their answer. Use when you need clarification or a decision.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":   map[string]any{"type": "string", "description": "The question to ask"},
					"reason":     map[string]any{"type": "string", "enum": []any{ReasonClarification, ReasonHumanApproval, ReasonPlanReview, ReasonUploadNeeded, ReasonErrorRecovery}},
					"options":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"input_type": map[string]any{"type": "string", "enum": []any{"text", "choice", "confirm"}},
				},
				"required": []any{"question"},
			},
		},
		{
			Name:        "spawn_subagent",
			Description: "Delegate a task to a specialized subagent (explorer or planner) with restricted tool access.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subagent_type": map[string]any{"type": "string", "enum": []any{"explorer", "planner"}},
					"task":          map[string]any{"type": "string", "description": "What the subagent should accomplish"},
					"context":       map[string]any{"type": "string", "description": "Background information"},
				},
				"required": []any{"subagent_type", "task"},
			},
		},
		{
			Name:        "spawn_parallel_subagents",
			Description: "Spawn up to 5 subagents at once. Parallel for cloud backends, sequential for local LLMs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subagents": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"subagent_type": map[string]any{"type": "string", "enum": []any{"explorer", "planner"}},
								"task":          map[string]any{"type": "string"},
								"context":       map[string]any{"type": "string"},
							},
							"required": []any{"subagent_type", "task"},
						},
					},
					"shared_context": map[string]any{"type": "string"},
				},
				"required": []any{"subagents"},
			},
		},
	}
}

func (a *Agent) handleSpawnSubagent(ctx context.Context, call llms.ToolCall, emit func(tools.Event)) tools.Result {
	subagentType, _ := call.Arguments["subagent_type"].(string)
	task, _ := call.Arguments["task"].(string)
	taskContext, _ := call.Arguments["context"].(string)

	backend, err := a.opts.Picker.PickHealthy(ctx)
	if err != nil {
		return tools.Result{Name: call.Name, OK: false, Content: fmt.Sprintf("No backend for subagent: %v", err)}
	}

	sub, err := NewSubAgent(subagentType, task, taskContext, backend, a.opts.Dispatcher, a.opts.Tools, 0)
	if err != nil {
		return tools.Result{Name: call.Name, OK: false, Content: err.Error()}
	}

	emit(tools.Event{Type: tools.EventSubagent, Name: call.Name, ID: call.ID, Data: map[string]any{
		"subagent_type": subagentType, "status": "starting", "task": task,
	}})

	result := sub.Run(ctx)

	emit(tools.Event{Type: tools.EventSubagent, Name: call.Name, ID: call.ID, Data: map[string]any{
		"subagent_type": subagentType, "status": statusOf(result.OK), "turns_used": result.TurnsUsed,
	}})

	return tools.Result{Name: call.Name, OK: result.OK, Content: result.Content}
}

func (a *Agent) handleSpawnParallel(ctx context.Context, call llms.ToolCall, emit func(tools.Event)) tools.Result {
	rawSpecs, _ := call.Arguments["subagents"].([]any)
	if len(rawSpecs) == 0 {
		return tools.Result{Name: call.Name, OK: false, Content: "No subagent specs provided"}
	}
	sharedContext, _ := call.Arguments["shared_context"].(string)

	specs := make([]SpawnSpec, 0, len(rawSpecs))
	for _, raw := range rawSpecs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		spec := SpawnSpec{}
		spec.Type, _ = m["subagent_type"].(string)
		spec.Task, _ = m["task"].(string)
		spec.Context, _ = m["context"].(string)
		specs = append(specs, spec)
	}

	backend, err := a.opts.Picker.PickHealthy(ctx)
	if err != nil {
		return tools.Result{Name: call.Name, OK: false, Content: fmt.Sprintf("No backend for subagents: %v", err)}
	}

	results := SpawnParallel(ctx, specs, sharedContext, backend, a.opts.BaseURL, a.opts.Dispatcher, a.opts.Tools,
		func(index, total int, subagentType, status string) {
			emit(tools.Event{Type: tools.EventSubagent, Name: call.Name, ID: call.ID, Data: map[string]any{
				"index": index, "total": total, "subagent_type": subagentType, "status": status,
			}})
		})

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	return tools.Result{
		Name:    call.Name,
		OK:      failed < len(results),
		Content: formatParallelResults(results),
	}
}

func statusOf(ok bool) string {
	if ok {
		return "completed"
	}
	return "failed"
}
