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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/session"
	"github.com/kadirpekel/ryu/pkg/tools"
)

const compactionPrompt = `Summarize this conversation concisely, preserving key facts, decisions, file paths, and open questions:

%s

Summary:`

const summaryFallback = "[Summary unavailable - older context was trimmed]"

// BackendPicker selects a healthy backend; satisfied by llms.Router.
type BackendPicker interface {
	PickHealthy(ctx context.Context) (llms.Backend, error)
}

// Options configures an Agent.
type Options struct {
	SystemPrompt string
	Config       config.AgentConfig

	Picker     BackendPicker
	Dispatcher *tools.Dispatcher
	Hooks      session.Hooks

	// Tools offered to the model each turn.
	Tools []llms.ToolDefinition

	// ContextWindow of the serving model, for compaction pressure.
	ContextWindow int

	// BaseURL of the primary backend; used to detect local inference for
	// sequential subagent spawning.
	BaseURL string

	// Interrupts blocks for user answers to ask-user tools.
	Interrupts InterruptHandler
}

// Agent drives one conversation. History is single-writer: only the active
// Process call mutates it.
type Agent struct {
	opts      Options
	messages  []llms.Message
	turnsToGo int
	counter   *TokenCounter
	cancelled atomic.Bool
}

// New creates an agent with the system prompt as message zero.
func New(opts Options) *Agent {
	if opts.Hooks == nil {
		opts.Hooks = session.NoopHooks{}
	}
	if opts.ContextWindow == 0 {
		opts.ContextWindow = 32768
	}
	a := &Agent{
		opts:      opts,
		counter:   NewTokenCounter(""),
		turnsToGo: opts.Config.ContextRefreshInterval,
	}
	if opts.SystemPrompt != "" {
		a.messages = []llms.Message{{Role: llms.RoleSystem, Content: opts.SystemPrompt}}
	}
	if opts.Dispatcher != nil {
		opts.Dispatcher.Cancelled = &a.cancelled
		if opts.Dispatcher.Local == nil {
			opts.Dispatcher.Local = a
		}
	}
	return a
}

// Cancel sets the cooperative cancellation flag. It is polled at the top of
// the outer loop and before each tool dispatch.
func (a *Agent) Cancel() { a.cancelled.Store(true) }

// Messages returns a copy of the conversation history.
func (a *Agent) Messages() []llms.Message {
	out := make([]llms.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// ClearHistory resets history to the system prompt.
func (a *Agent) ClearHistory() {
	if len(a.messages) > 0 && a.messages[0].Role == llms.RoleSystem {
		a.messages = a.messages[:1]
		return
	}
	a.messages = nil
}

// Process runs one request through the tool loop, yielding events until a
// terminal done, error, or cancelled event.
func (a *Agent) Process(ctx context.Context, content []llms.ContentBlock) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		a.process(ctx, content, out)
	}()
	return out
}

func (a *Agent) process(ctx context.Context, content []llms.ContentBlock, out chan<- Event) {
	a.cancelled.Store(false)

	tracer := otel.Tracer("ryu/agent")
	ctx, span := tracer.Start(ctx, "agent.process")
	defer span.End()

	// Context refresh: every N user turns the system prompt is re-rendered
	// with fresh collaborator context.
	if a.opts.Config.ContextRefreshInterval > 0 {
		a.turnsToGo--
		if a.turnsToGo <= 0 {
			a.refreshContext(ctx)
			a.turnsToGo = a.opts.Config.ContextRefreshInterval
		}
	}

	backend, err := a.opts.Picker.PickHealthy(ctx)
	if err != nil {
		out <- Event{Type: EventError, Data: map[string]any{"message": err.Error(), "code": "no_healthy_backend"}}
		return
	}
	span.SetAttributes(attribute.String("backend", backend.Name()))

	// Auto-compaction only applies to accumulated (stateful) history.
	if !a.opts.Config.Stateless {
		if removed := a.maybeCompact(ctx, backend); removed > 0 {
			out <- Event{Type: EventInfo, Data: map[string]any{
				"message": fmt.Sprintf("Auto-compacted: summarized %d older messages", removed),
			}}
		}
	} else if len(a.messages) > 1 {
		a.ClearHistory()
	}

	// History keeps a text-only digest; the multimodal payload rides along
	// for this request only.
	digest, imageCount := digestContent(content)
	a.messages = append(a.messages, llms.Message{Role: llms.RoleUser, Content: digest})

	var firstCallOverride []llms.ContentBlock
	if imageCount > 0 {
		firstCallOverride = content
	}

	native := backend.SupportsNativeTools()
	toolCallCount := 0
	maxToolCalls := a.opts.Config.EffectiveMaxToolCalls()
	var pendingScreenshot []llms.ContentBlock

	for {
		if a.cancelled.Load() {
			out <- Event{Type: EventCancelled, Data: map[string]any{"reason": "user_cancelled"}}
			return
		}

		request := a.buildRequest(firstCallOverride, pendingScreenshot, native)
		firstCallOverride = nil
		pendingScreenshot = nil

		cfg := llms.GenConfig{}
		if native {
			cfg.Tools = a.opts.Tools
		}

		stream, err := backend.StreamChat(ctx, request, cfg)
		if err != nil {
			out <- Event{Type: EventError, Data: map[string]any{"message": err.Error(), "code": "transport"}}
			return
		}

		var accumulated strings.Builder
		var nativeCalls []llms.ToolCall
		stopReason := ""

		failed := false
		for ev := range stream {
			switch ev.Type {
			case llms.EventDelta:
				accumulated.WriteString(ev.Text)
				out <- Event{Type: EventDelta, Text: ev.Text}
			case llms.EventThinkingDelta:
				out <- Event{Type: EventThinkingDelta, Text: ev.Text}
			case llms.EventToolCall:
				nativeCalls = append(nativeCalls, *ev.ToolCall)
			case llms.EventDone:
				stopReason = ev.StopReason
			case llms.EventError:
				out <- Event{Type: EventError, Data: map[string]any{"message": ev.ErrMessage, "code": ev.ErrCode}}
				failed = true
			}
		}
		if failed {
			return
		}

		text := accumulated.String()
		allCalls := nativeCalls
		if !native && text != "" {
			allCalls = append(allCalls, ParseTextualToolCalls(text)...)
			text = StripToolCallTags(text)
		}

		// No tool calls: the turn is complete.
		if len(allCalls) == 0 {
			if text != "" {
				a.messages = append(a.messages, llms.Message{Role: llms.RoleAssistant, Content: text})
			}
			if stopReason == "" {
				stopReason = "end_turn"
			}
			out <- Event{Type: EventDone, Data: map[string]any{"stop_reason": stopReason}}
			return
		}

		toolCallCount += len(allCalls)
		if maxToolCalls > 0 && toolCallCount > maxToolCalls {
			out <- Event{Type: EventError, Data: map[string]any{
				"message": fmt.Sprintf("Tool call limit exceeded (%d)", maxToolCalls),
				"code":    "tool_limit",
			}}
			out <- Event{Type: EventDone, Data: map[string]any{"stop_reason": "tool_limit"}}
			return
		}

		// One assistant message carries the whole tool-call list.
		a.messages = append(a.messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   text,
			ToolCalls: ensureCallIDs(allCalls),
		})

		pendingScreenshot = a.dispatchCalls(ctx, allCalls, out)
		if a.cancelled.Load() {
			out <- Event{Type: EventCancelled, Data: map[string]any{"reason": "user_cancelled"}}
			return
		}
	}
}

// dispatchCalls runs every tool call of one model turn and appends tool
// result messages. Returns the screenshot injection for the next iteration,
// if any.
func (a *Agent) dispatchCalls(ctx context.Context, calls []llms.ToolCall, out chan<- Event) []llms.ContentBlock {
	emit := func(e tools.Event) {
		out <- Event{Type: e.Type, Data: mergeEventData(e)}
	}

	if a.opts.Dispatcher.CanParallelize(calls) {
		slog.Debug("executing tools in parallel", "count", len(calls))
		results := a.opts.Dispatcher.DispatchParallel(ctx, calls, emit)
		for i, call := range calls {
			a.appendToolResult(call, results[i])
		}
		return nil
	}

	var pendingScreenshot []llms.ContentBlock
	for _, call := range calls {
		if a.cancelled.Load() {
			return nil
		}
		result := a.opts.Dispatcher.Dispatch(ctx, call, emit)
		a.appendToolResult(call, result)

		if injection := screenshotInjection(call, result); injection != nil {
			pendingScreenshot = injection
		}
	}
	return pendingScreenshot
}

func (a *Agent) appendToolResult(call llms.ToolCall, result tools.Result) {
	a.messages = append(a.messages, llms.Message{
		Role:       llms.RoleTool,
		Content:    result.Content,
		Name:       call.Name,
		ToolCallID: call.ID,
	})
}

// buildRequest assembles the outgoing message list without mutating history.
func (a *Agent) buildRequest(override, screenshot []llms.ContentBlock, native bool) []llms.Message {
	request := make([]llms.Message, len(a.messages))
	copy(request, a.messages)

	if !native && len(a.opts.Tools) > 0 && len(request) > 0 && request[0].Role == llms.RoleSystem {
		withTools := request[0]
		withTools.Content = withTools.Content + "\n\n" + RenderToolsForPrompt(a.opts.Tools)
		request[0] = withTools
	}

	if override != nil {
		// Replace the final user message with the full multimodal payload.
		for i := len(request) - 1; i >= 0; i-- {
			if request[i].Role == llms.RoleUser {
				request[i] = llms.Message{Role: llms.RoleUser, Blocks: override}
				break
			}
		}
	}

	if screenshot != nil {
		// One-off synthetic user message, never persisted in history.
		request = append(request, llms.Message{Role: llms.RoleUser, Blocks: screenshot})
	}
	return request
}

// refreshContext re-renders the system prompt with collaborator context.
func (a *Agent) refreshContext(ctx context.Context) {
	sessionContext, err := a.opts.Hooks.GetContext(ctx)
	if err != nil || sessionContext == "" {
		return
	}
	rendered := a.opts.SystemPrompt
	if rendered != "" {
		rendered += "\n\n## Current Context\n" + sessionContext
	} else {
		rendered = sessionContext
	}
	if len(a.messages) > 0 && a.messages[0].Role == llms.RoleSystem {
		a.messages[0].Content = rendered
	} else {
		a.messages = append([]llms.Message{{Role: llms.RoleSystem, Content: rendered}}, a.messages...)
	}
	slog.Debug("system prompt refreshed from session context")
}

// maybeCompact summarizes older history when token pressure crosses the
// threshold. Returns the number of messages folded into the summary.
func (a *Agent) maybeCompact(ctx context.Context, backend llms.Backend) int {
	keep := a.opts.Config.KeepRecentMessages
	if len(a.messages) <= keep+2 {
		return 0
	}

	current := a.counter.CountMessages(a.messages)
	threshold := int(float64(a.opts.ContextWindow) * a.opts.Config.CompactThreshold)
	if current <= threshold {
		return 0
	}

	var systemMsg *llms.Message
	start := 0
	if a.messages[0].Role == llms.RoleSystem {
		systemMsg = &a.messages[0]
		start = 1
	}

	splitIdx := len(a.messages) - keep
	if splitIdx <= start {
		return 0
	}
	toSummarize := a.messages[start:splitIdx]
	toKeep := a.messages[splitIdx:]

	summary := a.summarize(ctx, backend, toSummarize)

	rebuilt := make([]llms.Message, 0, keep+2)
	if systemMsg != nil {
		rebuilt = append(rebuilt, *systemMsg)
	}
	rebuilt = append(rebuilt, llms.Message{
		Role:    llms.RoleUser,
		Content: "[Previous conversation summary]\n" + summary,
	})
	rebuilt = append(rebuilt, toKeep...)
	a.messages = rebuilt

	removed := len(toSummarize)
	slog.Info("auto-compacted history", "summarized", removed, "kept", keep)
	return removed
}

func (a *Agent) summarize(ctx context.Context, backend llms.Backend, messages []llms.Message) string {
	var lines []string
	for _, msg := range messages {
		content := msg.Text()
		if msg.Role == llms.RoleTool {
			if len(content) > 200 {
				content = content[:200]
			}
			lines = append(lines, fmt.Sprintf("[TOOL:%s] %s", msg.Name, content))
			continue
		}
		if len(content) > 500 {
			content = content[:500]
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", strings.ToUpper(msg.Role), content))
	}

	prompt := fmt.Sprintf(compactionPrompt, strings.Join(lines, "\n"))
	summary, err := backend.Complete(ctx, []llms.Message{{Role: llms.RoleUser, Content: prompt}}, llms.GenConfig{
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		slog.Error("compaction summary failed", "error", err)
		return summaryFallback
	}
	return summary
}

// HandleLocal executes local tools: ask-user interrupts and subagent spawns.
func (a *Agent) HandleLocal(ctx context.Context, call llms.ToolCall, emit func(tools.Event)) tools.Result {
	switch call.Name {
	case "ask_user_question":
		return a.handleAskUser(ctx, call, emit)
	case "spawn_subagent":
		return a.handleSpawnSubagent(ctx, call, emit)
	case "spawn_parallel_subagents":
		return a.handleSpawnParallel(ctx, call, emit)
	}
	return tools.Result{Name: call.Name, OK: false, Content: "Unknown local tool: " + call.Name}
}

func (a *Agent) handleAskUser(_ context.Context, call llms.ToolCall, emit func(tools.Event)) tools.Result {
	question, _ := call.Arguments["question"].(string)
	if question == "" {
		question = "Please provide input:"
	}
	inputType, _ := call.Arguments["input_type"].(string)
	if inputType == "" {
		inputType = "text"
	}
	reason, _ := call.Arguments["reason"].(string)
	if reason == "" {
		reason = ReasonClarification
	}
	var options []string
	if raw, ok := call.Arguments["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}

	req := InterruptRequest{
		ID:        uuid.NewString(),
		Reason:    reason,
		Question:  question,
		Options:   options,
		InputType: inputType,
	}

	emit(tools.Event{Type: tools.EventInterrupt, Name: call.Name, ID: call.ID, Data: map[string]any{
		"interrupt_id": req.ID,
		"question":     req.Question,
		"options":      req.Options,
		"input_type":   req.InputType,
		"reason":       req.Reason,
	}})

	if a.opts.Interrupts == nil {
		return tools.Result{Name: call.Name, OK: false, Content: "No interrupt handler configured. Cannot get user input."}
	}

	answer, err := a.opts.Interrupts(req)
	if err != nil {
		return tools.Result{Name: call.Name, OK: false, Content: fmt.Sprintf("Interrupt handler error: %v", err)}
	}
	payload, _ := json.Marshal(map[string]string{"answer": answer})
	return tools.Result{Name: call.Name, OK: true, Content: string(payload)}
}

// digestContent reduces multimodal input to a text digest for history.
func digestContent(content []llms.ContentBlock) (string, int) {
	var textParts []string
	imageCount := 0
	for _, block := range content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "image":
			imageCount++
		}
	}
	digest := strings.Join(textParts, " ")
	if digest == "" && imageCount > 0 {
		digest = fmt.Sprintf("[%d image(s)]", imageCount)
	}
	return digest, imageCount
}

func ensureCallIDs(calls []llms.ToolCall) []llms.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
	}
	return calls
}

func mergeEventData(e tools.Event) map[string]any {
	data := map[string]any{"name": e.Name, "id": e.ID}
	if e.Type == tools.EventToolEnd {
		data["ok"] = e.OK
	}
	for k, v := range e.Data {
		data[k] = v
	}
	return data
}

// screenshotInjection prepares the synthetic screenshot message after a
// successful k_capture that returned a filesystem path.
func screenshotInjection(call llms.ToolCall, result tools.Result) []llms.ContentBlock {
	if call.Name != "k_capture" || !result.OK {
		return nil
	}
	var parsed struct {
		OK   bool `json:"ok"`
		Data struct {
			Path string `json:"path"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil || !parsed.OK || parsed.Data.Path == "" {
		return nil
	}

	raw, err := os.ReadFile(parsed.Data.Path)
	if err != nil {
		slog.Error("failed to read captured screenshot", "path", parsed.Data.Path, "error", err)
		return nil
	}

	mediaType := "image/png"
	switch strings.ToLower(filepath.Ext(parsed.Data.Path)) {
	case ".jpg", ".jpeg":
		mediaType = "image/jpeg"
	case ".webp":
		mediaType = "image/webp"
	}

	return []llms.ContentBlock{
		llms.TextBlock(fmt.Sprintf("[Screenshot captured: %s]", filepath.Base(parsed.Data.Path))),
		llms.ImageBlock(mediaType, base64.StdEncoding.EncodeToString(raw)),
	}
}
