package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/session"
	"github.com/kadirpekel/ryu/pkg/tools"
)

// scriptedBackend plays back one scripted event sequence per turn.
type scriptedBackend struct {
	turns  [][]llms.StreamEvent
	turn   int
	native bool

	completeResponse string
	completeErr      error
	requests         [][]llms.Message
}

func (b *scriptedBackend) Name() string              { return "scripted" }
func (b *scriptedBackend) SupportsNativeTools() bool { return b.native }
func (b *scriptedBackend) DefaultModel() string      { return "scripted-model" }
func (b *scriptedBackend) Close() error              { return nil }

func (b *scriptedBackend) HealthCheck(ctx context.Context) llms.HealthStatus {
	return llms.HealthStatus{OK: true, Backend: "scripted"}
}

func (b *scriptedBackend) Complete(ctx context.Context, messages []llms.Message, cfg llms.GenConfig) (string, error) {
	return b.completeResponse, b.completeErr
}

func (b *scriptedBackend) StreamChat(ctx context.Context, messages []llms.Message, cfg llms.GenConfig) (<-chan llms.StreamEvent, error) {
	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	b.requests = append(b.requests, snapshot)

	events := b.turns[b.turn]
	if b.turn < len(b.turns)-1 {
		b.turn++
	}
	out := make(chan llms.StreamEvent, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out, nil
}

type staticPicker struct{ backend llms.Backend }

func (p staticPicker) PickHealthy(ctx context.Context) (llms.Backend, error) {
	return p.backend, nil
}

type orderedHost struct{ results map[string]string }

func (h orderedHost) ListTools(ctx context.Context) ([]tools.ToolInfo, error) { return nil, nil }

func (h orderedHost) CallTool(ctx context.Context, name string, arguments map[string]any) tools.Result {
	content, ok := h.results[name]
	if !ok {
		content = "ok"
	}
	return tools.Result{Name: name, OK: true, Content: content}
}

func newTestAgent(backend *scriptedBackend, host tools.Host) *Agent {
	agentCfg := config.AgentConfig{}
	agentCfg.SetDefaults()

	pm := tools.NewPermissionManager(config.ModeNormal, "")
	pm.GrantAll()
	dispatcher := &tools.Dispatcher{
		Permissions: pm,
		Hooks:       session.NoopHooks{},
		Host:        host,
		Role:        session.RoleLeader,
		Cancelled:   &atomic.Bool{},
	}
	return New(Options{
		SystemPrompt: "You are a test agent.",
		Config:       agentCfg,
		Picker:       staticPicker{backend: backend},
		Dispatcher:   dispatcher,
		Tools: []llms.ToolDefinition{
			{Name: "read_file", Description: "read", Parameters: map[string]any{"type": "object"}},
		},
	})
}

func drain(ch <-chan Event) []Event {
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestShortCompletion(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDelta, Text: "The sum"},
			{Type: llms.EventDelta, Text: " is 5."},
			{Type: llms.EventDone, StopReason: "end_turn", Usage: &llms.Usage{InputTokens: 8, OutputTokens: 4}},
		}},
	}
	a := newTestAgent(backend, orderedHost{})

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("sum 2+3")}))
	assert.Equal(t, []string{EventDelta, EventDelta, EventDone}, types(events))

	messages := a.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, llms.RoleUser, messages[1].Role)
	assert.Equal(t, "sum 2+3", messages[1].Content)
	assert.Equal(t, llms.RoleAssistant, messages[2].Role)
	assert.Equal(t, "The sum is 5.", messages[2].Content)
}

func TestToolCallThenAnswer(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{
			{
				{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "/tmp/note.txt"}}},
				{Type: llms.EventDone, StopReason: "tool_use"},
			},
			{
				{Type: llms.EventDelta, Text: "The file says 'hello'."},
				{Type: llms.EventDone, StopReason: "end_turn"},
			},
		},
	}
	a := newTestAgent(backend, orderedHost{results: map[string]string{"read_file": "hello"}})

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("what's in /tmp/note.txt")}))
	assert.Equal(t, []string{EventToolStart, EventToolEnd, EventDelta, EventDone}, types(events))
	assert.Equal(t, true, events[1].Data["ok"])
	assert.Equal(t, "hello", events[1].Data["result"])

	messages := a.Messages()
	require.Len(t, messages, 5)
	assert.Equal(t, llms.RoleAssistant, messages[2].Role)
	require.Len(t, messages[2].ToolCalls, 1)
	assert.Equal(t, llms.RoleTool, messages[3].Role)
	assert.Equal(t, "c1", messages[3].ToolCallID)
	assert.Equal(t, "hello", messages[3].Content)
	assert.Equal(t, "The file says 'hello'.", messages[4].Content)
}

func TestToolLimitTerminates(t *testing.T) {
	// The model calls a tool every turn, forever.
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "c", Name: "read_file", Arguments: map[string]any{}}},
			{Type: llms.EventDone, StopReason: "tool_use"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})
	limit := 3
	a.opts.Config.MaxToolCalls = &limit

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("loop")}))

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "tool_limit", last.Data["stop_reason"])

	var sawLimitError bool
	for _, e := range events {
		if e.Type == EventError && e.Data["code"] == "tool_limit" {
			sawLimitError = true
		}
	}
	assert.True(t, sawLimitError)
}

func TestStreamErrorTerminates(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDelta, Text: "partial"},
			{Type: llms.EventError, ErrMessage: "boom", ErrCode: "http_error"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("hi")}))
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "http_error", last.Data["code"])
}

func TestTextualToolExtraction(t *testing.T) {
	backend := &scriptedBackend{
		native: false,
		turns: [][]llms.StreamEvent{
			{
				{Type: llms.EventDelta, Text: "Let me check. <tool_call>\n<name>read_file</name>\n<arguments>{\"path\": \"x\"}</arguments>\n</tool_call>"},
				{Type: llms.EventDone, StopReason: "end_turn"},
			},
			{
				{Type: llms.EventDelta, Text: "Done."},
				{Type: llms.EventDone, StopReason: "end_turn"},
			},
		},
	}
	a := newTestAgent(backend, orderedHost{results: map[string]string{"read_file": "data"}})

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("go")}))
	assert.Contains(t, types(events), EventToolStart)
	assert.Contains(t, types(events), EventToolEnd)

	// The textual request must carry the tool protocol in the system prompt.
	require.NotEmpty(t, backend.requests)
	assert.Contains(t, backend.requests[0][0].Content, "<tool_call>")

	// Tool-call tags are stripped from the stored assistant message.
	messages := a.Messages()
	assert.Equal(t, "Let me check.", messages[2].Content)
}

func TestStatelessResetsHistory(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDelta, Text: "hi"},
			{Type: llms.EventDone, StopReason: "end_turn"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})
	a.opts.Config.Stateless = true

	drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("one")}))
	drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("two")}))

	messages := a.Messages()
	// system + latest user + latest assistant only
	require.Len(t, messages, 3)
	assert.Equal(t, "two", messages[1].Content)
}

// cancellingHost cancels the agent from inside a tool call, exercising the
// cooperative cancellation points after dispatch.
type cancellingHost struct{ agent **Agent }

func (h cancellingHost) ListTools(ctx context.Context) ([]tools.ToolInfo, error) { return nil, nil }

func (h cancellingHost) CallTool(ctx context.Context, name string, arguments map[string]any) tools.Result {
	(*h.agent).Cancel()
	return tools.Result{Name: name, OK: true, Content: "ok"}
}

func TestCancellationAfterToolDispatch(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "c", Name: "read_file", Arguments: map[string]any{}}},
			{Type: llms.EventDone, StopReason: "tool_use"},
		}},
	}
	var a *Agent
	a = newTestAgent(backend, cancellingHost{agent: &a})

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("go")}))
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.Type)
	assert.Equal(t, "user_cancelled", last.Data["reason"])
}

func TestCompactionReplacesOlderMessages(t *testing.T) {
	backend := &scriptedBackend{
		native:           true,
		completeResponse: "earlier we discussed files",
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDelta, Text: "ok"},
			{Type: llms.EventDone, StopReason: "end_turn"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})
	a.opts.ContextWindow = 64 // tiny window to force compaction
	a.opts.Config.KeepRecentMessages = 2

	// Seed a long history.
	for i := 0; i < 10; i++ {
		a.messages = append(a.messages,
			llms.Message{Role: llms.RoleUser, Content: "question about the project layout and files"},
			llms.Message{Role: llms.RoleAssistant, Content: "a fairly long answer describing the project"},
		)
	}
	before := len(a.messages)

	events := drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("next")}))
	assert.Contains(t, types(events), EventInfo)

	messages := a.Messages()
	assert.Less(t, len(messages), before)
	assert.Contains(t, messages[1].Content, "[Previous conversation summary]")
	assert.Contains(t, messages[1].Content, "earlier we discussed files")
}

func TestCompactionFallbackWhenSummaryFails(t *testing.T) {
	backend := &scriptedBackend{
		native:      true,
		completeErr: assert.AnError,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDone, StopReason: "end_turn"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})
	a.opts.ContextWindow = 64
	a.opts.Config.KeepRecentMessages = 2

	for i := 0; i < 10; i++ {
		a.messages = append(a.messages,
			llms.Message{Role: llms.RoleUser, Content: "question about the project layout and files"},
			llms.Message{Role: llms.RoleAssistant, Content: "a fairly long answer describing the project"},
		)
	}

	drain(a.Process(context.Background(), []llms.ContentBlock{llms.TextBlock("next")}))
	assert.Contains(t, a.Messages()[1].Content, summaryFallback)
}

func TestImageDigestKeptOutOfHistory(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventDelta, Text: "nice screenshot"},
			{Type: llms.EventDone, StopReason: "end_turn"},
		}},
	}
	a := newTestAgent(backend, orderedHost{})

	content := []llms.ContentBlock{
		llms.TextBlock("what is this?"),
		llms.ImageBlock("image/png", "aWJvcg=="),
	}
	drain(a.Process(context.Background(), content))

	// History stores the text digest only.
	messages := a.Messages()
	assert.Equal(t, "what is this?", messages[1].Content)
	assert.Empty(t, messages[1].Blocks)

	// The request itself carried the image.
	require.NotEmpty(t, backend.requests)
	var userMsg *llms.Message
	for i := range backend.requests[0] {
		if backend.requests[0][i].Role == llms.RoleUser {
			userMsg = &backend.requests[0][i]
		}
	}
	require.NotNil(t, userMsg)
	assert.True(t, userMsg.HasImages())
}

func TestParseTextualToolCalls(t *testing.T) {
	text := `Thinking...
<tool_call>
<name>k_files</name>
<arguments>{"action": "read", "path": "a.txt"}</arguments>
</tool_call>
and also
<tool_call>
<name>k_rag</name>
<arguments>broken json</arguments>
</tool_call>`

	calls := ParseTextualToolCalls(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "k_files", calls[0].Name)
	assert.Equal(t, "read", calls[0].Arguments["action"])
	assert.Equal(t, "k_rag", calls[1].Name)
	assert.Equal(t, "broken json", calls[1].Arguments["raw"])

	stripped := StripToolCallTags(text)
	assert.NotContains(t, stripped, "<tool_call>")
	assert.Contains(t, stripped, "Thinking...")
}

func TestIsLocalLLMURL(t *testing.T) {
	assert.True(t, IsLocalLLMURL("http://127.0.0.1:1234/v1"))
	assert.True(t, IsLocalLLMURL("http://localhost:8080"))
	assert.True(t, IsLocalLLMURL("http://192.168.1.5:9000"))
	assert.True(t, IsLocalLLMURL("http://somewhere:11434"))
	assert.False(t, IsLocalLLMURL("https://api.anthropic.com"))
}

func TestSubagentPermissionParsing(t *testing.T) {
	perms := parseToolPermissions([]string{"k_files:read,list", "k_rag:query", "k_repo_intel"})
	assert.True(t, perms["k_files"]["read"])
	assert.False(t, perms["k_files"]["write"])
	assert.True(t, perms["k_rag"]["query"])
	assert.True(t, perms["k_repo_intel"]["*"])
}

func TestSubagentRespondTerminates(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "r1", Name: "respond", Arguments: map[string]any{"summary": "found 3 files"}}},
			{Type: llms.EventDone, StopReason: "tool_use"},
		}},
	}
	pm := tools.NewPermissionManager(config.ModeRead, "")
	pm.GrantAll()
	dispatcher := &tools.Dispatcher{Permissions: pm, Hooks: session.NoopHooks{}, Host: orderedHost{}, Cancelled: &atomic.Bool{}}

	sub, err := NewSubAgent("explorer", "map the repo", "", backend, dispatcher, nil, 0)
	require.NoError(t, err)

	result := sub.Run(context.Background())
	assert.True(t, result.OK)
	assert.Equal(t, "found 3 files", result.Content)
	assert.Equal(t, 1, result.TurnsUsed)
}

func TestSubagentTurnBudget(t *testing.T) {
	backend := &scriptedBackend{
		native: true,
		turns: [][]llms.StreamEvent{{
			{Type: llms.EventToolCall, ToolCall: &llms.ToolCall{ID: "c", Name: "k_files", Arguments: map[string]any{"action": "read"}}},
			{Type: llms.EventDone, StopReason: "tool_use"},
		}},
	}
	pm := tools.NewPermissionManager(config.ModeRead, "")
	pm.GrantAll()
	dispatcher := &tools.Dispatcher{Permissions: pm, Hooks: session.NoopHooks{}, Host: orderedHost{}, Cancelled: &atomic.Bool{}}

	sub, err := NewSubAgent("explorer", "loop forever", "", backend, dispatcher, nil, 3)
	require.NoError(t, err)

	result := sub.Run(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, 3, result.TurnsUsed)
	assert.Contains(t, result.Content, "Turn budget reached")
}

func TestSubagentToolFiltering(t *testing.T) {
	backend := &scriptedBackend{native: true}
	dispatcher := &tools.Dispatcher{Hooks: session.NoopHooks{}, Host: orderedHost{}, Cancelled: &atomic.Bool{}}

	all := []llms.ToolDefinition{
		{Name: "k_files"}, {Name: "k_rag"}, {Name: "k_pty"},
	}
	sub, err := NewSubAgent("explorer", "t", "", backend, dispatcher, all, 0)
	require.NoError(t, err)

	filtered := sub.filteredTools()
	names := make([]string, 0, len(filtered))
	for _, f := range filtered {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "k_files")
	assert.Contains(t, names, "k_rag")
	assert.Contains(t, names, "respond")
	assert.NotContains(t, names, "k_pty")
}
