package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/ryu/pkg/config"
)

func newAnthropicServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
}

func newTestAnthropic(t *testing.T, baseURL string) *AnthropicBackend {
	t.Helper()
	cfg := &config.BackendConfig{Type: config.BackendAnthropic, BaseURL: baseURL, APIKey: "sk-ant-test"}
	cfg.SetDefaults()
	backend, err := NewAnthropicBackend(cfg)
	require.NoError(t, err)
	return backend
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicBackend(&config.BackendConfig{Type: config.BackendAnthropic})
	require.Error(t, err)
}

func TestAnthropicStreamTextAndThinking(t *testing.T) {
	server := newAnthropicServer(t, []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	})
	defer server.Close()

	backend := newTestAnthropic(t, server.URL)
	ch, err := backend.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, GenConfig{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventThinkingDelta, events[0].Type)
	assert.Equal(t, "hmm", events[0].Text)
	assert.Equal(t, EventDelta, events[1].Type)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "end_turn", events[2].StopReason)
	require.NotNil(t, events[2].Usage)
	assert.Equal(t, 12, events[2].Usage.InputTokens)
	assert.Equal(t, 3, events[2].Usage.OutputTokens)
}

func TestAnthropicStreamToolUseFragments(t *testing.T) {
	server := newAnthropicServer(t, []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"k_files"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"act"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"ion\": \"read\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	})
	defer server.Close()

	backend := newTestAnthropic(t, server.URL)
	ch, err := backend.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "read"}}, GenConfig{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	require.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, "toolu_1", events[0].ToolCall.ID)
	assert.Equal(t, "k_files", events[0].ToolCall.Name)
	assert.Equal(t, "read", events[0].ToolCall.Arguments["action"])
	assert.Equal(t, "tool_use", events[1].StopReason)
}

func TestAnthropicStreamErrorRedacted(t *testing.T) {
	server := newAnthropicServer(t, []string{
		`{"type":"error","error":{"type":"overloaded_error","message":"overloaded sk-ant-test"}}`,
	})
	defer server.Close()

	backend := newTestAnthropic(t, server.URL)
	ch, err := backend.StreamChat(context.Background(), nil, GenConfig{})
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "provider_error", events[0].ErrCode)
	assert.NotContains(t, events[0].ErrMessage, "sk-ant-test")
}

func TestAnthropicBuildRequestSplitsSystemAndToolResults(t *testing.T) {
	backend := newTestAnthropic(t, "http://127.0.0.1:1")

	messages := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "read the file"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_1", Name: "k_files", Arguments: map[string]any{"action": "read"}}}},
		{Role: RoleTool, ToolCallID: "toolu_1", Name: "k_files", Content: "hello"},
	}
	req := backend.buildRequest(messages, GenConfig{}, true)

	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	require.Len(t, req.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", req.Messages[1].Content[0].Type)
	require.NotNil(t, req.Messages[1].Content[0].Input)
	assert.Equal(t, "user", req.Messages[2].Role)
	assert.Equal(t, "tool_result", req.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_1", req.Messages[2].Content[0].ToolUseID)
}

func TestActionEnumExtraction(t *testing.T) {
	tool := ToolDefinition{
		Name: "k_files",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []any{"read", "write", "list"},
				},
			},
		},
	}
	assert.Equal(t, []string{"read", "write", "list"}, tool.ActionEnum())

	plain := ToolDefinition{Name: "echo", Parameters: map[string]any{"type": "object"}}
	assert.Nil(t, plain.ActionEnum())
}
