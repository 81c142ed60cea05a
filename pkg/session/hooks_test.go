package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHookServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := responses[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, resp)
	}))
}

func TestPreToolAllow(t *testing.T) {
	server := newHookServer(t, map[string]string{
		"/hooks/pre_tool": `{"ok": true, "allow": true}`,
	})
	defer server.Close()

	hooks := NewHTTPHooks(server.URL, 5*time.Second)
	result := hooks.PreTool(context.Background(), "k_files", map[string]any{"action": "read"})
	assert.True(t, result.OK)
	assert.True(t, result.Allow)
}

func TestPreToolBlock(t *testing.T) {
	server := newHookServer(t, map[string]string{
		"/hooks/pre_tool": `{"ok": true, "allow": false, "reason": "feature disabled"}`,
	})
	defer server.Close()

	hooks := NewHTTPHooks(server.URL, 5*time.Second)
	result := hooks.PreTool(context.Background(), "k_files", nil)
	assert.True(t, result.OK)
	assert.False(t, result.Allow)
	assert.Equal(t, "feature disabled", result.Reason)
}

func TestPreToolFailClosedOnTransportError(t *testing.T) {
	hooks := NewHTTPHooks("http://127.0.0.1:1", time.Second)
	result := hooks.PreTool(context.Background(), "k_files", nil)
	assert.False(t, result.OK)
	assert.False(t, result.Allow)
	assert.NotEmpty(t, result.Reason)
}

func TestPostToolTruncatesResult(t *testing.T) {
	var received struct {
		Result string `json:"result"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer server.Close()

	hooks := NewHTTPHooks(server.URL, 5*time.Second)
	long := strings.Repeat("x", 1000)
	require.NoError(t, hooks.PostTool(context.Background(), "k_files", true, long))
	assert.Len(t, received.Result, 500)
}

func TestGetContext(t *testing.T) {
	server := newHookServer(t, map[string]string{
		"/hooks/get_context": `{"context": "current sprint: T500"}`,
	})
	defer server.Close()

	hooks := NewHTTPHooks(server.URL, 5*time.Second)
	ctx, err := hooks.GetContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current sprint: T500", ctx)
}

func TestEmptyURLYieldsNoop(t *testing.T) {
	hooks := NewHTTPHooks("", 0)
	_, isNoop := hooks.(NoopHooks)
	assert.True(t, isNoop)

	result := hooks.PreTool(context.Background(), "anything", nil)
	assert.True(t, result.OK)
	assert.True(t, result.Allow)
}
