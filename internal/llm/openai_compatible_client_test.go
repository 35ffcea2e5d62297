package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/config"
)

func newTestClient(t *testing.T, url string) *OpenAICompatibleClient {
	t.Helper()
	c, err := NewOpenAICompatibleClient("test-key", url, "test-model", time.Second)
	require.NoError(t, err)
	c.backoff = time.Millisecond
	return c
}

func TestOpenAICompatibleClient_RequestShape(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(openAIChatResponse{Choices: []openAIChatChoice{{
			Message: &openAIChatMessage{Role: "assistant", Content: "done"},
		}}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/v1/")
	resp, err := c.Send(context.Background(), Request{
		System: "be brief",
		Messages: []Message{
			{Role: "user", Content: "list"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "list_dir", Arguments: map[string]interface{}{"path": "."}}}},
			{Role: "tool", ToolCallID: "c1", ToolName: "list_dir", Content: "a.txt"},
		},
		Tools: []ToolSpec{{Name: "list_dir", Description: "list"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)

	assert.Equal(t, "test-model", got["model"])
	assert.NotContains(t, got, "temperature")
	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])

	assistant := msgs[2].(map[string]interface{})
	assert.Nil(t, assistant["content"])
	call := assistant["tool_calls"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, `{"path":"."}`, call["function"].(map[string]interface{})["arguments"])

	tool := msgs[3].(map[string]interface{})
	assert.Equal(t, "c1", tool["tool_call_id"])

	tools := got["tools"].([]interface{})
	fn := tools[0].(map[string]interface{})["function"].(map[string]interface{})
	assert.Equal(t, "object", fn["parameters"].(map[string]interface{})["type"])
}

func TestOpenAICompatibleClient_ParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"a","type":"function","function":{"name":"shell","arguments":"{\"command\":\"ls\"}"}},
			{"type":"function","function":{"name":"read_file","arguments":"not json"}}
		]}}],"usage":{"total_tokens":12}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Send(context.Background(), Request{Messages: []Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", resp.StopReason)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "ls", resp.ToolCalls[0].Arguments["command"])
	assert.NotEmpty(t, resp.ToolCalls[1].ID)
	assert.Nil(t, resp.ToolCalls[1].Arguments)
	assert.Equal(t, "not json", resp.ToolCalls[1].RawArguments)
	assert.EqualValues(t, 12, resp.Usage["total_tokens"])
}

func TestOpenAICompatibleClient_Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}]}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOpenAICompatibleClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Send(context.Background(), Request{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Contains(t, se.Body, "bad key")
	assert.EqualValues(t, 1, calls.Load())
}

func TestFromConfig(t *testing.T) {
	t.Setenv("ZIER_TEST_KEY", "from-env")
	c, err := FromConfig(config.ProviderConfig{BaseURL: "http://localhost:1/v1", Model: "m", APIKeyEnv: "ZIER_TEST_KEY"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.apiKey)
	assert.Equal(t, "m", c.Model())

	_, err = FromConfig(config.ProviderConfig{BaseURL: "http://x"})
	assert.Error(t, err)
	_, err = FromConfig(config.ProviderConfig{Model: "m"})
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
}
