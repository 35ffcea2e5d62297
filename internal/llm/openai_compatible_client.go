package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

const (
	maxAttempts      = 3
	maxResponseBytes = 16 << 20
)

// StatusError is a non-200 reply from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// OpenAICompatibleClient sends chat completions to any server speaking the
// OpenAI wire format (OpenAI, LocalAI, LM Studio, llama.cpp, vLLM).
type OpenAICompatibleClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
	log        *logger.Logger
}

// NewOpenAICompatibleClient constructs a client. baseURL must point to the
// API root (e.g. http://localhost:11434/v1). An empty apiKey sends no
// Authorization header.
func NewOpenAICompatibleClient(apiKey, baseURL, modelName string, timeout time.Duration) (*OpenAICompatibleClient, error) {
	model := strings.TrimSpace(modelName)
	if model == "" {
		return nil, fmt.Errorf("model name is required for OpenAI-compatible provider")
	}

	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("base URL is required for OpenAI-compatible provider")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &OpenAICompatibleClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    trimmedBase,
		httpClient: &http.Client{Timeout: timeout},
		backoff:    time.Second,
		log:        logger.Global().WithPrefix("llm"),
	}, nil
}

// FromConfig builds the client for the [provider] section. The key comes
// from api_key, else from the environment variable named by api_key_env.
func FromConfig(cfg config.ProviderConfig) (*OpenAICompatibleClient, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	return NewOpenAICompatibleClient(key, cfg.BaseURL, cfg.Model, time.Duration(cfg.TimeoutSeconds)*time.Second)
}

func (c *OpenAICompatibleClient) Model() string {
	return c.model
}

// Send performs one completion, retrying rate limits and server errors.
func (c *OpenAICompatibleClient) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(c.buildChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai-compatible failed to encode payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, wait, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var se *StatusError
		if !errors.As(err, &se) || !se.retryable() || attempt == maxAttempts {
			break
		}
		if wait <= 0 {
			wait = c.backoff * time.Duration(1<<(attempt-1))
		}
		c.log.Warn("completion attempt %d failed (%v), retrying in %s", attempt, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("openai-compatible completion failed: %w", lastErr)
}

func (c *OpenAICompatibleClient) do(ctx context.Context, body []byte) (*Response, time.Duration, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, retryAfter(resp.Header.Get("Retry-After")), &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var chatResp openAIChatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&chatResp); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	return parseChatResponse(&chatResp), 0, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func (c *OpenAICompatibleClient) buildChatRequest(req Request) *openAIChatRequest {
	payload := &openAIChatRequest{Model: c.model, MaxTokens: req.MaxTokens}
	if req.Temperature != 0 {
		temp := req.Temperature
		payload.Temperature = &temp
	}
	if strings.TrimSpace(req.System) != "" {
		payload.Messages = append(payload.Messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, convertMessage(m))
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return payload
}

func convertMessage(m Message) openAIChatMessage {
	out := openAIChatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	if m.Role == "tool" {
		out.Name = m.ToolName
	}
	for _, tc := range m.ToolCalls {
		args := tc.RawArguments
		if tc.Arguments != nil {
			data, err := json.Marshal(tc.Arguments)
			if err == nil {
				args = string(data)
			}
		}
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, openAIToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: openAIFunctionCall{Name: tc.Name, Arguments: args},
		})
	}
	if m.Role == "assistant" && len(out.ToolCalls) > 0 && m.Content == "" {
		out.Content = nil
	}
	return out
}

func parseChatResponse(chatResp *openAIChatResponse) *Response {
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return &Response{StopReason: "stop", Usage: chatResp.Usage}
	}
	first := chatResp.Choices[0]
	stopReason := first.FinishReason
	if strings.TrimSpace(stopReason) == "" {
		stopReason = "stop"
	}
	return &Response{
		Text:       extractOpenAIText(first.Message.Content),
		ToolCalls:  convertOpenAIToolCalls(first.Message.ToolCalls),
		StopReason: stopReason,
		Usage:      chatResp.Usage,
	}
}

func convertOpenAIToolCalls(calls []openAIToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		raw := strings.TrimSpace(tc.Function.Arguments)
		if raw != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				call.Arguments = args
			} else {
				call.RawArguments = raw
			}
		}
		out = append(out, call)
	}
	return out
}

func extractOpenAIText(content interface{}) string {
	switch value := content.(type) {
	case nil:
		return ""
	case string:
		return value
	case []interface{}:
		var sb strings.Builder
		for _, part := range value {
			sb.WriteString(extractOpenAIText(part))
		}
		return sb.String()
	case map[string]interface{}:
		if text, ok := value["text"].(string); ok {
			return text
		}
		if inner, ok := value["content"]; ok {
			return extractOpenAIText(inner)
		}
	}
	return ""
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Tools       []openAITool        `json:"tools,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type openAIChatMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIChatResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Created int64                  `json:"created"`
	Choices []openAIChatChoice     `json:"choices"`
	Usage   map[string]interface{} `json:"usage,omitempty"`
}

type openAIChatChoice struct {
	Index        int                `json:"index"`
	FinishReason string             `json:"finish_reason"`
	Message      *openAIChatMessage `json:"message"`
}
