// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import "context"

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	// RawArguments holds the arguments text when it was not a JSON object.
	RawArguments string `json:"raw_arguments,omitempty"`
}

// ToolSpec advertises one tool to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is one completion round trip.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      map[string]interface{}
}

// Provider is implemented by model clients.
type Provider interface {
	Send(ctx context.Context, req Request) (*Response, error)
	Model() string
}
