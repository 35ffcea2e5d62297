package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kir-gadjello/zier-alpha/internal/llm"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// scriptedProvider replays canned responses and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
	// fallback is returned once responses run out
	fallback *llm.Response
}

func (p *scriptedProvider) Send(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		if p.fallback != nil {
			return p.fallback, nil
		}
		return nil, errors.New("no scripted response left")
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func (p *scriptedProvider) Model() string { return "scripted" }

func (p *scriptedProvider) sent() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func text(s string) *llm.Response { return &llm.Response{Text: s, StopReason: "stop"} }

func callTool(id, name string, args map[string]interface{}) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}, StopReason: "tool_calls"}
}

type echoTool struct {
	name  string
	calls atomic.Int32
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
	}
}

func (t *echoTool) Execute(_ context.Context, params map[string]interface{}) *tools.ToolResult {
	t.calls.Add(1)
	return &tools.ToolResult{Result: "echo: " + tools.GetStringParam(params, "text", "")}
}

func toolNames(specs []llm.ToolSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

type staticStatus []string

func (s staticStatus) StatusLines(context.Context) []string { return s }
