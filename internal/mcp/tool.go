package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// Caller is the part of Client a Tool needs.
type Caller interface {
	Name() string
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)
}

// Tool exposes one remote tool under a local, collision-free name.
type Tool struct {
	name   string
	remote RemoteTool
	client Caller
}

// NewTool wraps remote for the registry.
func NewTool(name string, remote RemoteTool, client Caller) *Tool {
	return &Tool{name: name, remote: remote, client: client}
}

func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("Call %s on the %s server", t.remote.Name, t.client.Name())
}

func (t *Tool) Parameters() map[string]interface{} {
	if len(t.remote.InputSchema) == 0 {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.remote.InputSchema
}

func (t *Tool) Execute(ctx context.Context, params map[string]interface{}) *tools.ToolResult {
	start := time.Now()
	res, err := t.client.CallTool(ctx, t.remote.Name, params)
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorResult(ctx.Err())
		}
		return tools.ErrorResult(fmt.Errorf("%w: %s: %v", tools.ErrToolExecution, t.name, err))
	}
	md := &tools.ExecutionMetadata{StartTime: &start, ToolType: "mcp:" + t.client.Name()}
	text := res.Text()
	if res.IsError {
		return &tools.ToolResult{Result: text, Error: t.remote.Name + " reported an error", ErrorKind: tools.KindToolError, ExecutionMetadata: md}
	}
	return &tools.ToolResult{Result: text, ExecutionMetadata: md}
}
