package tools

import (
	"context"
	"sync"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/scripting"
)

// ScriptTool forwards calls to a tool registered by a script session. The
// script's own capabilities apply; the executor's gate runs first.
type ScriptTool struct {
	desc scripting.ToolDescriptor
	svc  *scripting.Service
}

func NewScriptTool(desc scripting.ToolDescriptor, svc *scripting.Service) *ScriptTool {
	return &ScriptTool{desc: desc, svc: svc}
}

func (t *ScriptTool) Name() string { return t.desc.Name }

func (t *ScriptTool) Description() string { return t.desc.Description }

func (t *ScriptTool) Parameters() map[string]interface{} {
	if t.desc.Parameters == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.desc.Parameters
}

// Session names the script that provides the tool.
func (t *ScriptTool) Session() string { return t.desc.Session }

func (t *ScriptTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	out, err := t.svc.CallTool(ctx, t.desc.Session, t.desc.Name, params)
	if err != nil {
		return ErrorResult(err)
	}
	return &ToolResult{
		Result:            out,
		ExecutionMetadata: &ExecutionMetadata{ToolType: "script:" + t.desc.Session},
	}
}

// ScriptTools keeps the registry in step with the tools scripts register.
type ScriptTools struct {
	registry *Registry
	svc      *scripting.Service

	mu    sync.Mutex
	names map[string]bool
}

func NewScriptTools(registry *Registry, svc *scripting.Service) *ScriptTools {
	return &ScriptTools{registry: registry, svc: svc, names: make(map[string]bool)}
}

// Sync registers every current script tool and drops those whose script
// went away. A script tool never shadows a tool of another kind.
func (s *ScriptTools) Sync() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool)
	for _, desc := range s.svc.Tools() {
		if existing, ok := s.registry.Get(desc.Name); ok {
			if _, isScript := existing.(*ScriptTool); !isScript {
				logger.Warn("script %s: tool %s shadows a built-in tool, skipped", desc.Session, desc.Name)
				continue
			}
		}
		s.registry.Register(NewScriptTool(desc, s.svc))
		current[desc.Name] = true
	}
	for name := range s.names {
		if !current[name] {
			s.registry.Unregister(name)
		}
	}
	s.names = current
	return len(current)
}
