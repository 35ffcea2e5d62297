package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
)

// ToolSpec is the static description of a tool handed to the model.
type ToolSpec interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
}

// ToolExecutor runs a tool. Failures are reported in the result, never as
// a panic.
type ToolExecutor interface {
	Execute(ctx context.Context, params map[string]interface{}) *ToolResult
}

// Tool combines spec and executor.
type Tool interface {
	ToolSpec
	ToolExecutor
}

// Classifier is implemented by tools whose calls the safety policy must
// judge before they run. A RequiresApproval verdict routes the call through
// the approval coordinator; Blocked stops it.
type Classifier interface {
	Classify(ctx context.Context, params map[string]interface{}) safety.Verdict
}

// ToolCall is one call requested by the model.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolResult is the outcome of a call. Content is what the model sees.
type ToolResult struct {
	ID        string      `json:"id"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
	Content   string      `json:"content"`

	ExecutionMetadata *ExecutionMetadata `json:"execution_metadata,omitempty"`
}

// ExecutionMetadata describes how a call ran.
type ExecutionMetadata struct {
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	Command        string `json:"command,omitempty"`
	ExitCode       int    `json:"exit_code,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	WasTimedOut    bool   `json:"was_timed_out,omitempty"`

	ToolType   string `json:"tool_type,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Redactions int    `json:"redactions,omitempty"`
	Approved   bool   `json:"approved,omitempty"`
}

// Failed reports whether the call ended in an error.
func (r *ToolResult) Failed() bool { return r != nil && r.Error != "" }

type turnKey struct{}

// Turn is what a tool may learn about the turn calling it.
type Turn struct {
	Trust   ingress.TrustLevel
	Scope   ingress.ToolScope
	ChatRef string
}

// WithTurn attaches turn information to ctx.
func WithTurn(ctx context.Context, t Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// TurnFrom returns the turn attached to ctx. The zero Turn is untrusted
// with no tools.
func TurnFrom(ctx context.Context) Turn {
	t, _ := ctx.Value(turnKey{}).(Turn)
	return t
}

// Registry holds the tools available to the agent. Script tools come and
// go as scripts reload, so it is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// RemoveByPrefix unregisters tools whose names share the provided prefix.
func (r *Registry) RemoveByPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			delete(r.entries, name)
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.entries))
	for _, t := range r.entries {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Visible returns the tools a turn at the given trust level may see.
// Untrusted turns see none; trusted turns see their scope; owners see all.
func (r *Registry) Visible(trust ingress.TrustLevel, scope ingress.ToolScope) []Tool {
	switch trust {
	case ingress.OwnerCommand:
		return r.List()
	case ingress.TrustedEvent:
		var out []Tool
		for _, t := range r.List() {
			if scope.Allows(t.Name()) {
				out = append(out, t)
			}
		}
		return out
	default:
		return nil
	}
}

// Schema is the function declaration of a tool in the chat-completions
// format.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Schemas describes tools for the model.
func Schemas(tools []Tool) []Schema {
	out := make([]Schema, 0, len(tools))
	for _, t := range tools {
		out = append(out, Schema{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

// Helper function to get string parameter
func GetStringParam(params map[string]interface{}, key string, defaultVal string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// Helper function to get int parameter
func GetIntParam(params map[string]interface{}, key string, defaultVal int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return defaultVal
}

// Helper function to get bool parameter
func GetBoolParam(params map[string]interface{}, key string, defaultVal bool) bool {
	if val, ok := params[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetStringSliceParam accepts a JSON array of strings.
func GetStringSliceParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
