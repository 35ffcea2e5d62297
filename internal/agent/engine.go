// Package agent runs the reasoning loop and the control plane that feeds
// it: trust routing, turn admission and job dispatch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/llm"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/session"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// ErrToolLoop is returned when a turn keeps calling tools past the limit.
var ErrToolLoop = errors.New("tool iteration limit reached")

// Provider is the model behind the loop.
type Provider interface {
	Send(ctx context.Context, req llm.Request) (*llm.Response, error)
	Model() string
}

// StatusSource contributes lines to the system prompt.
type StatusSource interface {
	StatusLines(ctx context.Context) []string
}

// EngineOptions configure an Engine.
type EngineOptions struct {
	Provider Provider
	Executor *tools.Executor
	Store    session.Store
	Status   []StatusSource
	// MaxIterations bounds model round trips per turn.
	MaxIterations int
	// History bounds how many stored turns are replayed.
	History    int
	ObserveLLM func(model string, err error, elapsed time.Duration)
}

// Engine runs turns: it replays the session, calls the model and executes
// the tool calls it asks for.
type Engine struct {
	opts EngineOptions
	log  *logger.Logger
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = consts.MaxToolIterations
	}
	if opts.History <= 0 {
		opts.History = 200
	}
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.Executor == nil {
		opts.Executor = tools.NewExecutor(tools.ExecutorOptions{})
	}
	return &Engine{opts: opts, log: logger.Global().WithPrefix("agent")}
}

// Store is the engine's session store.
func (e *Engine) Store() session.Store { return e.opts.Store }

// TurnRequest describes one turn.
type TurnRequest struct {
	// SessionID keys the stored conversation; usually the message source.
	SessionID string
	Prompt    string
	Trust     ingress.TrustLevel
	Scope     ingress.ToolScope
	Persona   string
	// Persist replays and extends the stored session.
	Persist bool
}

// TurnResult is what a turn produced.
type TurnResult struct {
	Text       string
	Iterations int
	ToolCalls  int
	Failed     int
}

// Run executes one turn.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if e.opts.Provider == nil {
		return nil, fmt.Errorf("no model provider configured")
	}
	persona := req.Persona
	if persona == "" {
		persona = DefaultPersona
	}
	scope := req.Scope
	if req.Trust == ingress.UntrustedEvent {
		scope = ingress.NoTools
	}

	var history []session.Turn
	if req.Persist {
		stored, err := e.opts.Store.Load(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		history = session.Tail(stored, e.opts.History)
	}
	fresh := []session.Turn{{Role: session.RoleUser, Content: req.Prompt, CreatedAt: time.Now()}}

	var specs []llm.ToolSpec
	for _, t := range e.opts.Executor.Registry().Visible(req.Trust, scope) {
		specs = append(specs, llm.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}

	var status []string
	for _, s := range e.opts.Status {
		status = append(status, s.StatusLines(ctx)...)
	}
	system := systemPrompt(persona, status)

	toolCtx := tools.WithTurn(ctx, tools.Turn{Trust: req.Trust, Scope: scope, ChatRef: req.SessionID})
	result := &TurnResult{}
	var loopErr error
	for {
		if result.Iterations >= e.opts.MaxIterations {
			loopErr = ErrToolLoop
			result.Text = fmt.Sprintf("Stopped after %d tool iterations without a final answer.", e.opts.MaxIterations)
			fresh = append(fresh, session.Turn{Role: session.RoleAssistant, Content: result.Text, CreatedAt: time.Now()})
			break
		}
		result.Iterations++

		resp, err := e.send(ctx, llm.Request{
			System:   system,
			Messages: toMessages(append(append([]session.Turn(nil), history...), fresh...)),
			Tools:    specs,
		})
		if err != nil {
			return nil, err
		}

		assistant := session.Turn{Role: session.RoleAssistant, Content: resp.Text, CreatedAt: time.Now()}
		for _, tc := range resp.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		fresh = append(fresh, assistant)
		if len(resp.ToolCalls) == 0 {
			result.Text = strings.TrimSpace(resp.Text)
			break
		}

		for _, tc := range resp.ToolCalls {
			res := e.call(toolCtx, req.Trust, tc)
			result.ToolCalls++
			if res.Failed() {
				result.Failed++
			}
			fresh = append(fresh, session.Turn{
				Role:       session.RoleTool,
				Content:    res.Content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				CreatedAt:  time.Now(),
			})
		}
	}

	if req.Persist {
		if err := e.opts.Store.Append(ctx, req.SessionID, fresh...); err != nil {
			e.log.Error("failed to persist session %s: %v", req.SessionID, err)
		}
	}
	return result, loopErr
}

func (e *Engine) send(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := e.opts.Provider.Send(ctx, req)
	if e.opts.ObserveLLM != nil {
		e.opts.ObserveLLM(e.opts.Provider.Model(), err, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	return resp, nil
}

func (e *Engine) call(ctx context.Context, trust ingress.TrustLevel, tc llm.ToolCall) *tools.ToolResult {
	if tc.RawArguments != "" && tc.Arguments == nil {
		res := tools.ErrorResult(fmt.Errorf("%w: arguments must be a JSON object", tools.ErrInvalidArguments))
		res.ID = tc.ID
		res.Content = "Error: " + res.Error
		return res
	}
	return e.opts.Executor.Execute(ctx, trust, &tools.ToolCall{ID: tc.ID, Name: tc.Name, Parameters: tc.Arguments})
}

func toMessages(turns []session.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		m := llm.Message{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID, ToolName: t.ToolName}
		for _, tc := range t.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, m)
	}
	return out
}
