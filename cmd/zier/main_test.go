package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/agent"
	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/pidfile"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
	"github.com/kir-gadjello/zier-alpha/internal/web"
)

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = c.Hidden
	}
	for _, want := range []string{"daemon", "check", "tools", "approvals"} {
		hidden, ok := names[want]
		assert.True(t, ok, want)
		assert.False(t, hidden, want)
	}
	assert.True(t, names["__confine"], "confine helper is hidden")
}

func TestConfineFlagsStopAtCommand(t *testing.T) {
	cmd := buildConfineCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--ro", "/a", "--rw", "/b", "--net", "--", "ls", "-la"}))
	assert.Equal(t, []string{"ls", "-la"}, cmd.Flags().Args())
	ro, _ := cmd.Flags().GetStringArray("ro")
	rw, _ := cmd.Flags().GetStringArray("rw")
	assert.Equal(t, []string{"/a"}, ro)
	assert.Equal(t, []string{"/b"}, rw)
}

func TestPrintVerdict(t *testing.T) {
	dir := t.TempDir()
	p, err := safety.New(safety.Options{ProjectDir: dir, WorkspaceDir: dir, ApprovalPatterns: config.DefaultApprovalPatterns()})
	require.NoError(t, err)

	tests := []struct {
		command string
		want    string
		blocked bool
	}{
		{"ls -la", "allowed", false},
		{"rm -rf /", "blocked", true},
		{"terraform destroy", "requires_approval", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var out bytes.Buffer
			err := printVerdict(&out, p, tt.command, dir, false)
			assert.True(t, strings.HasPrefix(out.String(), tt.want), out.String())
			if tt.blocked {
				assert.ErrorIs(t, err, safety.ErrBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewBaseAndToolList(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.ProjectDir = t.TempDir()
	cfg.Tools.External = []config.ExternalToolConfig{
		{Name: "weather", Description: "Current weather\nmore text", Command: "curl"},
		{Name: "shell", Command: "sh"},
	}

	b, err := newBase(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.ProjectDir, b.env.RunDir())

	reg, manager := b.registry(context.Background(), true)
	assert.Nil(t, manager)
	var out bytes.Buffer
	require.NoError(t, printTools(&out, reg))
	assert.Contains(t, out.String(), "weather")
	assert.Contains(t, out.String(), "Current weather")
	assert.NotContains(t, out.String(), "more text")

	shell, ok := reg.Get("shell")
	require.True(t, ok)
	_, external := shell.(*tools.ExternalTool)
	assert.False(t, external, "config tools never shadow native ones")
}

func TestApprovalsClientAgainstServer(t *testing.T) {
	coord := approval.NewCoordinator(approval.Options{Timeout: time.Minute})
	srv, err := web.NewServer(web.Options{Coordinator: coord, Token: "secret"})
	require.NoError(t, err)
	defer srv.Stop()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	result := make(chan error, 1)
	go func() {
		_, err := coord.AwaitDecision(context.Background(), approval.Request{CallID: "call-1", ChatRef: "cli:local", ToolName: "shell", Args: `{"command":"make"}`}, 0)
		result <- err
	}()
	require.Eventually(t, func() bool { return coord.Len() == 1 }, time.Second, 5*time.Millisecond)

	client := &apiClient{base: ts.URL, token: "secret", http: ts.Client()}
	pending, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "shell", pending[0].ToolName)

	var out bytes.Buffer
	require.NoError(t, printPending(&out, pending, time.Now()))
	assert.Contains(t, out.String(), "call-1")

	require.NoError(t, client.Decide(context.Background(), "call-1", true))
	assert.NoError(t, <-result)
	assert.Error(t, client.Decide(context.Background(), "call-1", false), "already decided")

	bad := &apiClient{base: ts.URL, token: "wrong", http: ts.Client()}
	_, err = bad.List(context.Background())
	assert.ErrorContains(t, err, "401")
}

func TestPrintPendingEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPending(&out, nil, time.Now()))
	assert.Equal(t, "No pending approvals.\n", out.String())
}

type submissions struct {
	mu    sync.Mutex
	texts []string
}

func (s *submissions) Submit(_ context.Context, source, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, source+": "+text)
	return nil
}

type decisions struct {
	got map[string]approval.Decision
}

func (d *decisions) Resolve(callID string, dec approval.Decision) (approval.UIContext, bool) {
	if _, seen := d.got[callID]; seen {
		return approval.UIContext{}, false
	}
	d.got[callID] = dec
	return approval.UIContext{}, true
}

func TestConsoleRoutesLines(t *testing.T) {
	subs := &submissions{}
	decs := &decisions{got: map[string]approval.Decision{}}
	var out bytes.Buffer
	c := newConsole(strings.NewReader(""), &out, subs, decs)
	ctx := context.Background()

	require.NoError(t, c.handleLine(ctx, "hello"))
	require.NoError(t, c.OnApprovalRequested(ctx, approval.Pending{CallID: "a", ToolName: "shell", ArgsSummary: "make"}))
	require.NoError(t, c.OnApprovalRequested(ctx, approval.Pending{CallID: "b", ToolName: "shell", ArgsSummary: "make install"}))
	assert.Contains(t, out.String(), "[approval] shell make")

	require.NoError(t, c.handleLine(ctx, "what is this?"))
	require.NoError(t, c.handleLine(ctx, "Y"))
	require.NoError(t, c.handleLine(ctx, ""))
	require.NoError(t, c.handleLine(ctx, "after"))

	assert.Equal(t, approval.Approve, decs.got["a"])
	assert.Equal(t, approval.Deny, decs.got["b"])
	assert.Equal(t, []string{"cli:local: hello", "cli:local: what is this?", "cli:local: after"}, subs.texts)
}

func TestConsoleExpiryAndReplies(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(strings.NewReader(""), &out, &submissions{}, &decisions{got: map[string]approval.Decision{}})
	ctx := context.Background()

	require.NoError(t, c.OnApprovalRequested(ctx, approval.Pending{CallID: "a", ToolName: "shell"}))
	c.NotifyExpired(approval.Expired{CallID: "a"})
	_, waiting := c.oldest()
	assert.False(t, waiting)
	assert.Contains(t, out.String(), "a expired")

	out.Reset()
	require.NoError(t, c.Respond(ctx, "telegram:1", "not for the terminal"))
	require.NoError(t, c.Respond(ctx, consoleSource, "hi"))
	assert.Equal(t, "hi\n", out.String())
}

func TestConsoleRunSubmitsUntilEOF(t *testing.T) {
	subs := &submissions{}
	var out bytes.Buffer
	c := newConsole(strings.NewReader("one\n\ntwo\n"), &out, subs, &decisions{got: map[string]approval.Decision{}})
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"cli:local: one", "cli:local: two"}, subs.texts)
}

func TestFanOut(t *testing.T) {
	var a, b bytes.Buffer
	ca := newConsole(strings.NewReader(""), &a, &submissions{}, nil)
	cb := newConsole(strings.NewReader(""), &b, &submissions{}, nil)
	require.NoError(t, fanOut([]agent.Responder{ca, cb}).Respond(context.Background(), consoleSource, "x"))
	assert.Equal(t, "x\n", a.String())
	assert.Equal(t, "x\n", b.String())
}

func TestAPIClientFromDaemonRecord(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()

	_, err := newAPIClient(cfg)
	assert.ErrorContains(t, err, "no running daemon")

	require.NoError(t, pidfile.ForWorkspace(cfg.Workspace).Write(pidfile.Info{Addr: "127.0.0.1:9999", Token: "recorded"}))
	client, err := newAPIClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999", client.base)
	assert.Equal(t, "recorded", client.token)

	cfg.Approval.Token = "configured"
	client, err = newAPIClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, "configured", client.token)
}
