package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// fakeServer answers JSON-RPC requests over in-memory pipes.
type fakeServer struct {
	tools []RemoteTool

	mu      sync.Mutex
	methods []string
	replies []wireMsg
}

type wireMsg struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

func (s *fakeServer) connect(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	go s.serve(c2sR, s2cW)
	c := NewClient("fake", s2cR, c2sW, timeout)
	t.Cleanup(func() {
		_ = c.Close()
		_ = s2cW.Close()
	})
	return c
}

func (s *fakeServer) serve(r io.Reader, w io.WriteCloser) {
	defer w.Close()
	enc := json.NewEncoder(w)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var req wireMsg
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		s.mu.Lock()
		if req.Method != "" {
			s.methods = append(s.methods, req.Method)
		} else {
			s.replies = append(s.replies, req)
		}
		s.mu.Unlock()
		if req.ID == nil || req.Method == "" {
			continue
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID}
		switch req.Method {
		case "initialize":
			// ask the client something it cannot answer first
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 900, "method": "sampling/createMessage"})
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/message"})
			resp["result"] = map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]string{"name": "fake", "version": "1.2.3"},
			}
		case "tools/list":
			resp["result"] = s.page(req.Params)
		case "tools/call":
			resp["result"] = s.call(req.Params)
		case "hang":
			continue
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "unknown method"}
		}
		_ = enc.Encode(resp)
	}
}

// page serves tools one per page to exercise pagination.
func (s *fakeServer) page(raw json.RawMessage) map[string]interface{} {
	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(raw, &params)
	idx := 0
	if params.Cursor != "" {
		_ = json.Unmarshal([]byte(params.Cursor), &idx)
	}
	out := map[string]interface{}{"tools": []RemoteTool{}}
	if idx < len(s.tools) {
		out["tools"] = []RemoteTool{s.tools[idx]}
		if idx+1 < len(s.tools) {
			next, _ := json.Marshal(idx + 1)
			out["nextCursor"] = string(next)
		}
	}
	return out
}

func (s *fakeServer) call(raw json.RawMessage) map[string]interface{} {
	var params callToolParams
	_ = json.Unmarshal(raw, &params)
	switch params.Name {
	case "fail":
		return map[string]interface{}{"isError": true, "content": []content{{Type: "text", Text: "it broke"}}}
	default:
		args, _ := json.Marshal(params.Arguments)
		return map[string]interface{}{"content": []content{
			{Type: "text", Text: "called " + params.Name},
			{Type: "image"},
			{Type: "text", Text: string(args)},
		}}
	}
}

func (s *fakeServer) seen() ([]string, []wireMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...), append([]wireMsg(nil), s.replies...)
}

func TestClientHandshakeAndListTools(t *testing.T) {
	srv := &fakeServer{tools: []RemoteTool{{Name: "search"}, {Name: "fetch"}, {Name: "fail"}}}
	c := srv.connect(t, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, "fake", c.Info().Name)

	listed, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "fetch", listed[1].Name)

	assert.Eventually(t, func() bool {
		methods, replies := srv.seen()
		return len(replies) == 1 && contains(methods, "notifications/initialized")
	}, 2*time.Second, 10*time.Millisecond)
	_, replies := srv.seen()
	require.NotNil(t, replies[0].Error)
	assert.Equal(t, methodNotFound, replies[0].Error.Code)
	assert.EqualValues(t, 900, *replies[0].ID)
}

func TestClientCallToolConcatenatesText(t *testing.T) {
	srv := &fakeServer{}
	c := srv.connect(t, 2*time.Second)

	res, err := c.CallTool(context.Background(), "search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "called search\n{\"q\":\"go\"}", res.Text())
}

func TestClientErrors(t *testing.T) {
	srv := &fakeServer{}
	c := srv.connect(t, 50*time.Millisecond)

	err := c.Call(context.Background(), "nope", nil, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)

	err = c.Call(context.Background(), "hang", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Call(ctx, "hang", nil, nil), context.Canceled)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call(context.Background(), "tools/list", nil, nil), ErrClosed)
}

func TestClientFailsPendingCallsWhenServerExits(t *testing.T) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	go func() {
		sc := bufio.NewScanner(c2sR)
		sc.Scan()
		_ = s2cW.Close()
	}()
	c := NewClient("dying", s2cR, c2sW, 5*time.Second)
	defer c.Close()

	err := c.Call(context.Background(), "tools/list", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientReadsWhileServerIsStillWriting(t *testing.T) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	go func() {
		defer s2cW.Close()
		sc := bufio.NewScanner(c2sR)
		if !sc.Scan() {
			return
		}
		var req wireMsg
		_ = json.Unmarshal(sc.Bytes(), &req)
		enc := json.NewEncoder(s2cW)
		// a burst of server requests before the answer, without reading
		// the client's replies in between
		for i := 0; i < 10; i++ {
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": 1000 + i, "method": "roots/list"})
		}
		_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]interface{}{"tools": []interface{}{}}})
		for sc.Scan() {
		}
	}()
	c := NewClient("chatty", s2cR, c2sW, 2*time.Second)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.ListTools(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client stalled while answering server requests")
	}
}

func TestClientCloseWithStuckWriter(t *testing.T) {
	// nobody ever reads what the client writes
	_, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	defer s2cW.Close()
	c := NewClient("stuck", s2cR, c2sW, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Call(ctx, "tools/list", nil, nil))

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a pending write")
	}
	assert.ErrorIs(t, c.Call(context.Background(), "tools/list", nil, nil), ErrClosed)
}

func TestRemoteToolThroughExecutor(t *testing.T) {
	srv := &fakeServer{tools: []RemoteTool{
		{Name: "search", Description: "search the web", InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"q"},
		}},
		{Name: "fail"},
	}}
	c := srv.connect(t, 2*time.Second)

	m := NewManager([]config.MCPServerConfig{{Name: "Web Tools", Type: "stdio", Command: []string{"unused"}}}, t.TempDir())
	m.start = func(ctx context.Context, cfg config.MCPServerConfig, baseDir string) (*Client, error) {
		return c, c.Initialize(ctx)
	}
	built, errs := m.BuildTools(context.Background())
	require.Empty(t, errs)
	require.Len(t, built, 2)
	assert.Equal(t, "web_tools_search", built[0].Name())
	assert.Equal(t, "search the web", built[0].Description())

	reg := tools.NewRegistry()
	for _, tool := range built {
		reg.Register(tool)
	}
	exec := tools.NewExecutor(tools.ExecutorOptions{Registry: reg})

	res := exec.Execute(context.Background(), ingress.OwnerCommand, &tools.ToolCall{Name: "web_tools_search", Parameters: map[string]interface{}{"q": "go"}})
	require.False(t, res.Failed(), res.Error)
	assert.Contains(t, res.Content, "called search")
	assert.Equal(t, "mcp:fake", res.ExecutionMetadata.ToolType)

	res = exec.Execute(context.Background(), ingress.OwnerCommand, &tools.ToolCall{Name: "web_tools_search"})
	assert.Equal(t, tools.KindInvalidArguments, res.ErrorKind)

	res = exec.Execute(context.Background(), ingress.OwnerCommand, &tools.ToolCall{Name: "web_tools_fail"})
	assert.Equal(t, tools.KindToolError, res.ErrorKind)
	assert.Contains(t, res.Content, "it broke")

	m.Close()
}

func TestManagerSkipsBrokenServers(t *testing.T) {
	m := NewManager([]config.MCPServerConfig{
		{Name: "off", Type: "stdio", Disabled: true},
		{Name: "weird", Type: "carrier-pigeon"},
		{Name: "nospec", Type: "openapi"},
	}, t.TempDir())
	built, errs := m.BuildTools(context.Background())
	assert.Empty(t, built)
	assert.Len(t, errs, 2)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
