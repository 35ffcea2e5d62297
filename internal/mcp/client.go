package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrClosed is returned for calls on a client whose connection ended.
var ErrClosed = errors.New("mcp connection closed")

const methodNotFound = -32601

// outboxSize bounds frames queued for the writer before senders wait.
const outboxSize = 64

// Client speaks JSON-RPC 2.0 over a line-delimited stream. Calls may be
// issued concurrently; responses are matched by id. A single writer
// goroutine owns the stream, so the reader never blocks on a write.
type Client struct {
	name    string
	timeout time.Duration
	log     *logger.Logger

	w      io.WriteCloser
	outbox chan []byte

	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	nextID  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	err       error
	onClose   func() error

	info ServerInfo
}

// NewClient starts reading responses from r. Requests are written to w.
func NewClient(name string, r io.Reader, w io.WriteCloser, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = consts.DefaultMCPTimeout
	}
	c := &Client{
		name:    name,
		timeout: timeout,
		log:     logger.Global().WithPrefix("mcp:" + name),
		w:       w,
		outbox:  make(chan []byte, outboxSize),
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	go c.writeLoop()
	return c
}

// Name is the configured server name.
func (c *Client) Name() string { return c.name }

// Info is what the server reported in the handshake.
func (c *Client) Info() ServerInfo { return c.info }

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), consts.MaxProcessOutputBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Debug("ignoring non-JSON line: %.200s", line)
			continue
		}
		switch {
		case msg.ID != nil && msg.Method != "":
			// server-initiated request; none are supported
			c.reply(*msg.ID, &RPCError{Code: methodNotFound, Message: "method not supported: " + msg.Method})
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		default:
			c.log.Debug("notification %s", msg.Method)
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			if _, err := c.w.Write(data); err != nil {
				c.shutdown(fmt.Errorf("%w: write: %v", ErrClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// write queues one frame. It gives up when ctx ends or the connection
// closes.
func (c *Client) write(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- append(data, '\n'):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// reply answers a server request from the read loop. It never waits: a
// full outbox drops the reply.
func (c *Client) reply(id int64, rpcErr *RPCError) {
	data, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: &id, Error: rpcErr})
	if err != nil {
		return
	}
	select {
	case c.outbox <- append(data, '\n'):
	default:
		c.log.Warn("dropped reply to server request %d: outbox full", id)
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// Call sends a request and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = raw
	}

	ch := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, req); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s: no response after %s", method, c.timeout)
	case <-c.done:
		return c.closedErr()
	}
}

// Notify queues a notification, which has no response.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	return c.write(ctx, req)
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	var res initializeResult
	err := c.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: consts.AppName, Version: "0.1.0"},
	}, &res)
	if err != nil {
		return err
	}
	c.info = res.ServerInfo
	c.log.Info("connected to %s %s (protocol %s)", res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)
	return c.Notify(ctx, "notifications/initialized", nil)
}

// ListTools returns every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var all []RemoteTool
	cursor := ""
	for page := 0; page < 100; page++ {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var res listToolsResult
		if err := c.Call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return all, nil
}

// CallTool invokes a remote tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var res CallResult
	if err := c.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close ends the connection and, for spawned servers, the process. Closing
// the stream also unblocks a writer stuck on a server that stopped reading.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	err := c.w.Close()
	if c.onClose != nil {
		if cerr := c.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
