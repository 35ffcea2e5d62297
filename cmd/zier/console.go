package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
)

// consoleSource is the identity of the local terminal.
const consoleSource = "cli:local"

// Submitter is where console lines go.
type Submitter interface {
	Submit(ctx context.Context, source, text string) error
}

// Resolver decides approvals.
type Resolver interface {
	Resolve(callID string, d approval.Decision) (approval.UIContext, bool)
}

// console owns stdin. Lines become owner messages unless an approval is
// waiting for a y/n answer, in which case the line decides the oldest one.
// It also prints replies addressed to the local terminal.
type console struct {
	in       io.Reader
	out      io.Writer
	bus      Submitter
	resolver Resolver
	prompts  bool
	width    int

	mu      sync.Mutex
	waiting []approval.Pending
}

func newConsole(in io.Reader, out io.Writer, bus Submitter, resolver Resolver) *console {
	c := &console{in: in, out: out, bus: bus, resolver: resolver, width: 100}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.prompts = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
			c.width = w
		}
	}
	return c
}

// OnApprovalRequested shows the request and queues it for the next y/n line.
func (c *console) OnApprovalRequested(_ context.Context, p approval.Pending) error {
	c.mu.Lock()
	c.waiting = append(c.waiting, p)
	c.mu.Unlock()

	summary := p.ArgsSummary
	if max := c.width - len(p.ToolName) - 24; max > 0 && len(summary) > max {
		summary = approval.Summarize(summary, max)
	}
	_, err := fmt.Fprintf(c.out, "\n[approval] %s %s\n[approval] allow? [y/N] ", p.ToolName, summary)
	return err
}

// NotifyExpired drops an expired request from the queue.
func (c *console) NotifyExpired(e approval.Expired) {
	if c.drop(e.CallID) {
		fmt.Fprintf(c.out, "\n[approval] %s expired\n", e.CallID)
	}
}

// Respond prints replies for the local terminal.
func (c *console) Respond(_ context.Context, source, text string) error {
	if source != consoleSource {
		return nil
	}
	_, err := fmt.Fprintf(c.out, "%s\n", text)
	if c.prompts {
		fmt.Fprint(c.out, "> ")
	}
	return err
}

// Run reads lines until EOF or ctx ends.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	if c.prompts {
		fmt.Fprint(c.out, "> ")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if err := c.handleLine(ctx, line); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if p, ok := c.oldest(); ok {
		approve := false
		switch strings.ToLower(line) {
		case "y", "yes":
			approve = true
		case "", "n", "no":
		default:
			// not an answer; treat it as a message and keep the request queued
			return c.submit(ctx, line)
		}
		c.drop(p.CallID)
		decision := approval.Deny
		if approve {
			decision = approval.Approve
		}
		if _, ok := c.resolver.Resolve(p.CallID, decision); !ok {
			fmt.Fprintf(c.out, "[approval] %s was already decided\n", p.CallID)
		}
		return nil
	}
	if line == "" {
		if c.prompts {
			fmt.Fprint(c.out, "> ")
		}
		return nil
	}
	return c.submit(ctx, line)
}

func (c *console) submit(ctx context.Context, line string) error {
	return c.bus.Submit(ctx, consoleSource, line)
}

func (c *console) oldest() (approval.Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiting) == 0 {
		return approval.Pending{}, false
	}
	return c.waiting[0], true
}

func (c *console) drop(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.waiting {
		if p.CallID == callID {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return true
		}
	}
	return false
}

var _ Submitter = (*ingress.Bus)(nil)
